package wire

// ValuePayload carries an encoded value across the wire (spec.md §3).
type ValuePayload struct {
	Encoding   string  `json:"encoding"`
	TypeName   string  `json:"type_name,omitempty"`
	Data       string  `json:"data,omitempty"`
	SchemaHint *string `json:"schema_hint,omitempty"`
}

const (
	EncodingTypedSlidingBuffer = "typed/slidingbuffer"
	EncodingStringBase64       = "string/base64"
	EncodingVoidSentinel       = "void/sentinel"
)

// AuthContext identifies the caller (spec.md §3).
type AuthContext struct {
	Kind        string `json:"kind"`
	Subject     string `json:"subject,omitempty"`
	Audience    string `json:"audience,omitempty"`
	Proof       string `json:"proof,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	IssuedAtMs  uint64 `json:"issued_at_ms,omitempty"`
	ExpiresAtMs uint64 `json:"expires_at_ms,omitempty"`
}

const (
	AuthKindMutualTLS   = "MutualTls"
	AuthKindBearerToken = "BearerToken"
)

// CapabilityRequest is one requested capability with optional parameters
// (spec.md §3).
type CapabilityRequest struct {
	Name       string   `json:"name"`
	Parameters []string `json:"parameters,omitempty"`
}

// ReadConsistency selects a server-side read consistency gate (spec.md §3).
type ReadConsistency struct {
	Mode            string  `json:"mode"`
	AtLeastVersion  *uint64 `json:"at_least_version,omitempty"`
}

const (
	ConsistencyLatest         = "Latest"
	ConsistencyAtLeastVersion = "AtLeastVersion"
)

// ProtocolVersion is carried on MountOpen only (spec.md §3).
type ProtocolVersion struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

// ErrorPayload is the uniform wire error shape (spec.md §3, §7).
type ErrorPayload struct {
	Code         string  `json:"code"`
	Message      string  `json:"message"`
	Retryable    bool    `json:"retryable"`
	RetryAfterMs *uint64 `json:"retry_after_ms,omitempty"`
}

// Wire-level error codes (spec.md §3), distinct from the internal
// pserr.Code taxonomy; mountserver/mountclient translate between the two
// via the table in errors.go.
const (
	ErrCodeNoSuchPath         = "no_such_path"
	ErrCodeInvalidCredentials = "invalid_credentials"
	ErrCodePermissionDenied   = "permission_denied"
	ErrCodeLeaseExpired       = "lease_expired"
	ErrCodeNotifyBackpressure = "notify_backpressure"
	ErrCodeTooManyWaiters     = "too_many_waiters"
	ErrCodeConsistencyNotMet  = "consistency_not_met"
	ErrCodeDeleted            = "deleted"
	ErrCodeNotFound           = "not_found"
	ErrCodeInsertFailed       = "insert_failed"
	ErrCodeTakeFailed         = "take_failed"
	ErrCodeMalformedInput     = "malformed_input"
	ErrCodeInvalidPath        = "invalid_path"
)

// MountOpenRequest is the handshake request (spec.md §4.D).
type MountOpenRequest struct {
	RequestID            string              `json:"request_id"`
	ClientID              string              `json:"client_id"`
	Alias                  string              `json:"alias"`
	ExportRoot              string              `json:"export_root"`
	Version                 ProtocolVersion     `json:"version"`
	RequestedCapabilities   []CapabilityRequest `json:"requested_capabilities"`
	Auth                    AuthContext         `json:"auth"`
}

// MountOpenResponse is the handshake reply.
type MountOpenResponse struct {
	Accepted             bool          `json:"accepted"`
	SessionID             string        `json:"session_id,omitempty"`
	GrantedCapabilities   []string      `json:"granted_capabilities,omitempty"`
	LeaseExpiresMs         uint64        `json:"lease_expires_ms,omitempty"`
	HeartbeatIntervalMs     uint64        `json:"heartbeat_interval_ms,omitempty"`
	Error                   *ErrorPayload `json:"error,omitempty"`
}

// HeartbeatRequest keeps a session's lease alive.
type HeartbeatRequest struct {
	RequestID string `json:"request_id"`
	SessionID  string `json:"session_id"`
}

// HeartbeatAck acknowledges a heartbeat.
type HeartbeatAck struct {
	Accepted         bool          `json:"accepted"`
	LeaseExpiresMs    uint64        `json:"lease_expires_ms,omitempty"`
	Error             *ErrorPayload `json:"error,omitempty"`
}

// ReadRequest requests the current value (and optionally children) at a
// path (spec.md §4.D, §4.F).
type ReadRequest struct {
	RequestID         string           `json:"request_id"`
	SessionID          string           `json:"session_id"`
	Alias               string           `json:"alias"`
	Path                 string           `json:"path"`
	IncludeValue          bool             `json:"include_value"`
	IncludeChildren        bool             `json:"include_children"`
	Consistency            *ReadConsistency `json:"consistency,omitempty"`
}

// ReadResponse carries the result of a ReadRequest.
type ReadResponse struct {
	Success      bool          `json:"success"`
	Version       uint64        `json:"version,omitempty"`
	Value          *ValuePayload `json:"value,omitempty"`
	Children        []string      `json:"children,omitempty"`
	Error            *ErrorPayload `json:"error,omitempty"`
}

// InsertRequest inserts a value at a path (spec.md §4.D, §4.F).
type InsertRequest struct {
	RequestID  string       `json:"request_id"`
	SessionID   string       `json:"session_id"`
	Alias        string       `json:"alias"`
	Path          string       `json:"path"`
	Value          ValuePayload `json:"value"`
}

// InsertResponse reports what was inserted.
type InsertResponse struct {
	Success        bool          `json:"success"`
	ValuesInserted  int           `json:"values_inserted,omitempty"`
	SpacesInserted   int           `json:"spaces_inserted,omitempty"`
	TasksInserted     int           `json:"tasks_inserted,omitempty"`
	Error              *ErrorPayload `json:"error,omitempty"`
}

// TakeRequest destructively pops one or more values from a path.
type TakeRequest struct {
	RequestID  string `json:"request_id"`
	SessionID   string `json:"session_id"`
	Alias        string `json:"alias"`
	Path          string `json:"path"`
	TypeName       string `json:"type_name"`
	MaxItems        int    `json:"max_items"`
	DoBlock          bool   `json:"do_block"`
	TimeoutMs         uint64 `json:"timeout_ms,omitempty"`
}

// TakeResponse carries the values popped by a TakeRequest.
type TakeResponse struct {
	Success bool           `json:"success"`
	Values   []ValuePayload `json:"values,omitempty"`
	Error     *ErrorPayload  `json:"error,omitempty"`
}

// WaitSubscribeRequest registers a one-shot subscription on a path.
type WaitSubscribeRequest struct {
	RequestID       string `json:"request_id"`
	SessionID        string `json:"session_id"`
	Alias             string `json:"alias"`
	Path               string `json:"path"`
	SubscriptionID      string `json:"subscription_id"`
	IncludeValue         bool   `json:"include_value"`
	IncludeChildren       bool   `json:"include_children"`
	MinVersion             uint64 `json:"min_version,omitempty"`
}

// WaitSubscribeAck acknowledges (or rejects) a subscription request.
type WaitSubscribeAck struct {
	Accepted        bool          `json:"accepted"`
	SubscriptionID   string        `json:"subscription_id,omitempty"`
	Error             *ErrorPayload `json:"error,omitempty"`
}

// Notification is delivered for a subscription or streamed in a session's
// batch (spec.md §4.D).
type Notification struct {
	SubscriptionID string        `json:"subscription_id"`
	Path            string        `json:"path"`
	Version          uint64        `json:"version"`
	Deleted           bool          `json:"deleted"`
	TypeName           *string       `json:"type_name,omitempty"`
	Value               *ValuePayload `json:"value,omitempty"`
}

// NotificationStreamRequest polls a session's batched notification stream.
type NotificationStreamRequest struct {
	RequestID  string `json:"request_id"`
	SessionID   string `json:"session_id"`
	TimeoutMs    uint64 `json:"timeout_ms"`
	MaxBatch      int    `json:"max_batch"`
}

// NotificationStreamResponse carries a drained batch.
type NotificationStreamResponse struct {
	Notifications     []Notification `json:"notifications"`
	Closed              bool           `json:"closed"`
	Throttled             bool           `json:"throttled"`
	ThrottleUntilMs        uint64         `json:"throttle_until_ms,omitempty"`
	Error                    *ErrorPayload  `json:"error,omitempty"`
}
