package wire

import (
	"strings"

	"github.com/pathspace/remote/internal/pathutil"
	"github.com/pathspace/remote/internal/pserr"
)

// identifierCharset reports whether s contains only
// [A-Za-z0-9_:.-], the charset spec.md §4.D requires of identifiers
// (request_id, session_id, subscription_id, client_id, alias).
func identifierCharset(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '_' || r == ':' || r == '.' || r == '-':
		default:
			return false
		}
	}
	return true
}

func requireNonEmpty(field, value string) error {
	if value == "" {
		return pserr.New(pserr.MalformedInput, "missing required field %q", field)
	}
	return nil
}

func requireIdentifier(field, value string) error {
	if err := requireNonEmpty(field, value); err != nil {
		return err
	}
	if !identifierCharset(value) {
		return pserr.New(pserr.MalformedInput, "field %q: contains characters outside [A-Za-z0-9_:.-]", field)
	}
	return nil
}

func requireAbsolutePath(field, value string) error {
	if err := requireNonEmpty(field, value); err != nil {
		return err
	}
	if err := pathutil.Validate(value); err != nil {
		return pserr.New(pserr.MalformedInput, "field %q: %v", field, err)
	}
	if !strings.HasPrefix(value, "/") {
		return pserr.New(pserr.MalformedInput, "field %q: path must be absolute", field)
	}
	return nil
}

// ValidateValuePayload enforces spec.md §3 ValuePayload invariants.
func ValidateValuePayload(v *ValuePayload) error {
	switch v.Encoding {
	case EncodingTypedSlidingBuffer, EncodingStringBase64:
		if err := requireNonEmpty("value.type_name", v.TypeName); err != nil {
			return err
		}
	case EncodingVoidSentinel:
		// type_name and data are expected empty; not an error if set.
	default:
		return pserr.New(pserr.MalformedInput, "field %q: unknown encoding %q", "value.encoding", v.Encoding)
	}
	return nil
}

// ValidateMountOpenRequest enforces spec.md §4.D handshake validation.
func ValidateMountOpenRequest(req *MountOpenRequest) error {
	if err := requireIdentifier("request_id", req.RequestID); err != nil {
		return err
	}
	if err := requireIdentifier("client_id", req.ClientID); err != nil {
		return err
	}
	if err := requireIdentifier("alias", req.Alias); err != nil {
		return err
	}
	if err := requireAbsolutePath("export_root", req.ExportRoot); err != nil {
		return err
	}
	switch req.Auth.Kind {
	case AuthKindMutualTLS, AuthKindBearerToken:
	default:
		return pserr.New(pserr.MalformedInput, "field %q: unknown auth kind %q", "auth.kind", req.Auth.Kind)
	}
	for _, cap := range req.RequestedCapabilities {
		if err := requireIdentifier("requested_capabilities[].name", cap.Name); err != nil {
			return err
		}
	}
	return nil
}

// ValidateHeartbeatRequest enforces spec.md §4.D validation for Heartbeat.
func ValidateHeartbeatRequest(req *HeartbeatRequest) error {
	if err := requireIdentifier("request_id", req.RequestID); err != nil {
		return err
	}
	return requireIdentifier("session_id", req.SessionID)
}

// ValidateReadRequest enforces spec.md §4.D/§4.F validation for Read.
func ValidateReadRequest(req *ReadRequest) error {
	if err := requireIdentifier("request_id", req.RequestID); err != nil {
		return err
	}
	if err := requireIdentifier("session_id", req.SessionID); err != nil {
		return err
	}
	if err := requireIdentifier("alias", req.Alias); err != nil {
		return err
	}
	if err := requireAbsolutePath("path", req.Path); err != nil {
		return err
	}
	if req.Consistency != nil {
		switch req.Consistency.Mode {
		case ConsistencyLatest:
		case ConsistencyAtLeastVersion:
			if req.Consistency.AtLeastVersion == nil {
				return pserr.New(pserr.MalformedInput, "field %q: required when mode is AtLeastVersion", "consistency.at_least_version")
			}
		default:
			return pserr.New(pserr.MalformedInput, "field %q: unknown consistency mode %q", "consistency.mode", req.Consistency.Mode)
		}
	}
	return nil
}

// ValidateInsertRequest enforces spec.md §4.D/§4.F validation for Insert.
func ValidateInsertRequest(req *InsertRequest) error {
	if err := requireIdentifier("request_id", req.RequestID); err != nil {
		return err
	}
	if err := requireIdentifier("session_id", req.SessionID); err != nil {
		return err
	}
	if err := requireIdentifier("alias", req.Alias); err != nil {
		return err
	}
	if err := requireAbsolutePath("path", req.Path); err != nil {
		return err
	}
	return ValidateValuePayload(&req.Value)
}

// ValidateTakeRequest enforces spec.md §4.D/§4.F validation for Take,
// including the [1, 64] max_items clamp (performed by the caller after
// validation passes).
func ValidateTakeRequest(req *TakeRequest) error {
	if err := requireIdentifier("request_id", req.RequestID); err != nil {
		return err
	}
	if err := requireIdentifier("session_id", req.SessionID); err != nil {
		return err
	}
	if err := requireIdentifier("alias", req.Alias); err != nil {
		return err
	}
	if err := requireAbsolutePath("path", req.Path); err != nil {
		return err
	}
	if err := requireNonEmpty("type_name", req.TypeName); err != nil {
		return err
	}
	return nil
}

// ClampMaxItems enforces the [1, 64] range spec.md §4.D mandates.
func ClampMaxItems(n int) int {
	if n < 1 {
		return 1
	}
	if n > 64 {
		return 64
	}
	return n
}

// ValidateWaitSubscribeRequest enforces spec.md §4.D/§4.F validation for
// WaitSubscribe.
func ValidateWaitSubscribeRequest(req *WaitSubscribeRequest) error {
	if err := requireIdentifier("request_id", req.RequestID); err != nil {
		return err
	}
	if err := requireIdentifier("session_id", req.SessionID); err != nil {
		return err
	}
	if err := requireIdentifier("alias", req.Alias); err != nil {
		return err
	}
	if err := requireAbsolutePath("path", req.Path); err != nil {
		return err
	}
	return requireIdentifier("subscription_id", req.SubscriptionID)
}

// ValidateNotificationStreamRequest enforces spec.md §4.D validation for
// NotificationStream.
func ValidateNotificationStreamRequest(req *NotificationStreamRequest) error {
	if err := requireIdentifier("request_id", req.RequestID); err != nil {
		return err
	}
	return requireIdentifier("session_id", req.SessionID)
}
