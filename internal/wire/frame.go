// Package wire implements the wire protocol (spec.md §4.D, §6, component D):
// a length-prefixed JSON frame envelope, the typed request/response payloads
// it carries, and strict field validation.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pathspace/remote/internal/pserr"
)

// Kind names the FrameKind carried in a Frame's "type" field.
type Kind string

const (
	KindMountOpenReq           Kind = "MountOpenReq"
	KindMountOpenResp          Kind = "MountOpenResp"
	KindReadReq                Kind = "ReadReq"
	KindReadResp                Kind = "ReadResp"
	KindInsertReq               Kind = "InsertReq"
	KindInsertResp               Kind = "InsertResp"
	KindTakeReq                 Kind = "TakeReq"
	KindTakeResp                 Kind = "TakeResp"
	KindWaitSubscribeReq         Kind = "WaitSubscribeReq"
	KindWaitSubscribeAck         Kind = "WaitSubscribeAck"
	KindNotification             Kind = "Notification"
	KindNotificationStreamReq    Kind = "NotificationStreamReq"
	KindNotificationStreamResp   Kind = "NotificationStreamResp"
	KindHeartbeat                Kind = "Heartbeat"
	KindHeartbeatAck             Kind = "HeartbeatAck"
	KindError                    Kind = "Error"
)

func (k Kind) valid() bool {
	switch k {
	case KindMountOpenReq, KindMountOpenResp, KindReadReq, KindReadResp,
		KindInsertReq, KindInsertResp, KindTakeReq, KindTakeResp,
		KindWaitSubscribeReq, KindWaitSubscribeAck, KindNotification,
		KindNotificationStreamReq, KindNotificationStreamResp,
		KindHeartbeat, KindHeartbeatAck, KindError:
		return true
	default:
		return false
	}
}

// MaxFrameLength bounds a single frame's JSON body. Exceeding it on read is
// a transport error (spec.md §4.D).
const MaxFrameLength = 16 * 1024 * 1024

// Frame is the wire envelope: {"type", "sent_at_ms", "payload"}.
type Frame struct {
	Type      Kind            `json:"type"`
	SentAtMs  uint64          `json:"sent_at_ms"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode marshals f to its JSON envelope bytes (no length prefix).
func (f *Frame) Encode() ([]byte, error) {
	if !f.Type.valid() {
		return nil, pserr.New(pserr.MalformedInput, "unknown frame kind %q", f.Type)
	}
	return json.Marshal(f)
}

// WriteFrame writes f to w as a 4-byte big-endian length prefix followed by
// its JSON body (spec.md §4.D framing).
func WriteFrame(w io.Writer, f *Frame) error {
	body, err := f.Encode()
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return pserr.New(pserr.MalformedInput, "empty frame body")
	}
	if len(body) > MaxFrameLength {
		return pserr.New(pserr.MalformedInput, "frame exceeds maximum length %d", MaxFrameLength)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, pserr.New(pserr.MalformedInput, "zero-length frame")
	}
	if n > MaxFrameLength {
		return nil, pserr.New(pserr.MalformedInput, "frame length %d exceeds maximum %d", n, MaxFrameLength)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, decodeErr(err, "")
	}
	if f.Type == "" {
		return nil, pserr.New(pserr.MalformedInput, "missing required field \"type\"")
	}
	if !f.Type.valid() {
		return nil, pserr.New(pserr.MalformedInput, "unknown frame kind %q", f.Type)
	}
	if f.Payload == nil {
		return nil, pserr.New(pserr.MalformedInput, "missing required field \"payload\"")
	}
	return &f, nil
}

// NewFrame constructs a Frame carrying payload marshaled to JSON.
func NewFrame(kind Kind, sentAtMs uint64, payload any) (*Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, pserr.New(pserr.MalformedInput, "encode payload: %v", err)
	}
	return &Frame{Type: kind, SentAtMs: sentAtMs, Payload: body}, nil
}

// DecodePayload unmarshals f.Payload into v, converting JSON type/shape
// errors into pserr.MalformedInput including the offending field name
// (spec.md §4.D: "missing required field, wrong JSON type ... all fail
// with MalformedInput including the field name").
func DecodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return pserr.New(pserr.MalformedInput, "missing required field \"payload\"")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return decodeErr(err, "")
	}
	return nil
}

func decodeErr(err error, fallbackField string) error {
	if ute, ok := err.(*json.UnmarshalTypeError); ok {
		field := ute.Field
		if field == "" {
			field = fallbackField
		}
		return pserr.New(pserr.MalformedInput, "field %q: wrong JSON type (want %s, got %s)", field, ute.Type, ute.Value)
	}
	return pserr.New(pserr.MalformedInput, "malformed payload: %v", err)
}
