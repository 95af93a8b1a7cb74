package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/pathspace/remote/internal/pserr"
)

func TestFrameRoundTrip(t *testing.T) {
	req := &MountOpenRequest{
		RequestID: "open-1",
		ClientID:  "pathspace-client",
		Alias:     "demo",
		ExportRoot: "/data",
		Version:    ProtocolVersion{Major: 1, Minor: 0},
		Auth:       AuthContext{Kind: AuthKindMutualTLS, Subject: "C=US/CN=client", Proof: "sha256:abc"},
	}
	frame, err := NewFrame(KindMountOpenReq, 1000, req)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != KindMountOpenReq {
		t.Fatalf("got type %v, want %v", got.Type, KindMountOpenReq)
	}

	var decoded MountOpenRequest
	if err := DecodePayload(got.Payload, &decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.Alias != "demo" || decoded.ExportRoot != "/data" {
		t.Fatalf("decoded payload mismatch: %+v", decoded)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	_, err := ReadFrame(buf)
	if pserr.CodeOf(err) != pserr.MalformedInput {
		t.Fatalf("got %v, want MalformedInput", err)
	}
}

func TestReadFrameRejectsUnknownKind(t *testing.T) {
	var buf bytes.Buffer
	raw := struct {
		Type     string          `json:"type"`
		SentAtMs uint64          `json:"sent_at_ms"`
		Payload  json.RawMessage `json:"payload"`
	}{Type: "Bogus", SentAtMs: 1, Payload: []byte(`{}`)}
	body, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	buf.Write(header[:])
	buf.Write(body)

	_, err = ReadFrame(&buf)
	if pserr.CodeOf(err) != pserr.MalformedInput {
		t.Fatalf("got %v, want MalformedInput", err)
	}
}

func TestValidateMountOpenRequestRejectsBadIdentifier(t *testing.T) {
	req := &MountOpenRequest{
		RequestID:  "open 1", // space not allowed
		ClientID:   "pathspace-client",
		Alias:      "demo",
		ExportRoot: "/data",
		Auth:       AuthContext{Kind: AuthKindMutualTLS},
	}
	err := ValidateMountOpenRequest(req)
	if pserr.CodeOf(err) != pserr.MalformedInput {
		t.Fatalf("got %v, want MalformedInput", err)
	}
}

func TestValidateReadRequestRejectsNonAbsolutePath(t *testing.T) {
	req := &ReadRequest{RequestID: "r1", SessionID: "s1", Alias: "demo", Path: "relative/path"}
	err := ValidateReadRequest(req)
	if pserr.CodeOf(err) != pserr.MalformedInput {
		t.Fatalf("got %v, want MalformedInput", err)
	}
}

func TestValidateTakeRequestRequiresTypeName(t *testing.T) {
	req := &TakeRequest{RequestID: "r1", SessionID: "s1", Alias: "demo", Path: "/x"}
	err := ValidateTakeRequest(req)
	if pserr.CodeOf(err) != pserr.MalformedInput {
		t.Fatalf("got %v, want MalformedInput", err)
	}
}

func TestClampMaxItems(t *testing.T) {
	if ClampMaxItems(0) != 1 {
		t.Fatal("expected clamp to 1")
	}
	if ClampMaxItems(1000) != 64 {
		t.Fatal("expected clamp to 64")
	}
	if ClampMaxItems(10) != 10 {
		t.Fatal("expected unchanged")
	}
}

func TestCompatibilityParsing(t *testing.T) {
	cases := map[string]PayloadCompatibility{
		"":        TypedOnly,
		"1":       TypedOnly,
		"true":    TypedOnly,
		"typed":   TypedOnly,
		"0":       LegacyCompatible,
		"false":   LegacyCompatible,
		"legacy":  LegacyCompatible,
		"compat":  LegacyCompatible,
	}
	for raw, want := range cases {
		if got := ParseCompatibility(raw); got != want {
			t.Fatalf("ParseCompatibility(%q) = %v, want %v", raw, got, want)
		}
	}
}
