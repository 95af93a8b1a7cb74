package registry

import (
	"testing"

	"github.com/pathspace/remote/internal/pathspace"
)

func TestSerializeRoundTrip(t *testing.T) {
	r := New()
	Register[string](r, "string")

	d, ok := r.FindByName("string")
	if !ok {
		t.Fatal("string descriptor not found")
	}

	encoded, err := Serialize(d, "hello")
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	decoded, err := Deserialize(d, encoded)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if decoded.(string) != "hello" {
		t.Fatalf("decoded = %q, want hello", decoded)
	}

	reEncoded, err := Serialize(d, decoded)
	if err != nil {
		t.Fatalf("re-Serialize: %v", err)
	}
	if string(reEncoded) != string(encoded) {
		t.Fatalf("re-serialized bytes differ from original")
	}
}

func TestInsertTakeBytes(t *testing.T) {
	r := New()
	Register[string](r, "string")
	space := pathspace.NewMemSpace()

	d, _ := r.FindByName("string")
	encoded, _ := Serialize(d, "world")

	if _, err := r.InsertBytes(space, "/x", "string", encoded, pathspace.InsertOptions{}); err != nil {
		t.Fatalf("InsertBytes: %v", err)
	}

	out, err := r.TakeBytes(space, "/x", "string", pathspace.TakeOptions{})
	if err != nil {
		t.Fatalf("TakeBytes: %v", err)
	}
	v, err := Deserialize(d, out)
	if err != nil {
		t.Fatalf("Deserialize result: %v", err)
	}
	if v.(string) != "world" {
		t.Fatalf("got %q, want world", v)
	}

	if _, err := r.TakeBytes(space, "/x", "string", pathspace.TakeOptions{}); err == nil {
		t.Fatal("expected error taking from now-empty path")
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := New()
	if !Register[string](r, "dup") {
		t.Fatal("first registration should succeed")
	}
	if Register[string](r, "dup") {
		t.Fatal("duplicate name registration should fail")
	}
	if Register[string](r, "dup2") {
		t.Fatal("duplicate type registration under a new name should fail")
	}
}

func TestBase64RoundTrip(t *testing.T) {
	data := []byte("the quick brown fox")
	encoded := EncodeBase64(data)
	decoded, err := DecodeBase64(encoded)
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}
	if string(decoded) != string(data) {
		t.Fatalf("round trip mismatch: got %q want %q", decoded, data)
	}
}

func TestBase64DecodeSkipsGarbage(t *testing.T) {
	encoded := EncodeBase64([]byte("hello world"))
	withGarbage := encoded[:2] + "\n \t!!" + encoded[2:]
	decoded, err := DecodeBase64(withGarbage)
	if err != nil {
		t.Fatalf("DecodeBase64 with garbage: %v", err)
	}
	if string(decoded) != "hello world" {
		t.Fatalf("got %q, want %q", decoded, "hello world")
	}
}
