package wire

import (
	"os"
	"strings"

	"github.com/pathspace/remote/internal/pserr"
)

// PayloadCompatibility selects whether legacy string/base64 payloads are
// accepted, per spec.md §6 ("PATHSPACE_REMOTE_TYPED_PAYLOADS").
type PayloadCompatibility int

const (
	TypedOnly PayloadCompatibility = iota
	LegacyCompatible
)

const payloadCompatibilityEnvVar = "PATHSPACE_REMOTE_TYPED_PAYLOADS"

// CompatibilityFromEnv reads PATHSPACE_REMOTE_TYPED_PAYLOADS and returns the
// effective policy; unset defaults to TypedOnly.
func CompatibilityFromEnv() PayloadCompatibility {
	return ParseCompatibility(os.Getenv(payloadCompatibilityEnvVar))
}

// ParseCompatibility maps a raw environment value to a PayloadCompatibility,
// per the exact value table in spec.md §6.
func ParseCompatibility(raw string) PayloadCompatibility {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "1", "true", "typed":
		return TypedOnly
	case "0", "false", "legacy", "compat", "compatibility":
		return LegacyCompatible
	default:
		return TypedOnly
	}
}

// CheckPayloadEncoding enforces the compatibility policy against a decoded
// ValuePayload's encoding before it is dispatched to the type registry.
// mountserver's handleInsert calls it; mountclient does not.
func CheckPayloadEncoding(policy PayloadCompatibility, v *ValuePayload) error {
	if v.Encoding == EncodingStringBase64 && policy == TypedOnly {
		return pserr.New(pserr.InvalidType, "legacy string/base64 payloads are disabled (PATHSPACE_REMOTE_TYPED_PAYLOADS)")
	}
	return nil
}
