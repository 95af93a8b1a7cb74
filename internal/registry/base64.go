package registry

import "encoding/base64"

// EncodeBase64 is the standard base64 encoder (A-Za-z0-9+/ with '='
// padding), used at the JSON wire boundary (spec.md §3 ValuePayload.data,
// §4.A).
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard base64, ignoring whitespace and any
// character outside the base64 alphabet (other than '=' padding), per
// spec.md §4.A: "whitespace ignored on decode; non-alphabet characters
// other than '=' are ignored (skipped), not errors". The standard library
// decoder is strict about stray characters, so this pre-filters the input
// down to the legal alphabet before delegating to it.
func DecodeBase64(s string) ([]byte, error) {
	filtered := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isBase64Alphabet(c) || c == '=' {
			filtered = append(filtered, c)
		}
		// everything else (whitespace, garbage) is silently skipped
	}
	return base64.StdEncoding.DecodeString(string(filtered))
}

func isBase64Alphabet(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '+' || c == '/':
		return true
	default:
		return false
	}
}
