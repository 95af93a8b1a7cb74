package mountserver

import (
	"github.com/pathspace/remote/internal/pserr"
	"github.com/pathspace/remote/internal/wire"
)

// wireErrorCode maps an internal pserr.Code to the stable wire error string
// spec.md §7 requires ("the client maps the string back to a local
// Error::Code through a fixed table").
func wireErrorCode(code pserr.Code) string {
	switch code {
	case pserr.MalformedInput:
		return wire.ErrCodeMalformedInput
	case pserr.InvalidPath:
		return wire.ErrCodeInvalidPath
	case pserr.InvalidType:
		return wire.ErrCodeInvalidCredentials
	case pserr.InvalidPermissions:
		return wire.ErrCodePermissionDenied
	case pserr.NoSuchPath:
		return wire.ErrCodeNoSuchPath
	case pserr.NoObjectFound:
		return wire.ErrCodeNotFound
	case pserr.Timeout:
		return wire.ErrCodeLeaseExpired
	case pserr.CapacityExceeded:
		return wire.ErrCodeNotifyBackpressure
	default:
		return wire.ErrCodeInsertFailed
	}
}

// toErrorPayload converts err into a wire ErrorPayload, defaulting to the
// code's standard retry posture.
func toErrorPayload(err error) *wire.ErrorPayload {
	code := pserr.CodeOf(err)
	return &wire.ErrorPayload{
		Code:      wireErrorCode(code),
		Message:   err.Error(),
		Retryable: code.Retryable(),
	}
}
