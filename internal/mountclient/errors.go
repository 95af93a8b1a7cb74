package mountclient

import (
	"github.com/pathspace/remote/internal/pserr"
	"github.com/pathspace/remote/internal/wire"
)

// fromWirePayload maps a server ErrorPayload's stable wire code string back
// to a local pserr.Error, through the fixed table spec.md §7 requires
// ("the client maps the string back to a local Error::Code through a fixed
// table").
func fromWirePayload(p *wire.ErrorPayload) error {
	if p == nil {
		return pserr.New(pserr.UnknownError, "unspecified server error")
	}
	code := pserr.UnknownError
	switch p.Code {
	case wire.ErrCodeNoSuchPath:
		code = pserr.NoSuchPath
	case wire.ErrCodeInvalidCredentials:
		code = pserr.InvalidType
	case wire.ErrCodePermissionDenied:
		code = pserr.InvalidPermissions
	case wire.ErrCodeLeaseExpired:
		code = pserr.Timeout
	case wire.ErrCodeNotifyBackpressure, wire.ErrCodeTooManyWaiters:
		code = pserr.CapacityExceeded
	case wire.ErrCodeConsistencyNotMet:
		code = pserr.NoSuchPath
	case wire.ErrCodeNotFound:
		code = pserr.NoObjectFound
	case wire.ErrCodeInsertFailed, wire.ErrCodeTakeFailed:
		code = pserr.UnknownError
	case wire.ErrCodeMalformedInput:
		code = pserr.MalformedInput
	case wire.ErrCodeInvalidPath:
		code = pserr.InvalidPath
	case wire.ErrCodeDeleted:
		code = pserr.NoObjectFound
	}
	err := pserr.New(code, "%s", p.Message)
	if p.RetryAfterMs != nil {
		err.RetryAfterMs = *p.RetryAfterMs
	}
	return err
}

// errStoppingTimeout is the fixed error every pending waiter receives on
// shutdown (spec.md §4.G "Shutdown").
func errStoppingTimeout() error {
	return pserr.New(pserr.Timeout, "Remote mount stopping")
}
