package domain

import "errors"

// Sentinel errors for the application.
var (
	ErrNotFound  = errors.New("resource not found")
	ErrForbidden = errors.New("forbidden")

	ErrAuthentication = errors.New("authentication failed")
	ErrValidation     = errors.New("invalid event payload")
	ErrPersistence    = errors.New("message store unavailable")
	ErrFanout         = errors.New("recipient unreachable")
	ErrMailboxFull    = errors.New("offline mailbox full")
)

// Error kinds as they appear in error frames sent to clients.
const (
	KindAuthentication = "authentication"
	KindValidation     = "validation"
	KindPersistence    = "persistence"
	KindForbidden      = "forbidden"
	KindNotFound       = "not_found"
	KindInternal       = "internal"
)

// ErrorKind classifies err into one of the Kind* constants.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
