package domain

import "errors"

var (
	// ErrSessionNotFound means the account has no stored session and the
	// user must log in again. Never retried automatically.
	ErrSessionNotFound = errors.New("session not found")
	// ErrLoginRequired means the stored session expired while in use.
	ErrLoginRequired     = errors.New("login required")
	ErrNavigationTimeout = errors.New("navigation timeout")
	ErrEditorNotFound    = errors.New("reply editor not found")
	// ErrIdentityConflict means two accounts of one tenant share a site
	// identity. Resolution is manual.
	ErrIdentityConflict = errors.New("identity conflict")
	ErrSessionBusy      = errors.New("session busy")

	ErrAlreadyRunning    = errors.New("workflow already running")
	ErrAccountNotReady   = errors.New("account not ready")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	// ErrJobClaimed means another worker won the optimistic claim.
	ErrJobClaimed = errors.New("job already claimed")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. errors.Is/As still see the
// wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent or is one of the
// errors that cannot heal by retrying.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	for _, target := range []error{
		ErrSessionNotFound,
		ErrIdentityConflict,
		ErrAccountNotReady,
		ErrAlreadyRunning,
		ErrInvalidTransition,
		ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
