package outcome

import "errors"

var (
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrPermissionDenied = errors.New("permission denied")
	ErrContentBlocked   = errors.New("content blocked")
	ErrTimeout          = errors.New("operation timed out")
)

// TransientError marks a driver failure worth retrying in the same session.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient driver error"
	}
	return "transient driver error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a driver failure that leaves the session unusable.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "fatal driver error"
	}
	return "fatal driver error: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

func Transient(err error) error {
	return &TransientError{Err: err}
}

func Fatal(err error) error {
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
