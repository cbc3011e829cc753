package events

import "errors"

var (
	ErrMalformed          = errors.New("events: malformed message")
	ErrUnknownType        = errors.New("events: unknown event type")
	ErrUnsupportedVersion = errors.New("events: unsupported schema version")
	ErrInvalidPayload     = errors.New("events: invalid payload")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent marks err as not worth retrying. Consumers dead-letter it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in the chain says Permanent() == true.
func IsPermanent(err error) bool {
	var pm interface{ Permanent() bool }
	return errors.As(err, &pm) && pm.Permanent()
}
