package envelope

import (
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned by Parse for well-formed frames whose event
// name has no typed payload.
var ErrUnknownEvent = errors.New("unknown event")

const maxRawInError = 256

// MalformedEventError reports a payload that could not be decoded. Receivers
// drop the event and keep the stream running.
type MalformedEventError struct {
	Raw    string
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed event (%s)", e.Reason)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

func malformed(raw []byte, reason string, err error) error {
	s := string(raw)
	if len(s) > maxRawInError {
		s = s[:maxRawInError]
	}
	return &MalformedEventError{Raw: s, Reason: reason, Err: err}
}
