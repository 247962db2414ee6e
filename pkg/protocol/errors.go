package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingID is reported when an inbound message has no id.
	ErrMissingID = errors.New("message has no id")
	// ErrMissingSender is reported when an inbound message has no sender.
	ErrMissingSender = errors.New("message has no sender")
)

// DecodeError reports an inbound payload that is not a valid Message.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
