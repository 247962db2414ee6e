package session

import "fmt"

// ConnectError reports a failed connection attempt. Construction is set when
// the transport could not even be instantiated.
type ConnectError struct {
	Attempt      int
	Construction bool
	Err          error
}

func (e *ConnectError) Error() string {
	if e.Construction {
		return fmt.Sprintf("connection attempt %d: failed to create transport: %v", e.Attempt, e.Err)
	}
	return fmt.Sprintf("connection attempt %d: %v", e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
