package ws

import (
	"fmt"
)

// Target is a destination for outbound messages.
type Target interface {
	ID() string
	Send(data []byte) error
}

// DeliveryFailure records a send that failed for one session.
type DeliveryFailure struct {
	SessionID string
	Err       error
}

func (f DeliveryFailure) Error() string {
	return fmt.Sprintf("session %s: %v", f.SessionID, f.Err)
}

// Fanout sends data to every target independently. A failing target does not
// affect the others; failures are returned, never raised.
func Fanout[T Target](targets []T, data []byte) []DeliveryFailure {
	var failures []DeliveryFailure
	for _, t := range targets {
		if err := deliver(t, data); err != nil {
			failures = append(failures, DeliveryFailure{SessionID: t.ID(), Err: err})
		}
	}
	return failures
}

func deliver(t Target, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	return t.Send(data)
}
