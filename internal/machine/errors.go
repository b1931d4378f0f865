package machine

import (
	"errors"
	"fmt"

	"github.com/roach88/scaleclock/internal/event"
)

// SendError reports a failed transmission under FailProcess.
type SendError struct {
	Machine int
	Peer    int
	Err     error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	return fmt.Sprintf("machine %d: send to peer %d: %v", e.Machine, e.Peer, e.Err)
}

// Unwrap returns the transport error.
func (e *SendError) Unwrap() error {
	return e.Err
}

// IsSendError reports whether err is or wraps a *SendError.
func IsSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se)
}

// ClockOverflowError reports an event whose clock value would not fit in
// 32 bits. The clock is left unchanged and nothing is recorded.
type ClockOverflowError struct {
	Machine int
	Kind    event.Kind
	Clock   uint32
}

// Error implements the error interface.
func (e *ClockOverflowError) Error() string {
	return fmt.Sprintf("machine %d: logical clock overflow on %s at clock %d", e.Machine, e.Kind, e.Clock)
}

// IsClockOverflow reports whether err is or wraps a *ClockOverflowError.
func IsClockOverflow(err error) bool {
	var ce *ClockOverflowError
	return errors.As(err, &ce)
}
