package transport

import (
	"errors"
	"fmt"
)

// ErrPeerDown is returned by Peer.Send after a previous send failed or the
// peer was closed.
var ErrPeerDown = errors.New("peer connection is down")

// SetupStage names the step of connection setup that failed.
type SetupStage string

const (
	// StageListen is binding the listening socket.
	StageListen SetupStage = "listen"
	// StageDial is connecting to a peer's listener.
	StageDial SetupStage = "dial"
)

// SetupError reports a failure that should abort startup rather than let
// the machine run degraded.
type SetupError struct {
	Stage   SetupStage
	Machine int
	Addr    string
	Err     error
}

// Error implements the error interface.
func (e *SetupError) Error() string {
	return fmt.Sprintf("machine %d: %s %s: %v", e.Machine, e.Stage, e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SetupError) Unwrap() error {
	return e.Err
}

// IsSetupError returns true if err is a *SetupError.
// Uses errors.As to handle wrapped errors.
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}
