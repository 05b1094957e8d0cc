package printer

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPortPath indicates a Config without a transport address.
	ErrNoPortPath = errors.New("printer: port path is required")

	// ErrDisconnected indicates the transport closed while a stage was in flight.
	ErrDisconnected = errors.New("printer: transport disconnected")
)

// Stage identifies where a transport operation failed.
type Stage int

const (
	// StageOpen is opening the transport.
	StageOpen Stage = iota
	// StageWrite is handing the payload to the transport.
	StageWrite
	// StageDrain is waiting for the payload to leave the transport.
	StageDrain
	// StageClose is closing the transport.
	StageClose
)

func (s Stage) String() string {
	switch s {
	case StageOpen:
		return "open"
	case StageWrite:
		return "write"
	case StageDrain:
		return "drain"
	case StageClose:
		return "close"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Error is returned by Open, Print and Close. Err is the transport cause.
type Error struct {
	Stage Stage
	Err   error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("printer: %s failed: %v", e.Stage, e.Err)
}

// Unwrap returns the transport cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// StageOf reports the failed stage carried by err.
func StageOf(err error) (Stage, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Stage, true
	}
	return 0, false
}
