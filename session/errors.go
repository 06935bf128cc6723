package session

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned by StartScan when the adapter reports
	// no radio access.
	ErrPermissionDenied = errors.New("session: bluetooth permission denied")

	// ErrAdapterUnavailable is returned when the radio is off or refuses
	// to scan.
	ErrAdapterUnavailable = errors.New("session: bluetooth adapter unavailable")

	// ErrBusy is returned when another transition is still in progress.
	// Requests are rejected, not queued.
	ErrBusy = errors.New("session: transition in progress")

	// ErrInterrupted is returned by an operation whose transition was
	// overtaken by Cleanup.
	ErrInterrupted = errors.New("session: interrupted by cleanup")

	ErrInvalidState     = errors.New("session: invalid state")
	ErrUnknownDevice    = errors.New("session: unknown device")
	ErrConnectionFailed = errors.New("session: connection failed")
)

// InvalidStateError is a programmer error: the operation is not defined in
// the current state (e.g. Connect while Idle).
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("session: %s not allowed while %s", e.Op, e.State)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// UnknownDeviceError is returned by Connect for a device id that was not
// observed in the current discovery window.
type UnknownDeviceError struct {
	DeviceID string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("session: device %q not seen in current scan", e.DeviceID)
}

func (e *UnknownDeviceError) Unwrap() error { return ErrUnknownDevice }

// ConnectionFailedError carries the device id and the adapter-supplied
// reason ("timeout" when the connect ceiling was hit).
type ConnectionFailedError struct {
	DeviceID string
	Reason   string
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("session: connect %s failed: %s", e.DeviceID, e.Reason)
}

func (e *ConnectionFailedError) Unwrap() error { return ErrConnectionFailed }
