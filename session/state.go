package session

import (
	"fmt"
	"time"
)

// State is the manager's position in the scan/connect lifecycle.
type State int

const (
	Idle       State = iota // No scan, no link.
	Scanning                // Discovery window open.
	Connecting              // Waiting for the adapter to establish a link.
	Connected               // Link up; inbound data is forwarded.
)

var stateNames = [...]string{"idle", "scanning", "connecting", "connected"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Device describes a peripheral seen during a scan. It lives only as long as
// the discovery window and is never persisted.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Data is one inbound notification from the connected peripheral.
// Payload is forwarded exactly as the adapter delivered it.
type Data struct {
	DeviceID   string    `json:"device_id"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Transition is published to the transition listener on every state change.
// Forced is set when the change was not requested by a caller: link loss,
// scan timeout, the implicit disconnect that precedes a reconnect, cleanup.
type Transition struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	DeviceID string    `json:"device_id,omitempty"`
	Forced   bool      `json:"forced"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Status is a point-in-time view of the manager.
type Status struct {
	State      State    `json:"state"`
	Scanning   bool     `json:"is_scanning"`
	Connected  bool     `json:"is_connected"`
	Device     *Device  `json:"current_device,omitempty"`
	ScanID     string   `json:"scan_id,omitempty"`
	Discovered []Device `json:"discovered"`
}
