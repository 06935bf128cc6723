package session

import "context"

// Adapter is the radio capability the Manager drives. The Manager assumes
// exclusive ownership of its Adapter for the process lifetime.
//
// Implementations live in package peripheral (a simulator and a BLE radio).
type Adapter interface {
	// RequestPermissions reports whether the process may use the radio.
	RequestPermissions(ctx context.Context) (bool, error)

	// RadioEnabled reports whether the radio is powered on.
	RadioEnabled(ctx context.Context) (bool, error)

	// Scan starts discovery and returns once discovery is running. found is
	// invoked from adapter goroutines for every advertisement until StopScan;
	// duplicates are allowed, the Manager filters them.
	Scan(found func(Device)) (bool, error)

	// StopScan ends discovery. Calling it with no scan running is a no-op.
	StopScan() error

	// Connect establishes a link to a device reported by the current scan.
	// It must return when ctx is done.
	Connect(ctx context.Context, deviceID string) (bool, error)

	// Disconnect drops the current link, or abandons a pending Connect.
	// Calling it with no link is a no-op.
	Disconnect() error

	// SetDataHandler installs the single inbound-notification sink.
	SetDataHandler(fn func(payload []byte))

	// SetLinkLossHandler installs the sink for links dropped by the peer or
	// the radio (not by Disconnect).
	SetLinkLossHandler(fn func(deviceID string, reason error))

	// Close releases radio resources. The Adapter may be used again after.
	Close() error
}
