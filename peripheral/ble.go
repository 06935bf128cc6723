package peripheral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/hazyhaar/btcapture/session"
)

// Nordic UART service, the usual profile of serial-over-BLE boards.
// Notifications arrive on the TX characteristic.
const (
	DefaultServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	DefaultNotifyUUID  = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

// scanSettle is how long Scan waits for the radio to reject the scan before
// reporting it as started.
const scanSettle = 150 * time.Millisecond

// BLEConfig selects the GATT characteristic to subscribe to after connecting.
type BLEConfig struct {
	ServiceUUID string
	NotifyUUID  string
}

// BLE drives the host radio. Devices are identified by their address string.
type BLE struct {
	radio   *bluetooth.Adapter
	service bluetooth.UUID
	notify  bluetooth.UUID
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error

	mu       sync.Mutex
	addrs    map[string]bluetooth.Address
	scanning bool
	device   bluetooth.Device
	linkedID string
	onData   func([]byte)
	onLoss   func(string, error)
}

var _ session.Adapter = (*BLE)(nil)

// NewBLE wraps bluetooth.DefaultAdapter.
func NewBLE(cfg BLEConfig, opts ...Option) (*BLE, error) {
	if cfg.ServiceUUID == "" {
		cfg.ServiceUUID = DefaultServiceUUID
	}
	if cfg.NotifyUUID == "" {
		cfg.NotifyUUID = DefaultNotifyUUID
	}
	svc, err := bluetooth.ParseUUID(cfg.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("peripheral: service uuid: %w", err)
	}
	ntf, err := bluetooth.ParseUUID(cfg.NotifyUUID)
	if err != nil {
		return nil, fmt.Errorf("peripheral: notify uuid: %w", err)
	}
	o := buildOptions(opts)
	b := &BLE{
		radio:   bluetooth.DefaultAdapter,
		service: svc,
		notify:  ntf,
		logger:  o.logger,
		addrs:   make(map[string]bluetooth.Address),
	}
	// Must be installed before the first Connect.
	b.radio.SetConnectHandler(b.connectionChanged)
	return b, nil
}

// RequestPermissions always grants: BlueZ access is governed by D-Bus
// policy, which surfaces as an error from Enable instead.
func (b *BLE) RequestPermissions(context.Context) (bool, error) {
	return true, nil
}

func (b *BLE) RadioEnabled(context.Context) (bool, error) {
	b.enableOnce.Do(func() { b.enableErr = b.radio.Enable() })
	if b.enableErr != nil {
		return false, b.enableErr
	}
	return true, nil
}

func (b *BLE) Scan(found func(session.Device)) (bool, error) {
	b.mu.Lock()
	if b.scanning {
		b.mu.Unlock()
		return false, ErrAlreadyScanning
	}
	b.scanning = true
	b.addrs = make(map[string]bluetooth.Address)
	b.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		errc <- b.radio.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			id := r.Address.String()
			b.mu.Lock()
			b.addrs[id] = r.Address
			b.mu.Unlock()
			found(session.Device{ID: id, Name: r.LocalName()})
		})
	}()

	select {
	case err := <-errc:
		b.mu.Lock()
		b.scanning = false
		b.mu.Unlock()
		return false, err
	case <-time.After(scanSettle):
		return true, nil
	}
}

func (b *BLE) StopScan() error {
	b.mu.Lock()
	if !b.scanning {
		b.mu.Unlock()
		return nil
	}
	b.scanning = false
	b.mu.Unlock()
	return b.radio.StopScan()
}

type bleConn struct {
	dev bluetooth.Device
	err error
}

// Connect dials the device and subscribes to the notify characteristic. The
// tinygo Connect call is not cancellable; when ctx ends first the dial is
// abandoned and any link it produces later is dropped.
func (b *BLE) Connect(ctx context.Context, deviceID string) (bool, error) {
	b.mu.Lock()
	addr, ok := b.addrs[deviceID]
	b.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("peripheral: address %s not advertised", deviceID)
	}

	ch := make(chan bleConn, 1)
	go func() {
		dev, err := b.radio.Connect(addr, bluetooth.ConnectionParams{})
		ch <- bleConn{dev, err}
	}()

	var c bleConn
	select {
	case <-ctx.Done():
		go func() {
			if late := <-ch; late.err == nil {
				if err := late.dev.Disconnect(); err != nil {
					b.logger.Warn("peripheral: drop late link", "device_id", deviceID, "error", err)
				}
			}
		}()
		return false, ctx.Err()
	case c = <-ch:
	}
	if c.err != nil {
		return false, c.err
	}

	if err := b.subscribe(c.dev); err != nil {
		if derr := c.dev.Disconnect(); derr != nil {
			b.logger.Warn("peripheral: disconnect after subscribe failure", "device_id", deviceID, "error", derr)
		}
		return false, err
	}

	b.mu.Lock()
	b.device = c.dev
	b.linkedID = deviceID
	b.mu.Unlock()
	return true, nil
}

func (b *BLE) subscribe(dev bluetooth.Device) error {
	svcs, err := dev.DiscoverServices([]bluetooth.UUID{b.service})
	if err != nil {
		return fmt.Errorf("peripheral: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return errors.New("peripheral: notify service not offered")
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{b.notify})
	if err != nil {
		return fmt.Errorf("peripheral: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return errors.New("peripheral: notify characteristic not offered")
	}
	if err := chars[0].EnableNotifications(b.deliver); err != nil {
		return fmt.Errorf("peripheral: enable notifications: %w", err)
	}
	return nil
}

func (b *BLE) deliver(buf []byte) {
	b.mu.Lock()
	fn := b.onData
	b.mu.Unlock()
	if fn != nil {
		// tinygo reuses buf between notifications.
		fn(append([]byte(nil), buf...))
	}
}

// connectionChanged reports disconnections that Disconnect did not request.
func (b *BLE) connectionChanged(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	id := dev.Address.String()
	b.mu.Lock()
	if b.linkedID == "" || b.linkedID != id {
		b.mu.Unlock()
		return
	}
	b.linkedID = ""
	fn := b.onLoss
	b.mu.Unlock()
	if fn != nil {
		fn(id, errors.New("peer disconnected"))
	}
}

func (b *BLE) Disconnect() error {
	b.mu.Lock()
	if b.linkedID == "" {
		b.mu.Unlock()
		return nil
	}
	dev := b.device
	b.linkedID = ""
	b.mu.Unlock()
	return dev.Disconnect()
}

func (b *BLE) SetDataHandler(fn func([]byte)) {
	b.mu.Lock()
	b.onData = fn
	b.mu.Unlock()
}

func (b *BLE) SetLinkLossHandler(fn func(string, error)) {
	b.mu.Lock()
	b.onLoss = fn
	b.mu.Unlock()
}

// Close stops scanning and drops the link. The host radio itself stays
// enabled; tinygo has no way to release it.
func (b *BLE) Close() error {
	return errors.Join(b.StopScan(), b.Disconnect())
}
