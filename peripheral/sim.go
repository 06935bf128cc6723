// Package peripheral provides session.Adapter implementations: a Simulator
// that behaves like a bench of serial-over-BLE boards, and BLE, a real radio
// driven through tinygo.org/x/bluetooth.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/btcapture/session"
)

var (
	ErrAlreadyScanning = errors.New("peripheral: scan already running")
	ErrNotLinked       = errors.New("peripheral: no device linked")
)

// DefaultSimDevices is the bench the simulator advertises when none is
// configured.
func DefaultSimDevices() []session.Device {
	return []session.Device{
		{ID: "device1", Name: "HC-05 Module"},
		{ID: "device2", Name: "ESP32 Device"},
		{ID: "device3", Name: "Arduino Nano"},
	}
}

// SimConfig holds simulator timings. Zero values take the defaults.
type SimConfig struct {
	Devices           []session.Device
	DiscoveryDelay    time.Duration // before the first advertisement. Default: 1s.
	DiscoveryInterval time.Duration // between advertisements. Default: 1s.
	ConnectDelay      time.Duration // Default: 2s.
	SampleDelay       time.Duration // first sample after connect. Default: 3s. Negative disables.
}

func (c *SimConfig) defaults() {
	if len(c.Devices) == 0 {
		c.Devices = DefaultSimDevices()
	}
	if c.DiscoveryDelay <= 0 {
		c.DiscoveryDelay = time.Second
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = time.Second
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = 2 * time.Second
	}
	if c.SampleDelay == 0 {
		c.SampleDelay = 3 * time.Second
	}
}

// Option configures an adapter.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the clock used to stamp simulated samples.
func WithClock(fn func() time.Time) Option {
	return func(o *options) { o.now = fn }
}

// Simulator is an in-process peripheral bench. Advertisements cycle through
// the configured devices until StopScan, so the same device is reported
// repeatedly, as a real radio does.
type Simulator struct {
	cfg    SimConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	denied    bool
	radioOff  bool
	scanStop  chan struct{}
	linked    string
	failNext  string
	sample    *time.Timer
	onData    func([]byte)
	onLoss    func(string, error)
	connected int
}

var _ session.Adapter = (*Simulator)(nil)

// NewSimulator returns a Simulator with permission granted and radio on.
func NewSimulator(cfg SimConfig, opts ...Option) *Simulator {
	cfg.defaults()
	o := buildOptions(opts)
	return &Simulator{cfg: cfg, logger: o.logger, now: o.now}
}

// SetPermission toggles the answer of RequestPermissions.
func (s *Simulator) SetPermission(granted bool) {
	s.mu.Lock()
	s.denied = !granted
	s.mu.Unlock()
}

// SetRadio toggles the answer of RadioEnabled.
func (s *Simulator) SetRadio(on bool) {
	s.mu.Lock()
	s.radioOff = !on
	s.mu.Unlock()
}

// FailNext makes the next Connect fail with reason.
func (s *Simulator) FailNext(reason string) {
	s.mu.Lock()
	s.failNext = reason
	s.mu.Unlock()
}

// Linked returns the id of the linked device, or "".
func (s *Simulator) Linked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linked
}

func (s *Simulator) RequestPermissions(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.denied, nil
}

func (s *Simulator) RadioEnabled(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.radioOff, nil
}

func (s *Simulator) Scan(found func(session.Device)) (bool, error) {
	s.mu.Lock()
	if s.scanStop != nil {
		s.mu.Unlock()
		return false, ErrAlreadyScanning
	}
	stop := make(chan struct{})
	s.scanStop = stop
	s.mu.Unlock()

	go s.advertise(stop, found)
	return true, nil
}

func (s *Simulator) advertise(stop <-chan struct{}, found func(session.Device)) {
	t := time.NewTimer(s.cfg.DiscoveryDelay)
	defer t.Stop()
	for i := 0; ; i++ {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		found(s.cfg.Devices[i%len(s.cfg.Devices)])
		t.Reset(s.cfg.DiscoveryInterval)
	}
}

func (s *Simulator) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanStop != nil {
		close(s.scanStop)
		s.scanStop = nil
	}
	return nil
}

func (s *Simulator) Connect(ctx context.Context, deviceID string) (bool, error) {
	s.mu.Lock()
	reason := s.failNext
	s.failNext = ""
	s.mu.Unlock()

	if !s.known(deviceID) {
		return false, fmt.Errorf("peripheral: device %q out of range", deviceID)
	}

	t := time.NewTimer(s.cfg.ConnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
	}
	if reason != "" {
		return false, errors.New(reason)
	}

	s.mu.Lock()
	s.linked = deviceID
	s.connected++
	gen := s.connected
	if s.cfg.SampleDelay > 0 {
		s.sample = time.AfterFunc(s.cfg.SampleDelay, func() { s.sendSample(deviceID, gen) })
	}
	s.mu.Unlock()
	s.logger.Debug("peripheral: sim linked", "device_id", deviceID)
	return true, nil
}

func (s *Simulator) sendSample(deviceID string, gen int) {
	s.mu.Lock()
	if s.linked != deviceID || s.connected != gen {
		s.mu.Unlock()
		return
	}
	fn := s.onData
	payload := fmt.Sprintf("Sample data from %s at %s", deviceID, s.now().Format("15:04:05"))
	s.mu.Unlock()
	if fn != nil {
		fn([]byte(payload))
	}
}

func (s *Simulator) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlinkLocked()
	return nil
}

// Emit delivers payload as a notification from the linked device.
func (s *Simulator) Emit(payload []byte) error {
	s.mu.Lock()
	if s.linked == "" {
		s.mu.Unlock()
		return ErrNotLinked
	}
	fn := s.onData
	s.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
	return nil
}

// DropLink simulates the peer going away.
func (s *Simulator) DropLink(reason string) error {
	s.mu.Lock()
	id := s.linked
	if id == "" {
		s.mu.Unlock()
		return ErrNotLinked
	}
	s.unlinkLocked()
	fn := s.onLoss
	s.mu.Unlock()
	if fn != nil {
		fn(id, errors.New(reason))
	}
	return nil
}

func (s *Simulator) SetDataHandler(fn func([]byte)) {
	s.mu.Lock()
	s.onData = fn
	s.mu.Unlock()
}

func (s *Simulator) SetLinkLossHandler(fn func(string, error)) {
	s.mu.Lock()
	s.onLoss = fn
	s.mu.Unlock()
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanStop != nil {
		close(s.scanStop)
		s.scanStop = nil
	}
	s.unlinkLocked()
	return nil
}

func (s *Simulator) unlinkLocked() {
	s.linked = ""
	if s.sample != nil {
		s.sample.Stop()
		s.sample = nil
	}
}

func (s *Simulator) known(id string) bool {
	for _, d := range s.cfg.Devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
