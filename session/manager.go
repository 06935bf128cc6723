// Package session owns the Bluetooth device lifecycle: permission and radio
// checks, the discovery window, connecting, link loss, and forwarding
// inbound notifications.
//
// The Manager is an explicit state machine:
//
//	Idle ──StartScan──► Scanning ──Connect──► Connecting ──ok──► Connected
//	  ▲                    │                       │                 │
//	  └──StopScan/timeout──┘◄────fail/abort────────┘◄──Disconnect/link loss
//
// At most one transition is in flight at a time. A request that arrives
// while one is running fails with ErrBusy instead of queueing; the one
// exception is Disconnect during Connecting, which aborts the attempt.
//
// Every state change is published on the transition listener with the
// previous and next state. Changes not asked for by a caller (link loss,
// scan timeout, reconnect, cleanup) carry Forced=true.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/btcapture/idgen"
)

const (
	DefaultScanTimeout    = 30 * time.Second
	DefaultConnectTimeout = 12 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithScanTimeout caps how long a discovery window stays open. Zero disables
// the cap: the scan then runs until StopScan or Connect.
func WithScanTimeout(d time.Duration) Option {
	return func(m *Manager) { m.scanTimeout = d }
}

// WithConnectTimeout bounds a connection attempt. Reaching it fails the
// attempt with reason "timeout".
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithScanIDGenerator sets the generator for discovery-window ids.
func WithScanIDGenerator(g idgen.Generator) Option {
	return func(m *Manager) { m.newScanID = g }
}

// WithClock sets the time source used for Data and Transition stamps.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) { m.now = fn }
}

// scanWindow holds the devices observed since the last StartScan. It is
// replaced on every new scan and dropped on every return to Idle.
type scanWindow struct {
	id    string
	found func(Device)
	open  bool // still accepting discoveries
	seen  map[string]Device
	order []string
}

func (w *scanWindow) devices() []Device {
	out := make([]Device, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.seen[id])
	}
	return out
}

// Manager drives one Adapter through the scan/connect lifecycle.
type Manager struct {
	adapter        Adapter
	logger         *slog.Logger
	scanTimeout    time.Duration
	connectTimeout time.Duration
	newScanID      idgen.Generator
	now            func() time.Time

	mu           sync.Mutex
	state        State
	busy         bool
	epoch        uint64 // bumped by Cleanup; in-flight work compares against it
	links        uint64 // successful connects, used to spot late adapter successes
	window       *scanWindow
	device       *Device
	scanTimer    *time.Timer
	abortConnect context.CancelFunc
	connectDone  chan struct{}
	aborted      bool
	pendingLoss  string // link loss reported while Connecting, applied on Connected
	onData       func(Data)
	onTransition func(Transition)
}

// New creates a Manager in Idle and installs its handlers on the adapter.
func New(adapter Adapter, opts ...Option) *Manager {
	m := &Manager{
		adapter:        adapter,
		logger:         slog.Default(),
		scanTimeout:    DefaultScanTimeout,
		connectTimeout: DefaultConnectTimeout,
		newScanID:      idgen.Prefixed("scan_", idgen.NanoID(12)),
		now:            time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	adapter.SetDataHandler(m.dataReceived)
	adapter.SetLinkLossHandler(m.linkLost)
	return m
}

// OnData registers the inbound data listener. Registering again replaces
// the previous listener; nil unregisters.
func (m *Manager) OnData(fn func(Data)) {
	m.mu.Lock()
	m.onData = fn
	m.mu.Unlock()
}

// OnTransition registers the state-change listener, last one wins.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.onTransition = fn
	m.mu.Unlock()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the state, the target device and the
// devices discovered in the current window.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:      m.state,
		Scanning:   m.state == Scanning,
		Connected:  m.state == Connected,
		Discovered: []Device{},
	}
	if m.device != nil {
		d := *m.device
		st.Device = &d
	}
	if m.window != nil {
		st.ScanID = m.window.id
		st.Discovered = m.window.devices()
	}
	return st
}

// StartScan checks permission and radio, opens a fresh discovery window and
// starts the adapter scan. found is called once per newly observed device id.
// Allowed only from Idle.
func (m *Manager) StartScan(ctx context.Context, found func(Device)) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	if m.state != Idle {
		st := m.state
		m.mu.Unlock()
		return &InvalidStateError{Op: "start scan", State: st}
	}
	m.busy = true
	epoch := m.epoch
	m.mu.Unlock()

	granted, err := m.adapter.RequestPermissions(ctx)
	if err != nil {
		m.release(epoch)
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	if !granted {
		m.release(epoch)
		return ErrPermissionDenied
	}
	on, err := m.adapter.RadioEnabled(ctx)
	if err != nil {
		m.release(epoch)
		return fmt.Errorf("%w: %w", ErrAdapterUnavailable, err)
	}
	if !on {
		m.release(epoch)
		return fmt.Errorf("%w: radio is off", ErrAdapterUnavailable)
	}

	// The window exists before the adapter scan starts so that the very
	// first advertisement is already counted.
	w := &scanWindow{id: m.newScanID(), found: found, open: true, seen: make(map[string]Device)}
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return ErrInterrupted
	}
	m.window = w
	m.mu.Unlock()

	started, err := m.adapter.Scan(m.discovered(w))
	if err != nil || !started {
		m.mu.Lock()
		if m.epoch == epoch {
			m.window = nil
			m.busy = false
		}
		m.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: scan: %w", ErrAdapterUnavailable, err)
		}
		return fmt.Errorf("%w: scan refused", ErrAdapterUnavailable)
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.warn("stop scan after cleanup", m.adapter.StopScan())
		return ErrInterrupted
	}
	m.busy = false
	notify := m.transitionLocked(Scanning, false, "")
	if m.scanTimeout > 0 {
		m.scanTimer = time.AfterFunc(m.scanTimeout, func() { m.scanExpired(w) })
	}
	m.mu.Unlock()
	notify()
	return nil
}

// StopScan ends discovery and returns to Idle. No-op when Idle.
func (m *Manager) StopScan(ctx context.Context) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	switch m.state {
	case Idle:
		m.mu.Unlock()
		return nil
	case Scanning:
	default:
		st := m.state
		m.mu.Unlock()
		return &InvalidStateError{Op: "stop scan", State: st}
	}
	m.busy = true
	epoch := m.epoch
	m.stopTimerLocked()
	m.window.open = false
	m.mu.Unlock()

	err := m.adapter.StopScan()

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return ErrInterrupted
	}
	m.busy = false
	notify := m.transitionLocked(Idle, false, "")
	m.window = nil
	m.mu.Unlock()
	notify()

	if err != nil {
		return fmt.Errorf("%w: stop scan: %w", ErrAdapterUnavailable, err)
	}
	return nil
}

// Connect links to a device observed in the current window. Allowed from
// Scanning and from Connected; in the latter case the current link is
// dropped first and a forced Connected→Idle transition is published.
//
// The attempt is bounded by the connect timeout and does not inherit ctx
// cancellation: only Disconnect or Cleanup can abort it early. On failure
// the manager is back in Idle with the window discarded.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	prev := m.state
	if prev != Scanning && prev != Connected {
		m.mu.Unlock()
		return &InvalidStateError{Op: "connect", State: prev}
	}
	target, ok := m.window.seen[deviceID]
	if !ok {
		m.mu.Unlock()
		return &UnknownDeviceError{DeviceID: deviceID}
	}
	m.busy = true
	epoch := m.epoch
	m.stopTimerLocked()
	m.window.open = false
	m.mu.Unlock()

	if prev == Connected {
		m.warn("disconnect before reconnect", m.adapter.Disconnect())
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return ErrInterrupted
		}
		notify := m.transitionLocked(Idle, true, "reconnecting to "+deviceID)
		m.device = nil
		m.mu.Unlock()
		notify()
	} else {
		m.warn("stop scan before connect", m.adapter.StopScan())
	}

	connCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.connectTimeout)
	defer cancel()
	done := make(chan struct{})

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return ErrInterrupted
	}
	m.device = &target
	m.abortConnect = cancel
	m.connectDone = done
	m.aborted = false
	m.pendingLoss = ""
	notify := m.transitionLocked(Connecting, false, "")
	m.mu.Unlock()
	notify()

	linked, reason := m.dial(connCtx, deviceID)

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		close(done)
		if linked {
			m.warn("disconnect after cleanup", m.adapter.Disconnect())
		}
		return ErrInterrupted
	}
	m.abortConnect, m.connectDone = nil, nil
	if m.aborted {
		reason = "aborted"
	}
	if linked && !m.aborted {
		m.busy = false
		m.links++
		notify = m.transitionLocked(Connected, false, "")
		lost := func() {}
		if why := m.pendingLoss; why != "" {
			lost = m.transitionLocked(Idle, true, why)
			m.device = nil
			m.window = nil
		}
		m.pendingLoss = ""
		m.mu.Unlock()
		close(done)
		notify()
		lost()
		return nil
	}
	m.busy = false
	notify = m.transitionLocked(Idle, false, reason)
	m.device = nil
	m.window = nil
	m.mu.Unlock()

	if linked {
		m.warn("disconnect aborted link", m.adapter.Disconnect())
	}
	close(done)
	notify()
	return &ConnectionFailedError{DeviceID: deviceID, Reason: reason}
}

// dial runs adapter.Connect under ctx and maps the outcome to a failure
// reason. An adapter that ignores ctx is abandoned; if it later reports a
// link while the manager is Idle or Scanning and nothing has connected
// since, that link is dropped.
func (m *Manager) dial(ctx context.Context, deviceID string) (bool, string) {
	type result struct {
		ok  bool
		err error
	}
	m.mu.Lock()
	links := m.links
	m.mu.Unlock()

	ch := make(chan result, 1)
	go func() {
		ok, err := m.adapter.Connect(ctx, deviceID)
		ch <- result{ok, err}
	}()

	select {
	case r := <-ch:
		switch {
		case r.err == nil && r.ok:
			return true, ""
		case r.err == nil:
			return false, "refused by device"
		case errors.Is(r.err, context.DeadlineExceeded):
			return false, "timeout"
		case errors.Is(r.err, context.Canceled):
			return false, "aborted"
		default:
			return false, r.err.Error()
		}
	case <-ctx.Done():
		go func() {
			r := <-ch
			if r.err != nil || !r.ok {
				return
			}
			m.mu.Lock()
			stale := m.links == links && (m.state == Idle || m.state == Scanning)
			m.mu.Unlock()
			if stale {
				m.warn("disconnect late link", m.adapter.Disconnect())
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, "timeout"
		}
		return false, "aborted"
	}
}

// Disconnect drops the link and returns to Idle. During Connecting it aborts
// the attempt and waits for the manager to settle. No-op when Idle.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Connecting && m.abortConnect != nil {
		m.aborted = true
		cancel, done := m.abortConnect, m.connectDone
		m.mu.Unlock()
		cancel()
		m.warn("disconnect pending connect", m.adapter.Disconnect())
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	switch m.state {
	case Idle:
		m.mu.Unlock()
		return nil
	case Connected:
	default:
		st := m.state
		m.mu.Unlock()
		return &InvalidStateError{Op: "disconnect", State: st}
	}
	m.busy = true
	epoch := m.epoch
	m.mu.Unlock()

	err := m.adapter.Disconnect()

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return ErrInterrupted
	}
	m.busy = false
	notify := m.transitionLocked(Idle, false, "")
	m.device = nil
	m.window = nil
	m.mu.Unlock()
	notify()

	if err != nil {
		return fmt.Errorf("%w: disconnect: %w", ErrAdapterUnavailable, err)
	}
	return nil
}

// Cleanup stops any scan, drops any link or pending attempt, releases the
// adapter and returns to Idle. Safe to call from any state, more than once.
// Errors are logged, never returned.
func (m *Manager) Cleanup() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session: cleanup panic", "panic", r)
		}
	}()

	m.mu.Lock()
	m.epoch++
	m.stopTimerLocked()
	cancel := m.abortConnect
	m.abortConnect, m.connectDone = nil, nil
	notify := func() {}
	if m.state != Idle {
		notify = m.transitionLocked(Idle, true, "cleanup")
	}
	m.busy = false
	m.aborted = false
	m.pendingLoss = ""
	m.device = nil
	m.window = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.warn("cleanup stop scan", m.adapter.StopScan())
	m.warn("cleanup disconnect", m.adapter.Disconnect())
	m.warn("cleanup close", m.adapter.Close())
	notify()
}

// discovered returns the scan callback bound to window w. Callbacks for a
// window that is no longer current, or closed, are dropped.
func (m *Manager) discovered(w *scanWindow) func(Device) {
	return func(d Device) {
		if d.ID == "" {
			return
		}
		m.mu.Lock()
		if m.window != w || !w.open {
			m.mu.Unlock()
			return
		}
		if _, dup := w.seen[d.ID]; dup {
			m.mu.Unlock()
			return
		}
		w.seen[d.ID] = d
		w.order = append(w.order, d.ID)
		found := w.found
		m.mu.Unlock()

		m.logger.Debug("session: device discovered", "scan_id", w.id, "device_id", d.ID, "name", d.Name)
		if found != nil {
			found(d)
		}
	}
}

func (m *Manager) scanExpired(w *scanWindow) {
	m.mu.Lock()
	if m.window != w || m.state != Scanning || m.busy {
		m.mu.Unlock()
		return
	}
	m.busy = true
	epoch := m.epoch
	w.open = false
	m.scanTimer = nil
	m.mu.Unlock()

	m.warn("stop expired scan", m.adapter.StopScan())

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.busy = false
	notify := m.transitionLocked(Idle, true, "scan timeout")
	m.window = nil
	m.mu.Unlock()
	notify()
}

func (m *Manager) linkLost(deviceID string, reason error) {
	why := "link lost"
	if reason != nil {
		why = reason.Error()
	}
	m.mu.Lock()
	if m.state == Connecting && m.device != nil && (deviceID == "" || deviceID == m.device.ID) {
		m.pendingLoss = why
		m.mu.Unlock()
		m.logger.Debug("session: link lost before connected", "device_id", deviceID, "reason", why)
		return
	}
	if m.state != Connected || m.busy || m.device == nil || (deviceID != "" && deviceID != m.device.ID) {
		m.mu.Unlock()
		m.logger.Debug("session: stale link loss ignored", "device_id", deviceID)
		return
	}
	notify := m.transitionLocked(Idle, true, why)
	m.device = nil
	m.window = nil
	m.mu.Unlock()
	notify()
}

func (m *Manager) dataReceived(payload []byte) {
	m.mu.Lock()
	if m.state != Connected || m.device == nil {
		st := m.state
		m.mu.Unlock()
		m.logger.Debug("session: data dropped", "state", st.String(), "bytes", len(payload))
		return
	}
	d := Data{DeviceID: m.device.ID, Payload: bytes.Clone(payload), ReceivedAt: m.now()}
	fn := m.onData
	m.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

// transitionLocked moves to state to and returns the listener call, which
// the caller runs after releasing mu. DeviceID is taken from m.device, so
// callers clear m.device only after calling it.
func (m *Manager) transitionLocked(to State, forced bool, reason string) func() {
	t := Transition{From: m.state, To: to, Forced: forced, Reason: reason, At: m.now()}
	if m.device != nil {
		t.DeviceID = m.device.ID
	}
	m.state = to
	fn := m.onTransition
	return func() {
		m.logger.Info("session: transition",
			"from", t.From.String(), "to", t.To.String(),
			"device_id", t.DeviceID, "forced", t.Forced, "reason", t.Reason)
		if fn != nil {
			fn(t)
		}
	}
}

// release clears the busy flag for a transition that failed before any
// state change, unless Cleanup already took over.
func (m *Manager) release(epoch uint64) {
	m.mu.Lock()
	if m.epoch == epoch {
		m.busy = false
	}
	m.mu.Unlock()
}

func (m *Manager) stopTimerLocked() {
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
}

func (m *Manager) warn(op string, err error) {
	if err != nil {
		m.logger.Warn("session: adapter error", "op", op, "error", err)
	}
}
