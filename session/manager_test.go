package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/btcapture/idgen"
)

// fakeAdapter is a scripted Adapter. Scan reports the devices in advertise
// (twice each, to exercise duplicate suppression). Connect consults
// connectErr/connectOK, or blocks until ctx is done when hang is set. With
// late set it ignores ctx and links once late is closed. lossOnConnect is
// reported through the link-loss handler just before Connect returns.
type fakeAdapter struct {
	mu            sync.Mutex
	denied        bool
	radioOff      bool
	scanErr       error
	advertise     []Device
	connectOK     bool
	connectErr    error
	hang          bool
	late          chan struct{}
	lossOnConnect error
	closed        int
	stops         int
	disconnect    int
	connected     string

	onData func([]byte)
	onLoss func(string, error)
}

func newFake(devs ...Device) *fakeAdapter {
	return &fakeAdapter{advertise: devs, connectOK: true}
}

func (f *fakeAdapter) RequestPermissions(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.denied, nil
}

func (f *fakeAdapter) RadioEnabled(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.radioOff, nil
}

func (f *fakeAdapter) Scan(found func(Device)) (bool, error) {
	f.mu.Lock()
	err, devs := f.scanErr, append([]Device(nil), f.advertise...)
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	for _, d := range devs {
		found(d)
		found(d)
	}
	return true, nil
}

func (f *fakeAdapter) StopScan() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Connect(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	hang, late, ok, err := f.hang, f.late, f.connectOK, f.connectErr
	f.mu.Unlock()
	if late != nil {
		<-late
	} else if hang {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if err != nil || !ok {
		return ok, err
	}
	f.mu.Lock()
	f.connected = id
	loss := f.lossOnConnect
	f.mu.Unlock()
	if loss != nil {
		f.onLoss(id, loss)
	}
	return true, nil
}

func (f *fakeAdapter) linkedTo() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	f.disconnect++
	f.connected = ""
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) SetDataHandler(fn func([]byte))             { f.onData = fn }
func (f *fakeAdapter) SetLinkLossHandler(fn func(string, error)) { f.onLoss = fn }

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

type recorder struct {
	mu  sync.Mutex
	ts  []Transition
	ds  []Data
	dev []Device
}

func (r *recorder) transition(t Transition) {
	r.mu.Lock()
	r.ts = append(r.ts, t)
	r.mu.Unlock()
}

func (r *recorder) data(d Data) {
	r.mu.Lock()
	r.ds = append(r.ds, d)
	r.mu.Unlock()
}

func (r *recorder) found(d Device) {
	r.mu.Lock()
	r.dev = append(r.dev, d)
	r.mu.Unlock()
}

func (r *recorder) transitions() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.ts...)
}

var (
	d1 = Device{ID: "d1", Name: "HC-05 Module"}
	d2 = Device{ID: "d2", Name: "ESP32 Device"}
)

func newTestManager(t *testing.T, a *fakeAdapter, opts ...Option) (*Manager, *recorder) {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithScanIDGenerator(idgen.Sequence("scan_")),
	}
	m := New(a, append(base, opts...)...)
	r := &recorder{}
	m.OnTransition(r.transition)
	m.OnData(r.data)
	t.Cleanup(m.Cleanup)
	return m, r
}

func mustScan(t *testing.T, m *Manager, found func(Device)) {
	t.Helper()
	if err := m.StartScan(context.Background(), found); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
}

func TestStartScan_DiscoversAndSuppressesDuplicates(t *testing.T) {
	m, r := newTestManager(t, newFake(d1, d2))
	mustScan(t, m, r.found)

	if got := m.State(); got != Scanning {
		t.Fatalf("state = %s, want scanning", got)
	}
	if len(r.dev) != 2 {
		t.Fatalf("found called %d times, want 2 (duplicates suppressed)", len(r.dev))
	}
	st := m.Status()
	if st.ScanID != "scan_1" || len(st.Discovered) != 2 || st.Discovered[0].ID != "d1" {
		t.Errorf("status = %+v", st)
	}
	ts := r.transitions()
	if len(ts) != 1 || ts[0].From != Idle || ts[0].To != Scanning || ts[0].Forced {
		t.Errorf("transitions = %+v", ts)
	}
}

func TestStartScan_PermissionDenied(t *testing.T) {
	a := newFake(d1)
	a.denied = true
	m, r := newTestManager(t, a)

	err := m.StartScan(context.Background(), nil)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if m.State() != Idle || len(r.transitions()) != 0 {
		t.Errorf("state = %s, transitions = %d", m.State(), len(r.transitions()))
	}
}

func TestStartScan_RadioOff(t *testing.T) {
	a := newFake(d1)
	a.radioOff = true
	m, _ := newTestManager(t, a)

	if err := m.StartScan(context.Background(), nil); !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("err = %v, want ErrAdapterUnavailable", err)
	}
	if m.State() != Idle {
		t.Errorf("state = %s, want idle", m.State())
	}
}

func TestStartScan_AdapterRefuses(t *testing.T) {
	a := newFake(d1)
	a.scanErr = errors.New("hci busy")
	m, _ := newTestManager(t, a)

	if err := m.StartScan(context.Background(), nil); !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("err = %v, want ErrAdapterUnavailable", err)
	}
	if st := m.Status(); st.State != Idle || st.ScanID != "" {
		t.Errorf("status = %+v, want idle with no window", st)
	}
}

func TestStartScan_NotFromScanning(t *testing.T) {
	m, _ := newTestManager(t, newFake(d1))
	mustScan(t, m, nil)

	err := m.StartScan(context.Background(), nil)
	var ise *InvalidStateError
	if !errors.As(err, &ise) || ise.State != Scanning {
		t.Fatalf("err = %v, want InvalidStateError in scanning", err)
	}
}

func TestStopScan(t *testing.T) {
	m, r := newTestManager(t, newFake(d1))

	if err := m.StopScan(context.Background()); err != nil {
		t.Fatalf("StopScan while idle: %v", err)
	}
	mustScan(t, m, nil)
	if err := m.StopScan(context.Background()); err != nil {
		t.Fatalf("StopScan: %v", err)
	}
	if st := m.Status(); st.State != Idle || len(st.Discovered) != 0 {
		t.Errorf("status = %+v", st)
	}
	ts := r.transitions()
	if len(ts) != 2 || ts[1].To != Idle || ts[1].Forced {
		t.Errorf("transitions = %+v", ts)
	}
}

func TestScanTimeout(t *testing.T) {
	m, r := newTestManager(t, newFake(d1), WithScanTimeout(20*time.Millisecond))
	mustScan(t, m, nil)

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != Idle {
		if time.Now().After(deadline) {
			t.Fatal("scan did not expire")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ts := r.transitions()
	last := ts[len(ts)-1]
	if !last.Forced || last.Reason != "scan timeout" {
		t.Errorf("last transition = %+v", last)
	}
}

func TestConnect_WhileIdleIsInvalidState(t *testing.T) {
	m, _ := newTestManager(t, newFake(d1))

	err := m.Connect(context.Background(), "d1")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if errors.Is(err, ErrUnknownDevice) {
		t.Error("idle connect must not report unknown device")
	}
}

func TestConnect_UnknownDevice(t *testing.T) {
	m, _ := newTestManager(t, newFake(d1))
	mustScan(t, m, nil)

	err := m.Connect(context.Background(), "d2")
	var ude *UnknownDeviceError
	if !errors.As(err, &ude) || ude.DeviceID != "d2" {
		t.Fatalf("err = %v, want UnknownDeviceError for d2", err)
	}
	if errors.Is(err, ErrInvalidState) {
		t.Error("unknown device must be distinct from invalid state")
	}
	if m.State() != Scanning {
		t.Errorf("state = %s, want scanning unchanged", m.State())
	}
}

func TestConnect_SuccessForwardsData(t *testing.T) {
	a := newFake(d1)
	fixed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	m, r := newTestManager(t, a, WithClock(func() time.Time { return fixed }))
	mustScan(t, m, nil)

	if err := m.Connect(context.Background(), "d1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	st := m.Status()
	if st.State != Connected || st.Device == nil || st.Device.ID != "d1" || !st.Connected {
		t.Fatalf("status = %+v", st)
	}

	a.onData([]byte("temp=21.5"))
	if len(r.ds) != 1 {
		t.Fatalf("data events = %d, want 1", len(r.ds))
	}
	got := r.ds[0]
	if got.DeviceID != "d1" || string(got.Payload) != "temp=21.5" || !got.ReceivedAt.Equal(fixed) {
		t.Errorf("data = %+v", got)
	}

	var want []State
	for _, tr := range r.transitions() {
		want = append(want, tr.To)
	}
	if len(want) != 3 || want[0] != Scanning || want[1] != Connecting || want[2] != Connected {
		t.Errorf("transition targets = %v", want)
	}
}

func TestOnData_LastListenerWins(t *testing.T) {
	a := newFake(d1)
	m, _ := newTestManager(t, a)
	mustScan(t, m, nil)
	if err := m.Connect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	var first, second int
	m.OnData(func(Data) { first++ })
	m.OnData(func(Data) { second++ })
	a.onData([]byte("x"))
	if first != 0 || second != 1 {
		t.Errorf("first=%d second=%d, want 0/1", first, second)
	}
}

func TestDataDroppedUnlessConnected(t *testing.T) {
	a := newFake(d1)
	m, r := newTestManager(t, a)
	a.onData([]byte("idle"))
	mustScan(t, m, nil)
	a.onData([]byte("scanning"))
	if len(r.ds) != 0 {
		t.Errorf("data forwarded outside connected: %+v", r.ds)
	}
}

func TestConnect_FailureReturnsToIdle(t *testing.T) {
	a := newFake(d1)
	a.connectErr = errors.New("gatt 133")
	m, _ := newTestManager(t, a)
	mustScan(t, m, nil)

	err := m.Connect(context.Background(), "d1")
	var cfe *ConnectionFailedError
	if !errors.As(err, &cfe) || cfe.DeviceID != "d1" || cfe.Reason != "gatt 133" {
		t.Fatalf("err = %v, want ConnectionFailedError(d1, gatt 133)", err)
	}
	st := m.Status()
	if st.State != Idle || len(st.Discovered) != 0 || st.Device != nil {
		t.Errorf("status = %+v, want idle with window discarded", st)
	}
	// The discarded window means d1 is unknown again until a new scan.
	if err := m.Connect(context.Background(), "d1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("reconnect from idle err = %v, want ErrInvalidState", err)
	}
}

func TestConnect_Timeout(t *testing.T) {
	a := newFake(d1)
	a.hang = true
	m, _ := newTestManager(t, a, WithConnectTimeout(30*time.Millisecond))
	mustScan(t, m, nil)

	err := m.Connect(context.Background(), "d1")
	var cfe *ConnectionFailedError
	if !errors.As(err, &cfe) || cfe.Reason != "timeout" {
		t.Fatalf("err = %v, want timeout", err)
	}
	if m.State() != Idle {
		t.Errorf("state = %s, want idle", m.State())
	}
}

func TestConnect_CallerCancelDoesNotAbort(t *testing.T) {
	a := newFake(d1)
	m, _ := newTestManager(t, a)
	mustScan(t, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Connect(ctx, "d1"); err != nil {
		t.Fatalf("Connect with cancelled ctx: %v", err)
	}
	if m.State() != Connected {
		t.Errorf("state = %s, want connected", m.State())
	}
}

func TestBusyDuringConnecting(t *testing.T) {
	a := newFake(d1)
	a.hang = true
	m, _ := newTestManager(t, a, WithConnectTimeout(5*time.Second))
	mustScan(t, m, nil)

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background(), "d1") }()
	waitState(t, m, Connecting)

	if err := m.StartScan(context.Background(), nil); !errors.Is(err, ErrBusy) {
		t.Errorf("StartScan err = %v, want ErrBusy", err)
	}
	if err := m.StopScan(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("StopScan err = %v, want ErrBusy", err)
	}
	if err := m.Connect(context.Background(), "d1"); !errors.Is(err, ErrBusy) {
		t.Errorf("Connect err = %v, want ErrBusy", err)
	}

	// Disconnect is the exception: it aborts the pending attempt.
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	err := <-errc
	var cfe *ConnectionFailedError
	if !errors.As(err, &cfe) || cfe.Reason != "aborted" {
		t.Fatalf("Connect err = %v, want aborted", err)
	}
	if m.State() != Idle {
		t.Errorf("state = %s, want idle", m.State())
	}
}

func TestConnect_WhileConnectedForcesDisconnect(t *testing.T) {
	a := newFake(d1, d2)
	m, r := newTestManager(t, a)
	mustScan(t, m, nil)
	if err := m.Connect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), "d2"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	ts := r.transitions()
	// scanning, connecting, connected, forced idle, connecting, connected
	if len(ts) != 6 {
		t.Fatalf("transitions = %+v", ts)
	}
	forced := ts[3]
	if forced.From != Connected || forced.To != Idle || !forced.Forced || forced.DeviceID != "d1" {
		t.Errorf("implicit disconnect transition = %+v", forced)
	}
	if st := m.Status(); st.Device == nil || st.Device.ID != "d2" {
		t.Errorf("current device = %+v, want d2", st.Device)
	}
	if a.disconnect != 1 {
		t.Errorf("adapter disconnects = %d, want 1", a.disconnect)
	}
}

func TestLinkLoss(t *testing.T) {
	a := newFake(d1)
	m, r := newTestManager(t, a)
	mustScan(t, m, nil)
	if err := m.Connect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	a.onLoss("other", errors.New("ignored"))
	if m.State() != Connected {
		t.Fatalf("link loss for another device changed state to %s", m.State())
	}

	a.onLoss("d1", errors.New("supervision timeout"))
	ts := r.transitions()
	last := ts[len(ts)-1]
	if last.From != Connected || last.To != Idle || !last.Forced || last.Reason != "supervision timeout" {
		t.Errorf("last transition = %+v", last)
	}
	if st := m.Status(); st.State != Idle || len(st.Discovered) != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestLinkLoss_BeforeConnectedTransition(t *testing.T) {
	a := newFake(d1)
	a.lossOnConnect = errors.New("supervision timeout")
	m, r := newTestManager(t, a)
	mustScan(t, m, nil)

	if err := m.Connect(context.Background(), "d1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != Idle {
		t.Fatalf("state = %s, want idle after early link loss", m.State())
	}
	ts := r.transitions()
	if len(ts) < 2 {
		t.Fatalf("transitions = %+v", ts)
	}
	conn, lost := ts[len(ts)-2], ts[len(ts)-1]
	if conn.To != Connected {
		t.Errorf("second to last transition = %+v, want to connected", conn)
	}
	if lost.From != Connected || lost.To != Idle || !lost.Forced || lost.Reason != "supervision timeout" {
		t.Errorf("last transition = %+v", lost)
	}

	a.mu.Lock()
	a.lossOnConnect = nil
	a.mu.Unlock()
	mustScan(t, m, nil)
	if err := m.Connect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}
	if m.State() != Connected {
		t.Errorf("state = %s, loss carried over to the next attempt", m.State())
	}
}

func TestConnect_LateLinkDroppedWhileScanning(t *testing.T) {
	a := newFake(d1)
	a.late = make(chan struct{})
	m, _ := newTestManager(t, a, WithConnectTimeout(20*time.Millisecond))
	mustScan(t, m, nil)

	var cfe *ConnectionFailedError
	if err := m.Connect(context.Background(), "d1"); !errors.As(err, &cfe) || cfe.Reason != "timeout" {
		t.Fatalf("err = %v, want timeout", err)
	}
	mustScan(t, m, nil)

	a.mu.Lock()
	before := a.disconnect
	a.mu.Unlock()
	close(a.late)

	deadline := time.Now().Add(2 * time.Second)
	for {
		a.mu.Lock()
		dropped := a.disconnect > before && a.connected == ""
		a.mu.Unlock()
		if dropped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("late link to %q never dropped", a.linkedTo())
		}
		time.Sleep(2 * time.Millisecond)
	}
	if m.State() != Scanning {
		t.Errorf("state = %s, want scanning", m.State())
	}
}

func TestDisconnect(t *testing.T) {
	a := newFake(d1)
	m, _ := newTestManager(t, a)

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect while idle: %v", err)
	}
	mustScan(t, m, nil)
	if err := m.Disconnect(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Disconnect while scanning err = %v, want ErrInvalidState", err)
	}
	if err := m.Connect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if m.State() != Idle || a.connected != "" {
		t.Errorf("state = %s, adapter link = %q", m.State(), a.connected)
	}
}

func TestCleanup_FromAnyState(t *testing.T) {
	for _, target := range []State{Idle, Scanning, Connected} {
		t.Run(target.String(), func(t *testing.T) {
			a := newFake(d1)
			m, r := newTestManager(t, a)
			if target >= Scanning {
				mustScan(t, m, nil)
			}
			if target == Connected {
				if err := m.Connect(context.Background(), "d1"); err != nil {
					t.Fatal(err)
				}
			}

			m.Cleanup()
			m.Cleanup()

			if m.State() != Idle {
				t.Errorf("state = %s, want idle", m.State())
			}
			if a.closed != 2 {
				t.Errorf("adapter closed %d times, want 2", a.closed)
			}
			if target != Idle {
				ts := r.transitions()
				last := ts[len(ts)-1]
				if !last.Forced || last.Reason != "cleanup" {
					t.Errorf("last transition = %+v", last)
				}
			}
		})
	}
}

func TestCleanup_DuringConnecting(t *testing.T) {
	a := newFake(d1)
	a.hang = true
	m, _ := newTestManager(t, a, WithConnectTimeout(5*time.Second))
	mustScan(t, m, nil)

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background(), "d1") }()
	waitState(t, m, Connecting)

	m.Cleanup()
	if err := <-errc; !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Connect err = %v, want ErrInterrupted", err)
	}
	if m.State() != Idle {
		t.Errorf("state = %s, want idle", m.State())
	}
	// The manager accepts new work after cleanup.
	a.mu.Lock()
	a.hang = false
	a.mu.Unlock()
	mustScan(t, m, nil)
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", m.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStateString(t *testing.T) {
	if Connecting.String() != "connecting" || State(9).String() != "state(9)" {
		t.Errorf("got %q / %q", Connecting.String(), State(9).String())
	}
}
