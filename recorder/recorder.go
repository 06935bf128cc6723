// Package recorder wires the capture store, the device session, the staging
// pipeline, the operator gate and the journal into one service, and exposes
// its operations over HTTP and MCP.
package recorder

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"log/slog"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/btcapture/capture"
	"github.com/hazyhaar/btcapture/dbopen"
	"github.com/hazyhaar/btcapture/gate"
	"github.com/hazyhaar/btcapture/journal"
	"github.com/hazyhaar/btcapture/kit"
	"github.com/hazyhaar/btcapture/peripheral"
	"github.com/hazyhaar/btcapture/pipeline"
	"github.com/hazyhaar/btcapture/session"
	"github.com/hazyhaar/btcapture/shield"
)

// ErrSignInRequired is returned by every guarded operation when no operator
// session is open.
var ErrSignInRequired = fmt.Errorf("%w: sign-in required", gate.ErrUnauthorized)

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithDB runs the recorder on an already-open database instead of
// cfg.DBPath. The handle stays owned by the caller.
func WithDB(db *sql.DB) Option {
	return func(r *Recorder) { r.db = db }
}

// WithGateOptions passes extra options to the operator gate.
func WithGateOptions(opts ...gate.Option) Option {
	return func(r *Recorder) { r.gateOpts = append(r.gateOpts, opts...) }
}

// WithSessionOptions passes extra options to the session manager.
func WithSessionOptions(opts ...session.Option) Option {
	return func(r *Recorder) { r.sessOpts = append(r.sessOpts, opts...) }
}

// WithOnStaged registers a hook called whenever a payload is staged and
// waits for the operator.
func WithOnStaged(fn func(pipeline.Staged)) Option {
	return func(r *Recorder) { r.onStaged = fn }
}

// Recorder is the capture service.
type Recorder struct {
	cfg    *Config
	logger *slog.Logger
	db     *sql.DB

	gateOpts []gate.Option
	sessOpts []session.Option
	onStaged func(pipeline.Staged)

	store    *capture.Store
	session  *session.Manager
	pipeline *pipeline.Pipeline
	gate     *gate.Gate
	journal  *journal.Logger
	labels   *bluemonday.Policy
	ops      map[string]kit.Endpoint
}

// New opens the store and builds the service around adapter. The operator
// session persisted by a previous run is restored.
func New(ctx context.Context, cfg *Config, adapter session.Adapter, opts ...Option) (*Recorder, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	r := &Recorder{
		cfg:    cfg,
		logger: slog.Default(),
		labels: bluemonday.StrictPolicy(),
	}
	for _, o := range opts {
		o(r)
	}

	storeOpts := []capture.Option{
		capture.WithLogger(r.logger),
		capture.WithOpenOptions(dbopen.WithSynchronous(cfg.DBSynchronous)),
	}
	if r.db != nil {
		storeOpts = append(storeOpts, capture.WithDB(r.db))
	}
	r.store = capture.New(cfg.DBPath, storeOpts...)
	if err := r.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	if err := r.build(ctx, adapter); err != nil {
		r.store.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) build(ctx context.Context, adapter session.Adapter) error {
	db := r.store.DB()

	j, err := journal.New(db, journal.WithLogger(r.logger))
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	r.journal = j

	if err := shield.Init(db); err != nil {
		return fmt.Errorf("recorder: %w", err)
	}

	gcfg, err := r.gateConfig()
	if err != nil {
		return err
	}
	gopts := append([]gate.Option{gate.WithLogger(r.logger), gate.WithSessionDB(db)}, r.gateOpts...)
	g, err := gate.New(gcfg, gopts...)
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	if err := g.Restore(ctx); err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	r.gate = g

	r.pipeline = pipeline.New(r.store,
		pipeline.WithLogger(r.logger),
		pipeline.WithOnStaged(r.staged))

	sopts := append([]session.Option{
		session.WithLogger(r.logger),
		session.WithScanTimeout(r.cfg.scanTimeout()),
		session.WithConnectTimeout(r.cfg.ConnectTimeout),
	}, r.sessOpts...)
	r.session = session.New(adapter, sopts...)
	r.session.OnData(r.pipeline.Handle)
	r.session.OnTransition(r.transitioned)

	r.ops = r.endpoints()
	return nil
}

func (r *Recorder) gateConfig() (gate.Config, error) {
	gc := r.cfg.Gate
	cfg := gate.Config{
		Username:     gc.Username,
		Password:     gc.Password,
		PasswordHash: gc.PasswordHash,
		Secret:       []byte(gc.Secret),
		TTL:          gc.SessionTTL,
	}
	if cfg.Password == "" && cfg.PasswordHash == "" {
		r.logger.Warn("recorder: no operator password configured, using the default one")
		cfg.Password = fallbackPassword
	}
	if len(cfg.Secret) == 0 {
		buf := make([]byte, gate.MinSecretLen)
		if _, err := rand.Read(buf); err != nil {
			return gate.Config{}, fmt.Errorf("recorder: session secret: %w", err)
		}
		cfg.Secret = []byte(hex.EncodeToString(buf))
		r.logger.Warn("recorder: no session secret configured, sessions will not survive a restart")
	}
	return cfg, nil
}

// NewAdapter builds the radio adapter named by cfg.Adapter.
func NewAdapter(cfg *Config, logger *slog.Logger) (session.Adapter, error) {
	cfg.defaults()
	switch cfg.Adapter {
	case AdapterSim:
		return peripheral.NewSimulator(peripheral.SimConfig{
			DiscoveryDelay:    cfg.Sim.DiscoveryDelay,
			DiscoveryInterval: cfg.Sim.DiscoveryInterval,
			ConnectDelay:      cfg.Sim.ConnectDelay,
			SampleDelay:       cfg.Sim.SampleDelay,
		}, peripheral.WithLogger(logger)), nil
	case AdapterBLE:
		return peripheral.NewBLE(peripheral.BLEConfig{
			ServiceUUID: cfg.BLE.ServiceUUID,
			NotifyUUID:  cfg.BLE.NotifyUUID,
		}, peripheral.WithLogger(logger))
	default:
		return nil, fmt.Errorf("recorder: unknown adapter %q", cfg.Adapter)
	}
}

// Start runs journal retention until ctx is done.
func (r *Recorder) Start(ctx context.Context) {
	go r.journal.RunRetention(ctx, r.cfg.Journal.RetentionDays, r.cfg.Journal.CleanupInterval)
	r.logger.Info("recorder: started", "adapter", r.cfg.Adapter, "db", r.cfg.DBPath)
}

// Close tears the device session down and releases the store.
func (r *Recorder) Close() error {
	r.session.Cleanup()
	return r.store.Close()
}

// Gate returns the operator gate, for the HTTP middleware.
func (r *Recorder) Gate() *gate.Gate { return r.gate }

// DB returns the shared database handle.
func (r *Recorder) DB() *sql.DB { return r.store.DB() }

// --- captures ---

// Captures lists every capture, newest first, or the ones matching query.
func (r *Recorder) Captures(ctx context.Context, query string) ([]*capture.Record, error) {
	var recs []*capture.Record
	var err error
	if query == "" {
		recs, err = r.store.List(ctx)
	} else {
		recs, err = r.store.Search(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*capture.Record{}
	}
	return recs, nil
}

// Capture returns one capture.
func (r *Recorder) Capture(ctx context.Context, id int64) (*capture.Record, error) {
	return r.store.Get(ctx, id)
}

// CountCaptures returns the number of saved captures.
func (r *Recorder) CountCaptures(ctx context.Context) (int64, error) {
	return r.store.Count(ctx)
}

// CreateCapture saves an operator-typed payload without going through the
// device.
func (r *Recorder) CreateCapture(ctx context.Context, payload, label string) (*capture.Record, error) {
	rec, err := r.store.Insert(ctx, payload, r.cleanLabel(label))
	if err != nil {
		return nil, err
	}
	r.event(ctx, journal.CaptureSaved, fmt.Sprint(rec.ID), map[string]any{
		"label":  rec.Label,
		"source": "manual",
	})
	return rec, nil
}

// DeleteCapture removes one capture.
func (r *Recorder) DeleteCapture(ctx context.Context, id int64) error {
	if err := r.store.DeleteByID(ctx, id); err != nil {
		return err
	}
	r.event(ctx, journal.CaptureDeleted, fmt.Sprint(id), nil)
	return nil
}

// ClearCaptures removes every capture and returns how many were deleted.
func (r *Recorder) ClearCaptures(ctx context.Context) (int64, error) {
	n, err := r.store.ClearAll(ctx)
	if err != nil {
		return 0, err
	}
	r.event(ctx, journal.CapturesCleared, "", map[string]any{"deleted": n})
	return n, nil
}

// --- device ---

// DeviceStatus returns the session snapshot.
func (r *Recorder) DeviceStatus() session.Status {
	return r.session.Status()
}

// StartScan opens a discovery window. Found devices accumulate in
// DeviceStatus().Discovered.
func (r *Recorder) StartScan(ctx context.Context) error {
	return r.session.StartScan(ctx, func(d session.Device) {
		r.logger.Info("recorder: device found", "device_id", d.ID, "name", d.Name)
	})
}

// StopScan closes the discovery window.
func (r *Recorder) StopScan(ctx context.Context) error {
	return r.session.StopScan(ctx)
}

// Connect links to a device found by the current scan.
func (r *Recorder) Connect(ctx context.Context, deviceID string) error {
	return r.session.Connect(ctx, deviceID)
}

// Disconnect drops the link, or aborts a pending connection attempt.
func (r *Recorder) Disconnect(ctx context.Context) error {
	return r.session.Disconnect(ctx)
}

// --- staging ---

// Staged returns the payload waiting for confirmation, if any.
func (r *Recorder) Staged() (pipeline.Staged, bool) {
	return r.pipeline.Pending()
}

// ReplacedPayloads returns how many staged payloads were overwritten
// before the operator acted on them.
func (r *Recorder) ReplacedPayloads() uint64 {
	return r.pipeline.Replaced()
}

// ConfirmStaged saves the staged payload under label.
func (r *Recorder) ConfirmStaged(ctx context.Context, label string) (*capture.Record, error) {
	rec, err := r.pipeline.Confirm(ctx, r.cleanLabel(label))
	if err != nil {
		return nil, err
	}
	r.event(ctx, journal.CaptureSaved, fmt.Sprint(rec.ID), map[string]any{
		"label":  rec.Label,
		"source": "device",
	})
	return rec, nil
}

// DiscardStaged drops the staged payload.
func (r *Recorder) DiscardStaged() {
	r.pipeline.Discard()
}

// --- operator ---

// Login checks the operator credentials and opens a session.
func (r *Recorder) Login(ctx context.Context, username, password string) (gate.Result, error) {
	res, err := r.gate.Authenticate(ctx, username, password)
	if err != nil {
		return gate.Result{}, err
	}
	r.journal.Log(ctx, journal.Event{
		Type:      journal.OperatorSignIn,
		Operator:  username,
		Transport: kit.GetTransport(ctx),
		Success:   res.Success,
	})
	return res, nil
}

// Logout closes the operator session.
func (r *Recorder) Logout(ctx context.Context) error {
	if err := r.gate.SignOut(ctx); err != nil {
		return err
	}
	r.event(ctx, journal.OperatorSignOut, "", nil)
	return nil
}

// Events returns recent journal entries, newest first.
func (r *Recorder) Events(ctx context.Context, eventType string, limit int) ([]journal.Entry, error) {
	entries, err := r.journal.Recent(ctx, eventType, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return entries, nil
}

// cleanLabel strips markup from an operator label. Entities are decoded
// back so "R&D" stays "R&D". Trimming and the empty check happen in the
// store.
func (r *Recorder) cleanLabel(label string) string {
	return html.UnescapeString(r.labels.Sanitize(label))
}

func (r *Recorder) event(ctx context.Context, typ, entityID string, details map[string]any) {
	r.journal.Log(ctx, journal.Event{
		Type:      typ,
		EntityID:  entityID,
		Operator:  kit.GetOperator(ctx),
		Transport: kit.GetTransport(ctx),
		Details:   details,
		Success:   true,
	})
}

func (r *Recorder) staged(s pipeline.Staged) {
	r.logger.Info("recorder: payload awaiting confirmation",
		"seq", s.Seq, "device_id", s.DeviceID, "bytes", len(s.Payload))
	if r.onStaged != nil {
		r.onStaged(s)
	}
}

func (r *Recorder) transitioned(t session.Transition) {
	level := slog.LevelInfo
	if t.Forced {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "recorder: session transition",
		"from", t.From.String(), "to", t.To.String(), "device_id", t.DeviceID,
		"forced", t.Forced, "reason", t.Reason)

	r.journal.Log(context.Background(), journal.Event{
		Type:      journal.SessionTransition,
		EntityID:  t.DeviceID,
		Transport: "radio",
		Details: map[string]any{
			"from":   t.From.String(),
			"to":     t.To.String(),
			"forced": t.Forced,
			"reason": t.Reason,
		},
		Success: true,
	})
}

// isClientError reports whether err was caused by the request rather than
// by the service.
func isClientError(err error) bool {
	return errors.Is(err, capture.ErrValidation) ||
		errors.Is(err, capture.ErrNotFound) ||
		errors.Is(err, session.ErrInvalidState) ||
		errors.Is(err, session.ErrUnknownDevice) ||
		errors.Is(err, session.ErrBusy) ||
		errors.Is(err, pipeline.ErrNothingStaged) ||
		errors.Is(err, gate.ErrUnauthorized)
}
