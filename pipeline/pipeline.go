// Package pipeline holds the single staging slot between the radio and the
// capture store. Inbound data waits there until the operator labels and
// confirms it, or discards it.
//
// The slot is last-write-wins: data arriving while something is staged
// replaces it. Replacements are counted and logged so a busy device that
// outruns the operator shows up in the logs.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/btcapture/capture"
	"github.com/hazyhaar/btcapture/session"
)

// ErrNothingStaged is returned by Confirm when the slot is empty.
var ErrNothingStaged = errors.New("pipeline: nothing staged")

// Inserter is the store capability Confirm needs. *capture.Store satisfies it.
type Inserter interface {
	Insert(ctx context.Context, payload, label string) (*capture.Record, error)
}

// Staged is the payload awaiting confirmation. Seq increases with every
// staging and identifies which payload a Confirm saved.
type Staged struct {
	Seq        uint64    `json:"seq"`
	DeviceID   string    `json:"device_id"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithOnStaged registers the operator prompt, called after every staging
// with the new slot content.
func WithOnStaged(fn func(Staged)) Option {
	return func(p *Pipeline) { p.onStaged = fn }
}

// Pipeline stages inbound data and commits it on confirmation.
type Pipeline struct {
	store    Inserter
	logger   *slog.Logger
	onStaged func(Staged)

	confirmMu sync.Mutex // one Confirm at a time, so a payload is saved once

	mu       sync.Mutex
	slot     *Staged
	seq      uint64
	replaced uint64
}

// New returns an empty Pipeline writing to store.
func New(store Inserter, opts ...Option) *Pipeline {
	p := &Pipeline{store: store, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Handle stages d, replacing anything already staged. Payloads that are
// empty once trimmed are ignored, since the store would reject them. It is
// the session.Manager data listener.
func (p *Pipeline) Handle(d session.Data) {
	if strings.TrimSpace(string(d.Payload)) == "" {
		p.logger.Warn("pipeline: blank payload ignored", "device_id", d.DeviceID, "bytes", len(d.Payload))
		return
	}

	p.mu.Lock()
	p.seq++
	s := Staged{Seq: p.seq, DeviceID: d.DeviceID, Payload: string(d.Payload), ReceivedAt: d.ReceivedAt}
	var dropped uint64
	if p.slot != nil {
		p.replaced++
		dropped = p.slot.Seq
	}
	p.slot = &s
	fn := p.onStaged
	p.mu.Unlock()

	if dropped != 0 {
		p.logger.Info("pipeline: staged payload replaced", "device_id", d.DeviceID, "dropped_seq", dropped, "seq", s.Seq)
	} else {
		p.logger.Debug("pipeline: payload staged", "device_id", d.DeviceID, "seq", s.Seq)
	}
	if fn != nil {
		fn(s)
	}
}

// Pending returns the staged payload, if any.
func (p *Pipeline) Pending() (Staged, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slot == nil {
		return Staged{}, false
	}
	return *p.slot, true
}

// Confirm saves the staged payload under label. On success the slot is
// cleared unless a newer payload replaced it meanwhile, in which case the
// newer one stays staged. On failure the slot is left untouched so the
// operator can retry.
func (p *Pipeline) Confirm(ctx context.Context, label string) (*capture.Record, error) {
	label, err := capture.ValidateLabel(label)
	if err != nil {
		return nil, err
	}

	p.confirmMu.Lock()
	defer p.confirmMu.Unlock()

	s, ok := p.Pending()
	if !ok {
		return nil, ErrNothingStaged
	}

	rec, err := p.store.Insert(ctx, s.Payload, label)
	if err != nil {
		p.logger.Warn("pipeline: confirm failed", "seq", s.Seq, "error", err)
		return nil, err
	}

	p.mu.Lock()
	if p.slot != nil && p.slot.Seq == s.Seq {
		p.slot = nil
	}
	p.mu.Unlock()

	p.logger.Info("pipeline: capture confirmed", "capture_id", rec.ID, "device_id", s.DeviceID, "seq", s.Seq)
	return rec, nil
}

// Discard clears the slot. Discarding an empty slot is not an error.
func (p *Pipeline) Discard() {
	p.mu.Lock()
	s := p.slot
	p.slot = nil
	p.mu.Unlock()
	if s != nil {
		p.logger.Debug("pipeline: staged payload discarded", "seq", s.Seq)
	}
}

// Replaced returns how many staged payloads were overwritten before being
// confirmed or discarded.
func (p *Pipeline) Replaced() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replaced
}
