// Package registry holds the process-wide mutable state: the single active
// encoder supervisor, the single active danmaku collector, and the drain
// loop handle. Replacement is stop-then-assign under a per-kind mutex, which
// is what enforces the at-most-one-active-instance rule.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/weiawesome/bilimix/internal/danmaku"
	"github.com/weiawesome/bilimix/internal/hub"
	"github.com/weiawesome/bilimix/internal/mixer"
)

type Registry struct {
	hub *hub.Hub

	mixerMu sync.Mutex
	mixer   *mixer.Supervisor

	collectorMu sync.Mutex
	collector   *danmaku.Collector

	drainMu     sync.Mutex
	drainCancel context.CancelFunc
}

func New(h *hub.Hub) *Registry {
	return &Registry{hub: h}
}

func (r *Registry) Hub() *hub.Hub {
	return r.hub
}

// ReplaceMixer stops any active supervisor, then constructs-and-starts the
// replacement via make and assigns it. The whole sequence holds the mixer
// mutex so two concurrent replacements cannot interleave. A nil make just
// stops.
func (r *Registry) ReplaceMixer(stopTimeout time.Duration, make func() (*mixer.Supervisor, error)) error {
	r.mixerMu.Lock()
	defer r.mixerMu.Unlock()

	if r.mixer != nil {
		r.mixer.Stop(stopTimeout)
		r.mixer = nil
	}
	if make == nil {
		return nil
	}

	sup, err := make()
	if err != nil {
		return err
	}
	r.mixer = sup
	return nil
}

// Mixer returns the active supervisor, or nil.
func (r *Registry) Mixer() *mixer.Supervisor {
	r.mixerMu.Lock()
	defer r.mixerMu.Unlock()
	return r.mixer
}

// ReplaceCollector mirrors ReplaceMixer for the danmaku collector.
func (r *Registry) ReplaceCollector(make func() (*danmaku.Collector, error)) error {
	r.collectorMu.Lock()
	defer r.collectorMu.Unlock()

	if r.collector != nil {
		r.collector.Stop()
		r.collector = nil
	}
	if make == nil {
		return nil
	}

	col, err := make()
	if err != nil {
		return err
	}
	r.collector = col
	return nil
}

// Collector returns the active collector, or nil.
func (r *Registry) Collector() *danmaku.Collector {
	r.collectorMu.Lock()
	defer r.collectorMu.Unlock()
	return r.collector
}

// SwapDrain installs the cancel handle for a freshly started drain loop,
// cancelling the previous one first.
func (r *Registry) SwapDrain(cancel context.CancelFunc) {
	r.drainMu.Lock()
	prev := r.drainCancel
	r.drainCancel = cancel
	r.drainMu.Unlock()
	if prev != nil {
		prev()
	}
}

// StopDrain cancels the drain loop, if any.
func (r *Registry) StopDrain() {
	r.drainMu.Lock()
	cancel := r.drainCancel
	r.drainCancel = nil
	r.drainMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
