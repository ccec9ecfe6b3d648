// Package connectivity observes network reachability transitions and feeds
// them to the sync engine. The core never probes the network itself; it only
// consumes transition events from a Watcher owned by the host runtime.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"scanbox/internal/backend"
	"scanbox/internal/clock"
)

// Watcher reports reachability and its transitions. Transitions delivers true
// when the backend becomes reachable and false when it stops being reachable.
type Watcher interface {
	Reachable() bool
	Transitions() <-chan bool
}

// Manual is a watcher driven by explicit Set calls: tests and one-shot CLI
// commands use it.
type Manual struct {
	mu        sync.Mutex
	reachable bool
	ch        chan bool
}

// NewManual returns a manual watcher with the given initial state.
func NewManual(reachable bool) *Manual {
	return &Manual{reachable: reachable, ch: make(chan bool, 8)}
}

// Reachable reports the last set state.
func (m *Manual) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// Transitions returns the transition stream.
func (m *Manual) Transitions() <-chan bool { return m.ch }

// Set records a new state and emits a transition if it changed.
func (m *Manual) Set(reachable bool) {
	m.mu.Lock()
	changed := m.reachable != reachable
	m.reachable = reachable
	m.mu.Unlock()
	if changed {
		select {
		case m.ch <- reachable:
		default:
		}
	}
}

// Prober polls the backend health endpoint on a fixed interval and turns the
// results into transitions.
type Prober struct {
	be       backend.Backend
	clk      clock.Clock
	log      *zap.Logger
	interval time.Duration

	mu        sync.Mutex
	reachable bool
	ch        chan bool

	cancel context.CancelFunc
	donech chan struct{}
}

// NewProber constructs a prober; Start must be called to begin polling.
func NewProber(be backend.Backend, clk clock.Clock, log *zap.Logger, interval time.Duration) *Prober {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{be: be, clk: clk, log: log, interval: interval, ch: make(chan bool, 8)}
}

// Reachable reports the result of the most recent probe.
func (p *Prober) Reachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable
}

// Transitions returns the transition stream.
func (p *Prober) Transitions() <-chan bool { return p.ch }

// Start probes immediately, then on every interval until ctx ends or Stop is
// called.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.donech = make(chan struct{})
	go func() {
		defer close(p.donech)
		p.probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.clk.After(p.interval):
				p.probe(ctx)
			}
		}
	}()
}

// Stop halts polling.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.donech
	}
}

func (p *Prober) probe(ctx context.Context) {
	err := p.be.Ping(ctx)
	up := err == nil

	p.mu.Lock()
	changed := p.reachable != up
	p.reachable = up
	p.mu.Unlock()

	if changed {
		p.log.Info("reachability changed", zap.Bool("reachable", up))
		select {
		case p.ch <- up:
		default:
		}
	}
}
