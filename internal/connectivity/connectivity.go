// Package connectivity reports whether the remote API is reachable.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/fieldops/spbsync/internal/errors"
	"github.com/fieldops/spbsync/internal/events"
	"github.com/fieldops/spbsync/internal/logging"
)

// Observer streams reachability. Subscribers receive the current value
// first, then every transition.
type Observer interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// Manual is an Observer driven by the platform, which calls SetOnline from
// its own network callbacks.
type Manual struct {
	mu     sync.Mutex
	online bool
	b      *events.Broadcaster[bool]
}

// NewManual creates a Manual observer starting in the given state.
func NewManual(online bool) *Manual {
	m := &Manual{online: online, b: events.NewBroadcaster[bool](4)}
	m.b.Publish(online)
	return m
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manual) Subscribe() (<-chan bool, func()) {
	return m.b.Subscribe()
}

// SetOnline records a new state. Repeating the current state publishes
// nothing.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.b.Publish(online)
}

// Close ends every subscription.
func (m *Manual) Close() {
	m.b.Close()
}

// HealthChecker is satisfied by the remote client.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Prober polls the API health endpoint and publishes transitions. A server
// that answers, even with an error status, counts as reachable.
type Prober struct {
	*Manual
	checker  HealthChecker
	interval time.Duration
	timeout  time.Duration
	log      *logging.Logger

	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
}

// NewProber creates a Prober. It starts offline until the first probe.
func NewProber(checker HealthChecker, interval, timeout time.Duration, log *logging.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logging.Get()
	}
	return &Prober{
		Manual:   NewManual(false),
		checker:  checker,
		interval: interval,
		timeout:  timeout,
		log:      log.With("connectivity"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start probes immediately and then every interval until Stop or ctx ends.
func (p *Prober) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
}

// Stop ends the probe loop and waits for it.
func (p *Prober) Stop() {
	p.once.Do(func() { close(p.stop) })
	if p.started.Load() {
		<-p.done
	}
}

// Probe runs one health check and records the result.
func (p *Prober) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.checker.Health(probeCtx)
	online := err == nil || apperrors.KindOf(err) != apperrors.KindNetwork
	if online != p.Online() {
		fields := map[string]any{"online": online}
		if err != nil {
			fields["error"] = err.Error()
		}
		p.log.Info("Connectivity changed", fields)
	}
	p.SetOnline(online)
	return online
}
