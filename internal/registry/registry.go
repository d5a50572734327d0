// Package registry tracks which generation ids have a pipeline run in
// flight. At most one run per id is admitted; releasing an id is how a run
// is cancelled.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultTTL bounds how long an id can stay admitted if its run never
// releases it.
const DefaultTTL = 10 * time.Minute

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets the leak sweep interval. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.ttl = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithGauge reports the number of admitted ids to g.
func WithGauge(g prometheus.Gauge) Option {
	return func(r *Registry) {
		r.gauge = g
	}
}

// Registry is a concurrency-safe presence set of generation ids.
type Registry struct {
	mu      sync.Mutex
	entries *ttlcache.Cache[string, struct{}]
	ttl     time.Duration
	logger  *slog.Logger
	gauge   prometheus.Gauge
}

// New creates a Registry and starts its expiry loop. Call Close when done.
func New(opts ...Option) *Registry {
	r := &Registry{
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.entries = ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](r.ttl),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	r.entries.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, struct{}]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		r.logger.Warn("generation id expired without release",
			slog.String("generation_id", item.Key()),
			slog.Duration("ttl", r.ttl),
		)
		r.report()
	})
	go r.entries.Start()
	return r
}

// TryAdmit inserts id and reports true, or reports false if id is already
// admitted.
func (r *Registry) TryAdmit(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries.Has(id) {
		return false
	}
	r.entries.Set(id, struct{}{}, ttlcache.DefaultTTL)
	r.report()
	return true
}

// IsActive reports whether id is admitted.
func (r *Registry) IsActive(id string) bool {
	return r.entries.Has(id)
}

// Release removes id. Releasing an unknown id is a no-op.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries.Delete(id)
	r.report()
}

// Len returns the number of admitted ids.
func (r *Registry) Len() int {
	return r.entries.Len()
}

// Close stops the expiry loop.
func (r *Registry) Close() {
	r.entries.Stop()
}

func (r *Registry) report() {
	if r.gauge != nil {
		r.gauge.Set(float64(r.entries.Len()))
	}
}
