// Package expiry runs periodic TTL sweeps against an in-memory cache.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/journal-media/telemetry"
)

const (
	// DefaultTTL is how long an image cache entry lives after its last update.
	DefaultTTL = 30 * time.Minute

	// DefaultCheckInterval is how often the sweep runs.
	DefaultCheckInterval = 5 * time.Minute
)

// Expirer removes entries whose timestamp is before the cutoff and reports
// how many it removed.
type Expirer interface {
	Expire(ctx context.Context, before time.Time) int
}

// Config holds expiration configuration.
type Config struct {
	// TTL is the age after which entries are removed regardless of state.
	// Zero means DefaultTTL.
	TTL time.Duration

	// CheckInterval is how often to run expiration checks.
	// Zero means DefaultCheckInterval.
	CheckInterval time.Duration

	// Logger for expiration events.
	Logger *slog.Logger
}

// Manager runs TTL sweeps on a ticker.
type Manager struct {
	config Config
	target Expirer
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new expiration manager for target.
func NewManager(target Expirer, cfg Config) *Manager {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config: cfg,
		target: target,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background expiration checks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background expiration checks.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx, m.config.TTL)
		}
	}
}

// ExpireResult contains the results of an expiration run.
type ExpireResult struct {
	Expired  int
	Duration time.Duration
}

// RunOnce performs a single expiration check using the configured TTL.
func (m *Manager) RunOnce(ctx context.Context) *ExpireResult {
	return m.runOnce(ctx, m.config.TTL)
}

// ForceExpire immediately expires entries older than olderThan.
func (m *Manager) ForceExpire(ctx context.Context, olderThan time.Duration) *ExpireResult {
	return m.runOnce(ctx, olderThan)
}

func (m *Manager) runOnce(ctx context.Context, ttl time.Duration) *ExpireResult {
	start := m.now()
	cutoff := start.Add(-ttl)

	result := &ExpireResult{
		Expired: m.target.Expire(ctx, cutoff),
	}
	result.Duration = m.now().Sub(start)

	telemetry.RecordSweep(ctx, result.Expired, result.Duration)

	if result.Expired > 0 {
		m.logger.Info("expiration complete",
			"expired", result.Expired,
			"cutoff", cutoff,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("expiration complete, nothing to expire")
	}

	return result
}
