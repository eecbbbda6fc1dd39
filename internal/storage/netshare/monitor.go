package netshare

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/stratafs/stratafs/pkg/types"
)

// DefaultProbeTimeout bounds every connectivity probe so a stalled
// share cannot block listing or metadata calls to unrelated sources.
const DefaultProbeTimeout = 5 * time.Second

// DefaultFailureThreshold is the number of consecutive probe failures
// after which the source drops into the Error state and calls fail
// fast without re-probing.
const DefaultFailureThreshold = 3

// Prober checks reachability of a share. The production prober stats
// the mount point; tests substitute their own.
type Prober func(ctx context.Context) error

// Monitor owns the connection state machine for one network share:
// Disconnected -> Connecting -> Connected on success, -> Error after
// repeated consecutive failures, with exponential backoff between
// retries.
type Monitor struct {
	mu        sync.Mutex
	status    types.ConnectionStatus
	failures  int
	threshold int
	timeout   time.Duration
	probe     Prober
	backoff   *backoff.ExponentialBackOff
	nextRetry time.Time
	lastErr   error
	logger    *zap.Logger
}

// MonitorOption customizes a Monitor.
type MonitorOption func(*Monitor)

// WithProber replaces the default mount-point stat probe.
func WithProber(p Prober) MonitorOption {
	return func(m *Monitor) { m.probe = p }
}

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.timeout = d }
}

// WithFailureThreshold overrides the consecutive-failure limit.
func WithFailureThreshold(n int) MonitorOption {
	return func(m *Monitor) { m.threshold = n }
}

// NewMonitor builds a monitor for the given mount point.
func NewMonitor(mountPoint string, logger *zap.Logger, opts ...MonitorOption) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0 // retry indefinitely

	m := &Monitor{
		status:    types.StatusDisconnected,
		threshold: DefaultFailureThreshold,
		timeout:   DefaultProbeTimeout,
		backoff:   bo,
		logger:    logger.With(zap.String("mount", mountPoint)),
	}
	m.probe = func(ctx context.Context) error {
		_, err := os.Stat(mountPoint)
		return err
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns the current connection state and the last probe error.
func (m *Monitor) Status() (types.ConnectionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.lastErr
}

// Check runs one probe cycle if the state machine allows it and reports
// whether the share is usable. Once in Error, Check waits out the
// backoff interval before probing again; within the interval it
// returns false immediately.
func (m *Monitor) Check(ctx context.Context) bool {
	m.mu.Lock()
	if m.status == types.StatusError && time.Now().Before(m.nextRetry) {
		m.mu.Unlock()
		return false
	}
	if m.status != types.StatusConnected {
		m.status = types.StatusConnecting
	}
	probe := m.probe
	timeout := m.timeout
	m.mu.Unlock()

	err := m.runProbe(ctx, probe, timeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.status = types.StatusConnected
		m.failures = 0
		m.lastErr = nil
		m.backoff.Reset()
		return true
	}

	m.failures++
	m.lastErr = err
	if m.failures >= m.threshold {
		if m.status != types.StatusError {
			m.logger.Warn("share unreachable, failing fast",
				zap.Int("consecutive_failures", m.failures), zap.Error(err))
		}
		m.status = types.StatusError
		m.nextRetry = time.Now().Add(m.backoff.NextBackOff())
	} else {
		m.status = types.StatusDisconnected
	}
	return false
}

// runProbe bounds the probe with the configured timeout. The probe
// itself may block past cancellation; the goroutine is left to finish
// on its own.
func (m *Monitor) runProbe(ctx context.Context, probe Prober, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- probe(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
