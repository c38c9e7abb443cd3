package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"castpanel/internal/models"
	"castpanel/internal/observability/metrics"
)

var (
	// ErrAlreadyConnecting is returned when a connect races an active task
	// for the same target.
	ErrAlreadyConnecting = errors.New("relay: target already has an active task")
	// ErrUnknownTarget is returned when an operation names a target the
	// manager has never seen.
	ErrUnknownTarget = errors.New("relay: unknown target")
)

// Config tunes the per-target retry and heartbeat behaviour.
type Config struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
}

// Manager owns one connect task per platform target.
type Manager struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu    sync.Mutex
	tasks map[string]*task
}

// NewManager wires the relay fan-out against a dialer.
func NewManager(cfg Config, dialer Dialer, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger,
		metrics: metrics.Default(),
		tasks:   make(map[string]*task),
	}
}

type task struct {
	session models.StreamSession
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	target models.PlatformTarget
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *task) snapshot() models.PlatformTarget {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target
}

func (t *task) update(fn func(*models.PlatformTarget)) {
	t.mu.Lock()
	fn(&t.target)
	t.mu.Unlock()
}

// Connect spawns an independent connect task for the target. A second
// connect while the target's task is still running is rejected.
func (m *Manager) Connect(session models.StreamSession, target models.PlatformTarget) error {
	m.mu.Lock()
	if existing, ok := m.tasks[target.ID]; ok && !existing.finished() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnecting, target.ID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	target.State = models.TargetConnecting
	target.RetryCount = 0
	target.LastError = ""
	t := &task{
		session: session,
		cancel:  cancel,
		done:    make(chan struct{}),
		target:  target,
	}
	m.tasks[target.ID] = t
	m.mu.Unlock()

	go m.run(ctx, t)
	return nil
}

// Reconnect starts a fresh attempt generation for a target that settled in
// Error. The stored session and credentials are reused.
func (m *Manager) Reconnect(targetID string) error {
	m.mu.Lock()
	t, ok := m.tasks[targetID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	if !t.finished() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnecting, targetID)
	}
	m.mu.Unlock()
	return m.Connect(t.session, t.snapshot())
}

// Disconnect cancels the target's task, waits for it to observe the
// cancellation, and forgets the target.
func (m *Manager) Disconnect(ctx context.Context, targetID string) error {
	m.mu.Lock()
	t, ok := m.tasks[targetID]
	if ok {
		delete(m.tasks, targetID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DisconnectAll tears down every target belonging to the session and waits
// until each task has observed its cancellation.
func (m *Manager) DisconnectAll(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	var doomed []*task
	for id, t := range m.tasks {
		if t.session.ID == sessionID {
			doomed = append(doomed, t)
			delete(m.tasks, id)
		}
	}
	m.mu.Unlock()

	for _, t := range doomed {
		t.cancel()
	}
	for _, t := range doomed {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// TargetStates returns a snapshot of every target belonging to the session,
// ordered by target ID for stable output.
func (m *Manager) TargetStates(sessionID string) []models.PlatformTarget {
	m.mu.Lock()
	var out []models.PlatformTarget
	for _, t := range m.tasks {
		if t.session.ID == sessionID {
			out = append(out, t.snapshot())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// run is one attempt generation: connect with bounded backoff, then
// heartbeat until cancellation or a dropped relay.
func (m *Manager) run(ctx context.Context, t *task) {
	defer close(t.done)
	defer t.cancel()

	target := t.snapshot()
	platform := string(target.Platform)
	backoff := m.cfg.InitialBackoff

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			m.settleDisconnected(t)
			return
		}
		t.update(func(pt *models.PlatformTarget) {
			pt.State = models.TargetConnecting
			pt.RetryCount = attempt - 1
		})

		m.metrics.ObserveRelayAttempt(platform)
		connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		link, err := m.dialer.Connect(connectCtx, t.session, target)
		cancel()
		if err != nil {
			m.metrics.ObserveRelayFailure(platform)
			if ctx.Err() != nil {
				m.settleDisconnected(t)
				return
			}
			t.update(func(pt *models.PlatformTarget) {
				pt.State = models.TargetError
				pt.RetryCount = attempt
				pt.LastError = err.Error()
			})
			if attempt == m.cfg.MaxAttempts {
				m.logger.Error("relay attempts exhausted", "target_id", target.ID, "platform", platform, "attempts", attempt, "error", err)
				return
			}
			m.logger.Warn("relay connect failed", "target_id", target.ID, "platform", platform, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				m.settleDisconnected(t)
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > m.cfg.MaxBackoff {
				backoff = m.cfg.MaxBackoff
			}
			continue
		}

		t.update(func(pt *models.PlatformTarget) {
			pt.State = models.TargetConnected
			pt.LastError = ""
		})
		m.metrics.RelayConnected()
		m.logger.Info("relay connected", "target_id", target.ID, "platform", platform, "attempt", attempt)

		hbErr := m.heartbeat(ctx, link)
		m.closeLink(link)
		m.metrics.RelayDisconnected()

		if ctx.Err() != nil {
			m.settleDisconnected(t)
			return
		}
		// The relay dropped after being connected. Spend another attempt
		// on it.
		m.metrics.ObserveRelayFailure(platform)
		t.update(func(pt *models.PlatformTarget) {
			pt.State = models.TargetError
			pt.RetryCount = attempt
			pt.LastError = hbErr.Error()
		})
		if attempt == m.cfg.MaxAttempts {
			m.logger.Error("relay dropped and attempts exhausted", "target_id", target.ID, "platform", platform, "error", hbErr)
			return
		}
		m.logger.Warn("relay dropped", "target_id", target.ID, "platform", platform, "error", hbErr)
		select {
		case <-ctx.Done():
			m.settleDisconnected(t)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.cfg.MaxBackoff {
			backoff = m.cfg.MaxBackoff
		}
	}
}

// heartbeat probes the link until cancellation or a failed probe. It returns
// the probe error, or nil when the context ended.
func (m *Manager) heartbeat(ctx context.Context, link Link) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
			err := link.Heartbeat(probeCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (m *Manager) closeLink(link Link) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := link.Close(ctx); err != nil {
		m.logger.Warn("relay teardown failed", "error", err)
	}
}

func (m *Manager) settleDisconnected(t *task) {
	t.update(func(pt *models.PlatformTarget) {
		pt.State = models.TargetDisconnected
	})
}
