package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	"castpanel/internal/models"
	"castpanel/internal/observability/metrics"
)

var (
	// ErrPoolExhausted is returned when a host's connection budget stays
	// full for the whole acquire window.
	ErrPoolExhausted = errors.New("sshpool: host connection budget exhausted")
	// ErrPoolClosed is returned for acquires made after Shutdown.
	ErrPoolClosed = errors.New("sshpool: pool is closed")
)

const keepaliveRequest = "keepalive@castpanel"

// Conn is the subset of *ssh.Client the pool manages. Production code always
// holds an *ssh.Client; tests substitute fakes.
type Conn interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

// DialFunc establishes a new SSH connection.
type DialFunc func(ctx context.Context, network, addr string, config *ssh.ClientConfig) (Conn, error)

// Config tunes pool behaviour.
type Config struct {
	MaxPerHost      int
	AcquireTimeout  time.Duration
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	DialTimeout     time.Duration
	HostKeyCallback ssh.HostKeyCallback
}

func (c *Config) applyDefaults() {
	if c.MaxPerHost <= 0 {
		c.MaxPerHost = 4
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

type idleConn struct {
	conn  Conn
	since time.Time
}

type hostPool struct {
	sem *semaphore.Weighted

	mu   sync.Mutex
	idle []idleConn
}

// Pool hands out SSH connections keyed by user, host and port.
type Pool struct {
	cfg     Config
	dial    DialFunc
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu     sync.Mutex
	hosts  map[string]*hostPool
	closed bool
	active sync.WaitGroup

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New constructs a pool and starts its idle sweeper.
func New(cfg Config, logger *slog.Logger) *Pool {
	return NewWithDialer(cfg, logger, dialSSH)
}

// NewWithDialer constructs a pool with a custom dial function.
func NewWithDialer(cfg Config, logger *slog.Logger, dial DialFunc) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = dialSSH
	}
	p := &Pool{
		cfg:       cfg,
		dial:      dial,
		logger:    logger,
		metrics:   metrics.Default(),
		hosts:     make(map[string]*hostPool),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Lease is a checked-out connection. Callers must return it with Release or
// Discard exactly once.
type Lease struct {
	pool *Pool
	host *hostPool
	key  string
	conn Conn
	done bool
}

// Conn exposes the underlying connection.
func (l *Lease) Conn() Conn {
	return l.conn
}

// Release returns a healthy connection to the idle set.
func (l *Lease) Release() {
	if l == nil || l.done {
		return
	}
	l.done = true
	l.pool.release(l, true)
}

// Discard closes the connection instead of recycling it. Use it after any
// transport error.
func (l *Lease) Discard() {
	if l == nil || l.done {
		return
	}
	l.done = true
	l.pool.release(l, false)
}

// Acquire checks out a connection to the credential's host, waiting up to the
// configured acquire timeout for a slot when the host budget is full.
func (p *Pool) Acquire(ctx context.Context, cred models.TransferCredential) (*Lease, error) {
	key := credentialKey(cred)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	hp, ok := p.hosts[key]
	if !ok {
		hp = &hostPool{sem: semaphore.NewWeighted(int64(p.cfg.MaxPerHost))}
		p.hosts[key] = hp
	}
	p.active.Add(1)
	p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	err := hp.sem.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		p.active.Done()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.metrics.PoolExhausted()
		return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, key)
	}

	if conn := p.reuseIdle(hp, key); conn != nil {
		return &Lease{pool: p, host: hp, key: key, conn: conn}, nil
	}

	conn, err := p.dialHost(ctx, cred)
	if err != nil {
		hp.sem.Release(1)
		p.active.Done()
		return nil, fmt.Errorf("dial %s: %w", key, err)
	}
	p.metrics.PoolConnectionOpened()
	return &Lease{pool: p, host: hp, key: key, conn: conn}, nil
}

// reuseIdle pops idle connections until one answers a keepalive probe. Dead
// connections are closed on the spot.
func (p *Pool) reuseIdle(hp *hostPool, key string) Conn {
	for {
		hp.mu.Lock()
		n := len(hp.idle)
		if n == 0 {
			hp.mu.Unlock()
			return nil
		}
		candidate := hp.idle[n-1]
		hp.idle = hp.idle[:n-1]
		hp.mu.Unlock()

		if _, _, err := candidate.conn.SendRequest(keepaliveRequest, true, nil); err != nil {
			p.logger.Debug("dropping stale pooled connection", "host", key, "error", err)
			candidate.conn.Close()
			p.metrics.PoolConnectionClosed()
			continue
		}
		return candidate.conn
	}
}

func (p *Pool) dialHost(ctx context.Context, cred models.TransferCredential) (Conn, error) {
	config, err := clientConfig(cred, p.cfg.HostKeyCallback, p.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()
	return p.dial(dialCtx, "tcp", credentialAddr(cred), config)
}

func (p *Pool) release(l *Lease, healthy bool) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if healthy && !closed {
		l.host.mu.Lock()
		l.host.idle = append(l.host.idle, idleConn{conn: l.conn, since: time.Now()})
		l.host.mu.Unlock()
	} else {
		l.conn.Close()
		p.metrics.PoolConnectionClosed()
	}
	l.host.sem.Release(1)
	p.active.Done()
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.sweepIdle(time.Now())
		}
	}
}

// sweepIdle closes idle connections older than the idle timeout.
func (p *Pool) sweepIdle(now time.Time) {
	p.mu.Lock()
	pools := make([]*hostPool, 0, len(p.hosts))
	for _, hp := range p.hosts {
		pools = append(pools, hp)
	}
	p.mu.Unlock()

	for _, hp := range pools {
		var expired []Conn
		hp.mu.Lock()
		kept := hp.idle[:0]
		for _, entry := range hp.idle {
			if now.Sub(entry.since) >= p.cfg.IdleTimeout {
				expired = append(expired, entry.conn)
			} else {
				kept = append(kept, entry)
			}
		}
		hp.idle = kept
		hp.mu.Unlock()

		for _, conn := range expired {
			conn.Close()
			p.metrics.PoolConnectionClosed()
		}
	}
}

// Shutdown refuses further acquires, closes idle connections, and waits for
// outstanding leases to come back or the context to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pools := make([]*hostPool, 0, len(p.hosts))
	for _, hp := range p.hosts {
		pools = append(pools, hp)
	}
	p.mu.Unlock()

	close(p.sweepStop)
	<-p.sweepDone

	for _, hp := range pools {
		hp.mu.Lock()
		idle := hp.idle
		hp.idle = nil
		hp.mu.Unlock()
		for _, entry := range idle {
			entry.conn.Close()
			p.metrics.PoolConnectionClosed()
		}
	}

	returned := make(chan struct{})
	go func() {
		p.active.Wait()
		close(returned)
	}()
	select {
	case <-returned:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sshpool shutdown: %w", ctx.Err())
	}
}

func credentialKey(cred models.TransferCredential) string {
	return fmt.Sprintf("%s@%s", cred.Username, credentialAddr(cred))
}

func credentialAddr(cred models.TransferCredential) string {
	port := cred.Port
	if port <= 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", cred.Host, port)
}

func clientConfig(cred models.TransferCredential, hostKeys ssh.HostKeyCallback, timeout time.Duration) (*ssh.ClientConfig, error) {
	if strings.TrimSpace(cred.Host) == "" {
		return nil, errors.New("transfer credential is missing a host")
	}
	if strings.TrimSpace(cred.Username) == "" {
		return nil, errors.New("transfer credential is missing a username")
	}
	var methods []ssh.AuthMethod
	if cred.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		methods = append(methods, ssh.Password(cred.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("transfer credential carries no auth material")
	}
	if hostKeys == nil {
		hostKeys = ssh.InsecureIgnoreHostKey()
	}
	return &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

func dialSSH(ctx context.Context, network, addr string, config *ssh.ClientConfig) (Conn, error) {
	dialer := net.Dialer{Timeout: config.Timeout}
	netConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}
