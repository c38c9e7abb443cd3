package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"castpanel/internal/models"
	"castpanel/internal/observability/metrics"
	"castpanel/internal/sshpool"
)

var (
	// ErrManagerClosed is returned for enqueues made after Shutdown.
	ErrManagerClosed = errors.New("transfer: manager is closed")
	// ErrUnknownJob is returned when a cancel names a job that was never
	// enqueued.
	ErrUnknownJob = errors.New("transfer: unknown job")
)

// errPoolBusy routes a saturated-pool acquire back to the queue instead of
// burning a retry attempt.
var errPoolBusy = errors.New("transfer: host pool saturated")

// JobStore persists transfer job records.
type JobStore interface {
	CreateTransferJob(ctx context.Context, job models.TransferJob) (models.TransferJob, error)
	UpdateTransferJob(ctx context.Context, job models.TransferJob) error
	GetTransferJob(ctx context.Context, id string) (models.TransferJob, bool, error)
	ListTransferJobs(ctx context.Context, accountID string) ([]models.TransferJob, error)
	ListPendingTransferJobs(ctx context.Context) ([]models.TransferJob, error)
}

// CredentialSource resolves authentication material for a remote host.
type CredentialSource interface {
	TransferCredential(ctx context.Context, accountID, host string) (models.TransferCredential, error)
}

// Config tunes the worker pool and retry policy.
type Config struct {
	Workers          int
	MaxAttempts      int
	RetryInterval    time.Duration
	ProgressInterval int64
	FTPTimeout       time.Duration
	DestRoot         string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 4 << 20
	}
}

// EnqueueRequest describes a migration to queue.
type EnqueueRequest struct {
	AccountID  string
	SourceHost string
	SourcePath string
	DestPath   string
	Protocol   models.TransferProtocol
}

// Manager drains per-account job queues with a fixed set of workers.
type Manager struct {
	cfg      Config
	store    JobStore
	creds    CredentialSource
	queue    Queue
	fetchers map[models.TransferProtocol]fetcher
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu       sync.Mutex
	pending  map[string][]string
	rotation []string
	cursor   int
	canceled map[string]struct{}
	running  map[string]context.CancelFunc
	closed   bool
	started  bool

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewManager wires the worker pool against its collaborators. Call Start to
// launch the workers.
func NewManager(cfg Config, store JobStore, creds CredentialSource, pool *sshpool.Pool, queue Queue, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if queue == nil {
		queue = NewMemoryQueue(0)
	}
	return &Manager{
		cfg:   cfg,
		store: store,
		creds: creds,
		queue: queue,
		fetchers: map[models.TransferProtocol]fetcher{
			models.ProtocolSFTP: &sftpFetcher{pool: pool},
			models.ProtocolFTP:  &ftpFetcher{timeout: cfg.FTPTimeout},
		},
		logger:   logger,
		metrics:  metrics.Default(),
		pending:  make(map[string][]string),
		canceled: make(map[string]struct{}),
		running:  make(map[string]context.CancelFunc),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start recovers persisted unfinished jobs and launches the workers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	jobs, err := m.store.ListPendingTransferJobs(ctx)
	if err != nil {
		return fmt.Errorf("recover pending transfer jobs: %w", err)
	}
	for _, job := range jobs {
		if job.State == models.JobRunning {
			job.State = models.JobQueued
			if err := m.store.UpdateTransferJob(ctx, job); err != nil {
				m.logger.Warn("failed to requeue interrupted job", "job_id", job.ID, "error", err)
				continue
			}
		}
		m.push(job.AccountID, job.ID)
	}
	if len(jobs) > 0 {
		m.logger.Info("recovered pending transfer jobs", "count", len(jobs))
	}

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return nil
}

// Enqueue persists a new job at the back of the account's queue and returns
// it in Queued state.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (models.TransferJob, error) {
	if err := validateRequest(req); err != nil {
		return models.TransferJob{}, err
	}
	job := models.TransferJob{
		AccountID:  req.AccountID,
		SourceHost: req.SourceHost,
		SourcePath: req.SourcePath,
		DestPath:   req.DestPath,
		Protocol:   req.Protocol,
		State:      models.JobQueued,
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return models.TransferJob{}, ErrManagerClosed
	}
	m.mu.Unlock()

	created, err := m.store.CreateTransferJob(ctx, job)
	if err != nil {
		return models.TransferJob{}, fmt.Errorf("persist transfer job: %w", err)
	}
	m.push(created.AccountID, created.ID)
	m.metrics.TransferQueued()
	m.publish(ctx, created, EventTypeQueued, "")
	return created, nil
}

// Cancel requests a cooperative stop. Running jobs observe it at the next
// I/O checkpoint; queued jobs are removed immediately. Canceling a finished
// job is a no-op.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	if cancel, ok := m.running[jobID]; ok {
		m.canceled[jobID] = struct{}{}
		m.mu.Unlock()
		cancel()
		return nil
	}
	if m.removePendingLocked(jobID) {
		m.mu.Unlock()
		job, ok, err := m.store.GetTransferJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownJob
		}
		job.State = models.JobCanceled
		if err := m.store.UpdateTransferJob(ctx, job); err != nil {
			return err
		}
		m.metrics.TransferCanceled()
		m.publish(ctx, job, EventTypeCanceled, "")
		return nil
	}
	m.mu.Unlock()

	job, ok, err := m.store.GetTransferJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownJob
	}
	if job.State.Done() {
		return nil
	}
	// Unfinished but neither queued nor running here: another process owns
	// it. Mark the intent in the store.
	job.State = models.JobCanceled
	if err := m.store.UpdateTransferJob(ctx, job); err != nil {
		return err
	}
	m.publish(ctx, job, EventTypeCanceled, "")
	return nil
}

// Shutdown stops accepting work, cancels running jobs at their next
// checkpoint, and waits for the workers to drain or the context to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancels := make([]context.CancelFunc, 0, len(m.running))
	for _, cancel := range m.running {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()

	close(m.stop)
	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transfer shutdown: %w", ctx.Err())
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		jobID, ok := m.dequeue()
		if ok {
			m.runJob(jobID)
			continue
		}
		select {
		case <-m.stop:
			return
		case <-m.notify:
		}
	}
}

func (m *Manager) push(accountID, jobID string) {
	m.mu.Lock()
	if _, ok := m.pending[accountID]; !ok {
		m.rotation = append(m.rotation, accountID)
	}
	m.pending[accountID] = append(m.pending[accountID], jobID)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// dequeue pops the oldest job of the next account in rotation, keeping the
// draw fair across accounts while preserving per-account FIFO order.
func (m *Manager) dequeue() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for range m.rotation {
		if len(m.rotation) == 0 {
			break
		}
		m.cursor %= len(m.rotation)
		account := m.rotation[m.cursor]
		queue := m.pending[account]
		if len(queue) == 0 {
			delete(m.pending, account)
			m.rotation = append(m.rotation[:m.cursor], m.rotation[m.cursor+1:]...)
			continue
		}
		jobID := queue[0]
		if len(queue) == 1 {
			delete(m.pending, account)
			m.rotation = append(m.rotation[:m.cursor], m.rotation[m.cursor+1:]...)
		} else {
			m.pending[account] = queue[1:]
			m.cursor++
		}
		return jobID, true
	}
	return "", false
}

func (m *Manager) removePendingLocked(jobID string) bool {
	for account, queue := range m.pending {
		for i, id := range queue {
			if id != jobID {
				continue
			}
			m.pending[account] = append(queue[:i], queue[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) runJob(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	if _, ok := m.canceled[jobID]; ok {
		delete(m.canceled, jobID)
		m.mu.Unlock()
		m.finalizeCanceled(jobID)
		return
	}
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.running[jobID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, jobID)
		m.mu.Unlock()
	}()

	storeCtx := context.Background()
	job, ok, err := m.store.GetTransferJob(storeCtx, jobID)
	if err != nil || !ok {
		m.logger.Error("transfer job vanished from store", "job_id", jobID, "error", err)
		return
	}
	if job.State.Done() {
		return
	}

	err = m.execute(ctx, &job)
	switch {
	case err == nil:
		job.State = models.JobCompleted
		job.LastError = ""
		m.persist(storeCtx, &job)
		m.metrics.TransferCompleted()
		m.publish(storeCtx, job, EventTypeCompleted, "")
		m.logger.Info("transfer completed", "job_id", job.ID, "account_id", job.AccountID, "bytes", job.BytesTransferred)
	case errors.Is(err, errPoolBusy):
		job.State = models.JobQueued
		m.persist(storeCtx, &job)
		m.push(job.AccountID, job.ID)
		m.logger.Debug("transfer waiting for host slot", "job_id", job.ID, "host", job.SourceHost)
	case ctx.Err() != nil:
		m.mu.Lock()
		_, userCanceled := m.canceled[jobID]
		delete(m.canceled, jobID)
		closed := m.closed
		m.mu.Unlock()
		if userCanceled {
			job.State = models.JobCanceled
			m.persist(storeCtx, &job)
			m.metrics.TransferCanceled()
			m.publish(storeCtx, job, EventTypeCanceled, "")
			m.logger.Info("transfer canceled", "job_id", job.ID)
		} else if closed {
			// Interrupted by shutdown: park it for the next start.
			job.State = models.JobQueued
			m.persist(storeCtx, &job)
		}
	default:
		job.State = models.JobFailed
		job.LastError = err.Error()
		m.persist(storeCtx, &job)
		m.metrics.TransferFailed()
		m.publish(storeCtx, job, EventTypeFailed, err.Error())
		m.logger.Error("transfer failed", "job_id", job.ID, "attempts", job.Attempts, "error", err)
	}
}

func (m *Manager) finalizeCanceled(jobID string) {
	ctx := context.Background()
	job, ok, err := m.store.GetTransferJob(ctx, jobID)
	if err != nil || !ok || job.State.Done() {
		return
	}
	job.State = models.JobCanceled
	m.persist(ctx, &job)
	m.metrics.TransferCanceled()
	m.publish(ctx, job, EventTypeCanceled, "")
}

func (m *Manager) execute(ctx context.Context, job *models.TransferJob) error {
	fetch, ok := m.fetchers[job.Protocol]
	if !ok {
		return fmt.Errorf("unsupported transfer protocol %q", job.Protocol)
	}
	cred, err := m.creds.TransferCredential(ctx, job.AccountID, job.SourceHost)
	if err != nil {
		return fmt.Errorf("resolve transfer credential: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remote, err := fetch.Open(ctx, cred, job.SourcePath, job.BytesTransferred)
		if err != nil {
			if errors.Is(err, sshpool.ErrPoolExhausted) {
				return errPoolBusy
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if retryErr := m.noteAttempt(ctx, job, err); retryErr != nil {
				return retryErr
			}
			continue
		}

		if job.State != models.JobRunning {
			job.State = models.JobRunning
			job.TotalBytes = remote.size
			m.persist(ctx, job)
			m.metrics.TransferStarted()
			m.publish(ctx, *job, EventTypeRunning, "")
		} else {
			job.TotalBytes = remote.size
		}

		err = m.stream(ctx, job, remote)
		if err == nil {
			remote.close(false)
			return nil
		}
		remote.close(true)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if retryErr := m.noteAttempt(ctx, job, err); retryErr != nil {
			return retryErr
		}
	}
}

// noteAttempt records a failed attempt and either waits out the retry
// interval or returns the terminal error.
func (m *Manager) noteAttempt(ctx context.Context, job *models.TransferJob, cause error) error {
	job.Attempts++
	job.LastError = cause.Error()
	m.persist(ctx, job)
	if permanentFailure(cause) {
		return cause
	}
	if job.Attempts >= m.cfg.MaxAttempts {
		return fmt.Errorf("attempts exhausted: %w", cause)
	}
	m.logger.Warn("transfer attempt failed", "job_id", job.ID, "attempt", job.Attempts, "offset", job.BytesTransferred, "error", cause)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.RetryInterval):
		return nil
	}
}

func (m *Manager) stream(ctx context.Context, job *models.TransferJob, remote *remoteFile) error {
	path := m.localPath(*job)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("prepare destination: %w", err)
	}
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer dst.Close()
	if err := dst.Truncate(job.BytesTransferred); err != nil {
		return fmt.Errorf("truncate destination: %w", err)
	}
	if _, err := dst.Seek(job.BytesTransferred, io.SeekStart); err != nil {
		return fmt.Errorf("seek destination: %w", err)
	}

	buf := make([]byte, 128<<10)
	var sinceFlush int64
	for {
		select {
		case <-ctx.Done():
			m.persist(ctx, job)
			return ctx.Err()
		default:
		}
		n, readErr := remote.reader.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				m.persist(ctx, job)
				return fmt.Errorf("write destination: %w", writeErr)
			}
			job.BytesTransferred += int64(n)
			m.metrics.AddTransferBytes(int64(n))
			sinceFlush += int64(n)
			if sinceFlush >= m.cfg.ProgressInterval {
				sinceFlush = 0
				m.persist(ctx, job)
				m.publish(ctx, *job, EventTypeProgress, "")
			}
		}
		if readErr == io.EOF {
			if job.TotalBytes > 0 && job.BytesTransferred < job.TotalBytes {
				m.persist(ctx, job)
				return io.ErrUnexpectedEOF
			}
			if err := dst.Sync(); err != nil {
				return fmt.Errorf("sync destination: %w", err)
			}
			m.persist(ctx, job)
			return nil
		}
		if readErr != nil {
			m.persist(ctx, job)
			return fmt.Errorf("read source: %w", readErr)
		}
	}
}

func (m *Manager) localPath(job models.TransferJob) string {
	if filepath.IsAbs(job.DestPath) || m.cfg.DestRoot == "" {
		return job.DestPath
	}
	return filepath.Join(m.cfg.DestRoot, job.DestPath)
}

func (m *Manager) persist(ctx context.Context, job *models.TransferJob) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	job.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateTransferJob(ctx, *job); err != nil {
		m.logger.Warn("failed to persist transfer job", "job_id", job.ID, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, job models.TransferJob, eventType EventType, errMsg string) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	event := Event{
		Type:             eventType,
		JobID:            job.ID,
		AccountID:        job.AccountID,
		State:            job.State,
		BytesTransferred: job.BytesTransferred,
		TotalBytes:       job.TotalBytes,
		Attempt:          job.Attempts,
		Error:            errMsg,
		OccurredAt:       time.Now().UTC(),
	}
	if err := m.queue.Publish(ctx, event); err != nil {
		m.logger.Warn("failed to publish transfer event", "job_id", job.ID, "type", eventType, "error", err)
	}
}

func validateRequest(req EnqueueRequest) error {
	switch {
	case strings.TrimSpace(req.AccountID) == "":
		return errors.New("accountId is required")
	case strings.TrimSpace(req.SourceHost) == "":
		return errors.New("sourceHost is required")
	case strings.TrimSpace(req.SourcePath) == "":
		return errors.New("sourcePath is required")
	case strings.TrimSpace(req.DestPath) == "":
		return errors.New("destPath is required")
	}
	switch req.Protocol {
	case models.ProtocolSFTP, models.ProtocolFTP:
		return nil
	default:
		return fmt.Errorf("unsupported transfer protocol %q", req.Protocol)
	}
}
