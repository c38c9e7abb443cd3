package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"castpanel/internal/models"
	"castpanel/internal/sshpool"
)

type memJobStore struct {
	mu    sync.Mutex
	seq   int
	jobs  map[string]models.TransferJob
	order []string
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]models.TransferJob)}
}

func (s *memJobStore) CreateTransferJob(ctx context.Context, job models.TransferJob) (models.TransferJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	job.ID = fmt.Sprintf("job-%d", s.seq)
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return job, nil
}

func (s *memJobStore) UpdateTransferJob(ctx context.Context, job models.TransferJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s not found", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *memJobStore) GetTransferJob(ctx context.Context, id string) (models.TransferJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *memJobStore) ListTransferJobs(ctx context.Context, accountID string) ([]models.TransferJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TransferJob
	for _, id := range s.order {
		job := s.jobs[id]
		if job.AccountID == accountID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *memJobStore) ListPendingTransferJobs(ctx context.Context) ([]models.TransferJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TransferJob
	for _, id := range s.order {
		job := s.jobs[id]
		if !job.State.Done() {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *memJobStore) seed(job models.TransferJob) models.TransferJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	job.ID = fmt.Sprintf("job-%d", s.seq)
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return job
}

type staticCreds struct{}

func (staticCreds) TransferCredential(ctx context.Context, accountID, host string) (models.TransferCredential, error) {
	return models.TransferCredential{Host: host, Port: 22, Username: "panel", Password: "secret"}, nil
}

// scriptedRead mimics a remote stream: it serves content from the requested
// offset and can be told to fail partway through.
type scriptedRead struct {
	data      []byte
	pos       int
	failAfter int
	failErr   error
	delay     time.Duration
	chunk     int
}

func (r *scriptedRead) Read(p []byte) (int, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.failErr != nil && r.pos >= r.failAfter {
		return 0, r.failErr
	}
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	limit := len(p)
	if r.chunk > 0 && limit > r.chunk {
		limit = r.chunk
	}
	if r.failErr != nil && r.pos+limit > r.failAfter {
		limit = r.failAfter - r.pos
	}
	if r.pos+limit > len(r.data) {
		limit = len(r.data) - r.pos
	}
	n := copy(p, r.data[r.pos:r.pos+limit])
	r.pos += n
	return n, nil
}

type scriptedOpen struct {
	err       error
	failAfter int
	failErr   error
	delay     time.Duration
	chunk     int
}

type scriptedFetcher struct {
	mu      sync.Mutex
	content []byte
	script  []scriptedOpen
	opens   []int64
	paths   []string
}

func (f *scriptedFetcher) Open(ctx context.Context, cred models.TransferCredential, path string, offset int64) (*remoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, offset)
	f.paths = append(f.paths, path)
	// The last script step is sticky so a scripted failure repeats on
	// every further open.
	step := scriptedOpen{}
	if len(f.script) > 0 {
		step = f.script[0]
		if len(f.script) > 1 {
			f.script = f.script[1:]
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	reader := &scriptedRead{
		data:  f.content[offset:],
		delay: step.delay,
		chunk: step.chunk,
	}
	if step.failErr != nil && int64(step.failAfter) > offset {
		reader.failAfter = step.failAfter - int(offset)
		reader.failErr = step.failErr
	}
	return &remoteFile{reader: reader, size: int64(len(f.content)), close: func(bool) {}}, nil
}

func (f *scriptedFetcher) openOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.opens...)
}

func newTestManager(t *testing.T, cfg Config, fetch fetcher) (*Manager, *memJobStore) {
	t.Helper()
	if cfg.DestRoot == "" {
		cfg.DestRoot = t.TempDir()
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	store := newMemJobStore()
	manager := NewManager(cfg, store, staticCreds{}, nil, NewMemoryQueue(16), nil)
	manager.fetchers = map[models.TransferProtocol]fetcher{
		models.ProtocolSFTP: fetch,
		models.ProtocolFTP:  fetch,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})
	return manager, store
}

func waitForState(t *testing.T, store *memJobStore, jobID string, want models.JobState) models.TransferJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, _ := store.GetTransferJob(context.Background(), jobID)
		if ok && job.State == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _, _ := store.GetTransferJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last state %s (error %q)", jobID, want, job.State, job.LastError)
	return models.TransferJob{}
}

// TestEnqueueRunsJobToCompletion verifies a queued job streams every byte to
// the destination and finishes Completed.
func TestEnqueueRunsJobToCompletion(t *testing.T) {
	content := bytes.Repeat([]byte("castpanel"), 4096)
	fetch := &scriptedFetcher{content: content}
	destRoot := t.TempDir()
	manager, store := newTestManager(t, Config{Workers: 1, DestRoot: destRoot}, fetch)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	job, err := manager.Enqueue(context.Background(), EnqueueRequest{
		AccountID:  "acct-1",
		SourceHost: "media-archive.example",
		SourcePath: "/recordings/show.mp4",
		DestPath:   "show.mp4",
		Protocol:   models.ProtocolSFTP,
	})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if job.State != models.JobQueued {
		t.Fatalf("expected queued state, got %s", job.State)
	}

	final := waitForState(t, store, job.ID, models.JobCompleted)
	if final.BytesTransferred != int64(len(content)) {
		t.Fatalf("expected %d bytes, got %d", len(content), final.BytesTransferred)
	}
	if final.TotalBytes != int64(len(content)) {
		t.Fatalf("expected total %d, got %d", len(content), final.TotalBytes)
	}
	written, err := os.ReadFile(filepath.Join(destRoot, "show.mp4"))
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if !bytes.Equal(written, content) {
		t.Fatal("destination content does not match source")
	}
}

// TestTransferResumesFromOffset verifies a mid-stream failure retries from
// the last acknowledged byte instead of zero.
func TestTransferResumesFromOffset(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 2000)
	half := len(content) / 2
	fetch := &scriptedFetcher{
		content: content,
		script: []scriptedOpen{
			{failAfter: half, failErr: errors.New("connection reset by peer")},
			{},
		},
	}
	destRoot := t.TempDir()
	manager, store := newTestManager(t, Config{Workers: 1, MaxAttempts: 3, DestRoot: destRoot}, fetch)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	job, err := manager.Enqueue(context.Background(), EnqueueRequest{
		AccountID:  "acct-1",
		SourceHost: "media-archive.example",
		SourcePath: "/recordings/show.mp4",
		DestPath:   "show.mp4",
		Protocol:   models.ProtocolSFTP,
	})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	final := waitForState(t, store, job.ID, models.JobCompleted)
	if final.Attempts != 1 {
		t.Fatalf("expected 1 recorded attempt, got %d", final.Attempts)
	}
	offsets := fetch.openOffsets()
	if len(offsets) != 2 {
		t.Fatalf("expected 2 opens, got %v", offsets)
	}
	if offsets[0] != 0 || offsets[1] != int64(half) {
		t.Fatalf("expected resume from %d, got opens %v", half, offsets)
	}
	written, err := os.ReadFile(filepath.Join(destRoot, "show.mp4"))
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if !bytes.Equal(written, content) {
		t.Fatal("resumed destination content does not match source")
	}
}

// TestPermanentErrorFailsWithoutRetry verifies authentication failures do not
// consume the retry budget.
func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	fetch := &scriptedFetcher{
		content: []byte("payload"),
		script: []scriptedOpen{
			{err: errors.New("ssh: unable to authenticate")},
		},
	}
	manager, store := newTestManager(t, Config{Workers: 1, MaxAttempts: 5}, fetch)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	job, err := manager.Enqueue(context.Background(), EnqueueRequest{
		AccountID:  "acct-1",
		SourceHost: "media-archive.example",
		SourcePath: "/recordings/show.mp4",
		DestPath:   "show.mp4",
		Protocol:   models.ProtocolSFTP,
	})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	final := waitForState(t, store, job.ID, models.JobFailed)
	if final.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", final.Attempts)
	}
	if len(fetch.openOffsets()) != 1 {
		t.Fatalf("expected one open, got %v", fetch.openOffsets())
	}
}

// TestTransientErrorsExhaustAttempts verifies repeated transient failures end
// in Failed after the configured attempt count.
func TestTransientErrorsExhaustAttempts(t *testing.T) {
	fetch := &scriptedFetcher{
		content: []byte("payload"),
		script: []scriptedOpen{
			{err: errors.New("connection reset")},
		},
	}
	manager, store := newTestManager(t, Config{Workers: 1, MaxAttempts: 3}, fetch)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	job, err := manager.Enqueue(context.Background(), EnqueueRequest{
		AccountID:  "acct-1",
		SourceHost: "media-archive.example",
		SourcePath: "/recordings/show.mp4",
		DestPath:   "show.mp4",
		Protocol:   models.ProtocolSFTP,
	})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	final := waitForState(t, store, job.ID, models.JobFailed)
	if final.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", final.Attempts)
	}
}

// TestPoolSaturationRequeuesWithoutAttempt verifies a saturated host pool
// parks the job as Queued instead of charging an attempt.
func TestPoolSaturationRequeuesWithoutAttempt(t *testing.T) {
	fetch := &scriptedFetcher{
		content: []byte("payload"),
		script: []scriptedOpen{
			{err: fmt.Errorf("wrapped: %w", sshpool.ErrPoolExhausted)},
			{},
		},
	}
	manager, store := newTestManager(t, Config{Workers: 1, MaxAttempts: 3}, fetch)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	job, err := manager.Enqueue(context.Background(), EnqueueRequest{
		AccountID:  "acct-1",
		SourceHost: "media-archive.example",
		SourcePath: "/recordings/show.mp4",
		DestPath:   "show.mp4",
		Protocol:   models.ProtocolSFTP,
	})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	final := waitForState(t, store, job.ID, models.JobCompleted)
	if final.Attempts != 0 {
		t.Fatalf("expected no charged attempts, got %d", final.Attempts)
	}
	if len(fetch.openOffsets()) != 2 {
		t.Fatalf("expected a requeue and a second open, got %v", fetch.openOffsets())
	}
}

// TestCancelQueuedJobBeforeStart verifies a queued job can be canceled before
// a worker picks it up.
func TestCancelQueuedJobBeforeStart(t *testing.T) {
	fetch := &scriptedFetcher{content: []byte("payload")}
	manager, store := newTestManager(t, Config{Workers: 1}, fetch)

	job, err := manager.Enqueue(context.Background(), EnqueueRequest{
		AccountID:  "acct-1",
		SourceHost: "media-archive.example",
		SourcePath: "/recordings/show.mp4",
		DestPath:   "show.mp4",
		Protocol:   models.ProtocolSFTP,
	})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if err := manager.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	got, _, _ := store.GetTransferJob(context.Background(), job.ID)
	if got.State != models.JobCanceled {
		t.Fatalf("expected canceled state, got %s", got.State)
	}
	if len(fetch.openOffsets()) != 0 {
		t.Fatal("expected no opens for a canceled queued job")
	}
}

// TestCancelRunningJobStopsAtCheckpoint verifies a running job observes the
// cancel at its next read checkpoint.
func TestCancelRunningJobStopsAtCheckpoint(t *testing.T) {
	fetch := &scriptedFetcher{
		content: bytes.Repeat([]byte("x"), 1<<20),
		script: []scriptedOpen{
			{delay: 2 * time.Millisecond, chunk: 1024},
		},
	}
	manager, store := newTestManager(t, Config{Workers: 1}, fetch)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	job, err := manager.Enqueue(context.Background(), EnqueueRequest{
		AccountID:  "acct-1",
		SourceHost: "media-archive.example",
		SourcePath: "/recordings/show.mp4",
		DestPath:   "show.mp4",
		Protocol:   models.ProtocolSFTP,
	})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	waitForState(t, store, job.ID, models.JobRunning)
	if err := manager.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	final := waitForState(t, store, job.ID, models.JobCanceled)
	if final.BytesTransferred >= final.TotalBytes {
		t.Fatal("expected cancellation before the stream finished")
	}
}

// TestCancelFinishedJobIsNoOp verifies canceling a completed job leaves it
// untouched.
func TestCancelFinishedJobIsNoOp(t *testing.T) {
	fetch := &scriptedFetcher{content: []byte("payload")}
	manager, store := newTestManager(t, Config{Workers: 1}, fetch)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	job, err := manager.Enqueue(context.Background(), EnqueueRequest{
		AccountID:  "acct-1",
		SourceHost: "media-archive.example",
		SourcePath: "/recordings/show.mp4",
		DestPath:   "show.mp4",
		Protocol:   models.ProtocolSFTP,
	})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	waitForState(t, store, job.ID, models.JobCompleted)

	if err := manager.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel on finished job returned error: %v", err)
	}
	got, _, _ := store.GetTransferJob(context.Background(), job.ID)
	if got.State != models.JobCompleted {
		t.Fatalf("expected completed state to stick, got %s", got.State)
	}
}

// TestCancelUnknownJobReturnsError verifies cancels for jobs that never
// existed are reported.
func TestCancelUnknownJobReturnsError(t *testing.T) {
	fetch := &scriptedFetcher{content: []byte("payload")}
	manager, _ := newTestManager(t, Config{Workers: 1}, fetch)

	if err := manager.Cancel(context.Background(), "job-missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

// TestJobsForOneAccountRunInOrder verifies per-account FIFO dispatch with a
// single worker.
func TestJobsForOneAccountRunInOrder(t *testing.T) {
	fetch := &scriptedFetcher{content: []byte("payload")}
	manager, store := newTestManager(t, Config{Workers: 1}, fetch)

	var ids []string
	for i := 1; i <= 3; i++ {
		job, err := manager.Enqueue(context.Background(), EnqueueRequest{
			AccountID:  "acct-1",
			SourceHost: "media-archive.example",
			SourcePath: fmt.Sprintf("/recordings/part-%d.mp4", i),
			DestPath:   fmt.Sprintf("part-%d.mp4", i),
			Protocol:   models.ProtocolSFTP,
		})
		if err != nil {
			t.Fatalf("Enqueue returned error: %v", err)
		}
		ids = append(ids, job.ID)
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	for _, id := range ids {
		waitForState(t, store, id, models.JobCompleted)
	}

	fetch.mu.Lock()
	paths := append([]string(nil), fetch.paths...)
	fetch.mu.Unlock()
	want := []string{"/recordings/part-1.mp4", "/recordings/part-2.mp4", "/recordings/part-3.mp4"}
	if len(paths) != len(want) {
		t.Fatalf("expected %d opens, got %v", len(want), paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, paths)
		}
	}
}

// TestStartRecoversPersistedJobs verifies unfinished jobs found in the store
// are requeued and completed after a restart.
func TestStartRecoversPersistedJobs(t *testing.T) {
	content := []byte("recovered payload")
	fetch := &scriptedFetcher{content: content}
	manager, store := newTestManager(t, Config{Workers: 1}, fetch)

	seeded := store.seed(models.TransferJob{
		AccountID:  "acct-1",
		SourceHost: "media-archive.example",
		SourcePath: "/recordings/show.mp4",
		DestPath:   "show.mp4",
		Protocol:   models.ProtocolSFTP,
		State:      models.JobRunning,
	})

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	final := waitForState(t, store, seeded.ID, models.JobCompleted)
	if final.BytesTransferred != int64(len(content)) {
		t.Fatalf("expected %d bytes, got %d", len(content), final.BytesTransferred)
	}
}

// TestShutdownParksRunningJobAsQueued verifies shutdown interrupts a running
// job and leaves it Queued for the next start.
func TestShutdownParksRunningJobAsQueued(t *testing.T) {
	fetch := &scriptedFetcher{
		content: bytes.Repeat([]byte("x"), 1<<20),
		script: []scriptedOpen{
			{delay: 2 * time.Millisecond, chunk: 1024},
		},
	}
	manager, store := newTestManager(t, Config{Workers: 1}, fetch)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	job, err := manager.Enqueue(context.Background(), EnqueueRequest{
		AccountID:  "acct-1",
		SourceHost: "media-archive.example",
		SourcePath: "/recordings/show.mp4",
		DestPath:   "show.mp4",
		Protocol:   models.ProtocolSFTP,
	})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	waitForState(t, store, job.ID, models.JobRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	got, _, _ := store.GetTransferJob(context.Background(), job.ID)
	if got.State != models.JobQueued {
		t.Fatalf("expected interrupted job to be queued, got %s", got.State)
	}
	if _, err := manager.Enqueue(context.Background(), EnqueueRequest{
		AccountID:  "acct-1",
		SourceHost: "media-archive.example",
		SourcePath: "/x",
		DestPath:   "x",
		Protocol:   models.ProtocolSFTP,
	}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

// TestEnqueueValidatesRequest verifies malformed requests are rejected before
// touching the store.
func TestEnqueueValidatesRequest(t *testing.T) {
	fetch := &scriptedFetcher{content: []byte("payload")}
	manager, _ := newTestManager(t, Config{Workers: 1}, fetch)

	cases := []EnqueueRequest{
		{SourceHost: "h", SourcePath: "/a", DestPath: "a", Protocol: models.ProtocolSFTP},
		{AccountID: "acct-1", SourcePath: "/a", DestPath: "a", Protocol: models.ProtocolSFTP},
		{AccountID: "acct-1", SourceHost: "h", DestPath: "a", Protocol: models.ProtocolSFTP},
		{AccountID: "acct-1", SourceHost: "h", SourcePath: "/a", Protocol: models.ProtocolSFTP},
		{AccountID: "acct-1", SourceHost: "h", SourcePath: "/a", DestPath: "a", Protocol: "scp"},
	}
	for _, req := range cases {
		if _, err := manager.Enqueue(context.Background(), req); err == nil {
			t.Fatalf("expected validation error for %+v", req)
		}
	}
}

type boundedConn struct{}

func (boundedConn) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	return true, nil, nil
}

func (boundedConn) Close() error { return nil }

// pooledFetcher checks a real pool lease out per open and records how many
// opens overlap.
type pooledFetcher struct {
	pool    *sshpool.Pool
	content []byte

	mu     sync.Mutex
	active int
	peak   int
}

func (f *pooledFetcher) Open(ctx context.Context, cred models.TransferCredential, path string, offset int64) (*remoteFile, error) {
	lease, err := f.pool.Acquire(ctx, cred)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	reader := &scriptedRead{data: f.content[offset:], delay: time.Millisecond, chunk: 64}
	return &remoteFile{
		reader: reader,
		size:   int64(len(f.content)),
		close: func(broken bool) {
			f.mu.Lock()
			f.active--
			f.mu.Unlock()
			if broken {
				lease.Discard()
			} else {
				lease.Release()
			}
		},
	}, nil
}

func (f *pooledFetcher) peakActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// TestHostPoolBoundsConcurrentTransfers runs five jobs for one host through
// workers backed by a real pool with a budget of two connections, and checks
// the budget caps concurrency while every job still completes.
func TestHostPoolBoundsConcurrentTransfers(t *testing.T) {
	pool := sshpool.NewWithDialer(sshpool.Config{
		MaxPerHost:     2,
		AcquireTimeout: 5 * time.Second,
		SweepInterval:  time.Hour,
	}, nil, func(ctx context.Context, network, addr string, config *ssh.ClientConfig) (sshpool.Conn, error) {
		return boundedConn{}, nil
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	fetch := &pooledFetcher{pool: pool, content: bytes.Repeat([]byte("castpanel"), 512)}
	manager, store := newTestManager(t, Config{Workers: 5, MaxAttempts: 3}, fetch)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	var jobIDs []string
	for i := 0; i < 5; i++ {
		job, err := manager.Enqueue(context.Background(), EnqueueRequest{
			AccountID:  fmt.Sprintf("acct-%d", i),
			SourceHost: "media-archive.example",
			SourcePath: fmt.Sprintf("/recordings/show-%d.mp4", i),
			DestPath:   fmt.Sprintf("show-%d.mp4", i),
			Protocol:   models.ProtocolSFTP,
		})
		if err != nil {
			t.Fatalf("Enqueue %d returned error: %v", i, err)
		}
		jobIDs = append(jobIDs, job.ID)
	}

	for _, id := range jobIDs {
		waitForState(t, store, id, models.JobCompleted)
	}
	if peak := fetch.peakActive(); peak > 2 {
		t.Fatalf("host budget of 2 was exceeded, peak concurrency %d", peak)
	}
}
