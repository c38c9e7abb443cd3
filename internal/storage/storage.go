package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"castpanel/internal/models"
)

const (
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordHashIterations = 120000
)

// storedPlatformCredential mirrors models.PlatformCredential with the stream
// key included. The model hides the key from JSON so API responses never leak
// it; the store file still has to carry it.
type storedPlatformCredential struct {
	ID        string              `json:"id"`
	AccountID string              `json:"accountId"`
	Platform  models.PlatformKind `json:"platform"`
	RTMPURL   string              `json:"rtmpUrl"`
	StreamKey string              `json:"streamKey"`
	Enabled   bool                `json:"enabled"`
	CreatedAt time.Time           `json:"createdAt"`
}

func (c storedPlatformCredential) toModel() models.PlatformCredential {
	return models.PlatformCredential{
		ID:        c.ID,
		AccountID: c.AccountID,
		Platform:  c.Platform,
		RTMPURL:   c.RTMPURL,
		StreamKey: c.StreamKey,
		Enabled:   c.Enabled,
		CreatedAt: c.CreatedAt,
	}
}

// storedTransferCredential mirrors models.TransferCredential with the secret
// material included for the same reason.
type storedTransferCredential struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
}

func (c storedTransferCredential) toModel() models.TransferCredential {
	return models.TransferCredential{
		Host:       c.Host,
		Port:       c.Port,
		Username:   c.Username,
		Password:   c.Password,
		PrivateKey: c.PrivateKey,
	}
}

type dataset struct {
	Accounts            map[string]models.Account                      `json:"accounts"`
	PlatformCredentials map[string]storedPlatformCredential            `json:"platformCredentials"`
	TransferCredentials map[string]map[string]storedTransferCredential `json:"transferCredentials"`
	TransferJobs        map[string]models.TransferJob                  `json:"transferJobs"`
	Sessions            map[string]models.StreamSession                `json:"sessions"`
}

// Storage is the JSON-file repository driver. Every mutation clones the
// dataset, persists the clone atomically, then swaps it in, so a failed write
// never leaves partially applied state in memory.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

func newDataset() dataset {
	return dataset{
		Accounts:            make(map[string]models.Account),
		PlatformCredentials: make(map[string]storedPlatformCredential),
		TransferCredentials: make(map[string]map[string]storedTransferCredential),
		TransferJobs:        make(map[string]models.TransferJob),
		Sessions:            make(map[string]models.StreamSession),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Accounts == nil {
		s.data.Accounts = make(map[string]models.Account)
	}
	if s.data.PlatformCredentials == nil {
		s.data.PlatformCredentials = make(map[string]storedPlatformCredential)
	}
	if s.data.TransferCredentials == nil {
		s.data.TransferCredentials = make(map[string]map[string]storedTransferCredential)
	}
	if s.data.TransferJobs == nil {
		s.data.TransferJobs = make(map[string]models.TransferJob)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.StreamSession)
	}
}

// NewStorage opens the JSON-backed store at path, creating the parent
// directory and an empty dataset when the file does not exist yet.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()

	for id, account := range src.Accounts {
		cloned := account
		if account.Roles != nil {
			cloned.Roles = append([]string(nil), account.Roles...)
		}
		clone.Accounts[id] = cloned
	}
	for id, cred := range src.PlatformCredentials {
		clone.PlatformCredentials[id] = cred
	}
	for accountID, creds := range src.TransferCredentials {
		cloned := make(map[string]storedTransferCredential, len(creds))
		for host, cred := range creds {
			cloned[host] = cred
		}
		clone.TransferCredentials[accountID] = cloned
	}
	for id, job := range src.TransferJobs {
		clone.TransferJobs[id] = job
	}
	for id, session := range src.Sessions {
		cloned := session
		if session.EndedAt != nil {
			ended := *session.EndedAt
			cloned.EndedAt = &ended
		}
		clone.Sessions[id] = cloned
	}

	return clone
}

// mutate runs fn against a clone of the dataset, persists the clone, and
// swaps it in on success.
func (s *Storage) mutate(fn func(*dataset) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	if err := fn(&updated); err != nil {
		return err
	}
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		trimmed := strings.ToLower(strings.TrimSpace(role))
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	if len(normalized) == 0 {
		return nil
	}
	sort.Strings(normalized)
	return normalized
}

// CreateAccount registers an account. The email must be unique ignoring
// case. An empty password leaves the account without password login until
// SetAccountPassword is called.
func (s *Storage) CreateAccount(ctx context.Context, params CreateAccountParams) (models.Account, error) {
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email == "" || !strings.Contains(email, "@") {
		return models.Account{}, fmt.Errorf("valid email is required")
	}
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return models.Account{}, fmt.Errorf("display name is required")
	}

	hashed := ""
	if params.Password != "" {
		if len(params.Password) < 8 {
			return models.Account{}, fmt.Errorf("password must be at least 8 characters")
		}
		var err error
		hashed, err = hashPassword(params.Password)
		if err != nil {
			return models.Account{}, fmt.Errorf("hash password: %w", err)
		}
	}

	id, err := generateID()
	if err != nil {
		return models.Account{}, err
	}

	account := models.Account{
		ID:           id,
		Email:        email,
		DisplayName:  displayName,
		Kind:         strings.TrimSpace(params.Kind),
		Roles:        normalizeRoles(params.Roles),
		PasswordHash: hashed,
		Quotas:       params.Quotas,
		CreatedAt:    s.now(),
	}

	err = s.mutate(func(data *dataset) error {
		for _, existing := range data.Accounts {
			if strings.EqualFold(existing.Email, email) {
				return ErrEmailTaken
			}
		}
		data.Accounts[account.ID] = account
		return nil
	})
	if err != nil {
		return models.Account{}, err
	}
	return account, nil
}

// GetAccount returns the account with the given id.
func (s *Storage) GetAccount(ctx context.Context, id string) (models.Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.data.Accounts[id]
	return account, ok, nil
}

// FindAccountByEmail returns the account registered under email, ignoring
// case.
func (s *Storage) FindAccountByEmail(ctx context.Context, email string) (models.Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, account := range s.data.Accounts {
		if strings.EqualFold(account.Email, strings.TrimSpace(email)) {
			return account, true, nil
		}
	}
	return models.Account{}, false, nil
}

// ListAccounts returns all accounts ordered by creation time, then email.
func (s *Storage) ListAccounts(ctx context.Context) ([]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]models.Account, 0, len(s.data.Accounts))
	for _, account := range s.data.Accounts {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
		}
		return accounts[i].Email < accounts[j].Email
	})
	return accounts, nil
}

// UpdateAccountQuotas replaces the account limits.
func (s *Storage) UpdateAccountQuotas(ctx context.Context, id string, quotas models.Quotas) (models.Account, error) {
	if quotas.MaxPlatforms < 0 || quotas.MaxTransferJobs < 0 || quotas.MaxBitrate < 0 {
		return models.Account{}, fmt.Errorf("quotas must not be negative")
	}
	var updated models.Account
	err := s.mutate(func(data *dataset) error {
		account, ok := data.Accounts[id]
		if !ok {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		account.Quotas = quotas
		data.Accounts[id] = account
		updated = account
		return nil
	})
	if err != nil {
		return models.Account{}, err
	}
	return updated, nil
}

// CreatePlatformCredential stores a relay destination for the account.
func (s *Storage) CreatePlatformCredential(ctx context.Context, params CreatePlatformCredentialParams) (models.PlatformCredential, error) {
	if !models.KnownPlatformKind(params.Platform) {
		return models.PlatformCredential{}, fmt.Errorf("%w: %q", ErrUnknownPlatformKind, params.Platform)
	}
	rtmpURL := strings.TrimSpace(params.RTMPURL)
	if rtmpURL == "" {
		return models.PlatformCredential{}, fmt.Errorf("rtmp url is required")
	}
	if strings.TrimSpace(params.StreamKey) == "" {
		return models.PlatformCredential{}, fmt.Errorf("stream key is required")
	}

	id, err := generateID()
	if err != nil {
		return models.PlatformCredential{}, err
	}
	stored := storedPlatformCredential{
		ID:        id,
		AccountID: params.AccountID,
		Platform:  params.Platform,
		RTMPURL:   rtmpURL,
		StreamKey: params.StreamKey,
		Enabled:   params.Enabled,
		CreatedAt: s.now(),
	}

	err = s.mutate(func(data *dataset) error {
		if _, ok := data.Accounts[params.AccountID]; !ok {
			return fmt.Errorf("account %s: %w", params.AccountID, ErrNotFound)
		}
		data.PlatformCredentials[stored.ID] = stored
		return nil
	})
	if err != nil {
		return models.PlatformCredential{}, err
	}
	return stored.toModel(), nil
}

// UpdatePlatformCredential applies the non-nil fields of update.
func (s *Storage) UpdatePlatformCredential(ctx context.Context, id string, update PlatformCredentialUpdate) (models.PlatformCredential, error) {
	var updated storedPlatformCredential
	err := s.mutate(func(data *dataset) error {
		stored, ok := data.PlatformCredentials[id]
		if !ok {
			return fmt.Errorf("platform credential %s: %w", id, ErrNotFound)
		}
		if update.RTMPURL != nil {
			trimmed := strings.TrimSpace(*update.RTMPURL)
			if trimmed == "" {
				return fmt.Errorf("rtmp url is required")
			}
			stored.RTMPURL = trimmed
		}
		if update.StreamKey != nil {
			if strings.TrimSpace(*update.StreamKey) == "" {
				return fmt.Errorf("stream key is required")
			}
			stored.StreamKey = *update.StreamKey
		}
		if update.Enabled != nil {
			stored.Enabled = *update.Enabled
		}
		data.PlatformCredentials[id] = stored
		updated = stored
		return nil
	})
	if err != nil {
		return models.PlatformCredential{}, err
	}
	return updated.toModel(), nil
}

// DeletePlatformCredential removes the credential.
func (s *Storage) DeletePlatformCredential(ctx context.Context, id string) error {
	return s.mutate(func(data *dataset) error {
		if _, ok := data.PlatformCredentials[id]; !ok {
			return fmt.Errorf("platform credential %s: %w", id, ErrNotFound)
		}
		delete(data.PlatformCredentials, id)
		return nil
	})
}

// PlatformCredentials returns the account's relay destinations ordered by
// creation time, then id.
func (s *Storage) PlatformCredentials(ctx context.Context, accountID string) ([]models.PlatformCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var creds []models.PlatformCredential
	for _, stored := range s.data.PlatformCredentials {
		if stored.AccountID == accountID {
			creds = append(creds, stored.toModel())
		}
	}
	sort.Slice(creds, func(i, j int) bool {
		if !creds[i].CreatedAt.Equal(creds[j].CreatedAt) {
			return creds[i].CreatedAt.Before(creds[j].CreatedAt)
		}
		return creds[i].ID < creds[j].ID
	})
	return creds, nil
}

// PutTransferCredential stores or replaces the remote-host credential for
// the account. Credentials are keyed by host.
func (s *Storage) PutTransferCredential(ctx context.Context, accountID string, cred models.TransferCredential) error {
	host := strings.TrimSpace(cred.Host)
	if host == "" {
		return fmt.Errorf("host is required")
	}
	if strings.TrimSpace(cred.Username) == "" {
		return fmt.Errorf("username is required")
	}
	if cred.Password == "" && cred.PrivateKey == "" {
		return fmt.Errorf("password or private key is required")
	}
	if cred.Port < 0 || cred.Port > 65535 {
		return fmt.Errorf("port %d out of range", cred.Port)
	}

	return s.mutate(func(data *dataset) error {
		if _, ok := data.Accounts[accountID]; !ok {
			return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		if data.TransferCredentials[accountID] == nil {
			data.TransferCredentials[accountID] = make(map[string]storedTransferCredential)
		}
		data.TransferCredentials[accountID][host] = storedTransferCredential{
			Host:       host,
			Port:       cred.Port,
			Username:   strings.TrimSpace(cred.Username),
			Password:   cred.Password,
			PrivateKey: cred.PrivateKey,
		}
		return nil
	})
}

// DeleteTransferCredential removes the credential for host.
func (s *Storage) DeleteTransferCredential(ctx context.Context, accountID, host string) error {
	return s.mutate(func(data *dataset) error {
		creds := data.TransferCredentials[accountID]
		if _, ok := creds[host]; !ok {
			return fmt.Errorf("transfer credential %s/%s: %w", accountID, host, ErrNotFound)
		}
		delete(creds, host)
		if len(creds) == 0 {
			delete(data.TransferCredentials, accountID)
		}
		return nil
	})
}

// TransferCredential resolves the credential the transfer manager needs to
// reach host on behalf of the account.
func (s *Storage) TransferCredential(ctx context.Context, accountID, host string) (models.TransferCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.data.TransferCredentials[accountID][host]
	if !ok {
		return models.TransferCredential{}, fmt.Errorf("transfer credential %s/%s: %w", accountID, host, ErrNotFound)
	}
	return stored.toModel(), nil
}

// ListTransferCredentials returns the account's credentials ordered by host.
func (s *Storage) ListTransferCredentials(ctx context.Context, accountID string) ([]models.TransferCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var creds []models.TransferCredential
	for _, stored := range s.data.TransferCredentials[accountID] {
		creds = append(creds, stored.toModel())
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].Host < creds[j].Host })
	return creds, nil
}

// CreateTransferJob persists a new job, assigning its id and timestamps. A
// job arriving without a state starts out queued.
func (s *Storage) CreateTransferJob(ctx context.Context, job models.TransferJob) (models.TransferJob, error) {
	id, err := generateID()
	if err != nil {
		return models.TransferJob{}, err
	}
	job.ID = id
	if job.State == "" {
		job.State = models.JobQueued
	}
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now

	err = s.mutate(func(data *dataset) error {
		if _, ok := data.Accounts[job.AccountID]; !ok {
			return fmt.Errorf("account %s: %w", job.AccountID, ErrNotFound)
		}
		data.TransferJobs[job.ID] = job
		return nil
	})
	if err != nil {
		return models.TransferJob{}, err
	}
	return job, nil
}

// UpdateTransferJob replaces the stored job record.
func (s *Storage) UpdateTransferJob(ctx context.Context, job models.TransferJob) error {
	return s.mutate(func(data *dataset) error {
		if _, ok := data.TransferJobs[job.ID]; !ok {
			return fmt.Errorf("transfer job %s: %w", job.ID, ErrNotFound)
		}
		data.TransferJobs[job.ID] = job
		return nil
	})
}

// GetTransferJob returns the job with the given id.
func (s *Storage) GetTransferJob(ctx context.Context, id string) (models.TransferJob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.data.TransferJobs[id]
	return job, ok, nil
}

// ListTransferJobs returns the account's jobs, oldest first.
func (s *Storage) ListTransferJobs(ctx context.Context, accountID string) ([]models.TransferJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []models.TransferJob
	for _, job := range s.data.TransferJobs {
		if job.AccountID == accountID {
			jobs = append(jobs, job)
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

// ListPendingTransferJobs returns every queued or running job across all
// accounts, oldest first. The transfer manager replays these on startup.
func (s *Storage) ListPendingTransferJobs(ctx context.Context) ([]models.TransferJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []models.TransferJob
	for _, job := range s.data.TransferJobs {
		if !job.State.Done() {
			jobs = append(jobs, job)
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func sortJobs(jobs []models.TransferJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

// SaveSession upserts the session record keyed by its id.
func (s *Storage) SaveSession(ctx context.Context, session models.StreamSession) error {
	if session.ID == "" || session.AccountID == "" {
		return fmt.Errorf("session id and account id are required")
	}
	return s.mutate(func(data *dataset) error {
		data.Sessions[session.ID] = session
		return nil
	})
}

// ListSessions returns the account's session history, newest first.
func (s *Storage) ListSessions(ctx context.Context, accountID string) ([]models.StreamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sessions []models.StreamSession
	for _, session := range s.data.Sessions {
		if session.AccountID == accountID {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.After(sessions[j].StartedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
	return sessions, nil
}

// PurgeSessions deletes finished sessions that ended before the cutoff and
// returns how many were removed. Sessions still holding the broadcast slot
// are never purged.
func (s *Storage) PurgeSessions(ctx context.Context, endedBefore time.Time) (int, error) {
	purged := 0
	err := s.mutate(func(data *dataset) error {
		for id, session := range data.Sessions {
			if session.State.Active() {
				continue
			}
			if session.EndedAt == nil || !session.EndedAt.Before(endedBefore) {
				continue
			}
			delete(data.Sessions, id)
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// Ping reports whether the store is usable.
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close releases the store. The JSON driver persists on every mutation, so
// there is nothing to flush.
func (s *Storage) Close(ctx context.Context) error {
	return nil
}
