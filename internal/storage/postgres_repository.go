package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"castpanel/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	display_name TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	roles TEXT[] NOT NULL DEFAULT '{}',
	password_hash TEXT NOT NULL DEFAULT '',
	max_platforms INT NOT NULL DEFAULT 0,
	max_transfer_jobs INT NOT NULL DEFAULT 0,
	max_bitrate INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS accounts_email_idx ON accounts (lower(email));

CREATE TABLE IF NOT EXISTS platform_credentials (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	platform TEXT NOT NULL,
	rtmp_url TEXT NOT NULL,
	stream_key TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS platform_credentials_account_idx ON platform_credentials (account_id);

CREATE TABLE IF NOT EXISTS transfer_credentials (
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	host TEXT NOT NULL,
	port INT NOT NULL DEFAULT 0,
	username TEXT NOT NULL,
	password TEXT NOT NULL DEFAULT '',
	private_key TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account_id, host)
);

CREATE TABLE IF NOT EXISTS transfer_jobs (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	source_host TEXT NOT NULL,
	source_path TEXT NOT NULL,
	dest_path TEXT NOT NULL,
	protocol TEXT NOT NULL,
	state TEXT NOT NULL,
	bytes_transferred BIGINT NOT NULL DEFAULT 0,
	total_bytes BIGINT NOT NULL DEFAULT 0,
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transfer_jobs_account_idx ON transfer_jobs (account_id, created_at);
CREATE INDEX IF NOT EXISTS transfer_jobs_state_idx ON transfer_jobs (state);

CREATE TABLE IF NOT EXISTS stream_sessions (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	rtmp_url TEXT NOT NULL DEFAULT '',
	stream_name TEXT NOT NULL DEFAULT '',
	bitrate INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS stream_sessions_account_idx ON stream_sessions (account_id, started_at);
`

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	now  func() time.Time
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema. Table creation is idempotent, so repeated startups are safe.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}

	return &postgresRepository{
		pool: pool,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const accountColumns = "id, email, display_name, kind, roles, password_hash, max_platforms, max_transfer_jobs, max_bitrate, created_at"

func scanAccount(row pgx.Row) (models.Account, error) {
	var account models.Account
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.DisplayName,
		&account.Kind,
		&account.Roles,
		&account.PasswordHash,
		&account.Quotas.MaxPlatforms,
		&account.Quotas.MaxTransferJobs,
		&account.Quotas.MaxBitrate,
		&account.CreatedAt,
	)
	return account, err
}

func (r *postgresRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (models.Account, error) {
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
		CreatedAt:    r.now(),
	}

	roles := account.Roles
	if roles == nil {
		roles = []string{}
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO accounts (id, email, display_name, kind, roles, password_hash, max_platforms, max_transfer_jobs, max_bitrate, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		account.ID, account.Email, account.DisplayName, account.Kind, roles, account.PasswordHash,
		account.Quotas.MaxPlatforms, account.Quotas.MaxTransferJobs, account.Quotas.MaxBitrate, account.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return models.Account{}, ErrEmailTaken
		}
		return models.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

func (r *postgresRepository) AuthenticateAccount(ctx context.Context, email, password string) (models.Account, error) {
	if password == "" {
		return models.Account{}, errors.New("password is required")
	}
	account, ok, err := r.FindAccountByEmail(ctx, email)
	if err != nil {
		return models.Account{}, err
	}
	if !ok {
		return models.Account{}, ErrInvalidCredentials
	}
	if account.PasswordHash == "" {
		return models.Account{}, ErrPasswordLoginUnsupported
	}
	if err := verifyPassword(account.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.Account{}, ErrInvalidCredentials
		}
		return models.Account{}, err
	}
	return account, nil
}

func (r *postgresRepository) GetAccount(ctx context.Context, id string) (models.Account, bool, error) {
	account, err := scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, false, nil
	}
	if err != nil {
		return models.Account{}, false, fmt.Errorf("query account: %w", err)
	}
	return account, true, nil
}

func (r *postgresRepository) FindAccountByEmail(ctx context.Context, email string) (models.Account, bool, error) {
	account, err := scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1)`, strings.TrimSpace(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, false, nil
	}
	if err != nil {
		return models.Account{}, false, fmt.Errorf("query account by email: %w", err)
	}
	return account, true, nil
}

func (r *postgresRepository) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at, email`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (r *postgresRepository) UpdateAccountQuotas(ctx context.Context, id string, quotas models.Quotas) (models.Account, error) {
	if quotas.MaxPlatforms < 0 || quotas.MaxTransferJobs < 0 || quotas.MaxBitrate < 0 {
		return models.Account{}, fmt.Errorf("quotas must not be negative")
	}
	account, err := scanAccount(r.pool.QueryRow(ctx,
		`UPDATE accounts SET max_platforms = $2, max_transfer_jobs = $3, max_bitrate = $4
		 WHERE id = $1 RETURNING `+accountColumns,
		id, quotas.MaxPlatforms, quotas.MaxTransferJobs, quotas.MaxBitrate))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("update account quotas: %w", err)
	}
	return account, nil
}

func (r *postgresRepository) SetAccountPassword(ctx context.Context, id, password string) (models.Account, error) {
	if len(password) < 8 {
		return models.Account{}, errors.New("password must be at least 8 characters")
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return models.Account{}, fmt.Errorf("hash password: %w", err)
	}
	account, err := scanAccount(r.pool.QueryRow(ctx,
		`UPDATE accounts SET password_hash = $2 WHERE id = $1 RETURNING `+accountColumns,
		id, hashed))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("update account password: %w", err)
	}
	return account, nil
}

const platformCredentialColumns = "id, account_id, platform, rtmp_url, stream_key, enabled, created_at"

func scanPlatformCredential(row pgx.Row) (models.PlatformCredential, error) {
	var cred models.PlatformCredential
	err := row.Scan(
		&cred.ID,
		&cred.AccountID,
		&cred.Platform,
		&cred.RTMPURL,
		&cred.StreamKey,
		&cred.Enabled,
		&cred.CreatedAt,
	)
	return cred, err
}

func (r *postgresRepository) CreatePlatformCredential(ctx context.Context, params CreatePlatformCredentialParams) (models.PlatformCredential, error) {
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
	cred := models.PlatformCredential{
		ID:        id,
		AccountID: params.AccountID,
		Platform:  params.Platform,
		RTMPURL:   rtmpURL,
		StreamKey: params.StreamKey,
		Enabled:   params.Enabled,
		CreatedAt: r.now(),
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO platform_credentials (id, account_id, platform, rtmp_url, stream_key, enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cred.ID, cred.AccountID, cred.Platform, cred.RTMPURL, cred.StreamKey, cred.Enabled, cred.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return models.PlatformCredential{}, fmt.Errorf("account %s: %w", params.AccountID, ErrNotFound)
		}
		return models.PlatformCredential{}, fmt.Errorf("insert platform credential: %w", err)
	}
	return cred, nil
}

func (r *postgresRepository) UpdatePlatformCredential(ctx context.Context, id string, update PlatformCredentialUpdate) (models.PlatformCredential, error) {
	if update.RTMPURL != nil && strings.TrimSpace(*update.RTMPURL) == "" {
		return models.PlatformCredential{}, fmt.Errorf("rtmp url is required")
	}
	if update.StreamKey != nil && strings.TrimSpace(*update.StreamKey) == "" {
		return models.PlatformCredential{}, fmt.Errorf("stream key is required")
	}
	cred, err := scanPlatformCredential(r.pool.QueryRow(ctx,
		`UPDATE platform_credentials SET
			rtmp_url = COALESCE($2, rtmp_url),
			stream_key = COALESCE($3, stream_key),
			enabled = COALESCE($4, enabled)
		 WHERE id = $1 RETURNING `+platformCredentialColumns,
		id, update.RTMPURL, update.StreamKey, update.Enabled))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PlatformCredential{}, fmt.Errorf("platform credential %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.PlatformCredential{}, fmt.Errorf("update platform credential: %w", err)
	}
	return cred, nil
}

func (r *postgresRepository) DeletePlatformCredential(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM platform_credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete platform credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("platform credential %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) PlatformCredentials(ctx context.Context, accountID string) ([]models.PlatformCredential, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+platformCredentialColumns+` FROM platform_credentials
		 WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list platform credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.PlatformCredential
	for rows.Next() {
		cred, err := scanPlatformCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func (r *postgresRepository) PutTransferCredential(ctx context.Context, accountID string, cred models.TransferCredential) error {
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

	_, err := r.pool.Exec(ctx,
		`INSERT INTO transfer_credentials (account_id, host, port, username, password, private_key)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (account_id, host) DO UPDATE SET
			port = EXCLUDED.port,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			private_key = EXCLUDED.private_key`,
		accountID, host, cred.Port, strings.TrimSpace(cred.Username), cred.Password, cred.PrivateKey,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return fmt.Errorf("upsert transfer credential: %w", err)
	}
	return nil
}

func (r *postgresRepository) DeleteTransferCredential(ctx context.Context, accountID, host string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM transfer_credentials WHERE account_id = $1 AND host = $2`, accountID, host)
	if err != nil {
		return fmt.Errorf("delete transfer credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transfer credential %s/%s: %w", accountID, host, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) TransferCredential(ctx context.Context, accountID, host string) (models.TransferCredential, error) {
	var cred models.TransferCredential
	err := r.pool.QueryRow(ctx,
		`SELECT host, port, username, password, private_key FROM transfer_credentials
		 WHERE account_id = $1 AND host = $2`, accountID, host).
		Scan(&cred.Host, &cred.Port, &cred.Username, &cred.Password, &cred.PrivateKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TransferCredential{}, fmt.Errorf("transfer credential %s/%s: %w", accountID, host, ErrNotFound)
	}
	if err != nil {
		return models.TransferCredential{}, fmt.Errorf("query transfer credential: %w", err)
	}
	return cred, nil
}

func (r *postgresRepository) ListTransferCredentials(ctx context.Context, accountID string) ([]models.TransferCredential, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT host, port, username, password, private_key FROM transfer_credentials
		 WHERE account_id = $1 ORDER BY host`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list transfer credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.TransferCredential
	for rows.Next() {
		var cred models.TransferCredential
		if err := rows.Scan(&cred.Host, &cred.Port, &cred.Username, &cred.Password, &cred.PrivateKey); err != nil {
			return nil, fmt.Errorf("scan transfer credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

const transferJobColumns = "id, account_id, source_host, source_path, dest_path, protocol, state, bytes_transferred, total_bytes, attempts, last_error, created_at, updated_at"

func scanTransferJob(row pgx.Row) (models.TransferJob, error) {
	var job models.TransferJob
	err := row.Scan(
		&job.ID,
		&job.AccountID,
		&job.SourceHost,
		&job.SourcePath,
		&job.DestPath,
		&job.Protocol,
		&job.State,
		&job.BytesTransferred,
		&job.TotalBytes,
		&job.Attempts,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	return job, err
}

func (r *postgresRepository) CreateTransferJob(ctx context.Context, job models.TransferJob) (models.TransferJob, error) {
	id, err := generateID()
	if err != nil {
		return models.TransferJob{}, err
	}
	job.ID = id
	if job.State == "" {
		job.State = models.JobQueued
	}
	now := r.now()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err = r.pool.Exec(ctx,
		`INSERT INTO transfer_jobs (id, account_id, source_host, source_path, dest_path, protocol, state, bytes_transferred, total_bytes, attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.AccountID, job.SourceHost, job.SourcePath, job.DestPath, job.Protocol, job.State,
		job.BytesTransferred, job.TotalBytes, job.Attempts, job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return models.TransferJob{}, fmt.Errorf("account %s: %w", job.AccountID, ErrNotFound)
		}
		return models.TransferJob{}, fmt.Errorf("insert transfer job: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) UpdateTransferJob(ctx context.Context, job models.TransferJob) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transfer_jobs SET
			state = $2,
			bytes_transferred = $3,
			total_bytes = $4,
			attempts = $5,
			last_error = $6,
			updated_at = $7
		 WHERE id = $1`,
		job.ID, job.State, job.BytesTransferred, job.TotalBytes, job.Attempts, job.LastError, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update transfer job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transfer job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) GetTransferJob(ctx context.Context, id string) (models.TransferJob, bool, error) {
	job, err := scanTransferJob(r.pool.QueryRow(ctx,
		`SELECT `+transferJobColumns+` FROM transfer_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TransferJob{}, false, nil
	}
	if err != nil {
		return models.TransferJob{}, false, fmt.Errorf("query transfer job: %w", err)
	}
	return job, true, nil
}

func (r *postgresRepository) ListTransferJobs(ctx context.Context, accountID string) ([]models.TransferJob, error) {
	return r.queryTransferJobs(ctx,
		`SELECT `+transferJobColumns+` FROM transfer_jobs
		 WHERE account_id = $1 ORDER BY created_at, id`, accountID)
}

func (r *postgresRepository) ListPendingTransferJobs(ctx context.Context) ([]models.TransferJob, error) {
	return r.queryTransferJobs(ctx,
		`SELECT `+transferJobColumns+` FROM transfer_jobs
		 WHERE state IN ($1, $2) ORDER BY created_at, id`,
		models.JobQueued, models.JobRunning)
}

func (r *postgresRepository) queryTransferJobs(ctx context.Context, sql string, args ...any) ([]models.TransferJob, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfer jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.TransferJob
	for rows.Next() {
		job, err := scanTransferJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *postgresRepository) SaveSession(ctx context.Context, session models.StreamSession) error {
	if session.ID == "" || session.AccountID == "" {
		return fmt.Errorf("session id and account id are required")
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO stream_sessions (id, account_id, title, state, started_at, ended_at, rtmp_url, stream_name, bitrate, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			state = EXCLUDED.state,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			rtmp_url = EXCLUDED.rtmp_url,
			stream_name = EXCLUDED.stream_name,
			bitrate = EXCLUDED.bitrate,
			last_error = EXCLUDED.last_error`,
		session.ID, session.AccountID, session.Title, session.State,
		nullableTime(session.StartedAt), session.EndedAt,
		session.Ingest.RTMPURL, session.Ingest.StreamName, session.Ingest.Bitrate, session.LastError,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListSessions(ctx context.Context, accountID string) ([]models.StreamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, title, state, started_at, ended_at, rtmp_url, stream_name, bitrate, last_error
		 FROM stream_sessions WHERE account_id = $1
		 ORDER BY started_at DESC NULLS LAST, id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.StreamSession
	for rows.Next() {
		var session models.StreamSession
		var startedAt *time.Time
		err := rows.Scan(
			&session.ID,
			&session.AccountID,
			&session.Title,
			&session.State,
			&startedAt,
			&session.EndedAt,
			&session.Ingest.RTMPURL,
			&session.Ingest.StreamName,
			&session.Ingest.Bitrate,
			&session.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if startedAt != nil {
			session.StartedAt = *startedAt
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (r *postgresRepository) PurgeSessions(ctx context.Context, endedBefore time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM stream_sessions
		 WHERE state NOT IN ($1, $2) AND ended_at IS NOT NULL AND ended_at < $3`,
		models.SessionStarting, models.SessionLive, endedBefore)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ Repository = (*postgresRepository)(nil)
