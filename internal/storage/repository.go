package storage

import (
	"context"
	"errors"
	"time"

	"castpanel/internal/models"
)

// Sentinel errors shared by every repository driver. Callers branch on these
// to pick HTTP status codes, so drivers must return them unwrapped or via %w.
var (
	ErrNotFound                 = errors.New("record not found")
	ErrEmailTaken               = errors.New("email already registered")
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrPasswordLoginUnsupported = errors.New("password login not configured for account")
	ErrUnknownPlatformKind      = errors.New("unknown platform kind")
)

// CreateAccountParams carries the fields required to register an account.
// Password is hashed before it reaches the backing store.
type CreateAccountParams struct {
	Email       string
	DisplayName string
	Password    string
	Kind        string
	Roles       []string
	Quotas      models.Quotas
}

// CreatePlatformCredentialParams carries a new relay destination for an
// account. StreamKey is stored verbatim and never serialised back out.
type CreatePlatformCredentialParams struct {
	AccountID string
	Platform  models.PlatformKind
	RTMPURL   string
	StreamKey string
	Enabled   bool
}

// PlatformCredentialUpdate mutates an existing credential. Nil fields are
// left untouched.
type PlatformCredentialUpdate struct {
	RTMPURL   *string
	StreamKey *string
	Enabled   *bool
}

// Repository is the persistence boundary for the panel. Two drivers exist:
// the JSON-file Storage used for single-node deployments and tests, and the
// Postgres repository used in production.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (models.Account, error)
	AuthenticateAccount(ctx context.Context, email, password string) (models.Account, error)
	GetAccount(ctx context.Context, id string) (models.Account, bool, error)
	FindAccountByEmail(ctx context.Context, email string) (models.Account, bool, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	UpdateAccountQuotas(ctx context.Context, id string, quotas models.Quotas) (models.Account, error)
	SetAccountPassword(ctx context.Context, id, password string) (models.Account, error)

	// PlatformCredentials doubles as the relay credential source for the
	// broadcast orchestrator.
	CreatePlatformCredential(ctx context.Context, params CreatePlatformCredentialParams) (models.PlatformCredential, error)
	UpdatePlatformCredential(ctx context.Context, id string, update PlatformCredentialUpdate) (models.PlatformCredential, error)
	DeletePlatformCredential(ctx context.Context, id string) error
	PlatformCredentials(ctx context.Context, accountID string) ([]models.PlatformCredential, error)

	// Transfer credentials are keyed by account and host. TransferCredential
	// is the lookup the transfer manager performs per job.
	PutTransferCredential(ctx context.Context, accountID string, cred models.TransferCredential) error
	DeleteTransferCredential(ctx context.Context, accountID, host string) error
	TransferCredential(ctx context.Context, accountID, host string) (models.TransferCredential, error)
	ListTransferCredentials(ctx context.Context, accountID string) ([]models.TransferCredential, error)

	// The five job methods form the store contract the transfer manager
	// drives. CreateTransferJob assigns the ID and timestamps.
	CreateTransferJob(ctx context.Context, job models.TransferJob) (models.TransferJob, error)
	UpdateTransferJob(ctx context.Context, job models.TransferJob) error
	GetTransferJob(ctx context.Context, id string) (models.TransferJob, bool, error)
	ListTransferJobs(ctx context.Context, accountID string) ([]models.TransferJob, error)
	ListPendingTransferJobs(ctx context.Context) ([]models.TransferJob, error)

	SaveSession(ctx context.Context, session models.StreamSession) error
	ListSessions(ctx context.Context, accountID string) ([]models.StreamSession, error)
	PurgeSessions(ctx context.Context, endedBefore time.Time) (int, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

var _ Repository = (*Storage)(nil)
