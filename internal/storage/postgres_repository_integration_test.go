package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"castpanel/internal/models"
)

// newIntegrationRepository connects to the database named by
// CASTPANEL_TEST_POSTGRES_DSN, skipping the test when the variable is unset.
func newIntegrationRepository(t *testing.T) Repository {
	t.Helper()
	dsn := os.Getenv("CASTPANEL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CASTPANEL_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	repo, err := NewPostgresRepository(ctx, dsn, WithPostgresApplicationName("castpanel-test"))
	if err != nil {
		t.Fatalf("NewPostgresRepository: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = repo.Close(closeCtx)
	})
	return repo
}

// TestPostgresAccountAndJobRoundTrip exercises the schema end to end:
// account creation, authentication, credentials, jobs, and session history.
func TestPostgresAccountAndJobRoundTrip(t *testing.T) {
	repo := newIntegrationRepository(t)
	ctx := context.Background()

	account, err := repo.CreateAccount(ctx, CreateAccountParams{
		Email:       "pg-" + time.Now().Format("150405.000000") + "@example.com",
		DisplayName: "Integration",
		Password:    "longenough",
		Roles:       []string{"admin"},
		Quotas:      models.Quotas{MaxPlatforms: 2},
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := repo.AuthenticateAccount(ctx, account.Email, "longenough"); err != nil {
		t.Fatalf("AuthenticateAccount: %v", err)
	}

	cred, err := repo.CreatePlatformCredential(ctx, CreatePlatformCredentialParams{
		AccountID: account.ID,
		Platform:  models.PlatformTwitch,
		RTMPURL:   "rtmp://live.twitch.tv/app",
		StreamKey: "tw-secret",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("CreatePlatformCredential: %v", err)
	}
	listed, err := repo.PlatformCredentials(ctx, account.ID)
	if err != nil {
		t.Fatalf("PlatformCredentials: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != cred.ID || listed[0].StreamKey != "tw-secret" {
		t.Fatalf("unexpected credentials: %+v", listed)
	}

	job, err := repo.CreateTransferJob(ctx, models.TransferJob{
		AccountID:  account.ID,
		SourceHost: "media.example.com",
		SourcePath: "/var/media/show.mp4",
		DestPath:   "archive/show.mp4",
		Protocol:   models.ProtocolSFTP,
	})
	if err != nil {
		t.Fatalf("CreateTransferJob: %v", err)
	}
	job.State = models.JobCompleted
	job.UpdatedAt = time.Now().UTC()
	if err := repo.UpdateTransferJob(ctx, job); err != nil {
		t.Fatalf("UpdateTransferJob: %v", err)
	}
	got, ok, err := repo.GetTransferJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("GetTransferJob: ok=%v err=%v", ok, err)
	}
	if got.State != models.JobCompleted {
		t.Fatalf("expected completed job, got %s", got.State)
	}

	ended := time.Now().UTC()
	session := models.StreamSession{
		ID:        job.ID + "-session",
		AccountID: account.ID,
		Title:     "Integration Show",
		State:     models.SessionStopped,
		StartedAt: ended.Add(-time.Hour),
		EndedAt:   &ended,
		Ingest:    models.IngestEndpoint{RTMPURL: "rtmp://wowza/live", StreamName: "s1", Bitrate: 4500},
	}
	if err := repo.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	sessions, err := repo.ListSessions(ctx, account.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) == 0 || sessions[0].Ingest.Bitrate != 4500 {
		t.Fatalf("unexpected session history: %+v", sessions)
	}
}

// TestPostgresDuplicateEmail confirms the unique index maps to ErrEmailTaken.
func TestPostgresDuplicateEmail(t *testing.T) {
	repo := newIntegrationRepository(t)
	ctx := context.Background()

	email := "dup-" + time.Now().Format("150405.000000") + "@example.com"
	if _, err := repo.CreateAccount(ctx, CreateAccountParams{Email: email, DisplayName: "First", Password: "longenough"}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	_, err := repo.CreateAccount(ctx, CreateAccountParams{Email: email, DisplayName: "Second", Password: "longenough"})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}
