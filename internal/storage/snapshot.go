package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"castpanel/internal/models"

	"github.com/jackc/pgx/v5"
)

// Snapshot is a full copy of a JSON datastore, including the secret material
// the public models hide from serialisation. It exists solely to move data
// between repository drivers and must never be written to a log or response.
type Snapshot struct {
	Accounts            []models.Account
	PlatformCredentials []models.PlatformCredential
	TransferCredentials map[string][]models.TransferCredential
	TransferJobs        []models.TransferJob
	Sessions            []models.StreamSession
}

// SnapshotCounts summarises a snapshot for progress reporting.
type SnapshotCounts struct {
	Accounts            int
	PlatformCredentials int
	TransferCredentials int
	TransferJobs        int
	Sessions            int
}

// Counts tallies the snapshot contents.
func (s Snapshot) Counts() SnapshotCounts {
	counts := SnapshotCounts{
		Accounts:            len(s.Accounts),
		PlatformCredentials: len(s.PlatformCredentials),
		TransferJobs:        len(s.TransferJobs),
		Sessions:            len(s.Sessions),
	}
	for _, creds := range s.TransferCredentials {
		counts.TransferCredentials += len(creds)
	}
	return counts
}

// LoadSnapshotFromJSON reads a JSON datastore file into a Snapshot without
// going through the Storage mutation path, so the source file is never
// rewritten.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read datastore: %w", err)
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return Snapshot{}, fmt.Errorf("decode datastore: %w", err)
	}

	snap := Snapshot{TransferCredentials: make(map[string][]models.TransferCredential)}
	for _, account := range data.Accounts {
		snap.Accounts = append(snap.Accounts, account)
	}
	for _, cred := range data.PlatformCredentials {
		snap.PlatformCredentials = append(snap.PlatformCredentials, cred.toModel())
	}
	for accountID, perHost := range data.TransferCredentials {
		for _, cred := range perHost {
			snap.TransferCredentials[accountID] = append(snap.TransferCredentials[accountID], cred.toModel())
		}
	}
	for _, job := range data.TransferJobs {
		snap.TransferJobs = append(snap.TransferJobs, job)
	}
	for _, session := range data.Sessions {
		snap.Sessions = append(snap.Sessions, session)
	}
	return snap, nil
}

// SnapshotImporter is implemented by repository drivers that can ingest a
// snapshot verbatim, preserving IDs and password hashes.
type SnapshotImporter interface {
	ImportSnapshot(ctx context.Context, snap Snapshot) error
}

// ImportSnapshotToPostgres copies a snapshot into the given repository. The
// repository must be the Postgres driver.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snap Snapshot) error {
	importer, ok := repo.(SnapshotImporter)
	if !ok {
		return fmt.Errorf("repository driver does not support snapshot import")
	}
	return importer.ImportSnapshot(ctx, snap)
}

// ImportSnapshot upserts the snapshot contents inside one transaction, so a
// failed migration leaves the target database untouched.
func (r *postgresRepository) ImportSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, account := range snap.Accounts {
		if account.ID == "" || account.Email == "" {
			return fmt.Errorf("snapshot account missing id or email")
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO accounts (id, email, display_name, kind, roles, password_hash, max_platforms, max_transfer_jobs, max_bitrate, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				display_name = EXCLUDED.display_name,
				kind = EXCLUDED.kind,
				roles = EXCLUDED.roles,
				password_hash = EXCLUDED.password_hash,
				max_platforms = EXCLUDED.max_platforms,
				max_transfer_jobs = EXCLUDED.max_transfer_jobs,
				max_bitrate = EXCLUDED.max_bitrate`,
			account.ID, account.Email, account.DisplayName, account.Kind, account.Roles, account.PasswordHash,
			account.Quotas.MaxPlatforms, account.Quotas.MaxTransferJobs, account.Quotas.MaxBitrate, account.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("import account %s: %w", account.ID, err)
		}
	}

	for _, cred := range snap.PlatformCredentials {
		_, err := tx.Exec(ctx,
			`INSERT INTO platform_credentials (id, account_id, platform, rtmp_url, stream_key, enabled, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET
				platform = EXCLUDED.platform,
				rtmp_url = EXCLUDED.rtmp_url,
				stream_key = EXCLUDED.stream_key,
				enabled = EXCLUDED.enabled`,
			cred.ID, cred.AccountID, cred.Platform, cred.RTMPURL, cred.StreamKey, cred.Enabled, cred.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("import platform credential %s: %w", cred.ID, err)
		}
	}

	for accountID, creds := range snap.TransferCredentials {
		for _, cred := range creds {
			_, err := tx.Exec(ctx,
				`INSERT INTO transfer_credentials (account_id, host, port, username, password, private_key)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (account_id, host) DO UPDATE SET
					port = EXCLUDED.port,
					username = EXCLUDED.username,
					password = EXCLUDED.password,
					private_key = EXCLUDED.private_key`,
				accountID, cred.Host, cred.Port, cred.Username, cred.Password, cred.PrivateKey,
			)
			if err != nil {
				return fmt.Errorf("import transfer credential %s/%s: %w", accountID, cred.Host, err)
			}
		}
	}

	for _, job := range snap.TransferJobs {
		_, err := tx.Exec(ctx,
			`INSERT INTO transfer_jobs (id, account_id, source_host, source_path, dest_path, protocol, state, bytes_transferred, total_bytes, attempts, last_error, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				bytes_transferred = EXCLUDED.bytes_transferred,
				total_bytes = EXCLUDED.total_bytes,
				attempts = EXCLUDED.attempts,
				last_error = EXCLUDED.last_error,
				updated_at = EXCLUDED.updated_at`,
			job.ID, job.AccountID, job.SourceHost, job.SourcePath, job.DestPath, job.Protocol, job.State,
			job.BytesTransferred, job.TotalBytes, job.Attempts, job.LastError, job.CreatedAt, job.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("import transfer job %s: %w", job.ID, err)
		}
	}

	for _, session := range snap.Sessions {
		_, err := tx.Exec(ctx,
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
			return fmt.Errorf("import session %s: %w", session.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}
