// Command bootstrap-admin seeds or updates an administrator account in the
// datastore.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"castpanel/internal/models"
	"castpanel/internal/storage"
)

func main() {
	var (
		jsonPath        string
		postgresDSN     string
		email           string
		displayName     string
		password        string
		maxPlatforms    int
		maxTransferJobs int
		maxBitrate      int
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&email, "email", "", "Email address for the admin account")
	flag.StringVar(&displayName, "name", "Administrator", "Display name for the admin account")
	flag.StringVar(&password, "password", "", "Password for the admin account")
	flag.IntVar(&maxPlatforms, "max-platforms", 0, "Platform credential quota (0 for unlimited)")
	flag.IntVar(&maxTransferJobs, "max-transfer-jobs", 0, "Concurrent transfer job quota (0 for unlimited)")
	flag.IntVar(&maxBitrate, "max-bitrate", 0, "Ingest bitrate ceiling in kbps (0 for unlimited)")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(email) == "" {
		fatalf("--email is required")
	}
	if len(password) < 8 {
		fatalf("--password must be at least 8 characters")
	}
	if strings.TrimSpace(displayName) == "" {
		fatalf("--name cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := openRepository(ctx, jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	quotas := models.Quotas{
		MaxPlatforms:    maxPlatforms,
		MaxTransferJobs: maxTransferJobs,
		MaxBitrate:      maxBitrate,
	}
	account, created, err := bootstrapAdmin(ctx, repo, strings.TrimSpace(email), strings.TrimSpace(displayName), password, quotas)
	if err != nil {
		fatalf("bootstrap admin: %v", err)
	}

	state := "updated"
	if created {
		state = "created"
	}
	fmt.Printf("Admin account %s (%s) %s successfully.\n", account.Email, account.DisplayName, state)
	fmt.Println("Remember to rotate this password after the first login.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(ctx context.Context, jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	return storage.NewPostgresRepository(ctx, postgresDSN)
}

func closeRepository(repo storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = repo.Close(ctx)
}

func bootstrapAdmin(ctx context.Context, repo storage.Repository, email, displayName, password string, quotas models.Quotas) (models.Account, bool, error) {
	normalizedEmail := strings.ToLower(email)
	existing, found, err := repo.FindAccountByEmail(ctx, normalizedEmail)
	if err != nil {
		return models.Account{}, false, err
	}
	if found {
		return updateAdmin(ctx, repo, existing, password, quotas)
	}

	account, err := repo.CreateAccount(ctx, storage.CreateAccountParams{
		Email:       normalizedEmail,
		DisplayName: displayName,
		Password:    password,
		Roles:       []string{"admin"},
		Quotas:      quotas,
	})
	if err != nil {
		return models.Account{}, false, err
	}
	return account, true, nil
}

func updateAdmin(ctx context.Context, repo storage.Repository, existing models.Account, password string, quotas models.Quotas) (models.Account, bool, error) {
	if !existing.HasRole("admin") {
		return models.Account{}, false, fmt.Errorf("account %s exists without the admin role; refusing to escalate it", existing.Email)
	}
	if quotas != (models.Quotas{}) && quotas != existing.Quotas {
		if _, err := repo.UpdateAccountQuotas(ctx, existing.ID, quotas); err != nil {
			return models.Account{}, false, err
		}
	}
	updated, err := repo.SetAccountPassword(ctx, existing.ID, password)
	if err != nil {
		return models.Account{}, false, err
	}
	return updated, false, nil
}
