package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"castpanel/internal/models"
	"golang.org/x/crypto/pbkdf2"
)

// AuthenticateAccount verifies credentials and returns the matching account
// on success.
func (s *Storage) AuthenticateAccount(ctx context.Context, email, password string) (models.Account, error) {
	if password == "" {
		return models.Account{}, errors.New("password is required")
	}
	account, ok, err := s.FindAccountByEmail(ctx, email)
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

// SetAccountPassword replaces the stored password hash for the account.
func (s *Storage) SetAccountPassword(ctx context.Context, id, password string) (models.Account, error) {
	if len(password) < 8 {
		return models.Account{}, errors.New("password must be at least 8 characters")
	}

	hashed, err := hashPassword(password)
	if err != nil {
		return models.Account{}, fmt.Errorf("hash password: %w", err)
	}

	var updated models.Account
	err = s.mutate(func(data *dataset) error {
		account, ok := data.Accounts[id]
		if !ok {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		account.PasswordHash = hashed
		data.Accounts[id] = account
		updated = account
		return nil
	})
	if err != nil {
		return models.Account{}, err
	}
	return updated, nil
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, passwordHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, passwordHashIterations, passwordHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", passwordHashIterations, encodedSalt, encodedKey), nil
}

func verifyPassword(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify password: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify password: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify password: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify password: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify password: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
