package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

// dummyHash keeps Authenticate timing flat for unknown usernames
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sc-remote"), bcrypt.MinCost)

// CreateAccount opens an account with an initial balance
func (l *Ledger) CreateAccount(ctx context.Context, username, secret string, minutes float64, bandwidth int64) (*domain.Account, error) {
	if username == "" {
		return nil, &domain.ValidationError{Field: "username", Reason: "must not be empty"}
	}
	if minutes < 0 || bandwidth < 0 {
		return nil, &domain.ValidationError{Field: "balance", Reason: "must not be negative"}
	}

	hash, err := l.hashSecret(secret)
	if err != nil {
		return nil, err
	}

	now := l.now()
	account := &domain.Account{
		Username:           username,
		SecretHash:         hash,
		MinutesRemaining:   roundMinutes(minutes),
		BandwidthRemaining: bandwidth,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	_, err = l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO accounts (username, secret_hash, minutes_remaining, bandwidth_remaining, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), account.Username, account.SecretHash, account.MinutesRemaining, account.BandwidthRemaining,
		account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	l.logger.Info("Account created",
		slog.String("username", username),
		slog.Float64("minutes", account.MinutesRemaining),
		slog.Int64("bandwidth", bandwidth),
	)

	return account, nil
}

// SetSecret replaces the secret of an account
func (l *Ledger) SetSecret(ctx context.Context, username, secret string) error {
	hash, err := l.hashSecret(secret)
	if err != nil {
		return err
	}

	result, err := l.db.ExecContext(ctx, l.db.Rebind(`
		UPDATE accounts SET secret_hash = ?, updated_at = ? WHERE username = ?
	`), hash, l.now(), username)
	if err != nil {
		return fmt.Errorf("failed to set secret: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// Authenticate checks a username and secret pair
func (l *Ledger) Authenticate(ctx context.Context, username, secret string) (*domain.Account, error) {
	account, err := l.getAccount(ctx, l.db, username)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
			return nil, domain.ErrUnauthorized
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.SecretHash), []byte(secret)); err != nil {
		return nil, domain.ErrUnauthorized
	}
	return account, nil
}

// ListAccounts returns every account ordered by username
func (l *Ledger) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	var accounts []domain.Account
	err := l.db.SelectContext(ctx, &accounts, `
		SELECT username, secret_hash, minutes_remaining, bandwidth_remaining, created_at, updated_at
		FROM accounts ORDER BY username
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

func (l *Ledger) hashSecret(secret string) (string, error) {
	if len(secret) < 8 {
		return "", &domain.ValidationError{Field: "secret", Reason: "must be at least 8 characters"}
	}

	cost := l.bcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}
