package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	resourceMinutes   = "compute minutes"
	resourceBandwidth = "bandwidth bytes"
)

// Config holds ledger settings
type Config struct {
	Logger     *slog.Logger
	BcryptCost int
}

// Ledger is the transactional quota store. Hold, Commit and Release are the
// only operations that move compute minutes.
type Ledger struct {
	db         *sqlx.DB
	logger     *slog.Logger
	locks      *userLocks
	bcryptCost int
	now        func() time.Time
}

// New creates a Ledger on top of db
func New(db *sqlx.DB, cfg Config) *Ledger {
	return &Ledger{
		db:         db,
		logger:     cfg.Logger,
		locks:      newUserLocks(),
		bcryptCost: cfg.BcryptCost,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// roundMinutes keeps balances at millisecond-of-minute precision
func roundMinutes(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// inTx runs fn in its own transaction
func (l *Ledger) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			l.logger.Error("Failed to roll back ledger transaction",
				slog.String("error", rbErr.Error()),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Hold provisionally debits amount minutes from username's balance
func (l *Ledger) Hold(ctx context.Context, username string, amount float64) (*domain.Hold, error) {
	unlock := l.locks.lock(username)
	defer unlock()

	var hold *domain.Hold
	err := l.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		hold, err = l.HoldTx(ctx, tx, username, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// HoldTx is Hold inside the caller's transaction. The conditional update is
// the guard; callers must not hold a per-user lock acquired after tx began.
func (l *Ledger) HoldTx(ctx context.Context, tx *sqlx.Tx, username string, amount float64) (*domain.Hold, error) {
	amount = roundMinutes(amount)
	if amount <= 0 {
		return nil, &domain.ValidationError{Field: "amount", Reason: "hold amount must be positive"}
	}

	now := l.now()
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE accounts
		SET minutes_remaining = minutes_remaining - ?,
		    updated_at = ?
		WHERE username = ? AND minutes_remaining >= ?
	`), amount, now, username, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to debit account: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		remaining, err := l.minutesRemaining(ctx, tx, username)
		if err != nil {
			return nil, err
		}
		l.logger.Info("Hold rejected - insufficient balance",
			slog.String("username", username),
			slog.Float64("requested", amount),
			slog.Float64("remaining", remaining),
		)
		return nil, &domain.QuotaError{Resource: resourceMinutes, Requested: amount, Remaining: remaining}
	}

	hold := &domain.Hold{
		HoldID:    uuid.New().String(),
		Username:  username,
		Amount:    amount,
		Status:    domain.HoldStatusHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO holds (hold_id, username, amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), hold.HoldID, hold.Username, hold.Amount, hold.Status, hold.CreatedAt, hold.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create hold: %w", err)
	}

	l.logger.Info("Hold granted",
		slog.String("hold_id", hold.HoldID),
		slog.String("username", username),
		slog.Float64("amount", amount),
	)

	return hold, nil
}

// Commit settles a hold at the actual amount and credits back the surplus.
// Committing an already committed hold is a no-op.
func (l *Ledger) Commit(ctx context.Context, holdID string, actual float64) (float64, error) {
	return l.settleStandalone(ctx, holdID, func(tx *sqlx.Tx) (float64, error) {
		return l.CommitTx(ctx, tx, holdID, actual)
	})
}

// CommitTx is Commit inside the caller's transaction. It returns the refund.
func (l *Ledger) CommitTx(ctx context.Context, tx *sqlx.Tx, holdID string, actual float64) (float64, error) {
	hold, err := l.getHold(ctx, tx, holdID)
	if err != nil {
		return 0, err
	}

	switch hold.Status {
	case domain.HoldStatusCommitted:
		return 0, nil
	case domain.HoldStatusReleased:
		return 0, fmt.Errorf("%w: hold %s already released", domain.ErrStateConflict, holdID)
	}

	actual = roundMinutes(math.Min(math.Max(actual, 0), hold.Amount))
	if err := l.settle(ctx, tx, hold, domain.HoldStatusCommitted, actual); err != nil {
		return 0, err
	}
	return roundMinutes(hold.Amount - actual), nil
}

// Release refunds a hold in full. Releasing an already released hold is a no-op.
func (l *Ledger) Release(ctx context.Context, holdID string) error {
	_, err := l.settleStandalone(ctx, holdID, func(tx *sqlx.Tx) (float64, error) {
		return 0, l.ReleaseTx(ctx, tx, holdID)
	})
	return err
}

// ReleaseTx is Release inside the caller's transaction
func (l *Ledger) ReleaseTx(ctx context.Context, tx *sqlx.Tx, holdID string) error {
	hold, err := l.getHold(ctx, tx, holdID)
	if err != nil {
		return err
	}

	switch hold.Status {
	case domain.HoldStatusReleased:
		return nil
	case domain.HoldStatusCommitted:
		return fmt.Errorf("%w: hold %s already committed", domain.ErrStateConflict, holdID)
	}

	return l.settle(ctx, tx, hold, domain.HoldStatusReleased, 0)
}

// settleStandalone looks up the hold owner, takes the owner's lock and runs fn in a new transaction
func (l *Ledger) settleStandalone(ctx context.Context, holdID string, fn func(tx *sqlx.Tx) (float64, error)) (float64, error) {
	hold, err := l.getHold(ctx, l.db, holdID)
	if err != nil {
		return 0, err
	}

	unlock := l.locks.lock(hold.Username)
	defer unlock()

	var refund float64
	err = l.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		refund, err = fn(tx)
		return err
	})
	return refund, err
}

// settle closes a held hold and credits amount-charged back to the account
func (l *Ledger) settle(ctx context.Context, tx *sqlx.Tx, hold *domain.Hold, status string, charged float64) error {
	now := l.now()
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE holds
		SET status = ?, settled_amount = ?, updated_at = ?
		WHERE hold_id = ? AND status = ?
	`), status, charged, now, hold.HoldID, domain.HoldStatusHeld)
	if err != nil {
		return fmt.Errorf("failed to settle hold: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: hold %s settled concurrently", domain.ErrStateConflict, hold.HoldID)
	}

	refund := roundMinutes(hold.Amount - charged)
	if refund > 0 {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE accounts
			SET minutes_remaining = minutes_remaining + ?,
			    updated_at = ?
			WHERE username = ?
		`), refund, now, hold.Username)
		if err != nil {
			return fmt.Errorf("failed to credit account: %w", err)
		}
	}

	l.logger.Info("Hold settled",
		slog.String("hold_id", hold.HoldID),
		slog.String("username", hold.Username),
		slog.String("status", status),
		slog.Float64("held", hold.Amount),
		slog.Float64("charged", charged),
		slog.Float64("refund", refund),
	)

	return nil
}

// ChargeBandwidth debits bytes of result bandwidth from username
func (l *Ledger) ChargeBandwidth(ctx context.Context, q sqlx.ExtContext, username string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}

	result, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE accounts
		SET bandwidth_remaining = bandwidth_remaining - ?,
		    updated_at = ?
		WHERE username = ? AND bandwidth_remaining >= ?
	`), bytes, l.now(), username, bytes)
	if err != nil {
		return fmt.Errorf("failed to charge bandwidth: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		account, err := l.getAccount(ctx, q, username)
		if err != nil {
			return err
		}
		return &domain.QuotaError{
			Resource:  resourceBandwidth,
			Requested: float64(bytes),
			Remaining: float64(account.BandwidthRemaining),
		}
	}

	l.logger.Info("Bandwidth charged",
		slog.String("username", username),
		slog.Int64("bytes", bytes),
	)
	return nil
}

// Credit adds minutes and bandwidth to an account
func (l *Ledger) Credit(ctx context.Context, username string, minutes float64, bytes int64) error {
	if minutes < 0 || bytes < 0 {
		return &domain.ValidationError{Field: "amount", Reason: "credit must not be negative"}
	}

	unlock := l.locks.lock(username)
	defer unlock()

	result, err := l.db.ExecContext(ctx, l.db.Rebind(`
		UPDATE accounts
		SET minutes_remaining = minutes_remaining + ?,
		    bandwidth_remaining = bandwidth_remaining + ?,
		    updated_at = ?
		WHERE username = ?
	`), roundMinutes(minutes), bytes, l.now(), username)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
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

// Balance returns the account of username
func (l *Ledger) Balance(ctx context.Context, username string) (*domain.Account, error) {
	return l.getAccount(ctx, l.db, username)
}

// OutstandingHolds sums the amounts of username's unsettled holds
func (l *Ledger) OutstandingHolds(ctx context.Context, username string) (float64, error) {
	var total sql.NullFloat64
	err := l.db.GetContext(ctx, &total, l.db.Rebind(`
		SELECT SUM(amount) FROM holds WHERE username = ? AND status = ?
	`), username, domain.HoldStatusHeld)
	if err != nil {
		return 0, fmt.Errorf("failed to sum holds: %w", err)
	}
	return roundMinutes(total.Float64), nil
}

// GetHold returns a hold by id
func (l *Ledger) GetHold(ctx context.Context, holdID string) (*domain.Hold, error) {
	return l.getHold(ctx, l.db, holdID)
}

func (l *Ledger) getHold(ctx context.Context, q sqlx.ExtContext, holdID string) (*domain.Hold, error) {
	var hold domain.Hold
	err := sqlx.GetContext(ctx, q, &hold, q.Rebind(`
		SELECT hold_id, username, amount, settled_amount, status, created_at, updated_at
		FROM holds WHERE hold_id = ?
	`), holdID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrHoldNotFound
		}
		return nil, fmt.Errorf("failed to get hold: %w", err)
	}
	return &hold, nil
}

func (l *Ledger) getAccount(ctx context.Context, q sqlx.ExtContext, username string) (*domain.Account, error) {
	var account domain.Account
	err := sqlx.GetContext(ctx, q, &account, q.Rebind(`
		SELECT username, secret_hash, minutes_remaining, bandwidth_remaining, created_at, updated_at
		FROM accounts WHERE username = ?
	`), username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (l *Ledger) minutesRemaining(ctx context.Context, q sqlx.ExtContext, username string) (float64, error) {
	account, err := l.getAccount(ctx, q, username)
	if err != nil {
		return 0, err
	}
	return account.MinutesRemaining, nil
}
