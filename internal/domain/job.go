package domain

import (
	"database/sql"
	"fmt"
	"time"
)

// Job is the persisted record of a remote compilation job
type Job struct {
	JobID           string         `db:"job_id"`
	IdempotencyKey  string         `db:"idempotency_key"`
	Username        string         `db:"username"`
	Manifest        string         `db:"manifest"` // JSON string
	State           JobState       `db:"state"`
	HoldID          string         `db:"hold_id"`
	EstimatedCost   float64        `db:"estimated_cost"`
	ActualCost      float64        `db:"actual_cost"`
	InputsPath      string         `db:"inputs_path"`
	InputsBytes     int64          `db:"inputs_bytes"`
	WorkerID        sql.NullString `db:"worker_id"`
	SchedulerHandle sql.NullString `db:"scheduler_handle"`
	SchedulerState  string         `db:"scheduler_state"`
	ErrorMessage    string         `db:"error_message"`
	SubmittedAt     time.Time      `db:"submitted_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	CancelSentAt    sql.NullTime   `db:"cancel_sent_at"`
	ArchivedAt      sql.NullTime   `db:"archived_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// Transition moves an in-memory job to the next state, enforcing the state machine
func (j *Job) Transition(to JobState) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	return nil
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

// ResultBundle is the downloadable output of a succeeded job
type ResultBundle struct {
	JobID       string       `db:"job_id"`
	Username    string       `db:"username"`
	SizeBytes   int64        `db:"size_bytes"`
	Location    string       `db:"location"`
	SHA256      string       `db:"sha256"`
	Status      string       `db:"status"`
	CreatedAt   time.Time    `db:"created_at"`
	ExpiresAt   time.Time    `db:"expires_at"`
	ChargedAt   sql.NullTime `db:"charged_at"`
	DeliveredAt sql.NullTime `db:"delivered_at"`
}

// Account is a ledger account
type Account struct {
	Username           string    `db:"username"`
	SecretHash         string    `db:"secret_hash"`
	MinutesRemaining   float64   `db:"minutes_remaining"`
	BandwidthRemaining int64     `db:"bandwidth_remaining"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// Hold is a provisional debit against an account's minutes
type Hold struct {
	HoldID    string          `db:"hold_id"`
	Username  string          `db:"username"`
	Amount    float64         `db:"amount"`
	Settled   sql.NullFloat64 `db:"settled_amount"`
	Status    string          `db:"status"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}
