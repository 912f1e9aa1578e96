package storage

import (
	"strings"

	"github.com/cuongbtq/sc-remote/shared/database"
)

// schema is written once for both drivers; column types are substituted per driver.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		username            TEXT PRIMARY KEY,
		secret_hash         TEXT NOT NULL,
		minutes_remaining   {{float}} NOT NULL DEFAULT 0 CHECK (minutes_remaining >= 0),
		bandwidth_remaining {{bigint}} NOT NULL DEFAULT 0 CHECK (bandwidth_remaining >= 0),
		created_at          {{ts}} NOT NULL,
		updated_at          {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS holds (
		hold_id        TEXT PRIMARY KEY,
		username       TEXT NOT NULL REFERENCES accounts(username),
		amount         {{float}} NOT NULL CHECK (amount >= 0),
		settled_amount {{float}},
		status         TEXT NOT NULL,
		created_at     {{ts}} NOT NULL,
		updated_at     {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_holds_username_status ON holds (username, status)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id           TEXT PRIMARY KEY,
		idempotency_key  TEXT NOT NULL,
		username         TEXT NOT NULL REFERENCES accounts(username),
		manifest         TEXT NOT NULL,
		state            TEXT NOT NULL,
		hold_id          TEXT NOT NULL DEFAULT '',
		estimated_cost   {{float}} NOT NULL DEFAULT 0,
		actual_cost      {{float}} NOT NULL DEFAULT 0,
		inputs_path      TEXT NOT NULL DEFAULT '',
		inputs_bytes     {{bigint}} NOT NULL DEFAULT 0,
		worker_id        TEXT,
		scheduler_handle TEXT,
		scheduler_state  TEXT NOT NULL DEFAULT '',
		error_message    TEXT NOT NULL DEFAULT '',
		submitted_at     {{ts}} NOT NULL,
		started_at       {{ts}},
		completed_at     {{ts}},
		cancel_sent_at   {{ts}},
		archived_at      {{ts}},
		updated_at       {{ts}} NOT NULL,
		UNIQUE (username, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_user_submitted ON jobs (username, submitted_at, job_id)`,
	`CREATE TABLE IF NOT EXISTS result_bundles (
		job_id       TEXT PRIMARY KEY REFERENCES jobs(job_id),
		username     TEXT NOT NULL,
		size_bytes   {{bigint}} NOT NULL,
		location     TEXT NOT NULL,
		sha256       TEXT NOT NULL,
		status       TEXT NOT NULL,
		created_at   {{ts}} NOT NULL,
		expires_at   {{ts}} NOT NULL,
		charged_at   {{ts}},
		delivered_at {{ts}}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_result_bundles_status ON result_bundles (status, expires_at)`,
}

// Schema returns the migration statements for the given driver
func Schema(driver string) []string {
	types := strings.NewReplacer(
		"{{float}}", "DOUBLE PRECISION",
		"{{bigint}}", "BIGINT",
		"{{ts}}", "TIMESTAMPTZ",
	)
	if driver == database.DriverSQLite {
		types = strings.NewReplacer(
			"{{float}}", "REAL",
			"{{bigint}}", "INTEGER",
			"{{ts}}", "DATETIME",
		)
	}

	out := make([]string, len(schema))
	for i, stmt := range schema {
		out[i] = types.Replace(stmt)
	}
	return out
}
