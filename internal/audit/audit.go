// Package audit is the append-only Postgres audit trail for job, auth, and
// credit lifecycle events. It is purely an operational support trail: the
// chain remains the ledger of record for credits, and no gated endpoint ever
// reads a row back from this package.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultPingTimeout     = 5 * time.Second
)

// Kind enumerates the lifecycle events this trail records.
type Kind string

const (
	KindJobCreated        Kind = "job_created"
	KindJobDispatchFailed Kind = "job_dispatch_failed"
	KindJobCallback       Kind = "job_callback"
	KindAuthChallenge     Kind = "auth_challenge"
	KindAuthVerified      Kind = "auth_verified"
	KindCreditTopupIntent Kind = "credit_topup_intent"
	KindCreditTopupFilled Kind = "credit_topup_confirmed"
	KindUnlockNew         Kind = "unlock_new"
	KindUnlockReplay      Kind = "unlock_replay"
	KindUnlockDenied      Kind = "unlock_denied"
)

// Event is one append-only row. Detail is arbitrary structured context,
// stored as jsonb.
type Event struct {
	Kind            Kind
	JobID           string
	Wallet          string
	UnlockRequestID string
	TxSignature     string
	Detail          any
}

// Connect opens a pooled connection to the audit database.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit database: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id                 UUID PRIMARY KEY,
	occurred_at        TIMESTAMPTZ NOT NULL,
	kind               TEXT NOT NULL,
	job_id             TEXT,
	wallet             TEXT,
	unlock_request_id  TEXT,
	tx_signature       TEXT,
	detail             JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS audit_events_job_id_idx ON audit_events (job_id);
CREATE INDEX IF NOT EXISTS audit_events_wallet_idx ON audit_events (wallet);
`

// EnsureSchema creates the audit_events table if it does not already exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Repository appends lifecycle events. It never fails the caller's primary
// request: callers should log and continue on a Record error.
type Repository struct {
	db *sqlx.DB
}

// NewRepository constructs a Repository. db may be nil, in which case
// Record is a no-op: audit logging is optional and skipped entirely when no
// database is configured.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const insertEvent = `
	INSERT INTO audit_events (id, occurred_at, kind, job_id, wallet, unlock_request_id, tx_signature, detail)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Record appends one event. detail is marshaled to JSON; a nil Detail stores
// an empty object rather than SQL NULL, keeping the column always queryable
// as jsonb.
func (r *Repository) Record(ctx context.Context, ev Event) error {
	if r.db == nil {
		return nil
	}

	detail := ev.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}

	_, err = r.db.ExecContext(ctx, insertEvent,
		uuid.NewString(), time.Now().UTC(), string(ev.Kind),
		nullableString(ev.JobID), nullableString(ev.Wallet),
		nullableString(ev.UnlockRequestID), nullableString(ev.TxSignature),
		payload,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// nullableString returns nil for an empty string so optional columns store
// SQL NULL instead of "".
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
