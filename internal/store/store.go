package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Capture outcomes.
const (
	OutcomeCaptured = "captured"
	OutcomeCached   = "cached"
	OutcomeNotFound = "not_found"
	OutcomeFailed   = "failed"
)

// CaptureRecord describes one token acquisition. The token itself is never
// stored, only its fingerprint.
type CaptureRecord struct {
	RunID       uuid.UUID
	Scenario    string
	Mode        string
	User        string
	TenantID    string
	ObjectID    string
	ExpiresAt   *time.Time
	Outcome     string
	Fingerprint string
	Error       string
	CapturedAt  time.Time
}

// ProbeRecord describes one webchat probe.
type ProbeRecord struct {
	URL          string
	Kind         string
	Open         *bool
	HasKnowledge *bool
	Titles       []string
	Response     string
	Error        string
	ProbedAt     time.Time
}

// Store persists capture and probe history in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Fingerprint identifies a token without revealing it.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

const schemaSQL = `
        CREATE TABLE IF NOT EXISTS captures (
            run_id      UUID PRIMARY KEY,
            scenario    TEXT NOT NULL,
            mode        TEXT NOT NULL,
            username    TEXT NOT NULL,
            tenant_id   TEXT,
            object_id   TEXT,
            expires_at  TIMESTAMPTZ,
            outcome     TEXT NOT NULL,
            fingerprint TEXT,
            error       TEXT,
            captured_at TIMESTAMPTZ NOT NULL
        );
        CREATE TABLE IF NOT EXISTS probes (
            run_id        UUID NOT NULL,
            url           TEXT NOT NULL,
            kind          TEXT NOT NULL,
            open          BOOLEAN,
            has_knowledge BOOLEAN,
            titles        TEXT[],
            response      TEXT,
            error         TEXT,
            probed_at     TIMESTAMPTZ NOT NULL
        );
    `

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

const insertCaptureSQL = `
        INSERT INTO captures (run_id, scenario, mode, username, tenant_id, object_id, expires_at, outcome, fingerprint, error, captured_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
    `

// RecordCapture inserts one capture record.
func (s *Store) RecordCapture(ctx context.Context, rec CaptureRecord) error {
	capturedAt := rec.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	var expiresAt *time.Time
	if rec.ExpiresAt != nil {
		utc := rec.ExpiresAt.UTC()
		expiresAt = &utc
	}

	_, err := s.pool.Exec(ctx, insertCaptureSQL,
		rec.RunID, rec.Scenario, rec.Mode, rec.User,
		rec.TenantID, rec.ObjectID, expiresAt,
		rec.Outcome, rec.Fingerprint, rec.Error,
		capturedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record capture %s: %w", rec.RunID, err)
	}
	s.log.Debug("Capture recorded.", zap.Stringer("run_id", rec.RunID), zap.String("outcome", rec.Outcome))
	return nil
}

var probeColumns = []string{"run_id", "url", "kind", "open", "has_knowledge", "titles", "response", "error", "probed_at"}

// RecordProbes stores the results of one probe run in a single transaction.
func (s *Store) RecordProbes(ctx context.Context, runID uuid.UUID, probes []ProbeRecord) error {
	if len(probes) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	rows := make([][]interface{}, len(probes))
	for i, p := range probes {
		probedAt := p.ProbedAt
		if probedAt.IsZero() {
			probedAt = time.Now()
		}
		rows[i] = []interface{}{
			runID, p.URL, p.Kind,
			p.Open, p.HasKnowledge, p.Titles,
			p.Response, p.Error, probedAt.UTC(),
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"probes"}, probeColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy probes: %w", err)
	}
	if int(copyCount) != len(probes) {
		return fmt.Errorf("mismatch in copied probes count: expected %d, got %d", len(probes), copyCount)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const recentCapturesSQL = `
        SELECT run_id, scenario, mode, username, tenant_id, object_id, expires_at, outcome, fingerprint, error, captured_at
        FROM captures
        ORDER BY captured_at DESC
        LIMIT $1;
    `

// RecentCaptures returns the newest capture records first.
func (s *Store) RecentCaptures(ctx context.Context, limit int) ([]CaptureRecord, error) {
	rows, err := s.pool.Query(ctx, recentCapturesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query captures: %w", err)
	}
	defer rows.Close()

	var records []CaptureRecord
	for rows.Next() {
		var rec CaptureRecord
		var tenantID, objectID, fingerprint, errText *string
		err := rows.Scan(
			&rec.RunID, &rec.Scenario, &rec.Mode, &rec.User,
			&tenantID, &objectID, &rec.ExpiresAt,
			&rec.Outcome, &fingerprint, &errText,
			&rec.CapturedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capture row: %w", err)
		}
		rec.TenantID = deref(tenantID)
		rec.ObjectID = deref(objectID)
		rec.Fingerprint = deref(fingerprint)
		rec.Error = deref(errText)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
