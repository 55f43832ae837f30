package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ocx/trustscore/internal/core"
)

// Schema creates the tables PostgresStore writes to. Each table keeps the full
// JSON document next to the columns queries filter on.
const Schema = `
CREATE TABLE IF NOT EXISTS validation_records (
	validation_id TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	tenant_id     TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	body          JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trust_scores (
	validation_id TEXT PRIMARY KEY REFERENCES validation_records(validation_id),
	agent_id      TEXT NOT NULL,
	overall_score DOUBLE PRECISION NOT NULL,
	risk_level    TEXT NOT NULL,
	trust_level   TEXT NOT NULL,
	computed_at   TIMESTAMPTZ NOT NULL,
	valid_until   TIMESTAMPTZ NOT NULL,
	body          JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS trust_scores_agent_idx ON trust_scores (agent_id, computed_at DESC);

CREATE TABLE IF NOT EXISTS badges (
	validation_id TEXT NOT NULL REFERENCES validation_records(validation_id),
	agent_id      TEXT NOT NULL,
	name          TEXT NOT NULL,
	revoked       BOOLEAN NOT NULL DEFAULT FALSE,
	assigned_at   TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (validation_id, name, revoked)
);

CREATE TABLE IF NOT EXISTS drift_events (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	validation_id TEXT NOT NULL REFERENCES validation_records(validation_id),
	drift_score   DOUBLE PRECISION NOT NULL,
	severity      TEXT NOT NULL,
	detected_at   TIMESTAMPTZ NOT NULL,
	body          JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS escalation_cases (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	validation_id TEXT NOT NULL REFERENCES validation_records(validation_id),
	tenant_id     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	reasons       TEXT[] NOT NULL,
	body          JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
`

// PostgresStore persists records in PostgreSQL, one transaction per record.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens and pings dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRecord(ctx context.Context, rec *core.ValidationRecord) error {
	if rec == nil || rec.ValidationID == "" {
		return fmt.Errorf("save record: %w", core.ErrInvalidRequest)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

// insertRecord writes every row of rec inside tx.
func insertRecord(ctx context.Context, tx *sql.Tx, rec *core.ValidationRecord) error {
	body, err := json.Marshal(recordBody(rec))
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	const insertRecord = `
		INSERT INTO validation_records (validation_id, agent_id, tenant_id, state, error, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.ExecContext(ctx, insertRecord,
		rec.ValidationID, rec.AgentID, rec.TenantID, string(rec.State), rec.Error, string(body), rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert validation record: %w", err)
	}

	if ts := rec.TrustScore; ts != nil {
		scoreBody, err := json.Marshal(ts)
		if err != nil {
			return fmt.Errorf("marshal trust score: %w", err)
		}
		const insertScore = `
			INSERT INTO trust_scores (validation_id, agent_id, overall_score, risk_level, trust_level, computed_at, valid_until, body)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		if _, err := tx.ExecContext(ctx, insertScore,
			rec.ValidationID, ts.AgentID, ts.OverallScore, string(ts.RiskLevel), string(ts.TrustLevel),
			ts.ComputedAt, ts.ValidUntil, string(scoreBody),
		); err != nil {
			return fmt.Errorf("insert trust score: %w", err)
		}
	}

	const insertBadge = `
		INSERT INTO badges (validation_id, agent_id, name, revoked, assigned_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, set := range []struct {
		badges  []core.Badge
		revoked bool
	}{{rec.Badges, false}, {rec.RevokedBadges, true}} {
		for _, b := range set.badges {
			if _, err := tx.ExecContext(ctx, insertBadge,
				rec.ValidationID, b.AgentID, b.Name, set.revoked, b.AssignedAt, b.ExpiresAt,
			); err != nil {
				return fmt.Errorf("insert badge %s: %w", b.Name, err)
			}
		}
	}

	if e := rec.DriftEvent; e != nil {
		eventBody, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal drift event: %w", err)
		}
		const insertDrift = `
			INSERT INTO drift_events (id, agent_id, validation_id, drift_score, severity, detected_at, body)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		if _, err := tx.ExecContext(ctx, insertDrift,
			e.ID, e.AgentID, rec.ValidationID, e.DriftScore, string(e.Severity), e.DetectedAt, string(eventBody),
		); err != nil {
			return fmt.Errorf("insert drift event: %w", err)
		}
	}

	if c := rec.Escalation; c != nil {
		caseBody, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal escalation: %w", err)
		}
		const insertCase = `
			INSERT INTO escalation_cases (id, agent_id, validation_id, tenant_id, status, reasons, body, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		if _, err := tx.ExecContext(ctx, insertCase,
			c.ID, c.AgentID, rec.ValidationID, c.TenantID, string(c.Status), pq.Array(c.Reasons),
			string(caseBody), c.CreatedAt, c.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert escalation case: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, validationID string) (*core.ValidationRecord, error) {
	const query = `
		SELECT r.body, e.body
		FROM validation_records r
		LEFT JOIN escalation_cases e ON e.validation_id = r.validation_id
		WHERE r.validation_id = $1
	`
	var recBody, caseBody []byte
	if err := s.db.QueryRowContext(ctx, query, validationID).Scan(&recBody, &caseBody); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("validation %s: %w", validationID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec core.ValidationRecord
	if err := json.Unmarshal(recBody, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", validationID, err)
	}
	if len(caseBody) > 0 {
		var c core.EscalationCase
		if err := json.Unmarshal(caseBody, &c); err != nil {
			return nil, fmt.Errorf("decode escalation for %s: %w", validationID, err)
		}
		rec.Escalation = &c
	}
	return &rec, nil
}

func (s *PostgresStore) LatestTrustScore(ctx context.Context, agentID string) (*core.TrustScore, error) {
	const query = `
		SELECT body FROM trust_scores
		WHERE agent_id = $1
		ORDER BY computed_at DESC
		LIMIT 1
	`
	var body []byte
	if err := s.db.QueryRowContext(ctx, query, agentID).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trust score for %s: %w", agentID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("latest trust score: %w", err)
	}
	var ts core.TrustScore
	if err := json.Unmarshal(body, &ts); err != nil {
		return nil, fmt.Errorf("decode trust score for %s: %w", agentID, err)
	}
	return &ts, nil
}

func (s *PostgresStore) GetEscalation(ctx context.Context, caseID string) (*core.EscalationCase, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM escalation_cases WHERE id = $1`, caseID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("escalation %s: %w", caseID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	var c core.EscalationCase
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("decode escalation %s: %w", caseID, err)
	}
	return &c, nil
}

func (s *PostgresStore) UpdateEscalation(ctx context.Context, c core.EscalationCase) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}
	const query = `
		UPDATE escalation_cases
		SET status = $2, body = $3, updated_at = $4
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, c.ID, string(c.Status), string(body), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update escalation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("escalation %s: %w", c.ID, core.ErrNotFound)
	}
	return nil
}

// ResolveEscalation locks the case row, inserts rec and marks the case
// RESOLVED in one transaction.
func (s *PostgresStore) ResolveEscalation(ctx context.Context, rec *core.ValidationRecord, c core.EscalationCase) error {
	if rec == nil || rec.ValidationID == "" {
		return fmt.Errorf("resolve escalation: %w", core.ErrInvalidRequest)
	}
	c.Status = core.EscalationResolved
	caseBody, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM escalation_cases WHERE id = $1 FOR UPDATE`, c.ID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("escalation %s: %w", c.ID, core.ErrNotFound)
		}
		return fmt.Errorf("lock escalation: %w", err)
	}
	if status == string(core.EscalationResolved) {
		return alreadyResolved(c)
	}

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	const resolve = `
		UPDATE escalation_cases
		SET status = $2, body = $3, updated_at = $4
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, resolve, c.ID, string(c.Status), string(caseBody), c.UpdatedAt); err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resolution: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// recordBody is the record document without its escalation case, which has
// its own row and changes independently.
func recordBody(rec *core.ValidationRecord) *core.ValidationRecord {
	out := *rec
	out.Escalation = nil
	return &out
}
