package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/ocx/trustscore/internal/core"
)

// SpannerStore persists records in Cloud Spanner. Every record is committed as
// one ReadWriteTransaction of buffered mutations.
//
// Expected DDL:
//
//	CREATE TABLE ValidationRecords (ValidationID STRING(64) NOT NULL, AgentID STRING(256) NOT NULL,
//	  TenantID STRING(256), State STRING(32) NOT NULL, Body STRING(MAX) NOT NULL,
//	  CreatedAt TIMESTAMP NOT NULL) PRIMARY KEY (ValidationID);
//	CREATE TABLE TrustScores (AgentID STRING(256) NOT NULL, ValidationID STRING(64) NOT NULL,
//	  OverallScore FLOAT64, RiskLevel STRING(16), TrustLevel STRING(16), ComputedAt TIMESTAMP NOT NULL,
//	  ValidUntil TIMESTAMP, Body STRING(MAX) NOT NULL) PRIMARY KEY (AgentID, ComputedAt DESC, ValidationID);
//	CREATE TABLE DriftEvents (EventID STRING(64) NOT NULL, AgentID STRING(256), ValidationID STRING(64),
//	  DriftScore FLOAT64, Severity STRING(16), DetectedAt TIMESTAMP, Body STRING(MAX)) PRIMARY KEY (EventID);
//	CREATE TABLE EscalationCases (CaseID STRING(64) NOT NULL, AgentID STRING(256), ValidationID STRING(64),
//	  Status STRING(16), Body STRING(MAX), CreatedAt TIMESTAMP, UpdatedAt TIMESTAMP) PRIMARY KEY (CaseID);
//	CREATE INDEX EscalationCasesByValidation ON EscalationCases(ValidationID);
//
// Badges live inside the record body.
type SpannerStore struct {
	client *spanner.Client
	logger *slog.Logger
}

// NewSpannerStore connects to projects/<project>/instances/<instance>/databases/<db>.
func NewSpannerStore(ctx context.Context, project, instance, db string) (*SpannerStore, error) {
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, db)
	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}
	return &SpannerStore{
		client: client,
		logger: slog.Default().With("component", "store.spanner"),
	}, nil
}

func (s *SpannerStore) SaveRecord(ctx context.Context, rec *core.ValidationRecord) error {
	if rec == nil || rec.ValidationID == "" {
		return fmt.Errorf("save record: %w", core.ErrInvalidRequest)
	}
	mutations, err := recordMutations(rec)
	if err != nil {
		return err
	}
	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		return txn.BufferWrite(mutations)
	})
	if err != nil {
		return fmt.Errorf("commit record %s: %w", rec.ValidationID, err)
	}
	s.logger.Debug("record committed", "validation_id", rec.ValidationID, "mutations", len(mutations))
	return nil
}

// recordMutations builds the insert mutations for one record.
func recordMutations(rec *core.ValidationRecord) ([]*spanner.Mutation, error) {
	body, err := json.Marshal(recordBody(rec))
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	ms := []*spanner.Mutation{
		spanner.Insert("ValidationRecords",
			[]string{"ValidationID", "AgentID", "TenantID", "State", "Body", "CreatedAt"},
			[]interface{}{rec.ValidationID, rec.AgentID, rec.TenantID, string(rec.State), string(body), rec.CreatedAt},
		),
	}

	if ts := rec.TrustScore; ts != nil {
		b, err := json.Marshal(ts)
		if err != nil {
			return nil, fmt.Errorf("marshal trust score: %w", err)
		}
		ms = append(ms, spanner.Insert("TrustScores",
			[]string{"AgentID", "ValidationID", "OverallScore", "RiskLevel", "TrustLevel", "ComputedAt", "ValidUntil", "Body"},
			[]interface{}{ts.AgentID, rec.ValidationID, ts.OverallScore, string(ts.RiskLevel), string(ts.TrustLevel),
				ts.ComputedAt, ts.ValidUntil, string(b)},
		))
	}

	if e := rec.DriftEvent; e != nil {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal drift event: %w", err)
		}
		ms = append(ms, spanner.Insert("DriftEvents",
			[]string{"EventID", "AgentID", "ValidationID", "DriftScore", "Severity", "DetectedAt", "Body"},
			[]interface{}{e.ID, e.AgentID, rec.ValidationID, e.DriftScore, string(e.Severity), e.DetectedAt, string(b)},
		))
	}

	if c := rec.Escalation; c != nil {
		m, err := escalationMutation(*c, spanner.Insert)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, nil
}

func escalationMutation(c core.EscalationCase, op func(string, []string, []interface{}) *spanner.Mutation) (*spanner.Mutation, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal escalation: %w", err)
	}
	return op("EscalationCases",
		[]string{"CaseID", "AgentID", "ValidationID", "Status", "Body", "CreatedAt", "UpdatedAt"},
		[]interface{}{c.ID, c.AgentID, c.ValidationID, string(c.Status), string(b), c.CreatedAt, c.UpdatedAt},
	), nil
}

func (s *SpannerStore) GetRecord(ctx context.Context, validationID string) (*core.ValidationRecord, error) {
	row, err := s.client.Single().ReadRow(ctx, "ValidationRecords", spanner.Key{validationID}, []string{"Body"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, fmt.Errorf("validation %s: %w", validationID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	var body string
	if err := row.Columns(&body); err != nil {
		return nil, err
	}
	var rec core.ValidationRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", validationID, err)
	}

	stmt := spanner.Statement{
		SQL:    `SELECT Body FROM EscalationCases@{FORCE_INDEX=EscalationCasesByValidation} WHERE ValidationID = @id`,
		Params: map[string]interface{}{"id": validationID},
	}
	c, err := s.queryEscalation(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if c != nil {
		rec.Escalation = c
	}
	return &rec, nil
}

func (s *SpannerStore) LatestTrustScore(ctx context.Context, agentID string) (*core.TrustScore, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT Body FROM TrustScores WHERE AgentID = @agent ORDER BY ComputedAt DESC LIMIT 1`,
		Params: map[string]interface{}{"agent": agentID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, fmt.Errorf("trust score for %s: %w", agentID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest trust score: %w", err)
	}
	var body string
	if err := row.Columns(&body); err != nil {
		return nil, err
	}
	var ts core.TrustScore
	if err := json.Unmarshal([]byte(body), &ts); err != nil {
		return nil, fmt.Errorf("decode trust score for %s: %w", agentID, err)
	}
	return &ts, nil
}

func (s *SpannerStore) GetEscalation(ctx context.Context, caseID string) (*core.EscalationCase, error) {
	row, err := s.client.Single().ReadRow(ctx, "EscalationCases", spanner.Key{caseID}, []string{"Body"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, fmt.Errorf("escalation %s: %w", caseID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	return decodeEscalationRow(row)
}

// queryEscalation returns nil, nil when the statement matches no case.
func (s *SpannerStore) queryEscalation(ctx context.Context, stmt spanner.Statement) (*core.EscalationCase, error) {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()
	row, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query escalation: %w", err)
	}
	return decodeEscalationRow(row)
}

func decodeEscalationRow(row *spanner.Row) (*core.EscalationCase, error) {
	var body string
	if err := row.Columns(&body); err != nil {
		return nil, err
	}
	var c core.EscalationCase
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("decode escalation: %w", err)
	}
	return &c, nil
}

func (s *SpannerStore) UpdateEscalation(ctx context.Context, c core.EscalationCase) error {
	m, err := escalationMutation(c, spanner.Update)
	if err != nil {
		return err
	}
	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		if _, err := txn.ReadRow(ctx, "EscalationCases", spanner.Key{c.ID}, []string{"CaseID"}); err != nil {
			return err
		}
		return txn.BufferWrite([]*spanner.Mutation{m})
	})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return fmt.Errorf("escalation %s: %w", c.ID, core.ErrNotFound)
		}
		return fmt.Errorf("update escalation: %w", err)
	}
	return nil
}

// ResolveEscalation reads the case status and buffers the record and the
// RESOLVED case in the same read-write transaction.
func (s *SpannerStore) ResolveEscalation(ctx context.Context, rec *core.ValidationRecord, c core.EscalationCase) error {
	if rec == nil || rec.ValidationID == "" {
		return fmt.Errorf("resolve escalation: %w", core.ErrInvalidRequest)
	}
	mutations, err := recordMutations(rec)
	if err != nil {
		return err
	}
	c.Status = core.EscalationResolved
	m, err := escalationMutation(c, spanner.Update)
	if err != nil {
		return err
	}
	mutations = append(mutations, m)

	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, "EscalationCases", spanner.Key{c.ID}, []string{"Status"})
		if err != nil {
			return err
		}
		var status spanner.NullString
		if err := row.Columns(&status); err != nil {
			return err
		}
		if status.StringVal == string(core.EscalationResolved) {
			return alreadyResolved(c)
		}
		return txn.BufferWrite(mutations)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrInvalidTransition):
		return err
	case spanner.ErrCode(err) == codes.NotFound:
		return fmt.Errorf("escalation %s: %w", c.ID, core.ErrNotFound)
	default:
		return fmt.Errorf("resolve escalation %s: %w", c.ID, err)
	}
}

func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}
