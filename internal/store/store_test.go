package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/trustscore/internal/core"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func sampleRecord(id, agent string, at time.Time, escalate bool) *core.ValidationRecord {
	score := &core.TrustScore{
		AgentID:            agent,
		ValidationID:       id,
		OverallScore:       0.82,
		ConfidenceInterval: core.Interval{Lower: 0.75, Upper: 0.89},
		ComponentScores:    map[string]float64{"v1": 0.8, "v2": 0.84},
		RiskLevel:          core.RiskMedium,
		TrustLevel:         core.TrustValidated,
		SampleSize:         2,
		ComputedAt:         at,
		ValidUntil:         at.Add(time.Hour),
	}
	rec := &core.ValidationRecord{
		ValidationID: id,
		AgentID:      agent,
		TenantID:     "tenant-a",
		State:        core.StatePersisted,
		ResultSet: core.ResultSet{
			ValidationID: id,
			AgentID:      agent,
			Results: []core.ValidationResult{
				{ValidatorID: "v1", Score: 0.8, Confidence: 1, Weight: 1},
				{ValidatorID: "v2", Score: 0.84, Confidence: 1, Weight: 1},
			},
			Status: core.ResultSetComplete,
		},
		TrustScore: score,
		Badges:     []core.Badge{{Name: "validated", AgentID: agent, AssignedAt: at, ExpiresAt: at.Add(time.Hour)}},
		CreatedAt:  at,
	}
	if escalate {
		rec.State = core.StatePersisted
		rec.DriftEvent = &core.DriftEvent{ID: "drift-" + id, AgentID: agent, ValidationID: id, DriftScore: 4.2, Severity: core.DriftSevere, DetectedAt: at}
		rec.Escalation = &core.EscalationCase{
			ID:           "case-" + id,
			AgentID:      agent,
			ValidationID: id,
			TrustScore:   *score,
			Reasons:      []string{"SEVERE_DRIFT"},
			Status:       core.EscalationPending,
			CreatedAt:    at,
			UpdatedAt:    at,
		}
	}
	return rec
}

func TestMemoryStore_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := sampleRecord("val-1", "agent-1", t0, true)
	require.NoError(t, s.SaveRecord(ctx, rec))

	got, err := s.GetRecord(ctx, "val-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)
	require.NotNil(t, got.Escalation)
	assert.Equal(t, core.EscalationPending, got.Escalation.Status)

	// Mutating the caller's copy must not leak into the store.
	rec.TrustScore.ComponentScores["v1"] = 0
	again, err := s.GetRecord(ctx, "val-1")
	require.NoError(t, err)
	assert.Equal(t, 0.8, again.TrustScore.ComponentScores["v1"])

	err = s.SaveRecord(ctx, sampleRecord("val-1", "agent-1", t0, false))
	assert.Error(t, err)

	_, err = s.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryStore_LatestTrustScore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.LatestTrustScore(ctx, "agent-1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, s.SaveRecord(ctx, sampleRecord("val-2", "agent-1", t0.Add(time.Minute), false)))
	require.NoError(t, s.SaveRecord(ctx, sampleRecord("val-1", "agent-1", t0, false)))

	failed := &core.ValidationRecord{ValidationID: "val-3", AgentID: "agent-1", State: core.StateFailed, CreatedAt: t0.Add(time.Hour)}
	require.NoError(t, s.SaveRecord(ctx, failed))

	latest, err := s.LatestTrustScore(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "val-2", latest.ValidationID)
}

func TestMemoryStore_UpdateEscalation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveRecord(ctx, sampleRecord("val-1", "agent-1", t0, true)))

	c, err := s.GetEscalation(ctx, "case-val-1")
	require.NoError(t, err)
	c.Status = core.EscalationResolved
	c.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, s.UpdateEscalation(ctx, *c))

	rec, err := s.GetRecord(ctx, "val-1")
	require.NoError(t, err)
	assert.Equal(t, core.EscalationResolved, rec.Escalation.Status)

	err = s.UpdateEscalation(ctx, core.EscalationCase{ID: "nope"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryStore_ConcurrentAgents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for a := 0; a < 4; a++ {
		wg.Add(1)
		go func(a int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := fmt.Sprintf("val-%d-%d", a, i)
				assert.NoError(t, s.SaveRecord(ctx, sampleRecord(id, fmt.Sprintf("agent-%d", a), t0.Add(time.Duration(i)*time.Second), false)))
			}
		}(a)
	}
	wg.Wait()

	for a := 0; a < 4; a++ {
		latest, err := s.LatestTrustScore(ctx, fmt.Sprintf("agent-%d", a))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("val-%d-24", a), latest.ValidationID)
	}
}

func TestMemoryStore_ResolveEscalationOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveRecord(ctx, sampleRecord("val-1", "agent-1", t0, true)))

	c, err := s.GetEscalation(ctx, "case-val-1")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      []string
		rejected int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("val-r%d", i)
			err := s.ResolveEscalation(ctx, sampleRecord(id, "agent-1", t0.Add(time.Minute), false), *c)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won = append(won, id)
				return
			}
			assert.ErrorIs(t, err, core.ErrInvalidTransition)
			rejected++
		}(i)
	}
	wg.Wait()

	require.Len(t, won, 1)
	assert.Equal(t, 15, rejected)

	got, err := s.GetEscalation(ctx, "case-val-1")
	require.NoError(t, err)
	assert.Equal(t, core.EscalationResolved, got.Status)

	latest, err := s.LatestTrustScore(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, won[0], latest.ValidationID)

	// Losing resolutions leave no record behind.
	for i := 0; i < 16; i++ {
		id := fmt.Sprintf("val-r%d", i)
		if id == won[0] {
			continue
		}
		_, err := s.GetRecord(ctx, id)
		assert.ErrorIs(t, err, core.ErrNotFound)
	}

	err = s.ResolveEscalation(ctx, sampleRecord("val-x", "agent-1", t0, false), core.EscalationCase{ID: "nope"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPostgresStore_SaveRecordCommitsEverything(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStoreFromDB(db)
	rec := sampleRecord("val-1", "agent-1", t0, true)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO validation_records").
		WithArgs("val-1", "agent-1", "tenant-a", "PERSISTED", "", sqlmock.AnyArg(), t0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO trust_scores").
		WithArgs("val-1", "agent-1", 0.82, "MEDIUM", "VALIDATED", t0, t0.Add(time.Hour), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO badges").
		WithArgs("val-1", "agent-1", "validated", false, t0, t0.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO drift_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO escalation_cases").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveRecord(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRecordRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStoreFromDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO validation_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO trust_scores").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = s.SaveRecord(context.Background(), sampleRecord("val-1", "agent-1", t0, false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert trust score")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailedRecordHasNoScore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStoreFromDB(db)
	rec := &core.ValidationRecord{
		ValidationID: "val-9",
		AgentID:      "agent-1",
		State:        core.StateFailed,
		ResultSet:    core.ResultSet{Status: core.ResultSetInsufficientData},
		Error:        "insufficient data",
		CreatedAt:    t0,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO validation_records").
		WithArgs("val-9", "agent-1", "", "FAILED", "insufficient data", sqlmock.AnyArg(), t0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveRecord(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStoreFromDB(db)
	rec := sampleRecord("val-1", "agent-1", t0, true)
	recBody, err := json.Marshal(recordBody(rec))
	require.NoError(t, err)
	resolved := *rec.Escalation
	resolved.Status = core.EscalationResolved
	caseBody, err := json.Marshal(resolved)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT r.body, e.body").
		WithArgs("val-1").
		WillReturnRows(sqlmock.NewRows([]string{"body", "body"}).AddRow(recBody, caseBody))

	got, err := s.GetRecord(context.Background(), "val-1")
	require.NoError(t, err)
	assert.Equal(t, 0.82, got.TrustScore.OverallScore)
	require.NotNil(t, got.Escalation)
	assert.Equal(t, core.EscalationResolved, got.Escalation.Status)

	mock.ExpectQuery("SELECT r.body, e.body").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"body", "body"}))
	_, err = s.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestTrustScore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStoreFromDB(db)
	body, err := json.Marshal(sampleRecord("val-1", "agent-1", t0, false).TrustScore)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT body FROM trust_scores").
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(body))

	ts, err := s.LatestTrustScore(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "val-1", ts.ValidationID)
	assert.Equal(t, core.RiskMedium, ts.RiskLevel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEscalationNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStoreFromDB(db)
	mock.ExpectExec("UPDATE escalation_cases").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.UpdateEscalation(context.Background(), core.EscalationCase{ID: "case-x", Status: core.EscalationInReview})
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveEscalationLocksCase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStoreFromDB(db)
	c := core.EscalationCase{ID: "case-val-1", AgentID: "agent-1", ValidationID: "val-1", Status: core.EscalationInReview, UpdatedAt: t0}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM escalation_cases WHERE id = \\$1 FOR UPDATE").
		WithArgs("case-val-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("IN_REVIEW"))
	mock.ExpectExec("INSERT INTO validation_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO trust_scores").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO badges").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE escalation_cases").
		WithArgs("case-val-1", "RESOLVED", sqlmock.AnyArg(), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.ResolveEscalation(context.Background(), sampleRecord("val-2", "agent-1", t0, false), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveEscalationRejectsResolvedCase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStoreFromDB(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM escalation_cases").
		WithArgs("case-val-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("RESOLVED"))
	mock.ExpectRollback()

	err = s.ResolveEscalation(context.Background(), sampleRecord("val-2", "agent-1", t0, false),
		core.EscalationCase{ID: "case-val-1", AgentID: "agent-1"})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordMutations(t *testing.T) {
	ms, err := recordMutations(sampleRecord("val-1", "agent-1", t0, true))
	require.NoError(t, err)
	// record, score, drift event, escalation
	assert.Len(t, ms, 4)

	failed := &core.ValidationRecord{ValidationID: "val-2", AgentID: "agent-1", State: core.StateFailed}
	ms, err = recordMutations(failed)
	require.NoError(t, err)
	assert.Len(t, ms, 1)
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeRedis) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, core.ErrNotFound)
	}
	return v, nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func TestRedisScoreCache(t *testing.T) {
	ctx := context.Background()
	r := newFakeRedis()
	c := NewRedisScoreCache(r, "", time.Hour)
	c.now = func() time.Time { return t0.Add(20 * time.Minute) }

	_, err := c.Get(ctx, "agent-1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	ts := sampleRecord("val-1", "agent-1", t0, false).TrustScore
	require.NoError(t, c.Set(ctx, ts))
	assert.Equal(t, 40*time.Minute, r.ttls["trust:score:agent-1"])

	got, err := c.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, ts.OverallScore, got.OverallScore)

	require.NoError(t, c.Invalidate(ctx, "agent-1"))
	_, err = c.Get(ctx, "agent-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRedisScoreCache_SkipsExpiredScores(t *testing.T) {
	r := newFakeRedis()
	c := NewRedisScoreCache(r, "p:", time.Hour)
	c.now = func() time.Time { return t0.Add(2 * time.Hour) }

	require.NoError(t, c.Set(context.Background(), sampleRecord("val-1", "agent-1", t0, false).TrustScore))
	assert.Empty(t, r.data)
}

type fakeUploader struct {
	key  string
	body []byte
	err  error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = *in.Key
	f.body, _ = io.ReadAll(in.Body)
	return &manager.UploadOutput{}, nil
}

func TestS3Archiver(t *testing.T) {
	up := &fakeUploader{}
	a := &S3Archiver{bucket: "trust-archive", prefix: "prod", uploader: up}

	rec := sampleRecord("val-1", "agent-1", t0, false)
	require.NoError(t, a.ArchiveRecord(context.Background(), rec))
	assert.Equal(t, "prod/records/2026/03/14/agent-1/val-1.json", up.key)

	var decoded core.ValidationRecord
	require.NoError(t, json.Unmarshal(up.body, &decoded))
	assert.Equal(t, "val-1", decoded.ValidationID)

	up.err = errors.New("access denied")
	assert.Error(t, a.ArchiveRecord(context.Background(), rec))
	assert.Error(t, a.ArchiveRecord(context.Background(), nil))
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = New(ctx, Config{Backend: "spanner"})
	assert.Error(t, err)

	_, err = New(ctx, Config{Backend: "postgres"})
	assert.Error(t, err)

	_, err = New(ctx, Config{Backend: "cassandra"})
	assert.Error(t, err)
}

func TestConfigApplyEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/trust")

	var cfg Config
	cfg.ApplyEnv()
	assert.Equal(t, "postgres", cfg.Backend)
	assert.Equal(t, "postgres://localhost/trust", cfg.PostgresDSN)
}
