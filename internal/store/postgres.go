package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"workitem-pipeline/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotPending is returned when a transition targets an item that is no longer pending
// or is claimed by a different step run.
var ErrNotPending = errors.New("work item is not pending for this step run")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateRun inserts a new run with a generated id.
func (s *Store) CreateRun(ctx context.Context) (models.Run, error) {
	run := models.Run{ID: uuid.New().String(), CreatedAt: time.Now().UTC()}
	if _, err := s.pool.Exec(ctx, `INSERT INTO runs (id, created_at) VALUES ($1, $2)`, run.ID, run.CreatedAt); err != nil {
		return models.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// EnsureRun inserts the run if an external orchestrator supplied its id.
func (s *Store) EnsureRun(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO runs (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, runID)
	if err != nil {
		return fmt.Errorf("ensure run: %w", err)
	}
	return nil
}

// CreateStepRun records the start of one stage invocation.
func (s *Store) CreateStepRun(ctx context.Context, runID, stepName string) (models.StepRun, error) {
	sr := models.StepRun{ID: uuid.New().String(), RunID: runID, StepName: stepName, StartedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO step_runs (id, run_id, step_name, started_at) VALUES ($1, $2, $3, $4)
	`, sr.ID, sr.RunID, sr.StepName, sr.StartedAt)
	if err != nil {
		return models.StepRun{}, fmt.Errorf("insert step run: %w", err)
	}
	return sr, nil
}

// CreateItem inserts a pending work item into a stage inbox.
func (s *Store) CreateItem(ctx context.Context, runID, stage string, payload models.Payload) (models.WorkItem, error) {
	if payload == nil {
		payload = models.Payload{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC()
	item := models.WorkItem{
		ID:        uuid.New().String(),
		RunID:     runID,
		Stage:     stage,
		Payload:   payload,
		State:     models.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO work_items (id, run_id, stage, payload, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, item.ID, item.RunID, item.Stage, payloadJSON, string(item.State), now)
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}
	return item, nil
}

const itemColumns = `id, run_id, stage, step_run_id, payload, state, failure_kind, failure_code, failure_message, created_at, updated_at`

// GetItem fetches a work item by id.
func (s *Store) GetItem(ctx context.Context, id string) (models.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkItem{}, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return item, err
}

// ClaimItem binds a pending item to the claiming step run and returns it.
func (s *Store) ClaimItem(ctx context.Context, id, stepRunID string) (models.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE work_items SET step_run_id = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'PENDING'
		RETURNING `+itemColumns, id, stepRunID)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkItem{}, fmt.Errorf("claim %s: %w", id, ErrNotPending)
	}
	return item, err
}

// SavePayload persists payload mutations without changing state.
func (s *Store) SavePayload(ctx context.Context, id, stepRunID string, payload models.Payload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items SET payload = $3, updated_at = NOW()
		WHERE id = $1 AND step_run_id = $2 AND state = 'PENDING'
	`, id, stepRunID, payloadJSON)
	if err != nil {
		return fmt.Errorf("save payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save %s: %w", id, ErrNotPending)
	}
	return nil
}

// MarkDone transitions a claimed pending item to DONE.
func (s *Store) MarkDone(ctx context.Context, id, stepRunID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items SET state = 'DONE', updated_at = NOW()
		WHERE id = $1 AND step_run_id = $2 AND state = 'PENDING'
	`, id, stepRunID)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark done %s: %w", id, ErrNotPending)
	}
	return nil
}

// MarkFailed transitions a claimed pending item to FAILED with its classified reason.
func (s *Store) MarkFailed(ctx context.Context, id, stepRunID string, f models.Failure) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET state = 'FAILED', failure_kind = $3, failure_code = $4, failure_message = $5, updated_at = NOW()
		WHERE id = $1 AND step_run_id = $2 AND state = 'PENDING'
	`, id, stepRunID, string(f.Kind), f.Code, f.Message)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark failed %s: %w", id, ErrNotPending)
	}
	return nil
}

// ListStepRuns returns a page of step runs for a run in start order.
func (s *Store) ListStepRuns(ctx context.Context, runID string, limit, offset int) ([]models.StepRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, step_name, started_at FROM step_runs
		WHERE run_id = $1 ORDER BY started_at, id LIMIT $2 OFFSET $3
	`, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query step runs: %w", err)
	}
	defer rows.Close()

	var out []models.StepRun
	for rows.Next() {
		var sr models.StepRun
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.StepName, &sr.StartedAt); err != nil {
			return nil, fmt.Errorf("scan step run: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// ListRunItems returns a page of a run's work items in creation order, optionally limited to one stage inbox.
func (s *Store) ListRunItems(ctx context.Context, runID, stage string, limit, offset int) ([]models.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM work_items
		WHERE run_id = $1 AND ($2 = '' OR stage = $2)
		ORDER BY seq LIMIT $3 OFFSET $4
	`, runID, stage, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	defer rows.Close()

	var out []models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanItem(row pgx.Row) (models.WorkItem, error) {
	var item models.WorkItem
	var payloadJSON []byte
	var state string
	var stepRun, kind, code, msg pgtype.Text

	if err := row.Scan(&item.ID, &item.RunID, &item.Stage, &stepRun, &payloadJSON, &state, &kind, &code, &msg, &item.CreatedAt, &item.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WorkItem{}, err
		}
		return models.WorkItem{}, fmt.Errorf("scan work item: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &item.Payload); err != nil {
		return models.WorkItem{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	item.State = models.State(state)
	if stepRun.Valid {
		item.StepRunID = stepRun.String
	}
	if kind.Valid {
		item.Failure = &models.Failure{Kind: models.FailureKind(kind.String), Code: code.String, Message: msg.String}
	}
	return item, nil
}
