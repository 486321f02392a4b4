package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"batch-ingestion-service/internal/models"
)

// PostgresStore keeps submissions in Postgres. State transitions are single
// UPDATE statements guarded by the expected current state, so concurrent
// writers cannot skip or reverse a transition.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const unitColumns = `id, submission_id, unit_index, ids, priority, state, created_at, dispatched_at, completed_at, last_error`

func (s *PostgresStore) CreateSubmission(ctx context.Context, sub models.Submission) error {
	if sub.ID == "" {
		return fmt.Errorf("create submission: id is empty")
	}
	if len(sub.Units) == 0 {
		return fmt.Errorf("create submission %s: no work units", sub.ID)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		INSERT INTO submissions (id, priority, created_at) VALUES ($1, $2, $3)
	`, sub.ID, string(sub.Priority), sub.CreatedAt); err != nil {
		return wrapInsert("insert submission "+sub.ID, err)
	}

	batch := &pgx.Batch{}
	for _, u := range sub.Units {
		batch.Queue(`
			INSERT INTO work_units (`+unitColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, u.ID, sub.ID, u.Index, u.IDs, string(u.Priority), string(u.State), u.CreatedAt, u.DispatchedAt, u.CompletedAt, u.LastError)
	}
	results := tx.SendBatch(ctx, batch)
	for _, u := range sub.Units {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return wrapInsert("insert unit "+u.ID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("insert units: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSubmission(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM submissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete submission %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (models.Submission, error) {
	var sub models.Submission
	var priority string
	err := s.pool.QueryRow(ctx, `
		SELECT id, priority, created_at FROM submissions WHERE id = $1
	`, id).Scan(&sub.ID, &priority, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Submission{}, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Submission{}, fmt.Errorf("query submission: %w", err)
	}
	sub.Priority = models.Priority(priority)

	rows, err := s.pool.Query(ctx, `
		SELECT `+unitColumns+` FROM work_units WHERE submission_id = $1 ORDER BY unit_index
	`, id)
	if err != nil {
		return models.Submission{}, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return models.Submission{}, err
		}
		sub.Units = append(sub.Units, u)
	}
	if err := rows.Err(); err != nil {
		return models.Submission{}, fmt.Errorf("iterate units: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) GetUnit(ctx context.Context, unitID string) (models.WorkUnit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+unitColumns+` FROM work_units WHERE id = $1`, unitID)
	u, err := scanUnit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkUnit{}, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	return u, err
}

func (s *PostgresStore) MarkDispatched(ctx context.Context, unitID string, at time.Time) (models.WorkUnit, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE work_units SET state = $2, dispatched_at = $3
		WHERE id = $1 AND state = $4
		RETURNING `+unitColumns,
		unitID, string(models.StateDispatched), at, string(models.StatePending))
	return s.afterTransition(ctx, unitID, models.StateDispatched, row)
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, unitID string, at time.Time) (models.WorkUnit, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE work_units SET state = $2, completed_at = $3
		WHERE id = $1 AND state = $4
		RETURNING `+unitColumns,
		unitID, string(models.StateCompleted), at, string(models.StateDispatched))
	return s.afterTransition(ctx, unitID, models.StateCompleted, row)
}

func (s *PostgresStore) RecordFailure(ctx context.Context, unitID string, msg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_units SET last_error = $2 WHERE id = $1 AND state = $3
	`, unitID, msg, string(models.StateDispatched))
	if err != nil {
		return fmt.Errorf("record failure on unit %s: %w", unitID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetUnit(ctx, unitID); err != nil {
			return err
		}
		return fmt.Errorf("record failure on unit %s: %w", unitID, ErrInvalidTransition)
	}
	return nil
}

// afterTransition tells a missing unit apart from one in the wrong state when
// the guarded UPDATE matched no row.
func (s *PostgresStore) afterTransition(ctx context.Context, unitID string, next models.UnitState, row pgx.Row) (models.WorkUnit, error) {
	u, err := scanUnit(row)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.WorkUnit{}, fmt.Errorf("transition unit %s: %w", unitID, err)
	}
	current, err := s.GetUnit(ctx, unitID)
	if err != nil {
		return models.WorkUnit{}, err
	}
	return models.WorkUnit{}, fmt.Errorf("unit %s %s -> %s: %w", unitID, current.State, next, ErrInvalidTransition)
}

func scanUnit(row pgx.Row) (models.WorkUnit, error) {
	var (
		u        models.WorkUnit
		priority string
		state    string
		lastErr  pgtype.Text
	)
	if err := row.Scan(&u.ID, &u.SubmissionID, &u.Index, &u.IDs, &priority, &state, &u.CreatedAt, &u.DispatchedAt, &u.CompletedAt, &lastErr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WorkUnit{}, err
		}
		return models.WorkUnit{}, fmt.Errorf("scan unit: %w", err)
	}
	u.Priority = models.Priority(priority)
	u.State = models.UnitState(state)
	u.LastError = textPtr(lastErr)
	return u, nil
}

func wrapInsert(what string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
