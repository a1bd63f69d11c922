package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/vlhc/tunelab/internal/model"
	"github.com/vlhc/tunelab/internal/tune"
)

const jobColumns = `id, lab, grp, owner, team, paper, status, parameters, events,
	acknowledged, fit, fit_scores, results, reschedules, priority,
	submitted_at, last_event_at, completed_at`

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j      model.Job
		status string
	)
	err := row.Scan(&j.ID, &j.LabID, &j.Group, &j.Owner, &j.Team, &j.Paper, &status,
		&j.Parameters, &j.Events, &j.Acknowledged, &j.Fit, &j.FitScores, &j.Results,
		&j.Reschedules, &j.Priority, &j.SubmittedAt, &j.LastEventAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	return &j, nil
}

func tuneVector(t tune.Tune) pgvector.Vector {
	v := make([]float32, len(t.Params))
	for i, p := range t.Params {
		v[i] = float32(p.Value)
	}
	return pgvector.NewVector(v)
}

// CreateJob inserts j, assigning its ID and submission time.
func (db *DB) CreateJob(ctx context.Context, j *model.Job) error {
	if j.Status == "" {
		j.Status = model.JobPending
	}
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = time.Now().UTC()
	}
	if j.Results == nil {
		j.Results = map[string]any{}
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO jobs (lab, grp, owner, team, paper, status, parameters, tune_key, tune_vec,
		                   events, results, priority, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`,
		j.LabID, j.Group, j.Owner, j.Team, j.Paper, string(j.Status), j.Parameters,
		j.Parameters.Key(), tuneVector(j.Parameters), j.Events, j.Results, j.Priority, j.SubmittedAt,
	).Scan(&j.ID)
	if err != nil {
		return fmt.Errorf("storage: create job: %w", err)
	}
	return nil
}

// CloneJob inserts a cloned job whose result is the stored result of src.
// An empty source names the result metadata "source" value.
func (db *DB) CloneJob(ctx context.Context, j *model.Job, src int64, source string) error {
	j.Status = model.JobCloned
	j.Results = map[string]any{model.ResultSourceJob: src, model.ResultSource: source}
	now := time.Now().UTC()
	j.CompletedAt = &now
	if err := db.CreateJob(ctx, j); err != nil {
		return err
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE jobs SET completed_at = $2,
		        fit = (SELECT fit FROM jobs WHERE id = $3),
		        fit_scores = (SELECT fit_scores FROM jobs WHERE id = $3),
		        events = (SELECT events FROM jobs WHERE id = $3)
		 WHERE id = $1`, j.ID, now, src)
	if err != nil {
		return fmt.Errorf("storage: clone job %d from %d: %w", j.ID, src, err)
	}
	return nil
}

// GetJob returns one job or ErrNotFound.
func (db *DB) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	j, err := scanJob(db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("storage: job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get job %d: %w", id, err)
	}
	return j, nil
}

// UpdateJobStatus moves a job to status, checking the transition against the
// current row under a row lock.
func (db *DB) UpdateJobStatus(ctx context.Context, id int64, to model.JobStatus) error {
	return WithRetry(ctx, rowLockBackoff, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var from string
		err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&from)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: job %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("storage: lock job %d: %w", id, err)
		}
		if err := model.Transition(model.JobStatus(from), to); err != nil {
			return fmt.Errorf("storage: job %d: %w", id, err)
		}
		var completedAt *time.Time
		if to.Terminal() {
			now := time.Now().UTC()
			completedAt = &now
		}
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET status = $2, completed_at = COALESCE($3, completed_at) WHERE id = $1`,
			id, string(to), completedAt); err != nil {
			return fmt.Errorf("storage: update job %d: %w", id, err)
		}
		return tx.Commit(ctx)
	})
}

// SetJobEvents records the merged event count.
func (db *DB) SetJobEvents(ctx context.Context, id, events int64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET events = $2, last_event_at = now() WHERE id = $1`, id, events)
	if err != nil {
		return fmt.Errorf("storage: set events of job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: job %d: %w", id, ErrNotFound)
	}
	return nil
}

// RescheduleJob marks the job stalled with priority and returns its new
// reschedule count.
func (db *DB) RescheduleJob(ctx context.Context, id int64) (int, error) {
	var n int
	err := WithRetry(ctx, rowLockBackoff, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin reschedule tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var from string
		err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&from)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: job %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("storage: lock job %d: %w", id, err)
		}
		if err := model.Transition(model.JobStatus(from), model.JobStalled); err != nil {
			return fmt.Errorf("storage: job %d: %w", id, err)
		}
		if err := tx.QueryRow(ctx,
			`UPDATE jobs SET status = 'stalled', priority = true, reschedules = reschedules + 1
			 WHERE id = $1 RETURNING reschedules`, id).Scan(&n); err != nil {
			return fmt.Errorf("storage: reschedule job %d: %w", id, err)
		}
		return tx.Commit(ctx)
	})
	return n, err
}

// CompleteJob stores the final fit and result payload and marks the job
// completed.
func (db *DB) CompleteJob(ctx context.Context, id int64, fit *float64, scores map[string]float64, results map[string]any, payload []byte) error {
	if err := db.UpdateJobStatus(ctx, id, model.JobCompleted); err != nil {
		return err
	}
	if results == nil {
		results = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE jobs SET fit = $2, fit_scores = $3, results = results || $4, result = $5 WHERE id = $1`,
		id, fit, scores, results, payload)
	if err != nil {
		return fmt.Errorf("storage: complete job %d: %w", id, err)
	}
	return nil
}

// MergeJobResults merges keys into the job's result metadata.
func (db *DB) MergeJobResults(ctx context.Context, id int64, results map[string]any) error {
	_, err := db.pool.Exec(ctx, `UPDATE jobs SET results = results || $2 WHERE id = $1`, id, results)
	if err != nil {
		return fmt.Errorf("storage: merge results of job %d: %w", id, err)
	}
	return nil
}

// AcknowledgeJob marks the job's result as seen by its owner.
func (db *DB) AcknowledgeJob(ctx context.Context, id int64) error {
	tag, err := db.pool.Exec(ctx, `UPDATE jobs SET acknowledged = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: acknowledge job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: job %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetJobResult returns the stored result payload of a completed job.
func (db *DB) GetJobResult(ctx context.Context, id int64) ([]byte, error) {
	var payload []byte
	err := db.pool.QueryRow(ctx, `SELECT result FROM jobs WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("storage: job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get result of job %d: %w", id, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("storage: job %d has no result: %w", id, ErrNotFound)
	}
	return payload, nil
}

// FindCompletedByTune returns the most recent completed job of lab with an
// equal tune.
func (db *DB) FindCompletedByTune(ctx context.Context, t tune.Tune) (*model.Job, error) {
	j, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE lab = $1 AND tune_key = $2 AND status = 'completed' AND result IS NOT NULL
		 ORDER BY id DESC LIMIT 1`, t.Lab, t.Key()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: find completed tune: %w", err)
	}
	return j, nil
}

// Similar is a completed job and its Euclidean distance to a query tune.
type Similar struct {
	Job      *model.Job `json:"job"`
	Distance float64    `json:"distance"`
}

// NearestCompleted returns up to limit completed jobs of the tune's lab
// ordered by distance in parameter space.
func (db *DB) NearestCompleted(ctx context.Context, t tune.Tune, limit int) ([]Similar, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+`, tune_vec <-> $2 AS distance FROM jobs
		 WHERE lab = $1 AND status = 'completed' AND vector_dims(tune_vec) = $3
		 ORDER BY tune_vec <-> $2 LIMIT $4`,
		t.Lab, tuneVector(t), len(t.Params), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: nearest completed: %w", err)
	}
	defer rows.Close()

	var out []Similar
	for rows.Next() {
		var (
			s      Similar
			j      model.Job
			status string
		)
		if err := rows.Scan(&j.ID, &j.LabID, &j.Group, &j.Owner, &j.Team, &j.Paper, &status,
			&j.Parameters, &j.Events, &j.Acknowledged, &j.Fit, &j.FitScores, &j.Results,
			&j.Reschedules, &j.Priority, &j.SubmittedAt, &j.LastEventAt, &j.CompletedAt,
			&s.Distance); err != nil {
			return nil, fmt.Errorf("storage: scan similar job: %w", err)
		}
		j.Status = model.JobStatus(status)
		s.Job = &j
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListJobsByStatus returns jobs in any of statuses ordered by id.
func (db *DB) ListJobsByStatus(ctx context.Context, statuses ...model.JobStatus) ([]*model.Job, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ANY($1) ORDER BY id`, names)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
