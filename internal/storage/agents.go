package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vlhc/tunelab/internal/model"
)

const agentColumns = `uuid, grp, slots, state, features, version, ip,
	active_job, active_quota, active_seq, fail_count, fail_at,
	jobs_sent, jobs_succeeded, jobs_failed, jobs_aborted,
	latitude, longitude, last_activity`

func scanAgent(row pgx.Row) (*model.Agent, error) {
	var (
		a     model.Agent
		state string
	)
	err := row.Scan(&a.UUID, &a.Group, &a.Slots, &state, &a.Features, &a.Version, &a.IP,
		&a.ActiveJob, &a.ActiveQuota, &a.ActiveSeq, &a.FailCount, &a.FailAt,
		&a.JobsSent, &a.JobsSucceeded, &a.JobsFailed, &a.JobsAborted,
		&a.Latitude, &a.Longitude, &a.LastActivity)
	if err != nil {
		return nil, err
	}
	a.State = model.AgentState(state)
	return &a, nil
}

// UpsertAgent writes the full agent record.
func (db *DB) UpsertAgent(ctx context.Context, a *model.Agent) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 ON CONFLICT (uuid) DO UPDATE SET
		   grp = EXCLUDED.grp, slots = EXCLUDED.slots, state = EXCLUDED.state,
		   features = EXCLUDED.features, version = EXCLUDED.version, ip = EXCLUDED.ip,
		   active_job = EXCLUDED.active_job, active_quota = EXCLUDED.active_quota,
		   active_seq = EXCLUDED.active_seq, fail_count = EXCLUDED.fail_count,
		   fail_at = EXCLUDED.fail_at, jobs_sent = EXCLUDED.jobs_sent,
		   jobs_succeeded = EXCLUDED.jobs_succeeded, jobs_failed = EXCLUDED.jobs_failed,
		   jobs_aborted = EXCLUDED.jobs_aborted, latitude = EXCLUDED.latitude,
		   longitude = EXCLUDED.longitude, last_activity = EXCLUDED.last_activity`,
		a.UUID, a.Group, a.Slots, string(a.State), a.Features, a.Version, a.IP,
		a.ActiveJob, a.ActiveQuota, a.ActiveSeq, a.FailCount, a.FailAt,
		a.JobsSent, a.JobsSucceeded, a.JobsFailed, a.JobsAborted,
		a.Latitude, a.Longitude, a.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert agent %s: %w", a.UUID, err)
	}
	return nil
}

// GetAgent returns one agent or ErrNotFound.
func (db *DB) GetAgent(ctx context.Context, uuid string) (*model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE uuid = $1`, uuid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("storage: agent %s: %w", uuid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get agent %s: %w", uuid, err)
	}
	return a, nil
}

// ListAgents returns every agent ordered by uuid.
func (db *DB) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY uuid`)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertAgentFailure stores a failure record with its postmortem.
func (db *DB) InsertAgentFailure(ctx context.Context, f model.AgentFailure) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_failures (agent_uuid, job_id, postmortem, failed_at) VALUES ($1, $2, $3, $4)`,
		f.AgentUUID, f.JobID, f.Postmortem, f.FailedAt)
	if err != nil {
		return fmt.Errorf("storage: insert failure for %s: %w", f.AgentUUID, err)
	}
	return nil
}

// ListAgentFailures returns the most recent failures of an agent.
func (db *DB) ListAgentFailures(ctx context.Context, uuid string, limit int) ([]model.AgentFailure, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_uuid, job_id, postmortem, failed_at FROM agent_failures
		 WHERE agent_uuid = $1 ORDER BY failed_at DESC, id DESC LIMIT $2`, uuid, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list failures for %s: %w", uuid, err)
	}
	defer rows.Close()

	var out []model.AgentFailure
	for rows.Next() {
		var f model.AgentFailure
		if err := rows.Scan(&f.AgentUUID, &f.JobID, &f.Postmortem, &f.FailedAt); err != nil {
			return nil, fmt.Errorf("storage: scan failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
