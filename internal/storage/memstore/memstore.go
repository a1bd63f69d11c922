// Package memstore keeps agent and job records in process memory. It mirrors
// the storage.DB methods used by the registry and the job manager and serves
// tests and database-less runs.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/vlhc/tunelab/internal/model"
	"github.com/vlhc/tunelab/internal/storage"
	"github.com/vlhc/tunelab/internal/tune"
)

// Store is safe for concurrent use. Records are copied on the way in and out.
type Store struct {
	mu       sync.Mutex
	agents   map[string]*model.Agent
	failures []model.AgentFailure
	jobs     map[int64]*model.Job
	results  map[int64][]byte
	nextID   int64
	notified []string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		agents:  make(map[string]*model.Agent),
		jobs:    make(map[int64]*model.Job),
		results: make(map[int64][]byte),
	}
}

func (s *Store) UpsertAgent(_ context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.UUID] = a.Clone()
	return nil
}

func (s *Store) GetAgent(_ context.Context, uuid string) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[uuid]
	if !ok {
		return nil, fmt.Errorf("memstore: agent %s: %w", uuid, storage.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *Store) ListAgents(_ context.Context) ([]*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Agent, 0, len(s.agents))
	for _, id := range slices.Sorted(maps.Keys(s.agents)) {
		out = append(out, s.agents[id].Clone())
	}
	return out, nil
}

func (s *Store) InsertAgentFailure(_ context.Context, f model.AgentFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.Postmortem = append([]byte(nil), f.Postmortem...)
	s.failures = append(s.failures, f)
	return nil
}

func (s *Store) ListAgentFailures(_ context.Context, uuid string, limit int) ([]model.AgentFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AgentFailure
	for i := len(s.failures) - 1; i >= 0 && len(out) < limit; i-- {
		if s.failures[i].AgentUUID == uuid {
			out = append(out, s.failures[i])
		}
	}
	return out, nil
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	c.Parameters.Params = slices.Clone(j.Parameters.Params)
	c.FitScores = maps.Clone(j.FitScores)
	c.Results = maps.Clone(j.Results)
	if j.Fit != nil {
		f := *j.Fit
		c.Fit = &f
	}
	return &c
}

func (s *Store) job(id int64) (*model.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("memstore: job %d: %w", id, storage.ErrNotFound)
	}
	return j, nil
}

func (s *Store) CreateJob(_ context.Context, j *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	j.ID = s.nextID
	if j.Status == "" {
		j.Status = model.JobPending
	}
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = time.Now().UTC()
	}
	if j.Results == nil {
		j.Results = map[string]any{}
	}
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (s *Store) CloneJob(ctx context.Context, j *model.Job, src int64, source string) error {
	s.mu.Lock()
	orig, err := s.job(src)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	j.Fit, j.FitScores, j.Events = orig.Fit, maps.Clone(orig.FitScores), orig.Events
	s.mu.Unlock()

	now := time.Now().UTC()
	j.Status = model.JobCloned
	j.CompletedAt = &now
	j.Results = map[string]any{model.ResultSourceJob: src, model.ResultSource: source}
	return s.CreateJob(ctx, j)
}

func (s *Store) GetJob(_ context.Context, id int64) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return nil, err
	}
	return cloneJob(j), nil
}

func (s *Store) setStatus(j *model.Job, to model.JobStatus) error {
	if err := model.Transition(j.Status, to); err != nil {
		return fmt.Errorf("memstore: job %d: %w", j.ID, err)
	}
	j.Status = to
	if to.Terminal() {
		now := time.Now().UTC()
		j.CompletedAt = &now
	}
	return nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id int64, to model.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return err
	}
	return s.setStatus(j, to)
}

func (s *Store) SetJobEvents(_ context.Context, id, events int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	j.Events, j.LastEventAt = events, &now
	return nil
}

func (s *Store) RescheduleJob(_ context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return 0, err
	}
	if err := s.setStatus(j, model.JobStalled); err != nil {
		return 0, err
	}
	j.Priority = true
	j.Reschedules++
	return j.Reschedules, nil
}

func (s *Store) CompleteJob(_ context.Context, id int64, fit *float64, scores map[string]float64, results map[string]any, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return err
	}
	if err := s.setStatus(j, model.JobCompleted); err != nil {
		return err
	}
	if fit != nil {
		f := *fit
		j.Fit = &f
	}
	j.FitScores = maps.Clone(scores)
	maps.Copy(j.Results, results)
	s.results[id] = append([]byte(nil), payload...)
	return nil
}

func (s *Store) MergeJobResults(_ context.Context, id int64, results map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return err
	}
	maps.Copy(j.Results, results)
	return nil
}

func (s *Store) AcknowledgeJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return err
	}
	j.Acknowledged = true
	return nil
}

func (s *Store) GetJobResult(_ context.Context, id int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.results[id]
	if !ok {
		return nil, fmt.Errorf("memstore: result of job %d: %w", id, storage.ErrNotFound)
	}
	return append([]byte(nil), p...), nil
}

func (s *Store) FindCompletedByTune(_ context.Context, t tune.Tune) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.Job
	for _, j := range s.jobs {
		if j.Status != model.JobCompleted || !j.Parameters.Equal(t) {
			continue
		}
		if _, ok := s.results[j.ID]; !ok {
			continue
		}
		if best == nil || j.ID > best.ID {
			best = j
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	return cloneJob(best), nil
}

func distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (s *Store) NearestCompleted(_ context.Context, t tune.Tune, limit int) ([]storage.Similar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := t.Vector()
	var out []storage.Similar
	for _, j := range s.jobs {
		if j.Status != model.JobCompleted || j.LabID != t.Lab || len(j.Parameters.Params) != len(q) {
			continue
		}
		out = append(out, storage.Similar{Job: cloneJob(j), Distance: distance(j.Parameters.Vector(), q)})
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Distance != out[k].Distance {
			return out[i].Distance < out[k].Distance
		}
		return out[i].Job.ID < out[k].Job.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListJobsByStatus(_ context.Context, statuses ...model.JobStatus) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Job
	for _, id := range slices.Sorted(maps.Keys(s.jobs)) {
		if slices.Contains(statuses, s.jobs[id].Status) {
			out = append(out, cloneJob(s.jobs[id]))
		}
	}
	return out, nil
}

// Notify records payloads instead of sending them.
func (s *Store) Notify(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, channel+" "+payload)
	return nil
}

// Notified returns everything passed to Notify as "channel payload".
func (s *Store) Notified() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.notified)
}
