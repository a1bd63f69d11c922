package jobmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/vlhc/tunelab/internal/histogram"
	"github.com/vlhc/tunelab/internal/kv"
	"github.com/vlhc/tunelab/internal/model"
	"github.com/vlhc/tunelab/internal/storage"
	"github.com/vlhc/tunelab/internal/tune"
)

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = errors.New("jobmanager: job not found")

// Store persists job rows. storage.DB and memstore.Store implement it.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	CloneJob(ctx context.Context, j *model.Job, src int64, source string) error
	GetJob(ctx context.Context, id int64) (*model.Job, error)
	UpdateJobStatus(ctx context.Context, id int64, to model.JobStatus) error
	SetJobEvents(ctx context.Context, id, events int64) error
	RescheduleJob(ctx context.Context, id int64) (int, error)
	CompleteJob(ctx context.Context, id int64, fit *float64, scores map[string]float64, results map[string]any, payload []byte) error
	MergeJobResults(ctx context.Context, id int64, results map[string]any) error
	AcknowledgeJob(ctx context.Context, id int64) error
	GetJobResult(ctx context.Context, id int64) ([]byte, error)
	FindCompletedByTune(ctx context.Context, t tune.Tune) (*model.Job, error)
	NearestCompleted(ctx context.Context, t tune.Tune, limit int) ([]storage.Similar, error)
	ListJobsByStatus(ctx context.Context, statuses ...model.JobStatus) ([]*model.Job, error)
}

// Notifier fans job completion out to other processes.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrJobNotFound
	}
	return err
}

// buffers holds a job's volatile merge state in the key-value store: one
// sub-buffer per agent dispatch, their index set, the merged collection and
// the interpolation estimate.
type buffers struct {
	store  kv.Store
	locker *kv.Locker
	job    int64
}

func (b buffers) prefix() string   { return fmt.Sprintf("job-%d", b.job) }
func (b buffers) lockKey() string  { return "lock:" + b.prefix() }
func (b buffers) partsKey() string { return b.prefix() + ":parts" }
func (b buffers) mergedKey() string {
	return b.prefix() + ":merged"
}
func (b buffers) interpKey() string { return b.prefix() + ":interp" }
func (b buffers) partKey(part string) string {
	return b.prefix() + ":part:" + part
}

// partName identifies one dispatch of an agent.
func partName(agent string, seq int64) string { return fmt.Sprintf("%s.%d", agent, seq) }

// fold replaces the sub-buffer of part with col, merges every sub-buffer and
// stores the result. The whole read-modify-write holds the job lock. A merge
// that left contributors out still stores and returns the merged collection
// together with the merge error.
func (b buffers) fold(ctx context.Context, part string, col *histogram.IntermediateCollection) (*histogram.IntermediateCollection, error) {
	var (
		merged   *histogram.IntermediateCollection
		mergeErr error
	)
	err := b.locker.With(ctx, b.lockKey(), func() error {
		names, err := b.store.SMembers(ctx, b.partsKey())
		if err != nil {
			return err
		}
		cols := make([]*histogram.IntermediateCollection, 0, len(names)+1)
		for _, n := range names {
			if n == part {
				continue
			}
			raw, err := b.store.Get(ctx, b.partKey(n))
			if errors.Is(err, kv.ErrNil) {
				continue
			}
			if err != nil {
				return err
			}
			c, err := histogram.UnpackIntermediate(raw)
			if err != nil {
				return fmt.Errorf("part %s: %w", n, err)
			}
			cols = append(cols, c)
		}
		cols = append(cols, col)
		merged, mergeErr = histogram.MergeCollections(cols)

		packed, err := col.Pack()
		if err != nil {
			return err
		}
		all, err := merged.Pack()
		if err != nil {
			return err
		}
		return b.store.Pipeline(ctx, func(p kv.Pipe) error {
			p.Set(b.partKey(part), packed, 0)
			p.SAdd(b.partsKey(), part)
			p.Set(b.mergedKey(), all, 0)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return merged, mergeErr
}

// merged loads the merged collection, or nil when nothing was merged yet.
func (b buffers) merged(ctx context.Context) (*histogram.IntermediateCollection, error) {
	raw, err := b.store.Get(ctx, b.mergedKey())
	if errors.Is(err, kv.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return histogram.UnpackIntermediate(raw)
}

func (b buffers) setInterpolation(ctx context.Context, data []byte) error {
	return b.store.Set(ctx, b.interpKey(), data, 0)
}

func (b buffers) interpolation(ctx context.Context) ([]byte, error) {
	raw, err := b.store.Get(ctx, b.interpKey())
	if errors.Is(err, kv.ErrNil) {
		return nil, nil
	}
	return raw, err
}

// drop deletes every key of the job.
func (b buffers) drop(ctx context.Context) error {
	names, err := b.store.SMembers(ctx, b.partsKey())
	if err != nil {
		return err
	}
	keys := []string{b.partsKey(), b.mergedKey(), b.interpKey()}
	for _, n := range names {
		keys = append(keys, b.partKey(n))
	}
	return b.store.Delete(ctx, keys...)
}
