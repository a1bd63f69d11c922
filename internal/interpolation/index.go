package interpolation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vlhc/tunelab/internal/histogram"
	"github.com/vlhc/tunelab/internal/kv"
	"github.com/vlhc/tunelab/internal/wire"
)

// ErrIncompatible is returned when a collection cannot join a neighborhood.
var ErrIncompatible = errors.New("interpolation: incompatible collection")

func valueKey(nid string) string { return "tune-" + nid + ":v" }
func metaKey(nid string) string  { return "tune-" + nid + ":m" }
func lockKey(nid string) string  { return "lock:tune-" + nid }

// labKey holds the set of populated neighborhoods of a lab.
func labKey(lab string) string { return "tune-" + lab + ":n" }

// neighborhoodMeta is the JSON document stored beside the value blob.
type neighborhoodMeta struct {
	Lab       string   `json:"lab"`
	Tunes     []string `json:"tunes"`
	Tunables  int      `json:"tunables"`
	CoeffLen  int      `json:"coefficients"`
	Revisions int64    `json:"revisions"`
}

// Index stores Interpolatable Collections in the key-value store, one list
// per neighborhood. Every access to a neighborhood holds its lock.
type Index struct {
	store  kv.Store
	locker *kv.Locker
	logger *slog.Logger
}

// NewIndex returns an index over store.
func NewIndex(store kv.Store, locker *kv.Locker, logger *slog.Logger) *Index {
	return &Index{store: store, locker: locker, logger: logger}
}

// Load returns the collections stored in a neighborhood. A neighborhood that
// was never written is empty.
func (ix *Index) Load(ctx context.Context, nid string) ([]*histogram.InterpolatableCollection, error) {
	var out []*histogram.InterpolatableCollection
	err := ix.locker.With(ctx, lockKey(nid), func() error {
		var err error
		out, err = ix.load(ctx, nid)
		return err
	})
	return out, err
}

func (ix *Index) load(ctx context.Context, nid string) ([]*histogram.InterpolatableCollection, error) {
	blob, err := ix.store.Get(ctx, valueKey(nid))
	if errors.Is(err, kv.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("interpolation: load %s: %w", nid, err)
	}
	cols, err := unpackList(blob)
	if err != nil {
		return nil, fmt.Errorf("interpolation: load %s: %w", nid, err)
	}
	return cols, nil
}

// Insert adds c to a neighborhood, replacing a stored collection with an
// equal tune. It reports whether a replacement happened.
func (ix *Index) Insert(ctx context.Context, nid string, c *histogram.InterpolatableCollection) (bool, error) {
	if c.Tune.IsZero() {
		return false, fmt.Errorf("%w: collection has no tune", ErrIncompatible)
	}
	if err := c.Validate(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrIncompatible, err)
	}

	var replaced bool
	err := ix.locker.With(ctx, lockKey(nid), func() error {
		cols, err := ix.load(ctx, nid)
		if err != nil {
			return err
		}
		for _, s := range cols {
			if err := compatible(s, c); err != nil {
				return err
			}
		}
		replaced = false
		for i, s := range cols {
			if s.Tune.Equal(c.Tune) {
				cols[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			cols = append(cols, c)
		}

		blob, err := packList(cols)
		if err != nil {
			return fmt.Errorf("interpolation: insert %s: %w", nid, err)
		}
		meta := neighborhoodMeta{
			Lab:      c.Tune.Lab,
			Tunables: len(c.Tune.Params),
			CoeffLen: len(c.Coefficients),
		}
		if raw, err := ix.store.Get(ctx, metaKey(nid)); err == nil {
			var prev neighborhoodMeta
			if json.Unmarshal(raw, &prev) == nil {
				meta.Revisions = prev.Revisions
			}
		}
		meta.Revisions++
		for _, s := range cols {
			meta.Tunes = append(meta.Tunes, s.Tune.Key())
		}
		doc, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("interpolation: insert %s: %w", nid, err)
		}
		return ix.store.Pipeline(ctx, func(p kv.Pipe) error {
			p.Set(valueKey(nid), blob, 0)
			p.Set(metaKey(nid), doc, 0)
			p.SAdd(labKey(c.Tune.Lab), nid)
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	ix.logger.Debug("interpolation: stored", "neighborhood", nid, "tune", c.Tune.Key(), "replaced", replaced)
	return replaced, nil
}

// Neighborhoods lists the populated neighborhoods of a lab.
func (ix *Index) Neighborhoods(ctx context.Context, lab string) ([]string, error) {
	ids, err := ix.store.SMembers(ctx, labKey(lab))
	if err != nil {
		return nil, fmt.Errorf("interpolation: neighborhoods of %s: %w", lab, err)
	}
	return ids, nil
}

func compatible(stored, c *histogram.InterpolatableCollection) error {
	switch {
	case stored.Tune.Lab != c.Tune.Lab:
		return fmt.Errorf("%w: lab %s, neighborhood holds %s", ErrIncompatible, c.Tune.Lab, stored.Tune.Lab)
	case len(stored.Tune.Params) != len(c.Tune.Params):
		return fmt.Errorf("%w: %d tunables, neighborhood holds %d", ErrIncompatible, len(c.Tune.Params), len(stored.Tune.Params))
	case len(stored.Coefficients) != len(c.Coefficients):
		return fmt.Errorf("%w: %d coefficients, neighborhood holds %d", ErrIncompatible, len(c.Coefficients), len(stored.Coefficients))
	}
	return nil
}

// packList frames the packed collections as a count followed by
// length-prefixed entries, then compresses the whole list.
func packList(cols []*histogram.InterpolatableCollection) ([]byte, error) {
	var w wire.Writer
	w.U32(uint32(len(cols))) //nolint:gosec // neighborhood sizes are small
	for _, c := range cols {
		raw, err := c.Pack()
		if err != nil {
			return nil, err
		}
		w.U32(uint32(len(raw))) //nolint:gosec // frame sizes fit in 32 bits
		w.Raw(raw)
	}
	return wire.Compress(w.Bytes())
}

func unpackList(blob []byte) ([]*histogram.InterpolatableCollection, error) {
	raw, err := wire.Decompress(blob)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(raw)
	n := int(r.U32())
	if r.Err() != nil {
		return nil, r.Err()
	}
	cols := make([]*histogram.InterpolatableCollection, 0, n)
	for range n {
		size := int(r.U32())
		frame := r.Raw(size)
		if err := r.Err(); err != nil {
			return nil, err
		}
		c, err := histogram.UnpackInterpolatable(frame)
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Remaining())
	}
	return cols, nil
}
