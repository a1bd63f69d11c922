// Package reference loads normalized experimental reference histograms from
// FLAT files and scores predictions against them.
package reference

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/vlhc/tunelab/internal/histogram"
)

// ErrNoReference is returned when no reference file exists for a histogram.
var ErrNoReference = errors.New("reference: not found")

// Store is one directory of reference files. Histograms are parsed and
// normalized on first access and cached for the life of the process, or until
// invalidated.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*histogram.Histogram
	group singleflight.Group
}

// NewStore returns a store over dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{dir: dir, logger: logger, cache: make(map[string]*histogram.Histogram)}
}

// Dir is the backing directory.
func (s *Store) Dir() string { return s.dir }

// Get returns the normalized reference for a histogram path. The returned
// value is shared and must not be modified.
func (s *Store) Get(name string) (*histogram.Histogram, error) {
	s.mu.RLock()
	h, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return h, nil
	}

	v, err, _ := s.group.Do(name, func() (any, error) {
		h, err := s.load(name)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[name] = h
		s.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*histogram.Histogram), nil
}

func (s *Store) load(name string) (*histogram.Histogram, error) {
	p := filepath.Join(s.dir, histogram.FileName(name))
	f, err := os.Open(p) //nolint:gosec // path derived from a histogram name inside the reference dir
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoReference, name)
		}
		return nil, fmt.Errorf("reference: open %s: %w", p, err)
	}
	defer func() { _ = f.Close() }()

	ff, err := histogram.ReadFlat(f)
	if err != nil {
		return nil, fmt.Errorf("reference: %s: %w", p, err)
	}
	var h *histogram.Histogram
	for _, c := range ff.Histograms {
		if c.Name == name {
			h = c
			break
		}
	}
	if h == nil && len(ff.Histograms) == 1 {
		h = ff.Histograms[0]
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s not in %s", ErrNoReference, name, p)
	}
	if h.IsEmpty() {
		return h, nil
	}
	if err := h.Normalize(); err != nil {
		return nil, fmt.Errorf("reference: %s: %w", name, err)
	}
	return h, nil
}

// Invalidate drops a cached histogram so the next access re-reads the file.
func (s *Store) Invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

// InvalidateAll drops every cached histogram.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string]*histogram.Histogram)
	s.mu.Unlock()
}

// Lookup resolves reference histograms.
type Lookup interface {
	Get(name string) (*histogram.Histogram, error)
}

// Chain consults each lookup in order and returns the first reference found.
type Chain []Lookup

// Get implements Lookup.
func (c Chain) Get(name string) (*histogram.Histogram, error) {
	for _, l := range c {
		h, err := l.Get(name)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrNoReference) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoReference, name)
}

// Edges returns the reference binning for a histogram.
func Edges(l Lookup, name string) ([]float64, error) {
	h, err := l.Get(name)
	if err != nil {
		return nil, err
	}
	return h.Edges(), nil
}

// Scores is the outcome of scoring a collection.
type Scores struct {
	Mean      float64
	PerHisto  map[string]float64
	Compared  int
	Skipped   []string
	Uncovered []string
}

// Chi2Collection scores every histogram against its reference. Histograms
// without a reference are skipped. A histogram with no comparable bins scores
// 0 and counts toward the mean. One where the reference lacks coverage scores
// MissingCoverageScore and is left out of the mean. Other scoring failures
// abort.
func Chi2Collection(l Lookup, hists []*histogram.Histogram, uncertainty float64) (Scores, error) {
	if uncertainty <= 0 {
		uncertainty = histogram.DefaultUncertainty
	}
	res := Scores{PerHisto: make(map[string]float64, len(hists))}
	var sum float64
	for _, h := range hists {
		ref, err := l.Get(h.Name)
		if err != nil {
			if errors.Is(err, ErrNoReference) {
				res.Skipped = append(res.Skipped, h.Name)
				continue
			}
			return Scores{}, err
		}
		norm := h.Clone()
		if err := norm.Normalize(); err != nil {
			norm = h
		}
		chi2, err := norm.Chi2ToReference(ref, uncertainty)
		switch {
		case errors.Is(err, histogram.ErrNoComparableBins):
			res.PerHisto[h.Name] = 0
			res.Compared++
		case errors.Is(err, histogram.ErrMissingCoverage):
			res.PerHisto[h.Name] = histogram.MissingCoverageScore
			res.Uncovered = append(res.Uncovered, h.Name)
		case err != nil:
			return Scores{}, fmt.Errorf("reference: chi2 %s: %w", h.Name, err)
		default:
			res.PerHisto[h.Name] = chi2
			sum += chi2
			res.Compared++
		}
	}
	if res.Compared > 0 {
		res.Mean = sum / float64(res.Compared)
	}
	return res, nil
}

// Watch invalidates cached histograms when their files change. It blocks
// until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("reference: watch: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("reference: watch %s: %w", s.dir, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			// File names do not map back to histogram paths.
			s.InvalidateAll()
			s.logger.Debug("reference: cache invalidated", "file", ev.Name, "op", ev.Op.String())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("reference: watcher error", "error", err)
		}
	}
}
