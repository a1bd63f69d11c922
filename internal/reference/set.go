package reference

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Set is the default reference store plus one store per lab. A lab's store
// lives in <root>/<lab id>/ and falls back to the default store in <root>.
type Set struct {
	root     string
	logger   *slog.Logger
	fallback *Store

	mu   sync.Mutex
	labs map[string]*Store
}

// NewSet returns a set rooted at dir.
func NewSet(dir string, logger *slog.Logger) *Set {
	return &Set{
		root:     dir,
		logger:   logger,
		fallback: NewStore(dir, logger),
		labs:     make(map[string]*Store),
	}
}

// Default is the store shared by all labs.
func (s *Set) Default() *Store { return s.fallback }

// For returns the lookup used for a lab.
func (s *Set) For(labID string) Lookup {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.labs[labID]
	if !ok {
		dir := filepath.Join(s.root, labID)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return s.fallback
		}
		st = NewStore(dir, s.logger)
		s.labs[labID] = st
	}
	return Chain{st, s.fallback}
}

// Watch invalidates caches of the default store and every lab directory
// present at call time. It blocks until ctx is done.
func (s *Set) Watch(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.fallback.Watch(ctx) })
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if st, ok := s.For(e.Name()).(Chain); ok {
			lab := st[0].(*Store)
			g.Go(func() error { return lab.Watch(ctx) })
		}
	}
	return g.Wait()
}
