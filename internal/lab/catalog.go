package lab

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Catalog holds the labs described by *.yaml files in one directory.
type Catalog struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	labs map[string]*Lab
}

// NewCatalog returns an empty catalog bound to dir. Call Load to read it.
func NewCatalog(dir string, logger *slog.Logger) *Catalog {
	return &Catalog{dir: dir, logger: logger, labs: make(map[string]*Lab)}
}

// NewStaticCatalog returns a catalog over the given labs with no backing
// directory.
func NewStaticCatalog(labs ...*Lab) *Catalog {
	c := &Catalog{logger: slog.Default(), labs: make(map[string]*Lab, len(labs))}
	for _, l := range labs {
		c.labs[l.ID] = l
	}
	return c
}

// Parse decodes and validates one lab descriptor.
func Parse(data []byte) (*Lab, error) {
	var l Lab
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("lab: decode: %w", err)
	}
	id, err := uuid.Parse(l.ID)
	if err != nil {
		return nil, fmt.Errorf("lab: id %q: %w", l.ID, err)
	}
	l.ID = id.String()
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Load reads every descriptor in the directory and replaces the catalog
// contents. A file that fails to parse aborts the load and leaves the previous
// contents in place.
func (c *Catalog) Load() error {
	if c.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("lab: read dir %s: %w", c.dir, err)
	}
	labs := make(map[string]*Lab, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isDescriptor(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("lab: read %s: %w", e.Name(), err)
		}
		l, err := Parse(data)
		if err != nil {
			return fmt.Errorf("lab: %s: %w", e.Name(), err)
		}
		if _, dup := labs[l.ID]; dup {
			return fmt.Errorf("lab: %s: duplicate lab id %s", e.Name(), l.ID)
		}
		labs[l.ID] = l
	}

	c.mu.Lock()
	c.labs = labs
	c.mu.Unlock()
	c.logger.Info("lab: catalog loaded", "dir", c.dir, "labs", len(labs))
	return nil
}

func isDescriptor(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// Get returns the lab with the given id.
func (c *Catalog) Get(id string) (*Lab, error) {
	if parsed, err := uuid.Parse(id); err == nil {
		id = parsed.String()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.labs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLabNotFound, id)
	}
	return l, nil
}

// List returns all labs ordered by id.
func (c *Catalog) List() []*Lab {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Lab, 0, len(c.labs))
	for _, l := range c.labs {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch reloads the catalog whenever a descriptor in the directory is
// created, written, removed or renamed. It blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("lab: watch: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(c.dir); err != nil {
		return fmt.Errorf("lab: watch %s: %w", c.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isDescriptor(ev.Name) {
				continue
			}
			if err := c.Load(); err != nil {
				c.logger.Warn("lab: reload failed", "file", ev.Name, "op", ev.Op.String(), "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("lab: watcher error", "error", err)
		}
	}
}
