// Package interpolation owns the tune-keyed cache of Interpolatable
// Collections. A query either hits a stored tune exactly or is answered by
// radial basis function interpolation over the stored tunes nearby.
package interpolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vlhc/tunelab/internal/histogram"
	"github.com/vlhc/tunelab/internal/lab"
	"github.com/vlhc/tunelab/internal/telemetry"
	"github.com/vlhc/tunelab/internal/tune"
)

// ErrInsufficientData is returned when no stored tune is close enough to
// interpolate from.
var ErrInsufficientData = errors.New("interpolation: insufficient data")

// Labs resolves lab descriptors.
type Labs interface {
	Get(id string) (*lab.Lab, error)
}

// Config tunes the neighbor search.
type Config struct {
	// MinSamples stops the ring expansion once this many tunes are found.
	MinSamples int
	// MaxIterations bounds the ring expansion.
	MaxIterations int
	// Cells is the number of grid buckets per axis.
	Cells  int
	Kernel Kernel
}

func (c Config) withDefaults() Config {
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 3
	}
	if c.Cells <= 0 {
		c.Cells = tune.DefaultCells
	}
	if c.Kernel == "" {
		c.Kernel = Linear
	}
	return c
}

// Request is an interpolation query. Histograms restricts the reply; empty
// means all.
type Request struct {
	Lab        string             `json:"lab"`
	Parameters map[string]float64 `json:"parameters"`
	Histograms []string           `json:"histograms,omitempty"`
}

// Result is the answer to a Request.
type Result struct {
	Exact      bool
	Samples    int
	Collection *histogram.InterpolatableCollection
}

// Service answers queries and stores finished results.
type Service struct {
	labs   Labs
	index  *Index
	mirror Mirror
	cfg    Config
	logger *slog.Logger

	requests metric.Int64Counter
}

// New creates a Service. mirror may be nil.
func New(labs Labs, index *Index, mirror Mirror, cfg Config, logger *slog.Logger) *Service {
	meter := telemetry.Meter("tunelab/interpolation")
	requests, _ := meter.Int64Counter("tunelab.interpolation.requests",
		metric.WithDescription("Interpolation queries by outcome (exact, interpolated, miss)"),
	)
	return &Service{
		labs:     labs,
		index:    index,
		mirror:   mirror,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		requests: requests,
	}
}

func (s *Service) count(ctx context.Context, outcome string) {
	if s.requests != nil {
		s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// Interpolate answers req from the index.
func (s *Service) Interpolate(ctx context.Context, req Request) (*Result, error) {
	l, err := s.labs.Get(req.Lab)
	if err != nil {
		return nil, err
	}
	t, err := l.Canonicalize(req.Parameters)
	if err != nil {
		return nil, err
	}
	grid := l.Grid(s.cfg.Cells)
	cell, err := grid.Cell(t)
	if err != nil {
		return nil, err
	}
	nid := grid.ID(cell)

	samples, err := s.index.Load(ctx, nid)
	if err != nil {
		return nil, err
	}
	for _, c := range samples {
		if c.Tune.Equal(t) {
			s.count(ctx, "exact")
			return &Result{Exact: true, Samples: 1, Collection: c.Subset(req.Histograms)}, nil
		}
	}

	samples, err = s.expand(ctx, grid, cell, t, samples)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		s.count(ctx, "miss")
		return nil, ErrInsufficientData
	}

	col, err := s.interpolate(t, samples, req.Histograms)
	if err != nil {
		return nil, err
	}
	s.count(ctx, "interpolated")
	s.logger.Debug("interpolation: interpolated", "tune", t.Key(), "samples", len(samples))
	return &Result{Samples: len(samples), Collection: col}, nil
}

// expand adds the neighborhoods at ring 1, 2, ... around cell until enough
// samples are found, then falls back to the mirror.
func (s *Service) expand(ctx context.Context, grid tune.Grid, cell tune.Cell, t tune.Tune,
	samples []*histogram.InterpolatableCollection) ([]*histogram.InterpolatableCollection, error) {
	if len(samples) >= s.cfg.MinSamples {
		return samples, nil
	}
	loaded := map[string]bool{grid.ID(cell): true}
	ids, err := s.index.Neighborhoods(ctx, t.Lab)
	if err != nil {
		return nil, err
	}
	rings := make(map[int][]string)
	for _, id := range ids {
		c, err := grid.ParseID(id)
		if err != nil {
			continue
		}
		if d := tune.Distance(cell, c); d > 0 && d <= s.cfg.MaxIterations {
			rings[d] = append(rings[d], id)
		}
	}
	for k := 1; k <= s.cfg.MaxIterations && len(samples) < s.cfg.MinSamples; k++ {
		ring := rings[k]
		slices.Sort(ring)
		for _, id := range ring {
			cols, err := s.index.Load(ctx, id)
			if err != nil {
				return nil, err
			}
			loaded[id] = true
			samples = append(samples, cols...)
		}
	}

	if len(samples) >= s.cfg.MinSamples || s.mirror == nil {
		return samples, nil
	}
	near, err := s.mirror.Nearest(ctx, t, s.cfg.MinSamples)
	if err != nil {
		s.logger.Warn("interpolation: mirror lookup failed", "tune", t.Key(), "error", err)
		return samples, nil
	}
	for _, id := range near {
		if loaded[id] {
			continue
		}
		cols, err := s.index.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		loaded[id] = true
		samples = append(samples, cols...)
	}
	return samples, nil
}

func (s *Service) interpolate(t tune.Tune, samples []*histogram.InterpolatableCollection, names []string) (*histogram.InterpolatableCollection, error) {
	first := samples[0].Subset(names)
	nodes := make([][]float64, 0, len(samples))
	values := make([][]float64, 0, len(samples))
	for _, c := range samples {
		sub := c.Subset(names)
		if len(sub.Coefficients) != len(first.Coefficients) || len(c.Tune.Params) != len(t.Params) {
			s.logger.Warn("interpolation: skipping mismatched sample", "tune", c.Tune.Key())
			continue
		}
		nodes = append(nodes, c.Tune.Vector())
		values = append(values, sub.Coefficients)
	}
	if len(first.Coefficients) == 0 {
		return nil, fmt.Errorf("%w: no requested histogram is stored", ErrInsufficientData)
	}
	ip, err := RBF{Kernel: s.cfg.Kernel}.Fit(nodes, values)
	if err != nil {
		return nil, err
	}
	return &histogram.InterpolatableCollection{
		Tune:         t,
		Coefficients: ip.At(t.Vector()),
		Meta:         first.Meta,
	}, nil
}

// Insert stores a finished result in its neighborhood.
func (s *Service) Insert(ctx context.Context, c *histogram.InterpolatableCollection) error {
	l, err := s.labs.Get(c.Tune.Lab)
	if err != nil {
		return err
	}
	grid := l.Grid(s.cfg.Cells)
	nid, err := grid.NeighborhoodID(c.Tune)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIncompatible, err)
	}
	replaced, err := s.index.Insert(ctx, nid, c)
	if err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.Upsert(ctx, nid, c.Tune); err != nil {
			s.logger.Warn("interpolation: mirror upsert failed", "tune", c.Tune.Key(), "error", err)
		}
	}
	s.logger.Info("interpolation: inserted", "neighborhood", nid, "tune", c.Tune.Key(), "replaced", replaced)
	return nil
}
