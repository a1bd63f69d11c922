package interpolation

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/vlhc/tunelab/internal/tune"
)

// Mirror is a secondary nearest-neighbor index over stored tunes. It is
// consulted when the neighborhood rings hold too few samples.
type Mirror interface {
	Upsert(ctx context.Context, nid string, t tune.Tune) error
	Nearest(ctx context.Context, t tune.Tune, limit int) ([]string, error)
}

// QdrantConfig holds settings for the Qdrant mirror.
type QdrantConfig struct {
	URL    string
	APIKey string
	// Prefix is prepended to the per-lab collection names.
	Prefix string
}

// QdrantMirror stores one point per tune, in one collection per lab, with
// the tune values as the vector and the neighborhood id as payload.
type QdrantMirror struct {
	client *qdrant.Client
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// parseQdrantURL extracts host, port, and TLS setting from a Qdrant URL.
// The REST port 6333 is mapped to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, false, fmt.Errorf("interpolation: parse qdrant URL: %w", err)
	}
	if u.Host == "" {
		return "", 0, false, fmt.Errorf("interpolation: invalid qdrant URL: %q", rawURL)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("interpolation: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantMirror connects to Qdrant over gRPC.
func NewQdrantMirror(cfg QdrantConfig, logger *slog.Logger) (*QdrantMirror, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("interpolation: connect to qdrant at %s:%d: %w", host, port, err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tunelab_"
	}
	return &QdrantMirror{client: client, prefix: prefix, logger: logger, ensured: make(map[string]bool)}, nil
}

// Close releases the gRPC connection.
func (q *QdrantMirror) Close() error { return q.client.Close() }

func (q *QdrantMirror) collection(lab string) string { return q.prefix + lab }

func (q *QdrantMirror) ensure(ctx context.Context, lab string, dims int) error {
	name := q.collection(lab)
	q.mu.Lock()
	done := q.ensured[name]
	q.mu.Unlock()
	if done {
		return nil
	}

	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("interpolation: check collection exists: %w", err)
	}
	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dims), //nolint:gosec // tunable count
				Distance: qdrant.Distance_Euclid,
			}),
		}); err != nil {
			return fmt.Errorf("interpolation: create collection %q: %w", name, err)
		}
		q.logger.Info("qdrant: created collection", "collection", name, "dims", dims)
	}
	q.mu.Lock()
	q.ensured[name] = true
	q.mu.Unlock()
	return nil
}

func vector(t tune.Tune) []float32 {
	v := make([]float32, len(t.Params))
	for i, p := range t.Params {
		v[i] = float32(p.Value)
	}
	return v
}

// pointID derives a stable point id from the tune key so re-inserting a tune
// overwrites its point.
func pointID(t tune.Tune) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(t.Key())).String()
}

// Upsert records that t is stored in neighborhood nid.
func (q *QdrantMirror) Upsert(ctx context.Context, nid string, t tune.Tune) error {
	if err := q.ensure(ctx, t.Lab, len(t.Params)); err != nil {
		return err
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection(t.Lab),
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(pointID(t)),
			Vectors: qdrant.NewVectorsDense(vector(t)),
			Payload: qdrant.NewValueMap(map[string]any{"nid": nid, "key": t.Key()}),
		}},
	})
	if err != nil {
		return fmt.Errorf("interpolation: qdrant upsert %s: %w", t.Key(), err)
	}
	return nil
}

// Nearest returns the distinct neighborhoods of the points closest to t,
// nearest first.
func (q *QdrantMirror) Nearest(ctx context.Context, t tune.Tune, limit int) ([]string, error) {
	if err := q.ensure(ctx, t.Lab, len(t.Params)); err != nil {
		return nil, err
	}
	n := uint64(max(limit, 1)) //nolint:gosec // small positive
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection(t.Lab),
		Query:          qdrant.NewQueryDense(vector(t)),
		Limit:          &n,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("interpolation: qdrant query: %w", err)
	}
	seen := make(map[string]bool)
	var out []string
	for _, sp := range scored {
		v, ok := sp.GetPayload()["nid"]
		if !ok {
			continue
		}
		nid := v.GetStringValue()
		if nid == "" || seen[nid] {
			continue
		}
		seen[nid] = true
		out = append(out, nid)
	}
	return out, nil
}
