package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/repository"
	"CoordScope/internal/services/evidence"
	"CoordScope/internal/services/golden"
	"CoordScope/pkg/cache"
	"CoordScope/pkg/config"
	"CoordScope/pkg/metrics"
)

// memStore is an observation store over a slice.
type memStore struct {
	mu      sync.Mutex
	obs     []models.Observation
	windows int
	err     error
}

func (s *memStore) Init(context.Context) error { return nil }

func (s *memStore) Append(_ context.Context, obs []models.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.obs = append(s.obs, obs...)
	return nil
}

func (s *memStore) Window(_ context.Context, key models.PartitionKey, from, to time.Time) (models.DataBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows++
	b := models.DataBatch{Market: key.Market, Pair: key.Pair}
	if s.err != nil {
		return b, s.err
	}
	for _, o := range s.obs {
		if o.Market != key.Market || (o.EntityID != key.Pair.Leader && o.EntityID != key.Pair.Follower) {
			continue
		}
		if o.Timestamp.Before(from) || o.Timestamp.After(to) {
			continue
		}
		b.Observations = append(b.Observations, o)
	}
	return b, nil
}

func (s *memStore) Partitions(context.Context, time.Time) ([]models.PartitionKey, error) {
	return []models.PartitionKey{goldenKey()}, nil
}

func (s *memStore) Health(context.Context) error { return s.err }
func (s *memStore) Close() error                 { return nil }

func (s *memStore) windowCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows
}

// fakePublisher records published bundle ids and fails while fail is set.
type fakePublisher struct {
	mu   sync.Mutex
	fail bool
	ids  []string
}

func (p *fakePublisher) Publish(_ context.Context, b *models.EvidenceBundle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.ids = append(p.ids, b.BundleID)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func goldenKey() models.PartitionKey {
	return models.PartitionKey{Market: golden.Market, Pair: golden.Pair()}
}

func engineConfig() config.EngineConfig {
	cfg := GoldenEngineConfig(config.Default().Engine)
	cfg.Cycle.Budget = 2 * time.Minute
	return cfg
}

func newMetrics() *metrics.Recorder { return metrics.New(prometheus.NewRegistry()) }

type harness struct {
	cfg       config.EngineConfig
	analyzer  *Analyzer
	evidence  *repository.BadgerEvidenceStore
	publisher *fakePublisher
	board     *repository.CacheRiskBoard
	states    *repository.CacheStateStore
	cache     *cache.MemoryCache
	cycle     *MonitoringCycle
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := engineConfig()
	ev, err := repository.NewBadgerEvidenceStore(repository.BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	c := cache.NewMemoryCache()
	t.Cleanup(func() {
		_ = ev.Close()
		_ = c.Close()
	})
	rec, err := evidence.NewRecorder(cfg, "test")
	require.NoError(t, err)

	h := &harness{
		cfg:       cfg,
		analyzer:  NewAnalyzer(cfg, nil),
		evidence:  ev,
		publisher: &fakePublisher{},
		board:     repository.NewCacheRiskBoard(c, time.Hour),
		states:    repository.NewCacheStateStore(c, time.Hour),
		cache:     c,
	}
	h.cycle = NewMonitoringCycle(h.analyzer, rec, ev, h.publisher, h.board, h.states, newMetrics(), nil)
	return h
}
