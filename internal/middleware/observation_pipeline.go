package middleware

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"CoordScope/internal/domain/models"
	domrepo "CoordScope/internal/domain/repository"
)

// Sink is the minimal store interface the pipeline needs.
type Sink interface {
	Append(ctx context.Context, obs []models.Observation) error
}

// ObservationPipeline sits between the ingestion transport and the observation
// store. It validates, normalizes and deduplicates records before they are
// appended; invalid records are dropped and counted.
type ObservationPipeline struct {
	sink     Sink
	metrics  domrepo.Metrics
	validate *validator.Validate
	maxSkew  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time // per market/entity newest accepted timestamp
	// transform runs after validation, e.g. to rename covariates from a feed
	transform func(models.Observation) models.Observation
}

type PipelineOption func(*ObservationPipeline)

// WithMaxSkew rejects observations stamped further than d in the future.
func WithMaxSkew(d time.Duration) PipelineOption {
	return func(p *ObservationPipeline) {
		if d > 0 {
			p.maxSkew = d
		}
	}
}

// WithTransform sets a hook applied to every accepted observation.
func WithTransform(fn func(models.Observation) models.Observation) PipelineOption {
	return func(p *ObservationPipeline) { p.transform = fn }
}

func NewObservationPipeline(sink Sink, metrics domrepo.Metrics, opts ...PipelineOption) *ObservationPipeline {
	p := &ObservationPipeline{
		sink:     sink,
		metrics:  metrics,
		validate: validator.New(),
		maxSkew:  time.Minute,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process validates obs and appends the accepted records in one call. It
// returns the number appended; a downstream failure is returned so the caller
// can retry the whole message.
func (p *ObservationPipeline) Process(ctx context.Context, obs []models.Observation) (int, error) {
	start := time.Now()
	accepted := make([]models.Observation, 0, len(obs))
	seen := make(map[string]struct{}, len(obs))
	for _, o := range obs {
		o.Timestamp = o.Timestamp.UTC()
		if err := p.check(o, p.now()); err != nil {
			p.metrics.RecordError("pipeline_validate")
			continue
		}
		if p.late(o) {
			// still stored; a later window picks it up
			p.metrics.RecordError("pipeline_late")
		}
		if p.transform != nil {
			o = p.transform(o)
		}
		k := fmt.Sprintf("%s|%s|%d", o.Market, o.EntityID, o.Timestamp.UnixNano())
		if _, dup := seen[k]; dup {
			p.metrics.RecordError("pipeline_duplicate")
			continue
		}
		seen[k] = struct{}{}
		accepted = append(accepted, o)
	}
	if len(accepted) == 0 {
		return 0, nil
	}
	sort.SliceStable(accepted, func(i, j int) bool { return accepted[i].Timestamp.Before(accepted[j].Timestamp) })

	if err := p.sink.Append(ctx, accepted); err != nil {
		p.metrics.RecordError("pipeline_append")
		return 0, fmt.Errorf("pipeline downstream: %w", err)
	}
	p.advance(accepted)

	perMarket := make(map[string]int)
	for _, o := range accepted {
		perMarket[o.Market]++
	}
	for m, n := range perMarket {
		p.metrics.RecordIngested(m, n)
	}
	p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
	return len(accepted), nil
}

// late reports whether o is older than the newest observation already accepted for its entity.
func (p *ObservationPipeline) late(o models.Observation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastSeen[o.Market+"|"+o.EntityID]
	return ok && o.Timestamp.Before(last)
}

func (p *ObservationPipeline) advance(obs []models.Observation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range obs {
		k := o.Market + "|" + o.EntityID
		if o.Timestamp.After(p.lastSeen[k]) {
			p.lastSeen[k] = o.Timestamp
		}
	}
}

func (p *ObservationPipeline) check(o models.Observation, now time.Time) error {
	if err := p.validate.Struct(o); err != nil {
		return err
	}
	if o.Timestamp.After(now.Add(p.maxSkew)) {
		return fmt.Errorf("timestamp %s ahead of clock", o.Timestamp)
	}
	if math.IsNaN(o.Price) || math.IsInf(o.Price, 0) || math.IsNaN(o.Volume) || math.IsInf(o.Volume, 0) {
		return fmt.Errorf("non-finite price/volume")
	}
	for k, v := range o.Covariates {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("covariate %s not finite", k)
		}
	}
	return nil
}
