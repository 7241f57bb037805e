package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"CoordScope/internal/domain/models"
	domrepo "CoordScope/internal/domain/repository"
	"CoordScope/internal/domain/service"
	"CoordScope/internal/services/risk"
	"CoordScope/pkg/config"
	"CoordScope/pkg/logger"
)

// SchedulerConfig holds the timing and sizing knobs of the scheduler.
type SchedulerConfig struct {
	Interval  time.Duration
	Lookback  time.Duration
	Workers   int
	QueueSize int
	LeaseTTL  time.Duration
	// Pinned partitions replace discovery when non-empty.
	Pinned []models.PartitionKey
}

// SchedulerConfigFrom maps the engine and redis settings onto SchedulerConfig.
func SchedulerConfigFrom(cfg *config.Config) SchedulerConfig {
	sc := SchedulerConfig{
		Interval:  cfg.Engine.Cycle.Interval,
		Lookback:  cfg.Engine.Cycle.Lookback,
		Workers:   cfg.Engine.Cycle.Workers,
		QueueSize: cfg.Engine.Cycle.QueueSize,
		LeaseTTL:  cfg.Redis.LeaseTTL,
	}
	for _, p := range cfg.Engine.Cycle.Partitions {
		sc.Pinned = append(sc.Pinned, models.PartitionKey{
			Market: p.Market,
			Pair:   models.EntityPair{Leader: p.Leader, Follower: p.Follower},
		})
	}
	return sc
}

type cycleJob struct {
	end time.Time
}

// partitionWorker owns the VMM state and degraded controller of one partition
// and processes its cycles one at a time, in order.
type partitionWorker struct {
	key      models.PartitionKey
	queue    chan cycleJob
	state    models.VMMState
	degraded *risk.DegradedController
	lastEnd  time.Time
}

// Scheduler fans monitoring cycles out to per-partition FIFO workers. CPU-heavy
// analysis is bounded by a shared weighted semaphore so one slow partition only
// holds one slot.
type Scheduler struct {
	cfg     SchedulerConfig
	cycle   *MonitoringCycle
	store   domrepo.ObservationStore
	states  domrepo.StateStore
	lease   domrepo.PartitionLease
	metrics domrepo.Metrics
	log     *logger.Logger
	sem     *semaphore.Weighted
	now     func() time.Time

	mu      sync.Mutex
	workers map[models.PartitionKey]*partitionWorker
	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
	// results is an optional tap used by tests and the golden run
	results chan<- models.CycleResult
}

func NewScheduler(
	cfg SchedulerConfig,
	cycle *MonitoringCycle,
	store domrepo.ObservationStore,
	states domrepo.StateStore,
	lease domrepo.PartitionLease,
	metrics domrepo.Metrics,
	log *logger.Logger,
) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Scheduler{
		cfg:     cfg,
		cycle:   cycle,
		store:   store,
		states:  states,
		lease:   lease,
		metrics: metrics,
		log:     log.With(logger.String("component", "scheduler")),
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		now:     time.Now,
		workers: make(map[models.PartitionKey]*partitionWorker),
		stopCh:  make(chan struct{}),
	}
}

// Results taps every finished cycle result into ch. Sends never block.
func (s *Scheduler) Results(ch chan<- models.CycleResult) { s.results = ch }

// Start ticks every interval until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()
		s.Tick(ctx, s.now().UTC())
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case at := <-t.C:
				s.Tick(ctx, at.UTC())
			}
		}
	}()
	s.log.Info("scheduler started",
		logger.Duration("interval", s.cfg.Interval),
		logger.Int("workers", s.cfg.Workers))
}

// Tick enqueues a cycle ending at `at` for every known partition.
func (s *Scheduler) Tick(ctx context.Context, at time.Time) {
	keys, err := s.partitions(ctx, at)
	if err != nil {
		s.metrics.RecordError("scheduler_partitions")
		s.log.Warn("partition discovery failed", logger.Error(err))
		return
	}
	for _, k := range keys {
		s.Enqueue(ctx, k, at)
	}
}

// Enqueue schedules one cycle for key. A full queue drops the tick: the next
// one covers the same data.
func (s *Scheduler) Enqueue(ctx context.Context, key models.PartitionKey, end time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.workerLocked(ctx, key)
	if w == nil {
		return false
	}
	select {
	case w.queue <- cycleJob{end: end}:
		return true
	default:
		s.metrics.RecordError("scheduler_queue_full")
		s.log.Warn("partition queue full, tick dropped", logger.String("partition", key.String()))
		return false
	}
}

// Stop stops ticking, drains queued cycles and waits for the workers.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	for _, w := range s.workers {
		close(w.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		if s.lease != nil {
			for key := range s.workers {
				if err := s.lease.Release(ctx, key); err != nil {
					s.log.Warn("lease release failed", logger.String("partition", key.String()), logger.Error(err))
				}
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) partitions(ctx context.Context, at time.Time) ([]models.PartitionKey, error) {
	if len(s.cfg.Pinned) > 0 {
		return s.cfg.Pinned, nil
	}
	return s.store.Partitions(ctx, at.Add(-s.cfg.Interval*2))
}

// workerLocked returns the worker of key, starting it on first use. Callers hold s.mu.
func (s *Scheduler) workerLocked(ctx context.Context, key models.PartitionKey) *partitionWorker {
	if s.stopped {
		return nil
	}
	if w, ok := s.workers[key]; ok {
		return w
	}
	w := &partitionWorker{
		key:      key,
		queue:    make(chan cycleJob, s.cfg.QueueSize),
		state:    s.cycle.Analyzer().NewState(),
		degraded: s.cycle.Analyzer().NewDegradedController(),
	}
	if st, ok, err := s.states.Load(ctx, key); err != nil {
		s.log.Warn("state restore failed, starting fresh", logger.String("partition", key.String()), logger.Error(err))
	} else if ok {
		w.state = st
		w.lastEnd = st.LastUpdate
		s.log.Info("state restored",
			logger.String("partition", key.String()),
			logger.Int64("cycle", st.Cycle),
			logger.Time("last_update", st.LastUpdate))
	}
	s.workers[key] = w
	s.wg.Add(1)
	go s.run(ctx, w)
	return w
}

func (s *Scheduler) run(ctx context.Context, w *partitionWorker) {
	defer s.wg.Done()
	for job := range w.queue {
		if ctx.Err() != nil {
			continue
		}
		s.process(ctx, w, job)
	}
}

func (s *Scheduler) process(ctx context.Context, w *partitionWorker, job cycleJob) {
	p := w.key.String()
	if !job.end.After(w.lastEnd) {
		s.log.Debug("stale cycle skipped", logger.String("partition", p), logger.Time("end", job.end))
		return
	}

	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx, w.key, s.cfg.LeaseTTL)
		if err != nil {
			s.metrics.RecordError("lease")
			s.log.Warn("lease acquire failed", logger.String("partition", p), logger.Error(err))
			return
		}
		if !ok {
			s.log.Debug("partition owned by another replica", logger.String("partition", p))
			return
		}
		s.adopt(ctx, w)
		if !job.end.After(w.lastEnd) {
			s.log.Debug("cycle already run by previous owner", logger.String("partition", p), logger.Time("end", job.end))
			return
		}
	}

	batch, err := s.store.Window(ctx, w.key, job.end.Add(-s.cfg.Lookback), job.end)
	if err != nil {
		s.metrics.RecordError("window_load")
		s.log.Warn("window load failed", logger.String("partition", p), logger.Error(err))
		return
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	res, err := s.cycle.Execute(ctx, CycleInput{
		Batch:    batch,
		Prev:     w.state,
		Degraded: w.degraded,
		Extend:   s.extender(w.key),
	})
	s.sem.Release(1)

	// state advances even when persistence fails; the analysis already consumed the data
	w.state = res.VMM
	w.lastEnd = job.end
	if err != nil {
		s.log.Error("cycle persistence failed", logger.String("partition", p), logger.Error(err))
	}
	if s.results != nil {
		select {
		case s.results <- res:
		default:
		}
	}
}

// adopt replaces the in-memory state with the persisted one when another replica
// advanced the partition while this one did not hold the lease.
func (s *Scheduler) adopt(ctx context.Context, w *partitionWorker) {
	st, ok, err := s.states.Load(ctx, w.key)
	if err != nil {
		s.log.Warn("state reload failed", logger.String("partition", w.key.String()), logger.Error(err))
		return
	}
	if !ok || st.Cycle <= w.state.Cycle {
		return
	}
	w.state = st
	if st.LastUpdate.After(w.lastEnd) {
		w.lastEnd = st.LastUpdate
	}
	s.log.Info("state taken over",
		logger.String("partition", w.key.String()),
		logger.Int64("cycle", st.Cycle),
		logger.Time("last_update", st.LastUpdate))
}

// extender loads older history for the VMM retry ladder.
func (s *Scheduler) extender(key models.PartitionKey) service.WindowExtender {
	return func(ctx context.Context, extra models.TimeWindow) (models.DataBatch, error) {
		return s.store.Window(ctx, key, extra.From, extra.To)
	}
}
