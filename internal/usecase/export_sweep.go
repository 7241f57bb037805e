package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"CoordScope/internal/domain/models"
	domrepo "CoordScope/internal/domain/repository"
	"CoordScope/internal/services/evidence"
	"CoordScope/pkg/logger"
)

// ExportSweep retries the export of bundles left pending in the evidence store.
type ExportSweep struct {
	store     domrepo.EvidenceStore
	publisher domrepo.EvidencePublisher
	metrics   domrepo.Metrics
	interval  time.Duration
	batch     int
	log       *logger.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func NewExportSweep(store domrepo.EvidenceStore, publisher domrepo.EvidencePublisher, metrics domrepo.Metrics, interval time.Duration, batch int, log *logger.Logger) *ExportSweep {
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExportSweep{
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		interval:  interval,
		batch:     batch,
		log:       log.With(logger.String("component", "export_sweep")),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the sweep on a ticker until Stop or ctx is done.
func (s *ExportSweep) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.log.Warn("export sweep failed", logger.Error(err))
				}
			}
		}
	}()
}

func (s *ExportSweep) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

// Sweep exports one batch of pending bundles and returns how many succeeded.
// A bundle whose stored checksum no longer verifies is left pending and reported.
func (s *ExportSweep) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.Pending(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		b, err := s.store.Get(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			s.log.Warn("pending bundle missing, dropping marker", logger.String("bundle_id", id))
			_ = s.store.ClearPending(ctx, id)
			continue
		}
		if err != nil {
			return sent, err
		}
		if err := evidence.Verify(b); err != nil {
			s.metrics.RecordError("evidence_checksum")
			s.log.Error("stored bundle failed verification", logger.String("bundle_id", id), logger.Error(err))
			continue
		}
		if err := s.publisher.Publish(ctx, b); err != nil {
			s.metrics.RecordError("evidence_export")
			s.log.Warn("export retry failed", logger.String("bundle_id", id), logger.Error(err))
			continue
		}
		if err := s.store.ClearPending(ctx, id); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		s.log.Info("pending bundles exported", logger.Int("count", sent), logger.Int("pending", len(ids)-sent))
	}
	return sent, nil
}
