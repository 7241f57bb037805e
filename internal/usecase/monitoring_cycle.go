package usecase

import (
	"context"
	"fmt"
	"time"

	"CoordScope/internal/domain/models"
	domrepo "CoordScope/internal/domain/repository"
	"CoordScope/internal/services/evidence"
	"CoordScope/pkg/logger"
)

// MonitoringCycle runs the analyzer for one partition and persists what it produced:
// the evidence bundle, its export, the latest risk and the VMM snapshot.
type MonitoringCycle struct {
	analyzer  *Analyzer
	recorder  *evidence.Recorder
	evidence  domrepo.EvidenceStore
	publisher domrepo.EvidencePublisher
	board     domrepo.RiskBoard
	states    domrepo.StateStore
	metrics   domrepo.Metrics
	log       *logger.Logger
}

func NewMonitoringCycle(
	analyzer *Analyzer,
	recorder *evidence.Recorder,
	store domrepo.EvidenceStore,
	publisher domrepo.EvidencePublisher,
	board domrepo.RiskBoard,
	states domrepo.StateStore,
	metrics domrepo.Metrics,
	log *logger.Logger,
) *MonitoringCycle {
	if log == nil {
		log = logger.Nop()
	}
	return &MonitoringCycle{
		analyzer:  analyzer,
		recorder:  recorder,
		evidence:  store,
		publisher: publisher,
		board:     board,
		states:    states,
		metrics:   metrics,
		log:       log.With(logger.String("component", "monitoring_cycle")),
	}
}

// Analyzer returns the analyzer driving the cycle.
func (m *MonitoringCycle) Analyzer() *Analyzer { return m.analyzer }

// Execute runs one cycle. The returned error covers persistence only; the
// analysis itself always yields a result.
func (m *MonitoringCycle) Execute(ctx context.Context, in CycleInput) (models.CycleResult, error) {
	res := m.analyzer.Run(ctx, in)
	m.observe(res)

	bundle, err := m.recorder.Record(res, in.Batch)
	if err != nil {
		m.metrics.RecordError("evidence_record")
		return res, fmt.Errorf("record evidence: %w", err)
	}
	res.Bundle = bundle

	start := time.Now()
	created, err := m.evidence.Append(ctx, bundle)
	m.metrics.RecordLatency("evidence_append", time.Since(start).Seconds())
	if err != nil {
		m.metrics.RecordError("evidence_append")
		return res, fmt.Errorf("append evidence: %w", err)
	}
	if created {
		m.export(ctx, bundle)
	}

	if err := m.board.Put(ctx, res.Risk); err != nil {
		m.metrics.RecordError("risk_board")
		m.log.Warn("risk board update failed",
			logger.String("partition", res.Partition.String()),
			logger.Error(err))
	}
	if err := m.states.Save(ctx, res.Partition, res.VMM); err != nil {
		m.metrics.RecordError("state_snapshot")
		m.log.Warn("state snapshot failed",
			logger.String("partition", res.Partition.String()),
			logger.Error(err))
	}

	m.log.Info("cycle completed",
		logger.String("partition", res.Partition.String()),
		logger.String("status", string(res.Status)),
		logger.Int("score", res.Risk.Score),
		logger.String("band", string(res.Risk.Band)),
		logger.Float64("ci", res.Risk.CoordinationIdx),
		logger.Float64("confidence", res.Risk.Confidence),
		logger.String("bundle_id", bundle.BundleID),
		logger.Duration("duration", res.Duration))
	return res, nil
}

// export publishes a new bundle; failures leave it in the outbox for the sweep.
func (m *MonitoringCycle) export(ctx context.Context, b *models.EvidenceBundle) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, b); err != nil {
		m.metrics.RecordError("evidence_export")
		m.log.Warn("evidence export failed, queued for retry",
			logger.String("bundle_id", b.BundleID),
			logger.Error(err))
		if err := m.evidence.MarkPending(ctx, b.BundleID); err != nil {
			m.log.Error("mark pending failed", logger.String("bundle_id", b.BundleID), logger.Error(err))
		}
	}
}

func (m *MonitoringCycle) observe(res models.CycleResult) {
	p := res.Partition.String()
	m.metrics.RecordCycle(res.Partition.Market, string(res.Status), res.Duration.Seconds())
	m.metrics.RecordRisk(p, res.Risk.Score, res.Risk.CoordinationIdx)
	m.metrics.RecordICP(string(res.ICP.Status))
	m.metrics.RecordVMM(string(res.VMM.Status), res.VMM.Iterations)
	m.metrics.RecordDegraded(p, res.Risk.DegradedFactor)
	for _, l := range res.Layers {
		m.metrics.RecordLayer(l.Layer, string(l.Status))
	}
}
