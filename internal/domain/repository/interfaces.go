package repository

import (
	"context"
	"time"

	"CoordScope/internal/domain/models"
)

// ObservationStore provides read/append access to ingested observations.
type ObservationStore interface {
	Init(ctx context.Context) error
	Append(ctx context.Context, obs []models.Observation) error
	Window(ctx context.Context, key models.PartitionKey, from, to time.Time) (models.DataBatch, error)
	Partitions(ctx context.Context, since time.Time) ([]models.PartitionKey, error)
	Health(ctx context.Context) error
	Close() error
}

// EvidenceStore is the append-only bundle store. Append is idempotent per bundle id.
type EvidenceStore interface {
	Append(ctx context.Context, b *models.EvidenceBundle) (created bool, err error)
	Get(ctx context.Context, id string) (*models.EvidenceBundle, error)
	List(ctx context.Context, key models.PartitionKey, limit int) ([]*models.EvidenceBundle, error)
	MarkPending(ctx context.Context, id string) error
	ClearPending(ctx context.Context, id string) error
	Pending(ctx context.Context, limit int) ([]string, error)
	Close() error
}

// EvidencePublisher exports bundles to downstream consumers.
type EvidencePublisher interface {
	Publish(ctx context.Context, b *models.EvidenceBundle) error
	Close() error
}

// StateStore snapshots per-partition VMM state.
type StateStore interface {
	Save(ctx context.Context, key models.PartitionKey, st models.VMMState) error
	Load(ctx context.Context, key models.PartitionKey) (models.VMMState, bool, error)
}

// RiskBoard holds the latest risk output per partition.
type RiskBoard interface {
	Put(ctx context.Context, out models.RiskOutput) error
	Get(ctx context.Context, key models.PartitionKey) (models.RiskOutput, bool, error)
	List(ctx context.Context) ([]models.RiskOutput, error)
}

// PartitionLease guards exclusive ownership of a partition across engine replicas.
type PartitionLease interface {
	Acquire(ctx context.Context, key models.PartitionKey, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key models.PartitionKey) error
}

// Metrics records engine telemetry.
type Metrics interface {
	RecordCycle(market, status string, seconds float64)
	RecordRisk(partition string, score int, ci float64)
	RecordICP(status string)
	RecordVMM(status string, iterations int)
	RecordLayer(layer, status string)
	RecordDegraded(partition string, factor float64)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
	RecordIngested(market string, n int)
}
