package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/domain/repository"
	pkgch "CoordScope/pkg/clickhouse"
	applogger "CoordScope/pkg/logger"
)

var _ repository.ObservationStore = (*CHObservationStore)(nil)

// CHObservationStore keeps ingested observations in ClickHouse.
type CHObservationStore struct {
	ch        *pkgch.Client
	table     string
	batchSize int
	l         *applogger.Logger
}

func NewCHObservationStore(ch *pkgch.Client, batchSize int, l *applogger.Logger) *CHObservationStore {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &CHObservationStore{
		ch:        ch,
		table:     ch.Database() + ".observations",
		batchSize: batchSize,
		l:         l.With(applogger.String("component", "observation_store")),
	}
}

func (s *CHObservationStore) Init(ctx context.Context) error {
	return s.ch.InitSchema(ctx, pkgch.ObservationSchema(s.ch.Database()))
}

// Append inserts observations in chunks; each chunk is sent as one block.
func (s *CHObservationStore) Append(ctx context.Context, obs []models.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	q := fmt.Sprintf("INSERT INTO %s (ts, market, entity_id, price, volume, cov_keys, cov_values)", s.table)
	for start := 0; start < len(obs); start += s.batchSize {
		end := start + s.batchSize
		if end > len(obs) {
			end = len(obs)
		}
		chunk := obs[start:end]
		err := s.ch.InTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, q)
			if err != nil {
				return fmt.Errorf("prepare insert: %w", err)
			}
			defer stmt.Close()
			for _, o := range chunk {
				keys, vals := splitCovariates(o.Covariates)
				if _, err := stmt.ExecContext(ctx, o.Timestamp.UTC(), o.Market, o.EntityID, o.Price, o.Volume, keys, vals); err != nil {
					return fmt.Errorf("append observation: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			s.l.Error("clickhouse append error",
				applogger.Int("rows", len(chunk)),
				applogger.Error(err))
			return err
		}
	}
	return nil
}

// Window loads both entities of a partition in [from, to], ordered by (ts, entity).
func (s *CHObservationStore) Window(ctx context.Context, key models.PartitionKey, from, to time.Time) (models.DataBatch, error) {
	batch := models.DataBatch{Market: key.Market, Pair: key.Pair}
	q := fmt.Sprintf(`
        SELECT ts, market, entity_id, price, volume, cov_keys, cov_values
        FROM %s FINAL
        WHERE market = ? AND entity_id IN (?, ?) AND ts >= ? AND ts <= ?
        ORDER BY ts ASC, entity_id ASC
    `, s.table)
	rows, err := s.ch.DB().QueryContext(ctx, q, key.Market, key.Pair.Leader, key.Pair.Follower, from.UTC(), to.UTC())
	if err != nil {
		s.l.Error("clickhouse window query error",
			applogger.String("partition", key.String()),
			applogger.Error(err))
		return batch, fmt.Errorf("window query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			o    models.Observation
			keys []string
			vals []float64
		)
		if err := rows.Scan(&o.Timestamp, &o.Market, &o.EntityID, &o.Price, &o.Volume, &keys, &vals); err != nil {
			s.l.Error("clickhouse window scan error",
				applogger.String("partition", key.String()),
				applogger.Error(err))
			return batch, fmt.Errorf("scan observation: %w", err)
		}
		o.Timestamp = o.Timestamp.UTC()
		o.Covariates = joinCovariates(keys, vals)
		batch.Observations = append(batch.Observations, o)
	}
	if err := rows.Err(); err != nil {
		s.l.Error("clickhouse window rows error",
			applogger.String("partition", key.String()),
			applogger.Error(err))
		return batch, fmt.Errorf("rows: %w", err)
	}
	return batch, nil
}

// Partitions lists every entity pair of every market active since the given time.
// The lexicographically smaller entity is the leader.
func (s *CHObservationStore) Partitions(ctx context.Context, since time.Time) ([]models.PartitionKey, error) {
	q := fmt.Sprintf(`
        SELECT market, groupUniqArray(entity_id)
        FROM %s
        WHERE ts >= ?
        GROUP BY market
        ORDER BY market
    `, s.table)
	rows, err := s.ch.DB().QueryContext(ctx, q, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("partitions query: %w", err)
	}
	defer rows.Close()

	var out []models.PartitionKey
	for rows.Next() {
		var (
			market   string
			entities []string
		)
		if err := rows.Scan(&market, &entities); err != nil {
			return nil, fmt.Errorf("scan partitions: %w", err)
		}
		out = append(out, PairsOf(market, entities)...)
	}
	return out, rows.Err()
}

func (s *CHObservationStore) Health(ctx context.Context) error {
	return s.ch.Health(ctx)
}

// Close is a no-op; the client is closed by its owner.
func (s *CHObservationStore) Close() error { return nil }

// PairsOf enumerates the unordered entity pairs of a market.
func PairsOf(market string, entities []string) []models.PartitionKey {
	sorted := append([]string(nil), entities...)
	sort.Strings(sorted)
	var out []models.PartitionKey
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			out = append(out, models.PartitionKey{
				Market: market,
				Pair:   models.EntityPair{Leader: sorted[i], Follower: sorted[j]},
			})
		}
	}
	return out
}

func splitCovariates(cov map[string]float64) ([]string, []float64) {
	keys := make([]string, 0, len(cov))
	for k := range cov {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]float64, len(keys))
	for i, k := range keys {
		vals[i] = cov[k]
	}
	return keys, vals
}

func joinCovariates(keys []string, vals []float64) map[string]float64 {
	if len(keys) == 0 {
		return nil
	}
	out := make(map[string]float64, len(keys))
	for i, k := range keys {
		if i < len(vals) {
			out[k] = vals[i]
		}
	}
	return out
}
