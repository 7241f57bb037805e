package clickhouse

import "fmt"

// ObservationSchema returns the DDL for the observation table. Covariates are
// stored as parallel key/value arrays so new covariates need no migration.
func ObservationSchema(database string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.observations (
	ts DateTime64(3, 'UTC'),
	market LowCardinality(String),
	entity_id LowCardinality(String),
	price Float64,
	volume Float64,
	cov_keys Array(LowCardinality(String)),
	cov_values Array(Float64),
	ingested_at DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = ReplacingMergeTree(ingested_at)
PARTITION BY toYYYYMM(ts)
ORDER BY (market, entity_id, ts)`, database),
	}
}
