package service

import (
	"context"

	"CoordScope/internal/domain/models"
)

// EnvironmentLabeler partitions observations into environments.
type EnvironmentLabeler interface {
	Label(obs []models.Observation) models.Labeling
}

// InvarianceTester tests stability of the response relationship across environments.
type InvarianceTester interface {
	Test(ctx context.Context, parts map[string]models.Design, alpha float64) models.ICPResult
}

// WindowExtender fetches additional history ending before the current batch.
type WindowExtender func(ctx context.Context, extra models.TimeWindow) (models.DataBatch, error)

// Estimator performs streaming variational updates of theta.
type Estimator interface {
	Update(ctx context.Context, batch models.DataBatch, prior models.VMMState, extend WindowExtender) models.VMMState
}

// ValidationLayer is one independent cross-check.
type ValidationLayer interface {
	Name() string
	Analyze(ctx context.Context, window models.DataBatch) models.LayerResult
}

// RiskAggregator combines signal sources into a risk output.
type RiskAggregator interface {
	Aggregate(icp models.ICPResult, vmm models.VMMState, layers []models.LayerResult, mode models.DegradedMode) models.RiskOutput
}
