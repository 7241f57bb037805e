//go:build wireinject
// +build wireinject

package di

import (
	"CoordScope/pkg/config"
	"CoordScope/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideCache,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,

		// Repositories
		ProvideObservationStore,
		ProvideEvidenceStore,
		ProvideStateStore,
		ProvideRiskHub,
		ProvideRiskBoard,
		ProvideLease,
		ProvideSchemaValidator,
		ProvideEvidencePublisher,

		// Use cases
		ProvideRecorder,
		ProvideAnalyzer,
		ProvideMonitoringCycle,
		ProvideScheduler,
		ProvideExportSweep,
		ProvideGoldenCalibration,
		ProvideObservationPipeline,
		ProvideKafkaObservationsHandler,
		ProvideWindowAnalysis,

		// HTTP
		ProvideRiskHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
