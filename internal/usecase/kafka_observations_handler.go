package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"CoordScope/internal/domain/models"
	domrepo "CoordScope/internal/domain/repository"
	"CoordScope/internal/middleware"
	pkgkafka "CoordScope/pkg/kafka"
	"CoordScope/pkg/logger"
)

// KafkaObservationsHandler consumes observation messages and feeds them through
// the ingestion pipeline into the observation store.
type KafkaObservationsHandler struct {
	topic    string
	pipeline *middleware.ObservationPipeline
	metrics  domrepo.Metrics
}

func NewKafkaObservationsHandler(topic string, pipeline *middleware.ObservationPipeline, metrics domrepo.Metrics) *KafkaObservationsHandler {
	return &KafkaObservationsHandler{topic: topic, pipeline: pipeline, metrics: metrics}
}

func (h *KafkaObservationsHandler) Topic() string { return h.topic }

// Handle accepts either one observation object or an array of them.
func (h *KafkaObservationsHandler) Handle(ctx context.Context, b []byte) error {
	obs, err := decodeObservations(b)
	if err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return err
	}
	if len(obs) > 0 {
		newest := obs[0].Timestamp
		for _, o := range obs[1:] {
			if o.Timestamp.After(newest) {
				newest = o.Timestamp
			}
		}
		h.metrics.RecordLatency("ingest_e2e", time.Since(newest).Seconds())
	}
	if _, err := h.pipeline.Process(ctx, obs); err != nil {
		h.metrics.RecordError("consumer_store")
		return err
	}
	return nil
}

func decodeObservations(b []byte) ([]models.Observation, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if b[0] == '[' {
		var out []models.Observation
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, fmt.Errorf("decode observations: %w", err)
		}
		return out, nil
	}
	var o models.Observation
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("decode observation: %w", err)
	}
	return []models.Observation{o}, nil
}

// ObservationConsumerHooks tags messages with their trace id and records
// handling latency and failures.
func ObservationConsumerHooks(metrics domrepo.Metrics, log *logger.Logger) pkgkafka.ConsumerHook {
	if log == nil {
		log = logger.Nop()
	}
	trace := pkgkafka.HookFuncs{
		Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
			return pkgkafka.WithTraceID(ctx, pkgkafka.ExtractTraceID(km)), km, data, nil
		},
	}
	timing := pkgkafka.HookFuncs{
		Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
			return pkgkafka.WithStartTime(ctx, time.Now()), km, data, nil
		},
		After: func(ctx context.Context, topic string, _ kafka.Message, _ []byte, _ error) {
			if start, ok := pkgkafka.StartTime(ctx); ok {
				metrics.RecordLatency("consume", time.Since(start).Seconds())
			}
		},
		Err: func(ctx context.Context, topic string, km kafka.Message, _ []byte, err error) {
			metrics.RecordError("consume")
			log.Warn("observation message failed",
				logger.String("topic", topic),
				logger.Int("partition", km.Partition),
				logger.Int64("offset", km.Offset),
				logger.String("trace_id", pkgkafka.TraceID(ctx)),
				logger.Error(err))
		},
	}
	return pkgkafka.NewHookChain(trace, timing)
}

var _ pkgkafka.MessageHandler = (*KafkaObservationsHandler)(nil)
