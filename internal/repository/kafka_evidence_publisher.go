package repository

import (
	"context"
	"fmt"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/domain/repository"
	pkgkafka "CoordScope/pkg/kafka"
)

var _ repository.EvidencePublisher = (*KafkaEvidencePublisher)(nil)

// BundleValidator checks a bundle against the export contract.
type BundleValidator interface {
	Validate(b *models.EvidenceBundle) error
}

// KafkaEvidencePublisher exports bundles keyed by partition, so one partition's
// bundles stay ordered within a Kafka partition.
type KafkaEvidencePublisher struct {
	producer  *pkgkafka.Producer
	topic     string
	validator BundleValidator
}

func NewKafkaEvidencePublisher(producer *pkgkafka.Producer, topic string, validator BundleValidator) *KafkaEvidencePublisher {
	return &KafkaEvidencePublisher{producer: producer, topic: topic, validator: validator}
}

func (p *KafkaEvidencePublisher) Publish(ctx context.Context, b *models.EvidenceBundle) error {
	if p.validator != nil {
		if err := p.validator.Validate(b); err != nil {
			return fmt.Errorf("export bundle %s: %w", b.BundleID, err)
		}
	}
	return p.producer.Publish(ctx, p.topic, []byte(b.Partition.String()), b)
}

func (p *KafkaEvidencePublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
