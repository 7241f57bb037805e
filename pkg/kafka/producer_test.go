package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func testProducer(t *testing.T, w writer) *Producer {
	t.Helper()
	m, err := newProducerMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return &Producer{writer: w, codec: "snappy", metrics: m}
}

func TestNewProducerValidates(t *testing.T) {
	_, err := NewProducer(WithProducerRegisterer(prometheus.NewRegistry()))
	assert.ErrorContains(t, err, "brokers")

	_, err = NewProducer(WithBrokers([]string{"k:9092"}), WithCompression("brotli"), WithProducerRegisterer(prometheus.NewRegistry()))
	assert.ErrorContains(t, err, "brotli")

	_, err = NewProducer(WithBrokers([]string{"k:9092"}), WithDelivery(3, 1), WithProducerRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)

	reg := prometheus.NewRegistry()
	p1, err := NewProducer(WithBrokers([]string{"k:9092"}), WithKeyOrdering(), WithProducerRegisterer(reg))
	require.NoError(t, err)
	p2, err := NewProducer(WithBrokers([]string{"k:9092"}), WithProducerRegisterer(reg))
	require.NoError(t, err)
	assert.Same(t, p1.metrics.messages, p2.metrics.messages)
	require.NoError(t, p1.Close())
	require.NoError(t, p2.Close())
}

func TestPublishEncodesAndPropagatesTrace(t *testing.T) {
	w := &captureWriter{}
	p := testProducer(t, w)

	ctx := WithTraceID(context.Background(), "cycle-42")
	require.NoError(t, p.Publish(ctx, "evidence", []byte("golden/leader:follower"), map[string]int{"risk_score": 80}))
	require.NoError(t, p.Publish(context.Background(), "evidence", nil, []byte(`{"raw":true}`)))

	require.Len(t, w.msgs, 2)
	assert.JSONEq(t, `{"risk_score":80}`, string(w.msgs[0].Value))
	assert.Equal(t, "cycle-42", ExtractTraceID(w.msgs[0]))
	assert.Equal(t, "golden/leader:follower", string(w.msgs[0].Key))
	assert.Empty(t, w.msgs[1].Headers)
	assert.Equal(t, `{"raw":true}`, string(w.msgs[1].Value))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.messages.WithLabelValues("evidence", "ok")))
}

func TestPublishFailure(t *testing.T) {
	p := testProducer(t, &captureWriter{err: errors.New("leader not available")})

	err := p.Publish(context.Background(), "evidence", nil, struct{}{})
	assert.ErrorContains(t, err, "publish evidence")
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.messages.WithLabelValues("evidence", "error")))
	assert.Zero(t, testutil.ToFloat64(p.metrics.bytes.WithLabelValues("evidence", "snappy")))

	_, err = encodeValue(func() {})
	assert.Error(t, err)
}
