package kafka

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"CoordScope/pkg/logger"
)

// Headers stamped on dead-lettered messages.
const (
	HeaderSourceTopic     = "source_topic"
	HeaderSourcePartition = "source_partition"
	HeaderSourceOffset    = "source_offset"
	HeaderError           = "error"
	HeaderAttempts        = "attempts"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the registered topics in a consumer group and hands every
// message to its handler on an ordered lane. Offsets are committed once the
// handler succeeds or the message reached the DLQ.
type Consumer struct {
	cfg       *ConsumerConfig
	log       *logger.Logger
	hook      ConsumerHook
	handlers  map[string]MessageHandler
	readers   map[string]fetcher
	newReader func(topic string) fetcher
	dlq       writer
	metrics   *consumerMetrics

	lanes   []chan kafka.Message
	ctx     context.Context
	cancel  context.CancelFunc
	fetchWG sync.WaitGroup
	laneWG  sync.WaitGroup
	stop    sync.Once
}

// NewConsumer creates a consumer. Handlers are registered before Start.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := defaultConsumerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m, err := newConsumerMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	c := &Consumer{
		cfg:      cfg,
		log:      log.With(logger.String("component", "kafka_consumer"), logger.String("group", cfg.GroupID)),
		hook:     HookFuncs{},
		handlers: make(map[string]MessageHandler),
		readers:  make(map[string]fetcher),
		metrics:  m,
	}
	c.newReader = func(topic string) fetcher {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    topic,
			GroupID:  cfg.GroupID,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
		})
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Topic: cfg.DLQTopic, Balancer: &kafka.Hash{}}
	}
	return c, nil
}

// RegisterHandler registers the handler for its topic. A second handler for
// the same topic is ignored.
func (c *Consumer) RegisterHandler(h MessageHandler) {
	topic := h.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.log.Warn("handler already registered", logger.String("topic", topic))
		return
	}
	c.handlers[topic] = h
}

// Use installs the lifecycle hook. Call it before Start.
func (c *Consumer) Use(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

// Start opens one reader per registered topic and starts the lanes.
func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return errors.New("no handlers registered")
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	per := c.cfg.LaneBuffer / c.cfg.Lanes
	if per < 1 {
		per = 1
	}
	c.lanes = make([]chan kafka.Message, c.cfg.Lanes)
	for i := range c.lanes {
		c.lanes[i] = make(chan kafka.Message, per)
		c.laneWG.Add(1)
		go c.runLane(i, c.lanes[i])
	}

	for topic := range c.handlers {
		c.readers[topic] = c.newReader(topic)
	}
	for topic, r := range c.readers {
		c.fetchWG.Add(1)
		go c.fetch(topic, r)
	}
	c.log.Info("consumer started", logger.Int("lanes", len(c.lanes)), logger.Int("topics", len(c.readers)))
	return nil
}

// Stop stops fetching, lets every lane finish its current message and closes
// the readers. Queued messages are left uncommitted and will be redelivered.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stop.Do(func() {
		if c.cancel == nil {
			return
		}
		c.cancel()
		c.fetchWG.Wait()
		for _, lane := range c.lanes {
			close(lane)
		}

		done := make(chan struct{})
		go func() {
			c.laneWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("consumer stop: %w", ctx.Err())
		}

		for topic, r := range c.readers {
			if cerr := r.Close(); cerr != nil {
				c.log.Warn("close reader", logger.String("topic", topic), logger.Error(cerr))
			}
		}
		if c.dlq != nil {
			if cerr := c.dlq.Close(); cerr != nil {
				c.log.Warn("close dlq writer", logger.Error(cerr))
			}
		}
		if err == nil {
			c.log.Info("consumer stopped")
		}
	})
	return err
}

func (c *Consumer) fetch(topic string, r fetcher) {
	defer c.fetchWG.Done()
	failures := 0
	for {
		msg, err := r.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			failures++
			c.log.Warn("fetch message", logger.String("topic", topic), logger.Int("failures", failures), logger.Error(err))
			if !c.sleep(backoff(c.cfg.BackoffMin, c.cfg.BackoffMax, failures)) {
				return
			}
			continue
		}
		failures = 0
		if msg.Topic == "" {
			msg.Topic = topic
		}

		i := c.laneFor(msg.Topic, msg.Partition)
		select {
		case c.lanes[i] <- msg:
			c.metrics.depth.WithLabelValues(strconv.Itoa(i)).Set(float64(len(c.lanes[i])))
		case <-c.ctx.Done():
			return
		}
	}
}

// laneFor pins a (topic, partition) to one lane.
func (c *Consumer) laneFor(topic string, partition int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	_, _ = h.Write([]byte{byte(partition >> 24), byte(partition >> 16), byte(partition >> 8), byte(partition)})
	return int(h.Sum32() % uint32(len(c.lanes)))
}

func (c *Consumer) runLane(i int, lane <-chan kafka.Message) {
	defer c.laneWG.Done()
	label := strconv.Itoa(i)
	for msg := range lane {
		c.metrics.depth.WithLabelValues(label).Set(float64(len(lane)))
		if c.ctx.Err() != nil {
			continue
		}
		c.process(msg)
	}
}

func (c *Consumer) process(msg kafka.Message) {
	start := time.Now()
	h, ok := c.handlers[msg.Topic]
	if !ok {
		return
	}

	attempts, err := c.handle(h, msg)
	result := "ok"
	commit := err == nil
	if err != nil {
		c.log.Error("handle message",
			logger.String("topic", msg.Topic),
			logger.Int("partition", msg.Partition),
			logger.Int64("offset", msg.Offset),
			logger.Int("attempts", attempts),
			logger.Error(err))
		result = "failed"
		if c.dlq != nil && c.ctx.Err() == nil {
			if derr := c.deadLetter(msg, attempts, err); derr != nil {
				c.log.Error("write dlq", logger.String("topic", c.cfg.DLQTopic), logger.Error(derr))
			} else {
				result, commit = "dlq", true
			}
		}
	} else if attempts > 1 {
		result = "retried"
	}

	if commit {
		c.commit(c.readers[msg.Topic], msg)
	}
	c.metrics.messages.WithLabelValues(msg.Topic, result).Inc()
	c.metrics.latency.WithLabelValues(msg.Topic).Observe(time.Since(start).Seconds())
}

// handle runs the hooks and the handler with bounded retries. It returns the
// number of attempts made and the last error.
func (c *Consumer) handle(h MessageHandler, msg kafka.Message) (int, error) {
	var err error
	attempt := 0
	for attempt <= c.cfg.RetryMax {
		attempt++
		ctx, km, data, berr := c.hook.BeforeHandle(context.Background(), msg.Topic, msg, msg.Value)
		if berr != nil {
			return attempt, berr
		}
		err = safeHandle(h, ctx, data)
		c.hook.AfterHandle(ctx, msg.Topic, km, data, err)
		if err == nil {
			return attempt, nil
		}
		c.hook.OnError(ctx, msg.Topic, km, data, err)
		if attempt > c.cfg.RetryMax || !c.sleep(backoff(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)) {
			break
		}
	}
	return attempt, err
}

func safeHandle(h MessageHandler, ctx context.Context, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HookError{Code: "ERR_PANIC", Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	return h.Handle(ctx, data)
}

func (c *Consumer) deadLetter(msg kafka.Message, attempts int, cause error) error {
	headers := []kafka.Header{
		{Key: HeaderSourceTopic, Value: []byte(msg.Topic)},
		{Key: HeaderSourcePartition, Value: []byte(strconv.Itoa(msg.Partition))},
		{Key: HeaderSourceOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		{Key: HeaderError, Value: []byte(cause.Error())},
		{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempts))},
	}
	if id := ExtractTraceID(msg); id != "" {
		headers = append(headers, kafka.Header{Key: TraceHeader, Value: []byte(id)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.dlq.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers, Time: time.Now().UTC()})
}

func (c *Consumer) commit(r fetcher, msg kafka.Message) {
	if r == nil {
		return
	}
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = r.CommitMessages(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(backoff(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.log.Error("commit offset",
		logger.String("topic", msg.Topic),
		logger.Int64("offset", msg.Offset),
		logger.Error(err))
}

// sleep waits d unless the consumer stops first.
func (c *Consumer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// backoff doubles from lo per attempt, capped at hi, and picks a point in
// the upper half of that interval.
func backoff(lo, hi time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := hi
	if attempt < 32 {
		if v := lo << uint(attempt-1); v > 0 && v < hi {
			d = v
		}
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

type consumerMetrics struct {
	messages *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	depth    *prometheus.GaugeVec
}

func newConsumerMetrics(reg prometheus.Registerer) (*consumerMetrics, error) {
	m := &consumerMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordscope_kafka_consumer_messages_total",
			Help: "Consumed messages by outcome (ok, retried, dlq, failed)",
		}, []string{"topic", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coordscope_kafka_consumer_handle_seconds",
			Help:    "Handling time per message including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordscope_kafka_consumer_lane_depth",
			Help: "Messages queued per lane",
		}, []string{"lane"}),
	}
	var err error
	if m.messages, err = register(reg, m.messages); err != nil {
		return nil, err
	}
	if m.latency, err = register(reg, m.latency); err != nil {
		return nil, err
	}
	if m.depth, err = register(reg, m.depth); err != nil {
		return nil, err
	}
	return m, nil
}
