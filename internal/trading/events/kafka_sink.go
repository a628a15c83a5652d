package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/fxarena/pkg/metrics"
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the outbound event topic
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers" json:"brokers"`
	Topic        string        `mapstructure:"topic" json:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" json:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	// Buffer bounds events waiting for the broker. Overflow is dropped.
	Buffer int `mapstructure:"buffer" json:"buffer"`
}

// DefaultSinkBuffer is used when KafkaConfig.Buffer is not set.
const DefaultSinkBuffer = 1024

// KafkaSink forwards bus events to a Kafka topic keyed by participant, so one
// participant's events stay ordered within a partition. Writes happen on the
// sink's own goroutine so a slow broker never holds up the bus dispatcher.
type KafkaSink struct {
	writer       messageWriter
	writeTimeout time.Duration
	logger       *zap.Logger

	queue     chan Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewKafkaSink(cfg KafkaConfig, logger *zap.Logger) *KafkaSink {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
	return newKafkaSink(w, cfg.WriteTimeout, cfg.Buffer, logger)
}

func newKafkaSink(w messageWriter, timeout time.Duration, buffer int, logger *zap.Logger) *KafkaSink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	s := &KafkaSink{
		writer:       w,
		writeTimeout: timeout,
		logger:       logger,
		queue:        make(chan Event, buffer),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go s.run()
	return s
}

// Handle is a bus Handler. It only enqueues; a full queue drops the event.
func (s *KafkaSink) Handle(_ context.Context, e Event) {
	select {
	case <-s.stop:
		return
	default:
	}
	select {
	case s.queue <- e:
	default:
		metrics.EventsDropped.WithLabelValues(string(e.Type)).Inc()
		s.logger.Warn("Kafka sink queue full, event dropped",
			zap.String("type", string(e.Type)), zap.String("event_id", e.ID.String()))
	}
}

func (s *KafkaSink) run() {
	defer close(s.done)
	for {
		select {
		case e := <-s.queue:
			s.write(e)
		case <-s.stop:
			for {
				select {
				case e := <-s.queue:
					s.write(e)
				default:
					return
				}
			}
		}
	}
}

func (s *KafkaSink) write(e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("Failed to encode event", zap.Error(err), zap.String("type", string(e.Type)))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(e.ParticipantID.String()),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn("Failed to publish event to kafka",
			zap.Error(err), zap.String("type", string(e.Type)), zap.String("event_id", e.ID.String()))
	}
}

// Close flushes queued events and closes the writer.
func (s *KafkaSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		err = s.writer.Close()
	})
	return err
}
