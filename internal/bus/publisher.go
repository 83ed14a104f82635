package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/sawpanic/microsignal/internal/metrics"
	"github.com/sawpanic/microsignal/internal/net/circuit"
	"github.com/sawpanic/microsignal/internal/signals"
)

// Config selects brokers and topics for aggregate publishing
type Config struct {
	Brokers      []string      `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	DefaultTopic string        `yaml:"default_topic"`
	StrongTopic  string        `yaml:"strong_topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// DefaultConfig returns the standard topic names with no brokers
func DefaultConfig() Config {
	return Config{
		DefaultTopic: "market-signals",
		StrongTopic:  "market-signals-strong",
		BatchTimeout: 10 * time.Millisecond,
	}
}

// TopicFor routes strong and very strong aggregates to the strong topic
func (c Config) TopicFor(agg *signals.MarketSignalAggregate) string {
	if agg.IsStrong() {
		return c.StrongTopic
	}
	return c.DefaultTopic
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes one message per aggregate, keyed by symbol
type KafkaPublisher struct {
	writer  messageWriter
	config  Config
	breaker *circuit.Breaker
	metrics *metrics.Registry
	logger  zerolog.Logger
}

// NewKafkaPublisher creates a publisher writing to config.Brokers. Topics are set per message.
func NewKafkaPublisher(config Config, breaker *circuit.Breaker, m *metrics.Registry, logger zerolog.Logger) (*KafkaPublisher, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher needs at least one broker")
	}
	config = withDefaults(config)
	logger = logger.With().Str("component", "bus").Logger()

	w := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           config.BatchTimeout,
		AllowAutoTopicCreation: true,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug().Msgf(msg, args...)
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error().Msgf(msg, args...)
		}),
	}
	return newKafkaPublisher(w, config, breaker, m, logger), nil
}

func newKafkaPublisher(w messageWriter, config Config, breaker *circuit.Breaker, m *metrics.Registry, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:  w,
		config:  withDefaults(config),
		breaker: breaker,
		metrics: m,
		logger:  logger,
	}
}

func withDefaults(c Config) Config {
	def := DefaultConfig()
	if c.DefaultTopic == "" {
		c.DefaultTopic = def.DefaultTopic
	}
	if c.StrongTopic == "" {
		c.StrongTopic = def.StrongTopic
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = def.BatchTimeout
	}
	return c
}

// Publish implements signals.Publisher
func (p *KafkaPublisher) Publish(ctx context.Context, agg *signals.MarketSignalAggregate) error {
	topic := p.config.TopicFor(agg)
	payload, err := json.Marshal(agg)
	if err != nil {
		p.metrics.RecordPublish(topic, "error")
		return fmt.Errorf("marshal aggregate %s: %w", agg.SignalID, err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(agg.Symbol),
		Value: payload,
		Time:  agg.Timestamp,
		Headers: []kafka.Header{
			{Key: "signal_id", Value: []byte(agg.SignalID)},
			{Key: "strength", Value: []byte(agg.SignalStrength)},
		},
	}

	write := func(ctx context.Context) error { return p.writer.WriteMessages(ctx, msg) }
	if p.breaker != nil {
		err = p.breaker.Call(ctx, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		p.metrics.RecordPublish(topic, "error")
		return fmt.Errorf("publish %s to %s: %w", agg.Symbol, topic, err)
	}

	p.metrics.RecordPublish(topic, "ok")
	p.logger.Debug().Str("topic", topic).Str("symbol", agg.Symbol).Str("signal_id", agg.SignalID).Msg("Aggregate published")
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher logs aggregates instead of sending them. Used when no brokers are configured.
type LogPublisher struct {
	config  Config
	metrics *metrics.Registry
	logger  zerolog.Logger
}

// NewLogPublisher creates a log-only publisher with the given topic routing
func NewLogPublisher(config Config, m *metrics.Registry, logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{
		config:  withDefaults(config),
		metrics: m,
		logger:  logger.With().Str("component", "bus").Logger(),
	}
}

// Publish implements signals.Publisher
func (p *LogPublisher) Publish(_ context.Context, agg *signals.MarketSignalAggregate) error {
	topic := p.config.TopicFor(agg)
	p.metrics.RecordPublish(topic, "ok")
	p.logger.Info().
		Str("topic", topic).
		Str("symbol", agg.Symbol).
		Str("signal", string(agg.OverallSignal)).
		Str("strength", string(agg.SignalStrength)).
		Float64("confidence", agg.Confidence).
		Str("action", string(agg.RecommendedAction)).
		Msg("Aggregate")
	return nil
}

// Close is a no-op
func (p *LogPublisher) Close() error { return nil }
