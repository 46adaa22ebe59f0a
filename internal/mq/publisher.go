package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Channel is the part of *amqp.Channel the publisher uses
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// BreakerConfig configures the circuit breaker around publishing
type BreakerConfig struct {
	// Failures is the number of consecutive failures that opens the breaker
	Failures uint32
	// Timeout is how long the breaker stays open before probing again
	Timeout time.Duration
}

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	channel    Channel
	exchange   string
	routingKey string
	breaker    *gobreaker.CircuitBreaker[struct{}]
	logger     *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher for pour-recorded facts
func NewPublisher(conn *Connection, exchange, routingKey string, breaker BreakerConfig, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return NewPublisherWithChannel(ch, exchange, routingKey, breaker, logger), nil
}

// NewPublisherWithChannel creates a publisher over an already prepared channel
func NewPublisherWithChannel(ch Channel, exchange, routingKey string, breaker BreakerConfig, logger *zap.Logger) *Publisher {
	failures := breaker.Failures
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:        "pour-recorded-publisher",
		MaxRequests: 1,
		Timeout:     breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("publisher circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		breaker:    gobreaker.NewCircuitBreaker[struct{}](settings),
		logger:     logger,
	}
}

// PourRecordedEvent is the fact published after each pour commit
type PourRecordedEvent struct {
	PourID        string  `json:"pour_id"`
	TapID         string  `json:"tap_id"`
	KegID         int64   `json:"keg_id"`
	UserID        string  `json:"user_id,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	Ticks         int64   `json:"ticks"`
	VolumeMl      float64 `json:"volume_ml"`
	StartTime     string  `json:"start_time"`
	EndTime       string  `json:"end_time"`
	IsValid       bool    `json:"is_valid"`
	InvalidReason string  `json:"invalid_reason,omitempty"`
	StatsApplied  bool    `json:"stats_applied"`
}

// PublishPourRecorded publishes a pour-recorded fact. Calls fail fast with
// gobreaker.ErrOpenState while the breaker is open.
func (p *Publisher) PublishPourRecorded(ctx context.Context, event PourRecordedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.channel.PublishWithContext(
			ctx,
			p.exchange,
			p.routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				MessageId:    event.PourID,
			},
		)
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published pour recorded event",
		zap.String("routing_key", p.routingKey),
		zap.String("pour_id", event.PourID),
		zap.String("tap_id", event.TapID),
	)

	return nil
}

// BreakerState reports the circuit breaker state
func (p *Publisher) BreakerState() string {
	return p.breaker.State().String()
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
