// Package service wires the flow tracker to the pour pipeline: ingress
// decoding, the pour commit unit, repair and regeneration.
package service

import (
	"context"
	"fmt"
	"time"

	govalidator "github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/septivank/tapflow-worker/internal/flow"
	"github.com/septivank/tapflow-worker/internal/logging"
	"github.com/septivank/tapflow-worker/internal/metrics"
	"github.com/septivank/tapflow-worker/internal/mq"
	"github.com/septivank/tapflow-worker/tools/timeparser"
	"go.uber.org/zap"
)

// IngestMessage represents the incoming message from RabbitMQ
type IngestMessage struct {
	RequestID  string       `json:"request_id"`
	ReceivedAt time.Time    `json:"received_at"`
	Payload    MeterPayload `json:"payload"`
}

// MeterPayload is one tap notification
type MeterPayload struct {
	TapID string `json:"tap_id" validate:"required,max=64"`
	Event string `json:"event" validate:"required,oneof=flow_start meter_update flow_stop"`
	// Ticks is the absolute meter reading, required for meter_update
	Ticks  *int64 `json:"ticks,omitempty" validate:"required_if=Event meter_update"`
	Date   string `json:"date,omitempty"`
	UserID string `json:"user_id,omitempty" validate:"max=128"`
}

// EventSubmitter applies meter events in order
type EventSubmitter interface {
	Submit(ctx context.Context, ev flow.MeterEvent) error
}

// ProcessorService decodes ingress messages and feeds the flow worker
type ProcessorService struct {
	submitter EventSubmitter
	validate  *govalidator.Validate
	tolerance int
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessorService creates a new processor service. Event timestamps
// further than toleranceMinutes from the receive time are replaced by it.
func NewProcessorService(submitter EventSubmitter, toleranceMinutes int, m *metrics.Metrics, logger *zap.Logger) *ProcessorService {
	return &ProcessorService{
		submitter: submitter,
		validate:  govalidator.New(),
		tolerance: toleranceMinutes,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessMessage processes an incoming tap notification. Malformed messages
// fail permanently; a stopped or busy flow worker asks for redelivery.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.metrics.IngestError()
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	reqLogger := logging.WithTap(logging.WithRequestID(s.logger, msg.RequestID), msg.Payload.TapID)

	ev, err := s.toEvent(msg)
	if err != nil {
		s.metrics.IngestError()
		reqLogger.Warn("invalid meter notification", zap.Error(err))
		return err
	}

	if err := s.submitter.Submit(ctx, ev); err != nil {
		reqLogger.Error("failed to submit meter event", zap.Error(err))
		return mq.Requeue(fmt.Errorf("failed to submit meter event: %w", err))
	}
	s.metrics.MeterEvent(string(ev.Kind))

	reqLogger.Debug("meter event applied",
		zap.String("event", msg.Payload.Event),
		zap.Time("timestamp", ev.Timestamp),
	)
	return nil
}

func (s *ProcessorService) toEvent(msg IngestMessage) (flow.MeterEvent, error) {
	if err := s.validate.Struct(msg); err != nil {
		return flow.MeterEvent{}, fmt.Errorf("invalid message: %w", err)
	}
	p := msg.Payload
	if p.Ticks != nil && *p.Ticks < 0 {
		return flow.MeterEvent{}, fmt.Errorf("invalid message: negative ticks %d", *p.Ticks)
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	ts, parsed := timeparser.ResolveEventTime(p.Date, receivedAt, s.tolerance)
	if !parsed && p.Date != "" {
		s.logger.Debug("event timestamp unusable, using receive time",
			zap.String("tap_id", p.TapID),
			zap.String("date", p.Date),
		)
	}

	ev := flow.MeterEvent{
		TapID:     p.TapID,
		Kind:      flow.Kind(p.Event),
		Timestamp: ts,
		UserID:    p.UserID,
	}
	if p.Ticks != nil {
		ev.AbsoluteTicks = *p.Ticks
	}
	return ev, nil
}
