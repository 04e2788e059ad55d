package ingestion

import (
	"PerpRisk/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the subset of jetstream.JetStream the outbound path needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes persisted engine events for downstream
// consumers. Subjects follow perp.risk.events.{event_type}.{market_id};
// engine-wide events use market 0.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan *event.Envelope
	logger    zerolog.Logger
}

func NewOutboundPublisher(js Publisher, inputChan <-chan *event.Envelope, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the input closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, env); err != nil {
				// Downstream consumers can read the event log directly.
				op.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// EventSubject returns the outbound subject for env.
func EventSubject(env *event.Envelope) string {
	return fmt.Sprintf("perp.risk.events.%s.%d", env.EventType, env.MarketID)
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, EventSubject(env), data, jetstream.WithMsgID(fmt.Sprintf("risk-%d", env.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "PERP_RISK_EVENTS",
		Subjects:   []string{"perp.risk.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
