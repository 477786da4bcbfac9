package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/yuanfeiz/protocol/internal/core"
	"github.com/yuanfeiz/protocol/internal/event"
	"github.com/yuanfeiz/protocol/internal/observability"
)

// NotificationStream holds outbound notifications.
const NotificationStream = "RING_EVENTS"

// JetStreamPublisher is the subset of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes notifications to NATS for downstream
// consumers on ring.events.{event_type}. Delivery is best effort; the
// notification log in Postgres is authoritative.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan core.Output
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// NotificationJSON is the outbound wire form of a notification.
type NotificationJSON struct {
	Sequence       int64         `json:"sequence"`
	EventType      string        `json:"event_type"`
	IdempotencyKey string        `json:"idempotency_key"`
	RingIndex      uint64        `json:"ring_index"`
	RequestKind    string        `json:"request_kind,omitempty"`
	RequestID      string        `json:"request_id,omitempty"`
	Payload        event.Event   `json:"payload"`
	StateHash      hexutil.Bytes `json:"state_hash"`
	PrevHash       hexutil.Bytes `json:"prev_hash"`
	Timestamp      time.Time     `json:"timestamp"`
}

func NewNotificationJSON(out core.Output) NotificationJSON {
	env := out.Envelope
	return NotificationJSON{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		RingIndex:      env.RingIndex,
		RequestKind:    out.RequestKind,
		RequestID:      out.RequestID,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp.UTC(),
	}
}

// Subject returns the outbound subject for an event type.
func Subject(t event.EventType) string {
	return "ring.events." + t.String()
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan core.Output, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run publishes until ctx is cancelled or the input closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			status := "ok"
			if err := op.publish(ctx, out); err != nil {
				status = "error"
				op.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
			if op.metrics != nil {
				op.metrics.Published.WithLabelValues(out.Envelope.EventType.String(), status).Inc()
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.Output) error {
	data, err := json.Marshal(NewNotificationJSON(out))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msgID := fmt.Sprintf("seq:%d", out.Envelope.Sequence)
	_, err = op.js.Publish(ctx, Subject(out.Envelope.EventType), data, jetstream.WithMsgID(msgID))
	return err
}

// EnsureOutboundStream creates the outbound notification stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       NotificationStream,
		Subjects:   []string{"ring.events.>"},
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
