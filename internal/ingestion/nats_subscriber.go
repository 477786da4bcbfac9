package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/yuanfeiz/protocol/internal/core"
	"github.com/yuanfeiz/protocol/internal/observability"
)

// RequestStream holds every inbound request subject.
const RequestStream = "RING_REQUESTS"

// NATSSubscriber subscribes to JetStream request subjects and feeds raw
// requests to the ingest service.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawRequest
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// RawRequest is an undecoded request body plus its delivery controls.
type RawRequest struct {
	Kind      string
	Subject   string
	MsgID     string // Nats-Msg-Id header, the fallback request id
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed, or rejected for good
	NakFunc   func() // redeliver
	TermFunc  func() // undecodable, never redeliver
}

// SubjectConfig maps a subject to the request kind it carries.
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one durable consumer per request kind.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "ring.submit.>", Kind: core.KindSubmitRing, ConsumerName: "ringsettle-submit", StreamName: RequestStream},
		{Subject: "ring.cancel.>", Kind: core.KindCancel, ConsumerName: "ringsettle-cancel", StreamName: RequestStream},
		{Subject: "ring.cutoff.>", Kind: core.KindCutoff, ConsumerName: "ringsettle-cutoff", StreamName: RequestStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawRequest, metrics *observability.Metrics, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		metrics: metrics,
		log:     log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawRequest{
				Kind:      kind,
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}
			if h := msg.Headers(); h != nil {
				raw.MsgID = h.Get(nats.MsgIdHdr)
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				if ns.metrics != nil {
					ns.metrics.IngestDropped.WithLabelValues("nats").Inc()
				}
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the request stream if it doesn't exist.
// Duplicate publishes within the window are dropped by the server.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       RequestStream,
		Subjects:   []string{"ring.submit.>", "ring.cancel.>", "ring.cutoff.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", RequestStream, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("ringsettle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
