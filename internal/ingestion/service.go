package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/yuanfeiz/protocol/internal/core"
	"github.com/yuanfeiz/protocol/internal/observability"
	"github.com/yuanfeiz/protocol/internal/ring"
)

// Processor is the exchange entry point the service drives.
type Processor interface {
	Process(ctx context.Context, req core.Request) (*ring.Result, error)
}

type call struct {
	transport string
	req       core.Request
	reply     chan reply
}

type reply struct {
	res *ring.Result
	err error
}

// Service is the single goroutine that applies requests to the exchange.
// NATS deliveries and synchronous RPC calls are interleaved in arrival
// order, so the exchange never sees concurrent callers.
type Service struct {
	proc    Processor
	raw     <-chan RawRequest
	calls   chan call
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewService(proc Processor, raw <-chan RawRequest, metrics *observability.Metrics, log zerolog.Logger) *Service {
	return &Service{
		proc:    proc,
		raw:     raw,
		calls:   make(chan call),
		metrics: metrics,
		log:     log,
	}
}

// Run applies requests until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	raw := s.raw
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-raw:
			if !ok {
				// NATS side closed; keep serving in-process calls
				raw = nil
				continue
			}
			s.handleRaw(ctx, r)

		case c := <-s.calls:
			start := time.Now()
			res, err := s.proc.Process(ctx, c.req)
			s.observe(c.transport, c.req.Kind(), start, err)
			c.reply <- reply{res: res, err: err}
		}
	}
}

// Do applies req on the service goroutine and waits for the outcome.
func (s *Service) Do(ctx context.Context, transport string, req core.Request) (*ring.Result, error) {
	c := call{transport: transport, req: req, reply: make(chan reply, 1)}
	select {
	case s.calls <- c:
	case <-ctx.Done():
		if s.metrics != nil {
			s.metrics.IngestDropped.WithLabelValues(transport).Inc()
		}
		return nil, ctx.Err()
	}
	// the service always replies once it accepted the call
	r := <-c.reply
	return r.res, r.err
}

func (s *Service) handleRaw(ctx context.Context, r RawRequest) {
	req, err := ParseRequest(r.Kind, r.Data, r.MsgID)
	if err != nil {
		s.log.Warn().Err(err).Str("subject", r.Subject).Msg("undecodable request")
		s.count("nats", r.Kind, "invalid")
		r.TermFunc()
		return
	}

	_, err = s.proc.Process(ctx, req)
	s.observe("nats", r.Kind, r.Timestamp, err)

	if retryable(err) {
		s.log.Error().Err(err).Str("subject", r.Subject).Str("request_id", req.ID()).Msg("request failed, will redeliver")
		r.NakFunc()
		return
	}
	r.AckFunc()
}

func (s *Service) observe(transport, kind string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.IngestToApply.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	s.count(transport, kind, Status(err))
}

func (s *Service) count(transport, kind, status string) {
	if s.metrics != nil {
		s.metrics.IngestReceived.WithLabelValues(transport, kind, status).Inc()
	}
}

// retryable reports whether a redelivery could succeed. Deterministic
// rejections are final.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	switch core.Reason(err) {
	case "internal", "state_conflict", "reentrancy":
		return true
	}
	return false
}

// Status classifies a Process outcome for metrics.
func Status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrDuplicateRequest):
		return "duplicate"
	case core.Reason(err) == "internal":
		return "error"
	default:
		return "rejected"
	}
}
