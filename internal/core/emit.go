package core

import (
	"context"
	"time"

	"github.com/yuanfeiz/protocol/internal/event"
)

// emit wraps events in sequenced, hash-chained envelopes and hands them to
// the output channels in order.
func (x *Exchange) emit(ctx context.Context, ringIndex uint64, ts time.Time, events []event.Event) []*event.EventEnvelope {
	kind, id := requestFrom(ctx)

	x.emitMu.Lock()
	defer x.emitMu.Unlock()

	envelopes := make([]*event.EventEnvelope, 0, len(events))
	for _, evt := range events {
		prev := x.hasher.GetPrevHash()
		hash := x.hasher.ComputeHash(x.sequence, evt.Digest())

		envelopes = append(envelopes, &event.EventEnvelope{
			Sequence:       x.sequence,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			RingIndex:      ringIndex,
			Timestamp:      ts,
			Payload:        evt,
			StateHash:      hash,
			PrevHash:       prev,
		})
		x.sequence++
	}

	for _, env := range envelopes {
		out := Output{Envelope: env, RequestKind: kind, RequestID: id}

		// persist: blocking, nothing committed may be lost
		if x.persistChan != nil {
			select {
			case x.persistChan <- out:
			default:
				if x.metrics != nil {
					x.metrics.PersistBackpressure.Inc()
				}
				x.persistChan <- out
			}
		}

		// publish: best effort
		if x.publishChan != nil {
			select {
			case x.publishChan <- out:
			default:
				if x.metrics != nil {
					x.metrics.PublishDrops.Inc()
				}
			}
		}
	}

	if x.metrics != nil {
		x.metrics.NotificationSeq.Set(float64(x.sequence - 1))
	}
	return envelopes
}

type requestKey struct{}

type requestInfo struct {
	kind, id string
}

// WithRequest tags ctx with the request the call serves. Notifications
// emitted under ctx carry the tag.
func WithRequest(ctx context.Context, kind, id string) context.Context {
	return context.WithValue(ctx, requestKey{}, requestInfo{kind: kind, id: id})
}

func requestFrom(ctx context.Context) (kind, id string) {
	if ri, ok := ctx.Value(requestKey{}).(requestInfo); ok {
		return ri.kind, ri.id
	}
	return "", ""
}
