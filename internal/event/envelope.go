package event

import (
	"time"
)

// EventType discriminator for notification payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeRingMined
	EventTypeOrderFilled
	EventTypeOrderCancelled
	EventTypeCutoffChanged
)

// EventEnvelope wraps every notification in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the exchange
	Sequence int64

	// Stable dedup key, unique per notification
	IdempotencyKey string

	EventType EventType

	// Ring counter value at emission (0 for cancel/cutoff notifications)
	RingIndex uint64

	// Clock reading the exchange validated the call against
	Timestamp time.Time

	Payload Event

	// Hash chain over the notification log
	StateHash [32]byte
	PrevHash  [32]byte
}

// Event is the interface all notification payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Digest returns the canonical bytes folded into the hash chain
	Digest() []byte
}

func (et EventType) String() string {
	switch et {
	case EventTypeRingMined:
		return "RingMined"
	case EventTypeOrderFilled:
		return "OrderFilled"
	case EventTypeOrderCancelled:
		return "OrderCancelled"
	case EventTypeCutoffChanged:
		return "CutoffTimestampChanged"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	switch s {
	case "RingMined":
		return EventTypeRingMined
	case "OrderFilled":
		return EventTypeOrderFilled
	case "OrderCancelled":
		return EventTypeOrderCancelled
	case "CutoffTimestampChanged":
		return EventTypeCutoffChanged
	default:
		return EventTypeUnknown
	}
}
