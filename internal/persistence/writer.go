package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yuanfeiz/protocol/internal/event"
	"github.com/yuanfeiz/protocol/internal/ledger"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes notifications and journals to Postgres using
// multi-row INSERTs. Writes are idempotent on the primary key.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.notifications
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	RingIndex      int64
	RequestKind    *string
	RequestID      *string
	Payload        []byte // JSON-encoded notification payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	DebitAccount  string
	CreditAccount string
	Token         string
	Amount        string // decimal, fits NUMERIC(78,0)
	JournalType   int32
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes rows to event_log.notifications through ex.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex Execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.notifications
		(sequence, event_type, idempotency_key, ring_index, request_kind, request_id, payload, state_hash, prev_hash, emitted_at)
		VALUES `

	args := make([]any, 0, len(events)*cols)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.RingIndex, e.RequestKind,
			e.RequestID, e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += placeholders(len(events), cols)
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes rows to event_log.journal through ex.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex Execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 9
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, debit_account, credit_account, token, amount, journal_type, timestamp_us)
		VALUES `

	args := make([]any, 0, len(journals)*cols)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.DebitAccount, j.CreditAccount,
			j.Token, j.Amount, j.JournalType, j.Timestamp,
		)
	}

	query += placeholders(len(journals), cols)
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// LastEnvelope returns the sequence to assign next and the state hash of
// the last persisted notification. On an empty log found is false.
func (w *EventLogWriter) LastEnvelope(ctx context.Context) (next int64, tip [32]byte, found bool, err error) {
	var (
		seq  int64
		hash []byte
	)
	err = w.db.QueryRowContext(ctx,
		`SELECT sequence, state_hash FROM event_log.notifications ORDER BY sequence DESC LIMIT 1`,
	).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, tip, false, nil
	}
	if err != nil {
		return 0, tip, false, fmt.Errorf("query chain tip: %w", err)
	}
	if len(hash) != len(tip) {
		return 0, tip, false, fmt.Errorf("state hash at sequence %d has %d bytes", seq, len(hash))
	}
	copy(tip[:], hash)
	return seq + 1, tip, true, nil
}

// placeholders renders "($1, ..., $cols), (...)" for rows rows.
func placeholders(rows, cols int) string {
	var sb strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// NewEventRow converts an envelope to its log row. Empty request tags are
// stored as NULL.
func NewEventRow(env *event.EventEnvelope, requestKind, requestID string) (EventRow, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal %s payload: %w", env.EventType, err)
	}
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		RingIndex:      int64(env.RingIndex),
		RequestKind:    nullable(requestKind),
		RequestID:      nullable(requestID),
		Payload:        payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp.UTC(),
	}, nil
}

// NewJournalRows converts an applied ledger batch to journal rows.
func NewJournalRows(b *ledger.Batch) []JournalRow {
	rows := make([]JournalRow, 0, len(b.Journals))
	for _, j := range b.Journals {
		j := j
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Token:         j.Token.Hex(),
			Amount:        j.Amount.Dec(),
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
