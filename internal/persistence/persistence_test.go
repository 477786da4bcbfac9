package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/yuanfeiz/protocol/internal/event"
	"github.com/yuanfeiz/protocol/internal/ledger"
)

// ============================================================================
// Row conversion
// ============================================================================

func TestNewEventRow(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	env := &event.EventEnvelope{
		Sequence:       7,
		IdempotencyKey: "3:0xabc",
		EventType:      event.EventTypeRingMined,
		RingIndex:      3,
		Timestamp:      ts,
		Payload:        &event.RingMined{RingIndex: 3, Miner: common.HexToAddress("0x01")},
		StateHash:      [32]byte{1},
		PrevHash:       [32]byte{2},
	}

	row, err := NewEventRow(env, "submit_ring", "req-1")
	if err != nil {
		t.Fatalf("NewEventRow: %v", err)
	}
	if row.Sequence != 7 || row.RingIndex != 3 {
		t.Errorf("got seq=%d ring=%d, want 7 and 3", row.Sequence, row.RingIndex)
	}
	if row.EventType != "RingMined" {
		t.Errorf("got event type %q, want RingMined", row.EventType)
	}
	if row.RequestKind == nil || *row.RequestKind != "submit_ring" {
		t.Errorf("got request kind %v, want submit_ring", row.RequestKind)
	}
	if row.RequestID == nil || *row.RequestID != "req-1" {
		t.Errorf("got request id %v, want req-1", row.RequestID)
	}
	if row.StateHash[0] != 1 || row.PrevHash[0] != 2 || len(row.StateHash) != 32 {
		t.Errorf("hash columns not copied from envelope")
	}
	if row.Timestamp.Location() != time.UTC || !row.Timestamp.Equal(ts) {
		t.Errorf("got timestamp %v, want %v in UTC", row.Timestamp, ts)
	}

	var payload map[string]any
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["ring_index"] != float64(3) {
		t.Errorf("got payload ring_index %v, want 3", payload["ring_index"])
	}
}

func TestNewEventRow_UntaggedIsNull(t *testing.T) {
	env := &event.EventEnvelope{
		EventType: event.EventTypeCutoffChanged,
		Payload:   &event.CutoffChanged{Owner: common.HexToAddress("0x02")},
	}
	row, err := NewEventRow(env, "", "")
	if err != nil {
		t.Fatalf("NewEventRow: %v", err)
	}
	if row.RequestKind != nil || row.RequestID != nil {
		t.Errorf("expected NULL request tags, got %v %v", row.RequestKind, row.RequestID)
	}
}

func TestNewJournalRows(t *testing.T) {
	owner := common.HexToAddress("0xa1")
	token := common.HexToAddress("0xb2")
	batchID := uuid.New()
	b := &ledger.Batch{
		BatchID:  batchID,
		EventRef: "ring:1",
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      "ring:1",
			DebitAccount:  ledger.NewHolderAccountKey(owner, token),
			CreditAccount: ledger.NewExternalAccountKey(token),
			Token:         token,
			Amount:        *uint256.MustFromDecimal("123456789012345678901234567890"),
			JournalType:   ledger.JournalTypeMint,
			Timestamp:     42,
		}},
	}

	rows := NewJournalRows(b)
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	r := rows[0]
	if r.Amount != "123456789012345678901234567890" {
		t.Errorf("got amount %s, want full decimal", r.Amount)
	}
	if r.BatchID != batchID.String() {
		t.Errorf("got batch %s, want %s", r.BatchID, batchID)
	}
	if r.DebitAccount != "holder:"+owner.Hex()+":"+token.Hex() {
		t.Errorf("got debit account %s", r.DebitAccount)
	}
	if r.CreditAccount != "external:issuance:"+token.Hex() {
		t.Errorf("got credit account %s", r.CreditAccount)
	}
	if r.JournalType != int32(ledger.JournalTypeMint) || r.Timestamp != 42 {
		t.Errorf("got type=%d ts=%d", r.JournalType, r.Timestamp)
	}
}

func TestPlaceholders(t *testing.T) {
	got := placeholders(2, 3)
	want := "($1, $2, $3), ($4, $5, $6)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// ============================================================================
// Migrations
// ============================================================================

func TestEmbeddedMigrations(t *testing.T) {
	files, err := PendingMigrations(Migrations(), nil)
	if err != nil {
		t.Fatalf("PendingMigrations: %v", err)
	}
	want := []string{"000001_notification_log.up.sql", "000002_journal.up.sql"}
	if len(files) != len(want) {
		t.Fatalf("got %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d]: got %s, want %s", i, files[i], want[i])
		}
	}
}

func TestPendingMigrations_SkipsApplied(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT 0")},
		"README.md":         {Data: []byte("notes")},
	}
	files, err := PendingMigrations(fsys, map[string]bool{"000001": true})
	if err != nil {
		t.Fatalf("PendingMigrations: %v", err)
	}
	if len(files) != 1 || files[0] != "000002_b.up.sql" {
		t.Errorf("got %v, want [000002_b.up.sql]", files)
	}
}

// ============================================================================
// Worker batching
// ============================================================================

type recordingWriter struct {
	mu       sync.Mutex
	fails    int
	calls    int
	events   [][]EventRow
	journals int
}

func (r *recordingWriter) write(_ context.Context, events []EventRow, journals []JournalRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fails > 0 {
		r.fails--
		return errors.New("db down")
	}
	r.events = append(r.events, append([]EventRow(nil), events...))
	r.journals += len(journals)
	return nil
}

func newTestWorker(in <-chan Output, batch int, rw *recordingWriter) *PersistenceWorker {
	pw := NewPersistenceWorker(nil, in, batch, time.Hour, nil, zerolog.Nop())
	pw.write = rw.write
	pw.backoff = time.Millisecond
	pw.maxBackoff = 2 * time.Millisecond
	return pw
}

func TestWorker_FlushesFullBatchesAndOnClose(t *testing.T) {
	in := make(chan Output, 8)
	rw := &recordingWriter{}
	pw := newTestWorker(in, 2, rw)

	for i := int64(0); i < 3; i++ {
		in <- Output{Event: &EventRow{Sequence: i}}
	}
	in <- Output{Journals: []JournalRow{{JournalID: "j1"}, {JournalID: "j2"}}}
	close(in)

	if err := pw.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rw.events) != 2 {
		t.Fatalf("got %d flushes, want 2", len(rw.events))
	}
	if len(rw.events[0]) != 2 || len(rw.events[1]) != 1 {
		t.Errorf("got batch sizes %d,%d, want 2,1", len(rw.events[0]), len(rw.events[1]))
	}
	if rw.events[1][0].Sequence != 2 {
		t.Errorf("got last sequence %d, want 2", rw.events[1][0].Sequence)
	}
	if rw.journals != 2 {
		t.Errorf("got %d journals written, want 2", rw.journals)
	}
}

func TestWorker_RetriesUntilWriteSucceeds(t *testing.T) {
	in := make(chan Output, 1)
	rw := &recordingWriter{fails: 3}
	pw := newTestWorker(in, 1, rw)

	in <- Output{Event: &EventRow{Sequence: 9}}
	close(in)

	if err := pw.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rw.calls != 4 {
		t.Errorf("got %d write attempts, want 4", rw.calls)
	}
	if len(rw.events) != 1 || rw.events[0][0].Sequence != 9 {
		t.Errorf("batch not written after retries: %v", rw.events)
	}
}

func TestJournalSink(t *testing.T) {
	out := make(chan Output, 1)
	sink := NewJournalSink(out)
	sink.OnBatch(&ledger.Batch{Journals: []ledger.Journal{{Amount: *uint256.NewInt(5)}}})

	got := <-out
	if got.Event != nil {
		t.Errorf("journal output should carry no event")
	}
	if len(got.Journals) != 1 || got.Journals[0].Amount != "5" {
		t.Errorf("got journals %+v", got.Journals)
	}
}
