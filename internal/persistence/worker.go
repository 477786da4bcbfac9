package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yuanfeiz/protocol/internal/ledger"
	"github.com/yuanfeiz/protocol/internal/observability"
)

// Output is one unit of work for the persistence worker: a notification,
// the journals of an applied ledger batch, or both. The orchestrator bridges
// core outputs and ledger batches into this type.
type Output struct {
	Event    *EventRow
	Journals []JournalRow
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// Producers send blocking, so a slow worker stalls the exchange instead of
// losing notifications.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger

	write      func(ctx context.Context, events []EventRow, journals []JournalRow) error
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	pw := &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
		backoff:      100 * time.Millisecond,
		maxBackoff:   30 * time.Second,
	}
	pw.write = pw.writeTx
	return pw
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*8)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	pending := func() bool { return len(eventBatch) > 0 || len(journalBatch) > 0 }
	flush := func(ctx context.Context, why string) {
		if !pending() {
			return
		}
		if err := pw.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
			pw.log.Error().Err(err).Str("trigger", why).
				Int("events", len(eventBatch)).
				Int("journals", len(journalBatch)).
				Msg("batch flush failed")
		}
		eventBatch = eventBatch[:0]
		journalBatch = journalBatch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}

			if output.Event != nil {
				eventBatch = append(eventBatch, *output.Event)
			}
			journalBatch = append(journalBatch, output.Journals...)

			if len(eventBatch) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On cancellation it makes one last attempt on a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := pw.backoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events, journals); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.log.Debug().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	if err := pw.write(ctx, events, journals); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		for _, e := range events {
			pw.metrics.ApplyToPersist.Observe(time.Since(e.Timestamp).Seconds())
		}
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}
	return nil
}

// writeTx writes notifications and journals in a single transaction.
func (pw *PersistenceWorker) writeTx(ctx context.Context, events []EventRow, journals []JournalRow) error {
	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}

// JournalSink forwards applied ledger batches to the persistence worker.
// It implements ledger.BatchSink.
type JournalSink struct {
	out chan<- Output
}

func NewJournalSink(out chan<- Output) *JournalSink {
	return &JournalSink{out: out}
}

func (s *JournalSink) OnBatch(b *ledger.Batch) {
	s.out <- Output{Journals: NewJournalRows(b)}
}
