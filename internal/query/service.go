package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// QueryService provides read-only access to the notification log and the
// ledger journal in Postgres. It lags the exchange by the persistence
// worker's flush interval.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const notificationColumns = `sequence, event_type, idempotency_key, ring_index,
	COALESCE(request_kind, ''), COALESCE(request_id, ''), payload, state_hash, prev_hash, emitted_at`

// ListNotifications returns up to limit notifications with sequence >= from,
// oldest first.
func (qs *QueryService) ListNotifications(ctx context.Context, from int64, limit int) ([]NotificationRecord, error) {
	return qs.notifications(ctx, `
		SELECT `+notificationColumns+`
		FROM event_log.notifications
		WHERE sequence >= $1
		ORDER BY sequence
		LIMIT $2
	`, from, limit)
}

// NotificationsForRequest returns every notification a request produced.
func (qs *QueryService) NotificationsForRequest(ctx context.Context, kind, requestID string) ([]NotificationRecord, error) {
	return qs.notifications(ctx, `
		SELECT `+notificationColumns+`
		FROM event_log.notifications
		WHERE request_kind = $1 AND request_id = $2
		ORDER BY sequence
	`, kind, requestID)
}

func (qs *QueryService) notifications(ctx context.Context, query string, args ...any) ([]NotificationRecord, error) {
	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotificationRecord
	for rows.Next() {
		var (
			n                        NotificationRecord
			payload, state, prevHash []byte
		)
		if err := rows.Scan(
			&n.Sequence, &n.EventType, &n.IdempotencyKey, &n.RingIndex,
			&n.RequestKind, &n.RequestID, &payload, &state, &prevHash, &n.EmittedAt,
		); err != nil {
			return nil, err
		}
		n.Payload = payload
		n.StateHash = state
		n.PrevHash = prevHash
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListJournals returns journal entries touching any of owner's holder
// accounts, newest first. A non-nil before restricts to entries older than
// that timestamp (epoch microseconds).
func (qs *QueryService) ListJournals(
	ctx context.Context,
	owner common.Address,
	limit int,
	before *int64,
) ([]JournalRecord, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, debit_account, credit_account,
		       token, amount::text, journal_type, timestamp_us
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{HolderPrefix(owner) + "%"}
	argIdx := 2

	if before != nil {
		query += fmt.Sprintf(" AND timestamp_us < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}

	query += " ORDER BY timestamp_us DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalRecord
	for rows.Next() {
		var e JournalRecord
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.DebitAccount, &e.CreditAccount,
			&e.Token, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// HolderPrefix is the account-path prefix of every holder account of owner.
// It matches ledger.AccountKey.AccountPath.
func HolderPrefix(owner common.Address) string {
	return "holder:" + owner.Hex() + ":"
}

// LatestSequence returns the highest persisted sequence, or -1 for an
// empty log.
func (qs *QueryService) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := qs.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log.notifications`,
	).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain links, sequence contiguity and that no
// holder account nets below zero across the journal.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	last, err := qs.LatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}
	report.LastSequence = last

	// Check hash chain continuity
	report.HashChainBreaks, err = qs.sequences(ctx, `
		SELECT e1.sequence
		FROM event_log.notifications e1
		JOIN event_log.notifications e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}

	// Sequences whose predecessor is missing
	report.SequenceGaps, err = qs.sequences(ctx, `
		SELECT e1.sequence
		FROM event_log.notifications e1
		LEFT JOIN event_log.notifications e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e2.sequence IS NULL
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		WITH legs AS (
			SELECT debit_account AS account, token, amount FROM event_log.journal
			UNION ALL
			SELECT credit_account, token, -amount FROM event_log.journal
		)
		SELECT account, token, SUM(amount)::text
		FROM legs
		WHERE account LIKE 'holder:%'
		GROUP BY account, token
		HAVING SUM(amount) < 0
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("journal balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a OverdrawnAccount
		if err := rows.Scan(&a.Account, &a.Token, &a.Net); err != nil {
			return nil, err
		}
		report.OverdrawnAccounts = append(report.OverdrawnAccounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.OverdrawnAccounts) == 0
	return report, nil
}

func (qs *QueryService) sequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

// ErrNotFound is returned for lookups with no matching row.
var ErrNotFound = errors.New("not found")

// RingNotifications returns the notifications of one settled ring: its
// OrderFilled entries followed by RingMined.
func (qs *QueryService) RingNotifications(ctx context.Context, ringIndex int64) ([]NotificationRecord, error) {
	out, err := qs.notifications(ctx, `
		SELECT `+notificationColumns+`
		FROM event_log.notifications
		WHERE ring_index = $1 AND event_type IN ('OrderFilled', 'RingMined')
		ORDER BY sequence
	`, ringIndex)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: ring %d", ErrNotFound, ringIndex)
	}
	return out, nil
}
