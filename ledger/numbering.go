package ledger

import "context"

// =============================================================================
// NUMBERING AUTHORITY - Verification numbers per (workspace, period)
// =============================================================================

// NextNumber returns max(existing numbers) + 1 for the period, or 1 when the
// period has no entries. The opening-balance number 0 is never returned.
//
// The value is derived from current data, not from a sequence, so it must be
// called on the transactional Store passed to TxStore.WithTx together with
// the insert it numbers. The UNIQUE constraint on (workspace, period,
// number) is the backstop; callers retry on ErrDuplicateVerificationNumber.
func NextNumber(ctx context.Context, s EntryStore, ws WorkspaceID, period PeriodID) (int, error) {
	max, err := s.MaxVerificationNumber(ctx, ws, period)
	if err != nil {
		return 0, err
	}
	if max < OpeningBalanceNumber {
		max = OpeningBalanceNumber
	}
	return max + 1, nil
}

// Sequence hands out consecutive numbers inside one transaction, e.g. for
// every row of an import batch.
type Sequence struct {
	next int
}

// StartSequence reads the authority once and continues in memory.
func StartSequence(ctx context.Context, s EntryStore, ws WorkspaceID, period PeriodID) (*Sequence, error) {
	n, err := NextNumber(ctx, s, ws, period)
	if err != nil {
		return nil, err
	}
	return &Sequence{next: n}, nil
}

// Next returns the next number.
func (q *Sequence) Next() int {
	n := q.next
	q.next++
	return n
}
