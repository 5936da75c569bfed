package scheduling

import (
	"context"
	"errors"
	"sort"
)

// runWithRetry runs fn in a transaction and repeats it while the store
// reports a ledger version conflict. After attempts conflicts it gives up
// with ErrBusy.
func runWithRetry(ctx context.Context, tx TxRunner, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		err := tx.RunInTx(ctx, fn)
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return ErrBusy
}

// touchLedger reads and bumps a ledger in one step, for writers that do
// not evaluate anything between the read and the write.
func touchLedger(ctx context.Context, store LedgerStore, key LedgerKey) error {
	v, err := store.LedgerVersion(ctx, key)
	if err != nil {
		return err
	}
	return store.BumpLedger(ctx, key, v)
}

type ledgerRead struct {
	key     LedgerKey
	version int64
}

// bumpAll applies every compare-and-set in a stable order so concurrent
// writers touching the same ledgers lock them in the same sequence.
func bumpAll(ctx context.Context, store LedgerStore, reads []ledgerRead) error {
	sorted := make([]ledgerRead, len(reads))
	copy(sorted, reads)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].key.String() < sorted[j].key.String()
	})
	for _, r := range sorted {
		if err := store.BumpLedger(ctx, r.key, r.version); err != nil {
			return err
		}
	}
	return nil
}
