package aggregates

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rhagen/kontor/internal/domain"
	"github.com/rhagen/kontor/internal/modules/directory"
	"github.com/rhagen/kontor/internal/modules/ledger"
)

// Progress reports rebuild progress as plain integers after each committed
// batch.
type Progress func(processed, total int)

// Rebuilder recomputes a user's aggregates and balances from the posting
// ledger. Callers must serialize rebuilds per user; running two rebuilds
// for the same user concurrently would double-delete and double-count.
type Rebuilder struct {
	postings   *ledger.PostingRepository
	aggregates *ledger.AggregateRepository
	directory  *directory.Repository
	batchSize  int
	log        zerolog.Logger
}

// NewRebuilder creates a new aggregate rebuilder
func NewRebuilder(
	postings *ledger.PostingRepository,
	aggs *ledger.AggregateRepository,
	dir *directory.Repository,
	batchSize int,
	log zerolog.Logger,
) *Rebuilder {
	if batchSize < 1 {
		batchSize = 200
	}
	return &Rebuilder{
		postings:   postings,
		aggregates: aggs,
		directory:  dir,
		batchSize:  batchSize,
		log:        log.With().Str("service", "rebuild").Logger(),
	}
}

// RebuildForUser deletes every aggregate of the user, resums all postings
// in memory, persists the surviving non-zero rows in fixed-size batches
// and finally recomputes every owned account's balance. Idempotent: a
// second run over the same ledger produces the same state.
//
// Cancellation is checked between batches only. A cancelled rebuild leaves
// the last fully-committed batch state; re-invocation is safe.
func (r *Rebuilder) RebuildForUser(ctx context.Context, userID int64, progress Progress) error {
	owned, err := r.directory.OwnedDimensionIDs(userID)
	if err != nil {
		return fmt.Errorf("failed to determine owned dimensions: %w", err)
	}

	deleted, err := r.aggregates.DeleteByUser(userID)
	if err != nil {
		return err
	}

	sums := make(map[domain.AggregateKey]decimal.Decimal)
	balances := make(map[int64]decimal.Decimal)

	err = r.postings.ForEachByUser(userID, func(p domain.Posting) error {
		if !p.Amount.IsZero() {
			for _, period := range domain.Periods {
				for _, basis := range domain.DateBases {
					key := domain.KeyForPosting(p, period, basis)
					sums[key] = sums[key].Add(p.Amount)
				}
			}
		}
		if p.Dimension.Kind == domain.KindBank {
			balances[p.Dimension.ID] = balances[p.Dimension.ID].Add(p.Amount)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to resum postings: %w", err)
	}

	// Zero sums are discarded to bound storage: a bucket whose postings
	// cancel out exactly needs no row.
	rows := make([]domain.PostingAggregate, 0, len(sums))
	for key, amount := range sums {
		if amount.IsZero() {
			continue
		}
		rows = append(rows, domain.PostingAggregate{Key: key, Amount: amount})
	}
	sortAggregates(rows)

	total := len(rows)
	processed := 0
	for start := 0; start < total; start += r.batchSize {
		if err := ctx.Err(); err != nil {
			r.log.Warn().
				Int64("user_id", userID).
				Int("processed", processed).
				Int("total", total).
				Msg("Rebuild cancelled between batches")
			return err
		}

		end := start + r.batchSize
		if end > total {
			end = total
		}

		if err := r.aggregates.InsertBatch(userID, rows[start:end]); err != nil {
			return fmt.Errorf("failed to persist aggregate batch: %w", err)
		}

		processed = end
		if progress != nil {
			progress(processed, total)
		}
	}
	if progress != nil {
		progress(processed, total)
	}

	changed, err := r.rewriteBalances(owned[domain.KindBank], balances)
	if err != nil {
		return err
	}

	r.log.Info().
		Int64("user_id", userID).
		Int64("deleted", deleted).
		Int("aggregates", total).
		Int("balances_changed", changed).
		Msg("Rebuilt aggregates")

	return nil
}

// rewriteBalances recomputes every owned account's balance from the bank
// posting sums, writing only accounts whose value actually changed so
// untouched accounts keep their last-modified metadata.
func (r *Rebuilder) rewriteBalances(accountIDs []int64, balances map[int64]decimal.Decimal) (int, error) {
	changed := 0
	for _, accountID := range accountIDs {
		balance := balances[accountID] // Accounts without postings resum to zero

		wrote, err := r.directory.SetBalanceIfChanged(accountID, balance)
		if err != nil {
			return changed, fmt.Errorf("failed to rewrite balance of account %d: %w", accountID, err)
		}
		if wrote {
			changed++
		}
	}
	return changed, nil
}

// sortAggregates orders rebuilt rows deterministically so batch boundaries
// are stable across runs.
func sortAggregates(rows []domain.PostingAggregate) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].Key, rows[j].Key
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.DimensionID != b.DimensionID {
			return a.DimensionID < b.DimensionID
		}
		if a.SubType != b.SubType {
			return a.SubType < b.SubType
		}
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		if a.PeriodStart != b.PeriodStart {
			return a.PeriodStart < b.PeriodStart
		}
		return a.Basis < b.Basis
	})
}
