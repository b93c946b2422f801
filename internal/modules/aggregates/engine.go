// Package aggregates maintains the materialized rolling sums over the
// posting ledger. Two paths exist: an O(1)-amortized incremental upsert
// used on every booking, and an O(n) rebuild used for repair and bulk
// imports. Both produce the same final state for the same postings.
package aggregates

import (
	"database/sql"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rhagen/kontor/internal/domain"
	"github.com/rhagen/kontor/internal/modules/ledger"
)

// Staging caches the aggregate amounts already written in the current unit
// of work. Within one booking transaction two postings may hit the same
// bucket; looking here first avoids re-reading rows the transaction itself
// just wrote.
type Staging map[domain.AggregateKey]decimal.Decimal

// Engine applies posting amounts to the aggregate store
type Engine struct {
	aggregates *ledger.AggregateRepository
	log        zerolog.Logger
}

// NewEngine creates a new aggregation engine
func NewEngine(aggs *ledger.AggregateRepository, log zerolog.Logger) *Engine {
	return &Engine{
		aggregates: aggs,
		log:        log.With().Str("service", "aggregates").Logger(),
	}
}

// UpsertForPosting adds the posting's amount to all eight buckets it maps
// to: four period granularities times two date bases. Must run inside the
// same transaction as the posting insert. Zero-amount postings are skipped
// entirely so they never create empty aggregate rows.
func (e *Engine) UpsertForPosting(tx *sql.Tx, staged Staging, p domain.Posting) error {
	if p.Amount.IsZero() {
		return nil
	}

	for _, period := range domain.Periods {
		for _, basis := range domain.DateBases {
			key := domain.KeyForPosting(p, period, basis)

			current, ok := staged[key]
			if !ok {
				stored, _, err := e.aggregates.GetTx(tx, p.UserID, key)
				if err != nil {
					return err
				}
				current = stored
			}

			sum := current.Add(p.Amount)
			if err := e.aggregates.PutTx(tx, p.UserID, key, sum); err != nil {
				return err
			}
			staged[key] = sum
		}
	}

	return nil
}
