package ledger

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rhagen/kontor/internal/database"
	"github.com/rhagen/kontor/internal/domain"
)

// AggregateRepository handles posting-aggregate persistence in kontor.db.
// At most one row exists per aggregate key; the engine owns all writes.
type AggregateRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAggregateRepository creates a new aggregate repository
func NewAggregateRepository(db *sql.DB, log zerolog.Logger) *AggregateRepository {
	return &AggregateRepository{
		db:  db,
		log: log.With().Str("repo", "aggregates").Logger(),
	}
}

// GetTx reads one aggregate amount inside a transaction.
// Returns found=false when no row exists for the key.
func (r *AggregateRepository) GetTx(tx *sql.Tx, userID int64, key domain.AggregateKey) (decimal.Decimal, bool, error) {
	var amountStr string
	err := tx.QueryRow(
		`SELECT amount FROM posting_aggregates
		 WHERE user_id = ? AND kind = ? AND dimension_id = ? AND security_sub_type = ?
		   AND period = ? AND period_start = ? AND date_basis = ?`,
		userID, string(key.Kind), key.DimensionID, string(key.SubType),
		string(key.Period), key.PeriodStart, string(key.Basis),
	).Scan(&amountStr)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read aggregate: %w", err)
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt aggregate amount %q: %w", amountStr, err)
	}
	return amount, true, nil
}

// PutTx writes one aggregate amount inside a transaction, creating the row
// on first use.
func (r *AggregateRepository) PutTx(tx *sql.Tx, userID int64, key domain.AggregateKey, amount decimal.Decimal) error {
	_, err := tx.Exec(
		`INSERT INTO posting_aggregates
		     (user_id, kind, dimension_id, security_sub_type, period, period_start, date_basis, amount)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, kind, dimension_id, security_sub_type, period, period_start, date_basis)
		 DO UPDATE SET amount = excluded.amount`,
		userID, string(key.Kind), key.DimensionID, string(key.SubType),
		string(key.Period), key.PeriodStart, string(key.Basis), amount.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert aggregate: %w", err)
	}
	return nil
}

// DeleteByUser removes every aggregate row of a user in one bulk operation.
// First step of a rebuild.
func (r *AggregateRepository) DeleteByUser(userID int64) (int64, error) {
	res, err := r.db.Exec("DELETE FROM posting_aggregates WHERE user_id = ?", userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete aggregates of user %d: %w", userID, err)
	}
	return res.RowsAffected()
}

// InsertBatch persists one batch of rebuilt aggregate rows in a single
// transaction. The rebuild commits batch by batch so a cancellation leaves
// the last fully-committed batch state.
func (r *AggregateRepository) InsertBatch(userID int64, batch []domain.PostingAggregate) error {
	if len(batch) == 0 {
		return nil
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`INSERT INTO posting_aggregates
			     (user_id, kind, dimension_id, security_sub_type, period, period_start, date_basis, amount)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, kind, dimension_id, security_sub_type, period, period_start, date_basis)
			 DO UPDATE SET amount = excluded.amount`,
		)
		if err != nil {
			return fmt.Errorf("failed to prepare aggregate insert: %w", err)
		}
		defer stmt.Close()

		for _, agg := range batch {
			key := agg.Key
			_, err := stmt.Exec(
				userID, string(key.Kind), key.DimensionID, string(key.SubType),
				string(key.Period), key.PeriodStart, string(key.Basis), agg.Amount.String(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert aggregate row: %w", err)
			}
		}
		return nil
	})
}

// SeriesFilter narrows a time-series query. DimensionID nil means all
// dimensions of the kind.
type SeriesFilter struct {
	Kind        domain.PostingKind
	DimensionID *int64
	Period      domain.Period
	Basis       domain.DateBasis
}

// Series returns aggregate rows ordered ascending by period start
func (r *AggregateRepository) Series(userID int64, filter SeriesFilter) ([]domain.PostingAggregate, error) {
	query := `
		SELECT kind, dimension_id, security_sub_type, period, period_start, date_basis, amount
		FROM posting_aggregates
		WHERE user_id = ? AND kind = ? AND period = ? AND date_basis = ?`
	args := []interface{}{userID, string(filter.Kind), string(filter.Period), string(filter.Basis)}

	if filter.DimensionID != nil {
		query += " AND dimension_id = ?"
		args = append(args, *filter.DimensionID)
	}
	query += " ORDER BY period_start ASC, dimension_id ASC, security_sub_type ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregate series: %w", err)
	}
	defer rows.Close()

	var series []domain.PostingAggregate
	for rows.Next() {
		var agg domain.PostingAggregate
		var kind, subType, period, basis, amountStr string

		err := rows.Scan(&kind, &agg.Key.DimensionID, &subType, &period,
			&agg.Key.PeriodStart, &basis, &amountStr)
		if err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}

		agg.Key.Kind = domain.PostingKind(kind)
		agg.Key.SubType = domain.SecuritySubType(subType)
		agg.Key.Period = domain.Period(period)
		agg.Key.Basis = domain.DateBasis(basis)
		if agg.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("corrupt aggregate amount %q: %w", amountStr, err)
		}

		series = append(series, agg)
	}
	return series, rows.Err()
}
