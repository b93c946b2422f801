package aggregates

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhagen/kontor/internal/database"
	"github.com/rhagen/kontor/internal/domain"
	"github.com/rhagen/kontor/internal/modules/ledger"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "kontor.db"),
		Profile: database.ProfileLedger,
		Name:    "kontor",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func bankPosting(booking, valuta time.Time, amount string) domain.Posting {
	return domain.Posting{
		UserID:      1,
		Dimension:   domain.Dimension{Kind: domain.KindBank, ID: 10},
		BookingDate: booking,
		ValutaDate:  valuta,
		Amount:      decimal.RequireFromString(amount),
	}
}

// aggregateRows reads the persisted aggregate table as key -> amount string
func aggregateRows(t *testing.T, db *database.DB, userID int64) map[domain.AggregateKey]string {
	t.Helper()

	rows, err := db.Query(
		`SELECT kind, dimension_id, security_sub_type, period, period_start, date_basis, amount
		 FROM posting_aggregates WHERE user_id = ?`, userID)
	require.NoError(t, err)
	defer rows.Close()

	out := make(map[domain.AggregateKey]string)
	for rows.Next() {
		var key domain.AggregateKey
		var kind, subType, period, basis, amount string
		require.NoError(t, rows.Scan(&kind, &key.DimensionID, &subType, &period, &key.PeriodStart, &basis, &amount))
		key.Kind = domain.PostingKind(kind)
		key.SubType = domain.SecuritySubType(subType)
		key.Period = domain.Period(period)
		key.Basis = domain.DateBasis(basis)
		out[key] = amount
	}
	require.NoError(t, rows.Err())
	return out
}

func TestUpsertForPosting_AllEightBuckets(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(ledger.NewAggregateRepository(db.Conn(), zerolog.Nop()), zerolog.Nop())

	date := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	p := bankPosting(date, date, "-45.00")

	err := database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		return engine.UpsertForPosting(tx, Staging{}, p)
	})
	require.NoError(t, err)

	rows := aggregateRows(t, db, 1)
	assert.Len(t, rows, 8)

	// With identical booking and valuta dates both bases share starts
	for _, tc := range []struct {
		period domain.Period
		start  string
	}{
		{domain.PeriodMonth, "2024-03-01"},
		{domain.PeriodQuarter, "2024-01-01"},
		{domain.PeriodHalfYear, "2024-01-01"},
		{domain.PeriodYear, "2024-01-01"},
	} {
		for _, basis := range domain.DateBases {
			key := domain.AggregateKey{
				Kind: domain.KindBank, DimensionID: 10,
				Period: tc.period, PeriodStart: tc.start, Basis: basis,
			}
			assert.Equal(t, "-45", rows[key], "period %s basis %s", tc.period, basis)
		}
	}
}

func TestUpsertForPosting_ValutaBasisDiverges(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(ledger.NewAggregateRepository(db.Conn(), zerolog.Nop()), zerolog.Nop())

	// Booked in March, value-dated in April: the month buckets split
	booking := time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC)
	valuta := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
	p := bankPosting(booking, valuta, "-45.00")

	err := database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		return engine.UpsertForPosting(tx, Staging{}, p)
	})
	require.NoError(t, err)

	rows := aggregateRows(t, db, 1)

	bookingKey := domain.AggregateKey{
		Kind: domain.KindBank, DimensionID: 10,
		Period: domain.PeriodMonth, PeriodStart: "2024-03-01", Basis: domain.BasisBooking,
	}
	valutaKey := domain.AggregateKey{
		Kind: domain.KindBank, DimensionID: 10,
		Period: domain.PeriodMonth, PeriodStart: "2024-04-01", Basis: domain.BasisValuta,
	}
	assert.Equal(t, "-45", rows[bookingKey])
	assert.Equal(t, "-45", rows[valutaKey])
}

func TestUpsertForPosting_StagedAccumulation(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(ledger.NewAggregateRepository(db.Conn(), zerolog.Nop()), zerolog.Nop())

	date := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	// Two postings into the same buckets within one transaction
	err := database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		staged := Staging{}
		if err := engine.UpsertForPosting(tx, staged, bankPosting(date, date, "-45.00")); err != nil {
			return err
		}
		return engine.UpsertForPosting(tx, staged, bankPosting(date, date, "-5.00"))
	})
	require.NoError(t, err)

	rows := aggregateRows(t, db, 1)
	key := domain.AggregateKey{
		Kind: domain.KindBank, DimensionID: 10,
		Period: domain.PeriodMonth, PeriodStart: "2024-03-01", Basis: domain.BasisBooking,
	}
	assert.Equal(t, "-50", rows[key])
}

func TestUpsertForPosting_AccumulatesAcrossTransactions(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(ledger.NewAggregateRepository(db.Conn(), zerolog.Nop()), zerolog.Nop())

	date := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	for _, amount := range []string{"-45.00", "100.00"} {
		p := bankPosting(date, date, amount)
		err := database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
			return engine.UpsertForPosting(tx, Staging{}, p)
		})
		require.NoError(t, err)
	}

	rows := aggregateRows(t, db, 1)
	key := domain.AggregateKey{
		Kind: domain.KindBank, DimensionID: 10,
		Period: domain.PeriodYear, PeriodStart: "2024-01-01", Basis: domain.BasisBooking,
	}
	assert.Equal(t, "55", rows[key])
}

func TestUpsertForPosting_SkipsZeroAmounts(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(ledger.NewAggregateRepository(db.Conn(), zerolog.Nop()), zerolog.Nop())

	date := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	err := database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		return engine.UpsertForPosting(tx, Staging{}, bankPosting(date, date, "0"))
	})
	require.NoError(t, err)

	assert.Empty(t, aggregateRows(t, db, 1))
}
