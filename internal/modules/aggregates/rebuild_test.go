package aggregates

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhagen/kontor/internal/database"
	"github.com/rhagen/kontor/internal/domain"
	"github.com/rhagen/kontor/internal/modules/directory"
	"github.com/rhagen/kontor/internal/modules/ledger"
)

type rebuildFixture struct {
	db        *database.DB
	postings  *ledger.PostingRepository
	engine    *Engine
	rebuilder *Rebuilder
	directory *directory.Repository
	accountID int64
}

func newRebuildFixture(t *testing.T, batchSize int) *rebuildFixture {
	t.Helper()

	db := setupTestDB(t)
	postingRepo := ledger.NewPostingRepository(db.Conn(), zerolog.Nop())
	aggRepo := ledger.NewAggregateRepository(db.Conn(), zerolog.Nop())
	dirRepo := directory.NewRepository(db.Conn(), zerolog.Nop())

	accountID, err := dirRepo.CreateAccount(1, "Giro", "DE02120300000000202051", "EUR")
	require.NoError(t, err)

	return &rebuildFixture{
		db:        db,
		postings:  postingRepo,
		engine:    NewEngine(aggRepo, zerolog.Nop()),
		rebuilder: NewRebuilder(postingRepo, aggRepo, dirRepo, batchSize, zerolog.Nop()),
		directory: dirRepo,
		accountID: accountID,
	}
}

// bookTestPosting mimics what the booking engine does: insert the posting,
// upsert its aggregates and adjust the account balance, all in one
// transaction.
func (f *rebuildFixture) bookTestPosting(t *testing.T, p domain.Posting) {
	t.Helper()
	err := database.WithTransaction(f.db.Conn(), func(tx *sql.Tx) error {
		if err := f.postings.InsertTx(tx, &p); err != nil {
			return err
		}
		if err := f.engine.UpsertForPosting(tx, Staging{}, p); err != nil {
			return err
		}
		if p.Dimension.Kind == domain.KindBank {
			return f.directory.AdjustBalanceTx(tx, p.Dimension.ID, p.Amount)
		}
		return nil
	})
	require.NoError(t, err)
}

func (f *rebuildFixture) posting(day int, amount string) domain.Posting {
	date := time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC)
	return domain.Posting{
		UserID:      1,
		Dimension:   domain.Dimension{Kind: domain.KindBank, ID: f.accountID},
		BookingDate: date,
		ValutaDate:  date,
		Amount:      decimal.RequireFromString(amount),
	}
}

func TestRebuild_MatchesIncrementalState(t *testing.T) {
	f := newRebuildFixture(t, 3)

	f.bookTestPosting(t, f.posting(5, "-45.00"))
	f.bookTestPosting(t, f.posting(15, "100.00"))
	contact := f.posting(20, "-12.50")
	contact.Dimension = domain.Dimension{Kind: domain.KindContact, ID: 7}
	f.bookTestPosting(t, contact)

	incremental := aggregateRows(t, f.db, 1)
	require.NotEmpty(t, incremental)

	require.NoError(t, f.rebuilder.RebuildForUser(context.Background(), 1, nil))

	// Rebuilding from the ledger reproduces the incremental state exactly
	assert.Equal(t, incremental, aggregateRows(t, f.db, 1))

	account, err := f.directory.AccountByID(1, f.accountID)
	require.NoError(t, err)
	assert.Equal(t, "55", account.CurrentBalance.String())
}

func TestRebuild_RepairsCorruptedState(t *testing.T) {
	f := newRebuildFixture(t, 10)

	f.bookTestPosting(t, f.posting(5, "-45.00"))
	want := aggregateRows(t, f.db, 1)

	// Corrupt an aggregate row and the balance
	_, err := f.db.Exec("UPDATE posting_aggregates SET amount = '999' WHERE user_id = 1")
	require.NoError(t, err)
	_, err = f.db.Exec("UPDATE accounts SET current_balance = '999' WHERE id = ?", f.accountID)
	require.NoError(t, err)

	require.NoError(t, f.rebuilder.RebuildForUser(context.Background(), 1, nil))

	assert.Equal(t, want, aggregateRows(t, f.db, 1))
	account, err := f.directory.AccountByID(1, f.accountID)
	require.NoError(t, err)
	assert.Equal(t, "-45", account.CurrentBalance.String())
}

func TestRebuild_DiscardsCancelledBuckets(t *testing.T) {
	f := newRebuildFixture(t, 10)

	// Two postings that cancel exactly within every bucket
	f.bookTestPosting(t, f.posting(5, "-45.00"))
	f.bookTestPosting(t, f.posting(5, "45.00"))

	require.NoError(t, f.rebuilder.RebuildForUser(context.Background(), 1, nil))

	assert.Empty(t, aggregateRows(t, f.db, 1))

	account, err := f.directory.AccountByID(1, f.accountID)
	require.NoError(t, err)
	assert.True(t, account.CurrentBalance.IsZero())
}

func TestRebuild_ZeroesAccountsWithoutPostings(t *testing.T) {
	f := newRebuildFixture(t, 10)

	// A stale balance with no postings behind it resums to zero
	_, err := f.db.Exec("UPDATE accounts SET current_balance = '123.45' WHERE id = ?", f.accountID)
	require.NoError(t, err)

	require.NoError(t, f.rebuilder.RebuildForUser(context.Background(), 1, nil))

	account, err := f.directory.AccountByID(1, f.accountID)
	require.NoError(t, err)
	assert.True(t, account.CurrentBalance.IsZero())
}

func TestRebuild_ReportsProgress(t *testing.T) {
	f := newRebuildFixture(t, 2)

	// Three months of postings produce enough distinct rows for several batches
	for day, amount := range map[int]string{3: "-10.00", 12: "-20.00", 25: "-30.00"} {
		f.bookTestPosting(t, f.posting(day, amount))
	}

	var calls [][2]int
	progress := func(processed, total int) {
		calls = append(calls, [2]int{processed, total})
	}
	require.NoError(t, f.rebuilder.RebuildForUser(context.Background(), 1, progress))

	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, last[1], last[0], "final call reports completion")
	assert.Equal(t, len(aggregateRows(t, f.db, 1)), last[1])
}

func TestRebuild_Cancellation(t *testing.T) {
	f := newRebuildFixture(t, 1)

	f.bookTestPosting(t, f.posting(5, "-45.00"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.rebuilder.RebuildForUser(ctx, 1, nil)
	assert.ErrorIs(t, err, context.Canceled)

	// A fresh run over the same ledger is safe and completes
	require.NoError(t, f.rebuilder.RebuildForUser(context.Background(), 1, nil))
	assert.Len(t, aggregateRows(t, f.db, 1), 8)
}

func TestRebuild_IsIdempotent(t *testing.T) {
	f := newRebuildFixture(t, 4)

	f.bookTestPosting(t, f.posting(5, "-45.00"))
	f.bookTestPosting(t, f.posting(15, "100.00"))

	require.NoError(t, f.rebuilder.RebuildForUser(context.Background(), 1, nil))
	first := aggregateRows(t, f.db, 1)

	require.NoError(t, f.rebuilder.RebuildForUser(context.Background(), 1, nil))
	assert.Equal(t, first, aggregateRows(t, f.db, 1))
}
