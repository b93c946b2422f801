package booking

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhagen/kontor/internal/database"
	"github.com/rhagen/kontor/internal/domain"
	"github.com/rhagen/kontor/internal/modules/aggregates"
	"github.com/rhagen/kontor/internal/modules/directory"
	"github.com/rhagen/kontor/internal/modules/drafts"
	"github.com/rhagen/kontor/internal/modules/ledger"
	"github.com/rhagen/kontor/internal/modules/splits"
	"github.com/rhagen/kontor/internal/modules/validate"
)

type fixture struct {
	db        *database.DB
	engine    *Engine
	drafts    *drafts.Repository
	directory *directory.Repository
	postings  *ledger.PostingRepository
	accountID int64
	contactID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "kontor.db"),
		Profile: database.ProfileLedger,
		Name:    "kontor",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	log := zerolog.Nop()
	draftRepo := drafts.NewRepository(db.Conn(), log)
	dirRepo := directory.NewRepository(db.Conn(), log)
	postingRepo := ledger.NewPostingRepository(db.Conn(), log)
	aggRepo := ledger.NewAggregateRepository(db.Conn(), log)
	validator := validate.NewValidator(draftRepo, dirRepo, log)
	aggEngine := aggregates.NewEngine(aggRepo, log)

	accountID, err := dirRepo.CreateAccount(1, "Giro", "DE02120300000000202051", "EUR")
	require.NoError(t, err)
	contactID, err := dirRepo.CreateContact(1, "REWE")
	require.NoError(t, err)

	return &fixture{
		db:        db,
		engine:    NewEngine(db, draftRepo, validator, postingRepo, aggEngine, dirRepo, log),
		drafts:    draftRepo,
		directory: dirRepo,
		postings:  postingRepo,
		accountID: accountID,
		contactID: contactID,
	}
}

func (f *fixture) draft(t *testing.T) *domain.Draft {
	t.Helper()
	d := &domain.Draft{UserID: 1, FileName: "march.csv", AccountID: &f.accountID}
	_, err := f.drafts.CreateDraft(d)
	require.NoError(t, err)
	return d
}

func (f *fixture) contactEntry(t *testing.T, draftID int64, amount string) *domain.DraftEntry {
	t.Helper()
	e := &domain.DraftEntry{
		DraftID:     draftID,
		BookingDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString(amount),
		Subject:     "REWE SAGT DANKE",
		Recipient:   "REWE Markt GmbH",
	}
	_, err := f.drafts.CreateEntry(e)
	require.NoError(t, err)
	require.NoError(t, f.drafts.AssignContact(1, e.ID, f.contactID))
	return e
}

func (f *fixture) aggregateAmount(t *testing.T, key domain.AggregateKey) string {
	t.Helper()
	var amount string
	err := f.db.QueryRow(
		`SELECT amount FROM posting_aggregates
		 WHERE user_id = 1 AND kind = ? AND dimension_id = ? AND security_sub_type = ?
		   AND period = ? AND period_start = ? AND date_basis = ?`,
		string(key.Kind), key.DimensionID, string(key.SubType),
		string(key.Period), key.PeriodStart, string(key.Basis),
	).Scan(&amount)
	require.NoError(t, err)
	return amount
}

func TestBookEntry_HappyPath(t *testing.T) {
	f := newFixture(t)
	d := f.draft(t)
	e := f.contactEntry(t, d.ID, "-45.00")

	result, err := f.engine.BookEntry(1, d.ID, e.ID, false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.GroupID)
	assert.Nil(t, result.NextEntryID)

	// One bank posting and one contact posting, sharing the group
	postings, err := f.postings.ListByEntry(1, e.ID)
	require.NoError(t, err)
	require.Len(t, postings, 2)
	assert.Equal(t, domain.KindBank, postings[0].Dimension.Kind)
	assert.Equal(t, f.accountID, postings[0].Dimension.ID)
	assert.Equal(t, domain.KindContact, postings[1].Dimension.Kind)
	assert.Equal(t, f.contactID, postings[1].Dimension.ID)
	for _, p := range postings {
		assert.Equal(t, result.GroupID, p.GroupID)
		assert.Equal(t, "-45", p.Amount.String())
	}

	// Aggregates land in the right buckets for all four periods
	for _, tc := range []struct {
		period domain.Period
		start  string
	}{
		{domain.PeriodMonth, "2024-03-01"},
		{domain.PeriodQuarter, "2024-01-01"},
		{domain.PeriodHalfYear, "2024-01-01"},
		{domain.PeriodYear, "2024-01-01"},
	} {
		amount := f.aggregateAmount(t, domain.AggregateKey{
			Kind: domain.KindBank, DimensionID: f.accountID,
			Period: tc.period, PeriodStart: tc.start, Basis: domain.BasisBooking,
		})
		assert.Equal(t, "-45", amount, "period %s", tc.period)
	}

	// Balance reflects the entry amount and the entry is terminally booked
	account, err := f.directory.AccountByID(1, f.accountID)
	require.NoError(t, err)
	assert.Equal(t, "-45", account.CurrentBalance.String())

	loaded, err := f.drafts.GetEntry(1, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusBooked, loaded.Status)
}

func TestBookEntry_SecondBookingIsRejectedWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	d := f.draft(t)
	e := f.contactEntry(t, d.ID, "-45.00")

	first, err := f.engine.BookEntry(1, d.ID, e.ID, false)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := f.engine.BookEntry(1, d.ID, e.ID, false)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.False(t, second.Report.IsValid())

	// No duplicate postings, no double balance adjustment
	postings, err := f.postings.ListByEntry(1, e.ID)
	require.NoError(t, err)
	assert.Len(t, postings, 2)

	account, err := f.directory.AccountByID(1, f.accountID)
	require.NoError(t, err)
	assert.Equal(t, "-45", account.CurrentBalance.String())
}

func TestBookEntry_InvalidEntryHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	d := f.draft(t)

	// Unclassified entry: no dimension, not cost-neutral
	e := &domain.DraftEntry{
		DraftID:     d.ID,
		BookingDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("-45.00"),
	}
	_, err := f.drafts.CreateEntry(e)
	require.NoError(t, err)

	result, err := f.engine.BookEntry(1, d.ID, e.ID, false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, result.Report.IsValid())

	count, err := f.postings.CountByUser(1)
	require.NoError(t, err)
	assert.Zero(t, count)

	loaded, err := f.drafts.GetEntry(1, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusOpen, loaded.Status)
}

func TestBookEntry_WarningsRequireConfirmation(t *testing.T) {
	f := newFixture(t)
	d := f.draft(t)
	e := f.contactEntry(t, d.ID, "-45.00")

	// Force a currency-mismatch warning
	_, err := f.db.Exec("UPDATE draft_entries SET currency = 'USD' WHERE id = ?", e.ID)
	require.NoError(t, err)

	result, err := f.engine.BookEntry(1, d.ID, e.ID, false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.HasWarnings)
	assert.True(t, result.Report.IsValid())

	// With confirmation the booking proceeds
	result, err = f.engine.BookEntry(1, d.ID, e.ID, true)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestBookEntry_SecurityPostings(t *testing.T) {
	f := newFixture(t)
	d := f.draft(t)

	secID, err := f.directory.CreateSecurity(1, "MSCI World", "IE00B4L5Y983")
	require.NoError(t, err)

	e := &domain.DraftEntry{
		DraftID:     d.ID,
		BookingDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("-501.80"),
		Subject:     "Wertpapierkauf",
	}
	_, err = f.drafts.CreateEntry(e)
	require.NoError(t, err)
	require.NoError(t, f.drafts.AssignSecurity(1, e.ID, domain.SecurityAssignment{
		SecurityID: secID,
		TxnType:    domain.SecurityTxnBuy,
		Quantity:   decimal.NewFromInt(5),
		Fee:        decimal.RequireFromString("1.50"),
		Tax:        decimal.RequireFromString("0.30"),
	}))

	result, err := f.engine.BookEntry(1, d.ID, e.ID, false)
	require.NoError(t, err)
	require.True(t, result.Success)

	// Bank + security main + fee + tax
	postings, err := f.postings.ListByEntry(1, e.ID)
	require.NoError(t, err)
	require.Len(t, postings, 4)

	assert.Equal(t, domain.KindBank, postings[0].Dimension.Kind)

	main := postings[1]
	assert.Equal(t, domain.KindSecurity, main.Dimension.Kind)
	assert.Equal(t, domain.SubTypeBuy, main.SubType)
	assert.Equal(t, "-501.8", main.Amount.String())

	// Fee and tax sub-postings carry negated amounts
	fee := postings[2]
	assert.Equal(t, domain.SubTypeFee, fee.SubType)
	assert.Equal(t, "-1.5", fee.Amount.String())

	tax := postings[3]
	assert.Equal(t, domain.SubTypeTax, tax.SubType)
	assert.Equal(t, "-0.3", tax.Amount.String())
}

func TestBookEntry_CostNeutralZeroAmountSkipsAggregates(t *testing.T) {
	f := newFixture(t)
	d := f.draft(t)

	e := &domain.DraftEntry{
		DraftID:     d.ID,
		BookingDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.Zero,
	}
	_, err := f.drafts.CreateEntry(e)
	require.NoError(t, err)
	require.NoError(t, f.drafts.SetCostNeutral(1, e.ID, true))

	result, err := f.engine.BookEntry(1, d.ID, e.ID, false)
	require.NoError(t, err)
	assert.True(t, result.Success)

	// The posting exists for the audit trail but no aggregate rows appear
	count, err := f.postings.CountByUser(1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var aggRows int
	require.NoError(t, f.db.QueryRow("SELECT COUNT(*) FROM posting_aggregates WHERE user_id = 1").Scan(&aggRows))
	assert.Zero(t, aggRows)
}

func TestBookEntry_ReturnsNextOpenEntry(t *testing.T) {
	f := newFixture(t)
	d := f.draft(t)
	e1 := f.contactEntry(t, d.ID, "-10.00")
	e2 := f.contactEntry(t, d.ID, "-20.00")

	result, err := f.engine.BookEntry(1, d.ID, e1.ID, false)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotNil(t, result.NextEntryID)
	assert.Equal(t, e2.ID, *result.NextEntryID)
}

func TestBookEntry_EntryMustBelongToDraft(t *testing.T) {
	f := newFixture(t)
	d1 := f.draft(t)
	d2 := f.draft(t)
	e := f.contactEntry(t, d1.ID, "-10.00")

	_, err := f.engine.BookEntry(1, d2.ID, e.ID, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBookEntry_ArchivesPlanOnBooking(t *testing.T) {
	f := newFixture(t)
	d := f.draft(t)

	planID, err := f.directory.CreateSavingsPlan(1, "Urlaub")
	require.NoError(t, err)

	e := &domain.DraftEntry{
		DraftID:     d.ID,
		BookingDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("-50.00"),
	}
	_, err = f.drafts.CreateEntry(e)
	require.NoError(t, err)
	require.NoError(t, f.drafts.AssignSavingsPlan(1, e.ID, planID, true))

	result, err := f.engine.BookEntry(1, d.ID, e.ID, false)
	require.NoError(t, err)
	require.True(t, result.Success)

	plan, err := f.directory.SavingsPlanByID(1, planID)
	require.NoError(t, err)
	assert.True(t, plan.Archived)
}

func TestBookEntry_RejectsTerminatedDraft(t *testing.T) {
	f := newFixture(t)
	d := f.draft(t)
	e := f.contactEntry(t, d.ID, "-45.00")

	require.NoError(t, f.drafts.Expire(1, d.ID))

	// An expired draft is terminal; its entries must never book
	result, err := f.engine.BookEntry(1, d.ID, e.ID, false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, result.Report.IsValid())

	count, err := f.postings.CountByUser(1)
	require.NoError(t, err)
	assert.Zero(t, count)

	account, err := f.directory.AccountByID(1, f.accountID)
	require.NoError(t, err)
	assert.True(t, account.CurrentBalance.IsZero())
}

func TestBookEntry_SplitFlowBooksLumpOnce(t *testing.T) {
	f := newFixture(t)
	d := f.draft(t)

	// The statement row: a -45.00 lump to be divided into two parts
	parent := &domain.DraftEntry{
		DraftID:     d.ID,
		BookingDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("-45.00"),
		Subject:     "Sammelueberweisung",
	}
	_, err := f.drafts.CreateEntry(parent)
	require.NoError(t, err)

	linker := splits.NewLinker(f.drafts, zerolog.Nop())
	child, err := linker.CreateSplit(1, d.ID, parent.ID, []splits.Part{
		{Amount: decimal.RequireFromString("-30.00"), Subject: "Teil A"},
		{Amount: decimal.RequireFromString("-15.00"), Subject: "Teil B"},
	})
	require.NoError(t, err)

	// Classify and book both child entries
	childEntries, err := f.drafts.ListEntries(1, child.ID)
	require.NoError(t, err)
	require.Len(t, childEntries, 2)
	for i := range childEntries {
		require.NoError(t, f.drafts.AssignContact(1, childEntries[i].ID, f.contactID))
		result, err := f.engine.BookEntry(1, child.ID, childEntries[i].ID, false)
		require.NoError(t, err)
		require.True(t, result.Success)
	}

	// Child entries carry only the classification side: one contact
	// posting each, no bank posting, no balance movement yet
	for i := range childEntries {
		postings, err := f.postings.ListByEntry(1, childEntries[i].ID)
		require.NoError(t, err)
		require.Len(t, postings, 1)
		assert.Equal(t, domain.KindContact, postings[0].Dimension.Kind)
	}
	account, err := f.directory.AccountByID(1, f.accountID)
	require.NoError(t, err)
	assert.True(t, account.CurrentBalance.IsZero())

	require.NoError(t, f.drafts.MarkCommitted(1, child.ID))

	// Booking the parent records the bank side of the lump exactly once
	result, err := f.engine.BookEntry(1, d.ID, parent.ID, false)
	require.NoError(t, err)
	require.True(t, result.Success)

	parentPostings, err := f.postings.ListByEntry(1, parent.ID)
	require.NoError(t, err)
	require.Len(t, parentPostings, 1)
	assert.Equal(t, domain.KindBank, parentPostings[0].Dimension.Kind)
	assert.Equal(t, "-45", parentPostings[0].Amount.String())

	account, err = f.directory.AccountByID(1, f.accountID)
	require.NoError(t, err)
	assert.Equal(t, "-45", account.CurrentBalance.String())

	// Aggregates: bank bucket holds the lump once, contact bucket the parts
	bank := f.aggregateAmount(t, domain.AggregateKey{
		Kind: domain.KindBank, DimensionID: f.accountID,
		Period: domain.PeriodMonth, PeriodStart: "2024-03-01", Basis: domain.BasisBooking,
	})
	assert.Equal(t, "-45", bank)
	contact := f.aggregateAmount(t, domain.AggregateKey{
		Kind: domain.KindContact, DimensionID: f.contactID,
		Period: domain.PeriodMonth, PeriodStart: "2024-03-01", Basis: domain.BasisBooking,
	})
	assert.Equal(t, "-45", contact)
}

func TestBookDraft_SkipsExcludedEntries(t *testing.T) {
	f := newFixture(t)
	d := f.draft(t)

	good := f.contactEntry(t, d.ID, "-10.00")
	unwanted := f.contactEntry(t, d.ID, "-99.00")
	require.NoError(t, f.drafts.MarkExcluded(1, unwanted.ID))

	results, err := f.engine.BookDraft(1, d.ID, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, good.ID, results[0].EntryID)
	assert.True(t, results[0].Success)

	// Booked plus excluded satisfies the commit gate
	settled, err := f.drafts.AllEntriesSettled(1, d.ID)
	require.NoError(t, err)
	assert.True(t, settled)
}

func TestBookDraft_IsolatesFailingEntries(t *testing.T) {
	f := newFixture(t)
	d := f.draft(t)

	good := f.contactEntry(t, d.ID, "-10.00")

	// Unclassified entry fails validation but must not block the good one
	bad := &domain.DraftEntry{
		DraftID:     d.ID,
		BookingDate: time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("-20.00"),
	}
	_, err := f.drafts.CreateEntry(bad)
	require.NoError(t, err)

	results, err := f.engine.BookDraft(1, d.ID, false)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byEntry := map[int64]Result{}
	for _, r := range results {
		byEntry[r.EntryID] = r
	}
	assert.True(t, byEntry[good.ID].Success)
	assert.False(t, byEntry[bad.ID].Success)

	// A second pass skips the already-booked entry
	results, err = f.engine.BookDraft(1, d.ID, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, bad.ID, results[0].EntryID)
}
