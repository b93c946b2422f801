// Package booking converts validated draft entries into immutable postings
// while keeping aggregates and account balances consistent. Booking one
// entry is the unit of atomicity: posting creation, aggregate upserts,
// balance adjustment and the status change commit together or not at all.
package booking

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rhagen/kontor/internal/database"
	"github.com/rhagen/kontor/internal/domain"
	"github.com/rhagen/kontor/internal/modules/aggregates"
	"github.com/rhagen/kontor/internal/modules/directory"
	"github.com/rhagen/kontor/internal/modules/drafts"
	"github.com/rhagen/kontor/internal/modules/ledger"
	"github.com/rhagen/kontor/internal/modules/validate"
)

// Result describes the outcome of booking one entry. A UI can distinguish
// "fix these errors" (invalid report), "confirm these warnings" (warnings
// without force) and "succeeded" from it.
type Result struct {
	EntryID     int64           `json:"entry_id"`
	Success     bool            `json:"success"`
	HasWarnings bool            `json:"has_warnings"`
	Report      validate.Report `json:"report"`
	GroupID     string          `json:"group_id,omitempty"`      // Ledger group created on success
	NextEntryID *int64          `json:"next_entry_id,omitempty"` // Next unbooked entry of the draft
}

// Engine orchestrates the booking transaction
type Engine struct {
	db         *database.DB
	drafts     *drafts.Repository
	validator  *validate.Validator
	postings   *ledger.PostingRepository
	aggregates *aggregates.Engine
	directory  *directory.Repository
	log        zerolog.Logger
}

// NewEngine creates a new booking engine
func NewEngine(
	db *database.DB,
	draftRepo *drafts.Repository,
	validator *validate.Validator,
	postings *ledger.PostingRepository,
	aggEngine *aggregates.Engine,
	dir *directory.Repository,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		db:         db,
		drafts:     draftRepo,
		validator:  validator,
		postings:   postings,
		aggregates: aggEngine,
		directory:  dir,
		log:        log.With().Str("service", "booking").Logger(),
	}
}

// BookEntry books exactly one entry of a draft. Validation failures and
// unconfirmed warnings return an unsuccessful result with the full report
// and no side effects; the entry stays in its pre-booking status so a
// retry repeats the same deterministic steps.
func (e *Engine) BookEntry(userID, draftID, entryID int64, forceWarnings bool) (*Result, error) {
	draft, err := e.drafts.GetDraft(userID, draftID)
	if err != nil {
		return nil, err
	}

	entry, err := e.drafts.GetEntry(userID, entryID)
	if err != nil {
		return nil, err
	}
	if entry.DraftID != draftID {
		return nil, domain.ErrNotFound
	}

	result := &Result{EntryID: entryID}

	report, err := e.validator.ValidateEntry(userID, draft, entry)
	if err != nil {
		return nil, err
	}
	result.Report = report
	result.HasWarnings = report.HasWarnings()

	if !report.IsValid() {
		return result, nil
	}
	if result.HasWarnings && !forceWarnings {
		return result, nil
	}

	postings := buildPostings(userID, draft, entry)
	groupID := uuid.New().String()

	err = database.WithTransaction(e.db.Conn(), func(tx *sql.Tx) error {
		staged := aggregates.Staging{}

		for i := range postings {
			p := &postings[i]
			if err := e.postings.InsertTx(tx, p); err != nil {
				return err
			}
			if _, err := e.postings.AssignGroupTx(tx, p.ID, groupID); err != nil {
				return err
			}
			p.GroupID = groupID
			if err := e.aggregates.UpsertForPosting(tx, staged, *p); err != nil {
				return err
			}
		}

		// The balance tracks bank postings only, so split children do not
		// touch it either.
		if !draft.IsSplitDraft() {
			if err := e.directory.AdjustBalanceTx(tx, *draft.AccountID, entry.Amount); err != nil {
				return err
			}
		}

		if err := e.drafts.MarkBookedTx(tx, entryID); err != nil {
			return err
		}

		if entry.ArchivePlanOnBooking && entry.SavingsPlanID != nil {
			if err := e.directory.ArchiveSavingsPlanTx(tx, *entry.SavingsPlanID); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("booking entry %d failed: %w", entryID, err)
	}

	result.Success = true
	result.GroupID = groupID
	result.NextEntryID, err = e.drafts.NextOpenEntry(userID, draftID, entryID)
	if err != nil {
		// The booking itself committed; a broken cursor lookup must not
		// fail the call.
		e.log.Error().Err(err).Int64("entry_id", entryID).Msg("Failed to find next open entry")
	}

	e.log.Info().
		Int64("entry_id", entryID).
		Str("group_id", groupID).
		Int("postings", len(postings)).
		Msg("Booked entry")

	return result, nil
}

// BookDraft books every eligible entry of the draft. Entries are isolated
// from each other: a failing entry blocks only itself, and the call
// collects one result per attempted entry instead of failing as a unit.
// Marking the fully-booked draft committed stays a caller decision.
func (e *Engine) BookDraft(userID, draftID int64, forceWarnings bool) ([]Result, error) {
	entries, err := e.drafts.ListEntries(userID, draftID)
	if err != nil {
		return nil, err
	}

	var results []Result
	for i := range entries {
		if entries[i].Status == domain.EntryStatusBooked || entries[i].Status == domain.EntryStatusExcluded {
			continue
		}

		result, err := e.BookEntry(userID, draftID, entries[i].ID, forceWarnings)
		if err != nil {
			return results, err
		}
		results = append(results, *result)
	}

	return results, nil
}

// buildPostings materializes the ledger rows of one entry: a bank posting
// against the draft's account, plus one posting per classified dimension.
// A security transaction additionally emits fee and tax sub-postings when
// those amounts are non-zero; they carry the security dimension with their
// own sub-type and reduce the result, hence the negation.
func buildPostings(userID int64, draft *domain.Draft, entry *domain.DraftEntry) []domain.Posting {
	base := domain.Posting{
		UserID:        userID,
		SourceEntryID: entry.ID,
		BookingDate:   entry.BookingDate,
		ValutaDate:    entry.EffectiveValutaDate(),
		Subject:       entry.Subject,
		Recipient:     entry.Recipient,
	}

	postings := make([]domain.Posting, 0, 3)

	// Entries of a split child draft carry no bank side of their own. The
	// parent entry is the actual statement row and books the one bank
	// posting for the whole lump; the children only divide its
	// classification. Emitting bank postings here as well would record the
	// movement twice on the account.
	if !draft.IsSplitDraft() {
		bank := base
		bank.Dimension = domain.Dimension{Kind: domain.KindBank, ID: *draft.AccountID}
		bank.Amount = entry.Amount
		postings = append(postings, bank)
	}

	if entry.ContactID != nil {
		contact := base
		contact.Dimension = domain.Dimension{Kind: domain.KindContact, ID: *entry.ContactID}
		contact.Amount = entry.Amount
		postings = append(postings, contact)
	}

	if entry.SavingsPlanID != nil {
		plan := base
		plan.Dimension = domain.Dimension{Kind: domain.KindSavingsPlan, ID: *entry.SavingsPlanID}
		plan.Amount = entry.Amount
		postings = append(postings, plan)
	}

	if sec := entry.Security; sec != nil {
		dimension := domain.Dimension{Kind: domain.KindSecurity, ID: sec.SecurityID}

		main := base
		main.Dimension = dimension
		main.SubType = subTypeForTxn(sec.TxnType)
		main.Amount = entry.Amount
		postings = append(postings, main)

		if !sec.Fee.IsZero() {
			fee := base
			fee.Dimension = dimension
			fee.SubType = domain.SubTypeFee
			fee.Amount = sec.Fee.Neg()
			postings = append(postings, fee)
		}
		if !sec.Tax.IsZero() {
			tax := base
			tax.Dimension = dimension
			tax.SubType = domain.SubTypeTax
			tax.Amount = sec.Tax.Neg()
			postings = append(postings, tax)
		}
	}

	return postings
}

func subTypeForTxn(txn domain.SecurityTxnType) domain.SecuritySubType {
	switch txn {
	case domain.SecurityTxnBuy:
		return domain.SubTypeBuy
	case domain.SecurityTxnSell:
		return domain.SubTypeSell
	case domain.SecurityTxnDividend:
		return domain.SubTypeDividend
	}
	return domain.SubTypeNone
}
