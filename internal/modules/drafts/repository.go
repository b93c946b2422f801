// Package drafts owns the draft store: statement-import units, their
// candidate entries and the entry status state machine. All transitions go
// through the domain methods so illegal source states are rejected in one
// place; the repository only loads, applies and persists.
package drafts

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rhagen/kontor/internal/domain"
)

// Repository handles draft and draft-entry persistence in kontor.db
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new draft repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "drafts").Logger(),
	}
}

// CreateDraft inserts a new draft and returns its id
func (r *Repository) CreateDraft(d *domain.Draft) (int64, error) {
	if d.Status == "" {
		d.Status = domain.DraftStatusDraft
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	var parentAmount interface{}
	if d.ParentEntryAmount != nil {
		parentAmount = d.ParentEntryAmount.String()
	}

	res, err := r.db.Exec(
		`INSERT INTO drafts (user_id, file_name, description, account_id, status, upload_group,
		                     parent_draft_id, parent_entry_id, parent_entry_amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.UserID, d.FileName, d.Description, d.AccountID, string(d.Status),
		nullString(d.UploadGroup), d.ParentDraftID, d.ParentEntryID, parentAmount,
		d.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create draft: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get draft id: %w", err)
	}
	d.ID = id

	r.log.Debug().Int64("draft_id", id).Str("file", d.FileName).Msg("Created draft")
	return id, nil
}

// GetDraft returns a draft owned by the given user.
// Owner mismatches surface as domain.ErrNotFound.
func (r *Repository) GetDraft(userID, id int64) (*domain.Draft, error) {
	row := r.db.QueryRow(
		`SELECT id, user_id, file_name, description, account_id, status, upload_group,
		        parent_draft_id, parent_entry_id, parent_entry_amount, created_at
		 FROM drafts WHERE id = ? AND user_id = ?`,
		id, userID,
	)
	return scanDraft(row)
}

// ListDrafts returns all drafts of a user, newest first
func (r *Repository) ListDrafts(userID int64) ([]domain.Draft, error) {
	rows, err := r.db.Query(
		`SELECT id, user_id, file_name, description, account_id, status, upload_group,
		        parent_draft_id, parent_entry_id, parent_entry_amount, created_at
		 FROM drafts WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query drafts: %w", err)
	}
	defer rows.Close()

	var drafts []domain.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, *d)
	}
	return drafts, rows.Err()
}

// SetDetectedAccount records the account a draft's statement belongs to.
// The detection is set-once; a second assignment fails with ErrInvalidState.
func (r *Repository) SetDetectedAccount(userID, draftID, accountID int64) error {
	d, err := r.GetDraft(userID, draftID)
	if err != nil {
		return err
	}
	if err := d.SetAccount(accountID); err != nil {
		return err
	}

	_, err = r.db.Exec("UPDATE drafts SET account_id = ? WHERE id = ?", accountID, draftID)
	if err != nil {
		return fmt.Errorf("failed to set account on draft %d: %w", draftID, err)
	}
	return nil
}

// MarkCommitted moves a draft to its terminal committed state
func (r *Repository) MarkCommitted(userID, draftID int64) error {
	return r.transitionDraft(userID, draftID, (*domain.Draft).MarkCommitted)
}

// Expire moves a draft to its terminal expired state
func (r *Repository) Expire(userID, draftID int64) error {
	return r.transitionDraft(userID, draftID, (*domain.Draft).Expire)
}

func (r *Repository) transitionDraft(userID, draftID int64, fn func(*domain.Draft) error) error {
	d, err := r.GetDraft(userID, draftID)
	if err != nil {
		return err
	}
	if err := fn(d); err != nil {
		return err
	}

	_, err = r.db.Exec("UPDATE drafts SET status = ? WHERE id = ?", string(d.Status), draftID)
	if err != nil {
		return fmt.Errorf("failed to update draft %d status: %w", draftID, err)
	}

	r.log.Debug().Int64("draft_id", draftID).Str("status", string(d.Status)).Msg("Draft transitioned")
	return nil
}

// ExpireOlderThan expires every uncommitted draft created before the cutoff.
// Returns the number of drafts expired. Used by the retention job.
func (r *Repository) ExpireOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(
		"UPDATE drafts SET status = ? WHERE status = ? AND created_at < ?",
		string(domain.DraftStatusExpired), string(domain.DraftStatusDraft), cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale drafts: %w", err)
	}
	return res.RowsAffected()
}

// CreateEntry inserts a new draft entry and returns its id
func (r *Repository) CreateEntry(e *domain.DraftEntry) (int64, error) {
	if e.Status == "" {
		if e.IsAnnounced {
			e.Status = domain.EntryStatusAnnounced
		} else {
			e.Status = domain.EntryStatusOpen
		}
	}
	if e.Currency == "" {
		e.Currency = "EUR"
	}

	var valuta interface{}
	if e.ValutaDate != nil {
		valuta = e.ValutaDate.Format(time.DateOnly)
	}

	var secID, secType, secQty, secFee, secTax interface{}
	if e.Security != nil {
		secID = e.Security.SecurityID
		secType = string(e.Security.TxnType)
		secQty = e.Security.Quantity.String()
		secFee = e.Security.Fee.String()
		secTax = e.Security.Tax.String()
	}

	res, err := r.db.Exec(
		`INSERT INTO draft_entries (draft_id, booking_date, valuta_date, amount, subject, recipient,
		                            currency, booking_text, is_announced, is_cost_neutral, status,
		                            contact_id, savings_plan_id, archive_plan_on_booking, split_draft_id,
		                            security_id, security_txn_type, security_quantity, security_fee, security_tax)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.DraftID, e.BookingDate.Format(time.DateOnly), valuta, e.Amount.String(),
		e.Subject, e.Recipient, e.Currency, e.BookingText,
		boolToInt(e.IsAnnounced), boolToInt(e.CostNeutral), string(e.Status),
		e.ContactID, e.SavingsPlanID, boolToInt(e.ArchivePlanOnBooking), e.SplitDraftID,
		secID, secType, secQty, secFee, secTax,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create draft entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get entry id: %w", err)
	}
	e.ID = id
	return id, nil
}

// GetEntry returns an entry whose draft is owned by the given user
func (r *Repository) GetEntry(userID, entryID int64) (*domain.DraftEntry, error) {
	row := r.db.QueryRow(
		entrySelect+` WHERE e.id = ? AND d.user_id = ?`,
		entryID, userID,
	)
	return scanEntry(row)
}

// ListEntries returns all entries of a draft in statement order
func (r *Repository) ListEntries(userID, draftID int64) ([]domain.DraftEntry, error) {
	rows, err := r.db.Query(
		entrySelect+` WHERE e.draft_id = ? AND d.user_id = ? ORDER BY e.id`,
		draftID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries of draft %d: %w", draftID, err)
	}
	defer rows.Close()

	var entries []domain.DraftEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// NextOpenEntry returns the id of the first unsettled entry of the draft
// with an id greater than afterEntryID, or nil when none remains. Booked
// and excluded entries are skipped. Lets a UI walk a large draft one
// decision at a time.
func (r *Repository) NextOpenEntry(userID, draftID, afterEntryID int64) (*int64, error) {
	var id int64
	err := r.db.QueryRow(
		entrySelectID+` WHERE e.draft_id = ? AND d.user_id = ? AND e.status NOT IN (?, ?) AND e.id > ?
		 ORDER BY e.id LIMIT 1`,
		draftID, userID, string(domain.EntryStatusBooked), string(domain.EntryStatusExcluded), afterEntryID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find next open entry: %w", err)
	}
	return &id, nil
}

// AllEntriesSettled reports whether every entry of the draft is either
// booked or explicitly excluded, the precondition for committing the draft.
func (r *Repository) AllEntriesSettled(userID, draftID int64) (bool, error) {
	var remaining int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM draft_entries e JOIN drafts d ON d.id = e.draft_id
		 WHERE e.draft_id = ? AND d.user_id = ? AND e.status NOT IN (?, ?)`,
		draftID, userID, string(domain.EntryStatusBooked), string(domain.EntryStatusExcluded),
	).Scan(&remaining)
	if err != nil {
		return false, fmt.Errorf("failed to count open entries: %w", err)
	}
	return remaining == 0, nil
}

// AssignContact sets the entry's contact and moves it to accounted
func (r *Repository) AssignContact(userID, entryID, contactID int64) error {
	return r.transitionEntry(userID, entryID, func(e *domain.DraftEntry) error {
		return e.AssignContact(contactID)
	})
}

// ClearContact removes the contact assignment
func (r *Repository) ClearContact(userID, entryID int64) error {
	return r.transitionEntry(userID, entryID, (*domain.DraftEntry).ClearContact)
}

// ResetOpen forces the entry back to its unclassified state
func (r *Repository) ResetOpen(userID, entryID int64) error {
	return r.transitionEntry(userID, entryID, (*domain.DraftEntry).ResetOpen)
}

// MarkExcluded takes the entry out of the booking scope of its draft
func (r *Repository) MarkExcluded(userID, entryID int64) error {
	return r.transitionEntry(userID, entryID, (*domain.DraftEntry).MarkExcluded)
}

// SetCostNeutral toggles the cost-neutral flag
func (r *Repository) SetCostNeutral(userID, entryID int64, costNeutral bool) error {
	return r.transitionEntry(userID, entryID, func(e *domain.DraftEntry) error {
		if e.Status == domain.EntryStatusBooked {
			return domain.ErrInvalidState
		}
		e.CostNeutral = costNeutral
		return nil
	})
}

// AssignSavingsPlan sets the savings plan assignment
func (r *Repository) AssignSavingsPlan(userID, entryID, planID int64, archiveOnBooking bool) error {
	return r.transitionEntry(userID, entryID, func(e *domain.DraftEntry) error {
		return e.AssignSavingsPlan(planID, archiveOnBooking)
	})
}

// ClearSavingsPlan removes the savings plan assignment
func (r *Repository) ClearSavingsPlan(userID, entryID int64) error {
	return r.transitionEntry(userID, entryID, (*domain.DraftEntry).ClearSavingsPlan)
}

// AssignSplitDraft links the entry to its child split draft
func (r *Repository) AssignSplitDraft(userID, entryID, childDraftID int64) error {
	return r.transitionEntry(userID, entryID, func(e *domain.DraftEntry) error {
		return e.AssignSplitDraft(childDraftID)
	})
}

// ClearSplitDraft removes the split linkage
func (r *Repository) ClearSplitDraft(userID, entryID int64) error {
	return r.transitionEntry(userID, entryID, (*domain.DraftEntry).ClearSplitDraft)
}

// AssignSecurity sets the security classification
func (r *Repository) AssignSecurity(userID, entryID int64, sec domain.SecurityAssignment) error {
	return r.transitionEntry(userID, entryID, func(e *domain.DraftEntry) error {
		return e.AssignSecurity(sec)
	})
}

// ClearSecurity removes the security classification including quantity,
// fee and tax.
func (r *Repository) ClearSecurity(userID, entryID int64) error {
	return r.transitionEntry(userID, entryID, (*domain.DraftEntry).ClearSecurity)
}

// transitionEntry loads the entry, applies a domain transition and persists
// the mutable fields.
func (r *Repository) transitionEntry(userID, entryID int64, fn func(*domain.DraftEntry) error) error {
	e, err := r.GetEntry(userID, entryID)
	if err != nil {
		return err
	}
	if err := fn(e); err != nil {
		return err
	}
	return r.updateEntry(e)
}

// updateEntry persists every mutable field of an entry.
// booking_date, amount and is_announced are immutable and not written.
func (r *Repository) updateEntry(e *domain.DraftEntry) error {
	var secID, secType, secQty, secFee, secTax interface{}
	if e.Security != nil {
		secID = e.Security.SecurityID
		secType = string(e.Security.TxnType)
		secQty = e.Security.Quantity.String()
		secFee = e.Security.Fee.String()
		secTax = e.Security.Tax.String()
	}

	_, err := r.db.Exec(
		`UPDATE draft_entries
		 SET is_cost_neutral = ?, status = ?, contact_id = ?, savings_plan_id = ?,
		     archive_plan_on_booking = ?, split_draft_id = ?,
		     security_id = ?, security_txn_type = ?, security_quantity = ?,
		     security_fee = ?, security_tax = ?
		 WHERE id = ?`,
		boolToInt(e.CostNeutral), string(e.Status), e.ContactID, e.SavingsPlanID,
		boolToInt(e.ArchivePlanOnBooking), e.SplitDraftID,
		secID, secType, secQty, secFee, secTax,
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entry %d: %w", e.ID, err)
	}
	return nil
}

// MarkBookedTx writes the terminal booked status inside the booking
// transaction. The status guard runs in SQL so a concurrent booking of the
// same entry cannot slip through between load and write.
func (r *Repository) MarkBookedTx(tx *sql.Tx, entryID int64) error {
	res, err := tx.Exec(
		"UPDATE draft_entries SET status = ? WHERE id = ? AND status != ?",
		string(domain.EntryStatusBooked), entryID, string(domain.EntryStatusBooked),
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d booked: %w", entryID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrInvalidState
	}
	return nil
}

const entrySelect = `
	SELECT e.id, e.draft_id, e.booking_date, e.valuta_date, e.amount, e.subject, e.recipient,
	       e.currency, e.booking_text, e.is_announced, e.is_cost_neutral, e.status,
	       e.contact_id, e.savings_plan_id, e.archive_plan_on_booking, e.split_draft_id,
	       e.security_id, e.security_txn_type, e.security_quantity, e.security_fee, e.security_tax
	FROM draft_entries e JOIN drafts d ON d.id = e.draft_id`

const entrySelectID = `
	SELECT e.id FROM draft_entries e JOIN drafts d ON d.id = e.draft_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDraft(s rowScanner) (*domain.Draft, error) {
	var d domain.Draft
	var status, uploadGroup, parentAmount sql.NullString
	var createdAt int64

	err := s.Scan(&d.ID, &d.UserID, &d.FileName, &d.Description, &d.AccountID, &status,
		&uploadGroup, &d.ParentDraftID, &d.ParentEntryID, &parentAmount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan draft: %w", err)
	}

	d.Status = domain.DraftStatus(status.String)
	d.UploadGroup = uploadGroup.String
	d.CreatedAt = time.Unix(createdAt, 0).UTC()

	if parentAmount.Valid {
		amount, err := decimal.NewFromString(parentAmount.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt parent amount %q on draft %d: %w", parentAmount.String, d.ID, err)
		}
		d.ParentEntryAmount = &amount
	}

	return &d, nil
}

func scanEntry(s rowScanner) (*domain.DraftEntry, error) {
	var e domain.DraftEntry
	var bookingDate string
	var valutaDate sql.NullString
	var amountStr, status string
	var announced, costNeutral, archivePlan int
	var secID sql.NullInt64
	var secType, secQty, secFee, secTax sql.NullString

	err := s.Scan(&e.ID, &e.DraftID, &bookingDate, &valutaDate, &amountStr, &e.Subject, &e.Recipient,
		&e.Currency, &e.BookingText, &announced, &costNeutral, &status,
		&e.ContactID, &e.SavingsPlanID, &archivePlan, &e.SplitDraftID,
		&secID, &secType, &secQty, &secFee, &secTax)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.BookingDate, err = time.Parse(time.DateOnly, bookingDate)
	if err != nil {
		return nil, fmt.Errorf("corrupt booking date %q on entry %d: %w", bookingDate, e.ID, err)
	}
	if valutaDate.Valid {
		v, err := time.Parse(time.DateOnly, valutaDate.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt valuta date %q on entry %d: %w", valutaDate.String, e.ID, err)
		}
		e.ValutaDate = &v
	}

	e.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q on entry %d: %w", amountStr, e.ID, err)
	}

	e.IsAnnounced = announced != 0
	e.CostNeutral = costNeutral != 0
	e.ArchivePlanOnBooking = archivePlan != 0
	e.Status = domain.EntryStatus(status)

	if secID.Valid {
		sec := domain.SecurityAssignment{
			SecurityID: secID.Int64,
			TxnType:    domain.SecurityTxnType(secType.String),
		}
		if sec.Quantity, err = decimalOrZero(secQty); err != nil {
			return nil, fmt.Errorf("corrupt security quantity on entry %d: %w", e.ID, err)
		}
		if sec.Fee, err = decimalOrZero(secFee); err != nil {
			return nil, fmt.Errorf("corrupt security fee on entry %d: %w", e.ID, err)
		}
		if sec.Tax, err = decimalOrZero(secTax); err != nil {
			return nil, fmt.Errorf("corrupt security tax on entry %d: %w", e.ID, err)
		}
		e.Security = &sec
	}

	return &e, nil
}

func decimalOrZero(s sql.NullString) (decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
