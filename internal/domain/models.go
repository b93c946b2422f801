// Package domain provides core domain models and types.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DraftStatus represents the lifecycle state of a draft
type DraftStatus string

const (
	DraftStatusDraft     DraftStatus = "draft"
	DraftStatusCommitted DraftStatus = "committed"
	DraftStatusExpired   DraftStatus = "expired"
)

// EntryStatus represents the lifecycle state of a draft entry
type EntryStatus string

const (
	EntryStatusOpen      EntryStatus = "open"
	EntryStatusAnnounced EntryStatus = "announced"
	EntryStatusAccounted EntryStatus = "accounted"
	EntryStatusBooked    EntryStatus = "booked"   // Terminal, set only by the booking engine
	EntryStatusExcluded  EntryStatus = "excluded" // Deliberately left out of booking; reversible via ResetOpen
)

// SecurityTxnType represents the type of a security transaction
type SecurityTxnType string

const (
	SecurityTxnBuy      SecurityTxnType = "buy"
	SecurityTxnSell     SecurityTxnType = "sell"
	SecurityTxnDividend SecurityTxnType = "dividend"
)

// Header describes one parsed statement file, as delivered by a statement
// file reader. The core never sees raw bytes.
type Header struct {
	FileName  string    `json:"file_name"`
	IBAN      string    `json:"iban"`
	Statement string    `json:"statement"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

// Movement is one parsed statement row used to seed a draft entry.
type Movement struct {
	BookingDate time.Time       `json:"booking_date"`
	ValutaDate  *time.Time      `json:"valuta_date,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Subject     string          `json:"subject"`
	Recipient   string          `json:"recipient"`
	Description string          `json:"description"`
	Currency    string          `json:"currency"`
	IsPreview   bool            `json:"is_preview"` // Pre-notified movement, not yet value-dated
}

// Draft is one statement-import unit holding candidate entries.
type Draft struct {
	ID          int64       `json:"id"`
	UserID      int64       `json:"user_id"`
	FileName    string      `json:"file_name"`
	Description string      `json:"description"`
	AccountID   *int64      `json:"account_id,omitempty"` // Detected account, set once
	Status      DraftStatus `json:"status"`
	UploadGroup string      `json:"upload_group,omitempty"` // Links drafts of one physical upload
	CreatedAt   time.Time   `json:"created_at"`

	// Split linkage. Set only at creation of a split draft, immutable after.
	// A child always points backwards at an existing parent, so the
	// parent/child relation cannot form a cycle.
	ParentDraftID     *int64           `json:"parent_draft_id,omitempty"`
	ParentEntryID     *int64           `json:"parent_entry_id,omitempty"`
	ParentEntryAmount *decimal.Decimal `json:"parent_entry_amount,omitempty"`
}

// IsSplitDraft reports whether this draft was spawned from a parent entry
func (d *Draft) IsSplitDraft() bool {
	return d.ParentDraftID != nil
}

// SetAccount assigns the detected account. The detection is set-once.
func (d *Draft) SetAccount(accountID int64) error {
	if d.AccountID != nil {
		return ErrInvalidState
	}
	d.AccountID = &accountID
	return nil
}

// MarkCommitted moves the draft to its terminal committed state.
// The caller is responsible for ensuring all entries are settled.
func (d *Draft) MarkCommitted() error {
	if d.Status != DraftStatusDraft {
		return ErrInvalidState
	}
	d.Status = DraftStatusCommitted
	return nil
}

// Expire moves an abandoned draft to its terminal expired state
func (d *Draft) Expire() error {
	if d.Status != DraftStatusDraft {
		return ErrInvalidState
	}
	d.Status = DraftStatusExpired
	return nil
}

// SecurityAssignment holds the security classification of an entry.
// All fields live and die together: clearing the security id clears
// transaction type, quantity, fee and tax as well.
type SecurityAssignment struct {
	SecurityID int64           `json:"security_id"`
	TxnType    SecurityTxnType `json:"txn_type"`
	Quantity   decimal.Decimal `json:"quantity"`
	Fee        decimal.Decimal `json:"fee"`
	Tax        decimal.Decimal `json:"tax"`
}

// DraftEntry is one candidate transaction row owned by exactly one draft.
type DraftEntry struct {
	ID          int64           `json:"id"`
	DraftID     int64           `json:"draft_id"`
	BookingDate time.Time       `json:"booking_date"`
	ValutaDate  *time.Time      `json:"valuta_date,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Subject     string          `json:"subject"`
	Recipient   string          `json:"recipient"`
	Currency    string          `json:"currency"`
	BookingText string          `json:"booking_text"`
	IsAnnounced bool            `json:"is_announced"` // Immutable after creation
	CostNeutral bool            `json:"is_cost_neutral"`
	Status      EntryStatus     `json:"status"`

	ContactID            *int64              `json:"contact_id,omitempty"`
	SavingsPlanID        *int64              `json:"savings_plan_id,omitempty"`
	ArchivePlanOnBooking bool                `json:"archive_plan_on_booking"`
	SplitDraftID         *int64              `json:"split_draft_id,omitempty"`
	Security             *SecurityAssignment `json:"security,omitempty"`
}

// baseStatus is the status an unclassified entry falls back to
func (e *DraftEntry) baseStatus() EntryStatus {
	if e.IsAnnounced {
		return EntryStatusAnnounced
	}
	return EntryStatusOpen
}

// EffectiveValutaDate returns the valuta date, falling back to the booking
// date when the statement did not carry one.
func (e *DraftEntry) EffectiveValutaDate() time.Time {
	if e.ValutaDate != nil {
		return *e.ValutaDate
	}
	return e.BookingDate
}

// AssignContact sets the contact and moves the entry to accounted.
// IsAnnounced is not touched; it records how the row arrived, not how
// it was classified.
func (e *DraftEntry) AssignContact(contactID int64) error {
	if e.Status == EntryStatusBooked {
		return ErrInvalidState
	}
	e.ContactID = &contactID
	e.Status = EntryStatusAccounted
	return nil
}

// ClearContact removes the contact assignment and reverts the status to
// announced or open. Clearing a booked entry is rejected.
func (e *DraftEntry) ClearContact() error {
	if e.Status == EntryStatusBooked {
		return ErrInvalidState
	}
	e.ContactID = nil
	e.Status = e.baseStatus()
	return nil
}

// ResetOpen forces the entry back to its unclassified state and clears the
// cost-neutral flag. Used when a user backs out of classification.
func (e *DraftEntry) ResetOpen() error {
	if e.Status == EntryStatusBooked {
		return ErrInvalidState
	}
	e.ContactID = nil
	e.CostNeutral = false
	e.Status = e.baseStatus()
	return nil
}

// AssignSavingsPlan sets the savings plan assignment
func (e *DraftEntry) AssignSavingsPlan(planID int64, archiveOnBooking bool) error {
	if e.Status == EntryStatusBooked {
		return ErrInvalidState
	}
	e.SavingsPlanID = &planID
	e.ArchivePlanOnBooking = archiveOnBooking
	return nil
}

// ClearSavingsPlan removes the savings plan assignment
func (e *DraftEntry) ClearSavingsPlan() error {
	if e.Status == EntryStatusBooked {
		return ErrInvalidState
	}
	e.SavingsPlanID = nil
	e.ArchivePlanOnBooking = false
	return nil
}

// AssignSplitDraft links the entry to its child split draft. The linkage is
// exclusive and set-once: an entry cannot be split twice, and an entry with
// a security assignment cannot be split at all.
func (e *DraftEntry) AssignSplitDraft(childDraftID int64) error {
	if e.Status == EntryStatusBooked {
		return ErrInvalidState
	}
	if e.SplitDraftID != nil {
		return ErrAlreadyLinked
	}
	if e.Security != nil {
		return ErrConflictingAssignment
	}
	e.SplitDraftID = &childDraftID
	return nil
}

// ClearSplitDraft removes the split linkage. Only possible before booking.
func (e *DraftEntry) ClearSplitDraft() error {
	if e.Status == EntryStatusBooked {
		return ErrInvalidState
	}
	e.SplitDraftID = nil
	return nil
}

// AssignSecurity sets the security classification of the entry
func (e *DraftEntry) AssignSecurity(sec SecurityAssignment) error {
	if e.Status == EntryStatusBooked {
		return ErrInvalidState
	}
	if e.SplitDraftID != nil {
		return ErrConflictingAssignment
	}
	e.Security = &sec
	return nil
}

// ClearSecurity removes the security assignment including transaction type,
// quantity, fee and tax.
func (e *DraftEntry) ClearSecurity() error {
	if e.Status == EntryStatusBooked {
		return ErrInvalidState
	}
	e.Security = nil
	return nil
}

// MarkExcluded takes the entry out of the booking scope of its draft
// without deleting the statement row. An excluded entry satisfies the
// commit gate of its draft. Reversible via ResetOpen until the draft
// commits; a booked entry cannot be excluded.
func (e *DraftEntry) MarkExcluded() error {
	if e.Status == EntryStatusBooked {
		return ErrInvalidState
	}
	e.Status = EntryStatusExcluded
	return nil
}

// MarkBooked is the terminal transition, reachable only from the booking engine
func (e *DraftEntry) MarkBooked() error {
	if e.Status == EntryStatusBooked {
		return ErrInvalidState
	}
	e.Status = EntryStatusBooked
	return nil
}
