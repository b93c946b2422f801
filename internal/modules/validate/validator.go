// Package validate runs the booking rule set over drafts and entries.
// Every rule is evaluated independently so one pass surfaces the full
// picture; there is no short-circuiting on the first failure.
package validate

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rhagen/kontor/internal/domain"
	"github.com/rhagen/kontor/internal/modules/directory"
	"github.com/rhagen/kontor/internal/modules/drafts"
)

// Severity of a report item
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Rule codes
const (
	CodeDraftNotOpen       = "draft_not_open"
	CodeAlreadyBooked      = "already_booked"
	CodeEntryExcluded      = "entry_excluded"
	CodeZeroAmount         = "zero_amount"
	CodeNoAccount          = "no_account"
	CodeNoDimension        = "no_dimension"
	CodeDimensionNotFound  = "dimension_not_found"
	CodeSecurityIncomplete = "security_incomplete"
	CodeSplitNotCommitted  = "split_not_committed"
	CodePlanArchived       = "plan_archived"
	CodeCurrencyMismatch   = "currency_mismatch"
)

// Item is one finding of a validation run
type Item struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	EntryID  int64    `json:"entry_id,omitempty"`
}

// Report is the structured result of a validation run
type Report struct {
	Items []Item `json:"items"`
}

// IsValid reports whether the run produced no error-severity items.
// Warnings are informational and do not invalidate.
func (r Report) IsValid() bool {
	for _, item := range r.Items {
		if item.Severity == SeverityError {
			return false
		}
	}
	return true
}

// HasWarnings reports whether any warning-severity items exist
func (r Report) HasWarnings() bool {
	for _, item := range r.Items {
		if item.Severity == SeverityWarning {
			return true
		}
	}
	return false
}

func (r *Report) add(severity Severity, code, message string, entryID int64) {
	r.Items = append(r.Items, Item{Code: code, Severity: severity, Message: message, EntryID: entryID})
}

// Validator evaluates the booking rule set
type Validator struct {
	drafts    *drafts.Repository
	directory *directory.Repository
	log       zerolog.Logger
}

// NewValidator creates a new validator
func NewValidator(d *drafts.Repository, dir *directory.Repository, log zerolog.Logger) *Validator {
	return &Validator{
		drafts:    d,
		directory: dir,
		log:       log.With().Str("service", "validate").Logger(),
	}
}

// ValidateDraft runs the rule set over every entry of a draft
func (v *Validator) ValidateDraft(userID int64, draft *domain.Draft, entries []domain.DraftEntry) (Report, error) {
	var report Report
	for i := range entries {
		entryReport, err := v.ValidateEntry(userID, draft, &entries[i])
		if err != nil {
			return Report{}, err
		}
		report.Items = append(report.Items, entryReport.Items...)
	}
	return report, nil
}

// ValidateEntry runs the rule set over a single entry. The returned error
// is reserved for infrastructure failures; rule findings land in the report.
func (v *Validator) ValidateEntry(userID int64, draft *domain.Draft, entry *domain.DraftEntry) (Report, error) {
	var report Report

	// A terminated draft can never book again. Committed and expired are
	// both terminal, so entries inside them are off limits.
	if draft.Status != domain.DraftStatusDraft {
		report.add(SeverityError, CodeDraftNotOpen,
			fmt.Sprintf("draft is %s, not open for booking", draft.Status), entry.ID)
	}

	// Duplicate-booking guard: a booked entry can never validate into a
	// bookable state again.
	if entry.Status == domain.EntryStatusBooked {
		report.add(SeverityError, CodeAlreadyBooked,
			"entry is already booked", entry.ID)
	}

	if entry.Status == domain.EntryStatusExcluded {
		report.add(SeverityError, CodeEntryExcluded,
			"entry is excluded from booking", entry.ID)
	}

	if entry.Amount.IsZero() && !entry.CostNeutral {
		report.add(SeverityError, CodeZeroAmount,
			"amount is zero and entry is not cost-neutral", entry.ID)
	}

	if draft.AccountID == nil {
		report.add(SeverityError, CodeNoAccount,
			"draft has no detected account", entry.ID)
	} else if err := v.checkAccount(userID, draft, entry, &report); err != nil {
		return Report{}, err
	}

	hasDimension := entry.ContactID != nil || entry.SavingsPlanID != nil ||
		entry.Security != nil || entry.SplitDraftID != nil
	if !hasDimension && !entry.CostNeutral {
		report.add(SeverityError, CodeNoDimension,
			"no contact, savings plan, security or split assigned and entry is not cost-neutral", entry.ID)
	}

	if err := v.checkContact(userID, entry, &report); err != nil {
		return Report{}, err
	}
	if err := v.checkSavingsPlan(userID, entry, &report); err != nil {
		return Report{}, err
	}
	if err := v.checkSecurity(userID, entry, &report); err != nil {
		return Report{}, err
	}
	if err := v.checkSplit(userID, entry, &report); err != nil {
		return Report{}, err
	}

	return report, nil
}

func (v *Validator) checkAccount(userID int64, draft *domain.Draft, entry *domain.DraftEntry, report *Report) error {
	account, err := v.directory.AccountByID(userID, *draft.AccountID)
	if errors.Is(err, domain.ErrNotFound) {
		report.add(SeverityError, CodeDimensionNotFound,
			fmt.Sprintf("account %d does not exist", *draft.AccountID), entry.ID)
		return nil
	}
	if err != nil {
		return err
	}

	if entry.Currency != "" && entry.Currency != account.Currency {
		report.add(SeverityWarning, CodeCurrencyMismatch,
			fmt.Sprintf("entry currency %s differs from account currency %s", entry.Currency, account.Currency),
			entry.ID)
	}
	return nil
}

func (v *Validator) checkContact(userID int64, entry *domain.DraftEntry, report *Report) error {
	if entry.ContactID == nil {
		return nil
	}
	_, err := v.directory.ContactByID(userID, *entry.ContactID)
	if errors.Is(err, domain.ErrNotFound) {
		report.add(SeverityError, CodeDimensionNotFound,
			fmt.Sprintf("contact %d does not exist", *entry.ContactID), entry.ID)
		return nil
	}
	return err
}

func (v *Validator) checkSavingsPlan(userID int64, entry *domain.DraftEntry, report *Report) error {
	if entry.SavingsPlanID == nil {
		return nil
	}
	plan, err := v.directory.SavingsPlanByID(userID, *entry.SavingsPlanID)
	if errors.Is(err, domain.ErrNotFound) {
		report.add(SeverityError, CodeDimensionNotFound,
			fmt.Sprintf("savings plan %d does not exist", *entry.SavingsPlanID), entry.ID)
		return nil
	}
	if err != nil {
		return err
	}

	if plan.Archived {
		report.add(SeverityWarning, CodePlanArchived,
			fmt.Sprintf("savings plan %q is archived", plan.Name), entry.ID)
	}
	return nil
}

// checkSecurity validates the security assignment coherence. The orphan-field
// invariant (quantity/fee/tax without a security id) cannot be represented by
// domain.SecurityAssignment at all; clearing the id clears the whole value.
func (v *Validator) checkSecurity(userID int64, entry *domain.DraftEntry, report *Report) error {
	sec := entry.Security
	if sec == nil {
		return nil
	}

	_, err := v.directory.SecurityByID(userID, sec.SecurityID)
	if errors.Is(err, domain.ErrNotFound) {
		report.add(SeverityError, CodeDimensionNotFound,
			fmt.Sprintf("security %d does not exist", sec.SecurityID), entry.ID)
	} else if err != nil {
		return err
	}

	switch sec.TxnType {
	case domain.SecurityTxnBuy, domain.SecurityTxnSell:
		if sec.Quantity.IsNegative() {
			report.add(SeverityError, CodeSecurityIncomplete,
				"buy/sell security transactions require a non-negative quantity", entry.ID)
		}
	case domain.SecurityTxnDividend:
		// No quantity requirement
	default:
		report.add(SeverityError, CodeSecurityIncomplete,
			"security assignment requires a transaction type", entry.ID)
	}

	return nil
}

// checkSplit gates the parent entry on its child draft: a split-linked
// entry is only bookable once the child is committed. Always a hard error,
// never a warning.
func (v *Validator) checkSplit(userID int64, entry *domain.DraftEntry, report *Report) error {
	if entry.SplitDraftID == nil {
		return nil
	}

	child, err := v.drafts.GetDraft(userID, *entry.SplitDraftID)
	if errors.Is(err, domain.ErrNotFound) {
		report.add(SeverityError, CodeSplitNotCommitted,
			fmt.Sprintf("split draft %d does not exist", *entry.SplitDraftID), entry.ID)
		return nil
	}
	if err != nil {
		return err
	}

	if child.Status != domain.DraftStatusCommitted {
		report.add(SeverityError, CodeSplitNotCommitted,
			fmt.Sprintf("split draft %d is not committed yet", child.ID), entry.ID)
	}
	return nil
}
