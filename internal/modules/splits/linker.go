// Package splits creates and clears the parent/child linkage that divides
// one lump statement row into separately bookable parts. A child draft is
// always created after its parent and only ever points backwards at it, so
// the relation stays acyclic by construction.
package splits

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rhagen/kontor/internal/domain"
	"github.com/rhagen/kontor/internal/modules/drafts"
)

// Part describes one intended sub-entry of a split
type Part struct {
	Amount  decimal.Decimal `json:"amount"`
	Subject string          `json:"subject"`
}

// Linker manages split drafts
type Linker struct {
	drafts *drafts.Repository
	log    zerolog.Logger
}

// NewLinker creates a new split linker
func NewLinker(d *drafts.Repository, log zerolog.Logger) *Linker {
	return &Linker{
		drafts: d,
		log:    log.With().Str("service", "splits").Logger(),
	}
}

// CreateSplit spawns a child draft from one entry of a parent draft and
// links the entry to it. Each part becomes one entry of the child draft,
// pre-seeded from the parent entry's metadata. The parts may sum to
// something other than the parent amount while the split is in progress;
// the validator blocks booking the parent until the child is committed.
func (l *Linker) CreateSplit(userID, draftID, entryID int64, parts []Part) (*domain.Draft, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("a split needs at least one part")
	}

	parent, err := l.drafts.GetDraft(userID, draftID)
	if err != nil {
		return nil, err
	}

	entry, err := l.drafts.GetEntry(userID, entryID)
	if err != nil {
		return nil, err
	}
	if entry.DraftID != draftID {
		return nil, domain.ErrNotFound
	}

	// Reject up front what AssignSplitDraft would reject after the child
	// exists, so a failed linkage never leaves an orphan child draft.
	if entry.Status == domain.EntryStatusBooked {
		return nil, domain.ErrInvalidState
	}
	if entry.SplitDraftID != nil {
		return nil, domain.ErrAlreadyLinked
	}
	if entry.Security != nil {
		return nil, domain.ErrConflictingAssignment
	}

	parentAmount := entry.Amount
	child := &domain.Draft{
		UserID:            userID,
		FileName:          parent.FileName,
		Description:       fmt.Sprintf("Split of entry %d: %s", entry.ID, entry.Subject),
		AccountID:         parent.AccountID,
		UploadGroup:       parent.UploadGroup,
		ParentDraftID:     &parent.ID,
		ParentEntryID:     &entry.ID,
		ParentEntryAmount: &parentAmount,
	}
	if _, err := l.drafts.CreateDraft(child); err != nil {
		return nil, err
	}

	for _, part := range parts {
		subject := part.Subject
		if subject == "" {
			subject = entry.Subject
		}
		childEntry := &domain.DraftEntry{
			DraftID:     child.ID,
			BookingDate: entry.BookingDate,
			ValutaDate:  entry.ValutaDate,
			Amount:      part.Amount,
			Subject:     subject,
			Recipient:   entry.Recipient,
			Currency:    entry.Currency,
			BookingText: entry.BookingText,
		}
		if _, err := l.drafts.CreateEntry(childEntry); err != nil {
			return nil, fmt.Errorf("failed to create split part: %w", err)
		}
	}

	if err := l.drafts.AssignSplitDraft(userID, entryID, child.ID); err != nil {
		return nil, err
	}

	l.log.Info().
		Int64("parent_draft", draftID).
		Int64("parent_entry", entryID).
		Int64("child_draft", child.ID).
		Int("parts", len(parts)).
		Msg("Created split draft")

	return child, nil
}

// ClearSplit removes the linkage between an entry and its child draft.
// Only possible before the entry is booked; afterwards the linkage is
// immutable. The child draft itself is left alone (it is expired by the
// retention job if abandoned).
func (l *Linker) ClearSplit(userID, entryID int64) error {
	entry, err := l.drafts.GetEntry(userID, entryID)
	if err != nil {
		return err
	}
	if entry.SplitDraftID == nil {
		return nil
	}

	if err := l.drafts.ClearSplitDraft(userID, entryID); err != nil {
		return err
	}

	l.log.Info().
		Int64("entry_id", entryID).
		Int64("child_draft", *entry.SplitDraftID).
		Msg("Cleared split linkage")

	return nil
}
