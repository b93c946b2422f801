package drafts

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rhagen/kontor/internal/domain"
	"github.com/rhagen/kontor/internal/modules/directory"
)

// Importer seeds drafts from parsed statement files. The statement file
// reader (an external collaborator) has already turned raw bytes into a
// header plus ordered movements; the importer only persists them.
type Importer struct {
	drafts    *Repository
	directory *directory.Repository
	log       zerolog.Logger
}

// NewImporter creates a new statement importer
func NewImporter(drafts *Repository, dir *directory.Repository, log zerolog.Logger) *Importer {
	return &Importer{
		drafts:    drafts,
		directory: dir,
		log:       log.With().Str("service", "import").Logger(),
	}
}

// Statement is one parsed file of an upload
type Statement struct {
	Header    domain.Header     `json:"header"`
	Movements []domain.Movement `json:"movements"`
}

// Import creates one draft per statement. All drafts of the call share a
// fresh upload-group id. When the header IBAN matches one of the user's
// accounts the draft's account is detected up front.
func (i *Importer) Import(userID int64, statements []Statement) ([]domain.Draft, error) {
	uploadGroup := uuid.New().String()

	created := make([]domain.Draft, 0, len(statements))
	for _, stmt := range statements {
		draft, err := i.importStatement(userID, uploadGroup, stmt)
		if err != nil {
			return created, err
		}
		created = append(created, *draft)
	}

	i.log.Info().
		Int64("user_id", userID).
		Str("upload_group", uploadGroup).
		Int("drafts", len(created)).
		Msg("Imported statement upload")

	return created, nil
}

func (i *Importer) importStatement(userID int64, uploadGroup string, stmt Statement) (*domain.Draft, error) {
	draft := &domain.Draft{
		UserID:      userID,
		FileName:    stmt.Header.FileName,
		Description: stmt.Header.Statement,
		UploadGroup: uploadGroup,
	}

	account, err := i.directory.AccountByIBAN(userID, stmt.Header.IBAN)
	if err != nil {
		return nil, fmt.Errorf("account detection failed for %s: %w", stmt.Header.FileName, err)
	}
	if account != nil {
		draft.AccountID = &account.ID
	}

	if _, err := i.drafts.CreateDraft(draft); err != nil {
		return nil, err
	}

	for _, m := range stmt.Movements {
		entry := &domain.DraftEntry{
			DraftID:     draft.ID,
			BookingDate: m.BookingDate,
			ValutaDate:  m.ValutaDate,
			Amount:      m.Amount,
			Subject:     m.Subject,
			Recipient:   m.Recipient,
			Currency:    m.Currency,
			BookingText: m.Description,
			IsAnnounced: m.IsPreview,
		}
		if _, err := i.drafts.CreateEntry(entry); err != nil {
			return nil, fmt.Errorf("failed to create entry for %s: %w", stmt.Header.FileName, err)
		}
	}

	return draft, nil
}
