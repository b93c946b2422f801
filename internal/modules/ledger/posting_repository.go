// Package ledger persists the immutable posting ledger and its
// materialized aggregates. Postings are append-only: there is no update
// or delete path apart from the set-once group assignment.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rhagen/kontor/internal/domain"
)

// PostingRepository handles posting persistence in kontor.db
type PostingRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPostingRepository creates a new posting repository
func NewPostingRepository(db *sql.DB, log zerolog.Logger) *PostingRepository {
	return &PostingRepository{
		db:  db,
		log: log.With().Str("repo", "postings").Logger(),
	}
}

// InsertTx appends a posting inside the booking transaction and fills in
// its id and creation time.
func (r *PostingRepository) InsertTx(tx *sql.Tx, p *domain.Posting) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	res, err := tx.Exec(
		`INSERT INTO postings (user_id, source_entry_id, group_id, kind, dimension_id,
		                       security_sub_type, booking_date, valuta_date, amount,
		                       subject, recipient, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.SourceEntryID, nullString(p.GroupID), string(p.Dimension.Kind), p.Dimension.ID,
		string(p.SubType), p.BookingDate.Format(time.DateOnly), p.ValutaDate.Format(time.DateOnly),
		p.Amount.String(), p.Subject, p.Recipient, p.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert posting: %w", err)
	}

	p.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get posting id: %w", err)
	}
	return nil
}

// AssignGroupTx sets the posting's group id if none is set yet. First
// assignment wins; repeating the call leaves the original group untouched
// and reports false.
func (r *PostingRepository) AssignGroupTx(tx *sql.Tx, postingID int64, groupID string) (bool, error) {
	res, err := tx.Exec(
		"UPDATE postings SET group_id = ? WHERE id = ? AND group_id IS NULL",
		groupID, postingID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to assign group to posting %d: %w", postingID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetByID returns a posting owned by the given user
func (r *PostingRepository) GetByID(userID, id int64) (*domain.Posting, error) {
	row := r.db.QueryRow(postingSelect+" WHERE id = ? AND user_id = ?", id, userID)
	return scanPosting(row)
}

// ListByEntry returns every posting produced by one draft entry
func (r *PostingRepository) ListByEntry(userID, entryID int64) ([]domain.Posting, error) {
	rows, err := r.db.Query(
		postingSelect+" WHERE user_id = ? AND source_entry_id = ? ORDER BY id",
		userID, entryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query postings of entry %d: %w", entryID, err)
	}
	defer rows.Close()
	return collectPostings(rows)
}

// ListByGroup returns every posting of one ledger group
func (r *PostingRepository) ListByGroup(userID int64, groupID string) ([]domain.Posting, error) {
	rows, err := r.db.Query(
		postingSelect+" WHERE user_id = ? AND group_id = ? ORDER BY id",
		userID, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query postings of group %s: %w", groupID, err)
	}
	defer rows.Close()
	return collectPostings(rows)
}

// CountByUser returns the number of postings a user owns
func (r *PostingRepository) CountByUser(userID int64) (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM postings WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count postings: %w", err)
	}
	return count, nil
}

// ForEachByUser streams every posting of a user in insertion order.
// Used by the aggregate rebuild to resum without loading the whole ledger
// into memory at once.
func (r *PostingRepository) ForEachByUser(userID int64, fn func(domain.Posting) error) error {
	rows, err := r.db.Query(postingSelect+" WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return fmt.Errorf("failed to stream postings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return err
		}
		if err := fn(*p); err != nil {
			return err
		}
	}
	return rows.Err()
}

const postingSelect = `
	SELECT id, user_id, source_entry_id, group_id, kind, dimension_id, security_sub_type,
	       booking_date, valuta_date, amount, subject, recipient, created_at
	FROM postings`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosting(s rowScanner) (*domain.Posting, error) {
	var p domain.Posting
	var groupID sql.NullString
	var kind, subType, bookingDate, valutaDate, amountStr string
	var createdAt int64

	err := s.Scan(&p.ID, &p.UserID, &p.SourceEntryID, &groupID, &kind, &p.Dimension.ID, &subType,
		&bookingDate, &valutaDate, &amountStr, &p.Subject, &p.Recipient, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan posting: %w", err)
	}

	p.GroupID = groupID.String
	p.Dimension.Kind = domain.PostingKind(kind)
	p.SubType = domain.SecuritySubType(subType)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()

	if p.BookingDate, err = time.Parse(time.DateOnly, bookingDate); err != nil {
		return nil, fmt.Errorf("corrupt booking date %q on posting %d: %w", bookingDate, p.ID, err)
	}
	if p.ValutaDate, err = time.Parse(time.DateOnly, valutaDate); err != nil {
		return nil, fmt.Errorf("corrupt valuta date %q on posting %d: %w", valutaDate, p.ID, err)
	}
	if p.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("corrupt amount %q on posting %d: %w", amountStr, p.ID, err)
	}

	return &p, nil
}

func collectPostings(rows *sql.Rows) ([]domain.Posting, error) {
	var postings []domain.Posting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		postings = append(postings, *p)
	}
	return postings, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
