// Package directory provides lookups for accounts, contacts, savings plans
// and securities. Everything here is read-mostly; the only writers after
// initial creation are the account balance (aggregation engine) and the
// savings-plan archive flag (booking side effect).
package directory

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rhagen/kontor/internal/domain"
)

// Repository handles directory persistence in kontor.db
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new directory repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "directory").Logger(),
	}
}

// CreateAccount inserts a new account with a zero balance
func (r *Repository) CreateAccount(userID int64, name, iban, currency string) (int64, error) {
	if currency == "" {
		currency = "EUR"
	}

	res, err := r.db.Exec(
		`INSERT INTO accounts (user_id, name, iban, currency, current_balance, last_updated)
		 VALUES (?, ?, ?, ?, '0', ?)`,
		userID, name, iban, currency, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create account: %w", err)
	}
	return res.LastInsertId()
}

// AccountByID returns an account owned by the given user.
// Owner mismatches surface as domain.ErrNotFound.
func (r *Repository) AccountByID(userID, id int64) (*domain.Account, error) {
	row := r.db.QueryRow(
		`SELECT id, user_id, name, iban, currency, current_balance, last_updated
		 FROM accounts WHERE id = ? AND user_id = ?`,
		id, userID,
	)
	return scanAccount(row)
}

// AccountByIBAN returns the user's account matching an IBAN, or nil if none
// exists. Used for account detection during statement import.
func (r *Repository) AccountByIBAN(userID int64, iban string) (*domain.Account, error) {
	if iban == "" {
		return nil, nil
	}

	row := r.db.QueryRow(
		`SELECT id, user_id, name, iban, currency, current_balance, last_updated
		 FROM accounts WHERE user_id = ? AND iban = ?`,
		userID, iban,
	)
	acc, err := scanAccount(row)
	if err == domain.ErrNotFound {
		return nil, nil
	}
	return acc, err
}

// ListAccounts returns all accounts of a user
func (r *Repository) ListAccounts(userID int64) ([]domain.Account, error) {
	rows, err := r.db.Query(
		`SELECT id, user_id, name, iban, currency, current_balance, last_updated
		 FROM accounts WHERE user_id = ? ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccountRows(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

// AdjustBalanceTx adds delta to an account's cached balance inside the
// booking transaction.
func (r *Repository) AdjustBalanceTx(tx *sql.Tx, accountID int64, delta decimal.Decimal) error {
	var balanceStr string
	err := tx.QueryRow("SELECT current_balance FROM accounts WHERE id = ?", accountID).Scan(&balanceStr)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read balance of account %d: %w", accountID, err)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return fmt.Errorf("corrupt balance %q on account %d: %w", balanceStr, accountID, err)
	}

	newBalance := balance.Add(delta)
	_, err = tx.Exec(
		"UPDATE accounts SET current_balance = ?, last_updated = ? WHERE id = ?",
		newBalance.String(), time.Now().Unix(), accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance of account %d: %w", accountID, err)
	}
	return nil
}

// SetBalanceIfChanged writes a recomputed balance, touching last_updated only
// when the value actually differs. Used by the aggregate rebuild so accounts
// whose balance was already correct keep their metadata.
func (r *Repository) SetBalanceIfChanged(accountID int64, balance decimal.Decimal) (bool, error) {
	var currentStr string
	err := r.db.QueryRow("SELECT current_balance FROM accounts WHERE id = ?", accountID).Scan(&currentStr)
	if err == sql.ErrNoRows {
		return false, domain.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read balance of account %d: %w", accountID, err)
	}

	current, err := decimal.NewFromString(currentStr)
	if err != nil {
		return false, fmt.Errorf("corrupt balance %q on account %d: %w", currentStr, accountID, err)
	}

	if current.Equal(balance) {
		return false, nil
	}

	_, err = r.db.Exec(
		"UPDATE accounts SET current_balance = ?, last_updated = ? WHERE id = ?",
		balance.String(), time.Now().Unix(), accountID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update balance of account %d: %w", accountID, err)
	}

	r.log.Debug().
		Int64("account_id", accountID).
		Str("balance", balance.String()).
		Msg("Rewrote account balance")

	return true, nil
}

// CreateContact inserts a new contact
func (r *Repository) CreateContact(userID int64, name string) (int64, error) {
	res, err := r.db.Exec(
		"INSERT INTO contacts (user_id, name, created_at) VALUES (?, ?, ?)",
		userID, name, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create contact: %w", err)
	}
	return res.LastInsertId()
}

// ContactByID returns a contact owned by the given user
func (r *Repository) ContactByID(userID, id int64) (*domain.Contact, error) {
	var c domain.Contact
	var createdAt int64
	err := r.db.QueryRow(
		"SELECT id, user_id, name, created_at FROM contacts WHERE id = ? AND user_id = ?",
		id, userID,
	).Scan(&c.ID, &c.UserID, &c.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact %d: %w", id, err)
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &c, nil
}

// AddAlias attaches a match pattern to a contact
func (r *Repository) AddAlias(contactID int64, pattern string) (int64, error) {
	res, err := r.db.Exec(
		"INSERT INTO contact_aliases (contact_id, pattern) VALUES (?, ?)",
		contactID, pattern,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add alias: %w", err)
	}
	return res.LastInsertId()
}

// AliasesByUser returns every alias pattern of every contact the user owns,
// joined with the contact's creation time for classifier tie-breaking.
func (r *Repository) AliasesByUser(userID int64) ([]domain.ContactAlias, error) {
	rows, err := r.db.Query(
		`SELECT a.id, a.contact_id, a.pattern, c.created_at
		 FROM contact_aliases a
		 JOIN contacts c ON c.id = a.contact_id
		 WHERE c.user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query aliases: %w", err)
	}
	defer rows.Close()

	var aliases []domain.ContactAlias
	for rows.Next() {
		var a domain.ContactAlias
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.ContactID, &a.Pattern, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		a.ContactCreatedAt = time.Unix(createdAt, 0).UTC()
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// CreateSavingsPlan inserts a new savings plan
func (r *Repository) CreateSavingsPlan(userID int64, name string) (int64, error) {
	res, err := r.db.Exec(
		"INSERT INTO savings_plans (user_id, name, archived) VALUES (?, ?, 0)",
		userID, name,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create savings plan: %w", err)
	}
	return res.LastInsertId()
}

// SavingsPlanByID returns a savings plan owned by the given user
func (r *Repository) SavingsPlanByID(userID, id int64) (*domain.SavingsPlan, error) {
	var p domain.SavingsPlan
	var archived int
	err := r.db.QueryRow(
		"SELECT id, user_id, name, archived FROM savings_plans WHERE id = ? AND user_id = ?",
		id, userID,
	).Scan(&p.ID, &p.UserID, &p.Name, &archived)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get savings plan %d: %w", id, err)
	}
	p.Archived = archived != 0
	return &p, nil
}

// ArchiveSavingsPlanTx archives a savings plan inside the booking transaction
func (r *Repository) ArchiveSavingsPlanTx(tx *sql.Tx, planID int64) error {
	_, err := tx.Exec("UPDATE savings_plans SET archived = 1 WHERE id = ?", planID)
	if err != nil {
		return fmt.Errorf("failed to archive savings plan %d: %w", planID, err)
	}
	return nil
}

// CreateSecurity inserts a new security
func (r *Repository) CreateSecurity(userID int64, name, isin string) (int64, error) {
	res, err := r.db.Exec(
		"INSERT INTO securities (user_id, name, isin) VALUES (?, ?, ?)",
		userID, name, isin,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create security: %w", err)
	}
	return res.LastInsertId()
}

// SecurityByID returns a security owned by the given user
func (r *Repository) SecurityByID(userID, id int64) (*domain.Security, error) {
	var s domain.Security
	err := r.db.QueryRow(
		"SELECT id, user_id, name, isin FROM securities WHERE id = ? AND user_id = ?",
		id, userID,
	).Scan(&s.ID, &s.UserID, &s.Name, &s.ISIN)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security %d: %w", id, err)
	}
	return &s, nil
}

// OwnedDimensionIDs returns every dimension id the user owns, per kind.
// The aggregate rebuild uses this to scope its bulk delete and resummation.
func (r *Repository) OwnedDimensionIDs(userID int64) (map[domain.PostingKind][]int64, error) {
	queries := map[domain.PostingKind]string{
		domain.KindBank:        "SELECT id FROM accounts WHERE user_id = ?",
		domain.KindContact:     "SELECT id FROM contacts WHERE user_id = ?",
		domain.KindSavingsPlan: "SELECT id FROM savings_plans WHERE user_id = ?",
		domain.KindSecurity:    "SELECT id FROM securities WHERE user_id = ?",
	}

	owned := make(map[domain.PostingKind][]int64, len(queries))
	for kind, query := range queries {
		rows, err := r.db.Query(query, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s dimension ids: %w", kind, err)
		}

		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan %s dimension id: %w", kind, err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error iterating %s dimension ids: %w", kind, err)
		}
		rows.Close()
		owned[kind] = ids
	}

	return owned, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row *sql.Row) (*domain.Account, error) {
	acc, err := scanAccountFrom(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return acc, err
}

func scanAccountRows(rows *sql.Rows) (*domain.Account, error) {
	return scanAccountFrom(rows)
}

func scanAccountFrom(s rowScanner) (*domain.Account, error) {
	var acc domain.Account
	var balanceStr string
	var lastUpdated int64

	err := s.Scan(&acc.ID, &acc.UserID, &acc.Name, &acc.IBAN, &acc.Currency, &balanceStr, &lastUpdated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	acc.CurrentBalance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt balance %q on account %d: %w", balanceStr, acc.ID, err)
	}
	acc.LastUpdated = time.Unix(lastUpdated, 0).UTC()
	return &acc, nil
}
