package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a bank account. CurrentBalance is a cache over the bank-kind
// postings of the account; after creation only the aggregation engine
// writes it.
type Account struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	Name           string          `json:"name"`
	IBAN           string          `json:"iban"`
	Currency       string          `json:"currency"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	LastUpdated    time.Time       `json:"last_updated"`
}

// Contact is a counterparty entries can be classified against
type Contact struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ContactAlias is one match pattern belonging to a contact
type ContactAlias struct {
	ID               int64     `json:"id"`
	ContactID        int64     `json:"contact_id"`
	Pattern          string    `json:"pattern"`
	ContactCreatedAt time.Time `json:"contact_created_at"`
}

// SavingsPlan is a recurring saving target entries can be booked against
type SavingsPlan struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"user_id"`
	Name     string `json:"name"`
	Archived bool   `json:"archived"`
}

// Security is a tradeable instrument entries can be booked against
type Security struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	ISIN   string `json:"isin"`
}
