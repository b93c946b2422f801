package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PostingKind selects the dimension a posting belongs to
type PostingKind string

const (
	KindBank        PostingKind = "bank"
	KindContact     PostingKind = "contact"
	KindSavingsPlan PostingKind = "savings_plan"
	KindSecurity    PostingKind = "security"
)

// SecuritySubType refines security postings; empty for all other kinds
type SecuritySubType string

const (
	SubTypeNone     SecuritySubType = ""
	SubTypeBuy      SecuritySubType = "buy"
	SubTypeSell     SecuritySubType = "sell"
	SubTypeDividend SecuritySubType = "dividend"
	SubTypeFee      SecuritySubType = "fee"
	SubTypeTax      SecuritySubType = "tax"
)

// Dimension identifies what a posting is booked against: exactly one id,
// interpreted according to Kind. Modeled as a tagged pair instead of four
// nullable fields so that two populated dimensions cannot be represented.
type Dimension struct {
	Kind PostingKind `json:"kind"`
	ID   int64       `json:"id"`
}

// Posting is an immutable, append-only ledger row. Postings are created
// only by the booking engine and never mutated or deleted afterwards.
type Posting struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	SourceEntryID int64           `json:"source_entry_id"`
	GroupID       string          `json:"group_id,omitempty"` // Set at most once, first assignment wins
	Dimension     Dimension       `json:"dimension"`
	SubType       SecuritySubType `json:"security_sub_type,omitempty"`
	BookingDate   time.Time       `json:"booking_date"`
	ValutaDate    time.Time       `json:"valuta_date"`
	Amount        decimal.Decimal `json:"amount"`
	Subject       string          `json:"subject"`
	Recipient     string          `json:"recipient"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Period is the granularity of an aggregate bucket
type Period string

const (
	PeriodMonth    Period = "month"
	PeriodQuarter  Period = "quarter"
	PeriodHalfYear Period = "half_year"
	PeriodYear     Period = "year"
)

// Periods lists all granularities maintained by the aggregation engine
var Periods = []Period{PeriodMonth, PeriodQuarter, PeriodHalfYear, PeriodYear}

// DateBasis selects which date of a posting drives the period bucketing
type DateBasis string

const (
	BasisBooking DateBasis = "booking"
	BasisValuta  DateBasis = "valuta"
)

// DateBases lists both bucketing bases
var DateBases = []DateBasis{BasisBooking, BasisValuta}

// PeriodStart returns the first day of the period containing d
func PeriodStart(d time.Time, p Period) time.Time {
	year, month, _ := d.Date()

	switch p {
	case PeriodMonth:
		return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	case PeriodQuarter:
		firstMonth := ((month-1)/3)*3 + 1
		return time.Date(year, firstMonth, 1, 0, 0, 0, 0, time.UTC)
	case PeriodHalfYear:
		firstMonth := time.January
		if month >= time.July {
			firstMonth = time.July
		}
		return time.Date(year, firstMonth, 1, 0, 0, 0, 0, time.UTC)
	case PeriodYear:
		return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	}

	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

// AggregateKey is the identity of one materialized rolling sum.
// PeriodStart is the bucket's first day in YYYY-MM-DD form so the key is
// comparable and usable as a map key inside a unit of work.
type AggregateKey struct {
	Kind        PostingKind     `json:"kind"`
	DimensionID int64           `json:"dimension_id"`
	SubType     SecuritySubType `json:"security_sub_type"`
	Period      Period          `json:"period"`
	PeriodStart string          `json:"period_start"`
	Basis       DateBasis       `json:"date_basis"`
}

// KeyForPosting computes the aggregate key a posting contributes to for the
// given granularity and basis.
func KeyForPosting(p Posting, period Period, basis DateBasis) AggregateKey {
	date := p.BookingDate
	if basis == BasisValuta {
		date = p.ValutaDate
	}

	return AggregateKey{
		Kind:        p.Dimension.Kind,
		DimensionID: p.Dimension.ID,
		SubType:     p.SubType,
		Period:      period,
		PeriodStart: PeriodStart(date, period).Format(time.DateOnly),
		Basis:       basis,
	}
}

// PostingAggregate is a materialized rolling sum of postings
type PostingAggregate struct {
	Key    AggregateKey    `json:"key"`
	Amount decimal.Decimal `json:"amount"`
}
