package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPeriodStart(t *testing.T) {
	d := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "2024-03-01", PeriodStart(d, PeriodMonth).Format(time.DateOnly))
	assert.Equal(t, "2024-01-01", PeriodStart(d, PeriodQuarter).Format(time.DateOnly))
	assert.Equal(t, "2024-01-01", PeriodStart(d, PeriodHalfYear).Format(time.DateOnly))
	assert.Equal(t, "2024-01-01", PeriodStart(d, PeriodYear).Format(time.DateOnly))

	d2 := time.Date(2024, 11, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-11-01", PeriodStart(d2, PeriodMonth).Format(time.DateOnly))
	assert.Equal(t, "2024-10-01", PeriodStart(d2, PeriodQuarter).Format(time.DateOnly))
	assert.Equal(t, "2024-07-01", PeriodStart(d2, PeriodHalfYear).Format(time.DateOnly))
	assert.Equal(t, "2024-01-01", PeriodStart(d2, PeriodYear).Format(time.DateOnly))
}

func TestKeyForPosting(t *testing.T) {
	p := Posting{
		UserID:      1,
		Dimension:   Dimension{Kind: KindBank, ID: 5},
		BookingDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		ValutaDate:  time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("-45.00"),
	}

	booking := KeyForPosting(p, PeriodMonth, BasisBooking)
	assert.Equal(t, "2024-03-01", booking.PeriodStart)
	assert.Equal(t, KindBank, booking.Kind)
	assert.Equal(t, int64(5), booking.DimensionID)

	// Valuta basis buckets by the valuta date, which may land in another period
	valuta := KeyForPosting(p, PeriodMonth, BasisValuta)
	assert.Equal(t, "2024-04-01", valuta.PeriodStart)
	assert.Equal(t, BasisValuta, valuta.Basis)

	valutaQuarter := KeyForPosting(p, PeriodQuarter, BasisValuta)
	assert.Equal(t, "2024-04-01", valutaQuarter.PeriodStart)
}
