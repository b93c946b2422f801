package drafts

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhagen/kontor/internal/domain"
	"github.com/rhagen/kontor/internal/modules/directory"
)

func TestImport_DetectsAccountAndSharesUploadGroup(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.Conn(), zerolog.Nop())
	dir := directory.NewRepository(db.Conn(), zerolog.Nop())
	importer := NewImporter(repo, dir, zerolog.Nop())

	accountID, err := dir.CreateAccount(1, "Giro", "DE02120300000000202051", "EUR")
	require.NoError(t, err)

	statements := []Statement{
		{
			Header: domain.Header{
				FileName: "march.csv",
				IBAN:     "DE02120300000000202051",
			},
			Movements: []domain.Movement{
				{
					BookingDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
					Amount:      decimal.RequireFromString("-45.00"),
					Subject:     "REWE SAGT DANKE",
					Recipient:   "REWE Markt GmbH",
				},
				{
					BookingDate: time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC),
					Amount:      decimal.RequireFromString("-12.99"),
					Subject:     "Vorgemerkt: Streaming",
					IsPreview:   true,
				},
			},
		},
		{
			Header: domain.Header{
				FileName: "unknown_account.csv",
				IBAN:     "DE99999999990000000000",
			},
			Movements: []domain.Movement{
				{
					BookingDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
					Amount:      decimal.NewFromInt(100),
				},
			},
		},
	}

	created, err := importer.Import(1, statements)
	require.NoError(t, err)
	require.Len(t, created, 2)

	// Known IBAN is detected, unknown one leaves the draft account-less
	require.NotNil(t, created[0].AccountID)
	assert.Equal(t, accountID, *created[0].AccountID)
	assert.Nil(t, created[1].AccountID)

	// All drafts of one call share a fresh upload group
	assert.NotEmpty(t, created[0].UploadGroup)
	assert.Equal(t, created[0].UploadGroup, created[1].UploadGroup)

	entries, err := repo.ListEntries(1, created[0].ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, domain.EntryStatusOpen, entries[0].Status)
	assert.Equal(t, "EUR", entries[0].Currency)

	// Preview movements arrive as announced entries
	assert.True(t, entries[1].IsAnnounced)
	assert.Equal(t, domain.EntryStatusAnnounced, entries[1].Status)
}

func TestImport_SeparateUploadsGetSeparateGroups(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.Conn(), zerolog.Nop())
	dir := directory.NewRepository(db.Conn(), zerolog.Nop())
	importer := NewImporter(repo, dir, zerolog.Nop())

	stmt := []Statement{{Header: domain.Header{FileName: "a.csv"}}}

	first, err := importer.Import(1, stmt)
	require.NoError(t, err)
	second, err := importer.Import(1, stmt)
	require.NoError(t, err)

	assert.NotEqual(t, first[0].UploadGroup, second[0].UploadGroup)
}
