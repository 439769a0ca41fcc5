package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmimport/internal/records"
	"pharmimport/internal/services"
)

func strPtr(s string) *string { return &s }

func testRow(natural string, ts time.Time, source, city string) records.Record {
	return records.Record{
		Dataset:         "march",
		Jurisdiction:    "TX",
		NaturalKey:      natural,
		SearchName:      "Acme Pharmacy",
		SearchTimestamp: ts,
		LicenseNumber:   strPtr("PH-1"),
		LicenseStatus:   "Active",
		IssueDate:       strPtr("2019-03-15"),
		City:            city,
		ResultStatus:    records.StatusFound,
		SourceFile:      source,
		ImportedAt:      time.Now(),
	}
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("round trip keeps absent values absent", func(t *testing.T) {
		row := testRow("lic:RT-1", base, "tx/rt.json", "Austin")
		require.NoError(t, s.Upsert(ctx, row))
		got, err := s.GetRecord(ctx, row.Key())
		require.NoError(t, err)
		assert.Empty(t, records.Diff(row, got))
		assert.Nil(t, got.ExpirationDate)
		assert.Nil(t, got.ImageHash)
	})

	t.Run("missing record is not found", func(t *testing.T) {
		_, err := s.GetRecord(ctx, records.Key{Dataset: "march", Jurisdiction: "TX", NaturalKey: "lic:none"})
		assert.ErrorIs(t, err, services.ErrNotFound)
	})

	t.Run("latest timestamp wins", func(t *testing.T) {
		key := "lic:LW-1"
		require.NoError(t, s.Upsert(ctx, testRow(key, base.Add(time.Hour), "tx/b.json", "Dallas")))
		require.NoError(t, s.Upsert(ctx, testRow(key, base, "tx/a.json", "Austin")))

		got, err := s.GetRecord(ctx, records.Key{Dataset: "march", Jurisdiction: "TX", NaturalKey: key})
		require.NoError(t, err)
		assert.Equal(t, "Dallas", got.City, "older record must not overwrite newer")

		require.NoError(t, s.Upsert(ctx, testRow(key, base.Add(2*time.Hour), "tx/c.json", "Houston")))
		got, err = s.GetRecord(ctx, records.Key{Dataset: "march", Jurisdiction: "TX", NaturalKey: key})
		require.NoError(t, err)
		assert.Equal(t, "Houston", got.City)
		assert.Equal(t, "tx/c.json", got.SourceFile)
	})

	t.Run("assets are registered once and counted per reference", func(t *testing.T) {
		hash := "ab" + "cd" + "0123456789"
		first, err := s.RegisterAsset(ctx, Asset{ContentHash: hash, Location: "local://ab/cd/x", SizeBytes: 10, ContentType: "image/png", Refs: []string{"march/a.json"}})
		require.NoError(t, err)
		assert.Equal(t, 1, first.RefCount)

		second, err := s.RegisterAsset(ctx, Asset{ContentHash: hash, Location: "elsewhere", SizeBytes: 10, Refs: []string{"march/b.json", "march/c.json"}})
		require.NoError(t, err)
		assert.Equal(t, 3, second.RefCount)
		assert.Equal(t, "local://ab/cd/x", second.Location)
		assert.Equal(t, "image/png", second.ContentType)

		// Registering the same references again after an interrupted run
		// leaves the count unchanged.
		again, err := s.RegisterAsset(ctx, Asset{ContentHash: hash, Location: "local://ab/cd/x", SizeBytes: 10, Refs: []string{"march/a.json", "march/c.json"}})
		require.NoError(t, err)
		assert.Equal(t, 3, again.RefCount)

		_, err = s.Asset(ctx, "missing")
		assert.ErrorIs(t, err, services.ErrNotFound)
	})

	t.Run("failing row rolls back its batch", func(t *testing.T) {
		good1 := testRow("lic:B-1", base, "tx/b1.json", "Austin")
		bad := testRow("lic:B-2", base, "tx/b2.json", "Austin")
		bad.ImageHash = strPtr("no-such-asset")
		good2 := testRow("lic:B-3", base, "tx/b3.json", "Austin")
		good1.Dataset, bad.Dataset, good2.Dataset = "batch", "batch", "batch"

		err := s.UpsertBatch(ctx, []records.Record{good1, bad, good2})
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrValidation)
		n, err := s.CountRecords(ctx, "batch")
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, s.Upsert(ctx, good1))
		assert.ErrorIs(t, s.Upsert(ctx, bad), services.ErrValidation)
		require.NoError(t, s.Upsert(ctx, good2))
		n, err = s.CountRecords(ctx, "batch")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("batch upsert is idempotent", func(t *testing.T) {
		rows := []records.Record{
			testRow("lic:I-1", base, "tx/i1.json", "Austin"),
			testRow("lic:I-2", base, "tx/i2.json", "Austin"),
		}
		for i := range rows {
			rows[i].Dataset = "idem"
		}
		require.NoError(t, s.UpsertBatch(ctx, rows))
		require.NoError(t, s.UpsertBatch(ctx, rows))
		n, err := s.CountRecords(ctx, "idem")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("image reference survives a re-import without one", func(t *testing.T) {
		_, err := s.RegisterAsset(ctx, Asset{ContentHash: "img-keep", Location: "x", SizeBytes: 1, Refs: []string{"march/k.json"}})
		require.NoError(t, err)
		row := testRow("lic:K-1", base, "tx/k.json", "Austin")
		row.ImageHash = strPtr("img-keep")
		require.NoError(t, s.Upsert(ctx, row))
		row.ImageHash = nil
		require.NoError(t, s.Upsert(ctx, row))
		got, err := s.GetRecord(ctx, row.Key())
		require.NoError(t, err)
		require.NotNil(t, got.ImageHash)
		assert.Equal(t, "img-keep", *got.ImageHash)
	})

	t.Run("newer record without image drops the superseded image", func(t *testing.T) {
		_, err := s.RegisterAsset(ctx, Asset{ContentHash: "img-old", Location: "x", SizeBytes: 1, Refs: []string{"march/a.json"}})
		require.NoError(t, err)
		older := testRow("lic:N-1", base, "tx/a.json", "Austin")
		older.ImageHash = strPtr("img-old")
		require.NoError(t, s.Upsert(ctx, older))

		newer := testRow("lic:N-1", base.Add(time.Hour), "tx/b.json", "Dallas")
		require.NoError(t, s.Upsert(ctx, newer))
		got, err := s.GetRecord(ctx, newer.Key())
		require.NoError(t, err)
		assert.Equal(t, "tx/b.json", got.SourceFile)
		assert.Equal(t, "Dallas", got.City)
		assert.Nil(t, got.ImageHash)
	})

	require.NoError(t, s.Ping(ctx))
}
