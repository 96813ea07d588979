package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-cli/internal/model"
)

// legacySuppliersDDL is the suppliers table as shipped before category,
// OCR and failure tracking columns existed.
const legacySuppliersDDL = `
CREATE TABLE suppliers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	company_id TEXT,
	company_name TEXT,
	action_url TEXT,
	country_code TEXT,
	city TEXT,
	gold_years TEXT,
	verified_supplier INTEGER,
	is_factory INTEGER,
	review_score TEXT,
	review_count INTEGER,
	company_on_time_shipping TEXT,
	factory_size_text TEXT,
	total_employees_text TEXT,
	transaction_count_6months TEXT,
	transaction_gmv_6months_text TEXT,
	gold_supplier INTEGER,
	trade_assurance INTEGER,
	response_time TEXT,
	license_extracted INTEGER DEFAULT 0,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
INSERT INTO suppliers (company_id, company_name, action_url, review_count) VALUES ('dup', 'First', 'https://a', 12);
INSERT INTO suppliers (company_id, company_name, action_url, review_count) VALUES ('dup', 'Second', 'https://a', 13);
INSERT INTO suppliers (company_id, company_name, action_url) VALUES ('solo', NULL, 'https://b');
`

func openLegacyStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	_, err = st.db.ExecContext(context.Background(), legacySuppliersDDL)
	require.NoError(t, err)
	return st
}

func TestSQLite_Migrate_AddsMissingColumnsToLegacyTable(t *testing.T) {
	st := openLegacyStore(t)
	ctx := context.Background()

	require.NoError(t, st.Migrate(ctx))

	cols, err := st.tableColumns(ctx, "suppliers")
	require.NoError(t, err)
	for _, c := range supplierColumns {
		assert.True(t, cols[c.name], "column %s", c.name)
	}

	got, err := st.GetSupplier(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "First", got.CompanyName, "oldest duplicate wins")
	assert.Equal(t, "12", got.ReviewCount)
	assert.Equal(t, "pending", string(got.OCRStatus))

	solo, err := st.GetSupplier(ctx, "solo")
	require.NoError(t, err)
	assert.Equal(t, "", solo.CompanyName)
	assert.Equal(t, 0, solo.ExtractionFailedCount)
}

// legacyArtifactsDDL is the license tables as the first release created
// them: no file_size, nullable text and integer supplier ids.
const legacyArtifactsDDL = `
CREATE TABLE licenses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	supplier_id INTEGER,
	license_name TEXT,
	license_url TEXT,
	file_id TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE license_info (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	supplier_id INTEGER,
	registration_no TEXT,
	company_name TEXT,
	date_of_issue TEXT,
	date_of_expiry TEXT,
	registered_capital TEXT,
	country_territory TEXT,
	registered_address TEXT,
	year_established TEXT,
	legal_form TEXT,
	legal_representative TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
INSERT INTO licenses (supplier_id, license_name, license_url, file_id) VALUES ('solo', 'Business License', 'https://img/old.jpg', NULL);
INSERT INTO license_info (supplier_id, registration_no, company_name) VALUES ('solo', '9131', NULL);
`

func openLegacyArtifactStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st := openLegacyStore(t)
	_, err := st.db.ExecContext(context.Background(), legacyArtifactsDDL)
	require.NoError(t, err)
	return st
}

func TestSQLite_Migrate_UpgradesLegacyLicenseTables(t *testing.T) {
	st := openLegacyArtifactStore(t)
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	cols, err := st.tableColumns(ctx, "licenses")
	require.NoError(t, err)
	assert.True(t, cols["file_size"])

	assets, err := st.Licenses(ctx, "solo")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "solo", assets[0].CompanyID)
	assert.Equal(t, "https://img/old.jpg", assets[0].URL)
	assert.Equal(t, "", assets[0].FileID)
	assert.Zero(t, assets[0].Size)

	details, err := st.LicenseDetails(ctx, "solo")
	require.NoError(t, err)
	require.NotNil(t, details)
	assert.Equal(t, "9131", details.RegistrationNo)
	assert.Equal(t, "", details.CompanyName)

	fresh := []model.LicenseAsset{{Name: "Business License", URL: "https://img/new.jpg", FileID: "f2", Size: 4096}}
	require.NoError(t, st.MarkExtracted(ctx, "solo", fresh, &model.LicenseDetails{RegistrationNo: "9132"}))

	assets, err = st.Licenses(ctx, "solo")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, int64(4096), assets[0].Size)

	pending, err := st.PendingOCR(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "solo", pending[0].CompanyID)
	assert.Equal(t, "https://img/new.jpg", pending[0].LicenseURL)
}

func TestSQLite_LegacyLicensesWithoutFileSize(t *testing.T) {
	st := openLegacyArtifactStore(t)
	ctx := context.Background()

	cols, err := st.tableColumns(ctx, "suppliers")
	require.NoError(t, err)
	for _, c := range supplierColumns {
		if !cols[c.name] {
			st.schema.markAbsent(c.name, errors.New("read-only database"))
		}
	}
	st.schema.markAbsent(artifactKey("licenses", "file_size"), errors.New("read-only database"))

	assets, err := st.Licenses(ctx, "solo")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Zero(t, assets[0].Size)

	fresh := []model.LicenseAsset{{URL: "https://img/new.jpg", Size: 4096}}
	require.NoError(t, st.MarkExtracted(ctx, "solo", fresh, nil))

	assets, err = st.Licenses(ctx, "solo")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "https://img/new.jpg", assets[0].URL)
	assert.Zero(t, assets[0].Size)
}

func TestSQLite_Migrate_RejectsUnknownLicenseTable(t *testing.T) {
	st, err := NewSQLite(filepath.Join(t.TempDir(), "partial.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	_, err = st.db.ExecContext(context.Background(),
		`CREATE TABLE licenses (id INTEGER PRIMARY KEY, supplier_id TEXT)`)
	require.NoError(t, err)

	err = st.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "licenses table lacks required column")
}

func TestSQLite_Migrate_ToleratesLegacyDuplicates(t *testing.T) {
	st := openLegacyStore(t)
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	s := testSupplier("dup")
	inserted, err := st.UpsertIfAbsent(ctx, &s)
	require.NoError(t, err)
	assert.False(t, inserted)

	fresh := testSupplier("new")
	inserted, err = st.UpsertIfAbsent(ctx, &fresh)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_AbsentColumnsReadDefaults(t *testing.T) {
	st := openLegacyStore(t)
	ctx := context.Background()

	cols, err := st.tableColumns(ctx, "suppliers")
	require.NoError(t, err)
	for _, c := range supplierColumns {
		if !cols[c.name] {
			st.schema.markAbsent(c.name, errors.New("read-only database"))
		}
	}

	got, err := st.GetSupplier(ctx, "solo")
	require.NoError(t, err)
	assert.False(t, got.SkipExtraction)
	assert.Equal(t, "", got.CategoryID)
	assert.Nil(t, got.LastExtractionAttempt)

	backlog, err := st.Backlog(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, backlog, 3)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 0, stats.Skipped)

	_, err = st.RecordFailure(ctx, "solo", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")

	inserted, err := st.UpsertIfAbsent(ctx, ptr(testSupplier("fresh")))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestDialect_CreateSuppliersSQL(t *testing.T) {
	sqliteDDL := sqliteDialect.createSuppliersSQL()
	assert.Contains(t, sqliteDDL, "id INTEGER PRIMARY KEY AUTOINCREMENT")
	assert.Contains(t, sqliteDDL, "skip_extraction INTEGER NOT NULL DEFAULT 0")
	assert.Contains(t, sqliteDDL, "ocr_recognition_status TEXT NOT NULL DEFAULT 'pending'")

	pgDDL := postgresDialect.createSuppliersSQL()
	assert.Contains(t, pgDDL, "skip_extraction BOOLEAN NOT NULL DEFAULT FALSE")
	assert.Contains(t, pgDDL, "created_at TIMESTAMPTZ NOT NULL DEFAULT now()")
	assert.Equal(t, len(supplierColumns)+1, strings.Count(pgDDL, ",\n")+1)
}

func TestSchema_ColAndRequire(t *testing.T) {
	sc := newSchema(sqliteDialect)
	assert.Equal(t, "COALESCE(skip_extraction, 0)", sc.col("skip_extraction"))
	assert.Equal(t, "last_extraction_attempt", sc.col("last_extraction_attempt"))

	sc.markAbsent("skip_extraction", errors.New("x"))
	assert.Equal(t, "0", sc.col("skip_extraction"))
	assert.Error(t, sc.require("op", "skip_extraction"))
	assert.NoError(t, sc.require("op", "is_used"))

	sc.markAbsent("category_id", errors.New("x"))
	cols, idx := sc.writableInsertColumns()
	assert.NotContains(t, cols, "category_id")
	assert.Len(t, idx, len(insertColumns)-1)
}

func ptr[T any](v T) *T { return &v }
