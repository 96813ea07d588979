package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	schema *schema
}

// NewSQLite opens a SQLite database at the given path. Every pooled
// connection runs in WAL mode with a busy timeout, and every transaction
// begins with BEGIN IMMEDIATE so check-then-insert is serialized across
// writers and processes.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db, schema: newSchema(sqliteDialect)}, nil
}

// sqliteDSN appends connection pragmas to a file path or file: URI.
func sqliteDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join([]string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
	}, "&")
}

const sqliteTimeLayout = "2006-01-02 15:04:05.000"

func sqliteTimestamp(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS licenses (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	supplier_id  TEXT NOT NULL,
	license_name TEXT NOT NULL DEFAULT '',
	license_url  TEXT NOT NULL,
	file_id      TEXT NOT NULL DEFAULT '',
	file_size    INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS license_info (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	supplier_id          TEXT NOT NULL,
	registration_no      TEXT NOT NULL DEFAULT '',
	company_name         TEXT NOT NULL DEFAULT '',
	date_of_issue        TEXT NOT NULL DEFAULT '',
	date_of_expiry       TEXT NOT NULL DEFAULT '',
	registered_capital   TEXT NOT NULL DEFAULT '',
	country_territory    TEXT NOT NULL DEFAULT '',
	registered_address   TEXT NOT NULL DEFAULT '',
	year_established     TEXT NOT NULL DEFAULT '',
	legal_form           TEXT NOT NULL DEFAULT '',
	legal_representative TEXT NOT NULL DEFAULT '',
	created_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS proxies (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT NOT NULL DEFAULT '',
	host      TEXT NOT NULL,
	port      INTEGER NOT NULL,
	username  TEXT NOT NULL DEFAULT '',
	password  TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS acquire_failures (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	query      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	page       INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	error_type TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ocr_results (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	supplier_id          TEXT NOT NULL,
	registration_number  TEXT NOT NULL DEFAULT '',
	company_name         TEXT NOT NULL DEFAULT '',
	registered_address   TEXT NOT NULL DEFAULT '',
	province             TEXT NOT NULL DEFAULT '',
	city                 TEXT NOT NULL DEFAULT '',
	district             TEXT NOT NULL DEFAULT '',
	zip_code             TEXT NOT NULL DEFAULT '',
	legal_representative TEXT NOT NULL DEFAULT '',
	issue_date           TEXT NOT NULL DEFAULT '',
	expiration_date      TEXT NOT NULL DEFAULT '',
	raw_data             TEXT NOT NULL DEFAULT '',
	created_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_licenses_supplier_id ON licenses(supplier_id);
CREATE INDEX IF NOT EXISTS idx_license_info_supplier_id ON license_info(supplier_id);
CREATE INDEX IF NOT EXISTS idx_ocr_results_supplier_id ON ocr_results(supplier_id);
CREATE INDEX IF NOT EXISTS idx_suppliers_created_at ON suppliers(created_at);
`

// Migrate creates missing tables, then probes the suppliers and license
// tables and adds the columns an older database lacks.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteDialect.createSuppliersSQL()); err != nil {
		return eris.Wrap(err, "sqlite: migrate suppliers")
	}
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return s.probeSchema(ctx)
}

func (s *SQLiteStore) probeSchema(ctx context.Context) error {
	present, err := s.tableColumns(ctx, "suppliers")
	if err != nil {
		return err
	}
	for _, c := range supplierColumns {
		if present[c.name] {
			continue
		}
		if !c.optional {
			return eris.Errorf("sqlite: suppliers table lacks required column %s", c.name)
		}
		stmt := fmt.Sprintf("ALTER TABLE suppliers ADD COLUMN %s %s", c.name, sqliteDialect.columnDef(c))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.schema.markAbsent(c.name, err)
			continue
		}
		zap.L().Info("sqlite: added column", zap.String("column", c.name))
	}
	if err := s.probeArtifacts(ctx); err != nil {
		return err
	}

	// Older databases may hold duplicate keys; the unique index is then
	// replaced by a plain one and the transactional check keeps new writes unique.
	if _, err := s.db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_suppliers_company_id ON suppliers(company_id)`); err != nil {
		zap.L().Warn("sqlite: unique index on company_id unavailable", zap.Error(err))
		if _, err := s.db.ExecContext(ctx,
			`CREATE INDEX IF NOT EXISTS idx_suppliers_company_id_lookup ON suppliers(company_id)`); err != nil {
			return eris.Wrap(err, "sqlite: index company_id")
		}
	}
	return nil
}

func (s *SQLiteStore) probeArtifacts(ctx context.Context) error {
	for table, required := range artifactRequired {
		present, err := s.tableColumns(ctx, table)
		if err != nil {
			return err
		}
		for _, name := range required {
			if !present[name] {
				return eris.Errorf("sqlite: %s table lacks required column %s", table, name)
			}
		}
		for _, c := range artifactColumns {
			if c.table != table || present[c.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, c.name, c.def(sqliteDialect))
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				s.schema.markAbsent(artifactKey(table, c.name), err)
				continue
			}
			zap.L().Info("sqlite: added column", zap.String("table", table), zap.String("column", c.name))
		}
	}
	return nil
}

func (s *SQLiteStore) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: table info %s", table)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan table info")
		}
		cols[name] = true
	}
	return cols, eris.Wrap(rows.Err(), "sqlite: table info iterate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// wrapSQLite wraps err for op, marking busy/locked failures as contention.
func wrapSQLite(err error, op string) error {
	if err == nil {
		return nil
	}
	if resilience.IsContention(err) {
		return resilience.NewContentionError("sqlite: "+op, err)
	}
	return eris.Wrap(err, "sqlite: "+op)
}

// withTx runs fn inside one BEGIN IMMEDIATE transaction.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQLite(err, op+": begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return wrapSQLite(err, op)
	}
	return wrapSQLite(tx.Commit(), op+": commit")
}

// --- Suppliers ---

func (s *SQLiteStore) UpsertIfAbsent(ctx context.Context, sup *model.Supplier) (bool, error) {
	if sup == nil || sup.CompanyID == "" {
		return false, eris.New("sqlite: upsert supplier: empty company id")
	}
	var inserted bool
	err := s.withTx(ctx, "upsert supplier", func(tx *sql.Tx) error {
		var err error
		inserted, err = s.insertIfAbsent(ctx, tx, sup, time.Now())
		return err
	})
	return inserted, err
}

func (s *SQLiteStore) InsertBatch(ctx context.Context, records []model.Supplier) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.withTx(ctx, "insert batch", func(tx *sql.Tx) error {
		inserted = 0
		now := time.Now()
		for i := range records {
			if records[i].CompanyID == "" {
				continue
			}
			ok, err := s.insertIfAbsent(ctx, tx, &records[i], now)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// insertIfAbsent checks for the key and inserts inside tx. The surrounding
// BEGIN IMMEDIATE holds the write lock, so no writer can slip in between.
func (s *SQLiteStore) insertIfAbsent(ctx context.Context, tx *sql.Tx, sup *model.Supplier, now time.Time) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM suppliers WHERE company_id = ? LIMIT 1`, sup.CompanyID).Scan(&one)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	cols, idx := s.schema.writableInsertColumns()
	all := supplierValues(sup)
	args := make([]any, 0, len(idx)+1)
	for _, i := range idx {
		args = append(args, all[i])
	}
	created := now
	if !sup.CreatedAt.IsZero() {
		created = sup.CreatedAt
	}
	args = append(args, sqliteTimestamp(created))

	query := fmt.Sprintf(`INSERT INTO suppliers (%s, created_at) VALUES (%s)`,
		strings.Join(cols, ", "), placeholders(len(args)))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, err
	}
	return true, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLiteStore) KnownCompanyIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT company_id FROM suppliers`)
	if err != nil {
		return nil, wrapSQLite(err, "known company ids")
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company id")
		}
		ids[id] = struct{}{}
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: known company ids iterate")
}

func (s *SQLiteStore) GetSupplier(ctx context.Context, companyID string) (*model.Supplier, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+s.schema.selectList()+` FROM suppliers WHERE company_id = ? ORDER BY rowid LIMIT 1`,
		companyID,
	)
	sup, err := scanSQLiteSupplier(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: supplier %s", companyID)
	}
	if err != nil {
		return nil, wrapSQLite(err, "get supplier")
	}
	return sup, nil
}

func (s *SQLiteStore) ListSuppliers(ctx context.Context, filter SupplierFilter) ([]model.Supplier, int, error) {
	where := []string{"1=1"}
	var args []any

	if cond := statusCondition(filter.Status, s.schema.col, sqliteDialect.yes, sqliteDialect.no); cond != "" {
		where = append(where, cond)
	}
	if filter.CategoryID != "" {
		where = append(where, s.schema.col("category_id")+" = ?")
		args = append(args, filter.CategoryID)
	}
	if filter.Used != nil {
		where = append(where, s.schema.col("is_used")+" = ?")
		args = append(args, *filter.Used)
	}
	if filter.OCRStatus != "" {
		where = append(where, s.schema.col("ocr_recognition_status")+" = ?")
		args = append(args, string(filter.OCRStatus))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM suppliers WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, wrapSQLite(err, "count suppliers")
	}

	query := `SELECT ` + s.schema.selectList() + ` FROM suppliers WHERE ` + cond +
		` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	list, err := s.querySuppliers(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// Backlog returns suppliers awaiting extraction, newest first. A limit of
// zero returns the whole backlog.
func (s *SQLiteStore) Backlog(ctx context.Context, limit int) ([]model.Supplier, error) {
	query := `SELECT ` + s.schema.selectList() + ` FROM suppliers WHERE ` +
		statusCondition(model.StatusPending, s.schema.col, sqliteDialect.yes, sqliteDialect.no) +
		` AND ` + s.schema.col("action_url") + ` != '' ORDER BY created_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.querySuppliers(ctx, query, args...)
}

func (s *SQLiteStore) querySuppliers(ctx context.Context, query string, args ...any) ([]model.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQLite(err, "query suppliers")
	}
	defer rows.Close()

	var list []model.Supplier
	for rows.Next() {
		sup, err := scanSQLiteSupplier(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan supplier")
		}
		list = append(list, *sup)
	}
	return list, eris.Wrap(rows.Err(), "sqlite: query suppliers iterate")
}

// --- Extraction state ---

// MarkExtracted replaces the supplier's license assets and details and sets
// the extracted flag, all in one transaction.
func (s *SQLiteStore) MarkExtracted(ctx context.Context, companyID string, assets []model.LicenseAsset, details *model.LicenseDetails) error {
	now := sqliteTimestamp(time.Now())
	return s.withTx(ctx, "mark extracted", func(tx *sql.Tx) error {
		set := `license_extracted = 1`
		args := []any{}
		if !s.schema.isAbsent("last_extraction_attempt") {
			set += `, last_extraction_attempt = ?`
			args = append(args, now)
		}
		args = append(args, companyID)
		res, err := tx.ExecContext(ctx, `UPDATE suppliers SET `+set+` WHERE company_id = ?`, args...)
		if err != nil {
			return err
		}
		if err := checkRowsAffected(res, "supplier", companyID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM licenses WHERE supplier_id = ?`, companyID); err != nil {
			return err
		}
		withSize := s.schema.hasArtifact("licenses", "file_size")
		for _, a := range assets {
			stmt := `INSERT INTO licenses (supplier_id, license_name, license_url, file_id, created_at) VALUES (?, ?, ?, ?, ?)`
			args := []any{companyID, a.Name, a.URL, a.FileID, now}
			if withSize {
				stmt = `INSERT INTO licenses (supplier_id, license_name, license_url, file_id, created_at, file_size) VALUES (?, ?, ?, ?, ?, ?)`
				args = append(args, a.Size)
			}
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM license_info WHERE supplier_id = ?`, companyID); err != nil {
			return err
		}
		if details != nil {
			args := append([]any{companyID}, stringsToAny(details.Values())...)
			args = append(args, now)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO license_info (supplier_id, registration_no, company_name, date_of_issue, date_of_expiry,
				 registered_capital, country_territory, registered_address, year_established, legal_form,
				 legal_representative, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				args...,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func stringsToAny(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

var failureColumns = []string{"extraction_failed_count", "skip_extraction", "last_extraction_attempt"}

// RecordFailure increments the failure counter in a single statement and
// latches skip_extraction once the new count reaches threshold.
func (s *SQLiteStore) RecordFailure(ctx context.Context, companyID string, threshold int) (model.FailureState, error) {
	if err := s.schema.require("record failure", failureColumns...); err != nil {
		return model.FailureState{}, err
	}
	var state model.FailureState
	err := s.withTx(ctx, "record failure", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE suppliers SET
				extraction_failed_count = COALESCE(extraction_failed_count, 0) + 1,
				last_extraction_attempt = ?,
				skip_extraction = CASE WHEN COALESCE(extraction_failed_count, 0) + 1 >= ? THEN 1 ELSE COALESCE(skip_extraction, 0) END
			 WHERE company_id = ?`,
			sqliteTimestamp(time.Now()), threshold, companyID,
		)
		if err != nil {
			return err
		}
		if err := checkRowsAffected(res, "supplier", companyID); err != nil {
			return err
		}
		state, err = s.failureState(ctx, tx, companyID)
		return err
	})
	return state, err
}

// StampAttempt records an attempt time without touching the counter.
func (s *SQLiteStore) StampAttempt(ctx context.Context, companyID string) (model.FailureState, error) {
	if err := s.schema.require("stamp attempt", failureColumns...); err != nil {
		return model.FailureState{}, err
	}
	var state model.FailureState
	err := s.withTx(ctx, "stamp attempt", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE suppliers SET last_extraction_attempt = ? WHERE company_id = ?`,
			sqliteTimestamp(time.Now()), companyID,
		)
		if err != nil {
			return err
		}
		if err := checkRowsAffected(res, "supplier", companyID); err != nil {
			return err
		}
		state, err = s.failureState(ctx, tx, companyID)
		return err
	})
	return state, err
}

func (s *SQLiteStore) failureState(ctx context.Context, tx *sql.Tx, companyID string) (model.FailureState, error) {
	state := model.FailureState{CompanyID: companyID}
	var last sqliteTime
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(extraction_failed_count, 0), COALESCE(skip_extraction, 0), last_extraction_attempt
		 FROM suppliers WHERE company_id = ? ORDER BY rowid LIMIT 1`,
		companyID,
	).Scan(&state.FailedCount, &state.SkipExtraction, &last)
	if err != nil {
		return state, err
	}
	if last.Valid {
		state.LastAttempt = last.Time
	}
	return state, nil
}

// SetSkip latches or clears the skip flag. Clearing also resets the counter
// so the supplier re-enters the backlog with a fresh budget.
func (s *SQLiteStore) SetSkip(ctx context.Context, companyID string, skip bool) error {
	if err := s.schema.require("set skip", failureColumns...); err != nil {
		return err
	}
	var (
		query string
		args  []any
	)
	if skip {
		query = `UPDATE suppliers SET skip_extraction = 1, last_extraction_attempt = ? WHERE company_id = ?`
		args = []any{sqliteTimestamp(time.Now()), companyID}
	} else {
		query = `UPDATE suppliers SET skip_extraction = 0, extraction_failed_count = 0, last_extraction_attempt = NULL WHERE company_id = ?`
		args = []any{companyID}
	}
	return s.updateSupplier(ctx, "set skip", companyID, query, args...)
}

func (s *SQLiteStore) ResetFailures(ctx context.Context, companyID string) error {
	if err := s.schema.require("reset failures", failureColumns...); err != nil {
		return err
	}
	return s.updateSupplier(ctx, "reset failures", companyID,
		`UPDATE suppliers SET extraction_failed_count = 0, last_extraction_attempt = NULL WHERE company_id = ?`,
		companyID,
	)
}

func (s *SQLiteStore) SetUsed(ctx context.Context, companyID string, used bool) error {
	if err := s.schema.require("set used", "is_used"); err != nil {
		return err
	}
	return s.updateSupplier(ctx, "set used", companyID,
		`UPDATE suppliers SET is_used = ? WHERE company_id = ?`, used, companyID)
}

func (s *SQLiteStore) SetSavePath(ctx context.Context, companyID, path string) error {
	if err := s.schema.require("set save path", "save_path"); err != nil {
		return err
	}
	return s.updateSupplier(ctx, "set save path", companyID,
		`UPDATE suppliers SET save_path = ? WHERE company_id = ?`, path, companyID)
}

func (s *SQLiteStore) updateSupplier(ctx context.Context, op, companyID, query string, args ...any) error {
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		return checkRowsAffected(res, "supplier", companyID)
	})
}

// --- License artifacts ---

func (s *SQLiteStore) Licenses(ctx context.Context, companyID string) ([]model.LicenseAsset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT CAST(supplier_id AS TEXT), COALESCE(license_name, ''), COALESCE(license_url, ''), COALESCE(file_id, ''), `+
			s.schema.artifactCol("licenses", "file_size")+` FROM licenses WHERE supplier_id = ? ORDER BY id`,
		companyID,
	)
	if err != nil {
		return nil, wrapSQLite(err, "licenses")
	}
	defer rows.Close()

	var assets []model.LicenseAsset
	for rows.Next() {
		var a model.LicenseAsset
		if err := rows.Scan(&a.CompanyID, &a.Name, &a.URL, &a.FileID, &a.Size); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan license")
		}
		assets = append(assets, a)
	}
	return assets, eris.Wrap(rows.Err(), "sqlite: licenses iterate")
}

// LicenseDetails returns the latest details row, or nil when none exists.
func (s *SQLiteStore) LicenseDetails(ctx context.Context, companyID string) (*model.LicenseDetails, error) {
	var d model.LicenseDetails
	var created sqliteTime
	err := s.db.QueryRowContext(ctx,
		`SELECT CAST(supplier_id AS TEXT), COALESCE(registration_no, ''), COALESCE(company_name, ''),
		 COALESCE(date_of_issue, ''), COALESCE(date_of_expiry, ''), COALESCE(registered_capital, ''),
		 COALESCE(country_territory, ''), COALESCE(registered_address, ''), COALESCE(year_established, ''),
		 COALESCE(legal_form, ''), COALESCE(legal_representative, ''), created_at
		 FROM license_info WHERE supplier_id = ? ORDER BY id DESC LIMIT 1`,
		companyID,
	).Scan(&d.CompanyID, &d.RegistrationNo, &d.CompanyName, &d.DateOfIssue, &d.DateOfExpiry, &d.RegisteredCapital,
		&d.CountryTerritory, &d.RegisteredAddress, &d.YearEstablished, &d.LegalForm, &d.LegalRepresentative, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSQLite(err, "license details")
	}
	d.CreatedAt = created.Time
	return &d, nil
}

// --- OCR ---

// PendingOCR returns extracted, unused suppliers whose recognition is still
// pending, each with its most recent license image.
func (s *SQLiteStore) PendingOCR(ctx context.Context, limit int) ([]model.OCRCandidate, error) {
	query := `SELECT s.company_id, COALESCE(s.company_name, ''), l.license_url
		FROM suppliers s
		JOIN licenses l ON l.id = (SELECT MAX(id) FROM licenses WHERE supplier_id = s.company_id)
		WHERE ` + s.schema.col("license_extracted") + ` = 1
		AND ` + s.schema.col("is_used") + ` = 0
		AND ` + s.schema.col("ocr_recognition_status") + ` = 'pending'
		ORDER BY s.created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, defaultLimit(limit))
	if err != nil {
		return nil, wrapSQLite(err, "pending ocr")
	}
	defer rows.Close()

	var out []model.OCRCandidate
	for rows.Next() {
		var c model.OCRCandidate
		if err := rows.Scan(&c.CompanyID, &c.CompanyName, &c.LicenseURL); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ocr candidate")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: pending ocr iterate")
}

func (s *SQLiteStore) SaveOCRResult(ctx context.Context, r *model.OCRResult) error {
	if r == nil || r.CompanyID == "" {
		return eris.New("sqlite: save ocr result: empty supplier id")
	}
	return s.withTx(ctx, "save ocr result", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ocr_results WHERE supplier_id = ?`, r.CompanyID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ocr_results (supplier_id, registration_number, company_name, registered_address, province,
			 city, district, zip_code, legal_representative, issue_date, expiration_date, raw_data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.CompanyID, r.RegistrationNumber, r.CompanyName, r.RegisteredAddress, r.Province,
			r.City, r.District, r.ZipCode, r.LegalRepresentative, r.IssueDate, r.ExpirationDate, r.RawData,
			sqliteTimestamp(time.Now()),
		)
		return err
	})
}

func (s *SQLiteStore) SetOCRStatus(ctx context.Context, companyID string, status model.OCRStatus) error {
	if !status.Valid() {
		return eris.Errorf("sqlite: invalid ocr status %q", status)
	}
	if err := s.schema.require("set ocr status", "ocr_recognition_status"); err != nil {
		return err
	}
	return s.updateSupplier(ctx, "set ocr status", companyID,
		`UPDATE suppliers SET ocr_recognition_status = ? WHERE company_id = ?`, string(status), companyID)
}

// --- Proxies ---

// SaveProxy inserts p. With activate set, all other proxies are deactivated
// in the same transaction.
func (s *SQLiteStore) SaveProxy(ctx context.Context, p *model.ProxyConfig, activate bool) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.withTx(ctx, "save proxy", func(tx *sql.Tx) error {
		if activate {
			if _, err := tx.ExecContext(ctx, `UPDATE proxies SET is_active = 0`); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO proxies (name, host, port, username, password, is_active) VALUES (?, ?, ?, ?, ?, ?)`,
			p.Name, p.Host, p.Port, p.Username, p.Password, activate,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	p.ID = id
	p.IsActive = activate
	return id, nil
}

// ActivateProxy swaps the active proxy in one transaction.
func (s *SQLiteStore) ActivateProxy(ctx context.Context, id int64) error {
	return s.withTx(ctx, "activate proxy", func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM proxies WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "sqlite: proxy %d", id)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE proxies SET is_active = 0`); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE proxies SET is_active = 1 WHERE id = ?`, id)
		return err
	})
}

// ActiveProxy returns the active proxy, or nil when traffic goes direct.
func (s *SQLiteStore) ActiveProxy(ctx context.Context) (*model.ProxyConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, host, port, username, password, is_active FROM proxies WHERE is_active = 1 ORDER BY id DESC LIMIT 1`)
	p, err := scanProxy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSQLite(err, "active proxy")
	}
	return p, nil
}

func (s *SQLiteStore) ListProxies(ctx context.Context) ([]model.ProxyConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, host, port, username, password, is_active FROM proxies ORDER BY id`)
	if err != nil {
		return nil, wrapSQLite(err, "list proxies")
	}
	defer rows.Close()

	var out []model.ProxyConfig
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan proxy")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list proxies iterate")
}

func (s *SQLiteStore) DeleteProxy(ctx context.Context, id int64) error {
	return s.withTx(ctx, "delete proxy", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM proxies WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return checkRowsAffected(res, "proxy", fmt.Sprint(id))
	})
}

// --- Acquisition ledger ---

func (s *SQLiteStore) RecordPageFailure(ctx context.Context, f model.PageFailure) error {
	created := f.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO acquire_failures (query, kind, page, error, error_type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.Query, f.Kind, f.Page, f.Error, f.ErrorType, sqliteTimestamp(created),
	)
	return wrapSQLite(err, "record page failure")
}

func (s *SQLiteStore) ListPageFailures(ctx context.Context, limit int) ([]model.PageFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query, kind, page, error, error_type, created_at FROM acquire_failures ORDER BY id DESC LIMIT ?`,
		defaultLimit(limit),
	)
	if err != nil {
		return nil, wrapSQLite(err, "list page failures")
	}
	defer rows.Close()

	var out []model.PageFailure
	for rows.Next() {
		var f model.PageFailure
		var created sqliteTime
		if err := rows.Scan(&f.ID, &f.Query, &f.Kind, &f.Page, &f.Error, &f.ErrorType, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan page failure")
		}
		f.CreatedAt = created.Time
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list page failures iterate")
}

// --- Stats ---

func (s *SQLiteStore) Stats(ctx context.Context) (*model.Stats, error) {
	st := &model.Stats{CollectedAt: time.Now().UTC()}
	yes, no := sqliteDialect.yes, sqliteDialect.no
	count := func(cond string) string {
		return "COALESCE(SUM(CASE WHEN " + cond + " THEN 1 ELSE 0 END), 0)"
	}
	ocr := s.schema.col("ocr_recognition_status")
	query := `SELECT COUNT(*), ` +
		count(statusCondition(model.StatusExtracted, s.schema.col, yes, no)) + `, ` +
		count(statusCondition(model.StatusPending, s.schema.col, yes, no)) + `, ` +
		count(statusCondition(model.StatusSkipped, s.schema.col, yes, no)) + `, ` +
		count(statusCondition(model.StatusFailing, s.schema.col, yes, no)) + `, ` +
		count(s.schema.col("is_used")+" = "+yes) + `, ` +
		count(ocr+" = 'pending'") + `, ` +
		count(ocr+" = 'success'") + `, ` +
		count(ocr+" = 'error'") +
		` FROM suppliers`
	err := s.db.QueryRowContext(ctx, query).Scan(
		&st.Total, &st.Extracted, &st.Backlog, &st.Skipped, &st.Failing, &st.Used,
		&st.OCRPending, &st.OCRSuccess, &st.OCRError,
	)
	if err != nil {
		return nil, wrapSQLite(err, "stats")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM acquire_failures`).Scan(&st.PageFailures); err != nil {
		return nil, wrapSQLite(err, "stats page failures")
	}
	p, err := s.ActiveProxy(ctx)
	if err != nil {
		return nil, err
	}
	if p != nil {
		st.ActiveProxy = proxyLabel(p)
	}
	return st, nil
}

func proxyLabel(p *model.ProxyConfig) string {
	if p.Name != "" {
		return p.Name
	}
	return p.String()
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// sqliteTime scans timestamps written by this package, by datetime('now')
// defaults, or by older releases.
type sqliteTime struct {
	Time  time.Time
	Valid bool
}

var sqliteTimeLayouts = []string{
	sqliteTimeLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (t *sqliteTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = x.UTC(), true
		return nil
	case int64:
		t.Time, t.Valid = time.Unix(x, 0).UTC(), true
		return nil
	case []byte:
		return t.parse(string(x))
	case string:
		return t.parse(x)
	default:
		return eris.Errorf("sqlite: unsupported time value %T", v)
	}
}

func (t *sqliteTime) parse(s string) error {
	if s == "" {
		t.Time, t.Valid = time.Time{}, false
		return nil
	}
	for _, layout := range sqliteTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return eris.Errorf("sqlite: unparseable time %q", s)
}

// supplierDest returns scan targets for every non-time supplier column in
// supplierColumns order.
func supplierDest(sup *model.Supplier, status *string) []any {
	return []any{
		&sup.CompanyID, &sup.CompanyName, &sup.ActionURL, &sup.CountryCode, &sup.City,
		&sup.GoldYears, &sup.VerifiedSupplier, &sup.IsFactory, &sup.ReviewScore, &sup.ReviewCount,
		&sup.OnTimeShipping, &sup.FactorySize, &sup.TotalEmployees,
		&sup.TransactionCount6M, &sup.TransactionGMV6M,
		&sup.GoldSupplier, &sup.TradeAssurance, &sup.ResponseTime,
		&sup.CategoryID, &sup.CategoryName, &sup.SavePath,
		&sup.LicenseExtracted, &sup.IsUsed, status, &sup.SkipExtraction, &sup.ExtractionFailedCount,
	}
}

func scanSQLiteSupplier(row scannable) (*model.Supplier, error) {
	var sup model.Supplier
	var status string
	var last, created sqliteTime
	dest := append(supplierDest(&sup, &status), &last, &created)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	sup.OCRStatus = model.OCRStatus(status)
	if last.Valid {
		t := last.Time
		sup.LastExtractionAttempt = &t
	}
	sup.CreatedAt = created.Time
	return &sup, nil
}

func scanProxy(row scannable) (*model.ProxyConfig, error) {
	var p model.ProxyConfig
	if err := row.Scan(&p.ID, &p.Name, &p.Host, &p.Port, &p.Username, &p.Password, &p.IsActive); err != nil {
		return nil, err
	}
	return &p, nil
}
