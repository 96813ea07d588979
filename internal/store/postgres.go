package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/db"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	schema  *schema
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, schema: newSchema(postgresDialect)}, nil
}

func pgPlaceholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ph, ", ")
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS licenses (
	id           BIGSERIAL PRIMARY KEY,
	supplier_id  TEXT NOT NULL,
	license_name TEXT NOT NULL DEFAULT '',
	license_url  TEXT NOT NULL,
	file_id      TEXT NOT NULL DEFAULT '',
	file_size    BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS license_info (
	id                   BIGSERIAL PRIMARY KEY,
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
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS proxies (
	id        BIGSERIAL PRIMARY KEY,
	name      TEXT NOT NULL DEFAULT '',
	host      TEXT NOT NULL,
	port      INTEGER NOT NULL,
	username  TEXT NOT NULL DEFAULT '',
	password  TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS acquire_failures (
	id         BIGSERIAL PRIMARY KEY,
	query      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	page       INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	error_type TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ocr_results (
	id                   BIGSERIAL PRIMARY KEY,
	supplier_id          TEXT NOT NULL UNIQUE,
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
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_licenses_supplier_id ON licenses(supplier_id);
CREATE INDEX IF NOT EXISTS idx_license_info_supplier_id ON license_info(supplier_id);
CREATE INDEX IF NOT EXISTS idx_suppliers_created_at ON suppliers(created_at DESC);
`

// Migrate creates missing tables, adds optional supplier columns with
// ADD COLUMN IF NOT EXISTS, and attempts the unique key on company_id.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresDialect.createSuppliersSQL()); err != nil {
		return eris.Wrap(err, "postgres: migrate suppliers")
	}
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	for _, c := range supplierColumns {
		if !c.optional {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE suppliers ADD COLUMN IF NOT EXISTS %s %s", c.name, postgresDialect.columnDef(c))
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			s.schema.markAbsent(c.name, err)
		}
	}
	for _, c := range artifactColumns {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", c.table, c.name, c.def(postgresDialect))
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			s.schema.markAbsent(artifactKey(c.table, c.name), err)
		}
	}
	if _, err := s.pool.Exec(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_suppliers_company_id ON suppliers(company_id)`); err != nil {
		// ON CONFLICT needs the unique index; without it writes take a
		// table lock and check before inserting.
		zap.L().Warn("postgres: unique index on company_id unavailable", zap.Error(err))
		s.schema.markAbsent("unique_company_id", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Postgres SQLSTATEs that indicate lock contention.
var pgContentionCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

// wrapPostgres wraps err for op, marking lock contention as retryable.
func wrapPostgres(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgContentionCodes[pgErr.Code] {
		return resilience.NewContentionError("postgres: "+op, err)
	}
	return eris.Wrap(err, "postgres: "+op)
}

func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapPostgres(err, op+": begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return wrapPostgres(err, op)
	}
	return wrapPostgres(tx.Commit(ctx), op+": commit")
}

// --- Suppliers ---

func (s *PostgresStore) hasUniqueKey() bool {
	return !s.schema.isAbsent("unique_company_id")
}

func (s *PostgresStore) insertSQL(conflict bool) string {
	cols, _ := s.schema.writableInsertColumns()
	q := `INSERT INTO suppliers (` + strings.Join(cols, ", ") + `) VALUES (` + pgPlaceholders(1, len(cols)) + `)`
	if conflict {
		q += ` ON CONFLICT (company_id) DO NOTHING`
	}
	return q
}

// lockedInsert serializes writers with a table lock for databases whose
// legacy duplicates prevent the unique index.
func (s *PostgresStore) lockedInsert(ctx context.Context, tx pgx.Tx, sup *model.Supplier) (bool, error) {
	if _, err := tx.Exec(ctx, `LOCK TABLE suppliers IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return false, err
	}
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM suppliers WHERE company_id = $1)`, sup.CompanyID).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if _, err := tx.Exec(ctx, s.insertSQL(false), s.insertArgs(sup)...); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) insertArgs(sup *model.Supplier) []any {
	_, idx := s.schema.writableInsertColumns()
	all := supplierValues(sup)
	args := make([]any, len(idx))
	for i, j := range idx {
		args[i] = all[j]
	}
	return args
}

func (s *PostgresStore) UpsertIfAbsent(ctx context.Context, sup *model.Supplier) (bool, error) {
	if sup == nil || sup.CompanyID == "" {
		return false, eris.New("postgres: upsert supplier: empty company id")
	}
	if !s.hasUniqueKey() {
		var inserted bool
		err := s.withTx(ctx, "upsert supplier", func(tx pgx.Tx) error {
			var err error
			inserted, err = s.lockedInsert(ctx, tx, sup)
			return err
		})
		return inserted, err
	}
	tag, err := s.pool.Exec(ctx, s.insertSQL(true), s.insertArgs(sup)...)
	if err != nil {
		return false, wrapPostgres(err, "upsert supplier")
	}
	return tag.RowsAffected() == 1, nil
}

// InsertBatch copies the chunk into a temp table and inserts the absent keys
// in one transaction.
func (s *PostgresStore) InsertBatch(ctx context.Context, records []model.Supplier) (int, error) {
	rows := make([][]any, 0, len(records))
	for i := range records {
		if records[i].CompanyID == "" {
			continue
		}
		rows = append(rows, s.insertArgs(&records[i]))
	}
	if len(rows) == 0 {
		return 0, nil
	}
	cols, _ := s.schema.writableInsertColumns()

	var inserted int64
	err := s.withTx(ctx, "insert batch", func(tx pgx.Tx) error {
		if !s.hasUniqueKey() {
			inserted = 0
			for i := range records {
				if records[i].CompanyID == "" {
					continue
				}
				ok, err := s.lockedInsert(ctx, tx, &records[i])
				if err != nil {
					return err
				}
				if ok {
					inserted++
				}
			}
			return nil
		}
		var err error
		inserted, err = db.InsertIgnore(ctx, tx, db.InsertConfig{
			Table:        "suppliers",
			Columns:      cols,
			ConflictKeys: []string{"company_id"},
		}, rows)
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(inserted), nil
}

func (s *PostgresStore) KnownCompanyIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT company_id FROM suppliers`)
	if err != nil {
		return nil, wrapPostgres(err, "known company ids")
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company id")
		}
		ids[id] = struct{}{}
	}
	return ids, eris.Wrap(rows.Err(), "postgres: known company ids iterate")
}

func (s *PostgresStore) GetSupplier(ctx context.Context, companyID string) (*model.Supplier, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+s.schema.selectList()+` FROM suppliers WHERE company_id = $1 ORDER BY id LIMIT 1`,
		companyID,
	)
	sup, err := scanPostgresSupplier(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: supplier %s", companyID)
	}
	if err != nil {
		return nil, wrapPostgres(err, "get supplier")
	}
	return sup, nil
}

func (s *PostgresStore) ListSuppliers(ctx context.Context, filter SupplierFilter) ([]model.Supplier, int, error) {
	where := []string{"TRUE"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if cond := statusCondition(filter.Status, s.schema.col, postgresDialect.yes, postgresDialect.no); cond != "" {
		where = append(where, cond)
	}
	if filter.CategoryID != "" {
		where = append(where, s.schema.col("category_id")+" = "+arg(filter.CategoryID))
	}
	if filter.Used != nil {
		where = append(where, s.schema.col("is_used")+" = "+arg(*filter.Used))
	}
	if filter.OCRStatus != "" {
		where = append(where, s.schema.col("ocr_recognition_status")+" = "+arg(string(filter.OCRStatus)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM suppliers WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, wrapPostgres(err, "count suppliers")
	}

	query := `SELECT ` + s.schema.selectList() + ` FROM suppliers WHERE ` + cond +
		` ORDER BY created_at DESC, id DESC LIMIT ` + arg(defaultLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	list, err := s.querySuppliers(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (s *PostgresStore) Backlog(ctx context.Context, limit int) ([]model.Supplier, error) {
	query := `SELECT ` + s.schema.selectList() + ` FROM suppliers WHERE ` +
		statusCondition(model.StatusPending, s.schema.col, postgresDialect.yes, postgresDialect.no) +
		` AND ` + s.schema.col("action_url") + ` <> '' ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	return s.querySuppliers(ctx, query, args...)
}

func (s *PostgresStore) querySuppliers(ctx context.Context, query string, args ...any) ([]model.Supplier, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPostgres(err, "query suppliers")
	}
	defer rows.Close()

	var list []model.Supplier
	for rows.Next() {
		sup, err := scanPostgresSupplier(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan supplier")
		}
		list = append(list, *sup)
	}
	return list, eris.Wrap(rows.Err(), "postgres: query suppliers iterate")
}

// --- Extraction state ---

func (s *PostgresStore) MarkExtracted(ctx context.Context, companyID string, assets []model.LicenseAsset, details *model.LicenseDetails) error {
	return s.withTx(ctx, "mark extracted", func(tx pgx.Tx) error {
		set := `license_extracted = TRUE`
		if !s.schema.isAbsent("last_extraction_attempt") {
			set += `, last_extraction_attempt = now()`
		}
		tag, err := tx.Exec(ctx, `UPDATE suppliers SET `+set+` WHERE company_id = $1`, companyID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "supplier %s", companyID)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM licenses WHERE supplier_id = $1`, companyID); err != nil {
			return err
		}
		withSize := s.schema.hasArtifact("licenses", "file_size")
		for _, a := range assets {
			stmt := `INSERT INTO licenses (supplier_id, license_name, license_url, file_id) VALUES ($1, $2, $3, $4)`
			args := []any{companyID, a.Name, a.URL, a.FileID}
			if withSize {
				stmt = `INSERT INTO licenses (supplier_id, license_name, license_url, file_id, file_size) VALUES ($1, $2, $3, $4, $5)`
				args = append(args, a.Size)
			}
			if _, err := tx.Exec(ctx, stmt, args...); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM license_info WHERE supplier_id = $1`, companyID); err != nil {
			return err
		}
		if details != nil {
			args := append([]any{companyID}, stringsToAny(details.Values())...)
			if _, err := tx.Exec(ctx,
				`INSERT INTO license_info (supplier_id, registration_no, company_name, date_of_issue, date_of_expiry,
				 registered_capital, country_territory, registered_address, year_established, legal_form,
				 legal_representative) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				args...,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) RecordFailure(ctx context.Context, companyID string, threshold int) (model.FailureState, error) {
	if err := s.schema.require("record failure", failureColumns...); err != nil {
		return model.FailureState{}, err
	}
	state := model.FailureState{CompanyID: companyID}
	err := s.pool.QueryRow(ctx,
		`UPDATE suppliers SET
			extraction_failed_count = extraction_failed_count + 1,
			last_extraction_attempt = now(),
			skip_extraction = CASE WHEN extraction_failed_count + 1 >= $1 THEN TRUE ELSE skip_extraction END
		 WHERE company_id = $2
		 RETURNING extraction_failed_count, skip_extraction, last_extraction_attempt`,
		threshold, companyID,
	).Scan(&state.FailedCount, &state.SkipExtraction, &state.LastAttempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, eris.Wrapf(ErrNotFound, "postgres: supplier %s", companyID)
	}
	if err != nil {
		return state, wrapPostgres(err, "record failure")
	}
	return state, nil
}

func (s *PostgresStore) StampAttempt(ctx context.Context, companyID string) (model.FailureState, error) {
	if err := s.schema.require("stamp attempt", failureColumns...); err != nil {
		return model.FailureState{}, err
	}
	state := model.FailureState{CompanyID: companyID}
	err := s.pool.QueryRow(ctx,
		`UPDATE suppliers SET last_extraction_attempt = now() WHERE company_id = $1
		 RETURNING extraction_failed_count, skip_extraction, last_extraction_attempt`,
		companyID,
	).Scan(&state.FailedCount, &state.SkipExtraction, &state.LastAttempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, eris.Wrapf(ErrNotFound, "postgres: supplier %s", companyID)
	}
	if err != nil {
		return state, wrapPostgres(err, "stamp attempt")
	}
	return state, nil
}

func (s *PostgresStore) SetSkip(ctx context.Context, companyID string, skip bool) error {
	if err := s.schema.require("set skip", failureColumns...); err != nil {
		return err
	}
	if skip {
		return s.updateSupplier(ctx, "set skip", companyID,
			`UPDATE suppliers SET skip_extraction = TRUE, last_extraction_attempt = now() WHERE company_id = $1`, companyID)
	}
	return s.updateSupplier(ctx, "set skip", companyID,
		`UPDATE suppliers SET skip_extraction = FALSE, extraction_failed_count = 0, last_extraction_attempt = NULL WHERE company_id = $1`,
		companyID)
}

func (s *PostgresStore) ResetFailures(ctx context.Context, companyID string) error {
	if err := s.schema.require("reset failures", failureColumns...); err != nil {
		return err
	}
	return s.updateSupplier(ctx, "reset failures", companyID,
		`UPDATE suppliers SET extraction_failed_count = 0, last_extraction_attempt = NULL WHERE company_id = $1`, companyID)
}

func (s *PostgresStore) SetUsed(ctx context.Context, companyID string, used bool) error {
	if err := s.schema.require("set used", "is_used"); err != nil {
		return err
	}
	return s.updateSupplier(ctx, "set used", companyID,
		`UPDATE suppliers SET is_used = $1 WHERE company_id = $2`, used, companyID)
}

func (s *PostgresStore) SetSavePath(ctx context.Context, companyID, path string) error {
	if err := s.schema.require("set save path", "save_path"); err != nil {
		return err
	}
	return s.updateSupplier(ctx, "set save path", companyID,
		`UPDATE suppliers SET save_path = $1 WHERE company_id = $2`, path, companyID)
}

func (s *PostgresStore) updateSupplier(ctx context.Context, op, companyID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return wrapPostgres(err, op)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: supplier %s", companyID)
	}
	return nil
}

// --- License artifacts ---

func (s *PostgresStore) Licenses(ctx context.Context, companyID string) ([]model.LicenseAsset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT supplier_id, COALESCE(license_name, ''), COALESCE(license_url, ''), COALESCE(file_id, ''), `+
			s.schema.artifactCol("licenses", "file_size")+` FROM licenses WHERE supplier_id = $1 ORDER BY id`,
		companyID,
	)
	if err != nil {
		return nil, wrapPostgres(err, "licenses")
	}
	defer rows.Close()

	var assets []model.LicenseAsset
	for rows.Next() {
		var a model.LicenseAsset
		if err := rows.Scan(&a.CompanyID, &a.Name, &a.URL, &a.FileID, &a.Size); err != nil {
			return nil, eris.Wrap(err, "postgres: scan license")
		}
		assets = append(assets, a)
	}
	return assets, eris.Wrap(rows.Err(), "postgres: licenses iterate")
}

func (s *PostgresStore) LicenseDetails(ctx context.Context, companyID string) (*model.LicenseDetails, error) {
	var d model.LicenseDetails
	err := s.pool.QueryRow(ctx,
		`SELECT supplier_id, registration_no, company_name, date_of_issue, date_of_expiry, registered_capital,
		 country_territory, registered_address, year_established, legal_form, legal_representative, created_at
		 FROM license_info WHERE supplier_id = $1 ORDER BY id DESC LIMIT 1`,
		companyID,
	).Scan(&d.CompanyID, &d.RegistrationNo, &d.CompanyName, &d.DateOfIssue, &d.DateOfExpiry, &d.RegisteredCapital,
		&d.CountryTerritory, &d.RegisteredAddress, &d.YearEstablished, &d.LegalForm, &d.LegalRepresentative, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPostgres(err, "license details")
	}
	return &d, nil
}

// --- OCR ---

func (s *PostgresStore) PendingOCR(ctx context.Context, limit int) ([]model.OCRCandidate, error) {
	query := `SELECT s.company_id, s.company_name, l.license_url
		FROM suppliers s
		JOIN licenses l ON l.id = (SELECT MAX(id) FROM licenses WHERE supplier_id = s.company_id)
		WHERE ` + s.schema.col("license_extracted") + ` = TRUE
		AND ` + s.schema.col("is_used") + ` = FALSE
		AND ` + s.schema.col("ocr_recognition_status") + ` = 'pending'
		ORDER BY s.created_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, defaultLimit(limit))
	if err != nil {
		return nil, wrapPostgres(err, "pending ocr")
	}
	defer rows.Close()

	var out []model.OCRCandidate
	for rows.Next() {
		var c model.OCRCandidate
		if err := rows.Scan(&c.CompanyID, &c.CompanyName, &c.LicenseURL); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ocr candidate")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: pending ocr iterate")
}

func (s *PostgresStore) SaveOCRResult(ctx context.Context, r *model.OCRResult) error {
	if r == nil || r.CompanyID == "" {
		return eris.New("postgres: save ocr result: empty supplier id")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ocr_results (supplier_id, registration_number, company_name, registered_address, province,
		 city, district, zip_code, legal_representative, issue_date, expiration_date, raw_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (supplier_id) DO UPDATE SET
		   registration_number = EXCLUDED.registration_number,
		   company_name = EXCLUDED.company_name,
		   registered_address = EXCLUDED.registered_address,
		   province = EXCLUDED.province,
		   city = EXCLUDED.city,
		   district = EXCLUDED.district,
		   zip_code = EXCLUDED.zip_code,
		   legal_representative = EXCLUDED.legal_representative,
		   issue_date = EXCLUDED.issue_date,
		   expiration_date = EXCLUDED.expiration_date,
		   raw_data = EXCLUDED.raw_data,
		   created_at = now()`,
		r.CompanyID, r.RegistrationNumber, r.CompanyName, r.RegisteredAddress, r.Province,
		r.City, r.District, r.ZipCode, r.LegalRepresentative, r.IssueDate, r.ExpirationDate, r.RawData,
	)
	return wrapPostgres(err, "save ocr result")
}

func (s *PostgresStore) SetOCRStatus(ctx context.Context, companyID string, status model.OCRStatus) error {
	if !status.Valid() {
		return eris.Errorf("postgres: invalid ocr status %q", status)
	}
	if err := s.schema.require("set ocr status", "ocr_recognition_status"); err != nil {
		return err
	}
	return s.updateSupplier(ctx, "set ocr status", companyID,
		`UPDATE suppliers SET ocr_recognition_status = $1 WHERE company_id = $2`, string(status), companyID)
}

// --- Proxies ---

func (s *PostgresStore) SaveProxy(ctx context.Context, p *model.ProxyConfig, activate bool) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.withTx(ctx, "save proxy", func(tx pgx.Tx) error {
		if activate {
			if _, err := tx.Exec(ctx, `UPDATE proxies SET is_active = FALSE WHERE is_active`); err != nil {
				return err
			}
		}
		return tx.QueryRow(ctx,
			`INSERT INTO proxies (name, host, port, username, password, is_active) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			p.Name, p.Host, p.Port, p.Username, p.Password, activate,
		).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	p.ID = id
	p.IsActive = activate
	return id, nil
}

func (s *PostgresStore) ActivateProxy(ctx context.Context, id int64) error {
	return s.withTx(ctx, "activate proxy", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE proxies SET is_active = FALSE WHERE is_active`); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE proxies SET is_active = TRUE WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "postgres: proxy %d", id)
		}
		return nil
	})
}

func (s *PostgresStore) ActiveProxy(ctx context.Context) (*model.ProxyConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, host, port, username, password, is_active FROM proxies WHERE is_active ORDER BY id DESC LIMIT 1`)
	p, err := scanProxy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPostgres(err, "active proxy")
	}
	return p, nil
}

func (s *PostgresStore) ListProxies(ctx context.Context) ([]model.ProxyConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, host, port, username, password, is_active FROM proxies ORDER BY id`)
	if err != nil {
		return nil, wrapPostgres(err, "list proxies")
	}
	defer rows.Close()

	var out []model.ProxyConfig
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan proxy")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list proxies iterate")
}

func (s *PostgresStore) DeleteProxy(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM proxies WHERE id = $1`, id)
	if err != nil {
		return wrapPostgres(err, "delete proxy")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: proxy %d", id)
	}
	return nil
}

// --- Acquisition ledger ---

func (s *PostgresStore) RecordPageFailure(ctx context.Context, f model.PageFailure) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO acquire_failures (query, kind, page, error, error_type) VALUES ($1, $2, $3, $4, $5)`,
		f.Query, f.Kind, f.Page, f.Error, f.ErrorType,
	)
	return wrapPostgres(err, "record page failure")
}

func (s *PostgresStore) ListPageFailures(ctx context.Context, limit int) ([]model.PageFailure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, query, kind, page, error, error_type, created_at FROM acquire_failures ORDER BY id DESC LIMIT $1`,
		defaultLimit(limit),
	)
	if err != nil {
		return nil, wrapPostgres(err, "list page failures")
	}
	defer rows.Close()

	var out []model.PageFailure
	for rows.Next() {
		var f model.PageFailure
		if err := rows.Scan(&f.ID, &f.Query, &f.Kind, &f.Page, &f.Error, &f.ErrorType, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan page failure")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list page failures iterate")
}

// --- Stats ---

func (s *PostgresStore) Stats(ctx context.Context) (*model.Stats, error) {
	st := &model.Stats{CollectedAt: time.Now().UTC()}
	yes, no := postgresDialect.yes, postgresDialect.no
	count := func(cond string) string {
		return "COUNT(*) FILTER (WHERE " + cond + ")"
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
		count(ocr+" = 'error'") + `, ` +
		`(SELECT COUNT(*) FROM acquire_failures)` +
		` FROM suppliers`
	err := s.pool.QueryRow(ctx, query).Scan(
		&st.Total, &st.Extracted, &st.Backlog, &st.Skipped, &st.Failing, &st.Used,
		&st.OCRPending, &st.OCRSuccess, &st.OCRError, &st.PageFailures,
	)
	if err != nil {
		return nil, wrapPostgres(err, "stats")
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

func scanPostgresSupplier(row scannable) (*model.Supplier, error) {
	var sup model.Supplier
	var status string
	dest := append(supplierDest(&sup, &status), &sup.LastExtractionAttempt, &sup.CreatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	sup.OCRStatus = model.OCRStatus(status)
	return &sup, nil
}
