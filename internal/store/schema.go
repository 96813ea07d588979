package store

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

type colKind int

const (
	colText colKind = iota
	colBool
	colInt
	colTime
)

// supplierColumn describes one column of the suppliers table. Optional
// columns were added after the first release and may be missing from older
// databases.
type supplierColumn struct {
	name        string
	kind        colKind
	optional    bool
	textDefault string
}

// supplierColumns is the read order used by every supplier scan.
var supplierColumns = []supplierColumn{
	{name: "company_id"},
	{name: "company_name"},
	{name: "action_url"},
	{name: "country_code"},
	{name: "city"},
	{name: "gold_years"},
	{name: "verified_supplier", kind: colBool},
	{name: "is_factory", kind: colBool},
	{name: "review_score"},
	{name: "review_count"},
	{name: "company_on_time_shipping"},
	{name: "factory_size_text"},
	{name: "total_employees_text"},
	{name: "transaction_count_6months"},
	{name: "transaction_gmv_6months_text"},
	{name: "gold_supplier", kind: colBool},
	{name: "trade_assurance", kind: colBool},
	{name: "response_time"},
	{name: "category_id", optional: true},
	{name: "category_name", optional: true},
	{name: "save_path", optional: true},
	{name: "license_extracted", kind: colBool},
	{name: "is_used", kind: colBool, optional: true},
	{name: "ocr_recognition_status", optional: true, textDefault: "pending"},
	{name: "skip_extraction", kind: colBool, optional: true},
	{name: "extraction_failed_count", kind: colInt, optional: true},
	{name: "last_extraction_attempt", kind: colTime, optional: true},
	{name: "created_at", kind: colTime},
}

func lookupColumn(name string) (supplierColumn, bool) {
	for _, c := range supplierColumns {
		if c.name == name {
			return c, true
		}
	}
	return supplierColumn{}, false
}

// dialect captures the SQL differences between SQLite and Postgres that the
// schema probe cares about.
type dialect struct {
	name     string
	yes, no  string
	boolType string
	timeType string
	idType   string
}

var (
	sqliteDialect = dialect{
		name: "sqlite", yes: "1", no: "0",
		boolType: "INTEGER", timeType: "DATETIME",
		idType: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	postgresDialect = dialect{
		name: "postgres", yes: "TRUE", no: "FALSE",
		boolType: "BOOLEAN", timeType: "TIMESTAMPTZ",
		idType: "BIGSERIAL PRIMARY KEY",
	}
)

func (d dialect) fallback(c supplierColumn) string {
	switch c.kind {
	case colBool:
		return d.no
	case colInt:
		return "0"
	case colTime:
		return "NULL"
	default:
		return "'" + c.textDefault + "'"
	}
}

func (d dialect) columnDef(c supplierColumn) string {
	switch c.kind {
	case colBool:
		return d.boolType + " NOT NULL DEFAULT " + d.no
	case colInt:
		return "INTEGER NOT NULL DEFAULT 0"
	case colTime:
		if c.name == "created_at" {
			if d.name == "sqlite" {
				return d.timeType + " NOT NULL DEFAULT (datetime('now'))"
			}
			return d.timeType + " NOT NULL DEFAULT now()"
		}
		return d.timeType
	default:
		return "TEXT NOT NULL DEFAULT '" + c.textDefault + "'"
	}
}

// createSuppliersSQL renders the suppliers table for a fresh database.
func (d dialect) createSuppliersSQL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS suppliers (\n\tid ")
	b.WriteString(d.idType)
	for _, c := range supplierColumns {
		def := d.columnDef(c)
		if c.name == "company_id" {
			def = "TEXT NOT NULL"
		}
		fmt.Fprintf(&b, ",\n\t%s %s", c.name, def)
	}
	b.WriteString("\n)")
	return b.String()
}

// schema tracks which optional supplier columns could not be added to an
// existing table. Reads substitute the column default for absent columns.
type schema struct {
	d dialect

	mu     sync.RWMutex
	absent map[string]bool
}

func newSchema(d dialect) *schema {
	return &schema{d: d, absent: make(map[string]bool)}
}

func (s *schema) markAbsent(name string, err error) {
	zap.L().Warn("store: optional column unavailable, reads use its default",
		zap.String("driver", s.d.name),
		zap.String("column", name),
		zap.Error(err),
	)
	s.mu.Lock()
	s.absent[name] = true
	s.mu.Unlock()
}

func (s *schema) isAbsent(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.absent[name]
}

// col returns the read expression for a supplier column.
func (s *schema) col(name string) string {
	c, ok := lookupColumn(name)
	if !ok {
		return name
	}
	if s.isAbsent(name) {
		return s.d.fallback(c)
	}
	if c.kind == colTime {
		return name
	}
	return "COALESCE(" + name + ", " + s.d.fallback(c) + ")"
}

// selectList renders the supplier columns in supplierColumns order.
func (s *schema) selectList() string {
	exprs := make([]string, len(supplierColumns))
	for i, c := range supplierColumns {
		exprs[i] = s.col(c.name) + " AS " + c.name
	}
	return strings.Join(exprs, ", ")
}

// require fails when any of cols is absent from the table.
func (s *schema) require(op string, cols ...string) error {
	for _, c := range cols {
		if s.isAbsent(c) {
			return eris.Errorf("%s: %s: column %s unavailable in this database", s.d.name, op, c)
		}
	}
	return nil
}

// writableInsertColumns filters insertColumns down to the present ones and
// returns their positions in supplierValues.
func (s *schema) writableInsertColumns() ([]string, []int) {
	cols := make([]string, 0, len(insertColumns))
	idx := make([]int, 0, len(insertColumns))
	for i, c := range insertColumns {
		if s.isAbsent(c) {
			continue
		}
		cols = append(cols, c)
		idx = append(idx, i)
	}
	return cols, idx
}

// artifactColumn is a column of a license artifact table that databases
// written by the first release lack.
type artifactColumn struct {
	table    string
	name     string
	sqlite   string
	postgres string
	fallback string
}

var artifactColumns = []artifactColumn{
	{
		table:    "licenses",
		name:     "file_size",
		sqlite:   "INTEGER NOT NULL DEFAULT 0",
		postgres: "BIGINT NOT NULL DEFAULT 0",
		fallback: "0",
	},
}

// artifactRequired lists the columns each artifact table must already have.
var artifactRequired = map[string][]string{
	"licenses":     {"supplier_id", "license_name", "license_url", "file_id"},
	"license_info": {"supplier_id", "registration_no", "company_name", "legal_representative"},
}

func artifactKey(table, name string) string { return table + "." + name }

func (c artifactColumn) def(d dialect) string {
	if d.name == "postgres" {
		return c.postgres
	}
	return c.sqlite
}

// artifactCol returns the read expression for an artifact column.
func (s *schema) artifactCol(table, name string) string {
	for _, c := range artifactColumns {
		if c.table != table || c.name != name {
			continue
		}
		if s.isAbsent(artifactKey(table, name)) {
			return c.fallback
		}
		return "COALESCE(" + name + ", " + c.fallback + ")"
	}
	return name
}

func (s *schema) hasArtifact(table, name string) bool {
	return !s.isAbsent(artifactKey(table, name))
}
