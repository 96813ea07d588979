// Package store persists suppliers, license artifacts, proxies and OCR
// results. SQLite is the default backend; Postgres is used for shared
// deployments.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-cli/internal/model"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = eris.New("not found")

// SupplierFilter specifies criteria for listing suppliers.
type SupplierFilter struct {
	Status     model.SupplierStatus `json:"status,omitempty"`
	CategoryID string               `json:"category_id,omitempty"`
	Used       *bool                `json:"used,omitempty"`
	OCRStatus  model.OCRStatus      `json:"ocr_status,omitempty"`
	Limit      int                  `json:"limit,omitempty"`
	Offset     int                  `json:"offset,omitempty"`
}

// Store defines the persistence interface for the supplier pipeline.
type Store interface {
	// Suppliers
	UpsertIfAbsent(ctx context.Context, s *model.Supplier) (bool, error)
	InsertBatch(ctx context.Context, records []model.Supplier) (int, error)
	KnownCompanyIDs(ctx context.Context) (map[string]struct{}, error)
	GetSupplier(ctx context.Context, companyID string) (*model.Supplier, error)
	ListSuppliers(ctx context.Context, filter SupplierFilter) ([]model.Supplier, int, error)
	Backlog(ctx context.Context, limit int) ([]model.Supplier, error)

	// Extraction state
	MarkExtracted(ctx context.Context, companyID string, assets []model.LicenseAsset, details *model.LicenseDetails) error
	RecordFailure(ctx context.Context, companyID string, threshold int) (model.FailureState, error)
	StampAttempt(ctx context.Context, companyID string) (model.FailureState, error)
	SetSkip(ctx context.Context, companyID string, skip bool) error
	ResetFailures(ctx context.Context, companyID string) error
	SetUsed(ctx context.Context, companyID string, used bool) error
	SetSavePath(ctx context.Context, companyID, path string) error

	// License artifacts
	Licenses(ctx context.Context, companyID string) ([]model.LicenseAsset, error)
	LicenseDetails(ctx context.Context, companyID string) (*model.LicenseDetails, error)

	// OCR
	PendingOCR(ctx context.Context, limit int) ([]model.OCRCandidate, error)
	SaveOCRResult(ctx context.Context, r *model.OCRResult) error
	SetOCRStatus(ctx context.Context, companyID string, status model.OCRStatus) error

	// Proxies
	SaveProxy(ctx context.Context, p *model.ProxyConfig, activate bool) (int64, error)
	ActivateProxy(ctx context.Context, id int64) error
	ActiveProxy(ctx context.Context) (*model.ProxyConfig, error)
	ListProxies(ctx context.Context) ([]model.ProxyConfig, error)
	DeleteProxy(ctx context.Context, id int64) error

	// Acquisition ledger
	RecordPageFailure(ctx context.Context, f model.PageFailure) error
	ListPageFailures(ctx context.Context, limit int) ([]model.PageFailure, error)

	Stats(ctx context.Context) (*model.Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// insertColumns are the supplier columns written on insert, in supplierValues order.
var insertColumns = []string{
	"company_id", "company_name", "action_url", "country_code", "city",
	"gold_years", "verified_supplier", "is_factory", "review_score", "review_count",
	"company_on_time_shipping", "factory_size_text", "total_employees_text",
	"transaction_count_6months", "transaction_gmv_6months_text",
	"gold_supplier", "trade_assurance", "response_time",
	"category_id", "category_name",
}

// supplierValues returns the insert values for s in insertColumns order.
func supplierValues(s *model.Supplier) []any {
	return []any{
		s.CompanyID, s.CompanyName, s.ActionURL, s.CountryCode, s.City,
		s.GoldYears, s.VerifiedSupplier, s.IsFactory, s.ReviewScore, s.ReviewCount,
		s.OnTimeShipping, s.FactorySize, s.TotalEmployees,
		s.TransactionCount6M, s.TransactionGMV6M,
		s.GoldSupplier, s.TradeAssurance, s.ResponseTime,
		s.CategoryID, s.CategoryName,
	}
}

// statusCondition renders the WHERE fragment for a status filter. col maps a
// column name to its read expression; yes and no are the dialect's booleans.
func statusCondition(status model.SupplierStatus, col func(string) string, yes, no string) string {
	switch status {
	case model.StatusPending:
		return col("license_extracted") + " = " + no + " AND " + col("skip_extraction") + " = " + no
	case model.StatusExtracted:
		return col("license_extracted") + " = " + yes
	case model.StatusSkipped:
		return col("skip_extraction") + " = " + yes
	case model.StatusFailing:
		return col("extraction_failed_count") + " > 0 AND " + col("skip_extraction") + " = " + no +
			" AND " + col("license_extracted") + " = " + no
	default:
		return ""
	}
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
