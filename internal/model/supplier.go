package model

import (
	"time"
)

// OCRStatus tracks downstream license recognition for a supplier.
type OCRStatus string

const (
	OCRStatusPending OCRStatus = "pending"
	OCRStatusSuccess OCRStatus = "success"
	OCRStatusError   OCRStatus = "error"
)

// Valid reports whether s is one of the known OCR statuses.
func (s OCRStatus) Valid() bool {
	switch s {
	case OCRStatusPending, OCRStatusSuccess, OCRStatusError:
		return true
	default:
		return false
	}
}

// DetailSuffix is the query fragment that switches a company profile page to
// the onsite-detail view carrying the license block.
const DetailSuffix = "subpage=onsiteDetail"

// Supplier is one acquired business record keyed by the provider's company id.
type Supplier struct {
	CompanyID   string `json:"company_id"`
	CompanyName string `json:"company_name"`
	ActionURL   string `json:"action_url"`
	CountryCode string `json:"country_code"`
	City        string `json:"city"`

	GoldYears        string `json:"gold_years"`
	VerifiedSupplier bool   `json:"verified_supplier"`
	IsFactory        bool   `json:"is_factory"`
	ReviewScore      string `json:"review_score"`
	ReviewCount      string `json:"review_count"`

	OnTimeShipping     string `json:"company_on_time_shipping"`
	FactorySize        string `json:"factory_size_text"`
	TotalEmployees     string `json:"total_employees_text"`
	TransactionCount6M string `json:"transaction_count_6months"`
	TransactionGMV6M   string `json:"transaction_gmv_6months_text"`
	GoldSupplier       bool   `json:"gold_supplier"`
	TradeAssurance     bool   `json:"trade_assurance"`
	ResponseTime       string `json:"response_time"`

	CategoryID   string `json:"category_id,omitempty"`
	CategoryName string `json:"category_name,omitempty"`

	LicenseExtracted      bool       `json:"license_extracted"`
	IsUsed                bool       `json:"is_used"`
	OCRStatus             OCRStatus  `json:"ocr_recognition_status,omitempty"`
	SkipExtraction        bool       `json:"skip_extraction"`
	ExtractionFailedCount int        `json:"extraction_failed_count"`
	LastExtractionAttempt *time.Time `json:"last_extraction_attempt,omitempty"`
	SavePath              string     `json:"save_path,omitempty"`
	CreatedAt             time.Time  `json:"created_at,omitempty"`
}

// Eligible reports whether the supplier belongs to the extraction backlog.
func (s *Supplier) Eligible() bool {
	return !s.LicenseExtracted && !s.SkipExtraction && s.ActionURL != ""
}

// FailureState is the failure bookkeeping of a supplier after a recorded attempt.
type FailureState struct {
	CompanyID      string    `json:"company_id"`
	FailedCount    int       `json:"extraction_failed_count"`
	SkipExtraction bool      `json:"skip_extraction"`
	LastAttempt    time.Time `json:"last_extraction_attempt"`
}

// SupplierStatus is a coarse pipeline state used for filtering.
type SupplierStatus string

const (
	StatusAll       SupplierStatus = ""
	StatusPending   SupplierStatus = "pending"
	StatusExtracted SupplierStatus = "extracted"
	StatusSkipped   SupplierStatus = "skipped"
	StatusFailing   SupplierStatus = "failing"
)

// ParseSupplierStatus maps user input to a SupplierStatus. Unknown values map to StatusAll.
func ParseSupplierStatus(s string) SupplierStatus {
	switch SupplierStatus(s) {
	case StatusPending, StatusExtracted, StatusSkipped, StatusFailing:
		return SupplierStatus(s)
	default:
		return StatusAll
	}
}

// Category is a browsable listing category.
type Category struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}
