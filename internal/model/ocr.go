package model

import "time"

// OCRResult is the structured outcome of recognizing a license image.
type OCRResult struct {
	CompanyID           string    `json:"supplier_id"`
	RegistrationNumber  string    `json:"registration_number"`
	CompanyName         string    `json:"company_name"`
	RegisteredAddress   string    `json:"registered_address"`
	Province            string    `json:"province"`
	City                string    `json:"city"`
	District            string    `json:"district"`
	ZipCode             string    `json:"zip_code"`
	LegalRepresentative string    `json:"legal_representative"`
	IssueDate           string    `json:"issue_date"`
	ExpirationDate      string    `json:"expiration_date"`
	RawData             string    `json:"raw_data,omitempty"`
	CreatedAt           time.Time `json:"created_at,omitempty"`
}

// OCRCandidate is a supplier waiting for recognition together with its license image.
type OCRCandidate struct {
	CompanyID   string `json:"company_id"`
	CompanyName string `json:"company_name"`
	LicenseURL  string `json:"license_url"`
}

// PageFailure records a listing page that failed after all retries.
type PageFailure struct {
	ID        int64     `json:"id"`
	Query     string    `json:"query"`
	Kind      string    `json:"kind"`
	Page      int       `json:"page"`
	Error     string    `json:"error"`
	ErrorType string    `json:"error_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats is a point-in-time view of the supplier pipeline.
type Stats struct {
	Total        int       `json:"total"`
	Extracted    int       `json:"extracted"`
	Backlog      int       `json:"backlog"`
	Skipped      int       `json:"skipped"`
	Failing      int       `json:"failing"`
	Used         int       `json:"used"`
	OCRPending   int       `json:"ocr_pending"`
	OCRSuccess   int       `json:"ocr_success"`
	OCRError     int       `json:"ocr_error"`
	PageFailures int       `json:"page_failures"`
	ActiveProxy  string    `json:"active_proxy,omitempty"`
	CollectedAt  time.Time `json:"collected_at"`
}
