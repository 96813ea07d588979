package model

import (
	"path"
	"strings"
	"time"
)

// LicenseAsset is an image URL representing a scanned license document.
type LicenseAsset struct {
	CompanyID string `json:"company_id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	FileID    string `json:"file_id"`
	// Size is the probed byte size. Zero when the probe could not tell.
	Size int64 `json:"size,omitempty"`
}

// Ext returns the lower-case file extension of the asset without the dot.
func (a LicenseAsset) Ext() string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(a.FileID)), ".")
}

// LicenseDetails holds the structured license fields parsed from a detail page.
type LicenseDetails struct {
	CompanyID           string    `json:"company_id,omitempty"`
	RegistrationNo      string    `json:"registration_no"`
	CompanyName         string    `json:"company_name"`
	DateOfIssue         string    `json:"date_of_issue"`
	DateOfExpiry        string    `json:"date_of_expiry"`
	RegisteredCapital   string    `json:"registered_capital"`
	CountryTerritory    string    `json:"country_territory"`
	RegisteredAddress   string    `json:"registered_address"`
	YearEstablished     string    `json:"year_established"`
	LegalForm           string    `json:"legal_form"`
	LegalRepresentative string    `json:"legal_representative"`
	CreatedAt           time.Time `json:"created_at,omitempty"`
}

// FieldCount returns how many license fields carry a value.
func (d *LicenseDetails) FieldCount() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, v := range d.Values() {
		if v != "" {
			n++
		}
	}
	return n
}

// Values returns the license fields in their canonical order.
func (d *LicenseDetails) Values() []string {
	return []string{
		d.RegistrationNo,
		d.CompanyName,
		d.DateOfIssue,
		d.DateOfExpiry,
		d.RegisteredCapital,
		d.CountryTerritory,
		d.RegisteredAddress,
		d.YearEstablished,
		d.LegalForm,
		d.LegalRepresentative,
	}
}

// LicenseFieldLabels are the human labels matching Values order.
var LicenseFieldLabels = []string{
	"Registration No.",
	"Company Name",
	"Date of Issue",
	"Date of Expiry",
	"Registered Capital",
	"Country/Territory",
	"Registered address",
	"Year Established",
	"Legal Form",
	"Legal Representative",
}
