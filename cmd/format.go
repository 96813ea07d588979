package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/sells-group/supplier-cli/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatSuppliers(w io.Writer, suppliers []model.Supplier, total int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPANY ID\tNAME\tCATEGORY\tSTATUS\tFAILS\tOCR\tUSED")
	for _, s := range suppliers {
		used := ""
		if s.IsUsed {
			used = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.CompanyID,
			truncateText(s.CompanyName, 40),
			s.CategoryName,
			supplierStatus(s),
			s.ExtractionFailedCount,
			s.OCRStatus,
			used,
		)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d of %d suppliers\n", len(suppliers), total)
}

// supplierStatus mirrors the store's status filter precedence.
func supplierStatus(s model.Supplier) model.SupplierStatus {
	switch {
	case s.LicenseExtracted:
		return model.StatusExtracted
	case s.SkipExtraction:
		return model.StatusSkipped
	case s.ExtractionFailedCount > 0:
		return model.StatusFailing
	default:
		return model.StatusPending
	}
}

func formatProxies(w io.Writer, proxies []model.ProxyConfig) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tENDPOINT\tACTIVE")
	for _, p := range proxies {
		active := ""
		if p.IsActive {
			active = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.ID, p.Name, p.String(), active)
	}
	_ = tw.Flush()
}

func formatStats(w io.Writer, s *model.Stats) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := []struct {
		label string
		value any
	}{
		{"Suppliers", s.Total},
		{"Extracted", s.Extracted},
		{"Backlog", s.Backlog},
		{"Failing", s.Failing},
		{"Skipped", s.Skipped},
		{"Used", s.Used},
		{"OCR pending", s.OCRPending},
		{"OCR success", s.OCRSuccess},
		{"OCR error", s.OCRError},
		{"Page failures", s.PageFailures},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s:\t%v\n", r.label, r.value)
	}
	proxy := s.ActiveProxy
	if proxy == "" {
		proxy = "direct"
	}
	fmt.Fprintf(tw, "Active proxy:\t%s\n", proxy)
	_ = tw.Flush()
}

func formatPageFailures(w io.Writer, failures []model.PageFailure) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tQUERY\tPAGE\tTYPE\tERROR")
	for _, f := range failures {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			f.CreatedAt.Format("2006-01-02 15:04"),
			f.Query,
			f.Page,
			f.ErrorType,
			truncateText(f.Error, 60),
		)
	}
	_ = tw.Flush()
}

func truncateText(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
