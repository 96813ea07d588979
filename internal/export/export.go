// Package export writes suppliers and their license details to XLSX.
package export

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/store"
)

const (
	SupplierSheet = "Suppliers"
	DetailsSheet  = "License Details"
	pageSize      = 500
)

// Source is the subset of the store the exporter reads.
type Source interface {
	ListSuppliers(ctx context.Context, filter store.SupplierFilter) ([]model.Supplier, int, error)
	LicenseDetails(ctx context.Context, companyID string) (*model.LicenseDetails, error)
}

var supplierHeader = []string{
	"company_id", "company_name", "action_url", "country_code", "city",
	"gold_years", "verified_supplier", "is_factory", "review_score", "review_count",
	"company_on_time_shipping", "factory_size_text", "total_employees_text",
	"transaction_count_6months", "transaction_gmv_6months_text", "gold_supplier",
	"trade_assurance", "response_time", "category_id", "category_name",
	"license_extracted", "skip_extraction", "extraction_failed_count",
	"is_used", "ocr_recognition_status", "save_path",
}

// Write exports every supplier matching filter to w. filter.Limit and
// filter.Offset are ignored; all pages are read. It returns the number of
// suppliers written.
func Write(ctx context.Context, src Source, filter store.SupplierFilter, w io.Writer) (int, error) {
	f := xlsx.NewFile()
	suppliers, err := f.AddSheet(SupplierSheet)
	if err != nil {
		return 0, eris.Wrap(err, "export: add supplier sheet")
	}
	details, err := f.AddSheet(DetailsSheet)
	if err != nil {
		return 0, eris.Wrap(err, "export: add details sheet")
	}
	addRow(suppliers, supplierHeader...)
	addRow(details, append([]string{"company_id"}, model.LicenseFieldLabels...)...)

	n := 0
	filter.Offset = 0
	filter.Limit = pageSize
	for {
		if err := ctx.Err(); err != nil {
			return n, eris.Wrap(err, "export: cancelled")
		}
		page, total, err := src.ListSuppliers(ctx, filter)
		if err != nil {
			return n, eris.Wrap(err, "export: list suppliers")
		}
		for _, s := range page {
			addRow(suppliers, supplierRow(s)...)
			n++
			if !s.LicenseExtracted {
				continue
			}
			d, err := src.LicenseDetails(ctx, s.CompanyID)
			if err != nil {
				return n, eris.Wrapf(err, "export: details %s", s.CompanyID)
			}
			if d != nil {
				addRow(details, append([]string{s.CompanyID}, d.Values()...)...)
			}
		}
		filter.Offset += len(page)
		if len(page) == 0 || filter.Offset >= total {
			break
		}
	}

	if err := f.Write(w); err != nil {
		return n, eris.Wrap(err, "export: write workbook")
	}
	return n, nil
}

// WriteFile exports to path, creating parent directories.
func WriteFile(ctx context.Context, src Source, filter store.SupplierFilter, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, eris.Wrap(err, "export: create directory")
	}
	out, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "export: create file")
	}
	n, err := Write(ctx, src, filter, out)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = eris.Wrap(cerr, "export: close file")
	}
	if err != nil {
		os.Remove(path) //nolint:errcheck
		return n, err
	}
	zap.L().Info("export: written", zap.String("path", path), zap.Int("suppliers", n))
	return n, nil
}

// CategoryPath is where a category export is written under the archive root.
func CategoryPath(root string, c model.Category) string {
	return filepath.Join(root, c.ID+"_"+c.Name, c.Name+"_供应商数据.xlsx")
}

func supplierRow(s model.Supplier) []string {
	return []string{
		s.CompanyID, s.CompanyName, s.ActionURL, s.CountryCode, s.City,
		s.GoldYears, boolCell(s.VerifiedSupplier), boolCell(s.IsFactory), s.ReviewScore, s.ReviewCount,
		s.OnTimeShipping, s.FactorySize, s.TotalEmployees,
		s.TransactionCount6M, s.TransactionGMV6M, boolCell(s.GoldSupplier),
		boolCell(s.TradeAssurance), s.ResponseTime, s.CategoryID, s.CategoryName,
		boolCell(s.LicenseExtracted), boolCell(s.SkipExtraction), strconv.Itoa(s.ExtractionFailedCount),
		boolCell(s.IsUsed), string(s.OCRStatus), s.SavePath,
	}
}

func boolCell(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
