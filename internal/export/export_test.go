package export

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/store"
)

type fakeSource struct {
	suppliers []model.Supplier
	details   map[string]*model.LicenseDetails
	calls     int
	listErr   error
}

func (f *fakeSource) ListSuppliers(_ context.Context, filter store.SupplierFilter) ([]model.Supplier, int, error) {
	f.calls++
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	var matched []model.Supplier
	for _, s := range f.suppliers {
		if filter.CategoryID != "" && s.CategoryID != filter.CategoryID {
			continue
		}
		matched = append(matched, s)
	}
	end := min(filter.Offset+filter.Limit, len(matched))
	if filter.Offset >= len(matched) {
		return nil, len(matched), nil
	}
	return matched[filter.Offset:end], len(matched), nil
}

func (f *fakeSource) LicenseDetails(_ context.Context, id string) (*model.LicenseDetails, error) {
	return f.details[id], nil
}

func TestWrite(t *testing.T) {
	src := &fakeSource{
		suppliers: []model.Supplier{
			{CompanyID: "1", CompanyName: "Acme", CategoryID: "c1", VerifiedSupplier: true, LicenseExtracted: true, OCRStatus: model.OCRStatusPending},
			{CompanyID: "2", CompanyName: "Beta", CategoryID: "c1", ExtractionFailedCount: 2},
			{CompanyID: "3", CompanyName: "Gamma", CategoryID: "c2"},
		},
		details: map[string]*model.LicenseDetails{
			"1": {RegistrationNo: "REG-1", LegalForm: "LLC"},
		},
	}

	var buf bytes.Buffer
	n, err := Write(context.Background(), src, store.SupplierFilter{CategoryID: "c1", Limit: 1}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)

	sheet := f.Sheet[SupplierSheet]
	require.NotNil(t, sheet)
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, "company_id", sheet.Rows[0].Cells[0].String())
	assert.Equal(t, "Acme", sheet.Rows[1].Cells[1].String())
	assert.Equal(t, "1", sheet.Rows[1].Cells[6].String())
	assert.Equal(t, "2", sheet.Rows[2].Cells[22].String())

	details := f.Sheet[DetailsSheet]
	require.NotNil(t, details)
	require.Len(t, details.Rows, 2)
	assert.Equal(t, model.LicenseFieldLabels[0], details.Rows[0].Cells[1].String())
	assert.Equal(t, "REG-1", details.Rows[1].Cells[1].String())
	assert.Equal(t, "LLC", details.Rows[1].Cells[9].String())
}

func TestWrite_Paginates(t *testing.T) {
	src := &fakeSource{}
	for i := range pageSize + 10 {
		src.suppliers = append(src.suppliers, model.Supplier{CompanyID: fmt.Sprint(i)})
	}

	var buf bytes.Buffer
	n, err := Write(context.Background(), src, store.SupplierFilter{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, pageSize+10, n)
	assert.Equal(t, 2, src.calls)
}

func TestWrite_ListError(t *testing.T) {
	var buf bytes.Buffer
	_, err := Write(context.Background(), &fakeSource{listErr: eris.New("db down")}, store.SupplierFilter{}, &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export: list suppliers")
}

func TestWriteFile(t *testing.T) {
	c := model.Category{ID: "100003", Name: "Hardware"}
	path := CategoryPath(t.TempDir(), c)
	assert.Equal(t, "Hardware_供应商数据.xlsx", filepath.Base(path))

	src := &fakeSource{suppliers: []model.Supplier{{CompanyID: "1", CompanyName: "Acme"}}}
	n, err := WriteFile(context.Background(), src, store.SupplierFilter{}, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	assert.Len(t, f.Sheets, 2)
}
