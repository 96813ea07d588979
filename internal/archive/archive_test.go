package archive

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-cli/internal/extract"
	"github.com/sells-group/supplier-cli/internal/gateway"
	"github.com/sells-group/supplier-cli/internal/model"
)

type fakeFetcher struct {
	bodies map[string][]byte
	reqs   []gateway.Request
}

func (f *fakeFetcher) Fetch(_ context.Context, req gateway.Request) ([]byte, error) {
	f.reqs = append(f.reqs, req)
	if b, ok := f.bodies[req.URL]; ok {
		return b, nil
	}
	return nil, eris.New("404")
}

type fakeStore struct {
	paths   map[string]string
	assets  []model.LicenseAsset
	details *model.LicenseDetails
}

func (f *fakeStore) SetSavePath(_ context.Context, id, path string) error {
	f.paths[id] = path
	return nil
}

func (f *fakeStore) Licenses(context.Context, string) ([]model.LicenseAsset, error) {
	return f.assets, nil
}

func (f *fakeStore) LicenseDetails(context.Context, string) (*model.LicenseDetails, error) {
	return f.details, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 30, B: 30, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

var supplier = model.Supplier{
	CompanyID:    "123",
	CompanyName:  "Acme Tools: Co/Ltd",
	CategoryID:   "100003",
	CategoryName: "Hardware",
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "Acme Tools_ Co_Ltd", SafeName("Acme Tools: Co/Ltd", "x"))
	assert.Equal(t, "x", SafeName("  ", "x"))
	assert.Equal(t, "x", SafeName("..", "x"))
	long := SafeName(string(bytes.Repeat([]byte("字"), 80)), "x")
	assert.Len(t, []rune(long), maxNameLen)
	assert.Equal(t, "100003_Hardware", CategoryDir("100003", "Hardware"))
	assert.Equal(t, "uncategorized", CategoryDir("", "Hardware"))
}

func TestArchive_WritesDetailsImageAndThumbnail(t *testing.T) {
	dir := t.TempDir()
	asset := model.LicenseAsset{Name: "Habc", URL: "https://sc04.alicdn.com/kf/Habc.png", FileID: "Habc.png"}
	f := &fakeFetcher{bodies: map[string][]byte{asset.URL: pngBytes(t, 800, 600)}}
	st := &fakeStore{paths: map[string]string{}}
	a := New(dir, f, st)

	res := &extract.Result{
		Found:  1,
		Assets: []model.LicenseAsset{asset},
		Details: &model.LicenseDetails{
			RegistrationNo:    "91330110MA2B0XXXXX",
			CompanyName:       "Acme Tools Co., Ltd.",
			RegisteredCapital: "1000000 RMB",
		},
	}

	folder, err := a.Archive(context.Background(), supplier, res)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "100003_Hardware", "Acme Tools_ Co_Ltd"), folder)
	assert.Equal(t, folder, st.paths["123"])

	text, err := os.ReadFile(filepath.Join(folder, DetailsFile))
	require.NoError(t, err)
	assert.Contains(t, string(text), "供应商: Acme Tools: Co/Ltd")
	assert.Contains(t, string(text), "公司ID: 123")
	assert.Contains(t, string(text), "Registration No.: 91330110MA2B0XXXXX")
	assert.Contains(t, string(text), "Registered Capital: 1000000 RMB")
	assert.NotContains(t, string(text), "Legal Form")

	_, err = os.Stat(filepath.Join(folder, imagePrefix+"1.png"))
	require.NoError(t, err)

	thumb, err := imaging.Open(filepath.Join(folder, imagePrefix+"1"+thumbSuffix))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(thumbWidth, 300), thumb.Bounds().Size())

	require.Len(t, f.reqs, 1)
	assert.Equal(t, gateway.ModeHTML, f.reqs[0].Mode)
}

func TestArchive_ImageFailureKeepsDetails(t *testing.T) {
	dir := t.TempDir()
	st := &fakeStore{paths: map[string]string{}}
	a := New(dir, &fakeFetcher{}, st)

	res := &extract.Result{
		Assets:  []model.LicenseAsset{{URL: "https://sc04.alicdn.com/kf/Hmissing.jpg", FileID: "Hmissing.jpg"}},
		Details: &model.LicenseDetails{CompanyName: "Acme"},
	}
	folder, err := a.Archive(context.Background(), supplier, res)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(folder, DetailsFile))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(folder, imagePrefix+"1.jpg"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchive_UndecodableImageKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	asset := model.LicenseAsset{URL: "https://sc04.alicdn.com/kf/Hbad.jpg", FileID: "Hbad.jpg"}
	a := New(dir, &fakeFetcher{bodies: map[string][]byte{asset.URL: []byte("not an image")}}, nil)

	folder, err := a.Archive(context.Background(), supplier, &extract.Result{Assets: []model.LicenseAsset{asset}})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(folder, imagePrefix+"1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "not an image", string(raw))
	_, err = os.Stat(filepath.Join(folder, imagePrefix+"1"+thumbSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestArchive_EmptyResult(t *testing.T) {
	a := New(t.TempDir(), &fakeFetcher{}, nil)
	_, err := a.Archive(context.Background(), supplier, &extract.Result{})
	require.Error(t, err)
}

func TestArchiveStored(t *testing.T) {
	dir := t.TempDir()
	st := &fakeStore{
		paths:   map[string]string{},
		details: &model.LicenseDetails{LegalRepresentative: "Zhang San"},
	}
	a := New(dir, &fakeFetcher{}, st)

	folder, err := a.ArchiveStored(context.Background(), supplier)
	require.NoError(t, err)
	text, err := os.ReadFile(filepath.Join(folder, DetailsFile))
	require.NoError(t, err)
	assert.Contains(t, string(text), "Legal Representative: Zhang San")

	st.details = nil
	_, err = a.ArchiveStored(context.Background(), supplier)
	require.Error(t, err)
}

func TestNew_DefaultDir(t *testing.T) {
	assert.Equal(t, "result", New("", nil, nil).Dir())
}
