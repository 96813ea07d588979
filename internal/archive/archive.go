// Package archive writes a supplier's license artifacts to disk: a text file
// of the license fields, the chosen license image and a JPEG thumbnail.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/extract"
	"github.com/sells-group/supplier-cli/internal/gateway"
	"github.com/sells-group/supplier-cli/internal/model"
)

const (
	DetailsFile = "执照信息.txt"
	imagePrefix = "执照图片_"
	thumbSuffix = "_thumb.jpg"
	thumbWidth  = 400
	maxNameLen  = 50
)

// Fetcher downloads artifact bytes.
type Fetcher interface {
	Fetch(ctx context.Context, req gateway.Request) ([]byte, error)
}

// Store records where a supplier was archived and serves stored artifacts.
type Store interface {
	SetSavePath(ctx context.Context, companyID, path string) error
	Licenses(ctx context.Context, companyID string) ([]model.LicenseAsset, error)
	LicenseDetails(ctx context.Context, companyID string) (*model.LicenseDetails, error)
}

// Archiver implements extract.Archiver on the local filesystem.
type Archiver struct {
	dir     string
	fetcher Fetcher
	store   Store
}

// New creates an Archiver rooted at dir.
func New(dir string, f Fetcher, st Store) *Archiver {
	if dir == "" {
		dir = "result"
	}
	return &Archiver{dir: dir, fetcher: f, store: st}
}

// Dir returns the archive root.
func (a *Archiver) Dir() string { return a.dir }

// Folder returns the directory a supplier is archived under.
func (a *Archiver) Folder(s model.Supplier) string {
	return filepath.Join(a.dir, CategoryDir(s.CategoryID, s.CategoryName), SafeName(s.CompanyName, s.CompanyID))
}

// CategoryDir names the per-category folder.
func CategoryDir(id, name string) string {
	if id == "" {
		return "uncategorized"
	}
	return SafeName(id+"_"+name, id)
}

// SafeName strips path and shell-hostile characters and bounds the length.
// An empty result falls back to fallback.
func SafeName(name, fallback string) string {
	r := strings.NewReplacer(
		"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_",
		`"`, "_", "<", "_", ">", "_", "|", "_",
	)
	out := strings.TrimSpace(r.Replace(name))
	if rs := []rune(out); len(rs) > maxNameLen {
		out = string(rs[:maxNameLen])
	}
	out = strings.Trim(out, ". ")
	if out == "" {
		return fallback
	}
	return out
}

// Archive writes the extraction result for s and records the folder as the
// supplier's save path.
func (a *Archiver) Archive(ctx context.Context, s model.Supplier, r *extract.Result) (string, error) {
	if r == nil || r.Empty() {
		return "", eris.Errorf("archive: nothing to archive for %s", s.CompanyID)
	}

	folder := a.Folder(s)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", eris.Wrapf(err, "archive: create %s", folder)
	}

	if r.Details != nil {
		if err := writeDetails(folder, s, r.Details); err != nil {
			return "", err
		}
	}

	for i, asset := range r.Assets {
		if err := a.writeImage(ctx, folder, i+1, asset); err != nil {
			// An image that cannot be downloaded does not undo the text file.
			zap.L().Warn("archive: image skipped",
				zap.String("company_id", s.CompanyID),
				zap.String("url", asset.URL),
				zap.Error(err),
			)
		}
	}

	if a.store != nil {
		if err := a.store.SetSavePath(ctx, s.CompanyID, folder); err != nil {
			return folder, eris.Wrap(err, "archive: record save path")
		}
	}
	zap.L().Debug("archive: written", zap.String("company_id", s.CompanyID), zap.String("folder", folder))
	return folder, nil
}

// ArchiveStored re-archives a supplier from the artifacts already in the store.
func (a *Archiver) ArchiveStored(ctx context.Context, s model.Supplier) (string, error) {
	if a.store == nil {
		return "", eris.New("archive: no store configured")
	}
	assets, err := a.store.Licenses(ctx, s.CompanyID)
	if err != nil {
		return "", eris.Wrapf(err, "archive: licenses %s", s.CompanyID)
	}
	details, err := a.store.LicenseDetails(ctx, s.CompanyID)
	if err != nil {
		return "", eris.Wrapf(err, "archive: details %s", s.CompanyID)
	}
	return a.Archive(ctx, s, &extract.Result{Assets: assets, Details: details, Found: len(assets)})
}

func writeDetails(folder string, s model.Supplier, d *model.LicenseDetails) error {
	var b strings.Builder
	fmt.Fprintf(&b, "供应商: %s\n", s.CompanyName)
	fmt.Fprintf(&b, "公司ID: %s\n", s.CompanyID)
	if s.CategoryName != "" {
		fmt.Fprintf(&b, "分类: %s\n", s.CategoryName)
	}
	b.WriteString(strings.Repeat("=", 50) + "\n")
	for i, v := range d.Values() {
		if v == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", model.LicenseFieldLabels[i], v)
	}
	path := filepath.Join(folder, DetailsFile)
	return eris.Wrapf(os.WriteFile(path, []byte(b.String()), 0o644), "archive: write %s", path)
}

// writeImage stores the original bytes and, when they decode, a thumbnail.
func (a *Archiver) writeImage(ctx context.Context, folder string, n int, asset model.LicenseAsset) error {
	if a.fetcher == nil {
		return eris.New("archive: no fetcher configured")
	}
	data, err := a.fetcher.Fetch(ctx, gateway.Request{URL: asset.URL, Mode: gateway.ModeHTML})
	if err != nil {
		return eris.Wrap(err, "archive: download image")
	}

	ext := "." + asset.Ext()
	if ext == "." {
		ext = ".jpg"
	}
	base := fmt.Sprintf("%s%d", imagePrefix, n)
	if err := os.WriteFile(filepath.Join(folder, base+ext), data, 0o644); err != nil {
		return eris.Wrap(err, "archive: write image")
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return eris.Wrap(err, "archive: decode image")
	}
	thumb := imaging.Resize(img, thumbWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG); err != nil {
		return eris.Wrap(err, "archive: encode thumbnail")
	}
	return eris.Wrap(os.WriteFile(filepath.Join(folder, base+thumbSuffix), buf.Bytes(), 0o644), "archive: write thumbnail")
}
