package extract

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/supplier-cli/internal/gateway"
	"github.com/sells-group/supplier-cli/internal/model"
)

// DefaultMinAssetBytes drops icons and thumbnails that survive normalization.
const DefaultMinAssetBytes = 20 * 1024

const (
	cdnBase                 = "https://sc04.alicdn.com/kf/"
	defaultProbeConcurrency = 10
)

var cdnPattern = regexp.MustCompile(`https://sc04\.alicdn\.com/kf/([^"]+\.(?:jpg|png))`)

// thumbSizes are the CDN's resized variants of an uploaded image.
var thumbSizes = []string{"_50x50", "_80x80", "_100x100", "_120x120", "_200x200", "_250x250", "_350x350"}

// FindAssets returns the distinct full-size CDN images referenced by a detail
// page, in order of first appearance. Thumbnail URLs are mapped back to the
// original upload.
func FindAssets(html string) []model.LicenseAsset {
	var (
		out  []model.LicenseAsset
		seen = make(map[string]bool)
	)
	for _, m := range cdnPattern.FindAllStringSubmatch(html, -1) {
		name := normalizeAssetName(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, model.LicenseAsset{
			Name:   strings.TrimSuffix(name, path.Ext(name)),
			URL:    cdnBase + name,
			FileID: name,
		})
	}
	return out
}

// normalizeAssetName strips a thumbnail suffix. Names that still carry a size
// marker afterwards are not originals and are dropped.
func normalizeAssetName(fileID string) string {
	ext := path.Ext(fileID)
	base := strings.TrimSuffix(fileID, ext)
	for _, size := range thumbSizes {
		if strings.HasSuffix(base, size) {
			base = strings.TrimSuffix(base, size)
			break
		}
	}
	for _, size := range thumbSizes {
		if strings.Contains(base, size) {
			return ""
		}
	}
	return base + ext
}

// Prober measures remote asset sizes.
type Prober interface {
	ContentLength(ctx context.Context, url string, proxy *model.ProxyConfig) (int64, bool, error)
}

type probed struct {
	asset model.LicenseAsset
	known bool
	keep  bool
}

// SelectLargest probes every candidate and keeps the single largest one at or
// above minBytes. Candidates whose size cannot be measured are only used
// when nothing measured qualifies. Candidates the CDN rejects with a status
// are dropped. The result has zero or one element.
func SelectLargest(ctx context.Context, p Prober, proxy *model.ProxyConfig, candidates []model.LicenseAsset, minBytes int64, concurrency int) []model.LicenseAsset {
	if len(candidates) == 0 {
		return nil
	}
	if concurrency <= 0 {
		concurrency = defaultProbeConcurrency
	}

	results := make([]probed, len(candidates))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			size, known, err := p.ContentLength(gCtx, c.URL, proxy)
			r := probed{asset: c, keep: true}
			switch {
			case err != nil:
				var fe *gateway.FetchError
				if errors.As(err, &fe) && fe.StatusCode != 0 {
					r.keep = false
				}
				zap.L().Debug("extract: size probe failed", zap.String("url", c.URL), zap.Bool("kept", r.keep), zap.Error(err))
			case known:
				r.known = true
				r.asset.Size = size
				r.keep = size >= minBytes
				if !r.keep {
					zap.L().Debug("extract: asset below size threshold", zap.String("url", c.URL), zap.Int64("size", size))
				}
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	var best, fallback *model.LicenseAsset
	for i := range results {
		r := &results[i]
		if !r.keep {
			continue
		}
		if r.known {
			if best == nil || r.asset.Size > best.Size {
				best = &r.asset
			}
		} else if fallback == nil {
			fallback = &r.asset
		}
	}
	switch {
	case best != nil:
		return []model.LicenseAsset{*best}
	case fallback != nil:
		return []model.LicenseAsset{*fallback}
	default:
		return nil
	}
}
