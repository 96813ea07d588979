package extract

import (
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/supplier-cli/internal/model"
)

// detailPatterns match `<span>Label</span> : value` rows of the license
// block, one per model.LicenseFieldLabels entry.
var detailPatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(model.LicenseFieldLabels))
	for i, label := range model.LicenseFieldLabels {
		out[i] = regexp.MustCompile(`<span[^>]*>\s*` + regexp.QuoteMeta(label) + `\s*</span>\s*:\s*([^<]+)`)
	}
	return out
}()

// ParseDetails extracts the license fields from a detail page. Missing fields
// are empty. It returns nil when the page holds none of them.
func ParseDetails(page string) *model.LicenseDetails {
	values := make([]string, len(detailPatterns))
	found := false
	for i, re := range detailPatterns {
		m := re.FindStringSubmatch(page)
		if m == nil {
			continue
		}
		values[i] = cleanValue(m[1])
		if values[i] != "" {
			found = true
		}
	}
	if !found {
		return nil
	}
	return &model.LicenseDetails{
		RegistrationNo:      values[0],
		CompanyName:         values[1],
		DateOfIssue:         values[2],
		DateOfExpiry:        values[3],
		RegisteredCapital:   values[4],
		CountryTerritory:    values[5],
		RegisteredAddress:   values[6],
		YearEstablished:     values[7],
		LegalForm:           values[8],
		LegalRepresentative: values[9],
	}
}

// cleanValue unescapes entities, folds full-width forms and collapses
// whitespace.
func cleanValue(s string) string {
	s = norm.NFKC.String(html.UnescapeString(s))
	return strings.Join(strings.Fields(s), " ")
}

// PageTitle returns the document title, falling back to og:title.
func PageTitle(page string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return ""
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return cleanValue(t)
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		return cleanValue(t)
	}
	return ""
}
