package listing

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-cli/internal/model"
)

// Page is one parsed listing page.
type Page struct {
	Number    int              `json:"number"`
	Records   []model.Supplier `json:"records"`
	Discarded int              `json:"discarded"`
	// Hints is the provider's pagination block, when present.
	Hints map[string]any `json:"hints,omitempty"`
}

// flexString accepts a JSON string, number, bool or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
	default:
		*f = flexString(b)
	}
	return nil
}

// flexBool accepts true/false, "true"/"false", 1/0 and null.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(s) {
	case "true", "1", "y", "yes":
		*f = true
	default:
		*f = false
	}
	return nil
}

type keywordOffer struct {
	CompanyID        flexString `json:"companyId"`
	CompanyName      flexString `json:"companyName"`
	Action           flexString `json:"action"`
	CountryCode      flexString `json:"countryCode"`
	City             flexString `json:"city"`
	GoldYears        flexString `json:"goldYears"`
	VerifiedSupplier flexBool   `json:"verifiedSupplier"`
	IsFactory        flexBool   `json:"isFactory"`
	ReviewScore      flexString `json:"reviewScore"`
	ReviewCount      flexString `json:"reviewCount"`
}

type keywordPayload struct {
	Success flexBool `json:"success"`
	Model   *struct {
		Offers         []keywordOffer  `json:"offers"`
		Pagination     json.RawMessage `json:"pagination"`
		PageInfo       json.RawMessage `json:"pageInfo"`
		PaginationData json.RawMessage `json:"paginationData"`
	} `json:"model"`
}

// ParseKeyword parses a keyword search payload.
func ParseKeyword(body []byte) (*Page, error) {
	var p keywordPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, eris.Wrap(err, "listing: decode keyword payload")
	}
	if !p.Success {
		return nil, eris.Errorf("listing: provider reported failure: %s", truncate(body, 200))
	}
	if p.Model == nil || p.Model.Offers == nil {
		return nil, eris.New("listing: keyword payload has no offers")
	}

	page := &Page{Hints: firstHints(p.Model.Pagination, p.Model.PageInfo, p.Model.PaginationData)}
	for _, o := range p.Model.Offers {
		id := string(o.CompanyID)
		if id == "" {
			page.Discarded++
			continue
		}
		page.Records = append(page.Records, model.Supplier{
			CompanyID:        id,
			CompanyName:      string(o.CompanyName),
			ActionURL:        KeywordDetailURL(string(o.Action)),
			CountryCode:      string(o.CountryCode),
			City:             string(o.City),
			GoldYears:        string(o.GoldYears),
			VerifiedSupplier: bool(o.VerifiedSupplier),
			IsFactory:        bool(o.IsFactory),
			ReviewScore:      string(o.ReviewScore),
			ReviewCount:      string(o.ReviewCount),
		})
	}
	return page, nil
}

type categoryItem struct {
	CompanyID          flexString `json:"companyId"`
	CompanyName        flexString `json:"companyName"`
	ReviewsURL         flexString `json:"reviewsUrl"`
	GoldYears          flexString `json:"goldSupplierYearsText"`
	Assessed           flexBool   `json:"assessedSupplier"`
	Rate               flexString `json:"rate"`
	Reviews            flexString `json:"reviews"`
	OnTimeShipping     flexString `json:"companyOnTimeShipping"`
	FactorySize        flexString `json:"factorySizeText"`
	TotalEmployees     flexString `json:"totalEmployeesText"`
	TransactionCount6M flexString `json:"transactionCountDuring6Months"`
	TransactionGMV6M   flexString `json:"transactionGmvDuring6MonthsText"`
	GoldSupplier       flexBool   `json:"goldSupplier"`
	TradeAssurance     flexBool   `json:"tradeAssurance"`
	ResponseTime       flexString `json:"responseTime"`
}

type categoryPayload struct {
	Code flexString `json:"code"`
	Data *struct {
		List []categoryItem  `json:"list"`
		Page json.RawMessage `json:"page"`
	} `json:"data"`
}

// ParseCategory parses a category gateway payload. Records are stamped with
// the query's category and marked as factories.
func ParseCategory(body []byte, q Query) (*Page, error) {
	var p categoryPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, eris.Wrap(err, "listing: decode category payload")
	}
	if p.Code != "200" {
		return nil, eris.Errorf("listing: category api returned code %q: %s", string(p.Code), truncate(body, 200))
	}
	if p.Data == nil || p.Data.List == nil {
		return nil, eris.New("listing: category payload has no list")
	}

	page := &Page{Hints: firstHints(p.Data.Page)}
	for _, it := range p.Data.List {
		id := string(it.CompanyID)
		if id == "" {
			page.Discarded++
			continue
		}
		page.Records = append(page.Records, model.Supplier{
			CompanyID:          id,
			CompanyName:        string(it.CompanyName),
			ActionURL:          CategoryDetailURL(string(it.ReviewsURL)),
			GoldYears:          string(it.GoldYears),
			VerifiedSupplier:   bool(it.Assessed),
			IsFactory:          true,
			ReviewScore:        string(it.Rate),
			ReviewCount:        string(it.Reviews),
			OnTimeShipping:     string(it.OnTimeShipping),
			FactorySize:        string(it.FactorySize),
			TotalEmployees:     string(it.TotalEmployees),
			TransactionCount6M: string(it.TransactionCount6M),
			TransactionGMV6M:   string(it.TransactionGMV6M),
			GoldSupplier:       bool(it.GoldSupplier),
			TradeAssurance:     bool(it.TradeAssurance),
			ResponseTime:       string(it.ResponseTime),
			CategoryID:         q.CategoryID,
			CategoryName:       q.CategoryName,
		})
	}
	return page, nil
}

// Parse dispatches on the query kind.
func Parse(body []byte, q Query) (*Page, error) {
	if q.Kind == KindCategory {
		return ParseCategory(body, q)
	}
	return ParseKeyword(body)
}

// KeywordDetailURL turns an offer's protocol-relative action link into the
// onsite-detail URL.
func KeywordDetailURL(action string) string {
	action = strings.TrimSpace(action)
	if action == "" {
		return ""
	}
	if strings.HasPrefix(action, "//") {
		action = "https:" + action
	}
	if strings.Contains(action, "?") {
		return action + "&" + model.DetailSuffix
	}
	return action + "?" + model.DetailSuffix
}

// CategoryDetailURL derives the detail URL from the host of a reviews link.
func CategoryDetailURL(reviewsURL string) string {
	reviewsURL = strings.TrimPrefix(strings.TrimSpace(reviewsURL), "//")
	if reviewsURL == "" {
		return ""
	}
	if !strings.Contains(reviewsURL, "://") {
		reviewsURL = "https://" + reviewsURL
	}
	u, err := url.Parse(reviewsURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return "https://" + u.Host + "/zh_CN/company_profile.html?" + model.DetailSuffix
}

func firstHints(raws ...json.RawMessage) map[string]any {
	for _, raw := range raws {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil && len(m) > 0 {
			return m
		}
	}
	return nil
}

// TotalPages reads a page count from the pagination hints, if the provider
// sent one.
func (p *Page) TotalPages() (int, bool) {
	for _, k := range []string{"totalPage", "totalPages", "pageCount", "total_page"} {
		switch v := p.Hints[k].(type) {
		case float64:
			return int(v), true
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
