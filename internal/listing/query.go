// Package listing builds paginated listing queries against the provider and
// turns its JSON payloads into supplier records.
package listing

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-cli/internal/model"
)

// Kind is how a listing is browsed.
type Kind string

const (
	KindKeyword  Kind = "keyword"
	KindCategory Kind = "category"
)

// Provider endpoints.
const (
	DefaultSearchURL   = "https://www.alibaba.com/search/api/supplierTextSearch"
	DefaultCategoryURL = "https://insights.alibaba.com/openservice/gatewayService"

	DefaultKeywordPageSize  = 20
	DefaultCategoryPageSize = 12

	categoryModelID = "10300"
)

// Endpoints are the listing API base URLs.
type Endpoints struct {
	SearchURL   string
	CategoryURL string
}

func (e Endpoints) withDefaults() Endpoints {
	if e.SearchURL == "" {
		e.SearchURL = DefaultSearchURL
	}
	if e.CategoryURL == "" {
		e.CategoryURL = DefaultCategoryURL
	}
	return e
}

// Query selects one listing: a free-text keyword or a category.
type Query struct {
	Kind         Kind
	Keyword      string
	CategoryID   string
	CategoryName string
	PageSize     int
}

// KeywordQuery returns a keyword search query.
func KeywordQuery(keyword string, pageSize int) Query {
	return Query{Kind: KindKeyword, Keyword: strings.TrimSpace(keyword), PageSize: pageSize}
}

// CategoryQuery returns a category browsing query.
func CategoryQuery(c model.Category, pageSize int) Query {
	return Query{Kind: KindCategory, CategoryID: c.ID, CategoryName: c.Name, PageSize: pageSize}
}

// Label identifies the query in logs and the page-failure ledger.
func (q Query) Label() string {
	if q.Kind == KindCategory {
		if q.CategoryName != "" {
			return q.CategoryID + " " + q.CategoryName
		}
		return q.CategoryID
	}
	return q.Keyword
}

// Validate checks the query can be turned into a URL.
func (q Query) Validate() error {
	switch q.Kind {
	case KindKeyword:
		if strings.TrimSpace(q.Keyword) == "" {
			return eris.New("listing: empty keyword")
		}
	case KindCategory:
		if q.CategoryID == "" {
			return eris.New("listing: empty category id")
		}
	default:
		return eris.Errorf("listing: unknown query kind %q", q.Kind)
	}
	return nil
}

// URL builds the request URL for page (1-based).
func (q Query) URL(ep Endpoints, page int, now time.Time) (string, error) {
	if err := q.Validate(); err != nil {
		return "", err
	}
	if page < 1 {
		return "", eris.Errorf("listing: invalid page %d", page)
	}
	ep = ep.withDefaults()

	if q.Kind == KindCategory {
		size := q.PageSize
		if size <= 0 {
			size = DefaultCategoryPageSize
		}
		v := url.Values{}
		v.Set("endpoint", "pc")
		v.Set("pageSize", strconv.Itoa(size))
		v.Set("categoryIds", q.CategoryID)
		v.Set("pageNo", strconv.Itoa(page))
		v.Set("modelId", categoryModelID)
		return ep.CategoryURL + "?" + v.Encode(), nil
	}

	size := q.PageSize
	if size <= 0 {
		size = DefaultKeywordPageSize
	}
	kw := strings.TrimSpace(q.Keyword)
	first := strings.Fields(kw)[0]
	ms := strconv.FormatInt(now.UnixMilli(), 10)

	v := url.Values{}
	v.Set("productQpKeywords", kw)
	v.Set("cateIdLv1List", "66")
	v.Set("qpListData", "201758404,201757704,201334819,201762603,202221803")
	v.Set("supplierQpProductName", first)
	v.Set("query", kw)
	v.Set("productAttributes", first)
	v.Set("pageSize", strconv.Itoa(size))
	v.Set("queryMachineTranslate", kw)
	v.Set("productName", kw)
	v.Set("intention", "")
	v.Set("queryProduct", " "+kw)
	v.Set("supplierAttributes", "")
	v.Set("requestId", fmt.Sprintf("AI_Web_2500000600257_%s", ms))
	v.Set("queryRaw", kw)
	v.Set("supplierQpKeywords", strings.ReplaceAll(kw, " ", ","))
	v.Set("startTime", ms)
	v.Set("page", strconv.Itoa(page))
	v.Set("verifiedManufactory", "true")
	return ep.SearchURL + "?" + v.Encode(), nil
}
