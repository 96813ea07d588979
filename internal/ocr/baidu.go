package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

const (
	baiduBaseURL     = "https://aip.baidubce.com"
	baiduTokenPath   = "/oauth/2.0/token"
	baiduLicensePath = "/rest/2.0/ocr/v1/business_license"

	// permanentExpiry is what the service prints for licenses with no end date.
	permanentExpiry = "长期"
)

// Baidu error codes that mean the access token must be refreshed.
const (
	baiduTokenInvalid = 110
	baiduTokenExpired = 111
)

// Baidu error codes for throttling and service-side faults.
var baiduTransientCodes = map[int]bool{
	2:      true, // service temporarily unavailable
	4:      true, // cluster over capacity
	17:     true, // daily quota reached
	18:     true, // QPS limit
	19:     true, // total quota reached
	282000: true, // internal error
}

// BaiduOption configures a Baidu recognizer.
type BaiduOption func(*Baidu)

// WithBaseURL points the client at another host. Used by tests.
func WithBaseURL(u string) BaiduOption {
	return func(b *Baidu) { b.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) BaiduOption {
	return func(b *Baidu) { b.client = hc }
}

// WithBreaker guards every recognition with cb.
func WithBreaker(cb *resilience.CircuitBreaker) BaiduOption {
	return func(b *Baidu) { b.breaker = cb }
}

// Baidu recognizes licenses with the Baidu AI Cloud business-license API.
type Baidu struct {
	apiKey    string
	secretKey string
	baseURL   string
	client    *http.Client
	breaker   *resilience.CircuitBreaker

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewBaidu creates a Baidu recognizer.
func NewBaidu(apiKey, secretKey string, opts ...BaiduOption) *Baidu {
	b := &Baidu{
		apiKey:    apiKey,
		secretKey: secretKey,
		baseURL:   baiduBaseURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.breaker == nil {
		b.breaker = NewBreaker(resilience.CircuitBreakerConfig{Name: "baidu-ocr"})
	}
	return b
}

type baiduTokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type baiduWord struct {
	Words string `json:"words"`
}

type baiduLicenseResponse struct {
	LogID       json.Number          `json:"log_id"`
	WordsResult map[string]baiduWord `json:"words_result"`
	ErrorCode   int                  `json:"error_code"`
	ErrorMsg    string               `json:"error_msg"`
}

type baiduAPIError struct {
	code int
	msg  string
}

func (e *baiduAPIError) Error() string {
	return "baidu error " + strconv.Itoa(e.code) + ": " + e.msg
}

func (e *baiduAPIError) Transient() bool { return baiduTransientCodes[e.code] }

// Recognize runs business-license OCR on the image at imageURL. A rejected
// call while the breaker is open returns resilience.ErrCircuitOpen.
func (b *Baidu) Recognize(ctx context.Context, imageURL string) (*model.OCRResult, error) {
	if !strings.HasPrefix(imageURL, "http://") && !strings.HasPrefix(imageURL, "https://") {
		return nil, eris.Errorf("ocr: invalid image url %q", imageURL)
	}
	return resilience.ExecuteVal(ctx, b.breaker, func(ctx context.Context) (*model.OCRResult, error) {
		res, err := b.recognize(ctx, imageURL)
		var apiErr *baiduAPIError
		if errors.As(err, &apiErr) && (apiErr.code == baiduTokenInvalid || apiErr.code == baiduTokenExpired) {
			zap.L().Debug("ocr: baidu token rejected, refreshing", zap.Int("code", apiErr.code))
			b.invalidate()
			res, err = b.recognize(ctx, imageURL)
		}
		return res, err
	})
}

func (b *Baidu) recognize(ctx context.Context, imageURL string) (*model.OCRResult, error) {
	token, err := b.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"url":             {imageURL},
		"detect_quality":  {"false"},
		"fullwidth_shift": {"false"},
	}
	endpoint := b.baseURL + baiduLicensePath + "?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: baidu build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := b.do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: baidu recognize")
	}

	var lr baiduLicenseResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, eris.Wrap(err, "ocr: baidu parse response")
	}
	if lr.ErrorCode != 0 {
		return nil, eris.Wrap(&baiduAPIError{code: lr.ErrorCode, msg: lr.ErrorMsg}, "ocr: baidu recognize")
	}
	if lr.WordsResult == nil {
		return nil, eris.New("ocr: baidu response has no words_result")
	}

	word := func(k string) string { return strings.TrimSpace(lr.WordsResult[k].Words) }
	res := &model.OCRResult{
		RegistrationNumber:  word("社会信用代码"),
		CompanyName:         word("单位名称"),
		RegisteredAddress:   word("地址"),
		LegalRepresentative: word("法人"),
		IssueDate:           word("成立日期"),
		ExpirationDate:      word("有效期"),
		RawData:             string(body),
	}
	if res.ExpirationDate == "" {
		res.ExpirationDate = permanentExpiry
	}
	return res, nil
}

// accessToken returns the cached token, fetching a new one when it is
// missing or within a minute of expiry.
func (b *Baidu) accessToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && b.now().Before(b.expires) {
		return b.token, nil
	}

	params := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {b.apiKey},
		"client_secret": {b.secretKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+baiduTokenPath+"?"+params.Encode(), nil)
	if err != nil {
		return "", eris.Wrap(err, "ocr: baidu build token request")
	}
	body, err := b.do(req)
	if err != nil {
		return "", eris.Wrap(err, "ocr: baidu token")
	}

	var tr baiduTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", eris.Wrap(err, "ocr: baidu parse token")
	}
	if tr.AccessToken == "" {
		return "", eris.Errorf("ocr: baidu token: %s %s", tr.Error, tr.ErrorDescription)
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	b.token = tr.AccessToken
	b.expires = b.now().Add(ttl - time.Minute)
	return b.token, nil
}

func (b *Baidu) invalidate() {
	b.mu.Lock()
	b.token = ""
	b.mu.Unlock()
}

func (b *Baidu) do(req *http.Request) ([]byte, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
