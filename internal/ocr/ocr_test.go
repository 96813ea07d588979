package ocr

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-cli/internal/config"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
	"github.com/sells-group/supplier-cli/pkg/geocode"
)

const licenseJSON = `{
	"log_id": 1234567890123,
	"words_result_num": 6,
	"words_result": {
		"社会信用代码": {"words": "91330110MA2B0XXXXX"},
		"单位名称": {"words": "杭州示例贸易有限公司"},
		"地址": {"words": "浙江省杭州市余杭区文一西路969号"},
		"法人": {"words": "张三"},
		"成立日期": {"words": "2018年03月12日"},
		"有效期": {"words": ""}
	}
}`

type baiduServer struct {
	tokens   atomic.Int32
	calls    atomic.Int32
	gotURL   atomic.Value
	gotToken atomic.Value
	handler  func(w http.ResponseWriter, call int32)
}

func newBaiduServer(t *testing.T, h func(w http.ResponseWriter, call int32)) (*baiduServer, *httptest.Server) {
	t.Helper()
	bs := &baiduServer{handler: h}
	mux := http.NewServeMux()
	mux.HandleFunc(baiduTokenPath, func(w http.ResponseWriter, r *http.Request) {
		n := bs.tokens.Add(1)
		assert.Equal(t, "client_credentials", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "ak", r.URL.Query().Get("client_id"))
		assert.Equal(t, "sk", r.URL.Query().Get("client_secret"))
		_, _ = io.WriteString(w, `{"access_token":"tok-`+string(rune('0'+n))+`","expires_in":2592000}`)
	})
	mux.HandleFunc(baiduLicensePath, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		bs.gotURL.Store(r.PostForm.Get("url"))
		bs.gotToken.Store(r.URL.Query().Get("access_token"))
		bs.handler(w, bs.calls.Add(1))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return bs, srv
}

func TestNewRecognizer(t *testing.T) {
	rec, err := NewRecognizer(config.OCRConfig{Provider: "baidu", APIKey: "ak", SecretKey: "sk"})
	require.NoError(t, err)
	assert.IsType(t, &Baidu{}, rec)

	_, err = NewRecognizer(config.OCRConfig{Provider: "baidu"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires ocr.api_key")

	_, err = NewRecognizer(config.OCRConfig{Provider: "tesseract", APIKey: "ak", SecretKey: "sk"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestBaidu_Recognize(t *testing.T) {
	bs, srv := newBaiduServer(t, func(w http.ResponseWriter, _ int32) {
		_, _ = io.WriteString(w, licenseJSON)
	})
	b := NewBaidu("ak", "sk", WithBaseURL(srv.URL))

	res, err := b.Recognize(context.Background(), "https://sc04.alicdn.com/kf/Habc.jpg")
	require.NoError(t, err)
	assert.Equal(t, "91330110MA2B0XXXXX", res.RegistrationNumber)
	assert.Equal(t, "杭州示例贸易有限公司", res.CompanyName)
	assert.Equal(t, "浙江省杭州市余杭区文一西路969号", res.RegisteredAddress)
	assert.Equal(t, "张三", res.LegalRepresentative)
	assert.Equal(t, "2018年03月12日", res.IssueDate)
	assert.Equal(t, permanentExpiry, res.ExpirationDate)
	assert.Contains(t, res.RawData, "words_result")
	assert.Equal(t, "https://sc04.alicdn.com/kf/Habc.jpg", bs.gotURL.Load())
	assert.Equal(t, "tok-1", bs.gotToken.Load())

	// Token is cached across calls.
	_, err = b.Recognize(context.Background(), "https://sc04.alicdn.com/kf/Hdef.jpg")
	require.NoError(t, err)
	assert.Equal(t, int32(1), bs.tokens.Load())
}

func TestBaidu_TokenExpiry(t *testing.T) {
	bs, srv := newBaiduServer(t, func(w http.ResponseWriter, _ int32) {
		_, _ = io.WriteString(w, licenseJSON)
	})
	b := NewBaidu("ak", "sk", WithBaseURL(srv.URL))
	now := time.Now()
	b.now = func() time.Time { return now }

	_, err := b.Recognize(context.Background(), "https://example.com/a.jpg")
	require.NoError(t, err)

	now = now.Add(31 * 24 * time.Hour)
	_, err = b.Recognize(context.Background(), "https://example.com/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, int32(2), bs.tokens.Load())
	assert.Equal(t, "tok-2", bs.gotToken.Load())
}

func TestBaidu_RefreshesRejectedToken(t *testing.T) {
	bs, srv := newBaiduServer(t, func(w http.ResponseWriter, call int32) {
		if call == 1 {
			_, _ = io.WriteString(w, `{"error_code":110,"error_msg":"Access token invalid or no longer valid"}`)
			return
		}
		_, _ = io.WriteString(w, licenseJSON)
	})
	b := NewBaidu("ak", "sk", WithBaseURL(srv.URL))

	res, err := b.Recognize(context.Background(), "https://example.com/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "张三", res.LegalRepresentative)
	assert.Equal(t, int32(2), bs.tokens.Load())
	assert.Equal(t, int32(2), bs.calls.Load())
}

func TestBaidu_APIError(t *testing.T) {
	_, srv := newBaiduServer(t, func(w http.ResponseWriter, _ int32) {
		_, _ = io.WriteString(w, `{"error_code":216201,"error_msg":"image format error"}`)
	})
	b := NewBaidu("ak", "sk", WithBaseURL(srv.URL))

	_, err := b.Recognize(context.Background(), "https://example.com/a.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image format error")
	assert.Equal(t, resilience.ClassPermanent, resilience.ClassifyError(err))
}

func TestBaidu_InvalidURL(t *testing.T) {
	b := NewBaidu("ak", "sk", WithBaseURL("http://127.0.0.1:0"))
	_, err := b.Recognize(context.Background(), "ftp://example.com/a.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid image url")
}

func TestBaidu_BreakerOpensOnTransientOnly(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	bs, srv := newBaiduServer(t, func(w http.ResponseWriter, _ int32) {
		if s := int(status.Load()); s != http.StatusOK {
			w.WriteHeader(s)
			return
		}
		_, _ = io.WriteString(w, `{"error_code":216201,"error_msg":"image format error"}`)
	})
	cb := NewBreaker(resilience.CircuitBreakerConfig{Name: "test", FailureThreshold: 2, ResetTimeout: time.Hour})
	b := NewBaidu("ak", "sk", WithBaseURL(srv.URL), WithBreaker(cb))

	// Permanent errors never trip the breaker.
	status.Store(http.StatusOK)
	for range 3 {
		_, err := b.Recognize(context.Background(), "https://example.com/a.jpg")
		require.Error(t, err)
	}
	assert.Equal(t, resilience.CircuitClosed, cb.State())

	status.Store(http.StatusServiceUnavailable)
	for range 2 {
		_, err := b.Recognize(context.Background(), "https://example.com/a.jpg")
		require.Error(t, err)
	}
	assert.Equal(t, resilience.CircuitOpen, cb.State())

	before := bs.calls.Load()
	_, err := b.Recognize(context.Background(), "https://example.com/a.jpg")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, before, bs.calls.Load())
}

// --- runner ---

type memStore struct {
	mu       sync.Mutex
	pending  []model.OCRCandidate
	results  map[string]*model.OCRResult
	statuses map[string]model.OCRStatus
	used     map[string]bool
	saveErr  error
}

func newMemStore(ids ...string) *memStore {
	m := &memStore{
		results:  map[string]*model.OCRResult{},
		statuses: map[string]model.OCRStatus{},
		used:     map[string]bool{},
	}
	for _, id := range ids {
		m.pending = append(m.pending, model.OCRCandidate{CompanyID: id, LicenseURL: "https://sc04.alicdn.com/kf/" + id + ".jpg"})
		m.statuses[id] = model.OCRStatusPending
	}
	return m
}

func (m *memStore) PendingOCR(_ context.Context, limit int) ([]model.OCRCandidate, error) {
	if limit > 0 && limit < len(m.pending) {
		return m.pending[:limit], nil
	}
	return m.pending, nil
}

func (m *memStore) SaveOCRResult(_ context.Context, r *model.OCRResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.results[r.CompanyID] = r
	return nil
}

func (m *memStore) SetOCRStatus(_ context.Context, id string, s model.OCRStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = s
	return nil
}

func (m *memStore) SetUsed(_ context.Context, id string, used bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used[id] = used
	return nil
}

type fakeRecognizer struct {
	errs map[string]error
}

func (f *fakeRecognizer) Recognize(_ context.Context, imageURL string) (*model.OCRResult, error) {
	if err, ok := f.errs[imageURL]; ok {
		return nil, err
	}
	return &model.OCRResult{RegistrationNumber: "REG", RegisteredAddress: "浙江省杭州市余杭区文一西路969号"}, nil
}

type fakeGeo struct {
	err error
}

func (f *fakeGeo) Resolve(_ context.Context, _ string) (*geocode.Region, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &geocode.Region{Province: "浙江省", City: "杭州市", District: "余杭区", Matched: true}, nil
}

func TestRunner_Run(t *testing.T) {
	st := newMemStore("a", "b", "c", "d")
	rec := &fakeRecognizer{errs: map[string]error{
		"https://sc04.alicdn.com/kf/b.jpg": eris.New("image format error"),
		"https://sc04.alicdn.com/kf/c.jpg": resilience.ErrCircuitOpen,
	}}

	report, err := NewRunner(rec, &fakeGeo{}, st).Run(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, RunReport{Total: 4, Succeeded: 2, Failed: 1, Deferred: 1}, report)

	assert.Equal(t, model.OCRStatusSuccess, st.statuses["a"])
	assert.Equal(t, model.OCRStatusError, st.statuses["b"])
	assert.Equal(t, model.OCRStatusPending, st.statuses["c"])
	assert.True(t, st.used["a"])
	assert.False(t, st.used["b"])
	assert.False(t, st.used["c"])

	res := st.results["a"]
	require.NotNil(t, res)
	assert.Equal(t, "a", res.CompanyID)
	assert.Equal(t, "浙江省", res.Province)
	assert.Equal(t, "杭州市", res.City)
	assert.Equal(t, "余杭区", res.District)
}

func TestRunner_GeocodeFailureStillSaves(t *testing.T) {
	st := newMemStore("a")
	report, err := NewRunner(&fakeRecognizer{}, &fakeGeo{err: eris.New("quota")}, st).Run(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Empty(t, st.results["a"].Province)
	assert.Equal(t, "REG", st.results["a"].RegistrationNumber)
}

func TestRunner_NilGeocoder(t *testing.T) {
	st := newMemStore("a")
	_, err := NewRunner(&fakeRecognizer{}, nil, st).Run(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, model.OCRStatusSuccess, st.statuses["a"])
}

func TestRunner_SaveFailureMarksError(t *testing.T) {
	st := newMemStore("a")
	st.saveErr = eris.New("disk full")
	report, err := NewRunner(&fakeRecognizer{}, nil, st).Run(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, model.OCRStatusError, st.statuses["a"])
	assert.False(t, st.used["a"])
}

func TestRunner_Limit(t *testing.T) {
	st := newMemStore("a", "b", "c")
	report, err := NewRunner(&fakeRecognizer{}, nil, st).Run(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, model.OCRStatusPending, st.statuses["c"])
}

func TestRunner_Empty(t *testing.T) {
	report, err := NewRunner(&fakeRecognizer{}, nil, newMemStore()).Run(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, RunReport{}, report)
}

func TestRunner_CanceledLeavesPending(t *testing.T) {
	st := newMemStore("a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewRunner(&fakeRecognizer{}, nil, st).Run(ctx, 0, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, report.Deferred)
	assert.Equal(t, model.OCRStatusPending, st.statuses["a"])
}
