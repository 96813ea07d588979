// Package gateway issues outbound HTTP calls to the listing provider through
// an optional upstream proxy, with rotating client identity and linear
// retry backoff.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/supplier-cli/internal/config"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

// Mode selects the header set sent with a request.
type Mode int

const (
	// ModeAPI sends JSON headers for listing API calls.
	ModeAPI Mode = iota
	// ModeHTML sends browser page headers for detail pages.
	ModeHTML
)

func (m Mode) String() string {
	if m == ModeHTML {
		return "html"
	}
	return "api"
}

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxRetries  = 3
	defaultBackoffStep = 2 * time.Second
	defaultEgressURL   = "https://icanhazip.com"
	maxBodyBytes       = 16 << 20
	probeTimeout       = 10 * time.Second
)

// Request describes one logical call. Zero values fall back to Options.
type Request struct {
	URL          string
	Proxy        *model.ProxyConfig
	Mode         Mode
	VerifyEgress bool
	MaxRetries   int
	Timeout      time.Duration
}

// Options configures a Gateway.
type Options struct {
	Timeout           time.Duration
	MaxRetries        int
	BackoffStep       time.Duration
	RequestsPerSecond float64
	EgressCheckURL    string
	EgressRetryDelay  time.Duration
	DetectBlocks      bool

	// Transport is the base transport for direct calls. Proxied clients
	// clone it when it is an *http.Transport.
	Transport http.RoundTripper
}

// OptionsFromConfig maps the gateway config section onto Options.
func OptionsFromConfig(cfg config.GatewayConfig) Options {
	return Options{
		Timeout:           cfg.Timeout(),
		MaxRetries:        cfg.MaxRetries,
		BackoffStep:       cfg.BackoffStep(),
		RequestsPerSecond: cfg.RequestsPerSecond,
		EgressCheckURL:    cfg.EgressCheckURL,
		DetectBlocks:      cfg.DetectBlocks,
	}
}

// Gateway is safe for concurrent use. Its only state is the per-proxy
// client cache, the per-host limiters and the last observed egress IPs.
type Gateway struct {
	opts Options

	mu       sync.Mutex
	clients  map[string]*http.Client
	limiters map[string]*AdaptiveLimiter
	egress   map[string]string
}

// New creates a Gateway, applying defaults to zero options.
func New(opts Options) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BackoffStep <= 0 {
		opts.BackoffStep = defaultBackoffStep
	}
	if opts.EgressCheckURL == "" {
		opts.EgressCheckURL = defaultEgressURL
	}
	if opts.EgressRetryDelay <= 0 {
		opts.EgressRetryDelay = 2 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &Gateway{
		opts:     opts,
		clients:  make(map[string]*http.Client),
		limiters: make(map[string]*AdaptiveLimiter),
		egress:   make(map[string]string),
	}
}

// clientFor returns the cached client for proxy, building one on first use.
func (g *Gateway) clientFor(proxy *model.ProxyConfig) *http.Client {
	key := proxy.Key()

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[key]; ok {
		return c
	}

	rt := g.opts.Transport
	if proxy != nil {
		if base, ok := g.opts.Transport.(*http.Transport); ok {
			t := base.Clone()
			t.Proxy = http.ProxyURL(proxy.URL())
			rt = t
		} else {
			zap.L().Warn("gateway: custom transport cannot be proxied", zap.String("proxy", proxy.String()))
		}
	}
	c := &http.Client{Transport: rt}
	g.clients[key] = c
	return c
}

func (g *Gateway) limiterFor(rawURL string) (*AdaptiveLimiter, string) {
	if g.opts.RequestsPerSecond <= 0 {
		return nil, ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[u.Host]
	if !ok {
		burst := max(1, int(g.opts.RequestsPerSecond))
		lim = NewAdaptiveLimiter(rate.Limit(g.opts.RequestsPerSecond), burst)
		g.limiters[u.Host] = lim
	}
	return lim, u.Host
}

// Fetch performs a GET with retries and returns the response body. Every
// non-2xx status, transport error or (HTML mode, when enabled) detected block
// page counts as a failed attempt. The delay before retry n is n times the
// backoff step. After the last attempt a *FetchError is returned.
func (g *Gateway) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if req.URL == "" {
		return nil, eris.New("gateway: empty url")
	}
	attempts := req.MaxRetries
	if attempts <= 0 {
		attempts = g.opts.MaxRetries
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.opts.Timeout
	}

	if req.VerifyEgress {
		if _, _, err := g.CheckEgress(ctx, req.Proxy); err != nil {
			zap.L().Warn("gateway: egress check failed",
				zap.String("proxy", req.Proxy.String()),
				zap.Error(err),
			)
		}
	}

	client := g.clientFor(req.Proxy)
	lim, host := g.limiterFor(req.URL)

	var (
		tried     int
		lastCode  int
		lastBlock BlockType
	)
	body, err := resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts: attempts,
		Backoff:     resilience.LinearBackoff(g.opts.BackoffStep),
		ShouldRetry: func(error) bool { return true },
		OnRetry: func(attempt int, err error) {
			zap.L().Warn("gateway: request failed, retrying",
				zap.String("url", req.URL),
				zap.String("mode", req.Mode.String()),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.Duration("wait", g.opts.BackoffStep*time.Duration(attempt)),
				zap.Error(err),
			)
		},
	}, func(ctx context.Context) ([]byte, error) {
		tried++
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "rate limiter wait")
			}
		}
		b, code, block, err := g.do(ctx, client, req.URL, req.Mode, timeout)
		lastCode, lastBlock = code, block
		if lim != nil {
			switch {
			case err == nil:
				lim.OnSuccess()
			case code == http.StatusTooManyRequests || block != BlockNone:
				lim.OnThrottle(host)
			}
		}
		return b, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "gateway: fetch %s", req.URL)
		}
		fe := &FetchError{URL: req.URL, Attempts: tried, Block: lastBlock, Err: err}
		var se *statusError
		if errors.As(err, &se) {
			fe.StatusCode = lastCode
		}
		return nil, fe
	}
	return body, nil
}

// do performs a single attempt.
func (g *Gateway) do(ctx context.Context, client *http.Client, rawURL string, mode Mode, timeout time.Duration) ([]byte, int, BlockType, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, BlockNone, eris.Wrap(err, "create request")
	}
	setHeaders(httpReq.Header, mode)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, 0, BlockNone, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, BlockNone, eris.Wrap(err, "read body")
	}

	block := BlockNone
	if mode == ModeHTML && g.opts.DetectBlocks {
		if blocked, bt := DetectBlock(resp, body); blocked {
			block = bt
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || block != BlockNone {
		return nil, resp.StatusCode, block, &statusError{code: resp.StatusCode, block: block}
	}
	return body, resp.StatusCode, BlockNone, nil
}

// ContentLength issues a HEAD request and reports the declared size. known is
// false when the server did not send a length or the probe failed.
func (g *Gateway) ContentLength(ctx context.Context, rawURL string, proxy *model.ProxyConfig) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, false, eris.Wrap(err, "gateway: create head request")
	}
	httpReq.Header.Set("User-Agent", RandomUserAgent())

	resp, err := g.clientFor(proxy).Do(httpReq)
	if err != nil {
		return 0, false, eris.Wrapf(err, "gateway: head %s", rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, false, &FetchError{URL: rawURL, Attempts: 1, StatusCode: resp.StatusCode, Err: &statusError{code: resp.StatusCode}}
	}
	if resp.ContentLength < 0 {
		return 0, false, nil
	}
	return resp.ContentLength, true, nil
}
