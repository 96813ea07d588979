// Package geocode resolves Chinese postal addresses to administrative
// regions via the Amap geocoding API.
package geocode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const amapGeocodeURL = "https://restapi.amap.com/v3/geocode/geo"

// Client resolves addresses.
type Client interface {
	// Resolve looks up one address. An address the service cannot place is
	// returned with Matched=false and no error.
	Resolve(ctx context.Context, address string) (*Region, error)
}

// Region is the administrative breakdown of an address.
type Region struct {
	Province         string `json:"province"`
	City             string `json:"city"`
	District         string `json:"district"`
	Street           string `json:"street,omitempty"`
	Number           string `json:"number,omitempty"`
	FormattedAddress string `json:"formatted_address,omitempty"`
	Location         string `json:"location,omitempty"`
	AdCode           string `json:"adcode,omitempty"`
	CityCode         string `json:"citycode,omitempty"`
	Level            string `json:"level,omitempty"`
	Matched          bool   `json:"matched"`
}

// Option configures the client.
type Option func(*amapClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *amapClient) {
		c.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second limit. The free tier allows 3.
func WithRateLimit(rps float64) Option {
	return func(c *amapClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
		}
	}
}

type amapClient struct {
	key        string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates an Amap-backed Client.
func NewClient(key string, opts ...Option) Client {
	c := &amapClient{
		key:        key,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(3, 3),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// amapString decodes a field Amap sends as either a string or an empty array.
type amapString string

func (s *amapString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = amapString(v)
		return nil
	}
	*s = ""
	return nil
}

type amapResponse struct {
	Status   string `json:"status"`
	Info     string `json:"info"`
	Geocodes []struct {
		Province         amapString `json:"province"`
		City             amapString `json:"city"`
		District         amapString `json:"district"`
		Street           amapString `json:"street"`
		Number           amapString `json:"number"`
		FormattedAddress amapString `json:"formatted_address"`
		Location         amapString `json:"location"`
		AdCode           amapString `json:"adcode"`
		CityCode         amapString `json:"citycode"`
		Level            amapString `json:"level"`
	} `json:"geocodes"`
}

func (c *amapClient) Resolve(ctx context.Context, address string) (*Region, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return &Region{}, nil
	}
	if c.key == "" {
		return nil, eris.New("geocode: amap key not configured")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: amap rate limit")
	}

	params := url.Values{
		"address": {address},
		"key":     {c.key},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, amapGeocodeURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: amap build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: amap request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("geocode: amap returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: amap read body")
	}

	var ar amapResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, eris.Wrap(err, "geocode: amap parse response")
	}
	if ar.Status != "1" {
		return nil, eris.Errorf("geocode: amap error: %s", ar.Info)
	}
	if len(ar.Geocodes) == 0 {
		return &Region{}, nil
	}

	g := ar.Geocodes[0]
	return &Region{
		Province:         string(g.Province),
		City:             string(g.City),
		District:         string(g.District),
		Street:           string(g.Street),
		Number:           string(g.Number),
		FormattedAddress: string(g.FormattedAddress),
		Location:         string(g.Location),
		AdCode:           string(g.AdCode),
		CityCode:         string(g.CityCode),
		Level:            string(g.Level),
		Matched:          true,
	}, nil
}
