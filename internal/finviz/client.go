// Package finviz fetches quote snapshot metrics from finviz.com pages
package finviz

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/epeers/dividends/internal/models"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://finviz.com/quote.ashx"

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

// FetchError means no record could be produced for a symbol
type FetchError struct {
	Symbol     string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("finviz %s: status %d", e.Symbol, e.StatusCode)
	}
	return fmt.Sprintf("finviz %s: %v", e.Symbol, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Options configures the client. Zero values get defaults.
type Options struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	RatePerSec float64
}

// Client scrapes finviz quote pages
type Client struct {
	baseURL string
	http    *resty.Client
}

// NewClient creates a finviz client
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}

	httpClient := resty.New()
	httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	httpClient.SetHeader("user-agent", opts.UserAgent)
	httpClient.SetTimeout(opts.Timeout)

	// burst of at least one so a slow rate still lets requests through
	limiter := rate.NewLimiter(rate.Limit(opts.RatePerSec), max(1, int(opts.RatePerSec)))
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Wait(req.Context())
	})

	return &Client{baseURL: opts.BaseURL, http: httpClient}
}

// NewClientWithBaseURL creates a client against a custom base URL (for testing)
func NewClientWithBaseURL(baseURL string) *Client {
	return NewClient(Options{BaseURL: baseURL, RatePerSec: 100})
}

// Enrich fetches the snapshot metrics of one symbol
func (c *Client) Enrich(ctx context.Context, symbol string) (*models.EnrichmentRecord, error) {
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("t", strings.ToLower(symbol)).
		Get(c.baseURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FetchError{Symbol: symbol, Err: err}
	}
	if res.StatusCode() != http.StatusOK {
		return nil, &FetchError{Symbol: symbol, StatusCode: res.StatusCode(), Err: fmt.Errorf("unexpected status %s", res.Status())}
	}

	rec, err := ParseSnapshot(symbol, bytes.NewBuffer(res.Body()))
	if err != nil {
		return nil, &FetchError{Symbol: symbol, Err: err}
	}
	return rec, nil
}
