package binance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"
)

const (
	mainnetURL = "https://api.binance.com"
	testnetURL = "https://testnet.binance.vision"
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance %s status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed when repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == 418 || e.StatusCode >= 500
}

// Client wraps public REST market data access to Binance.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Testnet    bool
	MaxRetries int
	RetryMin   time.Duration
	RetryMax   time.Duration

	limiter *rate.Limiter
}

// NewClient builds a REST client; use Testnet to switch base URLs.
// requestsPerSecond <= 0 disables client-side throttling.
func NewClient(testnet bool, requestsPerSecond float64) *Client {
	base := mainnetURL
	if testnet {
		base = testnetURL
	}
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		BaseURL:    base,
		Testnet:    testnet,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		MaxRetries: 3,
		RetryMin:   200 * time.Millisecond,
		RetryMax:   5 * time.Second,
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.get(ctx, "/api/v3/ping", nil)
	return err
}

// GetKlines fetches the most recent klines using the public endpoint.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.get(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	var raw [][]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline
		if len(item) < 11 {
			continue
		}
		klines = append(klines, Kline{
			Symbol:              strings.ToUpper(symbol),
			OpenTime:            toInt64(item[0]),
			Open:                toFloat(item[1]),
			High:                toFloat(item[2]),
			Low:                 toFloat(item[3]),
			Close:               toFloat(item[4]),
			Volume:              toFloat(item[5]),
			CloseTime:           toInt64(item[6]),
			QuoteVolume:         toFloat(item[7]),
			NumberOfTrades:      toInt(item[8]),
			TakerBuyBaseVolume:  toFloat(item[9]),
			TakerBuyQuoteVolume: toFloat(item[10]),
		})
	}
	return klines, nil
}

// GetTickerPrice returns the latest traded price for a symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (Ticker, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	body, err := c.get(ctx, "/api/v3/ticker/price", params)
	if err != nil {
		return Ticker{}, err
	}
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil || price <= 0 {
		return Ticker{}, fmt.Errorf("invalid ticker price %q for %s", resp.Price, resp.Symbol)
	}
	return Ticker{Symbol: resp.Symbol, Price: price, Time: time.Now().UnixMilli()}, nil
}

// get performs a throttled GET, retrying throttled/5xx/transport failures
// with exponential backoff.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	b := &backoff.Backoff{Min: c.RetryMin, Max: c.RetryMax, Factor: 2, Jitter: true}
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		body, err := c.do(ctx, path, u)
		if err == nil {
			return body, nil
		}
		if !retryable(ctx, err) || int(b.Attempt()) >= c.MaxRetries {
			return nil, err
		}
		wait := b.Duration()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) do(ctx context.Context, path, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s body: %w", path, err)
	}
	if res.StatusCode >= 300 {
		return nil, &APIError{Path: path, StatusCode: res.StatusCode, Body: string(body)}
	}
	return body, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	// Transport-level failure.
	return true
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}

func toInt(v any) int {
	return int(toInt64(v))
}
