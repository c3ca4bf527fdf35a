package sentiment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"paper-trading-core/internal/market"
)

// FearGreedClient reads the alternative.me index with a TTL cache. When a
// refresh fails it serves the last cached value, then the neutral reading.
type FearGreedClient struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
	TTL        time.Duration

	mu        sync.Mutex
	now       func() time.Time
	cached    *Index
	fetchedAt time.Time
}

// NewFearGreedClient builds a client for baseURL (e.g. https://api.alternative.me/fng/).
func NewFearGreedClient(baseURL string, timeout, ttl time.Duration) *FearGreedClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &FearGreedClient{
		URL:        baseURL,
		HTTPClient: &http.Client{},
		Timeout:    timeout,
		TTL:        ttl,
		now:        time.Now,
	}
}

// GetSentimentIndex returns the cached index while fresh, otherwise fetches.
// On failure it returns the stale cached index with a nil error, or the
// neutral index wrapped with market.ErrDataUnavailable when nothing is cached.
func (c *FearGreedClient) GetSentimentIndex(ctx context.Context) (Index, error) {
	c.mu.Lock()
	if c.cached != nil && c.now().Sub(c.fetchedAt) < c.TTL {
		idx := *c.cached
		c.mu.Unlock()
		return idx, nil
	}
	c.mu.Unlock()

	idx, err := c.fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.cached != nil {
			log.Warn().Err(err).Str("component", "sentiment").Int("cached", c.cached.Value).Msg("fear & greed refresh failed; serving cached value")
			stale := *c.cached
			stale.Stale = true
			return stale, nil
		}
		return NeutralIndex(c.now()), fmt.Errorf("%w: fear & greed: %v", market.ErrDataUnavailable, err)
	}
	c.cached = &idx
	c.fetchedAt = c.now()
	log.Debug().Str("component", "sentiment").Int("value", idx.Value).Str("class", idx.Classification).Msg("fear & greed index")
	return idx, nil
}

type fngResponse struct {
	Data []struct {
		Value          string `json:"value"`
		Classification string `json:"value_classification"`
		Timestamp      string `json:"timestamp"`
	} `json:"data"`
}

func (c *FearGreedClient) fetch(ctx context.Context) (Index, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	params := url.Values{}
	params.Set("limit", "1")
	params.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"?"+params.Encode(), nil)
	if err != nil {
		return Index{}, err
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return Index{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Index{}, err
	}
	if res.StatusCode != http.StatusOK {
		return Index{}, fmt.Errorf("status %d", res.StatusCode)
	}

	var resp fngResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Index{}, fmt.Errorf("decode: %w", err)
	}
	if len(resp.Data) == 0 {
		return Index{}, fmt.Errorf("empty data")
	}
	cur := resp.Data[0]
	v, err := strconv.Atoi(cur.Value)
	if err != nil || v < 0 || v > 100 {
		return Index{}, fmt.Errorf("invalid value %q", cur.Value)
	}
	ts := c.now()
	if sec, err := strconv.ParseInt(cur.Timestamp, 10, 64); err == nil {
		ts = time.Unix(sec, 0).UTC()
	}
	class := cur.Classification
	if class == "" {
		class = Classify(v)
	}
	return Index{Value: v, Classification: class, Timestamp: ts}, nil
}
