package binance

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// StreamClient manages lightweight streaming from Binance public websockets.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/stream"}).String(),
		dialer:    websocket.DefaultDialer,
	}
}

// SubscribeMiniTickers listens to the combined mini-ticker stream of the
// given symbols and pushes last prices into a channel. The channel closes
// when ctx ends, stop is called, or the connection drops.
func (c *StreamClient) SubscribeMiniTickers(ctx context.Context, symbols []string) (<-chan Ticker, func(), error) {
	if len(symbols) == 0 {
		return nil, nil, fmt.Errorf("no symbols to subscribe")
	}
	// Binance requires lowercase symbols for WebSocket streams
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@miniTicker")
	}
	u := c.StreamURL + "?streams=" + strings.Join(streams, "/")

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws: %w", err)
	}

	out := make(chan Ticker, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			// Ignore errors; connection may already be closed.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	// Unblock ReadMessage when ctx ends.
	go func() {
		<-ctx.Done()
		stop()
	}()

	go func() {
		defer close(out)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil ||
					websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				log.Warn().Err(err).Msg("binance ws read error")
				return
			}

			parsed, err := parseMiniTickerMessage(msg)
			if err != nil {
				log.Debug().Err(err).Msg("binance ws parse error")
				continue
			}
			select {
			case out <- parsed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop, nil
}

// parseMiniTickerMessage decodes a combined-stream mini-ticker frame.
func parseMiniTickerMessage(msg []byte) (Ticker, error) {
	var raw struct {
		Stream string `json:"stream"`
		Data   struct {
			// "e" and "E" differ only by case; both need a field or the
			// decoder folds "e" onto EventTime.
			EventType string `json:"e"`
			EventTime int64  `json:"E"`
			Symbol    string `json:"s"`
			Close     string `json:"c"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Ticker{}, err
	}
	if raw.Data.Symbol == "" {
		return Ticker{}, fmt.Errorf("not a mini-ticker frame: %s", raw.Stream)
	}
	price := toFloat(raw.Data.Close)
	if price <= 0 {
		return Ticker{}, fmt.Errorf("invalid price %q for %s", raw.Data.Close, raw.Data.Symbol)
	}
	t := raw.Data.EventTime
	if t == 0 {
		t = time.Now().UnixMilli()
	}
	return Ticker{Symbol: raw.Data.Symbol, Price: price, Time: t}, nil
}
