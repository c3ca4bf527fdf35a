package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	c := NewClient(false, 0)
	c.BaseURL = url
	c.RetryMin = time.Millisecond
	c.RetryMax = 5 * time.Millisecond
	return c
}

func TestGetKlinesParsesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		w.Write([]byte(`[[1700000000000,"100.5","110","95","105.25","12.5",1700003599999,"1300.1",42,"6.1","640.2","0"],[1]]`))
	}))
	defer srv.Close()

	klines, err := newTestClient(srv.URL).GetKlines(context.Background(), "btcusdt", "1h", 2)
	require.NoError(t, err)
	require.Len(t, klines, 1, "short rows are skipped")
	k := klines[0]
	assert.Equal(t, int64(1700000000000), k.OpenTime)
	assert.Equal(t, 105.25, k.Close)
	assert.Equal(t, 42, k.NumberOfTrades)
	assert.Equal(t, "BTCUSDT", k.Symbol)
}

func TestGetTickerPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"ETHUSDT","price":"3012.55000000"}`))
	}))
	defer srv.Close()

	tk, err := newTestClient(srv.URL).GetTickerPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3012.55, tk.Price)
}

func TestRetriesThrottledThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"50000"}`))
	}))
	defer srv.Close()

	tk, err := newTestClient(srv.URL).GetTickerPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, tk.Price)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetTickerPrice(context.Background(), "NOPE")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetriesGiveUpAfterMax(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.MaxRetries = 2
	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestParseMiniTickerMessage(t *testing.T) {
	tk, err := parseMiniTickerMessage([]byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1700000000000,"s":"BTCUSDT","c":"50123.45"}}`))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", tk.Symbol)
	assert.Equal(t, 50123.45, tk.Price)
	assert.Equal(t, int64(1700000000000), tk.Time)

	// stream frames carry the full mini-ticker payload
	tk, err = parseMiniTickerMessage([]byte(`{"stream":"ethusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1700000001000,"s":"ETHUSDT","c":"2001.50","o":"1990.00","h":"2010.00","l":"1985.00","v":"1234.5","q":"2470000.0"}}`))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", tk.Symbol)
	assert.Equal(t, 2001.50, tk.Price)
	assert.Equal(t, int64(1700000001000), tk.Time)

	_, err = parseMiniTickerMessage([]byte(`{"result":null,"id":1}`))
	assert.Error(t, err)
}

func TestSubscribeMiniTickers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "btcusdt@miniTicker/ethusdt@miniTicker", r.URL.Query().Get("streams"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@miniTicker","data":{"E":1,"s":"BTCUSDT","c":"50000"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"ethusdt@miniTicker","data":{"E":2,"s":"ETHUSDT","c":"3000"}}`))
		// Hold the connection until the client closes it.
		conn.ReadMessage()
	}))
	defer srv.Close()

	sc := NewStreamClient(false)
	sc.StreamURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, stop, err := sc.SubscribeMiniTickers(ctx, []string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)
	defer stop()

	first := <-ch
	second := <-ch
	assert.Equal(t, "BTCUSDT", first.Symbol)
	assert.Equal(t, 3000.0, second.Price)

	stop()
	for range ch {
	}
}
