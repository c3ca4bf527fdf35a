package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-trading-core/internal/events"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (s *recordingSink) Notify(ctx context.Context, evt Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type panicSink struct{}

func (panicSink) Notify(context.Context, Event) error { panic("boom") }

func TestNewEventStampsSource(t *testing.T) {
	evt := NewEvent(events.EventTradeOpened, "default", "BTCUSDT", "bought", nil)
	assert.NotEmpty(t, evt.ID)
	assert.NotEmpty(t, evt.Source)
	assert.False(t, evt.At.IsZero())
}

func TestDispatcherDelivers(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 8, time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Notify(context.Background(), NewEvent(events.EventSignal, "acc", "BTCUSDT", "signal", nil)))
	}
	require.NoError(t, d.Close())

	assert.Equal(t, 3, sink.count())
	assert.Equal(t, uint64(3), d.Stats().Delivered)

	// After close events are dropped, not panicking on a closed channel.
	require.NoError(t, d.Notify(context.Background(), Event{Type: events.EventSignal}))
	assert.Equal(t, uint64(1), d.Stats().Dropped)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(sink, 1, time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Notify(context.Background(), Event{Type: events.EventSignal}))
	}
	assert.GreaterOrEqual(t, d.Stats().Dropped, uint64(1))

	close(sink.block)
	require.NoError(t, d.Close())
	s := d.Stats()
	assert.Equal(t, uint64(3), s.Delivered+s.Dropped)
}

func TestDispatcherCountsFailuresAndPanics(t *testing.T) {
	d := NewDispatcher(Multi{&recordingSink{err: errors.New("smtp down")}}, 4, time.Second)
	d.Notify(context.Background(), Event{Type: events.EventTradeClosed})
	d.Close()
	assert.Equal(t, uint64(1), d.Stats().Failed)

	p := NewDispatcher(panicSink{}, 4, time.Second)
	p.Notify(context.Background(), Event{Type: events.EventTradeClosed})
	p.Close()
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("nope")}
	err := Multi{bad, ok}.Notify(context.Background(), Event{})
	require.Error(t, err)
	assert.Equal(t, 1, ok.count(), "later sinks still run")
	assert.NoError(t, Nop{}.Notify(context.Background(), Event{}))
}

func TestBusSink(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventTradeOpened, 1)
	defer unsub()

	require.NoError(t, BusSink{Bus: bus}.Notify(context.Background(), Event{Type: events.EventTradeOpened, Symbol: "ETHUSDT"}))
	got := (<-ch).(Event)
	assert.Equal(t, "ETHUSDT", got.Symbol)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysBySymbol(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "paper-trading-events"}
	evt := NewEvent(events.EventTradeClosed, "default", "BTCUSDT", "closed", map[string]any{"pnl": "500"})
	require.NoError(t, sink.Notify(context.Background(), evt))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "BTCUSDT", string(msg.Key))
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, string(events.EventTradeClosed), string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, evt.ID, decoded.ID)
	assert.Equal(t, "500", decoded.Data["pnl"])

	w.err = errors.New("leader not available")
	assert.Error(t, sink.Notify(context.Background(), Event{Account: "default"}))
	assert.Equal(t, "default", string(w.msgs[1].Key), "falls back to the account key")
}

func TestTelegramSink(t *testing.T) {
	var calls atomic.Int32
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/bottest-token/sendMessage"), r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":1700000000,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer srv.Close()

	sink, err := NewTelegramSink(TelegramOptions{Token: "test-token", ChatID: 42, APIURL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, sink.Notify(context.Background(), Event{Type: events.EventSignal, Message: "ignored"}))
	assert.Equal(t, int32(0), calls.Load(), "signals are not sent by default")

	require.NoError(t, sink.Notify(context.Background(), Event{Type: events.EventTradeOpened, Message: "BUY BTCUSDT", Account: "default"}))
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, body, "42")
	assert.Contains(t, body, "BUY BTCUSDT")
}

func TestFormatTelegram(t *testing.T) {
	assert.Equal(t, "🛑 stop hit", formatTelegram(Event{Type: events.EventExitTriggered, Message: "stop hit"}))
	assert.Contains(t, formatTelegram(Event{Type: events.EventLoopHalted, Message: "halted", Account: "a"}), "account: a")
}
