package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	tele "gopkg.in/telebot.v3"

	"paper-trading-core/internal/events"
)

// BusSink republishes events on the in-process bus for live clients.
type BusSink struct {
	Bus *events.Bus
}

func (s BusSink) Notify(_ context.Context, evt Event) error {
	if s.Bus != nil {
		s.Bus.Publish(evt.Type, evt)
	}
	return nil
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON, keyed by symbol so a symbol's events
// stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a producer for topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaSink{writer: writer, topic: topic}
}

func (s *KafkaSink) Notify(ctx context.Context, evt Event) error {
	msg, err := encodeMessage(evt)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close closes the Kafka producer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func encodeMessage(evt Event) (kafka.Message, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	key := evt.Symbol
	if key == "" {
		key = evt.Account
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
			{Key: "source", Value: []byte(evt.Source)},
		},
		Time: evt.At,
	}, nil
}

// TelegramSink sends trade events to one chat.
type TelegramSink struct {
	bot    *tele.Bot
	chatID int64
	types  map[events.Event]bool
}

// TelegramOptions configures the Telegram sink.
type TelegramOptions struct {
	Token  string
	ChatID int64
	// APIURL overrides the Bot API endpoint.
	APIURL string
	// Types limits which events are sent; empty means trade and halt events.
	Types []events.Event
}

// NewTelegramSink creates an offline bot (no polling) used only for sending.
func NewTelegramSink(opts TelegramOptions) (*TelegramSink, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:   opts.Token,
		URL:     opts.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	types := opts.Types
	if len(types) == 0 {
		types = []events.Event{events.EventTradeOpened, events.EventTradeClosed, events.EventExitTriggered, events.EventLoopHalted}
	}
	set := make(map[events.Event]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return &TelegramSink{bot: b, chatID: opts.ChatID, types: set}, nil
}

func (s *TelegramSink) Notify(_ context.Context, evt Event) error {
	if !s.types[evt.Type] {
		return nil
	}
	if _, err := s.bot.Send(&tele.User{ID: s.chatID}, formatTelegram(evt)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func formatTelegram(evt Event) string {
	icon := "ℹ️"
	switch evt.Type {
	case events.EventTradeOpened:
		icon = "💰"
	case events.EventTradeClosed:
		icon = "💵"
	case events.EventExitTriggered:
		icon = "🛑"
	case events.EventLoopHalted:
		icon = "❌"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", icon, evt.Message)
	if evt.Account != "" {
		fmt.Fprintf(&b, "\naccount: %s", evt.Account)
	}
	return b.String()
}
