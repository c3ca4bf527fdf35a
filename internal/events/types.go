package events

import "time"

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventPriceTick        Event = "price_tick"
	EventSignal           Event = "signal"
	EventTradeOpened      Event = "trade.opened"
	EventTradeClosed      Event = "trade.closed"
	EventExitTriggered    Event = "risk.exit_triggered"
	EventCandidateSkipped Event = "candidate.skipped"
	EventLoopState        Event = "loop.state"
	EventLoopHalted       Event = "loop.halted"
)

// Streamed lists the topics forwarded to live clients.
var Streamed = []Event{
	EventPriceTick,
	EventSignal,
	EventTradeOpened,
	EventTradeClosed,
	EventExitTriggered,
	EventCandidateSkipped,
	EventLoopState,
	EventLoopHalted,
}

// PriceTick is a last-price observation.
type PriceTick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}
