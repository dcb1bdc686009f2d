// Package marketdata holds the append-only price history the engine reads
// decisions from. Bars are immutable once a session closes; nothing in this
// package mutates a Bar after construction.
package marketdata

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one trading session's OHLCV for a single symbol.
type Bar struct {
	Date   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// History is an ordered, gap-free sequence of Bars for one symbol.
type History struct {
	Symbol string
	Bars   []Bar
}

// Validate checks the monotonic-by-date, no-gap invariant over the market
// calendar supplied by caller (trading days only — weekends/holidays are not
// gaps). An empty calendar skips the gap check and only verifies ordering.
func (h History) Validate(calendar []time.Time) error {
	for i := 1; i < len(h.Bars); i++ {
		if !h.Bars[i].Date.After(h.Bars[i-1].Date) {
			return fmt.Errorf("marketdata: %s bars not strictly increasing at index %d (%s -> %s)",
				h.Symbol, i, h.Bars[i-1].Date, h.Bars[i].Date)
		}
	}
	if len(calendar) == 0 || len(h.Bars) == 0 {
		return nil
	}
	sessions := make(map[time.Time]bool, len(h.Bars))
	for _, b := range h.Bars {
		sessions[b.Date] = true
	}
	start, end := h.Bars[0].Date, h.Bars[len(h.Bars)-1].Date
	for _, d := range calendar {
		if d.Before(start) || d.After(end) {
			continue
		}
		if !sessions[d] {
			return fmt.Errorf("marketdata: %s missing bar for session %s", h.Symbol, d)
		}
	}
	return nil
}

// Closes returns the closing prices as float64, the representation every
// indicator consumes. Conversion happens once at this boundary; nothing
// downstream touches decimal.Decimal again until an allocation is turned
// back into share counts.
func (h History) Closes() []float64 {
	out := make([]float64, len(h.Bars))
	for i, b := range h.Bars {
		out[i], _ = b.Close.Float64()
	}
	return out
}

// Tail returns the last n bars, or every bar when there are fewer than n.
func (h History) Tail(n int) History {
	if n <= 0 || n >= len(h.Bars) {
		return h
	}
	return History{Symbol: h.Symbol, Bars: h.Bars[len(h.Bars)-n:]}
}

// At returns the history truncated to end at (and including) date t. Used to
// prove signals are shift-invariant: Signal(history.At(t)) must equal
// Signal(longerHistory.At(t)).
func (h History) At(t time.Time) History {
	idx := len(h.Bars)
	for i, b := range h.Bars {
		if b.Date.After(t) {
			idx = i
			break
		}
	}
	return History{Symbol: h.Symbol, Bars: h.Bars[:idx]}
}

// Last returns the most recent bar and true, or the zero Bar and false if
// the history is empty.
func (h History) Last() (Bar, bool) {
	if len(h.Bars) == 0 {
		return Bar{}, false
	}
	return h.Bars[len(h.Bars)-1], true
}
