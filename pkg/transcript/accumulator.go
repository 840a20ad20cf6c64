// Package transcript accumulates recognized speech and maintains the
// per-session conversation log.
package transcript

import (
	"strings"
	"sync"
)

// Accumulator collects cumulative partial hypotheses for the user turn in
// progress. Each partial carries the full text recognized so far, so a new
// partial replaces the previous one rather than appending to it.
type Accumulator struct {
	mu        sync.Mutex
	text      string
	lastFinal string
	finalized bool
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Update records the latest cumulative hypothesis for the open turn.
// An update after finalization opens a new turn.
func (a *Accumulator) Update(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.text = text
	a.finalized = false
}

// Current returns the open turn's text without finalizing it.
func (a *Accumulator) Current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return ""
	}
	return strings.TrimSpace(a.text)
}

// Finalize closes the open turn and returns its text. Calling it again
// without an intervening Update returns the same text with no side
// effects, so a repeated boundary signal never reopens the turn.
func (a *Accumulator) Finalize() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return a.lastFinal
	}
	a.finalized = true
	a.lastFinal = strings.TrimSpace(a.text)
	a.text = ""
	return a.lastFinal
}

// Reset discards any open turn.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.text = ""
	a.lastFinal = ""
	a.finalized = false
}
