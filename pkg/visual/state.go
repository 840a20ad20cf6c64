// Package visual tracks which companion view a session is presenting.
package visual

import "sync"

// Mode names a companion view surface.
type Mode string

const (
	ModeItinerary     Mode = "itinerary"
	ModeFlights       Mode = "flights"
	ModeHotels        Mode = "hotels"
	ModeFlightBooking Mode = "flight_booking"
	ModeHotelBooking  Mode = "hotel_booking"
	ModeSearch        Mode = "search"
	ModeLoading       Mode = "loading"
)

// Update is a view change pushed to a sink. Payload carries the
// result data the view renders, if any.
type Update struct {
	SessionID string
	Mode      Mode
	Payload   any
}

// Sink receives view updates for a session. Apply carries the mode and
// payload together so a view switch and its data land atomically.
type Sink interface {
	Apply(update Update)
}

// SetViewMode switches the view without new payload data.
func SetViewMode(sink Sink, sessionID string, mode Mode) {
	sink.Apply(Update{SessionID: sessionID, Mode: mode})
}

// SetVisualData pushes payload data without changing the view.
func SetVisualData(sink Sink, sessionID string, payload any) {
	sink.Apply(Update{SessionID: sessionID, Payload: payload})
}

// MemorySink retains applied updates and exposes the latest one.
// It is primarily useful for tests and local development.
type MemorySink struct {
	mu      sync.Mutex
	updates []Update
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Apply(update Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
}

// Current returns the most recent update and whether one exists.
func (s *MemorySink) Current() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return Update{}, false
	}
	return s.updates[len(s.updates)-1], true
}

// Updates returns a copy of all applied updates in order.
func (s *MemorySink) Updates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Update, len(s.updates))
	copy(out, s.updates)
	return out
}
