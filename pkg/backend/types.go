// Package backend talks to the travel assistant HTTP service.
package backend

import "github.com/voxtrip/voxtrip/pkg/visual"

// Intent names returned by the assistant service.
const (
	IntentFlightSearch  = "FlightSearch"
	IntentFlightBooking = "FlightBooking"
	IntentHotelSearch   = "HotelSearch"
	IntentHotelBooking  = "HotelBooking"
	IntentCancelBooking = "CancelBooking"
	IntentModifyBooking = "ModifyBooking"
	IntentGeneralQuery  = "GeneralQuery"
	IntentGreeting      = "Greeting"
	IntentFarewell      = "Farewell"
	IntentUnknown       = "Unknown"
)

// ApologyReply is spoken when a dispatch fails after retries.
const ApologyReply = "I encountered an error. Please try again."

// ChatRequest is one finalized user turn sent for processing.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	UserText  string `json:"user_text"`
}

// ChatResponse is the assistant's reply to a turn.
type ChatResponse struct {
	SessionID string            `json:"session_id"`
	Reply     string            `json:"reply"`
	Intent    string            `json:"intent"`
	Slots     map[string]string `json:"slots,omitempty"`
	Flights   []Flight          `json:"flights,omitempty"`
	Hotels    []Hotel           `json:"hotels,omitempty"`
	Booking   *Booking          `json:"booking,omitempty"`
}

type Flight struct {
	ID        string  `json:"id"`
	Airline   string  `json:"airline"`
	Origin    string  `json:"origin"`
	Dest      string  `json:"destination"`
	Departure string  `json:"departure"`
	Arrival   string  `json:"arrival"`
	Price     float64 `json:"price"`
}

type Hotel struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	City     string  `json:"city"`
	Rating   float64 `json:"rating"`
	PerNight float64 `json:"price_per_night"`
}

type Booking struct {
	Reference string `json:"reference"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// FlightQuery filters a direct flight search.
type FlightQuery struct {
	Origin string `json:"origin"`
	Dest   string `json:"destination"`
	Date   string `json:"date"`
}

// HotelQuery filters a direct hotel search.
type HotelQuery struct {
	City     string `json:"city"`
	CheckIn  string `json:"check_in"`
	CheckOut string `json:"check_out"`
}

// HotelBookingRequest books a hotel found by a previous search.
type HotelBookingRequest struct {
	SessionID string `json:"session_id"`
	HotelID   string `json:"hotel_id"`
	CheckIn   string `json:"check_in"`
	CheckOut  string `json:"check_out"`
	Guests    int    `json:"guests"`
}

// ViewForIntent maps an intent to the companion view it should present.
// Intents with nothing to show return false.
func ViewForIntent(intent string) (visual.Mode, bool) {
	switch intent {
	case IntentFlightSearch:
		return visual.ModeFlights, true
	case IntentFlightBooking:
		return visual.ModeFlightBooking, true
	case IntentHotelSearch:
		return visual.ModeHotels, true
	case IntentHotelBooking:
		return visual.ModeHotelBooking, true
	case IntentCancelBooking, IntentModifyBooking:
		return visual.ModeItinerary, true
	case IntentGeneralQuery:
		return visual.ModeSearch, true
	default:
		return "", false
	}
}
