package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/voxtrip/voxtrip/pkg/errorsx"
	"github.com/voxtrip/voxtrip/pkg/metrics"
	"github.com/voxtrip/voxtrip/pkg/resilience"
)

// Dispatcher sends finalized user turns to the assistant service.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Client is an HTTP Dispatcher with retry and a rate limit breaker. At most
// one dispatch per session is in flight at a time; a second Dispatch for
// the same session fails immediately instead of queueing.
type Client struct {
	baseURL string
	http    *http.Client
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
	obs     metrics.Observer

	mu       sync.Mutex
	inFlight map[string]bool
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithRetryPolicy(p resilience.RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

func WithObserver(obs metrics.Observer) ClientOption {
	return func(c *Client) { c.obs = obs }
}

func NewClient(baseURL string, log *slog.Logger, opts ...ClientOption) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 15 * time.Second},
		retry:    resilience.NewRetryPolicy(2, 200*time.Millisecond),
		breaker:  resilience.NewCircuitBreaker(3, 30*time.Second),
		log:      log,
		obs:      metrics.NoopObserver{},
		inFlight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch sends one user turn and returns the assistant's reply.
func (c *Client) Dispatch(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	c.mu.Lock()
	if c.inFlight[req.SessionID] {
		c.mu.Unlock()
		return ChatResponse{}, errorsx.Wrap(
			fmt.Errorf("dispatch already in flight for session %s", req.SessionID),
			errorsx.ReasonBackendUnavailable)
	}
	c.inFlight[req.SessionID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, req.SessionID)
		c.mu.Unlock()
	}()

	start := time.Now()
	var resp ChatResponse
	err := c.post(ctx, "/api/chat", req, &resp)
	if err != nil {
		c.obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventDispatchFailed,
			Time:  time.Now(),
			Tags:  map[string]string{"session_id": req.SessionID},
			Value: float64(time.Since(start).Milliseconds()),
		})
		return ChatResponse{}, err
	}
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventDispatch,
		Time:  time.Now(),
		Tags:  map[string]string{"session_id": req.SessionID, "intent": resp.Intent},
		Value: float64(time.Since(start).Milliseconds()),
	})
	return resp, nil
}

// SearchFlights queries the flight inventory directly.
func (c *Client) SearchFlights(ctx context.Context, q FlightQuery) ([]Flight, error) {
	var out []Flight
	if err := c.post(ctx, "/api/flights/search", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchHotels queries the hotel inventory directly.
func (c *Client) SearchHotels(ctx context.Context, q HotelQuery) ([]Hotel, error) {
	var out []Hotel
	if err := c.post(ctx, "/api/hotels/search", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BookHotel places a hotel booking.
func (c *Client) BookHotel(ctx context.Context, req HotelBookingRequest) (Booking, error) {
	var out Booking
	if err := c.post(ctx, "/api/hotels/book", req, &out); err != nil {
		return Booking{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if !c.breaker.Allow() {
		return errorsx.Wrap(fmt.Errorf("breaker open for %s", path), errorsx.ReasonBackendUnavailable)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonEncode)
	}

	err = c.retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := c.http.Do(req)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonBackendUnavailable)
		}
		defer res.Body.Close()

		if res.StatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitError{Provider: "backend", Message: "429 from " + path}
		}
		if res.StatusCode >= 500 {
			return errorsx.Wrap(fmt.Errorf("%s returned %d", path, res.StatusCode), errorsx.ReasonBackendUnavailable)
		}
		if res.StatusCode >= 400 {
			payload, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
			return errorsx.Wrap(fmt.Errorf("%s returned %d: %s", path, res.StatusCode, payload), errorsx.ReasonBackendUnavailable)
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonBackendDecode)
		}
		return nil
	})

	if err != nil {
		c.breaker.OnError(err)
		c.log.Warn("backend_request_failed", "path", path, "error", err)
		if resilience.IsRateLimit(err) {
			err = errorsx.Wrap(err, errorsx.ReasonBackendUnavailable)
		}
		return err
	}
	c.breaker.OnSuccess()
	return nil
}
