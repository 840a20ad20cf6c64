package phone

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"
)

func TestVoiceHandlerReturnsStreamTwiml(t *testing.T) {
	tr := New(Config{PublicURL: "https://voice.example.com", VoiceGreeting: "Welcome to VoxTrip"})

	req := httptest.NewRequest(http.MethodPost, "/voice", nil)
	rec := httptest.NewRecorder()
	tr.handleVoice(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `<Stream url="wss://voice.example.com/ws"/>`) {
		t.Fatalf("twiml missing stream url: %s", body)
	}
	if !strings.Contains(body, "<Say>Welcome to VoxTrip</Say>") {
		t.Fatalf("twiml missing greeting: %s", body)
	}
}

func TestVoiceHandlerRejectsGet(t *testing.T) {
	tr := New(Config{})
	req := httptest.NewRequest(http.MethodGet, "/voice", nil)
	rec := httptest.NewRecorder()
	tr.handleVoice(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestVoiceHandlerRequiresSignature(t *testing.T) {
	tr := New(Config{AuthToken: "secret"})
	req := httptest.NewRequest(http.MethodPost, "/voice", nil)
	rec := httptest.NewRecorder()
	tr.handleVoice(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 without signature", rec.Code)
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"completed":   "completed",
		"Hangup":      "completed",
		"busy":        "busy",
		"no-answer":   "no_answer",
		"canceled":    "failed",
		"ringing":     "",
		"":            "",
		"odd-status":  "unknown",
		"in-progress": "",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Errorf("normalizeCallEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizePublicURL(t *testing.T) {
	cases := map[string]string{
		"https://voice.example.com":  "voice.example.com",
		"http://voice.example.com/":  "voice.example.com",
		"voice.example.com//":        "voice.example.com",
		"":                           "",
	}
	for in, want := range cases {
		if got := normalizePublicURL(in); got != want {
			t.Errorf("normalizePublicURL(%q) = %q, want %q", in, got, want)
		}
	}
}

type fakeCallCreator struct {
	params *api.CreateCallParams
	sid    string
}

func (f *fakeCallCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	f.params = params
	return &api.ApiV2010Call{Sid: &f.sid}, nil
}

func TestDialerUsesVoiceWebhookByDefault(t *testing.T) {
	creator := &fakeCallCreator{sid: "CA123"}
	d := NewDialer(Config{
		AccountSID: "AC1",
		AuthToken:  "secret",
		PublicURL:  "https://voice.example.com",
	})
	d.client = creator

	sid, err := d.Dial(context.Background(), "+15551230000", "+15559870000", "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("sid = %q", sid)
	}
	if creator.params == nil || creator.params.Url == nil {
		t.Fatal("no url set on call params")
	}
	if *creator.params.Url != "https://voice.example.com/voice" {
		t.Fatalf("url = %q", *creator.params.Url)
	}
}

func TestDialerValidatesInput(t *testing.T) {
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "secret"})
	if _, err := d.Dial(context.Background(), "", "+15559870000", ""); err == nil {
		t.Fatal("expected error for missing to")
	}
	d = NewDialer(Config{})
	if _, err := d.Dial(context.Background(), "+15551230000", "+15559870000", ""); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}
