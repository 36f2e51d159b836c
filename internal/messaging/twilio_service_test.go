package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/DeviceIntake/internal/twiliowhatsapp"
)

func TestTwilioService_ImplementsService(t *testing.T) {
	var _ Service = (*TwilioService)(nil)
}

func postForm(h http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTwilioWebhookHandler(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	rec := postForm(svc.TwilioWebhookHandler, url.Values{
		"From":       {"whatsapp:+15551234567"},
		"Body":       {"Hi, I need 5 Android phones"},
		"MessageSid": {"SM123"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	select {
	case r := <-svc.Responses():
		if r.From != "whatsapp:+15551234567" || r.Body != "Hi, I need 5 Android phones" || r.MessageID != "SM123" {
			t.Errorf("unexpected response %+v", r)
		}
	default:
		t.Fatal("expected an emitted response")
	}
}

func TestTwilioWebhookHandler_BadRequests(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	if rec := postForm(svc.TwilioWebhookHandler, url.Values{"From": {"+1555"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing body: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/webhook/twilio", nil)
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d", rec.Code)
	}
}

func TestTwilioService_StopDropsInbound(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	rec := postForm(svc.TwilioWebhookHandler, url.Values{"From": {"+15551234567"}, "Body": {"hi"}})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected closed channel after Stop")
	}
	if err := svc.SendMessage(context.Background(), "15551234567", "x"); err != ErrServiceStopped {
		t.Errorf("SendMessage after Stop = %v", err)
	}
}

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"whatsapp:+1 (555) 123-4567", "15551234567", false},
		{"15551234567", "15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"+12345", "", true},
	}
	for _, tt := range tests {
		got, err := svc.ValidateAndCanonicalizeRecipient(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, %v", tt.in, got, err)
		}
	}
}
