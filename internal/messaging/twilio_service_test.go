package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/RelayPipe/internal/twiliowhatsapp"
)

func TestTwilioService_ImplementsService(t *testing.T) {
	var _ Service = (*TwilioService)(nil)
	var _ twiliowhatsapp.Sender = (*twiliowhatsapp.Client)(nil)
}

func TestTwilioService_ValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("+15550000000"))
	tests := []struct {
		in       string
		expected string
		wantErr  bool
	}{
		{in: "+1 (555) 123-4567", expected: "+15551234567"},
		{in: "whatsapp:+15551234567", expected: "+15551234567"},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "+123", wantErr: true},
	}
	for _, tt := range tests {
		got, err := svc.ValidateAndCanonicalizeRecipient(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.expected {
			t.Errorf("%q: got %q, %v; expected %q", tt.in, got, err, tt.expected)
		}
	}
}

func TestTwilioService_Send(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient("+15550000000")
	svc := NewTwilioService(mock)
	sid, err := svc.Send(context.Background(), "+15550000000", []string{"+15551110001", "+15551110002"}, "hello")
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if sid == "" {
		t.Error("expected a message SID")
	}
	if len(mock.SentMessages) != 2 || mock.SentMessages[1].To != "+15551110002" {
		t.Errorf("unexpected sends: %+v", mock.SentMessages)
	}
}

func TestTwilioService_Unsupported(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("+15550000000"))
	ctx := context.Background()
	if _, err := svc.SendAttachment(ctx, "", "+15551110001", "/tmp/x.pdf"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if err := svc.LeaveGroup(ctx, "", "g"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if err := svc.SendTyping(ctx, "", "+15551110001"); err != nil {
		t.Errorf("typing should be a no-op, got %v", err)
	}
	if err := svc.React(ctx, "", "+1", "+2", "SM1", "✅"); err != nil {
		t.Errorf("react should be a no-op, got %v", err)
	}
}

func postForm(h http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestTwilioService_WebhookHandler(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("+15550000000"))
	rr := postForm(svc.WebhookHandler, url.Values{
		"From":                      {"whatsapp:+15551110001"},
		"To":                        {"whatsapp:+15550000000"},
		"Body":                      {"hello"},
		"MessageSid":                {"SM123"},
		"ProfileName":               {"Ada"},
		"OriginalRepliedMessageSid": {"SM100"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	ev := <-svc.Events()
	m := ev.Message
	if m.BotPhone != "+15550000000" || m.From != "+15551110001" || m.FromName != "Ada" ||
		m.Text != "hello" || m.Timestamp != "SM123" || m.QuotedTimestamp != "SM100" {
		t.Errorf("unexpected event %+v", m)
	}
}

func TestTwilioService_WebhookHandler_DefaultsBotPhone(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("+15550000000"))
	rr := postForm(svc.WebhookHandler, url.Values{"From": {"whatsapp:+15551110001"}, "Body": {"hi"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ev := <-svc.Events(); ev.Message.BotPhone != "+15550000000" {
		t.Errorf("expected client number as bot phone, got %q", ev.Message.BotPhone)
	}
}

func TestTwilioService_WebhookHandler_MissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("+15550000000"))
	rr := postForm(svc.WebhookHandler, url.Values{"From": {"whatsapp:+15551110001"}})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestTwilioService_WebhookHandler_Stopped(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("+15550000000"))
	_ = svc.Stop()
	rr := postForm(svc.WebhookHandler, url.Values{"From": {"+15551110001"}, "Body": {"hi"}})
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rr.Code)
	}
}
