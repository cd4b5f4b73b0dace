package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/twiliowhatsapp"
)

// ErrUnsupported is returned for operations the backend cannot perform.
var ErrUnsupported = errors.New("operation not supported by this transport")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// TwilioService implements the Service interface using Twilio API. Inbound
// messages arrive through WebhookHandler.
type TwilioService struct {
	client twiliowhatsapp.Sender // Could be real Twilio client or MockClient
	stream *eventStream
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client, stream: newEventStream()}
}

// ValidateAndCanonicalizeRecipient validates a phone number and returns it in
// E.164 form. It removes all non-numeric characters and requires at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(twiliowhatsapp.Number(recipient), "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	canonical = "+" + canonical
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio (no live client)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channel.
func (s *TwilioService) Stop() error {
	s.stream.close()
	return nil
}

func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.stream.events
}

// Send sends text to each recipient and returns the SID of the last message.
func (s *TwilioService) Send(ctx context.Context, from string, recipients []string, text string) (string, error) {
	if s.stream.isStopped() {
		return "", ErrServiceStopped
	}
	var sid string
	for _, to := range recipients {
		canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
		if err != nil {
			slog.Error("TwilioService Send validation error", "error", err, "to", to)
			return "", err
		}
		if sid, err = s.client.SendMessage(ctx, canonicalTo, text); err != nil {
			return "", err
		}
	}
	return sid, nil
}

func (s *TwilioService) SendAttachment(ctx context.Context, from, to, path string) (string, error) {
	return "", fmt.Errorf("twilio attachment %s: %w", path, ErrUnsupported)
}

func (s *TwilioService) LeaveGroup(ctx context.Context, from, groupID string) error {
	return fmt.Errorf("twilio leave group: %w", ErrUnsupported)
}

// SendTyping is a no-op; Twilio has no typing indicator.
func (s *TwilioService) SendTyping(ctx context.Context, from, to string) error {
	slog.Debug("TwilioService SendTyping ignored (unsupported)", "to", to)
	return nil
}

// React is a no-op; Twilio cannot react to messages.
func (s *TwilioService) React(ctx context.Context, from, recipient, targetAuthor, targetTimestamp, emoji string) error {
	slog.Debug("TwilioService React ignored (unsupported)", "recipient", recipient)
	return nil
}

// WebhookHandler handles inbound Twilio webhook requests and emits them as
// direct-message events. The message SID is the event timestamp; a reply
// carries the SID it quotes.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	to := twiliowhatsapp.Number(r.FormValue("To"))
	if to == "" {
		to = s.client.From()
	}

	ev := models.InboundEvent{Message: &models.InboundMessage{
		BotPhone:        to,
		From:            twiliowhatsapp.Number(from),
		FromName:        r.FormValue("ProfileName"),
		Text:            body,
		Timestamp:       r.FormValue("MessageSid"),
		QuotedTimestamp: r.FormValue("OriginalRepliedMessageSid"),
	}}
	if !s.stream.emit(ev) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	slog.Debug("TwilioService emitted inbound message", "from", ev.Message.From)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
