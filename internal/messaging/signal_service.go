package messaging

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/signal"
)

// SignalClient is the subset of signal.Client the service uses.
type SignalClient interface {
	Number() string
	Send(ctx context.Context, recipients []string, text string) (string, error)
	SendAttachment(ctx context.Context, to, path string) (string, error)
	Typing(ctx context.Context, to string) error
	React(ctx context.Context, recipient, targetAuthor, targetTimestamp, emoji string) error
	QuitGroup(ctx context.Context, groupID string) error
	Receive(ctx context.Context, handle func(signal.Envelope)) error
}

// SignalService implements Service on the signal-cli REST API.
type SignalService struct {
	client SignalClient
	stream *eventStream
	wg     sync.WaitGroup
}

// NewSignalService creates a SignalService for the client's account.
func NewSignalService(client SignalClient) *SignalService {
	return &SignalService{client: client, stream: newEventStream()}
}

// Start opens the receive stream in the background.
func (s *SignalService) Start(ctx context.Context) error {
	slog.Debug("SignalService Start invoked", "number", s.client.Number())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.client.Receive(ctx, s.handleEnvelope); err != nil {
			slog.Error("SignalService receive loop failed", "error", err)
		}
	}()
	return nil
}

// Stop closes the event channel. The receive loop ends with the Start context.
func (s *SignalService) Stop() error {
	slog.Info("SignalService Stop invoked")
	s.stream.close()
	return nil
}

// Wait blocks until the receive loop has returned.
func (s *SignalService) Wait() {
	s.wg.Wait()
}

func (s *SignalService) Events() <-chan models.InboundEvent {
	return s.stream.events
}

func (s *SignalService) Send(ctx context.Context, from string, recipients []string, text string) (string, error) {
	if s.stream.isStopped() {
		return "", ErrServiceStopped
	}
	if from != "" && from != s.client.Number() {
		slog.Warn("SignalService sending from the configured account instead", "requested", from, "account", s.client.Number())
	}
	return s.client.Send(ctx, recipients, text)
}

func (s *SignalService) SendAttachment(ctx context.Context, from, to, path string) (string, error) {
	if s.stream.isStopped() {
		return "", ErrServiceStopped
	}
	return s.client.SendAttachment(ctx, to, path)
}

func (s *SignalService) LeaveGroup(ctx context.Context, from, groupID string) error {
	return s.client.QuitGroup(ctx, groupID)
}

func (s *SignalService) SendTyping(ctx context.Context, from, to string) error {
	return s.client.Typing(ctx, to)
}

func (s *SignalService) React(ctx context.Context, from, recipient, targetAuthor, targetTimestamp, emoji string) error {
	return s.client.React(ctx, recipient, targetAuthor, targetTimestamp, emoji)
}

func (s *SignalService) handleEnvelope(env signal.Envelope) {
	ev, ok := convertEnvelope(s.client.Number(), env)
	if !ok {
		return
	}
	if s.stream.emit(ev) {
		slog.Debug("SignalService inbound event forwarded", "kind", ev.Kind())
	}
}

// convertEnvelope turns a received data message into an inbound event. Group
// ids are converted to the form the send endpoints accept, so replies can be
// addressed with the id unchanged. Group updates without text are skipped.
func convertEnvelope(botPhone string, env signal.Envelope) (models.InboundEvent, bool) {
	dm := env.DataMessage
	if dm == nil || strings.TrimSpace(dm.Message) == "" {
		return models.InboundEvent{}, false
	}
	ts := dm.Timestamp
	if ts == 0 {
		ts = env.Timestamp
	}
	msg := &models.InboundMessage{
		BotPhone:  botPhone,
		From:      env.Sender(),
		FromName:  env.SourceName,
		Text:      dm.Message,
		Timestamp: strconv.FormatInt(ts, 10),
	}
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		msg.GroupID = signal.GroupRecipient(dm.GroupInfo.GroupID)
	}
	if dm.Quote != nil && dm.Quote.ID != 0 {
		msg.QuotedTimestamp = strconv.FormatInt(dm.Quote.ID, 10)
	}
	return models.InboundEvent{Message: msg}, true
}
