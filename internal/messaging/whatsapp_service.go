package messaging

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // Access to underlying client for event handling
	stream   *eventStream
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{client: client, stream: newEventStream()}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	id := s.waClient.GetClient().AddEventHandler(s.handleEvent)
	go func() {
		<-ctx.Done()
		s.waClient.GetClient().RemoveEventHandler(id)
		slog.Debug("WhatsAppService event handler removed")
	}()
	return nil
}

// Stop closes the event channel.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	s.stream.close()
	return nil
}

// Events returns the channel of inbound events.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.stream.events
}

func (s *WhatsAppService) checkFrom(from string) {
	if bot := s.client.BotPhone(); from != "" && bot != "" && from != bot {
		slog.Warn("WhatsAppService sending from the logged-in account instead", "requested", from, "account", bot)
	}
}

// Send sends text to each recipient and returns the id of the last message.
func (s *WhatsAppService) Send(ctx context.Context, from string, recipients []string, text string) (string, error) {
	if s.stream.isStopped() {
		return "", ErrServiceStopped
	}
	s.checkFrom(from)
	var id string
	for _, to := range recipients {
		var err error
		if id, err = s.client.SendText(ctx, to, text); err != nil {
			slog.Error("WhatsAppService Send error", "error", err, "to", to)
			return "", err
		}
	}
	slog.Debug("WhatsAppService message sent", "recipients", len(recipients), "id", id)
	return id, nil
}

func (s *WhatsAppService) SendAttachment(ctx context.Context, from, to, path string) (string, error) {
	if s.stream.isStopped() {
		return "", ErrServiceStopped
	}
	s.checkFrom(from)
	return s.client.SendDocument(ctx, to, path)
}

func (s *WhatsAppService) LeaveGroup(ctx context.Context, from, groupID string) error {
	s.checkFrom(from)
	return s.client.LeaveGroup(ctx, groupID)
}

func (s *WhatsAppService) SendTyping(ctx context.Context, from, to string) error {
	return s.client.SendTyping(ctx, to)
}

// React reacts to the message with id targetTimestamp. WhatsApp identifies
// messages by id, which is what inbound events carry as their timestamp.
func (s *WhatsAppService) React(ctx context.Context, from, recipient, targetAuthor, targetTimestamp, emoji string) error {
	return s.client.React(ctx, recipient, targetAuthor, targetTimestamp, emoji)
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	bot := s.client.BotPhone()
	var out []models.InboundEvent
	switch v := evt.(type) {
	case *events.Message:
		if ev, ok := convertMessage(bot, v); ok {
			out = append(out, ev)
		}
	case *events.GroupInfo:
		if ev, ok := convertGroupInfo(bot, v); ok {
			out = append(out, ev)
		}
	case *events.JoinedGroup:
		out = convertJoinedGroup(bot, v)
	default:
		slog.Debug("WhatsAppService ignoring event type", "type", getEventType(v))
	}
	for _, ev := range out {
		if s.stream.emit(ev) {
			slog.Debug("WhatsAppService inbound event forwarded", "kind", ev.Kind())
		}
	}
}

// convertMessage turns a text message into an inbound event. Messages sent by
// the bot itself and non-text messages are skipped.
func convertMessage(botPhone string, evt *events.Message) (models.InboundEvent, bool) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return models.InboundEvent{}, false
	}
	var text, quoted string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage() != nil:
		ext := evt.Message.GetExtendedTextMessage()
		text = ext.GetText()
		quoted = ext.GetContextInfo().GetStanzaID()
	default:
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return models.InboundEvent{}, false
	}
	if strings.TrimSpace(text) == "" {
		return models.InboundEvent{}, false
	}

	msg := &models.InboundMessage{
		BotPhone:        botPhone,
		From:            whatsapp.Address(evt.Info.Sender),
		FromName:        evt.Info.PushName,
		Text:            text,
		Timestamp:       evt.Info.ID,
		QuotedTimestamp: quoted,
	}
	if evt.Info.IsGroup {
		msg.GroupID = whatsapp.Address(evt.Info.Chat)
	}
	return models.InboundEvent{Message: msg}, true
}

func convertGroupInfo(botPhone string, evt *events.GroupInfo) (models.InboundEvent, bool) {
	if len(evt.Join) == 0 && len(evt.Leave) == 0 {
		return models.InboundEvent{}, false
	}
	return models.InboundEvent{Membership: &models.MembershipChange{
		BotPhone: botPhone,
		GroupID:  whatsapp.Address(evt.JID),
		Joined:   addresses(evt.Join),
		Left:     addresses(evt.Leave),
	}}, true
}

// convertJoinedGroup reports the bot being added to a group as an empty group
// message, which starts the group setup script, followed by the initial roster.
func convertJoinedGroup(botPhone string, evt *events.JoinedGroup) []models.InboundEvent {
	groupID := whatsapp.Address(evt.JID)
	out := []models.InboundEvent{{Message: &models.InboundMessage{BotPhone: botPhone, GroupID: groupID}}}
	var members []types.JID
	for _, p := range evt.Participants {
		members = append(members, p.JID)
	}
	if len(members) > 0 {
		out = append(out, models.InboundEvent{Membership: &models.MembershipChange{
			BotPhone: botPhone,
			GroupID:  groupID,
			Joined:   addresses(members),
		}})
	}
	return out
}

func addresses(jids []types.JID) []string {
	if len(jids) == 0 {
		return nil
	}
	out := make([]string, 0, len(jids))
	for _, j := range jids {
		out = append(out, whatsapp.Address(j))
	}
	return out
}

// getEventType returns a string representation of the event type for logging
func getEventType(evt interface{}) string {
	switch evt.(type) {
	case *events.Receipt:
		return "Receipt"
	case *events.Presence:
		return "Presence"
	case *events.Connected:
		return "Connected"
	case *events.Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}
