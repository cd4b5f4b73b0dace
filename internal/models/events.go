package models

// EventKind classifies an inbound transport event.
type EventKind string

const (
	EventDirect     EventKind = "direct"
	EventGroup      EventKind = "group"
	EventReply      EventKind = "reply"
	EventMembership EventKind = "membership"
)

// InboundMessage is one decoded message from the transport.
type InboundMessage struct {
	// BotPhone is the bot account the message was addressed to.
	BotPhone string `json:"bot_phone"`
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
	Text     string `json:"text"`
	// Timestamp is the transport's id for this message.
	Timestamp string `json:"timestamp,omitempty"`
	// GroupID is set when the message was posted in a group thread.
	GroupID string `json:"group_id,omitempty"`
	// QuotedTimestamp is set when the message replies to an earlier message.
	QuotedTimestamp string `json:"quoted_timestamp,omitempty"`
}

// MembershipChange reports participants joining or leaving a group thread.
type MembershipChange struct {
	BotPhone string   `json:"bot_phone"`
	GroupID  string   `json:"group_id"`
	Joined   []string `json:"joined,omitempty"`
	Left     []string `json:"left,omitempty"`
}

// InboundEvent is what a messaging service delivers to the dispatcher.
// Exactly one of Message or Membership is set.
type InboundEvent struct {
	Message    *InboundMessage   `json:"message,omitempty"`
	Membership *MembershipChange `json:"membership,omitempty"`
}

// Kind classifies the event.
func (e InboundEvent) Kind() EventKind {
	switch {
	case e.Membership != nil:
		return EventMembership
	case e.Message == nil:
		return ""
	case e.Message.QuotedTimestamp != "":
		return EventReply
	case e.Message.GroupID != "":
		return EventGroup
	default:
		return EventDirect
	}
}

// SessionKey identifies the session an event belongs to, for per-session serialization.
func (e InboundEvent) SessionKey() string {
	switch {
	case e.Membership != nil:
		return e.Membership.BotPhone + ":" + e.Membership.GroupID
	case e.Message == nil:
		return ""
	case e.Message.GroupID != "":
		return e.Message.BotPhone + ":" + e.Message.GroupID
	default:
		return e.Message.BotPhone + ":" + e.Message.From
	}
}
