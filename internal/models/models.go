// Package models defines the core data structures for RelayPipe.
//
// It includes communities, conversation sessions, script records, recorded messages
// and inbound transport events, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// StepStart is the step every session enters when a script is (re)started.
const StepStart = "0"

// StepDone is the sentinel step that ends a conversation.
const StepDone = "done"

// Permission tags held by participants, either community-wide or as group members.
const (
	PermissionAnnounce    = "announce"
	PermissionRenameGroup = "rename_group"
	PermissionEvent       = "event"
	PermissionRelay       = "relay"
	PermissionReply       = "reply"
	// PermissionAdmin implies every other permission.
	PermissionAdmin = "admin"
)

// Error variables for better error handling and testability
var (
	ErrEmptyBotPhone    = errors.New("bot phone cannot be empty")
	ErrEmptySender      = errors.New("sender cannot be empty")
	ErrEmptyGroupID     = errors.New("group id cannot be empty")
	ErrEmptyScriptName  = errors.New("script name cannot be empty")
	ErrUnknownEventKind = errors.New("unknown inbound event kind")
	ErrEmptyName        = errors.New("name cannot be empty")
	ErrEmptySource      = errors.New("script source cannot be empty")
	ErrUnknownPerm      = errors.New("unknown permission")
)

// KnownPermissions lists every permission tag.
var KnownPermissions = []string{
	PermissionAnnounce, PermissionRenameGroup, PermissionEvent,
	PermissionRelay, PermissionReply, PermissionAdmin,
}

// ValidatePermissions rejects tags outside KnownPermissions.
func ValidatePermissions(perms []string) error {
	for _, p := range perms {
		if !slices.Contains(KnownPermissions, p) {
			return fmt.Errorf("%w: %q", ErrUnknownPerm, p)
		}
	}
	return nil
}

// HasPermission reports whether perms grants the required tag.
// An empty requirement is always granted.
func HasPermission(perms []string, required string) bool {
	if required == "" {
		return true
	}
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == required || p == PermissionAdmin {
			return true
		}
	}
	return false
}

// Community is one deployment of the bot: a bot phone number plus its default scripts.
type Community struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	BotPhone           string `json:"bot_phone"`
	OnboardingScriptID string `json:"onboarding_script_id"`
	GroupScriptID      string `json:"group_script_id"`
}

// Validate checks the fields a community needs before it can be stored.
func (c *Community) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyName
	}
	if strings.TrimSpace(c.BotPhone) == "" {
		return ErrEmptyBotPhone
	}
	return nil
}

// ScriptRecord is a stored Script Definition together with its lookup queries.
type ScriptRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// CommunityID is empty for shared system scripts.
	CommunityID string `json:"community_id,omitempty"`
	// Source is the YAML or JSON Script Definition.
	Source string `json:"script_definition_source"`
	// VarsQuery lists variable lookups merged into the context, e.g. "community.name, participant.name".
	VarsQuery string `json:"vars_query,omitempty"`
	// TargetsQuery is the permission tag announcement recipients must hold; empty means everyone.
	TargetsQuery string `json:"targets_query,omitempty"`
}

// IsSystem reports whether the script is shared across communities.
func (s *ScriptRecord) IsSystem() bool {
	return s.CommunityID == ""
}

// Validate checks the record's required fields. It does not parse Source.
func (s *ScriptRecord) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrEmptyScriptName
	}
	if strings.TrimSpace(s.Source) == "" {
		return ErrEmptySource
	}
	if s.TargetsQuery != "" {
		return ValidatePermissions([]string{s.TargetsQuery})
	}
	return nil
}

// MessageDirection tells whether a recorded message was received or sent by the bot.
type MessageDirection string

const (
	// DirectionInbound marks a message received from a participant.
	DirectionInbound MessageDirection = "inbound"
	// DirectionOutbound marks a message sent by the bot.
	DirectionOutbound MessageDirection = "outbound"
)

// Message is a recorded inbound or outbound message.
type Message struct {
	ID          string `json:"id"`
	CommunityID string `json:"community_id"`
	// SessionID is the session the message belongs to.
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
	// Timestamp is the transport's id for the message; replies quote it.
	Timestamp string           `json:"timestamp,omitempty"`
	Direction MessageDirection `json:"direction"`
	// TargetSessionID is the addressee of an outbound message.
	TargetSessionID string    `json:"target_session_id,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	Type            string    `json:"type,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// GroupHashtag pairs a group thread with the hashtag used to relay into it.
type GroupHashtag struct {
	GroupID string `json:"group_id"`
	Hashtag string `json:"hashtag"`
}

// VarTarget names the record a variable is stored on.
type VarTarget struct {
	Kind SessionKind
	ID   string
}
