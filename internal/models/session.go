package models

import "maps"

// SessionKind tags the two ConversationSession variants.
type SessionKind string

const (
	// SessionDirect is bound to one participant within one community.
	SessionDirect SessionKind = "direct"
	// SessionGroup is bound to one group thread within one community.
	SessionGroup SessionKind = "group"
)

// ConversationSession is the durable progress marker of a participant or group thread.
// Its step and variables are the only durable output of a turn.
type ConversationSession interface {
	Kind() SessionKind
	SessionID() string
	Community() string
	ScriptID() string
	CurrentStep() string
	// Address is the transport recipient for messages sent to this session.
	Address() string
	Vars() map[string]string
	// Restart points the session at a new script and resets it to StepStart.
	Restart(scriptID string)
	SetStep(step string)
	SetVar(name, value string)
}

// DirectSession is a participant's session within a community.
type DirectSession struct {
	ID              string            `json:"id"`
	CommunityID     string            `json:"community_id"`
	Phone           string            `json:"phone"`
	CurrentScriptID string            `json:"current_script_id"`
	Step            string            `json:"step"`
	Variables       map[string]string `json:"variables,omitempty"`
	// Permissions are community-level tags.
	Permissions []string `json:"permissions,omitempty"`
}

func (s *DirectSession) Kind() SessionKind { return SessionDirect }
func (s *DirectSession) SessionID() string { return s.ID }
func (s *DirectSession) Community() string { return s.CommunityID }
func (s *DirectSession) ScriptID() string { return s.CurrentScriptID }
func (s *DirectSession) CurrentStep() string { return s.Step }
func (s *DirectSession) Address() string { return s.Phone }
func (s *DirectSession) Vars() map[string]string { return s.Variables }

func (s *DirectSession) Restart(scriptID string) {
	s.CurrentScriptID = scriptID
	s.Step = StepStart
}

func (s *DirectSession) SetStep(step string) { s.Step = step }

func (s *DirectSession) SetVar(name, value string) {
	if s.Variables == nil {
		s.Variables = make(map[string]string)
	}
	s.Variables[name] = value
}

// DisplayName returns the participant's stored name, falling back to the phone number.
func (s *DirectSession) DisplayName() string {
	if name := s.Variables["name"]; name != "" {
		return name
	}
	return s.Phone
}

// Clone returns a deep copy, used by stores that hand out snapshots.
func (s *DirectSession) Clone() *DirectSession {
	c := *s
	c.Variables = maps.Clone(s.Variables)
	c.Permissions = append([]string(nil), s.Permissions...)
	return &c
}

// GroupSession is a group thread's session within a community.
type GroupSession struct {
	ID              string            `json:"id"`
	CommunityID     string            `json:"community_id"`
	GroupID         string            `json:"group_id"`
	Hashtag         string            `json:"hashtag,omitempty"`
	CurrentScriptID string            `json:"current_script_id"`
	Step            string            `json:"step"`
	Variables       map[string]string `json:"variables,omitempty"`
	// Peers is the community's list of group hashtags, filled in on resolution.
	Peers []GroupHashtag `json:"-"`
}

func (s *GroupSession) Kind() SessionKind { return SessionGroup }
func (s *GroupSession) SessionID() string { return s.ID }
func (s *GroupSession) Community() string { return s.CommunityID }
func (s *GroupSession) ScriptID() string { return s.CurrentScriptID }
func (s *GroupSession) CurrentStep() string { return s.Step }
func (s *GroupSession) Address() string { return s.GroupID }
func (s *GroupSession) Vars() map[string]string { return s.Variables }

func (s *GroupSession) Restart(scriptID string) {
	s.CurrentScriptID = scriptID
	s.Step = StepStart
}

func (s *GroupSession) SetStep(step string) { s.Step = step }

func (s *GroupSession) SetVar(name, value string) {
	if s.Variables == nil {
		s.Variables = make(map[string]string)
	}
	s.Variables[name] = value
	if name == "hashtag" {
		s.Hashtag = value
	}
}

// Clone returns a deep copy, used by stores that hand out snapshots.
func (s *GroupSession) Clone() *GroupSession {
	c := *s
	c.Variables = maps.Clone(s.Variables)
	c.Peers = append([]GroupHashtag(nil), s.Peers...)
	return &c
}

// GroupMember is a participant's membership in a group thread.
type GroupMember struct {
	GroupSessionID string   `json:"group_session_id"`
	Phone          string   `json:"phone"`
	Permissions    []string `json:"permissions,omitempty"`
}
