package script

// Effect describes one operation against the persistence or transport collaborators.
// Effects are applied in the order they are produced.
type Effect interface {
	// Kind is a short label used in logs and metrics.
	Kind() string
}

// SendText sends Text to the session's address.
type SendText struct {
	Text string
}

// SendAttachment sends the file named by Path to the session's address.
type SendAttachment struct {
	Path string
}

// PersistStep stores the session's new step.
type PersistStep struct {
	Step string
}

// Scope names the record a PersistVariable effect targets.
type Scope string

const (
	// ScopeSession targets the session running the script.
	ScopeSession Scope = "session"
	// ScopeGroup targets the group thread named by GroupID.
	ScopeGroup Scope = "group"
)

// PersistVariable stores Name=Value on the record named by Scope.
type PersistVariable struct {
	Scope   Scope
	GroupID string
	Name    string
	Value   string
}

// TagMessage sets the type of the inbound message with the given transport Timestamp.
type TagMessage struct {
	CommunityID string
	Timestamp   string
	Type        string
}

// Broadcast sends Text to the community's announcement recipients.
type Broadcast struct {
	CommunityID string
	SessionID   string
	Text        string
}

// NotifyAdmins sends Text to the community's privileged participants.
type NotifyAdmins struct {
	CommunityID string
	Text        string
}

// RecordMessage stores the inbound message. Fields pass through unvalidated.
type RecordMessage struct {
	CommunityID string
	SessionID   string
	Message     string
	Timestamp   string
	Phone       string
}

func (SendText) Kind() string        { return "send_text" }
func (SendAttachment) Kind() string  { return "send_attachment" }
func (PersistStep) Kind() string     { return "persist_step" }
func (PersistVariable) Kind() string { return "persist_variable" }
func (TagMessage) Kind() string      { return "tag_message" }
func (Broadcast) Kind() string       { return "broadcast" }
func (NotifyAdmins) Kind() string    { return "notify_admins" }
func (RecordMessage) Kind() string   { return "record_message" }
