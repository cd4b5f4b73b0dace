package script

import (
	"fmt"
	"regexp"
)

// Rule is one node of a step's on_receive tree: a Sequence, a Conditional, or an Action.
type Rule interface {
	rule()
}

// Sequence executes its nodes in order.
type Sequence []Rule

// Conditional evaluates If once and runs exactly one branch. A nil Else is a no-op.
type Conditional struct {
	If   Condition
	Then Sequence
	Else Sequence
}

func (Sequence) rule()    {}
func (Conditional) rule() {}

// Action is a declarative side effect executed by Execute.
type Action interface {
	Rule
	// Name is the action's key in the script source.
	Name() string
}

// GoTo advances the session to Step and ends rule evaluation for the turn.
type GoTo struct {
	Step string
}

// SetVariable stores a value on the session running the script.
type SetVariable struct {
	Variable string
	Value    Value
}

// SetGroupVariable stores a value on the group thread named by the group_id variable.
type SetGroupVariable struct {
	Variable string
	Value    Value
}

// SetMessageType tags the inbound message identified by the timestamp variable.
type SetMessageType struct {
	Type string
}

// SendAnnouncement broadcasts the announcement to the community.
type SendAnnouncement struct{}

// SendToAdmins forwards the inbound message, prefixed by Preamble, to the community's admins.
type SendToAdmins struct {
	Preamble string
}

// SaveMessage records the inbound message.
type SaveMessage struct{}

// SetStatus moves the session to Status and immediately enters that step.
type SetStatus struct {
	Status string
}

func (GoTo) rule()             {}
func (SetVariable) rule()      {}
func (SetGroupVariable) rule() {}
func (SetMessageType) rule()   {}
func (SendAnnouncement) rule() {}
func (SendToAdmins) rule()     {}
func (SaveMessage) rule()      {}
func (SetStatus) rule()        {}

func (GoTo) Name() string             { return "step" }
func (SetVariable) Name() string      { return "set_variable" }
func (SetGroupVariable) Name() string { return "set_group_variable" }
func (SetMessageType) Name() string   { return "set_message_type" }
func (SendAnnouncement) Name() string { return "send_announcement" }
func (SendToAdmins) Name() string     { return "send_to_admins" }
func (SaveMessage) Name() string      { return "save_message" }
func (SetStatus) Name() string        { return "user_status" }

// Value is the right-hand side of set_variable and set_group_variable.
type Value struct {
	raw        string
	captureVar string
	pattern    *regexp.Regexp
}

// LiteralValue returns a Value that resolves to raw or to the variable raw names.
func LiteralValue(raw string) Value {
	return Value{raw: raw}
}

// ParseValue parses a value expression. regex(VAR, /P/) captures from VAR;
// anything else is resolved at execution time by Resolve.
func ParseValue(raw string) (Value, error) {
	m := regexCallPattern.FindStringSubmatch(raw)
	if m == nil {
		return Value{raw: raw}, nil
	}
	pattern, ok := slashDelimited(m[2])
	if !ok {
		return Value{}, fmt.Errorf("value %q: right operand must be /PATTERN/", raw)
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return Value{}, err
	}
	return Value{raw: raw, captureVar: m[1], pattern: re}, nil
}

// Resolve computes the value against vars. A capture yields the first group, or
// the whole match when the pattern has none, or "" when it does not match. A
// value naming a set variable yields that variable. Otherwise the value is a
// literal with {{var}} placeholders interpolated.
func (v Value) Resolve(vars Vars) string {
	if v.pattern != nil {
		m := v.pattern.FindStringSubmatch(vars.Get(v.captureVar))
		switch {
		case m == nil:
			return ""
		case len(m) > 1:
			return m[1]
		default:
			return m[0]
		}
	}
	if val, ok := vars[v.raw]; ok {
		return val
	}
	return Interpolate(v.raw, vars)
}

// String returns the source form of the value.
func (v Value) String() string {
	return v.raw
}
