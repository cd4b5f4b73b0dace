package script

import (
	"fmt"
	"strings"
	"unicode"
)

// ActionResult is the outcome of executing one action.
type ActionResult struct {
	Effects []Effect
	// Step is set when the action moves the session to a new step.
	Step string
	// Terminal reports that rule evaluation must stop after this action.
	Terminal bool
	// Enter reports that the new step's messages must be sent immediately.
	Enter bool
}

// Execute applies a single action to vars. Variable updates are visible in vars
// immediately. On error no effect of this action is returned and vars is untouched.
func Execute(a Action, vars Vars) (ActionResult, error) {
	switch a := a.(type) {
	case GoTo:
		return ActionResult{
			Effects:  []Effect{PersistStep{Step: a.Step}},
			Step:     a.Step,
			Terminal: true,
		}, nil

	case SetStatus:
		vars[VarStep] = a.Status
		return ActionResult{
			Effects:  []Effect{PersistStep{Step: a.Status}},
			Step:     a.Status,
			Terminal: true,
			Enter:    true,
		}, nil

	case SetVariable:
		value := a.Value.Resolve(vars)
		vars[a.Variable] = value
		return ActionResult{Effects: []Effect{
			PersistVariable{Scope: ScopeSession, Name: a.Variable, Value: value},
		}}, nil

	case SetGroupVariable:
		groupID := vars.Get(VarGroupID)
		if groupID == "" {
			return ActionResult{}, &MissingContextError{Action: a.Name(), Field: VarGroupID}
		}
		value := a.Value.Resolve(vars)
		vars[a.Variable] = value
		return ActionResult{Effects: []Effect{
			PersistVariable{Scope: ScopeGroup, GroupID: groupID, Name: a.Variable, Value: value},
		}}, nil

	case SetMessageType:
		ts := vars.Get(VarTimestamp)
		if ts == "" {
			return ActionResult{}, &MissingContextError{Action: a.Name(), Field: VarTimestamp}
		}
		return ActionResult{Effects: []Effect{
			TagMessage{CommunityID: vars.Get(VarCommunityID), Timestamp: ts, Type: a.Type},
		}}, nil

	case SendAnnouncement:
		communityID := vars.Get(VarCommunityID)
		if communityID == "" {
			return ActionResult{}, &MissingContextError{Action: a.Name(), Field: VarCommunityID}
		}
		text := vars.Get(VarAnnouncement)
		if text == "" {
			text = vars.Get(VarMessage)
		}
		return ActionResult{Effects: []Effect{
			Broadcast{CommunityID: communityID, SessionID: vars.Get(VarSessionID), Text: text},
		}}, nil

	case SendToAdmins:
		communityID := vars.Get(VarCommunityID)
		if communityID == "" {
			return ActionResult{}, &MissingContextError{Action: a.Name(), Field: VarCommunityID}
		}
		return ActionResult{Effects: []Effect{
			NotifyAdmins{CommunityID: communityID, Text: joinPreamble(Interpolate(a.Preamble, vars), vars.Get(VarMessage))},
		}}, nil

	case SaveMessage:
		return ActionResult{Effects: []Effect{
			RecordMessage{
				CommunityID: vars.Get(VarCommunityID),
				SessionID:   vars.Get(VarSessionID),
				Message:     vars.Get(VarMessage),
				Timestamp:   vars.Get(VarTimestamp),
				Phone:       vars.Get(VarPhone),
			},
		}}, nil

	default:
		return ActionResult{}, fmt.Errorf("unsupported action %T", a)
	}
}

// joinPreamble separates a preamble from the message with a space unless the
// preamble already ends in whitespace.
func joinPreamble(preamble, message string) string {
	if preamble == "" {
		return message
	}
	if strings.TrimRightFunc(preamble, unicode.IsSpace) != preamble {
		return preamble + message
	}
	return preamble + " " + message
}
