package script

import "github.com/BTreeMap/RelayPipe/internal/models"

// Interpreter runs one Script Definition. It holds no per-turn state, so a single
// Interpreter may serve concurrent turns as long as each turn uses its own Vars.
type Interpreter struct {
	def *Definition
}

// NewInterpreter returns an interpreter for def. A nil def yields an interpreter
// whose every call fails with ErrNotInitialized.
func NewInterpreter(def *Definition) *Interpreter {
	return &Interpreter{def: def}
}

// Definition returns the loaded Script Definition, or nil.
func (in *Interpreter) Definition() *Definition {
	if in == nil {
		return nil
	}
	return in.def
}

// Outcome is the result of Receive.
type Outcome struct {
	// Effects are the effects produced, in order.
	Effects []Effect
	// Step is the session's step after the turn. It is the input step when no
	// step-setting action ran.
	Step string
	// Advanced reports that a step or user_status action ran.
	Advanced bool
	// Entered reports that Effects already contain the new step's messages.
	Entered bool
}

func (in *Interpreter) step(id string) (*Step, error) {
	if in == nil || in.def == nil {
		return nil, ErrNotInitialized
	}
	s, ok := in.def.Step(id)
	if !ok {
		return nil, &UnknownStepError{Step: id}
	}
	return s, nil
}

// Send returns the outbound effects for entering step. The done step emits nothing.
func (in *Interpreter) Send(step string, vars Vars) ([]Effect, error) {
	if in == nil || in.def == nil {
		return nil, ErrNotInitialized
	}
	if step == models.StepDone {
		return nil, nil
	}
	s, err := in.step(step)
	if err != nil {
		return nil, err
	}
	effects := make([]Effect, 0, len(s.Send))
	for _, t := range s.Send {
		if t.IsAttachment() {
			effects = append(effects, SendAttachment{Path: Interpolate(t.Attachment, vars)})
			continue
		}
		effects = append(effects, SendText{Text: Interpolate(t.Text, vars)})
	}
	return effects, nil
}

// Receive evaluates step's on_receive rule tree against vars, depth first, until
// a step-setting action runs or the tree is exhausted. Variables set by actions
// are written to vars.
//
// On error the returned Outcome still carries the effects produced by actions
// that ran before the failing one; the caller decides whether to apply them.
func (in *Interpreter) Receive(step string, vars Vars) (*Outcome, error) {
	out := &Outcome{Step: step}
	if in == nil || in.def == nil {
		return out, ErrNotInitialized
	}
	if step == models.StepDone {
		return out, nil
	}
	s, err := in.step(step)
	if err != nil {
		return out, err
	}
	if _, err := in.run(s.OnReceive, vars, out); err != nil {
		return out, err
	}
	return out, nil
}

// run returns true once a terminal action has run.
func (in *Interpreter) run(r Rule, vars Vars, out *Outcome) (bool, error) {
	switch r := r.(type) {
	case Sequence:
		for _, node := range r {
			stop, err := in.run(node, vars, out)
			if err != nil || stop {
				return stop, err
			}
		}
		return false, nil

	case Conditional:
		if Evaluate(r.If, vars) {
			return in.run(r.Then, vars, out)
		}
		if r.Else != nil {
			return in.run(r.Else, vars, out)
		}
		return false, nil

	case Action:
		res, err := Execute(r, vars)
		if err != nil {
			return false, err
		}
		out.Effects = append(out.Effects, res.Effects...)
		if !res.Terminal {
			return false, nil
		}
		out.Step = res.Step
		out.Advanced = true
		if res.Enter {
			effects, err := in.Send(res.Step, vars)
			if err != nil {
				return true, err
			}
			out.Effects = append(out.Effects, effects...)
			out.Entered = true
		}
		return true, nil

	case nil:
		return false, nil
	}
	return false, nil
}
