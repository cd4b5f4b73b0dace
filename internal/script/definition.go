package script

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/RelayPipe/internal/models"
)

// Definition is a parsed Script Definition: step id to Step. It is immutable
// after Parse and safe to share between concurrently running turns.
type Definition struct {
	steps map[string]*Step
	order []string
}

// Step is one node of a Definition.
type Step struct {
	ID        string
	Send      []Template
	OnReceive Rule
}

// Template is one outbound message of a step.
type Template struct {
	Text string
	// Attachment is the referenced file when the template is attachment(PATH).
	Attachment string
}

// IsAttachment reports whether the template references a file instead of text.
func (t Template) IsAttachment() bool {
	return t.Attachment != ""
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (*Step, bool) {
	s, ok := d.steps[id]
	return s, ok
}

// StepIDs returns the step ids in key order: numeric ids ascending, then the rest.
func (d *Definition) StepIDs() []string {
	return append([]string(nil), d.order...)
}

var attachmentPattern = regexp.MustCompile(`^\s*attachment\(\s*(.+?)\s*\)\s*$`)

// actionKeys is the fixed execution order for several actions declared on one node.
var actionKeys = []string{
	"set_variable",
	"set_group_variable",
	"set_message_type",
	"save_message",
	"send_to_admins",
	"send_announcement",
	"user_status",
	"step",
}

// Parse reads a Script Definition from YAML or JSON source.
func Parse(source []byte) (*Definition, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(source, &raw); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	if len(raw) == 0 {
		return nil, &ParseError{Reason: "no steps defined"}
	}

	def := &Definition{steps: make(map[string]*Step, len(raw))}
	for id, body := range raw {
		step, err := parseStep(id, body)
		if err != nil {
			return nil, err
		}
		def.steps[id] = step
		def.order = append(def.order, id)
	}
	sort.Slice(def.order, func(i, j int) bool { return stepLess(def.order[i], def.order[j]) })
	for _, id := range def.order {
		if target, ok := def.undefinedTarget(def.steps[id].OnReceive); ok {
			return nil, parseErrorf("steps."+id+".on_receive", "step %q is not defined", target)
		}
	}
	return def, nil
}

// undefinedTarget returns the first step or user_status target in r that is
// neither a defined step nor the done step.
func (d *Definition) undefinedTarget(r Rule) (string, bool) {
	var target string
	switch r := r.(type) {
	case Sequence:
		for _, n := range r {
			if t, ok := d.undefinedTarget(n); ok {
				return t, true
			}
		}
		return "", false
	case Conditional:
		if t, ok := d.undefinedTarget(r.Then); ok {
			return t, true
		}
		return d.undefinedTarget(r.Else)
	case GoTo:
		target = r.Step
	case SetStatus:
		target = r.Status
	default:
		return "", false
	}
	if _, ok := d.steps[target]; ok || target == models.StepDone {
		return "", false
	}
	return target, true
}

func stepLess(a, b string) bool {
	na, aErr := strconv.Atoi(a)
	nb, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		return na < nb
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	default:
		return a < b
	}
}

func parseStep(id string, body any) (*Step, error) {
	path := "steps." + id
	m, ok := asMap(body)
	if !ok {
		return nil, parseErrorf(path, "step must be a mapping")
	}
	step := &Step{ID: id, OnReceive: Sequence(nil)}
	for key, val := range m {
		switch key {
		case "send":
			templates, err := parseSend(path+".send", val)
			if err != nil {
				return nil, err
			}
			step.Send = templates
		case "on_receive":
			rule, err := parseRule(path+".on_receive", val)
			if err != nil {
				return nil, err
			}
			step.OnReceive = rule
		default:
			return nil, parseErrorf(path, "unknown key %q", key)
		}
	}
	return step, nil
}

func parseSend(path string, val any) ([]Template, error) {
	var items []any
	switch v := val.(type) {
	case nil:
		return nil, nil
	case string:
		items = []any{v}
	case []any:
		items = v
	default:
		return nil, parseErrorf(path, "send must be a string or a list of strings")
	}
	templates := make([]Template, 0, len(items))
	for i, item := range items {
		text, ok := scalarString(item)
		if !ok {
			return nil, parseErrorf(fmt.Sprintf("%s[%d]", path, i), "message template must be a string")
		}
		if m := attachmentPattern.FindStringSubmatch(text); m != nil {
			templates = append(templates, Template{Attachment: m[1]})
			continue
		}
		templates = append(templates, Template{Text: text})
	}
	return templates, nil
}

func parseRule(path string, val any) (Rule, error) {
	switch v := val.(type) {
	case nil:
		return Sequence(nil), nil
	case []any:
		return parseSequence(path, v)
	}
	m, ok := asMap(val)
	if !ok {
		return nil, parseErrorf(path, "rule must be a mapping or a list")
	}
	if _, isConditional := m["if"]; isConditional {
		return parseConditional(path, m)
	}
	return parseActions(path, m)
}

func parseSequence(path string, items []any) (Sequence, error) {
	seq := make(Sequence, 0, len(items))
	for i, item := range items {
		r, err := parseRule(fmt.Sprintf("%s[%d]", path, i), item)
		if err != nil {
			return nil, err
		}
		seq = append(seq, r)
	}
	return seq, nil
}

func parseBranch(path string, val any) (Sequence, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case []any:
		return parseSequence(path, v)
	default:
		r, err := parseRule(path, v)
		if err != nil {
			return nil, err
		}
		return Sequence{r}, nil
	}
}

func parseConditional(path string, m map[string]any) (Rule, error) {
	for key := range m {
		if key != "if" && key != "then" && key != "else" {
			return nil, parseErrorf(path, "unknown key %q in conditional", key)
		}
	}
	cond, err := parseConditionValue(path+".if", m["if"])
	if err != nil {
		return nil, err
	}
	then, err := parseBranch(path+".then", m["then"])
	if err != nil {
		return nil, err
	}
	els, err := parseBranch(path+".else", m["else"])
	if err != nil {
		return nil, err
	}
	return Conditional{If: cond, Then: then, Else: els}, nil
}

func parseConditionValue(path string, val any) (Condition, error) {
	if s, ok := val.(string); ok {
		c, err := ParseCondition(s)
		if err != nil {
			return nil, parseErrorf(path, "%v", err)
		}
		return c, nil
	}
	m, ok := asMap(val)
	if !ok || len(m) != 1 {
		return nil, parseErrorf(path, "condition must be a string or a single-key {or|and} mapping")
	}
	for op, children := range m {
		list, ok := children.([]any)
		if !ok {
			return nil, parseErrorf(path+"."+op, "operands must be a list")
		}
		conds := make([]Condition, 0, len(list))
		for i, child := range list {
			c, err := parseConditionValue(fmt.Sprintf("%s.%s[%d]", path, op, i), child)
			if err != nil {
				return nil, err
			}
			conds = append(conds, c)
		}
		switch op {
		case "or":
			return Or(conds), nil
		case "and":
			return And(conds), nil
		default:
			return nil, parseErrorf(path, "unknown operator %q", op)
		}
	}
	return nil, parseErrorf(path, "empty condition")
}

func parseActions(path string, m map[string]any) (Rule, error) {
	for key := range m {
		if !isActionKey(key) {
			return nil, parseErrorf(path, "unknown action %q", key)
		}
	}
	var seq Sequence
	for _, key := range actionKeys {
		val, ok := m[key]
		if !ok {
			continue
		}
		action, err := parseAction(path+"."+key, key, val)
		if err != nil {
			return nil, err
		}
		if action != nil {
			seq = append(seq, action)
		}
	}
	if len(seq) == 1 {
		return seq[0], nil
	}
	return seq, nil
}

func isActionKey(key string) bool {
	for _, k := range actionKeys {
		if k == key {
			return true
		}
	}
	return false
}

type variablePayload struct {
	Variable string `mapstructure:"variable"`
	Value    string `mapstructure:"value"`
}

type messageTypePayload struct {
	Type string `mapstructure:"type"`
}

type adminsPayload struct {
	Preamble string `mapstructure:"preamble"`
}

// parseAction returns a nil Action for flags explicitly set to false.
func parseAction(path, key string, val any) (Action, error) {
	switch key {
	case "step", "user_status":
		id, ok := scalarString(val)
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, parseErrorf(path, "%s must be a step id", key)
		}
		if key == "step" {
			return GoTo{Step: id}, nil
		}
		return SetStatus{Status: id}, nil

	case "set_variable", "set_group_variable":
		var p variablePayload
		if err := decodePayload(val, &p); err != nil {
			return nil, parseErrorf(path, "%v", err)
		}
		if p.Variable == "" {
			return nil, parseErrorf(path, "variable is required")
		}
		value, err := ParseValue(p.Value)
		if err != nil {
			return nil, parseErrorf(path, "%v", err)
		}
		if key == "set_variable" {
			return SetVariable{Variable: p.Variable, Value: value}, nil
		}
		return SetGroupVariable{Variable: p.Variable, Value: value}, nil

	case "set_message_type":
		if s, ok := scalarString(val); ok {
			return SetMessageType{Type: s}, nil
		}
		var p messageTypePayload
		if err := decodePayload(val, &p); err != nil {
			return nil, parseErrorf(path, "%v", err)
		}
		return SetMessageType{Type: p.Type}, nil

	case "send_to_admins":
		if b, ok := val.(bool); ok {
			if !b {
				return nil, nil
			}
			return SendToAdmins{}, nil
		}
		var p adminsPayload
		if err := decodePayload(val, &p); err != nil {
			return nil, parseErrorf(path, "%v", err)
		}
		return SendToAdmins{Preamble: p.Preamble}, nil

	case "send_announcement", "save_message":
		b, ok := val.(bool)
		if !ok {
			return nil, parseErrorf(path, "%s must be true or false", key)
		}
		if !b {
			return nil, nil
		}
		if key == "save_message" {
			return SaveMessage{}, nil
		}
		return SendAnnouncement{}, nil
	}
	return nil, parseErrorf(path, "unknown action %q", key)
}

func decodePayload(val any, out any) error {
	m, ok := asMap(val)
	if !ok {
		return fmt.Errorf("expected a mapping, got %T", val)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}

// asMap normalizes the two mapping shapes yaml.v3 produces for untyped values.
func asMap(val any) (map[string]any, bool) {
	switch m := val.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	default:
		return nil, false
	}
}

// scalarString renders YAML scalars (strings, ints, floats, bools) as strings.
func scalarString(val any) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(v), true
	}
	if rv := reflect.ValueOf(val); rv.IsValid() && rv.Kind() >= reflect.Int && rv.Kind() <= reflect.Float64 {
		return fmt.Sprint(val), true
	}
	return "", false
}
