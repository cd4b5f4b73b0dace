package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_JSONAndYAMLAgree(t *testing.T) {
	jsonSrc := `{
		"0": {"send": ["Hello"], "on_receive": {"if": {"or": ["regex(message, /a/)", "flag"]}, "then": [{"step": 1}]}},
		"1": {"send": ["Bye"]}
	}`
	yamlSrc := `
"0":
  send: [Hello]
  on_receive:
    if:
      or: ["regex(message, /a/)", flag]
    then:
      - step: 1
"1":
  send: Bye
`
	a, err := Parse([]byte(jsonSrc))
	require.NoError(t, err)
	b, err := Parse([]byte(yamlSrc))
	require.NoError(t, err)

	assert.Equal(t, a.StepIDs(), b.StepIDs())
	for _, vars := range []Vars{{"message": "A"}, {"flag": "1"}, {"message": "z"}} {
		ia, ib := NewInterpreter(a), NewInterpreter(b)
		oa, err := ia.Receive("0", vars.Clone())
		require.NoError(t, err)
		ob, err := ib.Receive("0", vars.Clone())
		require.NoError(t, err)
		assert.Equal(t, oa.Step, ob.Step)
	}
}

func TestParse_StepOrder(t *testing.T) {
	def, err := Parse([]byte(`{"10": {}, "2": {}, "done": {}, "0": {}, "intro": {}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "2", "10", "done", "intro"}, def.StepIDs())
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":              ``,
		"step not a mapping": `{"0": "hello"}`,
		"unknown step key":   `{"0": {"say": ["hi"]}}`,
		"unknown action":     `{"0": {"on_receive": {"jump": 1}}}`,
		"bad condition":      `{"0": {"on_receive": {"if": "regex(message, /(/)", "then": []}}}`,
		"bad operator":       `{"0": {"on_receive": {"if": {"xor": ["a"]}, "then": []}}}`,
		"missing variable":   `{"0": {"on_receive": {"set_variable": {"value": "x"}}}}`,
		"extra payload key":  `{"0": {"on_receive": {"set_variable": {"variable": "a", "value": "x", "scope": "y"}}}}`,
		"template not text":  `{"0": {"send": [{"text": "hi"}]}}`,
		"announcement flag":  `{"0": {"on_receive": {"send_announcement": "yes"}}}`,
		"bad capture":        `{"0": {"on_receive": {"set_variable": {"variable": "a", "value": "regex(message, other)"}}}}`,
		"undefined step":     `{"0": {"on_receive": {"step": 1}}}`,
		"undefined branch":   `{"0": {"on_receive": {"if": "flag", "then": [{"step": "done"}], "else": [{"step": "dnoe"}]}}}`,
		"undefined status":   `{"0": {"on_receive": [{"save_message": true}, {"user_status": "actve"}]}}`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src))
			var perr *ParseError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

func TestParse_FalseFlagsAreSkipped(t *testing.T) {
	in := mustParse(t, `{"0": {"on_receive": {"save_message": false, "step": 1}}, "1": {}}`)
	out, err := in.Receive("0", Vars{})
	require.NoError(t, err)
	assert.Equal(t, []Effect{PersistStep{Step: "1"}}, out.Effects)
}

func TestParse_NumericValuesBecomeStrings(t *testing.T) {
	in := mustParse(t, `{"0": {"on_receive": [{"set_variable": {"variable": "count", "value": 3}}, {"step": 1}]}, "1": {}}`)
	vars := Vars{}
	_, err := in.Receive("0", vars)
	require.NoError(t, err)
	assert.Equal(t, "3", vars["count"])
}

func TestValue_Resolve(t *testing.T) {
	vars := Vars{"message": "call me at 555-1234", "name": "Ada"}

	v, err := ParseValue("regex(message, /\\d{3}-\\d{4}/)")
	require.NoError(t, err)
	assert.Equal(t, "555-1234", v.Resolve(vars))

	v, err = ParseValue("regex(message, /zip (\\d+)/)")
	require.NoError(t, err)
	assert.Equal(t, "", v.Resolve(vars))

	assert.Equal(t, "Ada", LiteralValue("name").Resolve(vars))
	assert.Equal(t, "Dear Ada", LiteralValue("Dear {{name}}").Resolve(vars))
	assert.Equal(t, "active", LiteralValue("active").Resolve(vars))
}

func TestExecute_ContextRequirements(t *testing.T) {
	tests := []struct {
		action Action
		field  string
	}{
		{SetGroupVariable{Variable: "x", Value: LiteralValue("1")}, VarGroupID},
		{SetMessageType{Type: "question"}, VarTimestamp},
		{SendAnnouncement{}, VarCommunityID},
		{SendToAdmins{Preamble: "hi"}, VarCommunityID},
	}
	for _, tt := range tests {
		t.Run(tt.action.Name(), func(t *testing.T) {
			res, err := Execute(tt.action, Vars{})
			var missing *MissingContextError
			require.ErrorAs(t, err, &missing)
			assert.Equal(t, tt.field, missing.Field)
			assert.Empty(t, res.Effects)
		})
	}
}

func TestExecute_Effects(t *testing.T) {
	vars := Vars{
		VarCommunityID: "c1",
		VarSessionID:   "s1",
		VarMessage:     "hello",
		VarTimestamp:   "1700",
		VarPhone:       "+1555",
		VarGroupID:     "g1",
	}

	res, err := Execute(SendAnnouncement{}, vars)
	require.NoError(t, err)
	assert.Equal(t, []Effect{Broadcast{CommunityID: "c1", SessionID: "s1", Text: "hello"}}, res.Effects)

	vars[VarAnnouncement] = "Meeting at 6"
	res, err = Execute(SendAnnouncement{}, vars)
	require.NoError(t, err)
	assert.Equal(t, "Meeting at 6", res.Effects[0].(Broadcast).Text)

	res, err = Execute(SaveMessage{}, vars)
	require.NoError(t, err)
	assert.Equal(t, []Effect{RecordMessage{CommunityID: "c1", SessionID: "s1", Message: "hello", Timestamp: "1700", Phone: "+1555"}}, res.Effects)

	res, err = Execute(SetMessageType{Type: "question"}, vars)
	require.NoError(t, err)
	assert.Equal(t, []Effect{TagMessage{CommunityID: "c1", Timestamp: "1700", Type: "question"}}, res.Effects)

	res, err = Execute(SetGroupVariable{Variable: "hashtag", Value: LiteralValue("#b")}, vars)
	require.NoError(t, err)
	assert.Equal(t, []Effect{PersistVariable{Scope: ScopeGroup, GroupID: "g1", Name: "hashtag", Value: "#b"}}, res.Effects)
	assert.Equal(t, "#b", vars["hashtag"])

	res, err = Execute(SendToAdmins{Preamble: "From {{phone}}:\n"}, vars)
	require.NoError(t, err)
	assert.Equal(t, "From +1555:\nhello", res.Effects[0].(NotifyAdmins).Text)
}

func TestSaveMessage_MissingFieldsPassThrough(t *testing.T) {
	res, err := Execute(SaveMessage{}, Vars{VarMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []Effect{RecordMessage{Message: "hi"}}, res.Effects)
}
