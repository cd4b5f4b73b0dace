package conversation

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/RelayPipe/internal/metrics"
	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/script"
	"github.com/BTreeMap/RelayPipe/internal/store"
	"github.com/BTreeMap/RelayPipe/internal/testutil"
)

const onboardingScript = `
"0":
  send: ["Welcome! What's your name?"]
  on_receive:
    - set_variable: {variable: name, value: message}
    - step: 1
"1":
  send: ["Thanks {{name}}. Ready?"]
  on_receive:
    if: "regex(message, /yes/)"
    then: [{step: 2}]
    else: [{step: done}]
"2":
  send: ["Great, see you soon."]
`

const groupScript = `
"0":
  send: ["Hello group! Reply with this group's hashtag."]
  on_receive:
    - set_group_variable: {variable: hashtag, value: "regex(message, /(#\\w+)/)"}
    - step: done
`

const (
	ada = "+15551110001"
	bo  = "+15551110002"
)

type fixture struct {
	d      *Dispatcher
	st     *store.InMemoryStore
	tr     *testutil.FakeTransport
	seeded testutil.Seeded
}

func newFixture(t *testing.T, onboarding, group string, opts ...Option) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	tr := testutil.NewFakeTransport()
	seeded := testutil.SeedCommunity(t, st, onboarding, group)
	opts = append([]Option{WithMetrics(metrics.New(prometheus.NewRegistry()))}, opts...)
	return &fixture{d: NewDispatcher(st, tr, opts...), st: st, tr: tr, seeded: seeded}
}

func (f *fixture) community() *models.Community {
	return f.seeded.Community
}

func direct(from, text string) models.InboundEvent {
	return models.InboundEvent{Message: &models.InboundMessage{BotPhone: testutil.BotPhone, From: from, Text: text}}
}

func inGroup(groupID, from, text string) models.InboundEvent {
	return models.InboundEvent{Message: &models.InboundMessage{
		BotPhone: testutil.BotPhone, From: from, Text: text, GroupID: groupID, Timestamp: "ts-" + text,
	}}
}

func (f *fixture) dispatch(t *testing.T, ev models.InboundEvent) {
	t.Helper()
	require.NoError(t, f.d.Dispatch(context.Background(), ev))
}

func (f *fixture) directSession(t *testing.T, phone string) *models.DirectSession {
	t.Helper()
	s, err := f.st.GetDirectSession(context.Background(), f.community().ID, phone)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func (f *fixture) groupSession(t *testing.T, groupID string) *models.GroupSession {
	t.Helper()
	g, err := f.st.GetGroupSession(context.Background(), f.community().ID, groupID)
	require.NoError(t, err)
	require.NotNil(t, g)
	return g
}

func (f *fixture) addGroup(t *testing.T, groupID, hashtag, step string) *models.GroupSession {
	t.Helper()
	g := &models.GroupSession{
		CommunityID:     f.community().ID,
		GroupID:         groupID,
		Hashtag:         hashtag,
		CurrentScriptID: f.community().GroupScriptID,
		Step:            step,
		Variables:       map[string]string{"hashtag": hashtag},
	}
	require.NoError(t, f.st.CreateGroupSession(context.Background(), g))
	return g
}

func TestDirect_NewParticipantGetsWelcome(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	f.dispatch(t, direct(ada, "hi"))

	assert.Equal(t, []string{"Welcome! What's your name?"}, f.tr.Texts(ada))
	s := f.directSession(t, ada)
	assert.Equal(t, models.StepStart, s.Step)
	assert.Equal(t, f.community().OnboardingScriptID, s.CurrentScriptID)
}

func TestDirect_OnboardingConversation(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	f.dispatch(t, direct(ada, "hi"))
	f.dispatch(t, direct(ada, "Ada"))
	f.dispatch(t, direct(ada, "yes, ok"))

	assert.Equal(t, []string{
		"Welcome! What's your name?",
		"Thanks Ada. Ready?",
		"Great, see you soon.",
	}, f.tr.Texts(ada))
	s := f.directSession(t, ada)
	assert.Equal(t, "2", s.Step)
	assert.Equal(t, "Ada", s.Variables["name"])

	var outbound int
	for _, m := range f.st.Messages() {
		if m.Direction == models.DirectionOutbound {
			outbound++
			assert.Equal(t, s.ID, m.TargetSessionID)
			assert.NotEmpty(t, m.Timestamp)
		}
	}
	assert.Equal(t, 3, outbound)
}

func TestDirect_ElseBranchEndsConversationSilently(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", "1")

	f.dispatch(t, direct(ada, "no"))
	assert.Empty(t, f.tr.Texts(ada))
	assert.Equal(t, models.StepDone, f.directSession(t, ada).Step)
}

func TestDirect_TypingIndicatorFailureIsIgnored(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	f.tr.TypingErr = assert.AnError
	f.dispatch(t, direct(ada, "hi"))
	assert.Len(t, f.tr.Texts(ada), 1)
	assert.NotEmpty(t, f.tr.Calls("typing"))
}

func TestDirect_ExhaustedRulesRepeatCurrentStep(t *testing.T) {
	f := newFixture(t, `
"0":
  send: ["Say yes to continue."]
  on_receive:
    if: "regex(message, /yes/)"
    then: [{step: done}]
`, "")
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepStart)

	f.dispatch(t, direct(ada, "maybe"))
	assert.Equal(t, []string{"Say yes to continue."}, f.tr.Texts(ada))
	assert.Equal(t, models.StepStart, f.directSession(t, ada).Step)
}

func TestDirect_NoScriptIsNotInitialized(t *testing.T) {
	f := newFixture(t, "", "")
	err := f.d.Dispatch(context.Background(), direct(ada, "hi"))
	assert.ErrorIs(t, err, script.ErrNotInitialized)
	assert.Empty(t, f.tr.Calls("send"))
}

func TestDirect_UnknownCommunity(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	ev := direct(ada, "hi")
	ev.Message.BotPhone = "+19999999999"
	assert.ErrorIs(t, f.d.Dispatch(context.Background(), ev), ErrUnknownCommunity)
}

func TestDispatch_UnknownEventKind(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	assert.ErrorIs(t, f.d.Dispatch(context.Background(), models.InboundEvent{}), models.ErrUnknownEventKind)
}

func TestDirect_DoneMessageIsForwardedToAdmins(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	p := testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepDone)

	f.dispatch(t, direct(ada, "is anyone there?"))
	assert.Empty(t, f.tr.Texts(ada))
	assert.Equal(t, []string{"Message from Ada: is anyone there?"}, f.tr.Texts(testutil.AdminPhone))

	msgs := f.st.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, "is anyone there?", msgs[0].Text)
	assert.Equal(t, p.ID, msgs[1].SessionID, "forward belongs to the participant's conversation")
	assert.Equal(t, f.seeded.Admin.ID, msgs[1].TargetSessionID)
}

func TestDirect_MissingGroupContext(t *testing.T) {
	f := newFixture(t, `
"0":
  send: ["Welcome"]
  on_receive:
    - save_message: true
    - set_group_variable: {variable: hashtag, value: message}
    - step: 1
"1": {}
`, "")
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepStart)

	err := f.d.Dispatch(context.Background(), direct(ada, "#x"))
	var missing *script.MissingContextError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, script.VarGroupID, missing.Field)

	s := f.directSession(t, ada)
	assert.Equal(t, models.StepStart, s.Step)
	assert.NotContains(t, s.Variables, "hashtag")
	msgs := f.st.Messages()
	require.Len(t, msgs, 1, "save_message ran before the failing action and stays applied")
	assert.Equal(t, "#x", msgs[0].Text)
	assert.Empty(t, f.tr.Calls("send"))
}

func TestDirect_AttachmentsResolveAgainstDirectory(t *testing.T) {
	f := newFixture(t, `{"0": {"send": ["Here is the guide", "attachment(guide.pdf)"]}}`, "", WithAttachmentDir("/srv/relaypipe"))
	f.dispatch(t, direct(ada, "hi"))

	calls := f.tr.Calls("send", "attachment")
	require.Len(t, calls, 2)
	assert.Equal(t, "Here is the guide", calls[0].Text)
	assert.Equal(t, "attachment", calls[1].Op)
	assert.Equal(t, "/srv/relaypipe/guide.pdf", calls[1].Text)
}

const announcementScript = `
"0":
  send: ["What would you like to announce?"]
  on_receive:
    - set_variable: {variable: announcement, value: message}
    - send_announcement: true
    - step: done
`

func TestHashtag_AnnouncementRestartsAndBroadcasts(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	rec := testutil.SaveScript(t, f.st, "announcement", "", announcementScript)
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepDone, models.PermissionAnnounce)
	testutil.AddParticipant(t, f.st, f.community(), bo, "Bo", "1")

	f.dispatch(t, direct(ada, "#Announcement please"))
	assert.Equal(t, []string{"What would you like to announce?"}, f.tr.Texts(ada))
	s := f.directSession(t, ada)
	assert.Equal(t, rec.ID, s.CurrentScriptID)
	assert.Equal(t, models.StepStart, s.Step)

	f.dispatch(t, direct(ada, "Meeting at 6"))
	assert.Equal(t, []string{"Meeting at 6"}, f.tr.Texts(bo))
	assert.Equal(t, []string{"Meeting at 6"}, f.tr.Texts(testutil.AdminPhone))
	assert.Equal(t, models.StepDone, f.directSession(t, ada).Step)
}

func TestHashtag_AnnouncementTargetsPermission(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	rec := &models.ScriptRecord{Name: "announcement", Source: announcementScript, TargetsQuery: models.PermissionEvent}
	require.NoError(t, f.st.SaveScript(context.Background(), rec))
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepDone, models.PermissionAnnounce)
	testutil.AddParticipant(t, f.st, f.community(), bo, "Bo", models.StepDone)

	f.dispatch(t, direct(ada, "#announcement"))
	f.dispatch(t, direct(ada, "Doors open"))
	assert.Empty(t, f.tr.Texts(bo))
	assert.Equal(t, []string{"Doors open"}, f.tr.Texts(testutil.AdminPhone))
}

func TestHashtag_WithoutPermissionIsIgnored(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	testutil.SaveScript(t, f.st, "announcement", "", announcementScript)
	p := testutil.AddParticipant(t, f.st, f.community(), bo, "Bo", models.StepDone)

	f.dispatch(t, direct(bo, "#announcement"))
	assert.Empty(t, f.tr.Texts(bo))
	s := f.directSession(t, bo)
	assert.Equal(t, p.CurrentScriptID, s.CurrentScriptID)
	assert.Equal(t, models.StepDone, s.Step)
	// Treated as an ordinary message.
	assert.Equal(t, []string{"Message from Bo: #announcement"}, f.tr.Texts(testutil.AdminPhone))
}

func TestHashtag_UnrecognizedIsOrdinaryText(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepStart, models.PermissionAdmin)
	f.dispatch(t, direct(ada, "#unknown Ada"))
	assert.Equal(t, "1", f.directSession(t, ada).Step)
}

func TestGroup_WelcomeWhenBotIsAdded(t *testing.T) {
	f := newFixture(t, onboardingScript, groupScript)
	f.dispatch(t, inGroup("groupA", "", ""))

	assert.Equal(t, []string{"Hello group! Reply with this group's hashtag."}, f.tr.Texts("groupA"))
	assert.Equal(t, models.StepStart, f.groupSession(t, "groupA").Step)

	f.dispatch(t, inGroup("groupA", ada, "We are #A"))
	g := f.groupSession(t, "groupA")
	assert.Equal(t, models.StepDone, g.Step)
	assert.Equal(t, "#A", g.Hashtag)
	assert.Len(t, f.tr.Texts("groupA"), 1)
}

func TestGroup_RelayToOtherGroup(t *testing.T) {
	f := newFixture(t, onboardingScript, groupScript)
	a := f.addGroup(t, "groupA", "#a", models.StepDone)
	f.addGroup(t, "groupB", "#b", models.StepDone)
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepDone)
	require.NoError(t, f.st.AddGroupMember(context.Background(),
		models.GroupMember{GroupSessionID: a.ID, Phone: ada, Permissions: []string{models.PermissionRelay}}))

	f.dispatch(t, inGroup("groupA", ada, "#b see you at 6"))

	assert.Equal(t, []string{"Message relayed from Ada in #a: #b see you at 6"}, f.tr.Texts("groupB"))
	assert.Empty(t, f.tr.Texts("groupA"))
	reacts := f.tr.Calls("react")
	require.Len(t, reacts, 1)
	assert.Equal(t, []string{"groupA"}, reacts[0].To)
	assert.Equal(t, ada, reacts[0].TargetAuthor)
	assert.Equal(t, "ts-#b see you at 6", reacts[0].TargetTimestamp)
}

func TestGroup_RelayRequiresPermission(t *testing.T) {
	f := newFixture(t, onboardingScript, groupScript)
	a := f.addGroup(t, "groupA", "#a", models.StepDone)
	f.addGroup(t, "groupB", "#b", models.StepDone)
	require.NoError(t, f.st.AddGroupMember(context.Background(), models.GroupMember{GroupSessionID: a.ID, Phone: bo}))

	f.dispatch(t, inGroup("groupA", bo, "#b hello"))
	assert.Empty(t, f.tr.Calls("send", "react"))
}

func TestGroup_Leave(t *testing.T) {
	f := newFixture(t, onboardingScript, groupScript)
	f.addGroup(t, "groupA", "#a", models.StepDone)

	f.dispatch(t, inGroup("groupA", bo, "ok bot, #leave"))
	leaves := f.tr.Calls("leave")
	require.Len(t, leaves, 1)
	assert.Equal(t, []string{"groupA"}, leaves[0].To)
}

func TestGroup_RenameCommand(t *testing.T) {
	f := newFixture(t, onboardingScript, groupScript)
	rec := testutil.SaveScript(t, f.st, "rename_group", "", `
"0":
  send: ["What should the new hashtag be?"]
  on_receive:
    - set_group_variable: {variable: hashtag, value: "regex(message, /(#\\w+)/)"}
    - step: done
`)
	a := f.addGroup(t, "groupA", "#a", models.StepDone)
	require.NoError(t, f.st.AddGroupMember(context.Background(),
		models.GroupMember{GroupSessionID: a.ID, Phone: ada, Permissions: []string{models.PermissionRenameGroup}}))

	f.dispatch(t, inGroup("groupA", ada, "#rename"))
	assert.Equal(t, []string{"What should the new hashtag be?"}, f.tr.Texts("groupA"))
	assert.Equal(t, rec.ID, f.groupSession(t, "groupA").CurrentScriptID)

	f.dispatch(t, inGroup("groupA", ada, "#c"))
	g := f.groupSession(t, "groupA")
	assert.Equal(t, "#c", g.Hashtag)
	assert.Equal(t, models.StepDone, g.Step)
}

func TestGroup_DirectCommandNotRecognizedInGroup(t *testing.T) {
	f := newFixture(t, onboardingScript, groupScript)
	testutil.SaveScript(t, f.st, "announcement", "", announcementScript)
	f.addGroup(t, "groupA", "#a", models.StepDone)
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepDone, models.PermissionAdmin)

	f.dispatch(t, inGroup("groupA", ada, "#announcement"))
	assert.Empty(t, f.tr.Calls("send"))
	assert.Equal(t, f.community().GroupScriptID, f.groupSession(t, "groupA").CurrentScriptID)
}

func TestReply_PrivilegedReplyIsForwarded(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepDone)

	f.dispatch(t, direct(ada, "need help"))
	forwards := f.tr.Calls("send")
	require.Len(t, forwards, 1)

	reply := direct(testutil.AdminPhone, "On my way")
	reply.Message.QuotedTimestamp = forwards[0].ID
	f.dispatch(t, reply)
	assert.Equal(t, []string{"Admin: On my way"}, f.tr.Texts(ada))
}

func TestReply_UnprivilegedReplyIsNotForwarded(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepDone)
	testutil.AddParticipant(t, f.st, f.community(), bo, "Bo", models.StepDone)

	f.dispatch(t, direct(ada, "need help"))
	forward := f.tr.Calls("send")[0]
	f.tr.Reset()

	reply := direct(bo, "me too")
	reply.Message.QuotedTimestamp = forward.ID
	f.dispatch(t, reply)
	assert.Empty(t, f.tr.Texts(ada))
	assert.Equal(t, []string{"Message from Bo: me too"}, f.tr.Texts(testutil.AdminPhone))
}

func TestReply_UnknownQuoteFallsBackToOrdinaryHandling(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepStart)

	reply := direct(ada, "Ada")
	reply.Message.QuotedTimestamp = "never-sent"
	f.dispatch(t, reply)
	assert.Equal(t, "1", f.directSession(t, ada).Step)
}

func TestReply_InGroupToBotPromptRunsScript(t *testing.T) {
	f := newFixture(t, onboardingScript, groupScript)
	f.dispatch(t, inGroup("groupA", "", ""))
	welcome := f.tr.Calls("send")
	require.Len(t, welcome, 1)

	reply := inGroup("groupA", testutil.AdminPhone, "We are #A")
	reply.Message.QuotedTimestamp = welcome[0].ID
	f.dispatch(t, reply)

	g := f.groupSession(t, "groupA")
	assert.Equal(t, models.StepDone, g.Step)
	assert.Equal(t, "#A", g.Hashtag)
	assert.Equal(t, []string{"Hello group! Reply with this group's hashtag."}, f.tr.Texts("groupA"))
}

func TestReply_InGroupToRelayedMessageGoesToOrigin(t *testing.T) {
	f := newFixture(t, onboardingScript, groupScript)
	a := f.addGroup(t, "groupA", "#a", models.StepDone)
	f.addGroup(t, "groupB", "#b", models.StepDone)
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepDone)
	require.NoError(t, f.st.AddGroupMember(context.Background(),
		models.GroupMember{GroupSessionID: a.ID, Phone: ada, Permissions: []string{models.PermissionRelay}}))

	f.dispatch(t, inGroup("groupA", ada, "#b anyone free?"))
	relayed := f.tr.Calls("send")
	require.Len(t, relayed, 1)

	reply := inGroup("groupB", testutil.AdminPhone, "yes")
	reply.Message.QuotedTimestamp = relayed[0].ID
	f.dispatch(t, reply)
	assert.Equal(t, []string{"Admin: yes"}, f.tr.Texts("groupA"))
}

const cityScript = `
"0":
  send: ["Which city are you in?"]
  on_receive:
    - set_variable: {variable: city, value: message}
    - send_to_admins: {preamble: "New city from {{name}}:"}
    - step: done
`

func TestDirect_SendToAdminsRoutesRepliesBack(t *testing.T) {
	f := newFixture(t, cityScript, "")
	p := testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepStart)

	f.dispatch(t, direct(ada, "Lagos"))
	assert.Equal(t, []string{"New city from Ada: Lagos"}, f.tr.Texts(testutil.AdminPhone))
	assert.Empty(t, f.tr.Texts(ada))
	assert.Equal(t, models.StepDone, f.directSession(t, ada).Step)

	notices := f.tr.Calls("send")
	require.Len(t, notices, 1)
	notice, err := f.st.GetMessageByTimestamp(context.Background(), f.community().ID, notices[0].ID)
	require.NoError(t, err)
	require.NotNil(t, notice)
	assert.Equal(t, p.ID, notice.SessionID)
	assert.Equal(t, f.seeded.Admin.ID, notice.TargetSessionID)

	reply := direct(testutil.AdminPhone, "Welcome to Lagos")
	reply.Message.QuotedTimestamp = notices[0].ID
	f.dispatch(t, reply)
	assert.Equal(t, []string{"Admin: Welcome to Lagos"}, f.tr.Texts(ada))
}

func TestDirect_SendToAdminsSkipsSendingAdmin(t *testing.T) {
	f := newFixture(t, cityScript, "")
	require.NoError(t, f.st.UpdateSession(context.Background(), models.SessionDirect,
		f.seeded.Admin.ID, f.seeded.Admin.CurrentScriptID, models.StepStart))

	f.dispatch(t, direct(testutil.AdminPhone, "Accra"))
	assert.Empty(t, f.tr.Texts(testutil.AdminPhone))
	assert.Equal(t, "Accra", f.directSession(t, testutil.AdminPhone).Variables["city"])
}

func TestDirect_AdminDoneMessageIsNotEchoed(t *testing.T) {
	f := newFixture(t, onboardingScript, "")
	f.dispatch(t, direct(testutil.AdminPhone, "note to self"))
	assert.Empty(t, f.tr.Calls("send"))

	msgs := f.st.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DirectionInbound, msgs[0].Direction)
}

func TestDirect_SetMessageTypeTagsInboundMessage(t *testing.T) {
	f := newFixture(t, `
"0":
  send: ["What is your question?"]
  on_receive:
    - save_message: true
    - set_message_type: {type: question}
    - step: done
`, "")
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepStart)

	ev := direct(ada, "Where do we meet?")
	ev.Message.Timestamp = "ts-q1"
	f.dispatch(t, ev)

	msgs := f.st.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ts-q1", msgs[0].Timestamp)
	assert.Equal(t, "question", msgs[0].Type)
}

func TestDirect_SetMessageTypeWithoutTimestamp(t *testing.T) {
	f := newFixture(t, `
"0":
  send: ["What is your question?"]
  on_receive:
    - set_message_type: {type: question}
    - step: done
`, "")
	testutil.AddParticipant(t, f.st, f.community(), ada, "Ada", models.StepStart)

	err := f.d.Dispatch(context.Background(), direct(ada, "Where do we meet?"))
	var missing *script.MissingContextError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, models.StepStart, f.directSession(t, ada).Step)
}

func TestMembershipChange_UpdatesRoster(t *testing.T) {
	f := newFixture(t, onboardingScript, groupScript)
	ctx := context.Background()
	join := models.InboundEvent{Membership: &models.MembershipChange{
		BotPhone: testutil.BotPhone, GroupID: "groupA", Joined: []string{ada, bo, testutil.BotPhone},
	}}
	f.dispatch(t, join)

	g := f.groupSession(t, "groupA")
	for _, phone := range []string{ada, bo} {
		m, err := f.st.GetGroupMember(ctx, g.ID, phone)
		require.NoError(t, err)
		assert.NotNil(t, m, phone)
	}
	m, err := f.st.GetGroupMember(ctx, g.ID, testutil.BotPhone)
	require.NoError(t, err)
	assert.Nil(t, m)

	f.dispatch(t, models.InboundEvent{Membership: &models.MembershipChange{
		BotPhone: testutil.BotPhone, GroupID: "groupA", Left: []string{bo},
	}})
	m, err = f.st.GetGroupMember(ctx, g.ID, bo)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Empty(t, f.tr.Calls("send"), "membership changes never run a script")
}

func TestDispatch_SerializesSameSession(t *testing.T) {
	f := newFixture(t, `{"0": {"send": ["Welcome"], "on_receive": {"step": "done"}}}`, "")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.d.Dispatch(context.Background(), direct(ada, "hello"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, []string{"Welcome"}, f.tr.Texts(ada))
	assert.Len(t, f.tr.Texts(testutil.AdminPhone), 8)
}

func TestHashtags(t *testing.T) {
	assert.Equal(t, []string{"#a", "#leave"}, hashtags("Hi #A, please #leave!"))
	assert.Empty(t, hashtags("no tags # here"))
}
