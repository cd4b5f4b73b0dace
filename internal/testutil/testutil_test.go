package testutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/store"
)

func TestFakeTransport_RecordsCallsInOrder(t *testing.T) {
	f := NewFakeTransport()
	ctx := context.Background()

	id1, _ := f.Send(ctx, BotPhone, []string{"+1"}, "hello")
	_ = f.SendTyping(ctx, BotPhone, "+1")
	id2, _ := f.SendAttachment(ctx, BotPhone, "+1", "guide.pdf")
	_ = f.React(ctx, BotPhone, "g1", "+1", "m1", "✅")
	_ = f.LeaveGroup(ctx, BotPhone, "g1")

	if id1 != "m1" || id2 != "m2" {
		t.Errorf("unexpected ids %q, %q", id1, id2)
	}
	if got := len(f.Calls()); got != 5 {
		t.Fatalf("expected 5 calls, got %d", got)
	}
	if got := f.Texts("+1"); len(got) != 1 || got[0] != "hello" {
		t.Errorf("Texts = %v", got)
	}
	if react := f.Calls("react"); len(react) != 1 || react[0].TargetTimestamp != "m1" {
		t.Errorf("react calls = %+v", react)
	}
	f.Reset()
	if len(f.Calls()) != 0 {
		t.Error("expected no calls after Reset")
	}
}

func TestFakeTransport_SendErr(t *testing.T) {
	f := NewFakeTransport()
	f.SendErr = errors.New("boom")
	if _, err := f.Send(context.Background(), BotPhone, []string{"+1"}, "x"); err == nil {
		t.Error("expected error")
	}
	if len(f.Calls()) != 0 {
		t.Error("failed sends should not be recorded")
	}
}

func TestSeedCommunity(t *testing.T) {
	st := store.NewInMemoryStore()
	seeded := SeedCommunity(t, st, `{"0": {}}`, "")

	c, err := st.GetCommunityByBotPhone(context.Background(), BotPhone)
	if err != nil || c == nil {
		t.Fatalf("community not stored: %v", err)
	}
	if c.OnboardingScriptID == "" || c.GroupScriptID != "" {
		t.Errorf("unexpected script ids %+v", c)
	}
	if !models.HasPermission(seeded.Admin.Permissions, models.PermissionRelay) {
		t.Error("admin should hold every permission")
	}
	p := AddParticipant(t, st, c, "+1999", "Ada", models.StepStart, models.PermissionReply)
	if p.DisplayName() != "Ada" {
		t.Errorf("DisplayName = %q", p.DisplayName())
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	AssertHTTPStatus(t, http.StatusOK, http.StatusOK, "ok")
}

func TestCreateHTTPRequestAndAssertJSON(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/x", map[string]string{"a": "b"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Error("expected JSON content type")
	}
	rr := httptest.NewRecorder()
	rr.WriteString(`{"status":"ok"}`)
	resp := AssertJSONResponse(t, rr, "ok")
	if resp["status"] != "ok" {
		t.Errorf("unexpected response %v", resp)
	}
}
