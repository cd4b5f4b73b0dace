// Package testutil provides common test utilities and helpers for RelayPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/store"
)

// Sent is one call recorded by FakeTransport.
type Sent struct {
	Op              string // "send", "attachment", "leave", "typing" or "react"
	From            string
	To              []string
	Text            string
	ID              string
	TargetAuthor    string
	TargetTimestamp string
}

// FakeTransport is an in-memory messaging.Transport that records every call.
// Send ids are "m1", "m2", ... in call order.
type FakeTransport struct {
	mu      sync.Mutex
	calls   []Sent
	next    int
	SendErr error
	// TypingErr is returned by SendTyping; the dispatcher must tolerate it.
	TypingErr error
}

// NewFakeTransport creates an empty FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

func (f *FakeTransport) record(s Sent) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Op == "send" || s.Op == "attachment" {
		f.next++
		s.ID = fmt.Sprintf("m%d", f.next)
	}
	f.calls = append(f.calls, s)
	return s.ID
}

func (f *FakeTransport) Send(ctx context.Context, from string, recipients []string, text string) (string, error) {
	if f.SendErr != nil {
		return "", f.SendErr
	}
	return f.record(Sent{Op: "send", From: from, To: append([]string(nil), recipients...), Text: text}), nil
}

func (f *FakeTransport) SendAttachment(ctx context.Context, from, to, path string) (string, error) {
	if f.SendErr != nil {
		return "", f.SendErr
	}
	return f.record(Sent{Op: "attachment", From: from, To: []string{to}, Text: path}), nil
}

func (f *FakeTransport) LeaveGroup(ctx context.Context, from, groupID string) error {
	f.record(Sent{Op: "leave", From: from, To: []string{groupID}})
	return nil
}

func (f *FakeTransport) SendTyping(ctx context.Context, from, to string) error {
	f.record(Sent{Op: "typing", From: from, To: []string{to}})
	return f.TypingErr
}

func (f *FakeTransport) React(ctx context.Context, from, recipient, targetAuthor, targetTimestamp, emoji string) error {
	f.record(Sent{Op: "react", From: from, To: []string{recipient}, Text: emoji,
		TargetAuthor: targetAuthor, TargetTimestamp: targetTimestamp})
	return nil
}

// Calls returns every recorded call, optionally filtered by op.
func (f *FakeTransport) Calls(ops ...string) []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Sent
	for _, c := range f.calls {
		if len(ops) == 0 || contains(ops, c.Op) {
			out = append(out, c)
		}
	}
	return out
}

// Texts returns the text of every send to recipient, in order.
func (f *FakeTransport) Texts(recipient string) []string {
	var out []string
	for _, c := range f.Calls("send") {
		if contains(c.To, recipient) {
			out = append(out, c.Text)
		}
	}
	return out
}

// Reset forgets every recorded call.
func (f *FakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Well-known values of the seeded community.
const (
	BotPhone   = "+15550000000"
	AdminPhone = "+15550000001"
)

// Seeded holds the records created by SeedCommunity.
type Seeded struct {
	Community *models.Community
	Admin     *models.DirectSession
}

// SeedCommunity stores a community whose onboarding and group scripts have the
// given sources, plus an admin participant who has finished onboarding.
// Empty sources leave the corresponding script unset.
func SeedCommunity(t *testing.T, st store.Store, onboarding, group string) Seeded {
	t.Helper()
	ctx := context.Background()
	c := &models.Community{Name: "Test Community", BotPhone: BotPhone}
	if err := st.SaveCommunity(ctx, c); err != nil {
		t.Fatalf("failed to save community: %v", err)
	}
	if onboarding != "" {
		c.OnboardingScriptID = SaveScript(t, st, "onboarding", c.ID, onboarding).ID
	}
	if group != "" {
		c.GroupScriptID = SaveScript(t, st, "group_setup", c.ID, group).ID
	}
	if err := st.SaveCommunity(ctx, c); err != nil {
		t.Fatalf("failed to update community: %v", err)
	}

	admin := &models.DirectSession{
		CommunityID:     c.ID,
		Phone:           AdminPhone,
		CurrentScriptID: c.OnboardingScriptID,
		Step:            models.StepDone,
		Variables:       map[string]string{"name": "Admin"},
		Permissions:     []string{models.PermissionAdmin},
	}
	if err := st.CreateDirectSession(ctx, admin); err != nil {
		t.Fatalf("failed to create admin session: %v", err)
	}
	return Seeded{Community: c, Admin: admin}
}

// SaveScript stores a script record and fails the test on error.
// An empty communityID stores a system script.
func SaveScript(t *testing.T, st store.Store, name, communityID, source string) *models.ScriptRecord {
	t.Helper()
	rec := &models.ScriptRecord{Name: name, CommunityID: communityID, Source: source}
	if err := st.SaveScript(context.Background(), rec); err != nil {
		t.Fatalf("failed to save script %s: %v", name, err)
	}
	return rec
}

// AddParticipant stores a direct session at step with the given permissions.
func AddParticipant(t *testing.T, st store.Store, c *models.Community, phone, name, step string, perms ...string) *models.DirectSession {
	t.Helper()
	s := &models.DirectSession{
		CommunityID:     c.ID,
		Phone:           phone,
		CurrentScriptID: c.OnboardingScriptID,
		Step:            step,
		Permissions:     perms,
	}
	if name != "" {
		s.Variables = map[string]string{"name": name}
	}
	if err := st.CreateDirectSession(context.Background(), s); err != nil {
		t.Fatalf("failed to create participant %s: %v", phone, err)
	}
	return s
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, ok := response["status"].(string); !ok || status != expectedStatus {
		t.Errorf("expected status '%s', got %v", expectedStatus, response["status"])
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
