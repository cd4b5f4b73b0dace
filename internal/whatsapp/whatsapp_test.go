package whatsapp

import (
	"context"
	"testing"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected types.JID
	}{
		{
			name:     "E.164 phone number",
			addr:     "+15551234567",
			expected: types.NewJID("15551234567", JIDSuffix),
		},
		{
			name:     "Phone number without plus",
			addr:     "15551234567",
			expected: types.NewJID("15551234567", JIDSuffix),
		},
		{
			name:     "Group JID",
			addr:     "120363025246125486@g.us",
			expected: types.NewJID("120363025246125486", GroupSuffix),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jid, err := ParseAddress(tt.addr)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if jid != tt.expected {
				t.Errorf("ParseAddress(%q) = %v, expected %v", tt.addr, jid, tt.expected)
			}
		})
	}
}

func TestParseAddress_Empty(t *testing.T) {
	if _, err := ParseAddress(""); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestAddressRoundTrip(t *testing.T) {
	for _, addr := range []string{"+15551234567", "120363025246125486@g.us"} {
		jid, err := ParseAddress(addr)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := Address(jid); got != addr {
			t.Errorf("Address(ParseAddress(%q)) = %q", addr, got)
		}
	}
}

func TestAddress_DropsDevice(t *testing.T) {
	jid := types.JID{User: "15551234567", Device: 3, Server: JIDSuffix}
	if got := Address(jid); got != "+15551234567" {
		t.Errorf("expected +15551234567, got %q", got)
	}
}

func TestWithDBDSNOption(t *testing.T) {
	opts := &Opts{}

	testDSN := "/var/lib/relaypipe/test.db"
	WithDBDSN(testDSN)(opts)

	if opts.DBDSN != testDSN {
		t.Errorf("Expected DBDSN to be %q, got %q", testDSN, opts.DBDSN)
	}
}

func TestWithQRCodeOutputOption(t *testing.T) {
	opts := &Opts{}

	testPath := "/tmp/qr.txt"
	WithQRCodeOutput(testPath)(opts)

	if opts.QRPath != testPath {
		t.Errorf("Expected QRPath to be %q, got %q", testPath, opts.QRPath)
	}
}

func TestWithNumericCodeOption(t *testing.T) {
	opts := &Opts{}

	WithNumericCode()(opts)

	if !opts.NumericCode {
		t.Errorf("Expected NumericCode to be true, got false")
	}
}

func TestUninitializedClient(t *testing.T) {
	c := &Client{}
	if _, err := c.SendText(context.Background(), "+15551234567", "hi"); err == nil {
		t.Error("expected error from uninitialized client")
	}
	if err := c.LeaveGroup(context.Background(), "1@g.us"); err == nil {
		t.Error("expected error from uninitialized client")
	}
	if err := c.SendTyping(context.Background(), "+15551234567"); err == nil {
		t.Error("expected error from uninitialized client")
	}
	if c.BotPhone() != "" {
		t.Error("expected empty bot phone from uninitialized client")
	}
}

// The whatsmeow calls made without a context must keep these shapes.
func TestWhatsmeowCallShapes(t *testing.T) {
	var _ func(*whatsmeow.Client, types.JID, types.ChatPresence, types.ChatPresenceMedia) error = (*whatsmeow.Client).SendChatPresence
	var _ func(*whatsmeow.Client, types.JID) error = (*whatsmeow.Client).LeaveGroup
}

func TestSendText_EmptyBody(t *testing.T) {
	c := &Client{}
	if _, err := c.SendText(context.Background(), "+15551234567", ""); err == nil {
		t.Error("expected error for empty body")
	}
}

func TestMockClient(t *testing.T) {
	ctx := context.Background()
	m := NewMockClient("+15550000000")

	id, err := m.SendText(ctx, "+15551234567", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "wamid-1" {
		t.Errorf("expected wamid-1, got %q", id)
	}
	_ = m.SendTyping(ctx, "+15551234567")
	_ = m.LeaveGroup(ctx, "1@g.us")

	msgs := m.Messages()
	if len(msgs) != 2 || msgs[0].Kind != "text" || msgs[1].Kind != "typing" {
		t.Errorf("unexpected recorded calls: %+v", msgs)
	}
	if len(m.Left) != 1 || m.Left[0] != "1@g.us" {
		t.Errorf("unexpected left groups: %v", m.Left)
	}
	if m.BotPhone() != "+15550000000" {
		t.Errorf("unexpected bot phone %q", m.BotPhone())
	}
}
