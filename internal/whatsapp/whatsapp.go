// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in RelayPipe.
//
// It provides methods for sending text, documents, typing indicators and
// reactions to participants and group threads.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BTreeMap/RelayPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/relaypipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = types.DefaultUserServer
	// GroupSuffix is the WhatsApp JID suffix for group threads
	GroupSuffix = types.GroupServer
)

// Sender is the outbound surface of a WhatsApp account (for production and testing).
// Addresses are E.164 phone numbers for participants and full JIDs for groups.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendDocument(ctx context.Context, to, path string) (string, error)
	SendTyping(ctx context.Context, to string) error
	React(ctx context.Context, chat, author, messageID, emoji string) error
	LeaveGroup(ctx context.Context, groupID string) error
	// BotPhone is the E.164 number of the logged-in account.
	BotPhone() string
}

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient creates a new WhatsApp client, logging in first when the device store is empty.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}
	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled; "+
			"whatsmeow strongly recommends them", "dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			slog.Error("Failed to create QR file", "error", err)
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// ParseAddress converts a phone number or group JID into a JID.
func ParseAddress(addr string) (types.JID, error) {
	if addr == "" {
		return types.JID{}, fmt.Errorf("recipient cannot be empty")
	}
	if strings.Contains(addr, "@") {
		jid, err := types.ParseJID(addr)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid JID %q: %w", addr, err)
		}
		return jid, nil
	}
	return types.NewJID(strings.TrimPrefix(addr, "+"), JIDSuffix), nil
}

// Address is the inverse of ParseAddress: "+<number>" for users, the full JID otherwise.
func Address(jid types.JID) string {
	if jid.Server == JIDSuffix {
		return "+" + jid.User
	}
	return jid.ToNonAD().String()
}

func (c *Client) ready() error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil || c.waClient.Store.ID == nil {
		return fmt.Errorf("whatsapp client store not available")
	}
	return nil
}

func (c *Client) send(ctx context.Context, to string, msg *waE2E.Message) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	jid, err := ParseAddress(to)
	if err != nil {
		return "", err
	}
	resp, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return resp.ID, nil
}

// SendText sends a text message to a participant or group.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}
	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	return c.send(ctx, to, &waE2E.Message{Conversation: proto.String(body)})
}

// SendDocument uploads the file at path and sends it as a document message.
func (c *Client) SendDocument(ctx context.Context, to, path string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read attachment: %w", err)
	}
	up, err := c.waClient.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		slog.Error("Failed to upload WhatsApp document", "error", err, "path", path)
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}
	name := filepath.Base(path)
	mimetype := mime.TypeByExtension(filepath.Ext(name))
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	return c.send(ctx, to, &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		Mimetype:      proto.String(mimetype),
		FileName:      proto.String(name),
		Title:         proto.String(name),
	}})
}

// SendTyping shows the composing indicator in the chat.
func (c *Client) SendTyping(ctx context.Context, to string) error {
	if err := c.ready(); err != nil {
		return err
	}
	jid, err := ParseAddress(to)
	if err != nil {
		return err
	}
	return c.waClient.SendChatPresence(jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// React puts emoji on the message messageID sent by author in chat.
func (c *Client) React(ctx context.Context, chat, author, messageID, emoji string) error {
	if err := c.ready(); err != nil {
		return err
	}
	chatJID, err := ParseAddress(chat)
	if err != nil {
		return err
	}
	authorJID, err := ParseAddress(author)
	if err != nil {
		return err
	}
	_, err = c.waClient.SendMessage(ctx, chatJID, c.waClient.BuildReaction(chatJID, authorJID, types.MessageID(messageID), emoji))
	if err != nil {
		return fmt.Errorf("failed to react in %s: %w", chat, err)
	}
	return nil
}

// LeaveGroup leaves the group thread.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	if err := c.ready(); err != nil {
		return err
	}
	jid, err := ParseAddress(groupID)
	if err != nil {
		return err
	}
	if err := c.waClient.LeaveGroup(jid); err != nil {
		slog.Error("Failed to leave WhatsApp group", "error", err, "groupID", groupID)
		return fmt.Errorf("failed to leave group %s: %w", groupID, err)
	}
	return nil
}

// BotPhone returns the logged-in account's number.
func (c *Client) BotPhone() string {
	if c.ready() != nil {
		return ""
	}
	return "+" + c.waClient.Store.ID.User
}

// GetClient returns the underlying whatsmeow client for event handling
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// MockClient implements Sender in memory (for tests).
type MockClient struct {
	mu    sync.Mutex
	Phone string
	Sent  []MockMessage
	Left  []string
}

// MockMessage is one call recorded by MockClient.
type MockMessage struct {
	Kind string // "text", "document", "typing" or "reaction"
	To   string
	Body string
	ID   string
}

func NewMockClient(phone string) *MockClient {
	return &MockClient{Phone: phone}
}

func (m *MockClient) record(kind, to, body string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("wamid-%d", len(m.Sent)+1)
	m.Sent = append(m.Sent, MockMessage{Kind: kind, To: to, Body: body, ID: id})
	return id
}

func (m *MockClient) SendText(ctx context.Context, to, body string) (string, error) {
	return m.record("text", to, body), nil
}

func (m *MockClient) SendDocument(ctx context.Context, to, path string) (string, error) {
	return m.record("document", to, path), nil
}

func (m *MockClient) SendTyping(ctx context.Context, to string) error {
	m.record("typing", to, "")
	return nil
}

func (m *MockClient) React(ctx context.Context, chat, author, messageID, emoji string) error {
	m.record("reaction", chat, author+"/"+messageID+"/"+emoji)
	return nil
}

func (m *MockClient) LeaveGroup(ctx context.Context, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Left = append(m.Left, groupID)
	return nil
}

func (m *MockClient) BotPhone() string {
	return m.Phone
}

// Messages returns a copy of the recorded calls.
func (m *MockClient) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Sent...)
}
