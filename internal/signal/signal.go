// Package signal is a client for the signal-cli REST API.
//
// Sends go over plain REST calls; inbound messages arrive on the API's
// WebSocket receive stream (json-rpc mode).
package signal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultBaseURL is where signal-cli-rest-api listens by default.
	DefaultBaseURL = "http://localhost:8080"
	// DefaultTimeout bounds each REST call.
	DefaultTimeout = 30 * time.Second
	// DefaultReconnectDelay is the pause before re-opening a dropped receive stream.
	DefaultReconnectDelay = 5 * time.Second

	// GroupPrefix marks a recipient as a group id.
	GroupPrefix = "group."
)

// Opts holds configuration options for the Signal client.
type Opts struct {
	BaseURL        string
	Number         string // registered account, E.164
	HTTPClient     *http.Client
	ReconnectDelay time.Duration
}

// Option defines a configuration option for the Signal client.
type Option func(*Opts)

// WithBaseURL sets the REST API address.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithNumber sets the registered Signal account.
func WithNumber(n string) Option {
	return func(o *Opts) { o.Number = n }
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithReconnectDelay sets the pause before re-opening the receive stream.
func WithReconnectDelay(d time.Duration) Option {
	return func(o *Opts) { o.ReconnectDelay = d }
}

// Client talks to one signal-cli REST API account.
type Client struct {
	baseURL   string
	number    string
	http      *http.Client
	reconnect time.Duration
}

// NewClient creates a Signal client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL, ReconnectDelay: DefaultReconnectDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Number == "" {
		return nil, fmt.Errorf("signal account number must be provided")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid signal API URL: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	slog.Debug("Signal client configured", "baseURL", cfg.BaseURL, "number", cfg.Number)
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		number:    cfg.Number,
		http:      cfg.HTTPClient,
		reconnect: cfg.ReconnectDelay,
	}, nil
}

// Number returns the account the client sends from.
func (c *Client) Number() string {
	return c.number
}

// GroupRecipient converts the internal group id carried by received messages
// into the recipient form the send endpoints expect.
func GroupRecipient(internalID string) string {
	return GroupPrefix + base64.StdEncoding.EncodeToString([]byte(internalID))
}

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("signal API returned %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("Signal API request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("signal API %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		slog.Error("Signal API error response", "error", apiErr, "method", method, "path", path)
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode signal API response: %w", err)
		}
	}
	return nil
}

type sendRequest struct {
	Message           string   `json:"message"`
	Number            string   `json:"number"`
	Recipients        []string `json:"recipients"`
	Base64Attachments []string `json:"base64_attachments,omitempty"`
}

type sendResponse struct {
	Timestamp string `json:"timestamp"`
}

// Send delivers text to the recipients and returns the message timestamp,
// which Signal uses as the message id.
func (c *Client) Send(ctx context.Context, recipients []string, text string) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("recipients cannot be empty")
	}
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/v2/send", sendRequest{Message: text, Number: c.number, Recipients: recipients}, &resp); err != nil {
		return "", err
	}
	slog.Debug("Signal message sent", "recipients", len(recipients), "timestamp", resp.Timestamp)
	return resp.Timestamp, nil
}

// SendAttachment sends the file at path to one recipient.
func (c *Client) SendAttachment(ctx context.Context, to, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read attachment: %w", err)
	}
	name := filepath.Base(path)
	mimetype := mime.TypeByExtension(filepath.Ext(name))
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	att := fmt.Sprintf("data:%s;filename=%s;base64,%s", mimetype, name, base64.StdEncoding.EncodeToString(data))
	var resp sendResponse
	req := sendRequest{Number: c.number, Recipients: []string{to}, Base64Attachments: []string{att}}
	if err := c.do(ctx, http.MethodPost, "/v2/send", req, &resp); err != nil {
		return "", err
	}
	return resp.Timestamp, nil
}

// Typing shows the typing indicator to the recipient.
func (c *Client) Typing(ctx context.Context, to string) error {
	return c.do(ctx, http.MethodPut, "/v1/typing-indicator/"+url.PathEscape(c.number), map[string]string{"recipient": to}, nil)
}

type reactionRequest struct {
	Reaction     string `json:"reaction"`
	Recipient    string `json:"recipient"`
	TargetAuthor string `json:"target_author"`
	Timestamp    int64  `json:"timestamp"`
}

// React puts emoji on the message sent by targetAuthor at targetTimestamp.
func (c *Client) React(ctx context.Context, recipient, targetAuthor, targetTimestamp, emoji string) error {
	ts, err := strconv.ParseInt(targetTimestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid target timestamp %q: %w", targetTimestamp, err)
	}
	return c.do(ctx, http.MethodPost, "/v1/reactions/"+url.PathEscape(c.number), reactionRequest{
		Reaction: emoji, Recipient: recipient, TargetAuthor: targetAuthor, Timestamp: ts,
	}, nil)
}

// QuitGroup leaves the group.
func (c *Client) QuitGroup(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodPost, "/v1/groups/"+url.PathEscape(c.number)+"/"+url.PathEscape(groupID)+"/quit", nil, nil)
}

// Envelope is one received message as delivered by the receive stream.
type Envelope struct {
	Source       string       `json:"source"`
	SourceNumber string       `json:"sourceNumber"`
	SourceName   string       `json:"sourceName"`
	Timestamp    int64        `json:"timestamp"`
	DataMessage  *DataMessage `json:"dataMessage"`
}

// DataMessage is the content of an envelope.
type DataMessage struct {
	Timestamp int64      `json:"timestamp"`
	Message   string     `json:"message"`
	GroupInfo *GroupInfo `json:"groupInfo"`
	Quote     *Quote     `json:"quote"`
}

// GroupInfo identifies the group a message was posted in.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

// Quote is set on replies.
type Quote struct {
	ID     int64  `json:"id"`
	Author string `json:"author"`
}

type receiveFrame struct {
	Envelope Envelope `json:"envelope"`
	Account  string   `json:"account"`
}

// Sender returns the number of the envelope's author.
func (e Envelope) Sender() string {
	if e.SourceNumber != "" {
		return e.SourceNumber
	}
	return e.Source
}

func (c *Client) receiveURL() (string, error) {
	u, err := url.Parse(c.baseURL + "/v1/receive/" + url.PathEscape(c.number))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// Receive reads the receive stream until ctx is done, calling handle for each
// envelope. A dropped connection is re-opened after the reconnect delay.
func (c *Client) Receive(ctx context.Context, handle func(Envelope)) error {
	wsURL, err := c.receiveURL()
	if err != nil {
		return fmt.Errorf("invalid receive URL: %w", err)
	}
	for {
		err := c.receiveOnce(ctx, wsURL, handle)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("Signal receive stream closed, reconnecting", "error", err, "delay", c.reconnect)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnect):
		}
	}
}

func (c *Client) receiveOnce(ctx context.Context, wsURL string, handle func(Envelope)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to open receive stream: %w", err)
	}
	defer conn.Close()
	slog.Info("Signal receive stream connected", "number", c.number)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var frame receiveFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		if frame.Envelope.DataMessage == nil {
			continue
		}
		handle(frame.Envelope)
	}
}
