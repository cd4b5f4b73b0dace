package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/RelayPipe/internal/models"
)

// Transport is the outbound half of a messaging backend.
//
// Recipients are phone numbers or group ids in the form the backend emits on
// inbound events, so an address read from an event can be sent to unchanged.
type Transport interface {
	// Send delivers text from the bot account to every recipient and returns the
	// transport's id for the sent message.
	Send(ctx context.Context, from string, recipients []string, text string) (string, error)

	// SendAttachment delivers the file at path to one recipient.
	SendAttachment(ctx context.Context, from, to, path string) (string, error)

	// LeaveGroup makes the bot account leave a group thread.
	LeaveGroup(ctx context.Context, from, groupID string) error

	// SendTyping shows a typing indicator to the recipient.
	SendTyping(ctx context.Context, from, to string) error

	// React puts an emoji reaction on an earlier message.
	React(ctx context.Context, from, recipient, targetAuthor, targetTimestamp, emoji string) error
}

// Service is a messaging backend: outbound Transport plus an inbound event stream.
type Service interface {
	Transport

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Events returns the channel of decoded inbound events.
	Events() <-chan models.InboundEvent
}

// Constants for service configuration
const (
	// DefaultChannelBufferSize is the buffer size of each service's event channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound event may wait for a full channel
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends on a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// eventStream is the inbound channel shared by the services. Emits after
// close are dropped.
type eventStream struct {
	mu      sync.RWMutex
	events  chan models.InboundEvent
	stopped bool
}

func newEventStream() *eventStream {
	return &eventStream{events: make(chan models.InboundEvent, DefaultChannelBufferSize)}
}

func (s *eventStream) emit(ev models.InboundEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("Dropping inbound event on stopped service", "kind", ev.Kind())
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("Event channel blocked, dropping inbound event", "kind", ev.Kind(), "timeout", DefaultChannelTimeout)
		return false
	}
}

func (s *eventStream) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// close marks the stream stopped and closes the channel. It is idempotent.
func (s *eventStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.events)
}
