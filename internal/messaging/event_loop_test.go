package messaging

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/twiliowhatsapp"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []models.InboundEvent
	err    error
	panic  bool
}

func (h *recordingHandler) Dispatch(ctx context.Context, ev models.InboundEvent) error {
	if h.panic {
		panic("boom")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func emitDirect(t *testing.T, svc *TwilioService, from string) {
	t.Helper()
	emitText(t, svc, from, "hi")
}

func emitText(t *testing.T, svc *TwilioService, from, text string) {
	t.Helper()
	if !svc.stream.emit(models.InboundEvent{Message: &models.InboundMessage{BotPhone: "+1", From: from, Text: text}}) {
		t.Fatal("emit failed")
	}
}

// slowFirstHandler holds the first event long enough for later events of the
// same session to arrive before it finishes.
type slowFirstHandler struct {
	mu    sync.Mutex
	texts []string
}

func (h *slowFirstHandler) Dispatch(ctx context.Context, ev models.InboundEvent) error {
	h.mu.Lock()
	first := len(h.texts) == 0
	h.mu.Unlock()
	if first {
		time.Sleep(20 * time.Millisecond)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.texts = append(h.texts, ev.Message.Text)
	return nil
}

// blockingHandler blocks events from blockFrom until an event from another
// sender has been handled.
type blockingHandler struct {
	blockFrom string
	released  chan struct{}
	once      sync.Once
	timedOut  bool
}

func (h *blockingHandler) Dispatch(ctx context.Context, ev models.InboundEvent) error {
	if ev.Message.From != h.blockFrom {
		h.once.Do(func() { close(h.released) })
		return nil
	}
	select {
	case <-h.released:
	case <-time.After(2 * time.Second):
		h.timedOut = true
	}
	return nil
}

func TestEventLoop_DispatchesUntilClosed(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("+1"))
	h := &recordingHandler{err: errors.New("handler errors are logged, not fatal")}
	loop := NewEventLoop(h, svc)
	loop.Start(context.Background())

	emitDirect(t, svc, "+2")
	emitDirect(t, svc, "+3")
	_ = svc.Stop()
	loop.Wait()

	if h.count() != 2 {
		t.Errorf("expected 2 dispatched events, got %d", h.count())
	}
}

func TestEventLoop_MergesServices(t *testing.T) {
	a := NewTwilioService(twiliowhatsapp.NewMockClient("+1"))
	b := NewTwilioService(twiliowhatsapp.NewMockClient("+1"))
	h := &recordingHandler{}
	loop := NewEventLoop(h, a, b)
	loop.Start(context.Background())

	emitDirect(t, a, "+2")
	emitDirect(t, b, "+3")
	_ = a.Stop()
	_ = b.Stop()
	loop.Wait()

	if h.count() != 2 {
		t.Errorf("expected 2 dispatched events, got %d", h.count())
	}
}

func TestEventLoop_StopsOnCancel(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("+1"))
	ctx, cancel := context.WithCancel(context.Background())
	loop := NewEventLoop(&recordingHandler{}, svc)
	loop.Start(ctx)
	cancel()
	loop.Wait()
}

func TestEventLoop_RecoversFromPanic(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("+1"))
	loop := NewEventLoop(&recordingHandler{panic: true}, svc)
	loop.Start(context.Background())
	emitDirect(t, svc, "+2")
	_ = svc.Stop()
	loop.Wait()
}

func TestEventLoop_PreservesOrderWithinSession(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("+1"))
	h := &slowFirstHandler{}
	loop := NewEventLoop(h, svc)
	loop.Start(context.Background())

	var expected []string
	for i := 0; i < 20; i++ {
		text := strconv.Itoa(i)
		expected = append(expected, text)
		emitText(t, svc, "+2", text)
	}
	_ = svc.Stop()
	loop.Wait()

	if len(h.texts) != len(expected) {
		t.Fatalf("expected %d events, got %d", len(expected), len(h.texts))
	}
	for i := range expected {
		if h.texts[i] != expected[i] {
			t.Fatalf("events handled out of order: %v", h.texts)
		}
	}
	if len(loop.pending) != 0 {
		t.Errorf("expected no pending sessions, got %d", len(loop.pending))
	}
}

func TestEventLoop_SessionsRunConcurrently(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("+1"))
	h := &blockingHandler{blockFrom: "+2", released: make(chan struct{})}
	loop := NewEventLoop(h, svc)
	loop.Start(context.Background())

	emitDirect(t, svc, "+2")
	emitDirect(t, svc, "+3")
	_ = svc.Stop()
	loop.Wait()

	if h.timedOut {
		t.Error("a busy session blocked another session's event")
	}
}
