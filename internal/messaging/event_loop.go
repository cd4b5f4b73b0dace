package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/RelayPipe/internal/models"
)

// Handler processes one inbound event. conversation.Dispatcher implements it.
type Handler interface {
	Dispatch(ctx context.Context, ev models.InboundEvent) error
}

// EventLoop feeds a service's inbound events to a Handler. Events with the same
// session key are handled one at a time in arrival order; distinct sessions are
// handled concurrently.
type EventLoop struct {
	events  <-chan models.InboundEvent
	handler Handler
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string][]models.InboundEvent // a key is present while its worker runs
}

// NewEventLoop creates a loop over the events of one or more services.
func NewEventLoop(handler Handler, services ...Service) *EventLoop {
	return &EventLoop{
		events:  merge(services),
		handler: handler,
		pending: make(map[string][]models.InboundEvent),
	}
}

func merge(services []Service) <-chan models.InboundEvent {
	if len(services) == 1 {
		return services[0].Events()
	}
	out := make(chan models.InboundEvent)
	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(ch <-chan models.InboundEvent) {
			defer wg.Done()
			for ev := range ch {
				out <- ev
			}
		}(svc.Events())
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Start begins processing events until ctx is done or every service's event
// channel is closed.
func (l *EventLoop) Start(ctx context.Context) {
	slog.Info("EventLoop starting event processing")
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer slog.Info("EventLoop stopped event processing")
		for {
			select {
			case ev, ok := <-l.events:
				if !ok {
					slog.Debug("EventLoop events channel closed")
					return
				}
				l.enqueue(ctx, ev)
			case <-ctx.Done():
				slog.Debug("EventLoop stopping due to context cancellation")
				return
			}
		}
	}()
}

// enqueue queues ev behind the other events of its session and starts a worker
// for the session if none is running.
func (l *EventLoop) enqueue(ctx context.Context, ev models.InboundEvent) {
	key := ev.SessionKey()
	l.mu.Lock()
	queue, running := l.pending[key]
	l.pending[key] = append(queue, ev)
	l.mu.Unlock()
	if running {
		slog.Debug("EventLoop queued event behind running turn", "key", key, "queued", len(queue)+1)
		return
	}
	l.wg.Add(1)
	go l.drain(ctx, key)
}

// drain handles the queued events of key until the queue is empty.
func (l *EventLoop) drain(ctx context.Context, key string) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		queue := l.pending[key]
		if len(queue) == 0 {
			delete(l.pending, key)
			l.mu.Unlock()
			return
		}
		ev := queue[0]
		l.pending[key] = queue[1:]
		l.mu.Unlock()
		l.process(ctx, ev)
	}
}

func (l *EventLoop) process(ctx context.Context, ev models.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("EventLoop handler panicked", "panic", r, "kind", ev.Kind(), "key", ev.SessionKey())
		}
	}()
	if err := l.handler.Dispatch(ctx, ev); err != nil {
		slog.Error("EventLoop failed to process event", "error", err, "kind", ev.Kind(), "key", ev.SessionKey())
	}
}

// Wait blocks until the loop and every in-flight event have finished.
func (l *EventLoop) Wait() {
	l.wg.Wait()
}
