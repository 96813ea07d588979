package main

import (
	"context"
	"sync"

	"github.com/sells-group/supplier-cli/internal/model"
)

// subscriberBuffer bounds each SSE client's backlog. A client that falls
// further behind misses events instead of stalling the pipeline.
const subscriberBuffer = 64

// eventBroker fans pipeline events out to SSE subscribers.
type eventBroker struct {
	in chan model.Event

	mu   sync.Mutex
	subs map[chan model.Event]struct{}
}

func newEventBroker() *eventBroker {
	return &eventBroker{
		in:   make(chan model.Event, subscriberBuffer),
		subs: make(map[chan model.Event]struct{}),
	}
}

// Run drains the pipeline channel until ctx is done.
func (b *eventBroker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.in:
			b.publish(ev)
		}
	}
}

func (b *eventBroker) publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBroker) subscribe() chan model.Event {
	ch := make(chan model.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *eventBroker) unsubscribe(ch chan model.Event) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}
