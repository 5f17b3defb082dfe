package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gatherkit/gatherd/internal/telemetry"
)

const subscriberBufferSize = 100

// FanoutPublisher delivers events to in-process subscribers over buffered
// channels. Sends are non-blocking: a slow consumer with a full channel
// drops events rather than stalling the mutation path.
type FanoutPublisher struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
}

var _ Publisher = (*FanoutPublisher)(nil)

// NewFanoutPublisher creates an empty fanout publisher.
func NewFanoutPublisher() *FanoutPublisher {
	return &FanoutPublisher{
		subscribers: make(map[string][]chan Event),
	}
}

// Publish delivers the event to every subscriber of the session.
func (p *FanoutPublisher) Publish(ctx context.Context, sessionID string, kind Kind, payload map[string]any) {
	event := Event{
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		At:        time.Now().UTC(),
	}

	// Sends are non-blocking, so holding the read lock for the fanout is
	// cheap and keeps Close (which closes channels under the write lock)
	// from racing a send.
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ch := range p.subscribers[sessionID] {
		select {
		case ch <- event:
		default:
			// Channel full, drop the event.
			telemetry.GetMetrics().EventsDroppedTotal.Add(ctx, 1)
			log.Warn().
				Str("session_id", sessionID).
				Str("kind", string(kind)).
				Msg("Subscriber channel full, dropping event")
		}
	}
}

// Subscribe registers a channel to receive events for a session. The caller
// must call Unsubscribe when done.
func (p *FanoutPublisher) Subscribe(sessionID string) chan Event {
	ch := make(chan Event, subscriberBufferSize)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribers[sessionID] = append(p.subscribers[sessionID], ch)
	log.Debug().
		Str("session_id", sessionID).
		Int("subscriber_count", len(p.subscribers[sessionID])).
		Msg("Registered event subscriber")

	return ch
}

// Unsubscribe removes the channel from the session's subscriber list. The
// channel is not closed here: a publish racing the removal may still hold a
// reference to it, and sending on a closed channel panics. Close is the only
// place channels are closed.
func (p *FanoutPublisher) Unsubscribe(sessionID string, ch chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[sessionID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	if len(p.subscribers[sessionID]) == 0 {
		delete(p.subscribers, sessionID)
	}
}

// Close closes every subscriber channel.
func (p *FanoutPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sessionID, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, sessionID)
	}
}
