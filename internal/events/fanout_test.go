package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFanoutPublisher_PublishSubscribe(t *testing.T) {
	p := NewFanoutPublisher()
	ctx := context.Background()

	ch := p.Subscribe("sess-1")
	defer p.Unsubscribe("sess-1", ch)

	p.Publish(ctx, "sess-1", KindJoined, map[string]any{"user_id": "user-1"})

	select {
	case event := <-ch:
		require.Equal(t, "sess-1", event.SessionID)
		require.Equal(t, KindJoined, event.Kind)
		require.Equal(t, "user-1", event.Payload["user_id"])
		require.False(t, event.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestFanoutPublisher_SessionIsolation(t *testing.T) {
	p := NewFanoutPublisher()
	ctx := context.Background()

	ch := p.Subscribe("sess-1")
	defer p.Unsubscribe("sess-1", ch)

	p.Publish(ctx, "sess-other", KindJoined, nil)

	select {
	case <-ch:
		t.Fatal("received event for another session")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFanoutPublisher_MultipleSubscribers(t *testing.T) {
	p := NewFanoutPublisher()
	ctx := context.Background()

	first := p.Subscribe("sess-1")
	second := p.Subscribe("sess-1")
	defer p.Unsubscribe("sess-1", first)
	defer p.Unsubscribe("sess-1", second)

	p.Publish(ctx, "sess-1", KindStatusChanged, nil)

	for _, ch := range []chan Event{first, second} {
		select {
		case event := <-ch:
			require.Equal(t, KindStatusChanged, event.Kind)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestFanoutPublisher_FullChannelDropsInsteadOfBlocking(t *testing.T) {
	p := NewFanoutPublisher()
	ctx := context.Background()

	ch := p.Subscribe("sess-1")
	defer p.Unsubscribe("sess-1", ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize+10; i++ {
			p.Publish(ctx, "sess-1", KindJoined, nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}

	require.Len(t, ch, subscriberBufferSize)
}

func TestFanoutPublisher_UnsubscribeStopsDelivery(t *testing.T) {
	p := NewFanoutPublisher()
	ctx := context.Background()

	ch := p.Subscribe("sess-1")
	p.Unsubscribe("sess-1", ch)

	// The channel stays open so an in-flight publish can never hit a
	// closed channel; it just no longer receives anything.
	p.Publish(ctx, "sess-1", KindJoined, nil)
	require.Empty(t, ch)

	select {
	case _, open := <-ch:
		require.True(t, open, "unsubscribe must not close the channel")
		t.Fatal("received event after unsubscribe")
	default:
	}
}

func TestFanoutPublisher_ConcurrentPublishUnsubscribe(t *testing.T) {
	p := NewFanoutPublisher()
	ctx := context.Background()

	const rounds = 200

	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		ch := p.Subscribe("sess-1")

		wg.Add(2)
		go func() {
			defer wg.Done()
			p.Publish(ctx, "sess-1", KindJoined, nil)
		}()
		go func() {
			defer wg.Done()
			p.Unsubscribe("sess-1", ch)
		}()
	}

	// A send on a channel closed by a racing unsubscribe would panic and
	// fail the test; completion means every interleaving was safe.
	wg.Wait()
}

func TestFanoutPublisher_CloseClosesAllSubscribers(t *testing.T) {
	p := NewFanoutPublisher()

	first := p.Subscribe("sess-1")
	second := p.Subscribe("sess-2")

	p.Close()

	_, open := <-first
	require.False(t, open)
	_, open = <-second
	require.False(t, open)
}
