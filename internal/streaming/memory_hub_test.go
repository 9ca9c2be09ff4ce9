package streaming

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mermend/pkg/schema"
)

// renderCycle is what a session emits for one successful request.
func renderCycle(sessionID string, seq int64) []StreamEvent {
	return []StreamEvent{
		{SessionID: sessionID, RequestSeq: seq, EventType: schema.EventStateChanged, State: schema.SessionStateRendering, Display: schema.DisplayRendering},
		{SessionID: sessionID, RequestSeq: seq, EventType: schema.EventRenderStarted, State: schema.SessionStateRendering},
		{SessionID: sessionID, RequestSeq: seq, EventType: schema.EventRenderSucceeded, State: schema.SessionStateRendered, Display: schema.DisplayRendered},
	}
}

func publishAll(t *testing.T, hub *MemoryHub, events []StreamEvent) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, hub.Publish(context.Background(), e))
	}
}

// receive reads exactly n events and then expects the channel to stay quiet.
func receive(t *testing.T, ch <-chan StreamEvent, n int) []StreamEvent {
	t.Helper()
	out := make([]StreamEvent, 0, n)
	for len(out) < n {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-time.After(time.Second):
			t.Fatalf("got %d of %d events", len(out), n)
		}
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
	return out
}

func eventTypes(events []StreamEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func TestHub_DeliversRenderCycleInOrder(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	publishAll(t, hub, renderCycle("s-1", 3))

	got := receive(t, ch, 3)
	assert.Equal(t, []string{schema.EventStateChanged, schema.EventRenderStarted, schema.EventRenderSucceeded}, eventTypes(got))
	assert.Equal(t, schema.SessionStateRendered, got[2].State)
	assert.Equal(t, schema.DisplayRendered, got[2].Display)
	for _, e := range got {
		assert.Equal(t, int64(3), e.RequestSeq)
	}
}

func TestHub_SessionFilterIsolatesInterleavedSessions(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{SessionID: "s-1"})
	require.NoError(t, err)
	defer cancel()

	mine, other := renderCycle("s-1", 1), renderCycle("s-2", 1)
	for i := range mine {
		publishAll(t, hub, []StreamEvent{other[i], mine[i]})
	}

	got := receive(t, ch, len(mine))
	assert.Equal(t, mine, got)
}

func TestHub_EventTypeFilterKeepsOnlyOutcomes(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{
		EventTypes: []string{schema.EventRenderSucceeded, schema.EventRenderFailed},
	})
	require.NoError(t, err)
	defer cancel()

	publishAll(t, hub, renderCycle("s-1", 1))
	publishAll(t, hub, []StreamEvent{
		{SessionID: "s-1", RequestSeq: 2, EventType: schema.EventStateChanged, State: schema.SessionStateRendering},
		{SessionID: "s-1", RequestSeq: 2, EventType: schema.EventRenderStarted},
		{SessionID: "s-1", RequestSeq: 2, EventType: schema.EventRenderFailed, State: schema.SessionStateError, Display: schema.DisplayError},
	})

	got := receive(t, ch, 2)
	assert.Equal(t, []string{schema.EventRenderSucceeded, schema.EventRenderFailed}, eventTypes(got))
	assert.Equal(t, []int64{1, 2}, []int64{got[0].RequestSeq, got[1].RequestSeq})
}

func TestHub_CombinedFilter(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{
		SessionID:  "s-2",
		EventTypes: []string{schema.EventRenderStarted},
	})
	require.NoError(t, err)
	defer cancel()

	publishAll(t, hub, renderCycle("s-1", 1))
	publishAll(t, hub, renderCycle("s-2", 7))

	got := receive(t, ch, 1)
	assert.Equal(t, "s-2", got[0].SessionID)
	assert.Equal(t, int64(7), got[0].RequestSeq)
}

func TestHub_FansOutToEverySubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	watcher, cancelWatcher, err := hub.Subscribe(ctx, EventFilter{SessionID: "s-1"})
	require.NoError(t, err)
	defer cancelWatcher()
	audit, cancelAudit, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelAudit()
	assert.Equal(t, 2, hub.Subscribers())

	cycle := renderCycle("s-1", 1)
	publishAll(t, hub, cycle)

	assert.Equal(t, cycle, receive(t, watcher, 3))
	assert.Equal(t, cycle, receive(t, audit, 3))
}

func TestHub_CancelClosesAndUnregisters(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{SessionID: "s-1"})
	require.NoError(t, err)

	cancel()
	publishAll(t, hub, renderCycle("s-1", 1))

	e, ok := <-ch
	assert.False(t, ok, "event after cancel: %+v", e)
	assert.Zero(t, hub.Subscribers())
	assert.NotPanics(t, cancel)
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{SessionID: "s-1"})
	require.NoError(t, err)
	defer cancel()

	// A streaming session that nobody drains: every prefix is a cycle.
	const requests = defaultChannelBuffer/3 + 5
	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := range int64(requests) {
			for _, e := range renderCycle("s-1", seq+1) {
				_ = hub.Publish(context.Background(), e)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}

	got := receive(t, ch, defaultChannelBuffer)
	assert.Equal(t, schema.EventStateChanged, got[0].EventType)
	assert.Equal(t, int64(1), got[0].RequestSeq)
	assert.Equal(t, uint64(requests*3-defaultChannelBuffer), hub.Dropped())
}

func TestHub_ConcurrentSessionsKeepPerSessionOrder(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const sessions = 8
	const requests = 10

	chans := make([]<-chan StreamEvent, sessions)
	for i := range sessions {
		ch, cancel, err := hub.Subscribe(ctx, EventFilter{SessionID: fmt.Sprintf("s-%d", i)})
		require.NoError(t, err)
		defer cancel()
		chans[i] = ch
	}

	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", i)
			for seq := int64(1); seq <= requests; seq++ {
				for _, e := range renderCycle(id, seq) {
					_ = hub.Publish(ctx, e)
				}
			}
		}()
	}

	// Short-lived watchers come and go while sessions publish.
	for range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventRenderSucceeded}})
			if err != nil {
				return
			}
			defer cancel()
			select {
			case <-ch:
			case <-time.After(10 * time.Millisecond):
			}
		}()
	}
	wg.Wait()

	for i, ch := range chans {
		got := receive(t, ch, requests*3)
		for j, e := range got {
			want := renderCycle(fmt.Sprintf("s-%d", i), int64(j/3+1))[j%3]
			require.Equal(t, want, e)
		}
	}
}

func TestHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, renderCycle("s-1", 1)[0]), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{SessionID: "s-1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, hub.Subscribers())
}
