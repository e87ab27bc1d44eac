package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToTypedAndAnySubscribers(t *testing.T) {
	b := NewBus()

	var typed, any []EventType
	b.Subscribe(AgentText, func(e Event) { typed = append(typed, e.Type) })
	b.Subscribe(TypeAny, func(e Event) { any = append(any, e.Type) })

	b.Publish(New(AgentText, "test", nil))
	b.Publish(New(AgentDone, "test", nil))

	require.Equal(t, []EventType{AgentText}, typed)
	require.Equal(t, []EventType{AgentText, AgentDone}, any)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()

	calls := 0
	sub := b.Subscribe(CronTick, func(Event) { calls++ })

	b.Publish(New(CronTick, "test", nil))
	b.Unsubscribe(sub)
	b.Publish(New(CronTick, "test", nil))

	require.Equal(t, 1, calls)
}

func TestHandlerPanicIsCountedAndIsolated(t *testing.T) {
	b := NewBus()

	b.Subscribe(AgentError, func(Event) { panic("boom") })
	delivered := false
	b.Subscribe(AgentError, func(Event) { delivered = true })

	b.Publish(New(AgentError, "test", nil))

	require.True(t, delivered, "second handler must still run")
	require.Equal(t, uint64(1), b.HandlerFailures(AgentError))
}

func TestEachSubscriberSeesEventExactlyOnce(t *testing.T) {
	b := NewBus()

	counts := make(map[int]int)
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		i := i
		b.Subscribe(SystemStartup, func(Event) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		})
	}

	for j := 0; j < 10; j++ {
		b.Publish(New(SystemStartup, "test", nil))
	}

	for i := 0; i < 5; i++ {
		require.Equal(t, 10, counts[i])
	}
}

func TestReadyBufferFlushesInOrderOnAttach(t *testing.T) {
	b := NewBus()

	for i := 0; i < 3; i++ {
		e := New(CronRunDone, "cron", map[string]interface{}{"n": i})
		e.Broadcast = true
		b.Publish(e)
	}

	var got []int
	b.AttachSink(func(e Event) { got = append(got, e.Data["n"].(int)) })

	require.Equal(t, []int{0, 1, 2}, got)

	// Live delivery after attach.
	e := New(CronRunDone, "cron", map[string]interface{}{"n": 3})
	e.Broadcast = true
	b.Publish(e)
	require.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestReadyBufferDropsOldestWhenFull(t *testing.T) {
	rb := NewReadyBuffer(2, true)

	for i := 0; i < 5; i++ {
		rb.Offer(Event{Type: CronTick, Data: map[string]interface{}{"n": i}})
	}

	require.Equal(t, uint64(3), rb.Dropped())

	var got []int
	rb.Attach(func(e Event) { got = append(got, e.Data["n"].(int)) })
	require.Equal(t, []int{3, 4}, got)
}

func TestReadyBufferLiveEventWaitsForFlush(t *testing.T) {
	rb := NewReadyBuffer(8, true)
	for i := 0; i < 3; i++ {
		rb.Offer(Event{Type: CronTick, Data: map[string]interface{}{"n": i}})
	}

	flushStarted := make(chan struct{})
	offered := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var got []int

	// Race a live event against the attach flush: it must land after every
	// buffered event, never between them.
	go func() {
		<-flushStarted
		rb.Offer(Event{Type: CronTick, Data: map[string]interface{}{"n": 3}})
		close(offered)
	}()

	rb.Attach(func(e Event) {
		once.Do(func() { close(flushStarted) })
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		got = append(got, e.Data["n"].(int))
		mu.Unlock()
	})

	<-offered
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestNonBroadcastEventsBypassReadyBuffer(t *testing.T) {
	b := NewBus()
	b.Publish(New(AgentText, "test", nil))

	flushed := 0
	b.AttachSink(func(Event) { flushed++ })
	require.Equal(t, 0, flushed)
}
