package streaming

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("root-1", 4)
	defer m.Unsubscribe("root-1", ch)

	m.Publish(Event{RootTaskID: "root-1", TaskID: "t-1", Type: EventTaskSpawned, Depth: 1})

	select {
	case evt := <-ch:
		require.Equal(t, EventTaskSpawned, evt.Type)
		require.Equal(t, "t-1", evt.TaskID)
		require.Equal(t, uint64(0), evt.Seq)
		require.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribersAreIsolatedByRootTask(t *testing.T) {
	m := NewManager(16)
	a := m.Subscribe("root-a", 4)
	b := m.Subscribe("root-b", 4)
	defer m.Unsubscribe("root-a", a)
	defer m.Unsubscribe("root-b", b)

	m.Publish(Event{RootTaskID: "root-a", TaskID: "t", Type: EventTaskStatus})

	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("subscriber for root-a got nothing")
	}
	select {
	case evt := <-b:
		t.Fatalf("subscriber for root-b got %+v", evt)
	default:
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("root-1", 1)
	defer m.Unsubscribe("root-1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish(Event{RootTaskID: "root-1", TaskID: "t", Type: EventTaskStatus})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestReplaySince(t *testing.T) {
	m := NewManager(16)
	for i := 0; i < 5; i++ {
		m.Publish(Event{RootTaskID: "root-1", TaskID: "t", Type: EventTaskStatus})
	}

	events := m.ReplaySince("root-1", 1)
	require.Len(t, events, 3)
	require.Equal(t, uint64(2), events[0].Seq)
	require.Equal(t, uint64(4), events[2].Seq)

	require.Nil(t, m.ReplaySince("unknown", 0))
}

func TestReplayBoundedByCapacity(t *testing.T) {
	m := NewManager(4)
	for i := 0; i < 10; i++ {
		m.Publish(Event{RootTaskID: "root-1", TaskID: "t", Type: EventTaskStatus})
	}

	events := m.ReplaySince("root-1", 0)
	require.Len(t, events, 4)
	require.Equal(t, uint64(6), events[0].Seq)
}

func TestForgetDropsHistory(t *testing.T) {
	m := NewManager(16)
	m.Publish(Event{RootTaskID: "root-1", TaskID: "t", Type: EventQueryDone})
	m.Forget("root-1")
	require.Nil(t, m.ReplaySince("root-1", 0))
}

// Subscribers dropping their connection while the engine is mid-publish
// must never crash delivery.
func TestPublishDuringSubscriberChurn(t *testing.T) {
	m := NewManager(16)
	done := make(chan struct{})
	var wg sync.WaitGroup

	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					m.Publish(Event{RootTaskID: "root-1", Type: EventTaskStatus})
				}
			}
		}()
	}
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					ch := m.Subscribe("root-1", 1)
					m.Unsubscribe("root-1", ch)
				}
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	close(done)
	wg.Wait()
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("root-1", 1)
	m.Unsubscribe("root-1", ch)

	_, open := <-ch
	require.False(t, open)
}
