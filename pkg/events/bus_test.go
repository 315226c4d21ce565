package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	bus.Publish(Event{Type: StepStart, ThreadID: "t1"})
	bus.Publish(Event{Type: ToolResult, ThreadID: "t1"})

	first := <-ch
	second := <-ch
	assert.Equal(t, StepStart, first.Type)
	assert.Equal(t, ToolResult, second.Type)
	assert.Less(t, first.Seq, second.Seq)
	assert.NotZero(t, first.Timestamp)
}

func TestBusTypeFilter(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(8, SwarmComplete)
	defer cancel()

	bus.Publish(Event{Type: WorkerStatus})
	bus.Publish(Event{Type: SwarmComplete, SwarmID: "s1"})

	select {
	case evt := <-ch:
		assert.Equal(t, SwarmComplete, evt.Type)
		assert.Equal(t, "s1", evt.SwarmID)
	case <-time.After(time.Second):
		t.Fatal("expected swarm_complete")
	}
	assert.Empty(t, ch)
}

func TestBusNeverBlocks(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: StepStart})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, int64(99), bus.Dropped())
}

func TestBusCancel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	require.Equal(t, 1, bus.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, bus.Subscribers())

	_, ok := <-ch
	assert.False(t, ok)

	bus.Publish(Event{Type: StepStart})
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	ch1, cancel1 := bus.Subscribe(1)
	ch2, _ := bus.Subscribe(1)

	bus.Close()
	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)
	cancel1()
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop{}, OrNop(nil))
	bus := NewBus()
	assert.Same(t, bus, OrNop(bus))
	OrNop(nil).Publish(Event{Type: StepStart})
}
