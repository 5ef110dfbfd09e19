package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBus_KeyedSubscriptions(t *testing.T) {
	bus := NewBus[string, int]()

	all := NewTestEventObserver[string, int]()
	onlyA := NewTestEventObserver[string, int]()

	bus.AddHandler(all)
	bus.AddHandler(onlyA, "a")
	require.Equal(t, 2, bus.HandlerCount())

	bus.OnEvent("a", 1)
	bus.OnEvent("b", 2)
	bus.OnEvent("a", 3)

	everything := func(string) bool { return true }
	require.Len(t, all.GetEvents(everything), 3)

	received := onlyA.GetEvents(everything)
	require.Len(t, received, 2)
	require.Equal(t, 1, received[0].Event)
	require.Equal(t, 3, received[1].Event)
}

func TestBus_SynchronousOrderedDelivery(t *testing.T) {
	bus := NewBus[string, int]()

	var order []string
	bus.AddHandler(HandlerFunc[string, int](func(_ string, _ int) {
		order = append(order, "first")
	}))
	bus.AddHandler(HandlerFunc[string, int](func(_ string, _ int) {
		order = append(order, "second")
	}))

	bus.OnEvent("k", 0)
	require.Equal(t, []string{"first", "second"}, order)
}

func TestBus_Cancel(t *testing.T) {
	bus := NewBus[string, int]()

	observer := NewTestEventObserver[string, int]()
	sub := bus.AddHandler(observer)
	require.True(t, sub.IsActive())

	bus.OnEvent("k", 1)
	sub.Cancel()
	sub.Cancel()
	require.False(t, sub.IsActive())
	require.Zero(t, bus.HandlerCount())

	bus.OnEvent("k", 2)
	require.Len(t, observer.GetEvents(func(string) bool { return true }), 1)

	var nilSub *Subscription[string, int]
	nilSub.Cancel()
	require.False(t, nilSub.IsActive())
}

func TestBus_CancelDuringDispatch(t *testing.T) {
	bus := NewBus[string, int]()

	second := NewTestEventObserver[string, int]()
	var secondSub *Subscription[string, int]

	bus.AddHandler(HandlerFunc[string, int](func(_ string, _ int) {
		secondSub.Cancel()
	}))
	secondSub = bus.AddHandler(second)

	bus.OnEvent("k", 1)
	require.Empty(t, second.GetEvents(func(string) bool { return true }))
}

func TestTestEventObserver_WaitFor(t *testing.T) {
	bus := NewBus[string, int]()
	observer := NewTestEventObserver[string, int]()
	bus.AddHandler(observer)

	go bus.OnEvent("k", 42)

	observer.WaitFor(t, func(events []*KeyAndEvent[string, int]) bool {
		return len(events) == 1 && events[0].Event == 42
	})

	observer.Reset()
	require.Empty(t, observer.GetEvents(func(string) bool { return true }))
}
