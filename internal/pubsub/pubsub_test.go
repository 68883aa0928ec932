package pubsub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllListeners(t *testing.T) {
	hub := NewHub[int]()
	var first, second []int
	hub.Subscribe(func(v int) { first = append(first, v) })
	hub.Subscribe(func(v int) { second = append(second, v) })

	hub.Publish(1)
	hub.Publish(2)
	require.Equal(t, []int{1, 2}, first)
	require.Equal(t, []int{1, 2}, second)
}

func TestEarlyEventsReplayToFirstSubscriber(t *testing.T) {
	hub := NewHub[string]()
	hub.Publish("a")
	hub.Publish("b")

	var got []string
	hub.Subscribe(func(v string) { got = append(got, v) })
	require.Equal(t, []string{"a", "b"}, got)

	// Replay happens once; a later subscriber sees only new events.
	var late []string
	hub.Subscribe(func(v string) { late = append(late, v) })
	require.Empty(t, late)

	hub.Publish("c")
	require.Equal(t, []string{"a", "b", "c"}, got)
	require.Equal(t, []string{"c"}, late)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub[int]()
	var got []int
	unsubscribe := hub.Subscribe(func(v int) { got = append(got, v) })
	hub.Publish(1)
	unsubscribe()
	hub.Publish(2)
	require.Equal(t, []int{1}, got)
}
