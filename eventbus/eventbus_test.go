package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type ping struct{ N int }
type pong struct{ N int }

func TestPublishDispatchesByType(t *testing.T) {
	b := New()
	var pings, pongs []int
	Subscribe(b, func(_ context.Context, e ping) { pings = append(pings, e.N) })
	Subscribe(b, func(_ context.Context, e pong) { pongs = append(pongs, e.N) })

	Publish(b, context.Background(), ping{N: 1})
	Publish(b, context.Background(), pong{N: 2})
	Publish(b, context.Background(), ping{N: 3})

	require.Equal(t, []int{1, 3}, pings)
	require.Equal(t, []int{2}, pongs)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	var first, second int
	unsub := Subscribe(b, func(context.Context, ping) { first++ })
	Subscribe(b, func(context.Context, ping) { second++ })

	Publish(b, context.Background(), ping{})
	unsub()
	unsub()
	Publish(b, context.Background(), ping{})

	require.Equal(t, 1, first)
	require.Equal(t, 2, second)
}

func TestNilBus(t *testing.T) {
	var b *Bus
	unsub := Subscribe(b, func(context.Context, ping) { t.Fatal("called") })
	Publish(b, context.Background(), ping{})
	unsub()
}
