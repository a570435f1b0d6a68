package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundRoundTrip(t *testing.T) {
	b := New(4)
	b.PublishInbound(InboundMessage{Channel: "http", SenderID: "u1", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "hi", msg.Content)
}

func TestConsumeInboundStopsOnCancel(t *testing.T) {
	b := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := b.ConsumeInbound(ctx)
	assert.False(t, ok)

	_, ok = b.SubscribeOutbound(ctx)
	assert.False(t, ok)
}

func TestBroadcastFanOut(t *testing.T) {
	b := New(1)
	var got []string
	b.Subscribe("a", func(e Event) { got = append(got, "a:"+e.Name) })
	b.Subscribe("b", func(e Event) { panic("boom") })

	b.Broadcast(Event{Name: "health"})
	assert.Equal(t, []string{"a:health"}, got)

	b.Unsubscribe("a")
	b.Broadcast(Event{Name: "health"})
	assert.Len(t, got, 1)
}
