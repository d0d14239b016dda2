package notify

import (
	"testing"
	"time"

	"github.com/beakon/outreach"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()

	a, cancelA := bus.Subscribe()
	b, cancelB := bus.Subscribe()
	defer cancelA()
	defer cancelB()

	n := outreach.Notification{MessageID: "m1", RecipientEmail: "lead@example.com"}
	bus.ReplyReceived(n)

	select {
	case got := <-a:
		assert.Equal(t, "m1", got.MessageID)
	case <-time.After(time.Second):
		t.Fatal("subscriber a never got the notification")
	}
	select {
	case got := <-b:
		assert.Equal(t, "m1", got.MessageID)
	case <-time.After(time.Second):
		t.Fatal("subscriber b never got the notification")
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// publishing after cancel must not panic
	bus.ReplyReceived(outreach.Notification{MessageID: "m2"})
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 100; i++ {
		bus.ReplyReceived(outreach.Notification{MessageID: "m"})
	}

	// the buffer holds some, the rest were dropped, nothing blocked
	var got int
	for {
		select {
		case <-ch:
			got++
			continue
		default:
		}
		break
	}
	require.Greater(t, got, 0)
	assert.LessOrEqual(t, got, 16)
}

func TestMulti(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	m := Multi{Discard, bus}
	m.ReplyReceived(outreach.Notification{MessageID: "m3"})

	select {
	case got := <-ch:
		assert.Equal(t, "m3", got.MessageID)
	case <-time.After(time.Second):
		t.Fatal("multi never reached the bus")
	}
}
