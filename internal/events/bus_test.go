package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutPerTopic(t *testing.T) {
	b := NewBus()
	a, unsubA := b.Subscribe(EventOrderUpdate, 1)
	defer unsubA()
	c, unsubC := b.Subscribe(EventOrderUpdate, 1)
	defer unsubC()
	alerts, unsubAlerts := b.Subscribe(EventAlert, 1)
	defer unsubAlerts()

	b.Publish(EventOrderUpdate, OrderUpdate{CommandID: "c1"})

	for _, ch := range []<-chan any{a, c} {
		select {
		case msg := <-ch:
			assert.Equal(t, "c1", msg.(OrderUpdate).CommandID)
		default:
			t.Fatal("subscriber missed the update")
		}
	}
	assert.Empty(t, alerts)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventAlert, 1)
	defer unsub()

	b.Publish(EventAlert, Alert{Kind: AlertExitRejected})
	b.Publish(EventAlert, Alert{Kind: AlertRiskForceExit})

	assert.EqualValues(t, 1, b.Dropped())
	msg := <-ch
	assert.Equal(t, AlertExitRejected, msg.(Alert).Kind)
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventRiskBreach, 1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)

	// Publishing to a topic with no subscribers is a no-op.
	b.Publish(EventRiskBreach, RiskBreach{ClientID: "x"})
	assert.Zero(t, b.Dropped())
}
