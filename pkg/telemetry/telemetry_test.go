package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishDeliversToSubscriber(t *testing.T) {
	b := New()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventExecutionSucceeded, ExecutionID: "exec-1"})

	select {
	case evt := <-sub:
		assert.Equal(t, EventExecutionSucceeded, evt.Type)
		assert.Equal(t, "exec-1", evt.ExecutionID)
		assert.False(t, evt.Timestamp.IsZero(), "Publish should stamp a zero timestamp")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroker_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventExecutionFailed})

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestBroker_MultipleSubscribersAllReceive(t *testing.T) {
	b := New()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(&Event{Type: EventCacheHit})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case evt := <-sub:
			assert.Equal(t, EventCacheHit, evt.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBroker_DialAMQPInvalidURL(t *testing.T) {
	b := New()
	err := b.DialAMQP("amqp://invalid-host-that-does-not-exist:5672")
	require.Error(t, err)
}
