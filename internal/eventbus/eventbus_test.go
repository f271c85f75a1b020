package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	var order []string

	b.Subscribe("topic", func(topic string, payload any) { order = append(order, "first") })
	b.Subscribe("topic", func(topic string, payload any) { order = append(order, "second") })

	b.Publish("topic", 42)

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestWildcardReceivesEveryTopic(t *testing.T) {
	b := New()
	var seen []string
	b.SubscribeAll(func(topic string, payload any) { seen = append(seen, topic) })

	b.Publish("a", nil)
	b.Publish("b", nil)

	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	sub := b.Subscribe("topic", func(topic string, payload any) { count++ })

	b.Publish("topic", nil)
	sub.Unsubscribe()
	b.Publish("topic", nil)

	assert.Equal(t, 1, count)
}

func TestPanickingHandlerDoesNotBlockLaterHandlers(t *testing.T) {
	b := New()
	ran := false
	b.Subscribe("topic", func(topic string, payload any) { panic("boom") })
	b.Subscribe("topic", func(topic string, payload any) { ran = true })

	assert.NotPanics(t, func() { b.Publish("topic", nil) })
	assert.True(t, ran)
}

func TestClearRemovesAllSubscribers(t *testing.T) {
	b := New()
	count := 0
	b.Subscribe("topic", func(topic string, payload any) { count++ })
	b.SubscribeAll(func(topic string, payload any) { count++ })

	b.Clear()
	b.Publish("topic", nil)

	assert.Equal(t, 0, count)
}
