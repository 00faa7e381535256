package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesTopicAndWildcard(t *testing.T) {
	b := NewBus()
	topic, unsubTopic := b.Subscribe(EventOrderFilled, 1)
	all, unsubAll := b.Subscribe(All, 4)
	defer unsubTopic()
	defer unsubAll()

	b.Emit(EventOrderFilled, "acct", "paper", "fill")
	b.Emit(EventStateTransition, "acct", "paper", "drain")

	got := <-topic
	assert.Equal(t, "fill", got.Payload)
	assert.Equal(t, "acct", got.Account)
	assert.Len(t, all, 2)
	assert.Empty(t, topic)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventAccountAlert, 1)
	defer unsub()
	for i := 0; i < 10; i++ {
		b.Emit(EventAccountAlert, "acct", "x", i)
	}
	require.Len(t, ch, 1)
	assert.Equal(t, 0, (<-ch).Payload)
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventAccountDisabled, 1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Emit(EventAccountDisabled, "a", "x", nil)
}

func TestNilBusEmit(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, func() { b.Emit(EventOrderFailed, "a", "x", nil) })
}
