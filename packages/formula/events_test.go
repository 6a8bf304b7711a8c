package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventHubOrder(t *testing.T) {
	hub := newEventHub()
	var calls []string
	first := hub.add(func(Event) { calls = append(calls, "first") })
	var second *Subscription
	second = hub.add(func(Event) {
		calls = append(calls, "second")
		second.Unsubscribe()
	})
	hub.add(func(Event) { calls = append(calls, "third") })

	hub.emit(Event{Kind: EventProgress})
	assert.Equal(t, []string{"first", "second", "third"}, calls)

	calls = nil
	first.Unsubscribe()
	hub.emit(Event{Kind: EventCompleted})
	assert.Equal(t, []string{"third"}, calls)
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "IDLE", StageIdle.String())
	assert.Equal(t, "CURRENTLY_CALCULATING_ARRAY_FORMULA", StageCurrentlyCalculatingArrayFormula.String())
	assert.Equal(t, "Stage(42)", Stage(42).String())
}
