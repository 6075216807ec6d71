package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewEvent(t *testing.T) {
	e := NewEvent("E", 42)
	assert.Equal(t, "E", e.Name())
	assert.Equal(t, 42, e.Data())
	assert.False(t, e.Bubbles())
	assert.False(t, e.Broadcasts())
	assert.Nil(t, e.Target())
	assert.Equal(t, "E", e.String())

	e = NewEvent("E", nil, AsBubble(), AsBroadcast())
	assert.True(t, e.Bubbles())
	assert.True(t, e.Broadcasts())
}

func TestEventTargetSetOnce(t *testing.T) {
	sys := newTestSystem(t)
	a := sys.NewWorker(nil, WithName("a"))
	b := sys.NewWorker(nil, WithName("b"))

	e := NewEvent("E", nil)
	e.setTargetIfUnset(a)
	e.setTargetIfUnset(b)
	assert.Same(t, a, e.Target())
	assert.Equal(t, "E@a", e.String())

	explicit := NewEvent("E", nil, WithTarget(b))
	explicit.setTargetIfUnset(a)
	assert.Same(t, b, explicit.Target())
}
