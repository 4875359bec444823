package jaxmpp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Disconnected, Connecting, true},
		{Disconnected, Connected, false},
		{Disconnected, Disconnecting, false},
		{Connecting, Connected, true},
		{Connecting, Disconnecting, true},
		{Connecting, Disconnected, true},
		{Connected, Connecting, false},
		{Connected, Disconnecting, true},
		{Connected, Disconnected, true},
		{Disconnecting, Connected, false},
		{Disconnecting, Disconnected, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, transitionAllowed(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestLifecycleEvents(t *testing.T) {
	bus := &recorder{}
	sess := NewContext("example.org")
	lc := newLifecycle(TransportSocket, sess, bus, nil, nil)

	require.NoError(t, lc.start())
	assert.ErrorIs(t, lc.start(), ErrAlreadyStarted)
	assert.True(t, lc.markConnected())
	assert.False(t, lc.markConnected())
	assert.True(t, lc.markDisconnecting())
	assert.True(t, lc.markDisconnected())
	assert.False(t, lc.markDisconnected())

	assert.Equal(t, 4, bus.count("state-changed"))
	assert.Equal(t, 1, bus.count("connected"))
	assert.Equal(t, 1, bus.count("stream-terminated"))
	assert.False(t, sess.StateChangedAt().IsZero())
	assert.Equal(t, Disconnected, lc.State())
}

func TestLifecycleRejectsIllegalEdge(t *testing.T) {
	bus := &recorder{}
	lc := newLifecycle(TransportSocket, nil, bus, nil, nil)
	assert.False(t, lc.setState(Connected))
	assert.Equal(t, Disconnected, lc.State())
	assert.Zero(t, bus.count("state-changed"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "unknown", State(42).String())
}
