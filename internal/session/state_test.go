package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Disconnected, Connecting, true},
		{Disconnected, Connected, false},
		{Connecting, Connected, true},
		{Connecting, Disconnected, true},
		{Connecting, AwaitingLogin, false},
		{Connected, AwaitingLogin, true},
		{Connected, Disconnected, true},
		{Connected, Connecting, false},
		{AwaitingLogin, Connected, true},
		{AwaitingLogin, Disconnected, true},
		{AwaitingLogin, AwaitingLogin, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCheckTransitionWrapsSentinel(t *testing.T) {
	err := checkTransition(Disconnected, Connected)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "DISCONNECTED -> CONNECTED")
	assert.NoError(t, checkTransition(Disconnected, Connecting))
}

func TestStateLinked(t *testing.T) {
	assert.True(t, Connected.linked())
	assert.True(t, AwaitingLogin.linked())
	assert.False(t, Connecting.linked())
	assert.False(t, Disconnected.linked())
}
