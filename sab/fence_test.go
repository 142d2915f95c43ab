package sab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFence_EstablishOnce(t *testing.T) {
	v := newTestView(t)
	f := NewFence(v)

	swapped, err := f.Establish(7)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = f.Establish(11)
	require.NoError(t, err)
	assert.False(t, swapped, "second establish must observe the first generation")

	cur, err := f.Current()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), cur)
}

func TestFence_BootRace(t *testing.T) {
	v := newTestView(t)
	f := NewFence(v)

	// Host hasn't written a hash yet: modules must not report zombie.
	ok, err := f.IsValid(7)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFence_Trip(t *testing.T) {
	v := newTestView(t)
	f := NewFence(v)

	_, err := f.Establish(7)
	require.NoError(t, err)

	ok, err := f.IsValid(7)
	require.NoError(t, err)
	assert.True(t, ok)

	// Host reload: new generation written directly over the flag word.
	require.NoError(t, v.Store(FlagOffset(IdxContextHash), 11))

	for i := 0; i < 3; i++ {
		ok, err = f.IsValid(7)
		require.NoError(t, err)
		assert.False(t, ok, "stale module must stay invalid")
	}

	ok, err = f.IsValid(11)
	require.NoError(t, err)
	assert.True(t, ok)
}
