package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos-v1-sub001/arena"
	"github.com/nmxmxh/inos-v1-sub001/registry"
	"github.com/nmxmxh/inos-v1-sub001/sab"
)

func TestBuilder_FlagsAndFence(t *testing.T) {
	view, err := NewBuilder(sab.SizeDefault).
		WithFlag(sab.IdxKernelReady, 1).
		WithContextHash(7).
		Build()
	require.NoError(t, err)

	ready, err := view.Load(sab.FlagOffset(sab.IdxKernelReady))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ready)

	cur, err := sab.NewFence(view).Current()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), cur)
}

func TestBuilder_CoreModulesVisible(t *testing.T) {
	view, err := NewBuilder(sab.SizeDefault).WithCoreModules().Build()
	require.NoError(t, err)

	// A fresh registry handle over the same buffer sees the fixtures.
	reg, err := registry.New(view, arena.NewHybrid(view))
	require.NoError(t, err)

	ml, found, err := reg.Lookup("ml")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, ml.Dependencies, 2)

	order, err := reg.DependencyOrder()
	require.NoError(t, err)
	assert.NotEmpty(t, order)
}

func TestBuilder_ClampsUndersizedBuffer(t *testing.T) {
	view := NewBuilder(1024).MustBuild()
	assert.Equal(t, uint32(sab.SizeMin), view.Size())
}
