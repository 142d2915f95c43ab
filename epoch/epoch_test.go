package epoch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos-v1-sub001/sab"
)

func newTestView(t *testing.T) *sab.View {
	t.Helper()
	require.NoError(t, sab.Validate(sab.SizeDefault))
	return sab.NewView(sab.NewInMemoryProvider(sab.SizeDefault))
}

func TestEpoch_IncrementAndValue(t *testing.T) {
	view := newTestView(t)
	ep, err := New(view, sab.IdxSensorEpoch)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, ep.Increment())
		val, err := ep.Value()
		require.NoError(t, err)
		assert.Equal(t, uint32(i), val)
	}
}

func TestEpoch_Monotonic(t *testing.T) {
	view := newTestView(t)
	ep, err := New(view, sab.IdxActorEpoch)
	require.NoError(t, err)

	prev := uint32(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, ep.Increment())
		val, err := ep.Value()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, val, prev)
		prev = val
	}
}

func TestEpoch_HasChanged(t *testing.T) {
	view := newTestView(t)
	writer, err := New(view, sab.IdxStorageEpoch)
	require.NoError(t, err)
	reader, err := writer.Reader()
	require.NoError(t, err)

	changed, err := reader.HasChanged()
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, writer.Increment())

	changed, err = reader.HasChanged()
	require.NoError(t, err)
	assert.True(t, changed)

	// Second poll without a new increment sees nothing.
	changed, err = reader.HasChanged()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestEpoch_WaitForChange(t *testing.T) {
	view := newTestView(t)
	writer, err := New(view, sab.IdxMetricsEpoch)
	require.NoError(t, err)
	reader, err := writer.Reader()
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var woke bool
	go func() {
		defer wg.Done()
		woke, _ = reader.WaitForChange(2 * time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, writer.Increment())
	wg.Wait()
	assert.True(t, woke)
}

func TestEpoch_WaitForChange_Timeout(t *testing.T) {
	view := newTestView(t)
	ep, err := New(view, sab.IdxHealthEpoch)
	require.NoError(t, err)

	start := time.Now()
	woke, err := ep.WaitForChange(30 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, woke)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestEpoch_SystemRollup(t *testing.T) {
	view := newTestView(t)
	sensor, err := New(view, sab.IdxSensorEpoch)
	require.NoError(t, err)
	system, err := New(view, sab.IdxSystemEpoch)
	require.NoError(t, err)

	require.NoError(t, sensor.Increment())
	val, err := system.Value()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), val, "rollup epoch must follow member increments")

	// The system epoch itself must not recurse into the rollup.
	require.NoError(t, system.Increment())
	val, err = system.Value()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), val)
}
