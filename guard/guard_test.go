package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos-v1-sub001/epoch"
	"github.com/nmxmxh/inos-v1-sub001/sab"
)

func newTestGuard(t *testing.T) (*Guard, *sab.View) {
	t.Helper()
	require.NoError(t, sab.Validate(sab.SizeDefault))
	view := sab.NewView(sab.NewInMemoryProvider(sab.SizeDefault))
	return New(view), view
}

func TestValidateRead_Masks(t *testing.T) {
	g, _ := newTestGuard(t)

	// Inbox: kernel writes, module reads.
	require.NoError(t, g.ValidateRead(sab.OffsetInboxBase, 64, sab.OwnerModule))
	err := g.ValidateRead(sab.OffsetInboxBase, 64, sab.OwnerHost)
	assert.ErrorIs(t, err, sab.ErrUnauthorized)
}

func TestValidateWrite_Masks(t *testing.T) {
	g, _ := newTestGuard(t)

	require.NoError(t, g.ValidateWrite(sab.OffsetOutboxBase, 64, sab.OwnerModule))
	err := g.ValidateWrite(sab.OffsetOutboxBase, 64, sab.OwnerKernel)
	assert.ErrorIs(t, err, sab.ErrUnauthorized)
}

func TestValidate_OutOfBounds(t *testing.T) {
	g, _ := newTestGuard(t)

	// Crossing the end of a region is a violation even when both masks allow.
	err := g.ValidateWrite(sab.OffsetBloomFilter+sab.SizeBloomFilter-4, 64, sab.OwnerKernel)
	assert.ErrorIs(t, err, sab.ErrOutOfBounds)

	err = g.ValidateRead(sab.SizeDefault-4, 64, sab.OwnerKernel)
	assert.ErrorIs(t, err, sab.ErrOutOfBounds)
}

func TestAcquire_SingleWriterLock(t *testing.T) {
	g, _ := newTestGuard(t)

	wg1, err := g.Acquire(sab.OffsetOutboxBase, 64, sab.OwnerModule, 3)
	require.NoError(t, err)

	_, err = g.Acquire(sab.OffsetOutboxBase, 64, sab.OwnerModule, 4)
	assert.ErrorIs(t, err, sab.ErrRegionLocked)

	require.NoError(t, wg1.Commit())
	require.NoError(t, wg1.Release())

	wg2, err := g.Acquire(sab.OffsetOutboxBase, 64, sab.OwnerModule, 4)
	require.NoError(t, err)
	require.NoError(t, wg2.Commit())
	require.NoError(t, wg2.Release())
}

func TestAcquire_ZeroOwnerRejected(t *testing.T) {
	g, _ := newTestGuard(t)
	_, err := g.Acquire(sab.OffsetOutboxBase, 64, sab.OwnerModule, 0)
	assert.ErrorIs(t, err, sab.ErrUnauthorized)
}

func TestRelease_WithoutCommitRaisesViolation(t *testing.T) {
	g, _ := newTestGuard(t)

	before, err := g.Violations()
	require.NoError(t, err)

	wg, err := g.Acquire(sab.OffsetOutboxBase, 64, sab.OwnerModule, 3)
	require.NoError(t, err)
	require.NoError(t, wg.Release())

	after, err := g.Violations()
	require.NoError(t, err)
	assert.Equal(t, before["Outbox"]+1, after["Outbox"])
}

func TestRelease_AfterCommitIsClean(t *testing.T) {
	g, view := newTestGuard(t)

	wg, err := g.Acquire(sab.OffsetOutboxBase, 64, sab.OwnerModule, 3)
	require.NoError(t, err)
	require.NoError(t, wg.Commit())
	require.NoError(t, wg.Release())

	vs, err := g.Violations()
	require.NoError(t, err)
	assert.Zero(t, vs["Outbox"])

	// Commit published through the region's epoch index.
	ep, err := epoch.New(view, sab.IdxOutboxDirtyKernel)
	require.NoError(t, err)
	val, err := ep.Value()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), val)
}

func TestMultiWriter_RecordsLastWriter(t *testing.T) {
	g, _ := newTestGuard(t)

	wg, err := g.Acquire(sab.OffsetPatternExchange, 64, sab.OwnerModule, 9)
	require.NoError(t, err)
	require.NoError(t, wg.Release())

	last, err := g.LastWriter("PatternExchange")
	require.NoError(t, err)
	assert.Equal(t, uint32(9), last)
}

func TestViolations_UnknownBucket(t *testing.T) {
	g, _ := newTestGuard(t)

	// Host-private zone: no catalog region.
	err := g.ValidateWrite(0x000200, 16, sab.OwnerHost)
	assert.ErrorIs(t, err, sab.ErrOutOfBounds)

	vs, err := g.Violations()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), vs["unknown"])

	require.NoError(t, g.ClearViolations())
	vs, err = g.Violations()
	require.NoError(t, err)
	assert.Zero(t, vs["unknown"])
}
