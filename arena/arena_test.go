package arena

import (
	"context"
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

func TestSlab_AllocateFree(t *testing.T) {
	s := NewSlab(sab.OffsetArenaFree, slabZoneSize)

	a, err := s.Allocate(24)
	require.NoError(t, err)
	b, err := s.Allocate(24)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Zero(t, a%8, "slab offsets are 8-byte aligned")

	require.NoError(t, s.Free(a))
	c, err := s.Allocate(24)
	require.NoError(t, err)
	assert.Equal(t, a, c, "freed object is reused first")
}

func TestSlab_DoubleFree(t *testing.T) {
	s := NewSlab(sab.OffsetArenaFree, slabZoneSize)
	a, err := s.Allocate(8)
	require.NoError(t, err)
	require.NoError(t, s.Free(a))
	assert.ErrorIs(t, s.Free(a), sab.ErrOutOfBounds)
}

func TestSlab_RejectsOversize(t *testing.T) {
	s := NewSlab(sab.OffsetArenaFree, slabZoneSize)
	_, err := s.Allocate(SlabMax + 1)
	assert.ErrorIs(t, err, sab.ErrOutOfMemory)
}

func TestBuddy_AllocateFreeCoalesce(t *testing.T) {
	view := newTestView(t)
	base := sab.AlignOffset(sab.OffsetArenaFree, minBuddySize)
	b := NewBuddy(view, base, maxBuddySize)

	// Two half-size blocks exhaust the zone.
	a1, err := b.Allocate(maxBuddySize / 2)
	require.NoError(t, err)
	a2, err := b.Allocate(maxBuddySize / 2)
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)

	_, err = b.Allocate(minBuddySize)
	assert.ErrorIs(t, err, sab.ErrOutOfMemory)

	// After freeing both, coalescing restores the full block.
	require.NoError(t, b.Free(a1))
	require.NoError(t, b.Free(a2))
	full, err := b.Allocate(maxBuddySize)
	require.NoError(t, err)
	assert.Equal(t, base, full)
}

func TestBuddy_SmallRoundsToMinBlock(t *testing.T) {
	view := newTestView(t)
	base := sab.AlignOffset(sab.OffsetArenaFree, minBuddySize)
	b := NewBuddy(view, base, maxBuddySize)

	a1, err := b.Allocate(100)
	require.NoError(t, err)
	a2, err := b.Allocate(100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, absDiff(a1, a2), uint32(minBuddySize))
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestHybrid_Routing(t *testing.T) {
	view := newTestView(t)
	h := NewHybrid(view)

	tiny, err := h.Allocate(64)
	require.NoError(t, err)
	assert.True(t, h.slab.Owns(tiny))

	big, err := h.Allocate(8192)
	require.NoError(t, err)
	assert.True(t, h.buddy.Owns(big))

	// The awkward middle (256 < size < 4096) takes a full buddy block.
	mid, err := h.Allocate(1024)
	require.NoError(t, err)
	assert.True(t, h.buddy.Owns(mid))

	require.NoError(t, h.Free(tiny))
	require.NoError(t, h.Free(big))
	require.NoError(t, h.Free(mid))

	stats := h.GetStats()
	assert.Equal(t, uint64(3), stats.AllocCount)
	assert.Equal(t, uint64(3), stats.FreeCount)
}

func TestHybrid_FreeUnknownOffset(t *testing.T) {
	view := newTestView(t)
	h := NewHybrid(view)
	assert.ErrorIs(t, h.Free(sab.OffsetAtomicFlags), sab.ErrOutOfBounds)
}

func TestClientServer_RoundTrip(t *testing.T) {
	view := newTestView(t)
	server, err := NewServer(view, nil)
	require.NoError(t, err)
	client, err := NewClient(view)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Run(ctx) }()

	offset, err := client.Allocate(1024, "compute")
	require.NoError(t, err)
	assert.NotZero(t, offset)
	assert.Zero(t, offset%8)

	// Free is fire-and-forget; the slot must be reusable afterwards.
	require.NoError(t, client.Free(offset, "compute"))

	again, err := client.Allocate(1024, "compute")
	require.NoError(t, err)
	assert.NotZero(t, again)
}

func TestClientServer_OOM(t *testing.T) {
	view := newTestView(t)
	server, err := NewServer(view, nil)
	require.NoError(t, err)
	client, err := NewClient(view, WithResponseTimeout(2*time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Run(ctx) }()

	// Larger than the buddy's max block: always refused.
	_, err = client.Allocate(2*1024*1024, "ml")
	assert.ErrorIs(t, err, sab.ErrOutOfMemory)
}

func TestClient_TimeoutWithoutServer(t *testing.T) {
	view := newTestView(t)
	client, err := NewClient(view, WithResponseTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = client.Allocate(64, "storage")
	assert.ErrorIs(t, err, sab.ErrTimeout)
}

func TestOwnerHash_Stable(t *testing.T) {
	assert.Equal(t, OwnerHash("ml"), OwnerHash("ml"))
	assert.NotEqual(t, OwnerHash("ml"), OwnerHash("storage"))
}
