package sab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_NonOverlap(t *testing.T) {
	regions := Catalog(SizeDefault)
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			a, b := regions[i], regions[j]
			disjoint := a.Offset+a.Size <= b.Offset || b.Offset+b.Size <= a.Offset
			assert.True(t, disjoint, "region %s overlaps region %s", a.Name, b.Name)
		}
	}
}

func TestCatalog_Alignment(t *testing.T) {
	for _, r := range Catalog(SizeDefault) {
		assert.Zero(t, r.Offset%r.Alignment, "region %s offset 0x%x not aligned to %d", r.Name, r.Offset, r.Alignment)
		assert.GreaterOrEqual(t, r.Alignment, uint32(AlignmentCacheLine), "region %s below cache-line alignment", r.Name)
	}
}

func TestValidate_SizeBounds(t *testing.T) {
	require.NoError(t, Validate(SizeDefault))
	require.NoError(t, Validate(SizeMin))
	require.NoError(t, Validate(SizeMax))

	err := Validate(SizeMin - 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLayoutMismatch)

	err = Validate(SizeMax + 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}

func TestCatalog_ArenaFillsTail(t *testing.T) {
	regions := Catalog(SizeDefault)
	arena := regions[len(regions)-1]
	require.Equal(t, "Arena", arena.Name)
	assert.Equal(t, uint32(OffsetArena), arena.Offset)
	assert.Equal(t, uint32(SizeDefault-OffsetArena), arena.Size)
}

func TestRegionAt(t *testing.T) {
	r, err := RegionAt(SizeDefault, OffsetModuleRegistry+64)
	require.NoError(t, err)
	assert.Equal(t, "ModuleRegistry", r.Name)

	// The host-private zone below the atomic flags belongs to no catalog region.
	_, err = RegionAt(SizeDefault, 0x000100)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestFlagIndices_FitFlagRegion(t *testing.T) {
	assert.Less(t, IdxContextHash, NumFixedFlags)
	assert.LessOrEqual(t, uint32(NumFixedFlags*4), uint32(SizeAtomicFlags))
	for _, idx := range SystemEpochRollup {
		assert.NotEqual(t, IdxSystemEpoch, idx)
		assert.NotEqual(t, IdxOutboxMutex, idx)
		assert.NotEqual(t, IdxInboxMutex, idx)
		assert.NotEqual(t, IdxPanicState, idx)
	}
}

func TestAlignOffset(t *testing.T) {
	assert.Equal(t, uint32(0), AlignOffset(0, 64))
	assert.Equal(t, uint32(64), AlignOffset(1, 64))
	assert.Equal(t, uint32(64), AlignOffset(64, 64))
	assert.Equal(t, uint32(4096), AlignOffset(4095, 4096))
}
