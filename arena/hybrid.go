// Package arena implements the out-of-band allocation machinery: the
// request/response queues a module's client writes into, and the kernel-side
// hybrid allocator that answers them. Tiny objects go to a slab, everything
// else to a buddy allocator; both hand out offsets into the arena region of
// the shared buffer.
package arena

import (
	"fmt"
	"sync/atomic"

	"github.com/nmxmxh/inos-v1-sub001/sab"
)

const (
	// Zone split inside the arena's free area.
	slabZoneSize = 1024 * 1024
)

// Hybrid routes allocations by size: ≤256 B to the slab, larger to the
// buddy. Requests between the slab ceiling and the minimum buddy block are
// rounded up to one 4KiB block.
type Hybrid struct {
	slab  *Slab
	buddy *Buddy

	totalAllocated atomic.Uint64
	allocCount     atomic.Uint64
	freeCount      atomic.Uint64
}

// NewHybrid lays the slab and buddy zones over the arena's free area for
// view's buffer size. The free area starts past the fixed metadata and the
// request/response queues.
func NewHybrid(view *sab.View) *Hybrid {
	slabBase := sab.AlignOffset(sab.OffsetArenaFree, slabPageSize)
	buddyBase := slabBase + slabZoneSize
	buddySize := (view.Size() - buddyBase) &^ (minBuddySize - 1)
	return &Hybrid{
		slab:  NewSlab(slabBase, slabZoneSize),
		buddy: NewBuddy(view, buddyBase, buddySize),
	}
}

// Allocate returns an 8-byte-aligned offset for size bytes, or OutOfMemory.
// Slab classes and buddy blocks are both naturally 8-byte aligned, so no
// extra padding is needed.
func (h *Hybrid) Allocate(size uint32) (uint32, error) {
	if size == 0 {
		return 0, sab.NewError(sab.KindOutOfMemory, "arena.Hybrid.Allocate").
			WithErr(fmt.Errorf("zero-size allocation"))
	}

	var offset uint32
	var err error
	if size <= SlabMax {
		offset, err = h.slab.Allocate(size)
		if err != nil {
			// Slab zone exhausted; a buddy block still satisfies the request.
			offset, err = h.buddy.Allocate(minBuddySize)
		}
	} else {
		offset, err = h.buddy.Allocate(size)
	}
	if err != nil {
		return 0, err
	}

	h.totalAllocated.Add(uint64(size))
	h.allocCount.Add(1)
	return offset, nil
}

// Free releases offset to whichever zone owns it.
func (h *Hybrid) Free(offset uint32) error {
	var err error
	switch {
	case h.slab.Owns(offset):
		err = h.slab.Free(offset)
	case h.buddy.Owns(offset):
		err = h.buddy.Free(offset)
	default:
		return sab.NewError(sab.KindOutOfBounds, "arena.Hybrid.Free").WithRegion("Arena", offset)
	}
	if err == nil {
		h.freeCount.Add(1)
	}
	return err
}

// Stats is a point-in-time allocation summary.
type Stats struct {
	TotalAllocated uint64
	AllocCount     uint64
	FreeCount      uint64
}

func (h *Hybrid) GetStats() Stats {
	return Stats{
		TotalAllocated: h.totalAllocated.Load(),
		AllocCount:     h.allocCount.Load(),
		FreeCount:      h.freeCount.Load(),
	}
}
