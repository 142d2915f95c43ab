// Package guard implements the region guard: per-region access policy
// enforcement backed by a fixed guard table inside the shared buffer, so a
// caller that writes outside its declared region or outside its owner mask
// fails fast instead of corrupting a neighboring region, and violation
// counts are visible to every participant, not just the process that raised
// them.
package guard

import (
	"fmt"

	"github.com/nmxmxh/inos-v1-sub001/epoch"
	"github.com/nmxmxh/inos-v1-sub001/sab"
)

// Guard validates every access against the region catalog for one buffer
// size. Each region owns a 16-byte guard-table record in the SMB: a lock
// word for single-writer acquisition, a violation counter, the epoch value
// latched at acquisition, and the last writer's owner id.
type Guard struct {
	view    *sab.View
	regions []sab.Region
	index   map[string]int
}

// New builds a guard over every region in the catalog for view's buffer size.
func New(view *sab.View) *Guard {
	regions := sab.Catalog(view.Size())
	index := make(map[string]int, len(regions))
	for i, r := range regions {
		index[r.Name] = i
	}
	return &Guard{view: view, regions: regions, index: index}
}

func (g *Guard) entryOffset(regionIdx int, word uint32) uint32 {
	return sab.OffsetGuardTable + uint32(regionIdx)*sab.GuardEntrySize + word
}

func (g *Guard) findRegion(offset uint32) (int, *sab.Region) {
	for i := range g.regions {
		r := &g.regions[i]
		if offset >= r.Offset && offset < r.Offset+r.Size {
			return i, r
		}
	}
	return -1, nil
}

// recordViolation bumps the region's counter in the guard table. Out-of-range
// offsets that match no region are charged to the last table entry, which the
// catalog never assigns to a real region.
func (g *Guard) recordViolation(regionIdx int) {
	if regionIdx < 0 {
		regionIdx = int(sab.SizeGuardTable/sab.GuardEntrySize) - 1
	}
	_, _ = g.view.Add(g.entryOffset(regionIdx, sab.GuardWordViolations), 1)
}

// checkAccess validates an access of size bytes at offset by owner, either
// for reading or writing, against region policy.
func (g *Guard) checkAccess(offset, size uint32, owner sab.OwnerMask, write bool) (int, *sab.Region, error) {
	op := "guard.ValidateRead"
	if write {
		op = "guard.ValidateWrite"
	}

	if offset+size > g.view.Size() {
		g.recordViolation(-1)
		return -1, nil, sab.NewError(sab.KindOutOfBounds, op).WithRegion("", offset)
	}

	idx, region := g.findRegion(offset)
	if region == nil {
		g.recordViolation(-1)
		return -1, nil, sab.NewError(sab.KindOutOfBounds, op).WithRegion("", offset)
	}

	if offset+size > region.Offset+region.Size {
		g.recordViolation(idx)
		return idx, region, sab.NewError(sab.KindOutOfBounds, op).WithRegion(region.Name, offset)
	}

	mask := region.ReaderMask
	if write {
		mask = region.WriterMask
	}
	if mask&owner == 0 {
		g.recordViolation(idx)
		return idx, region, sab.NewError(sab.KindUnauthorized, op).WithRegion(region.Name, offset)
	}

	if write && region.Access == sab.ReadOnly {
		g.recordViolation(idx)
		return idx, region, sab.NewError(sab.KindUnauthorized, op).WithRegion(region.Name, offset)
	}

	return idx, region, nil
}

// ValidateRead checks that owner may read size bytes at offset.
func (g *Guard) ValidateRead(offset, size uint32, owner sab.OwnerMask) error {
	_, _, err := g.checkAccess(offset, size, owner, false)
	return err
}

// ValidateWrite checks that owner may write size bytes at offset.
func (g *Guard) ValidateWrite(offset, size uint32, owner sab.OwnerMask) error {
	_, _, err := g.checkAccess(offset, size, owner, true)
	return err
}

// WriteGuard is a held write permit. For a single-writer region it holds the
// region's lock word until Release; for every region with an epoch index it
// remembers the epoch value seen at acquisition so Release can verify the
// holder actually published.
type WriteGuard struct {
	guard     *Guard
	regionIdx int
	region    *sab.Region
	ownerID   uint32
	locked    bool
	latched   uint32
	ep        *epoch.Epoch
}

// Acquire validates the write and takes the region's write permit. ownerID
// identifies the acquiring actor in the lock word and must be non-zero.
//
// SingleWriter regions CAS the lock word 0 -> ownerID and fail with
// RegionLocked while another holder is inside. MultiWriter regions take no
// lock but record ownerID as the last writer for diagnostics.
func (g *Guard) Acquire(offset, size uint32, owner sab.OwnerMask, ownerID uint32) (*WriteGuard, error) {
	if ownerID == 0 {
		return nil, sab.NewError(sab.KindUnauthorized, "guard.Acquire").
			WithErr(fmt.Errorf("owner id must be non-zero"))
	}

	idx, region, err := g.checkAccess(offset, size, owner, true)
	if err != nil {
		return nil, err
	}

	wg := &WriteGuard{guard: g, regionIdx: idx, region: region, ownerID: ownerID}

	switch region.Access {
	case sab.SingleWriter:
		swapped, err := g.view.CompareExchange(g.entryOffset(idx, sab.GuardWordLock), 0, ownerID)
		if err != nil {
			return nil, err
		}
		if !swapped {
			g.recordViolation(idx)
			return nil, sab.NewError(sab.KindRegionLocked, "guard.Acquire").WithRegion(region.Name, offset)
		}
		wg.locked = true
	case sab.MultiWriter:
		if err := g.view.Store(g.entryOffset(idx, sab.GuardWordLastWriter), ownerID); err != nil {
			return nil, err
		}
	}

	if region.EpochIndex >= 0 {
		ep, err := epoch.New(g.view, region.EpochIndex)
		if err != nil {
			wg.unlock()
			return nil, err
		}
		latched, err := ep.Value()
		if err != nil {
			wg.unlock()
			return nil, err
		}
		wg.ep = ep
		wg.latched = latched
		if err := g.view.Store(g.entryOffset(idx, sab.GuardWordEpoch), latched); err != nil {
			wg.unlock()
			return nil, err
		}
	}

	return wg, nil
}

// Commit publishes the mutation by advancing the region's epoch. A region
// without an epoch index has nothing to publish and Commit is a no-op.
func (wg *WriteGuard) Commit() error {
	if wg.ep == nil {
		return nil
	}
	return wg.ep.Increment()
}

// Release drops the permit. If the region has an epoch and the holder never
// advanced it, the release still succeeds but the region's violation counter
// is bumped: the holder mutated (or could have mutated) shared state without
// telling anyone.
func (wg *WriteGuard) Release() error {
	if wg.ep != nil {
		cur, err := wg.ep.Value()
		if err != nil {
			wg.unlock()
			return err
		}
		if cur == wg.latched {
			wg.guard.recordViolation(wg.regionIdx)
		}
	}
	return wg.unlock()
}

func (wg *WriteGuard) unlock() error {
	if !wg.locked {
		return nil
	}
	wg.locked = false
	swapped, err := wg.guard.view.CompareExchange(
		wg.guard.entryOffset(wg.regionIdx, sab.GuardWordLock), wg.ownerID, 0)
	if err != nil {
		return err
	}
	if !swapped {
		return sab.NewError(sab.KindRegionLocked, "guard.Release").
			WithRegion(wg.region.Name, wg.region.Offset).
			WithErr(fmt.Errorf("lock word no longer held by owner %d", wg.ownerID))
	}
	return nil
}

// Violations returns a snapshot of the per-region counters from the guard
// table, keyed by region name.
func (g *Guard) Violations() (map[string]uint32, error) {
	out := make(map[string]uint32, len(g.regions))
	for i, r := range g.regions {
		v, err := g.view.Load(g.entryOffset(i, sab.GuardWordViolations))
		if err != nil {
			return nil, err
		}
		out[r.Name] = v
	}
	unknown, err := g.view.Load(g.entryOffset(int(sab.SizeGuardTable/sab.GuardEntrySize)-1, sab.GuardWordViolations))
	if err != nil {
		return nil, err
	}
	out["unknown"] = unknown
	return out, nil
}

// LastWriter returns the owner id recorded by the most recent multi-writer
// acquisition of the named region.
func (g *Guard) LastWriter(region string) (uint32, error) {
	idx, ok := g.index[region]
	if !ok {
		return 0, sab.NewError(sab.KindOutOfBounds, "guard.LastWriter").WithRegion(region, 0)
	}
	return g.view.Load(g.entryOffset(idx, sab.GuardWordLastWriter))
}

// ClearViolations zeroes every counter in the guard table.
func (g *Guard) ClearViolations() error {
	for i := range g.regions {
		if err := g.view.Store(g.entryOffset(i, sab.GuardWordViolations), 0); err != nil {
			return err
		}
	}
	return g.view.Store(g.entryOffset(int(sab.SizeGuardTable/sab.GuardEntrySize)-1, sab.GuardWordViolations), 0)
}
