// Package registry implements the module registry: a fixed table of
// 128-byte descriptor slots in the shared buffer, located by CRC32C double
// hashing with a Bloom-filter prefilter, with dependency and capability
// side tables serialized into the arena.
package registry

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"runtime"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/inos-v1-sub001/epoch"
	"github.com/nmxmxh/inos-v1-sub001/sab"
)

// maxProbes bounds the double-hash probe sequence; exhausting it with no
// usable slot is a fatal misconfiguration (RegistryFull).
const maxProbes = sab.RegistryInlineSlots

// crcRereads bounds how often a reader retries a slot whose CRC fails,
// tolerating a concurrent writer mid-update.
const crcRereads = 3

// Allocator is the slice of the arena the registry needs: somewhere to put
// dependency and capability tables. The kernel-side hybrid allocator
// satisfies it.
type Allocator interface {
	Allocate(size uint32) (uint32, error)
}

// Registry is a handle on the shared module table. Multiple handles (and
// processes) may point at the same buffer; writers serialize through the
// registry lock word.
type Registry struct {
	view  *sab.View
	alloc Allocator
	bloom *bloom.BloomFilter
	ep    *epoch.Epoch
}

// New opens the registry over view, adopting whatever Bloom state a prior
// participant persisted into the filter region.
func New(view *sab.View, alloc Allocator) (*Registry, error) {
	ep, err := epoch.New(view, sab.IdxRegistryEpoch)
	if err != nil {
		return nil, err
	}
	r := &Registry{view: view, alloc: alloc, ep: ep}
	if err := r.loadBloom(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadBloom() error {
	raw := make([]byte, sab.SizeBloomFilter)
	if err := r.view.ReadAt(sab.OffsetBloomFilter, raw); err != nil {
		return err
	}
	words := make([]uint64, sab.BloomBits/64)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	r.bloom = bloom.From(words, sab.BloomHashes)
	return nil
}

func (r *Registry) persistBloom() error {
	words := r.bloom.BitSet().Bytes()
	raw := make([]byte, sab.SizeBloomFilter)
	for i, w := range words {
		binary.LittleEndian.PutUint64(raw[i*8:], w)
	}
	return r.view.WriteAt(sab.OffsetBloomFilter, raw)
}

// lock serializes registry writers through the lock word, spinning with the
// same bounded backoff the mailbox mutexes use.
func (r *Registry) lock(ctx context.Context) error {
	backoff := 1
	for {
		swapped, err := r.view.CompareExchange(sab.OffsetRegistryLock, 0, 1)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
		select {
		case <-ctx.Done():
			return sab.NewError(sab.KindRegionLocked, "registry.lock").WithErr(ctx.Err())
		default:
		}
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < 64 {
			backoff *= 2
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}

func (r *Registry) unlock() {
	_, _ = r.view.CompareExchange(sab.OffsetRegistryLock, 1, 0)
}

func slotOffset(index int) uint32 {
	if index < sab.RegistryInlineSlots {
		return sab.OffsetModuleRegistry + uint32(index)*sab.RegistrySlotSize
	}
	return sab.OffsetRegistryOverflow + uint32(index-sab.RegistryInlineSlots)*sab.RegistrySlotSize
}

func (r *Registry) readSlot(index int) ([sab.RegistrySlotSize]byte, error) {
	var slot [sab.RegistrySlotSize]byte
	err := r.view.ReadAt(slotOffset(index), slot[:])
	return slot, err
}

// probeSeq yields the double-hash probe sequence over the inline table,
// then the overflow slots in order.
func probeSeq(id string) []int {
	h1 := HashID(id)
	// Reduce the step to one coprime with the inline table size
	// (48 = 2^4 * 3): odd and not a multiple of 3.
	h2 := mix(h1) % sab.RegistryInlineSlots
	for h2%2 == 0 || h2%3 == 0 {
		h2++
	}
	seq := make([]int, 0, maxProbes+sab.RegistryOverflowSlots)
	for i := uint32(0); i < maxProbes; i++ {
		seq = append(seq, int((h1%sab.RegistryInlineSlots+i*h2)%sab.RegistryInlineSlots))
	}
	for i := 0; i < sab.RegistryOverflowSlots; i++ {
		seq = append(seq, sab.RegistryInlineSlots+i)
	}
	return seq
}

// findSlot locates id: the slot it occupies (found=true), or the first
// free/tombstoned slot an insertion could claim (found=false, insert >= 0).
func (r *Registry) findSlot(id string) (index int, found bool, insert int, err error) {
	want := idWord(id)
	insert = -1
	for _, idx := range probeSeq(id) {
		slot, err := r.readSlot(idx)
		if err != nil {
			return 0, false, -1, err
		}
		var w [8]byte
		copy(w[:], slot[slotOffID:])
		switch {
		case isEmpty(w):
			if insert < 0 {
				insert = idx
			}
			// Empty terminates the probe: id cannot live further along.
			return 0, false, insert, nil
		case isTombstone(w):
			if insert < 0 {
				insert = idx
			}
		case w == want:
			// The 8-byte word can collide on long ids; confirm the full name.
			name := string(trimNul(slot[slotOffName : slotOffName+maxNameLen]))
			if name == id {
				return idx, true, insert, nil
			}
		}
	}
	return 0, false, insert, nil
}

// Register inserts or updates a module descriptor. Re-registering an
// identical descriptor leaves the slot byte-for-byte unchanged.
func (r *Registry) Register(ctx context.Context, d *Descriptor) (int, error) {
	if err := d.validate(); err != nil {
		return 0, err
	}
	if err := r.lock(ctx); err != nil {
		return 0, err
	}
	defer r.unlock()

	index, found, insert, err := r.findSlot(d.ID)
	if err != nil {
		return 0, err
	}

	if found {
		existing, err := r.getAt(index)
		if err == nil && descriptorsEqual(existing, d) {
			return index, nil
		}
		// Update in place: keep the original registration time.
		if err == nil {
			d.RegisteredAt = existing.RegisteredAt
		}
		return index, r.writeSlot(index, d)
	}

	if insert < 0 {
		return 0, sab.NewError(sab.KindRegistryFull, "registry.Register").
			WithErr(fmt.Errorf("no slot for %q after %d probes", d.ID, maxProbes))
	}
	if d.RegisteredAt == 0 {
		d.RegisteredAt = uint64(time.Now().UnixNano())
	}
	if err := r.writeSlot(insert, d); err != nil {
		return 0, err
	}

	r.bloom.AddString(d.ID)
	if err := r.persistBloom(); err != nil {
		return 0, err
	}
	return insert, nil
}

func (r *Registry) writeSlot(index int, d *Descriptor) error {
	depOffset, capOffset, err := r.writeSideTables(d)
	if err != nil {
		return err
	}
	if d.Heartbeat == 0 {
		d.Heartbeat = uint64(time.Now().UnixNano())
	}
	slot := encodeSlot(d, depOffset, capOffset)
	base := slotOffset(index)

	// Payload first, id word last: a concurrent reader either sees the old
	// id or the fully written new slot.
	if err := r.view.WriteAt(base+8, slot[8:]); err != nil {
		return err
	}
	if err := r.view.WriteAt(base, slot[:8]); err != nil {
		return err
	}
	return r.ep.Increment()
}

func (r *Registry) writeSideTables(d *Descriptor) (depOffset, capOffset uint32, err error) {
	if len(d.Dependencies) > 0 {
		data := encodeDepTable(d.Dependencies)
		if r.alloc == nil {
			return 0, 0, sab.NewError(sab.KindOutOfMemory, "registry.Register").
				WithErr(fmt.Errorf("no arena allocator bound for dependency table"))
		}
		depOffset, err = r.alloc.Allocate(uint32(len(data)))
		if err != nil {
			return 0, 0, err
		}
		if err = r.view.WriteAt(depOffset, data); err != nil {
			return 0, 0, err
		}
	}
	if len(d.Capabilities) > 0 {
		data := encodeCapTable(d.Capabilities)
		if r.alloc == nil {
			return 0, 0, sab.NewError(sab.KindOutOfMemory, "registry.Register").
				WithErr(fmt.Errorf("no arena allocator bound for capability table"))
		}
		capOffset, err = r.alloc.Allocate(uint32(len(data)))
		if err != nil {
			return 0, 0, err
		}
		if err = r.view.WriteAt(capOffset, data); err != nil {
			return 0, 0, err
		}
	}
	return depOffset, capOffset, nil
}

// Lookup returns the descriptor for id, or found=false. The Bloom filter
// short-circuits definite misses before any slot is touched.
func (r *Registry) Lookup(id string) (*Descriptor, bool, error) {
	if !r.bloom.TestString(id) {
		return nil, false, nil
	}
	index, found, _, err := r.findSlot(id)
	if err != nil || !found {
		return nil, false, err
	}
	d, err := r.getAt(index)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// getAt decodes the slot at index, re-reading on CRC mismatch to tolerate a
// concurrent writer. The final mismatch is returned as the transient
// CrcMismatch it is.
func (r *Registry) getAt(index int) (*Descriptor, error) {
	var lastErr error
	for attempt := 0; attempt < crcRereads; attempt++ {
		slot, err := r.readSlot(index)
		if err != nil {
			return nil, err
		}
		d, depOff, depCount, capOff, capCount, err := decodeSlot(slot[:])
		if err != nil {
			lastErr = err
			runtime.Gosched()
			continue
		}
		if err := r.resolveSideTables(d, depOff, depCount, capOff, capCount); err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, lastErr
}

func (r *Registry) resolveSideTables(d *Descriptor, depOff uint32, depCount uint16, capOff uint32, capCount uint16) error {
	if depCount > 0 && depOff != 0 {
		data := make([]byte, int(depCount)*depEntrySize)
		if err := r.view.ReadAt(depOff, data); err != nil {
			return err
		}
		names, err := r.hashIndex()
		if err != nil {
			return err
		}
		d.Dependencies = decodeDepTable(data, int(depCount), func(hash uint32) string {
			if name, ok := names[hash]; ok {
				return name
			}
			return fmt.Sprintf("%08x", hash)
		})
	}
	if capCount > 0 && capOff != 0 {
		data := make([]byte, int(capCount)*capEntrySize)
		if err := r.view.ReadAt(capOff, data); err != nil {
			return err
		}
		d.Capabilities = decodeCapTable(data, int(capCount))
	}
	return nil
}

// hashIndex maps id hashes back to registered names, for resolving
// dependency entries (the wire carries only the hash).
// It decodes slots directly rather than through getAt, which would resolve
// side tables and recurse back into hashIndex.
func (r *Registry) hashIndex() (map[uint32]string, error) {
	out := make(map[uint32]string)
	total := sab.RegistryInlineSlots + sab.RegistryOverflowSlots
	for i := 0; i < total; i++ {
		slot, err := r.readSlot(i)
		if err != nil {
			return nil, err
		}
		var w [8]byte
		copy(w[:], slot[slotOffID:])
		if isEmpty(w) || isTombstone(w) {
			continue
		}
		d, _, _, _, _, err := decodeSlot(slot[:])
		if err != nil {
			continue
		}
		out[HashID(d.ID)] = d.ID
	}
	return out, nil
}

// Unregister tombstones a module's slot. Probing continues through the
// tombstone; insertion reclaims it.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()

	index, found, _, err := r.findSlot(id)
	if err != nil {
		return err
	}
	if !found {
		return sab.NewError(sab.KindOutOfBounds, "registry.Unregister").
			WithErr(fmt.Errorf("module %q not registered", id))
	}
	if err := r.view.WriteAt(slotOffset(index), tombstone[:]); err != nil {
		return err
	}
	return r.ep.Increment()
}

// Heartbeat stamps the module's liveness field.
func (r *Registry) Heartbeat(ctx context.Context, id string, at uint64) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()

	index, found, _, err := r.findSlot(id)
	if err != nil {
		return err
	}
	if !found {
		return sab.NewError(sab.KindOutOfBounds, "registry.Heartbeat").
			WithErr(fmt.Errorf("module %q not registered", id))
	}

	slot, err := r.readSlot(index)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(slot[slotOffHeartbeat:], at)
	crc := crc32.Checksum(slot[:slotCRCEnd], castagnoli)
	binary.LittleEndian.PutUint32(slot[slotOffCRC:], crc)

	base := slotOffset(index)
	if err := r.view.WriteAt(base+8, slot[8:]); err != nil {
		return err
	}
	return r.ep.Increment()
}

// List returns every valid descriptor, inline and overflow.
func (r *Registry) List() ([]*Descriptor, error) {
	total := sab.RegistryInlineSlots + sab.RegistryOverflowSlots
	out := make([]*Descriptor, 0, 8)
	for i := 0; i < total; i++ {
		slot, err := r.readSlot(i)
		if err != nil {
			return nil, err
		}
		var w [8]byte
		copy(w[:], slot[slotOffID:])
		if isEmpty(w) || isTombstone(w) {
			continue
		}
		d, err := r.getAt(i)
		if err != nil {
			// Transient CRC failure on an unrelated slot must not sink the
			// whole listing.
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func mustList(r *Registry) []*Descriptor {
	out, err := r.List()
	if err != nil {
		return nil
	}
	return out
}

// DependencyOrder returns module ids such that every module appears after
// everything it depends on, or an error on a cycle.
func (r *Registry) DependencyOrder() ([]string, error) {
	mods, err := r.List()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Descriptor, len(mods))
	for _, m := range mods {
		byID[m.ID] = m
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(mods))
	order := make([]string, 0, len(mods))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return sab.NewError(sab.KindFrameMalformed, "registry.DependencyOrder").
				WithErr(fmt.Errorf("circular dependency through %q", id))
		}
		state[id] = visiting
		if m, ok := byID[id]; ok {
			for _, dep := range m.Dependencies {
				if _, known := byID[dep.ID]; !known {
					if dep.Optional {
						continue
					}
					return sab.NewError(sab.KindFrameMalformed, "registry.DependencyOrder").
						WithErr(fmt.Errorf("module %q requires unregistered %q", id, dep.ID))
				}
				if err := visit(dep.ID); err != nil {
					return err
				}
			}
		}
		state[id] = done
		order = append(order, id)
		return nil
	}

	for _, m := range mods {
		if err := visit(m.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func descriptorsEqual(a, b *Descriptor) bool {
	if a.ID != b.ID || a.Version != b.Version || a.Resources != b.Resources || a.Cost != b.Cost {
		return false
	}
	if len(a.Dependencies) != len(b.Dependencies) || len(a.Capabilities) != len(b.Capabilities) {
		return false
	}
	for i := range a.Dependencies {
		if a.Dependencies[i] != b.Dependencies[i] {
			return false
		}
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	return true
}
