package arena

import (
	"fmt"
	"sync"

	"github.com/nmxmxh/inos-v1-sub001/sab"
)

// Slab allocator for tiny objects (8B-256B): fixed size classes, one cache
// per class, bitmap-tracked 4KiB pages carved out of the arena's slab zone.
// Bookkeeping lives in process memory; only the handed-out offsets point
// into the shared buffer.

const (
	slabPageSize   = 4096
	numSizeClasses = 10
)

var sizeClasses = [numSizeClasses]uint32{8, 16, 24, 32, 48, 64, 96, 128, 192, 256}

// SlabMax is the largest request the slab path serves.
const SlabMax = 256

type slabPage struct {
	offset     uint32
	freeCount  uint16
	totalCount uint16
	bitmap     uint64 // set bit = free object; max 64 objects per page
}

type slabCache struct {
	objectSize uint32
	pages      []*slabPage
	allocated  uint32

	mu sync.Mutex
}

// Slab carves tiny allocations from [base, base+size) of the shared buffer.
type Slab struct {
	base uint32
	size uint32
	next uint32 // next unclaimed page offset

	caches [numSizeClasses]*slabCache

	mu sync.Mutex
}

// NewSlab builds a slab allocator over one zone of the arena.
func NewSlab(base, size uint32) *Slab {
	s := &Slab{base: base, size: size, next: base}
	for i := range s.caches {
		s.caches[i] = &slabCache{
			objectSize: sizeClasses[i],
			pages:      make([]*slabPage, 0, 16),
		}
	}
	return s
}

// Allocate returns the offset of a free object of at least size bytes.
func (s *Slab) Allocate(size uint32) (uint32, error) {
	if size == 0 || size > SlabMax {
		return 0, sab.NewError(sab.KindOutOfMemory, "arena.Slab.Allocate").
			WithErr(fmt.Errorf("size %d outside slab classes", size))
	}
	cache := s.caches[s.sizeClass(size)]

	cache.mu.Lock()
	defer cache.mu.Unlock()

	for _, page := range cache.pages {
		if page.freeCount > 0 {
			return cache.take(page), nil
		}
	}

	page, err := s.claimPage(cache.objectSize)
	if err != nil {
		return 0, err
	}
	cache.pages = append(cache.pages, page)
	return cache.take(page), nil
}

// Free releases the object at offset. Returns OutOfBounds if offset belongs
// to no slab page.
func (s *Slab) Free(offset uint32) error {
	page, cache := s.findPage(offset)
	if page == nil {
		return sab.NewError(sab.KindOutOfBounds, "arena.Slab.Free").WithRegion("Arena", offset)
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	idx := (offset - page.offset) / cache.objectSize
	mask := uint64(1) << idx
	if page.bitmap&mask != 0 {
		return sab.NewError(sab.KindOutOfBounds, "arena.Slab.Free").WithRegion("Arena", offset).
			WithErr(fmt.Errorf("double free of object %d", idx))
	}
	page.bitmap |= mask
	page.freeCount++
	cache.allocated--
	return nil
}

// Owns reports whether offset lies inside the slab zone.
func (s *Slab) Owns(offset uint32) bool {
	return offset >= s.base && offset < s.base+s.size
}

func (s *Slab) sizeClass(size uint32) int {
	for i, classSize := range sizeClasses {
		if size <= classSize {
			return i
		}
	}
	return numSizeClasses - 1
}

func (s *Slab) claimPage(objectSize uint32) (*slabPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next+slabPageSize > s.base+s.size {
		return nil, sab.NewError(sab.KindOutOfMemory, "arena.Slab.claimPage")
	}
	offset := s.next
	s.next += slabPageSize

	total := uint16(slabPageSize / objectSize)
	if total > 64 {
		total = 64
	}
	var bitmap uint64
	if total == 64 {
		bitmap = ^uint64(0)
	} else {
		bitmap = (uint64(1) << total) - 1
	}
	return &slabPage{offset: offset, freeCount: total, totalCount: total, bitmap: bitmap}, nil
}

func (s *Slab) findPage(offset uint32) (*slabPage, *slabCache) {
	for _, cache := range s.caches {
		cache.mu.Lock()
		for _, page := range cache.pages {
			if offset >= page.offset && offset < page.offset+slabPageSize {
				cache.mu.Unlock()
				return page, cache
			}
		}
		cache.mu.Unlock()
	}
	return nil, nil
}

// take pops the first free object from page. Caller holds cache.mu and has
// verified freeCount > 0.
func (sc *slabCache) take(page *slabPage) uint32 {
	for i := uint16(0); i < page.totalCount; i++ {
		mask := uint64(1) << i
		if page.bitmap&mask != 0 {
			page.bitmap &^= mask
			page.freeCount--
			sc.allocated++
			return page.offset + uint32(i)*sc.objectSize
		}
	}
	// Unreachable while freeCount is maintained correctly.
	return 0
}
