package arena

import (
	"fmt"
	"sync"

	"github.com/nmxmxh/inos-v1-sub001/sab"
)

// Buddy allocator for larger blocks (4KiB-1MiB): power-of-2 block sizes with
// automatic coalescing. Free-list next pointers live inside the free blocks
// themselves in the shared buffer, so the only in-process state is the level
// heads, the allocation bitmap and the per-block level bytes.

const (
	minBuddySize   = 4096
	maxBuddySize   = 1024 * 1024
	numBuddyLevels = 9 // 4KiB .. 1MiB
)

// Buddy serves block allocations from [base, base+size) of the shared buffer.
type Buddy struct {
	view *sab.View
	base uint32
	size uint32

	freeLists   [numBuddyLevels]uint32
	bitmap      []uint64
	blockLevels []uint8

	mu sync.Mutex
}

// NewBuddy builds a buddy allocator over one zone of the arena, seeding the
// free lists greedily with the largest blocks that fit.
func NewBuddy(view *sab.View, base, size uint32) *Buddy {
	numBlocks := int(size / minBuddySize)
	b := &Buddy{
		view:        view,
		base:        base,
		size:        size,
		bitmap:      make([]uint64, (numBlocks+63)/64),
		blockLevels: make([]uint8, numBlocks),
	}

	remaining := size
	offset := base
	for remaining >= minBuddySize {
		level := numBuddyLevels - 1
		for level > 0 && levelSize(level) > remaining {
			level--
		}
		b.pushFree(offset, level)
		offset += levelSize(level)
		remaining -= levelSize(level)
	}
	return b
}

func levelSize(level int) uint32 { return minBuddySize << uint(level) }

func sizeLevel(size uint32) int {
	level := 0
	for levelSize(level) < size && level < numBuddyLevels-1 {
		level++
	}
	return level
}

// Allocate returns a block of at least size bytes, or OutOfMemory.
func (b *Buddy) Allocate(size uint32) (uint32, error) {
	if size > maxBuddySize {
		return 0, sab.NewError(sab.KindOutOfMemory, "arena.Buddy.Allocate").
			WithErr(fmt.Errorf("size %d exceeds max block %d", size, maxBuddySize))
	}
	if size < minBuddySize {
		size = minBuddySize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	level := sizeLevel(size)
	offset := b.takeFree(level)
	if offset == 0 {
		return 0, sab.NewError(sab.KindOutOfMemory, "arena.Buddy.Allocate")
	}
	b.markAllocated(offset, level)
	return offset, nil
}

// Free releases the block at offset and coalesces with its buddy chain.
func (b *Buddy) Free(offset uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset < b.base || offset >= b.base+b.size {
		return sab.NewError(sab.KindOutOfBounds, "arena.Buddy.Free").WithRegion("Arena", offset)
	}
	level := int(b.blockLevels[(offset-b.base)/minBuddySize])
	b.markFree(offset, level)
	b.coalesce(offset, level)
	return nil
}

// Owns reports whether offset lies inside the buddy zone.
func (b *Buddy) Owns(offset uint32) bool {
	return offset >= b.base && offset < b.base+b.size
}

// takeFree pops a block at level, splitting a larger block when needed.
func (b *Buddy) takeFree(level int) uint32 {
	if b.freeLists[level] != 0 {
		offset := b.freeLists[level]
		b.freeLists[level] = b.nextFree(offset)
		return offset
	}
	for from := level + 1; from < numBuddyLevels; from++ {
		if b.freeLists[from] == 0 {
			continue
		}
		offset := b.freeLists[from]
		b.freeLists[from] = b.nextFree(offset)
		for l := from - 1; l >= level; l-- {
			b.pushFree(offset+levelSize(l), l)
		}
		return offset
	}
	return 0
}

func (b *Buddy) coalesce(offset uint32, level int) {
	for level < numBuddyLevels-1 {
		rel := offset - b.base
		buddy := b.base + (rel ^ levelSize(level))
		if !b.isFree(buddy, level) {
			break
		}
		b.unlinkFree(buddy, level)
		if buddy < offset {
			offset = buddy
		}
		level++
	}
	b.pushFree(offset, level)
}

func (b *Buddy) isFree(offset uint32, level int) bool {
	blocks := levelSize(level) / minBuddySize
	first := (offset - b.base) / minBuddySize
	if first+blocks > b.size/minBuddySize {
		return false
	}
	for i := uint32(0); i < blocks; i++ {
		bit := int(first + i)
		if b.bitmap[bit/64]&(1<<(bit%64)) != 0 {
			return false
		}
	}
	return true
}

func (b *Buddy) markAllocated(offset uint32, level int) {
	blocks := levelSize(level) / minBuddySize
	first := (offset - b.base) / minBuddySize
	for i := uint32(0); i < blocks; i++ {
		bit := int(first + i)
		b.bitmap[bit/64] |= 1 << (bit % 64)
		b.blockLevels[bit] = uint8(level)
	}
}

func (b *Buddy) markFree(offset uint32, level int) {
	blocks := levelSize(level) / minBuddySize
	first := (offset - b.base) / minBuddySize
	for i := uint32(0); i < blocks; i++ {
		bit := int(first + i)
		b.bitmap[bit/64] &^= 1 << (bit % 64)
	}
}

// pushFree links offset at the head of level's free list, storing the next
// pointer in the block's first word inside the shared buffer.
func (b *Buddy) pushFree(offset uint32, level int) {
	var next [4]byte
	next[0] = byte(b.freeLists[level])
	next[1] = byte(b.freeLists[level] >> 8)
	next[2] = byte(b.freeLists[level] >> 16)
	next[3] = byte(b.freeLists[level] >> 24)
	_ = b.view.WriteAt(offset, next[:])
	b.freeLists[level] = offset
}

func (b *Buddy) unlinkFree(offset uint32, level int) {
	if b.freeLists[level] == offset {
		b.freeLists[level] = b.nextFree(offset)
		return
	}
	current := b.freeLists[level]
	for current != 0 {
		next := b.nextFree(current)
		if next == offset {
			skip := b.nextFree(offset)
			var word [4]byte
			word[0] = byte(skip)
			word[1] = byte(skip >> 8)
			word[2] = byte(skip >> 16)
			word[3] = byte(skip >> 24)
			_ = b.view.WriteAt(current, word[:])
			return
		}
		current = next
	}
}

func (b *Buddy) nextFree(offset uint32) uint32 {
	if offset == 0 || offset < b.base || offset >= b.base+b.size {
		return 0
	}
	var word [4]byte
	if err := b.view.ReadAt(offset, word[:]); err != nil {
		return 0
	}
	return uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24
}
