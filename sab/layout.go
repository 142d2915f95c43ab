package sab

import "fmt"

// Layout is the compile-time catalog of every named region in the shared
// memory bus, plus the stable atomic-flag index assignment. Every
// participant in the bus (the kernel process and every guest module) must
// compile against the exact same constants; any divergence is fatal.

const (
	// SizeDefault, SizeMin and SizeMax bound the configurable total size of
	// the shared buffer.
	SizeDefault = 16 * 1024 * 1024
	SizeMin     = 4 * 1024 * 1024
	SizeMax     = 64 * 1024 * 1024

	// ---- fixed-offset regions (identical at every size) ----

	OffsetAtomicFlags = 0x010000
	SizeAtomicFlags   = 128 // 32 x int32

	OffsetRegistryLock = 0x010080
	SizeRegistryLock   = 16

	OffsetModuleRegistry  = 0x010100
	SizeModuleRegistry    = 6 * 1024
	RegistrySlotSize      = 128
	RegistryInlineSlots   = 48
	RegistryOverflowSlots = 10

	OffsetBloomFilter = 0x011900
	SizeBloomFilter   = 256 // 2048 bits
	BloomBits         = 2048
	BloomHashes       = 3

	// Overflow slots spill past the inline registry table; tombstoned or
	// hash-colliding ids land here before the table reports full.
	OffsetRegistryOverflow = 0x011A00
	SizeRegistryOverflow   = RegistrySlotSize * RegistryOverflowSlots

	// Guard table: one 16-byte record per catalog region, in region order
	// (lock word, violation count, latched epoch, last writer).
	OffsetGuardTable    = 0x012000
	SizeGuardTable      = 1024
	GuardEntrySize      = 16
	GuardWordLock       = 0
	GuardWordViolations = 4
	GuardWordEpoch      = 8
	GuardWordLastWriter = 12

	OffsetSyscallTable = 0x013000
	SizeSyscallTable   = 4 * 1024

	// Module-defined regions: the core reserves and validates them but does
	// not interpret their contents. Coordination also hosts the two ping-pong
	// buffer instances (bird and matrix), since their record format is
	// likewise module-defined.
	OffsetPatternExchange = 0x020000
	SizePatternExchange   = 64 * 1024

	OffsetJobHistory = 0x030000
	SizeJobHistory   = 128 * 1024

	OffsetCoordination = 0x050000
	SizeCoordination   = 64 * 1024

	// Ping-pong buffer sub-layout within Coordination.
	BirdStride        = 64
	BirdBufferSize    = 16 * 1024
	OffsetBirdBufferA = OffsetCoordination
	OffsetBirdBufferB = OffsetBirdBufferA + BirdBufferSize

	MatrixStride        = 128
	MatrixBufferSize    = 16 * 1024
	OffsetMatrixBufferA = OffsetBirdBufferB + BirdBufferSize
	OffsetMatrixBufferB = OffsetMatrixBufferA + MatrixBufferSize

	OffsetInboxOutbox = 0x060000
	SizeInboxOutbox   = 1024 * 1024
	OffsetInboxBase   = OffsetInboxOutbox
	SizeInboxTotal    = SizeInboxOutbox / 2
	OffsetOutboxBase  = OffsetInboxBase + SizeInboxTotal
	SizeOutboxTotal   = SizeInboxOutbox / 2

	// Per-module mailbox carve-up of the inbox/outbox halves. Module ids are
	// dense in [0, MaxModules).
	MaxModules  = 8
	SizeMailbox = SizeInboxTotal / MaxModules

	OffsetArena         = 0x160000
	OffsetArenaMetadata = OffsetArena
	SizeArenaMetadata   = 4 * 1024

	OffsetArenaRequestQueue  = OffsetArenaMetadata + SizeArenaMetadata
	ArenaQueueEntrySize      = 64
	MaxArenaRequests         = 64
	OffsetArenaResponseQueue = OffsetArenaRequestQueue + ArenaQueueEntrySize*MaxArenaRequests

	// OffsetArenaFree is where the bump-allocated arena actually begins,
	// after the fixed request/response queues.
	OffsetArenaFree = OffsetArenaResponseQueue + ArenaQueueEntrySize*MaxArenaRequests

	AlignmentCacheLine = 64
	AlignmentPage      = 4096
)

// Atomic flag indices. Every participant compiles against this table; it
// is the single source of truth for the word assignment.
const (
	IdxKernelReady = iota
	IdxInboxDirty
	IdxOutboxDirtyKernel
	IdxOutboxDirtyHost
	IdxPanicState
	IdxSensorEpoch
	IdxActorEpoch
	IdxStorageEpoch
	IdxSystemEpoch
	IdxArenaAllocatorEpoch
	IdxOutboxMutex
	IdxInboxMutex
	IdxMetricsEpoch
	IdxBirdEpoch
	IdxMatrixEpoch
	IdxPingPongActive
	IdxRegistryEpoch
	IdxEvolutionEpoch
	IdxHealthEpoch
	IdxLearningEpoch
	IdxEconomyEpoch
	IdxDelegatedJobEpoch
	IdxUserJobEpoch
	IdxDelegatedChunkEpoch
	IdxMeshEventEpoch
	IdxMeshEventHead
	IdxMeshEventTail
	IdxMeshEventDropped
	IdxContextHash

	// NumFixedFlags is the count of reserved system flag indices (0-31).
	NumFixedFlags = 32
)

// SystemEpochRollup is the set of flag indices whose increment also bumps
// IdxSystemEpoch, giving the host one wake-on-anything signal: every
// genuine epoch, excluding readiness/mutex/panic/hash words and the rollup
// index itself.
var SystemEpochRollup = []int{
	IdxInboxDirty, IdxOutboxDirtyKernel, IdxOutboxDirtyHost,
	IdxSensorEpoch, IdxActorEpoch, IdxStorageEpoch,
	IdxArenaAllocatorEpoch, IdxMetricsEpoch, IdxBirdEpoch, IdxMatrixEpoch,
	IdxRegistryEpoch, IdxEvolutionEpoch, IdxHealthEpoch, IdxLearningEpoch,
	IdxEconomyEpoch, IdxDelegatedJobEpoch, IdxUserJobEpoch,
	IdxDelegatedChunkEpoch, IdxMeshEventEpoch,
}

// SupervisorPoolBase/Size reserve the flag indices beyond the fixed set as
// a dynamic pool, handed out on demand to anything that needs its own epoch
// outside the stable assignment above.
const (
	SupervisorPoolBase = 32
	SupervisorPoolSize = 96
)

// OwnerMask enumerates the actors a region's access policy can name.
type OwnerMask uint8

const (
	OwnerKernel OwnerMask = 1 << iota
	OwnerModule
	OwnerHost
	OwnerSystem
)

// AccessMode is a region's write policy.
type AccessMode int

const (
	ReadOnly AccessMode = iota
	SingleWriter
	MultiWriter
)

// Region describes one named, non-overlapping, aligned range of the SMB.
type Region struct {
	Name       string
	Offset     uint32
	Size       uint32
	Alignment  uint32
	WriterMask OwnerMask
	ReaderMask OwnerMask
	Access     AccessMode
	EpochIndex int // -1 if the region has no associated epoch
}

// Catalog returns every fixed region for a buffer of the given total size.
// The Arena region's size depends on sabSize; everything before it is fixed.
func Catalog(sabSize uint32) []Region {
	arenaSize := uint32(0)
	if sabSize > OffsetArena {
		arenaSize = sabSize - OffsetArena
	}
	return []Region{
		{"AtomicFlags", OffsetAtomicFlags, SizeAtomicFlags, AlignmentCacheLine, OwnerKernel | OwnerModule | OwnerHost | OwnerSystem, OwnerKernel | OwnerModule | OwnerHost | OwnerSystem, MultiWriter, -1},
		{"RegistryLock", OffsetRegistryLock, SizeRegistryLock, AlignmentCacheLine, OwnerKernel | OwnerModule, OwnerKernel | OwnerModule, SingleWriter, IdxRegistryEpoch},
		{"ModuleRegistry", OffsetModuleRegistry, SizeModuleRegistry, AlignmentCacheLine, OwnerKernel | OwnerModule, OwnerKernel | OwnerModule | OwnerHost, MultiWriter, IdxRegistryEpoch},
		{"BloomFilter", OffsetBloomFilter, SizeBloomFilter, AlignmentCacheLine, OwnerKernel, OwnerKernel | OwnerModule, SingleWriter, IdxRegistryEpoch},
		{"RegistryOverflow", OffsetRegistryOverflow, SizeRegistryOverflow, AlignmentCacheLine, OwnerKernel | OwnerModule, OwnerKernel | OwnerModule | OwnerHost, MultiWriter, IdxRegistryEpoch},
		{"GuardTable", OffsetGuardTable, SizeGuardTable, AlignmentCacheLine, OwnerKernel | OwnerModule | OwnerHost | OwnerSystem, OwnerKernel | OwnerModule | OwnerHost | OwnerSystem, MultiWriter, -1},
		{"SyscallTable", OffsetSyscallTable, SizeSyscallTable, AlignmentCacheLine, OwnerKernel | OwnerModule, OwnerKernel | OwnerModule, MultiWriter, -1},
		{"PatternExchange", OffsetPatternExchange, SizePatternExchange, AlignmentPage, OwnerModule, OwnerKernel | OwnerModule, MultiWriter, -1},
		{"JobHistory", OffsetJobHistory, SizeJobHistory, AlignmentPage, OwnerKernel, OwnerKernel | OwnerModule | OwnerHost, SingleWriter, -1},
		{"Coordination", OffsetCoordination, SizeCoordination, AlignmentPage, OwnerModule, OwnerKernel | OwnerModule, MultiWriter, IdxBirdEpoch},
		{"Inbox", OffsetInboxBase, SizeInboxTotal, AlignmentPage, OwnerKernel, OwnerModule, SingleWriter, IdxInboxDirty},
		{"Outbox", OffsetOutboxBase, SizeOutboxTotal, AlignmentPage, OwnerModule, OwnerKernel, SingleWriter, IdxOutboxDirtyKernel},
		{"Arena", OffsetArena, arenaSize, AlignmentPage, OwnerKernel | OwnerModule, OwnerKernel | OwnerModule | OwnerHost | OwnerSystem, MultiWriter, IdxArenaAllocatorEpoch},
	}
}

// Validate checks the invariants required at startup: non-overlap,
// alignment, and total size. A mismatch is fatal; no work may be accepted
// over a buffer that fails here.
func Validate(sabSize uint32) error {
	if sabSize < SizeMin {
		return NewError(KindLayoutMismatch, "sab.Validate").WithErr(fmt.Errorf("size %d below minimum %d", sabSize, SizeMin))
	}
	if sabSize > SizeMax {
		return NewError(KindLayoutMismatch, "sab.Validate").WithErr(fmt.Errorf("size %d exceeds maximum %d", sabSize, SizeMax))
	}

	regions := Catalog(sabSize)
	for _, r := range regions {
		if r.Offset%r.Alignment != 0 {
			return NewError(KindLayoutMismatch, "sab.Validate").WithRegion(r.Name, r.Offset).
				WithErr(fmt.Errorf("offset not aligned to %d", r.Alignment))
		}
		if r.Offset+r.Size > sabSize {
			return NewError(KindLayoutMismatch, "sab.Validate").WithRegion(r.Name, r.Offset).
				WithErr(fmt.Errorf("region extends past buffer size %d", sabSize))
		}
	}
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			a, b := regions[i], regions[j]
			if a.Offset < b.Offset+b.Size && b.Offset < a.Offset+a.Size {
				return NewError(KindLayoutMismatch, "sab.Validate").WithErr(
					fmt.Errorf("region %s overlaps region %s", a.Name, b.Name))
			}
		}
	}
	return nil
}

// RegionAt returns the region containing offset, or an OutOfBounds error.
func RegionAt(sabSize, offset uint32) (*Region, error) {
	for _, r := range Catalog(sabSize) {
		if offset >= r.Offset && offset < r.Offset+r.Size {
			return &r, nil
		}
	}
	return nil, NewError(KindOutOfBounds, "sab.RegionAt").WithErr(fmt.Errorf("offset 0x%x in no region", offset))
}

// AlignOffset rounds offset up to the next multiple of alignment.
func AlignOffset(offset, alignment uint32) uint32 {
	return (offset + alignment - 1) &^ (alignment - 1)
}

// FlagOffset converts an atomic-flag index into its absolute byte offset.
func FlagOffset(index int) uint32 {
	return OffsetAtomicFlags + uint32(index)*4
}

// InboxOffset returns the base of moduleID's inbox mailbox (kernel writes,
// module reads).
func InboxOffset(moduleID uint32) uint32 {
	return OffsetInboxBase + (moduleID%MaxModules)*SizeMailbox
}

// OutboxOffset returns the base of moduleID's outbox mailbox (module
// writes, kernel reads).
func OutboxOffset(moduleID uint32) uint32 {
	return OffsetOutboxBase + (moduleID%MaxModules)*SizeMailbox
}
