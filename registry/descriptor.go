package registry

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/nmxmxh/inos-v1-sub001/sab"
)

// Wire layout of one 128-byte registry slot. The id word is written last so
// a partially written slot stays invisible; the CRC covers everything before
// the checksum field, id included.
const (
	slotOffID        = 0  // [8]byte; zero = empty, all-0xFF = tombstone
	slotOffVersion   = 8  // major, minor, patch, flags (4 x u8)
	slotOffResources = 12 // resourceFlags u16, minMemoryMB u16, minGPUMemoryMB u16, minCPUCores u8, pad u8
	slotOffCost      = 20 // baseCost u16, perMBCost u8, pad u8, perSecondCost u16, pad u16
	slotOffDepTable  = 28 // offset u32, count u16, pad u16
	slotOffCapTable  = 36 // offset u32, count u16, pad u16
	slotOffCreated   = 44 // u64 unix nanos
	slotOffHeartbeat = 52 // u64 unix nanos
	slotOffName      = 60 // [32]byte, NUL-padded full module id
	slotOffCRC       = 120
	slotCRCEnd       = 120

	depEntrySize = 16
	capEntrySize = 32

	maxNameLen = 32
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// HashID returns the primary CRC32C hash of a module id.
func HashID(id string) uint32 {
	return crc32.Checksum([]byte(id), castagnoli)
}

// mix derives the second probe hash from the first. The or-1 makes the step
// odd; probeSeq further reduces it to a step coprime with the inline table
// size, so the probe sequence visits every inline slot.
func mix(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h | 1
}

// Version is a semantic version triple.
type Version struct {
	Major uint8
	Minor uint8
	Patch uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ResourceProfile declares what a module needs from its host.
type ResourceProfile struct {
	Flags          uint16
	MinMemoryMB    uint16
	MinGPUMemoryMB uint16
	MinCPUCores    uint8
}

// Resource flag bits.
const (
	ResourceCPUIntensive uint16 = 1 << iota
	ResourceGPUIntensive
	ResourceMemoryIntensive
	ResourceIOIntensive
)

// CostModel prices a module's execution for the scheduler.
type CostModel struct {
	BaseCost      uint16
	PerMBCost     uint8
	PerSecondCost uint16
}

// Dependency names another module and the version range accepted.
type Dependency struct {
	ID         string
	MinVersion Version
	MaxVersion Version
	Optional   bool
}

// Capability is a module-declared ability referenced from its slot.
type Capability struct {
	ID          string // at most 16 bytes on the wire
	Flags       uint32
	MinMemoryMB uint32
}

// Descriptor is the in-memory form of one registered module.
type Descriptor struct {
	ID           string
	Version      Version
	Resources    ResourceProfile
	Cost         CostModel
	Dependencies []Dependency
	Capabilities []Capability

	RegisteredAt uint64
	Heartbeat    uint64
}

func (d *Descriptor) validate() error {
	if d.ID == "" || len(d.ID) > maxNameLen {
		return sab.NewError(sab.KindFrameMalformed, "registry.Register").
			WithErr(fmt.Errorf("module id %q must be 1..%d bytes", d.ID, maxNameLen))
	}
	for i := range d.Capabilities {
		if len(d.Capabilities[i].ID) > 16 {
			return sab.NewError(sab.KindFrameMalformed, "registry.Register").
				WithErr(fmt.Errorf("capability id %q exceeds 16 bytes", d.Capabilities[i].ID))
		}
	}
	return nil
}

// idWord returns the 8-byte slot id for a module id: the first 8 bytes of
// the name, NUL-padded. Distinct long names that share a prefix are told
// apart by the full name at slotOffName during lookup.
func idWord(id string) [8]byte {
	var w [8]byte
	copy(w[:], id)
	return w
}

var tombstone = [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func isEmpty(w [8]byte) bool     { return w == [8]byte{} }
func isTombstone(w [8]byte) bool { return w == tombstone }

// encodeSlot serializes d into a 128-byte slot image, CRC included.
func encodeSlot(d *Descriptor, depOffset uint32, capOffset uint32) [sab.RegistrySlotSize]byte {
	var slot [sab.RegistrySlotSize]byte

	w := idWord(d.ID)
	copy(slot[slotOffID:], w[:])

	slot[slotOffVersion] = d.Version.Major
	slot[slotOffVersion+1] = d.Version.Minor
	slot[slotOffVersion+2] = d.Version.Patch

	binary.LittleEndian.PutUint16(slot[slotOffResources:], d.Resources.Flags)
	binary.LittleEndian.PutUint16(slot[slotOffResources+2:], d.Resources.MinMemoryMB)
	binary.LittleEndian.PutUint16(slot[slotOffResources+4:], d.Resources.MinGPUMemoryMB)
	slot[slotOffResources+6] = d.Resources.MinCPUCores

	binary.LittleEndian.PutUint16(slot[slotOffCost:], d.Cost.BaseCost)
	slot[slotOffCost+2] = d.Cost.PerMBCost
	binary.LittleEndian.PutUint16(slot[slotOffCost+4:], d.Cost.PerSecondCost)

	binary.LittleEndian.PutUint32(slot[slotOffDepTable:], depOffset)
	binary.LittleEndian.PutUint16(slot[slotOffDepTable+4:], uint16(len(d.Dependencies)))
	binary.LittleEndian.PutUint32(slot[slotOffCapTable:], capOffset)
	binary.LittleEndian.PutUint16(slot[slotOffCapTable+4:], uint16(len(d.Capabilities)))

	binary.LittleEndian.PutUint64(slot[slotOffCreated:], d.RegisteredAt)
	binary.LittleEndian.PutUint64(slot[slotOffHeartbeat:], d.Heartbeat)

	copy(slot[slotOffName:slotOffName+maxNameLen], d.ID)

	crc := crc32.Checksum(slot[:slotCRCEnd], castagnoli)
	binary.LittleEndian.PutUint32(slot[slotOffCRC:], crc)
	return slot
}

// decodeSlot parses a slot image, verifying the CRC. The dependency and
// capability tables are resolved separately by the registry, which knows how
// to reach the arena.
func decodeSlot(slot []byte) (*Descriptor, uint32, uint16, uint32, uint16, error) {
	want := binary.LittleEndian.Uint32(slot[slotOffCRC:])
	got := crc32.Checksum(slot[:slotCRCEnd], castagnoli)
	if want != got {
		return nil, 0, 0, 0, 0, sab.NewError(sab.KindCrcMismatch, "registry.decodeSlot")
	}

	name := string(trimNul(slot[slotOffName : slotOffName+maxNameLen]))
	d := &Descriptor{
		ID: name,
		Version: Version{
			Major: slot[slotOffVersion],
			Minor: slot[slotOffVersion+1],
			Patch: slot[slotOffVersion+2],
		},
		Resources: ResourceProfile{
			Flags:          binary.LittleEndian.Uint16(slot[slotOffResources:]),
			MinMemoryMB:    binary.LittleEndian.Uint16(slot[slotOffResources+2:]),
			MinGPUMemoryMB: binary.LittleEndian.Uint16(slot[slotOffResources+4:]),
			MinCPUCores:    slot[slotOffResources+6],
		},
		Cost: CostModel{
			BaseCost:      binary.LittleEndian.Uint16(slot[slotOffCost:]),
			PerMBCost:     slot[slotOffCost+2],
			PerSecondCost: binary.LittleEndian.Uint16(slot[slotOffCost+4:]),
		},
		RegisteredAt: binary.LittleEndian.Uint64(slot[slotOffCreated:]),
		Heartbeat:    binary.LittleEndian.Uint64(slot[slotOffHeartbeat:]),
	}
	depOffset := binary.LittleEndian.Uint32(slot[slotOffDepTable:])
	depCount := binary.LittleEndian.Uint16(slot[slotOffDepTable+4:])
	capOffset := binary.LittleEndian.Uint32(slot[slotOffCapTable:])
	capCount := binary.LittleEndian.Uint16(slot[slotOffCapTable+4:])
	return d, depOffset, depCount, capOffset, capCount, nil
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

func encodeDepTable(deps []Dependency) []byte {
	out := make([]byte, len(deps)*depEntrySize)
	for i, dep := range deps {
		e := out[i*depEntrySize:]
		binary.LittleEndian.PutUint32(e[0:], HashID(dep.ID))
		e[4] = dep.MinVersion.Major
		e[5] = dep.MinVersion.Minor
		e[6] = dep.MinVersion.Patch
		e[7] = dep.MaxVersion.Major
		e[8] = dep.MaxVersion.Minor
		e[9] = dep.MaxVersion.Patch
		if dep.Optional {
			e[10] = 1
		}
	}
	return out
}

func decodeDepTable(data []byte, count int, resolve func(hash uint32) string) []Dependency {
	deps := make([]Dependency, 0, count)
	for i := 0; i < count; i++ {
		e := data[i*depEntrySize:]
		deps = append(deps, Dependency{
			ID:         resolve(binary.LittleEndian.Uint32(e[0:])),
			MinVersion: Version{e[4], e[5], e[6]},
			MaxVersion: Version{e[7], e[8], e[9]},
			Optional:   e[10] == 1,
		})
	}
	return deps
}

func encodeCapTable(caps []Capability) []byte {
	out := make([]byte, len(caps)*capEntrySize)
	for i, c := range caps {
		e := out[i*capEntrySize:]
		copy(e[0:16], c.ID)
		binary.LittleEndian.PutUint32(e[16:], c.Flags)
		binary.LittleEndian.PutUint32(e[20:], c.MinMemoryMB)
	}
	return out
}

func decodeCapTable(data []byte, count int) []Capability {
	caps := make([]Capability, 0, count)
	for i := 0; i < count; i++ {
		e := data[i*capEntrySize:]
		caps = append(caps, Capability{
			ID:          string(trimNul(e[0:16])),
			Flags:       binary.LittleEndian.Uint32(e[16:]),
			MinMemoryMB: binary.LittleEndian.Uint32(e[20:]),
		})
	}
	return caps
}
