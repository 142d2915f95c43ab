package sab

import (
	"math/rand"
	"time"
)

// View is the typed atomic facade every component in this module uses to
// touch the shared buffer instead of calling a MemoryProvider directly. It
// carries the buffer size so every offset it hands out has already passed
// Validate, and enforces 4-byte alignment and in-bounds access the same way
// regardless of which MemoryProvider is behind it.
type View struct {
	mem  MemoryProvider
	size uint32
}

// NewView wraps a validated MemoryProvider, taking the buffer size from
// mem.Size(). That size must already have passed Validate; NewView does not
// re-validate.
func NewView(mem MemoryProvider) *View {
	return &View{mem: mem, size: mem.Size()}
}

func (v *View) Size() uint32 { return v.size }

func (v *View) checkOffset(op string, offset uint32) error {
	if offset%4 != 0 {
		return misaligned(op, offset)
	}
	if offset+4 > v.size {
		return outOfBounds(op, offset)
	}
	return nil
}

// Load reads a flag or epoch word with sequential-consistency semantics.
func (v *View) Load(offset uint32) (uint32, error) {
	if err := v.checkOffset("sab.Load", offset); err != nil {
		return 0, err
	}
	return v.mem.AtomicLoad32(offset)
}

// Store writes a flag or epoch word with sequential-consistency semantics.
func (v *View) Store(offset, val uint32) error {
	if err := v.checkOffset("sab.Store", offset); err != nil {
		return err
	}
	return v.mem.AtomicStore32(offset, val)
}

// Add atomically increments the word at offset and returns the new value.
// Every epoch bump in this module goes through Add so overflow wraps the
// same way on every platform.
func (v *View) Add(offset, delta uint32) (uint32, error) {
	if err := v.checkOffset("sab.Add", offset); err != nil {
		return 0, err
	}
	return v.mem.AtomicAdd32(offset, delta)
}

// CompareExchange performs a single CAS on the word at offset. Mutex and
// lock-word acquisition everywhere in this module (mailbox mutexes, the
// registry lock, single-writer region locks, the context fence) goes through
// this call.
func (v *View) CompareExchange(offset, old, new uint32) (swapped bool, err error) {
	if err := v.checkOffset("sab.CompareExchange", offset); err != nil {
		return false, err
	}
	return v.mem.AtomicCAS32(offset, old, new)
}

// ReadAt/WriteAt are the raw, non-atomic bulk-copy path used by ring buffers,
// registry slots and arena metadata, where only the dirty/epoch flag guarding
// the region needs atomicity, not every byte inside it.
func (v *View) ReadAt(offset uint32, dest []byte) error {
	return v.mem.ReadAt(offset, dest)
}

func (v *View) WriteAt(offset uint32, src []byte) error {
	return v.mem.WriteAt(offset, src)
}

// Jitter returns a uniform value in [0,1) for backoff randomization, so
// competing pollers that lose a CAS at the same instant don't retry in
// lockstep forever.
func Jitter() float64 {
	return rand.Float64()
}

// SpinWait polls fn every interval until it reports true or deadline elapses,
// matching the fast-path-then-spin discipline the epoch waiter and the
// transport poll loop both use instead of blocking the goroutine outright.
func SpinWait(deadline time.Duration, interval time.Duration, fn func() (bool, error)) (bool, error) {
	start := time.Now()
	for {
		ok, err := fn()
		if err != nil || ok {
			return ok, err
		}
		if time.Since(start) >= deadline {
			return false, nil
		}
		time.Sleep(interval)
	}
}
