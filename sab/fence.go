package sab

// Fence is the context fence: a single CAS-once latch that binds a
// kernel process to exactly one boot generation of the shared buffer. The
// host writes a non-zero hash once at boot; every module checks it matches
// the hash it was spawned with before trusting anything else in the buffer,
// so a stale module from a previous boot generation can tell it is a zombie
// instead of reading garbage through a recycled buffer.
type Fence struct {
	v      *View
	offset uint32
}

// NewFence binds a fence to the context-hash flag word.
func NewFence(v *View) *Fence {
	return &Fence{v: v, offset: OffsetAtomicFlags + IdxContextHash*4}
}

// Establish performs the one CAS that assigns this boot generation's hash.
// It succeeds (swapped=true) exactly once per buffer lifetime; any later
// caller observes swapped=false and must treat the existing hash as
// authoritative rather than overwrite it.
func (f *Fence) Establish(hash uint32) (swapped bool, err error) {
	return f.v.CompareExchange(f.offset, 0, hash)
}

// Current returns the hash currently latched, or 0 if the host has not
// established one yet.
func (f *Fence) Current() (uint32, error) {
	return f.v.Load(f.offset)
}

// IsValid reports whether want matches the latched hash. Per the boot-race
// resolution, a still-zero hash (host hasn't written one yet) counts as
// valid rather than a mismatch: a module started in the same race as the
// host's own Establish call must not report itself a zombie just because it
// observed the buffer before the host's write landed.
func (f *Fence) IsValid(want uint32) (bool, error) {
	cur, err := f.Current()
	if err != nil {
		return false, err
	}
	if cur == 0 {
		return true, nil
	}
	return cur == want, nil
}
