package sab

// MemoryProvider abstracts access to shared memory for SAB.
// Implementations may be backed by mmap, SharedArrayBuffer, or in-memory buffers.
// Every method returns a *Error (KindOutOfBounds/KindAlignment) on failure, so
// callers anywhere in this module can use errors.Is against the sab sentinels
// regardless of which provider backs the buffer.
type MemoryProvider interface {
	Size() uint32
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	AtomicCAS32(offset uint32, old, new uint32) (bool, error)
	Close() error
}

func outOfBounds(op string, offset uint32) error {
	return NewError(KindOutOfBounds, op).WithRegion("", offset)
}

func misaligned(op string, offset uint32) error {
	return NewError(KindAlignment, op).WithRegion("", offset)
}
