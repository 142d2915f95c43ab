// Package ring implements the framed SPSC ring buffer that backs every
// mailbox on the bus. Layout at base: [head u32 | tail u32 | data...]. Frames
// are [length u32 | payload]; the writer publishes tail only after the full
// frame is in place, so a reader observes either the whole frame or nothing.
package ring

import (
	"encoding/binary"
	"fmt"

	"github.com/nmxmxh/inos-v1-sub001/sab"
)

const (
	headOffset = 0
	tailOffset = 4
	headerSize = 8
	frameHdr   = 4
)

// Ring is a single-producer single-consumer byte ring inside the SMB.
// Exactly one goroutine (or process) may write and exactly one may read;
// cross-actor serialization on a shared mailbox is the Mutex's job.
type Ring struct {
	view    *sab.View
	base    uint32
	dataCap uint32
}

// New binds a ring to totalSize bytes at base. The first 8 bytes hold the
// head/tail words; the rest is the circular data area.
func New(view *sab.View, base, totalSize uint32) (*Ring, error) {
	if totalSize <= headerSize {
		return nil, sab.NewError(sab.KindLayoutMismatch, "ring.New").
			WithErr(fmt.Errorf("size %d leaves no data area", totalSize))
	}
	if base%4 != 0 {
		return nil, sab.NewError(sab.KindAlignment, "ring.New").WithRegion("", base)
	}
	return &Ring{view: view, base: base, dataCap: totalSize - headerSize}, nil
}

// Capacity returns the data-area size. One byte is always reserved, so the
// largest writable frame is Capacity()-1-4 payload bytes.
func (r *Ring) Capacity() uint32 { return r.dataCap }

func (r *Ring) loadHead() (uint32, error) { return r.view.Load(r.base + headOffset) }
func (r *Ring) loadTail() (uint32, error) { return r.view.Load(r.base + tailOffset) }

func (r *Ring) storeHead(v uint32) error { return r.view.Store(r.base+headOffset, v) }
func (r *Ring) storeTail(v uint32) error { return r.view.Store(r.base+tailOffset, v) }

// Available returns the number of readable bytes.
func (r *Ring) Available() (uint32, error) {
	head, err := r.loadHead()
	if err != nil {
		return 0, err
	}
	tail, err := r.loadTail()
	if err != nil {
		return 0, err
	}
	if tail >= head {
		return tail - head, nil
	}
	return r.dataCap - (head - tail), nil
}

// Free returns the number of writable bytes, honoring the reserved byte that
// keeps head==tail unambiguous.
func (r *Ring) Free() (uint32, error) {
	avail, err := r.Available()
	if err != nil {
		return 0, err
	}
	return r.dataCap - avail - 1, nil
}

// WriteMessage appends one [length|payload] frame. It returns false without
// mutating anything when the frame does not fit; the caller owns the retry.
func (r *Ring) WriteMessage(data []byte) (bool, error) {
	msgLen := uint32(len(data))
	if msgLen > r.dataCap-1-frameHdr {
		return false, sab.NewError(sab.KindFrameMalformed, "ring.WriteMessage").
			WithErr(fmt.Errorf("frame of %d bytes can never fit capacity %d", msgLen, r.dataCap))
	}

	free, err := r.Free()
	if err != nil {
		return false, err
	}
	if free < frameHdr+msgLen {
		return false, nil
	}

	tail, err := r.loadTail()
	if err != nil {
		return false, err
	}

	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], msgLen)
	next, err := r.copyIn(tail, lenBytes[:])
	if err != nil {
		return false, err
	}
	next, err = r.copyIn(next, data)
	if err != nil {
		return false, err
	}

	// Publish: the atomic tail store is what makes the frame visible.
	if err := r.storeTail(next); err != nil {
		return false, err
	}
	return true, nil
}

// ReadMessage consumes and returns the next frame's payload, or nil when no
// complete frame is readable. A partially visible frame (length prefix
// without its payload) is left untouched for the next poll.
func (r *Ring) ReadMessage() ([]byte, error) {
	avail, err := r.Available()
	if err != nil {
		return nil, err
	}
	if avail < frameHdr {
		return nil, nil
	}

	head, err := r.loadHead()
	if err != nil {
		return nil, err
	}

	var lenBytes [4]byte
	if err := r.copyOut(head, lenBytes[:]); err != nil {
		return nil, err
	}
	msgLen := binary.LittleEndian.Uint32(lenBytes[:])

	if msgLen > r.dataCap-1-frameHdr {
		return nil, sab.NewError(sab.KindFrameMalformed, "ring.ReadMessage").
			WithErr(fmt.Errorf("length prefix %d exceeds capacity %d", msgLen, r.dataCap))
	}
	if avail < frameHdr+msgLen {
		return nil, nil
	}

	payload := make([]byte, msgLen)
	if err := r.copyOut((head+frameHdr)%r.dataCap, payload); err != nil {
		return nil, err
	}
	if err := r.storeHead((head + frameHdr + msgLen) % r.dataCap); err != nil {
		return nil, err
	}
	return payload, nil
}

// PeekMessage returns the next frame's payload without advancing head, for
// pollers that must not consume a frame addressed to someone else.
func (r *Ring) PeekMessage() ([]byte, error) {
	avail, err := r.Available()
	if err != nil {
		return nil, err
	}
	if avail < frameHdr {
		return nil, nil
	}

	head, err := r.loadHead()
	if err != nil {
		return nil, err
	}

	var lenBytes [4]byte
	if err := r.copyOut(head, lenBytes[:]); err != nil {
		return nil, err
	}
	msgLen := binary.LittleEndian.Uint32(lenBytes[:])
	if msgLen > r.dataCap-1-frameHdr {
		return nil, sab.NewError(sab.KindFrameMalformed, "ring.PeekMessage").
			WithErr(fmt.Errorf("length prefix %d exceeds capacity %d", msgLen, r.dataCap))
	}
	if avail < frameHdr+msgLen {
		return nil, nil
	}

	payload := make([]byte, msgLen)
	if err := r.copyOut((head+frameHdr)%r.dataCap, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Skip consumes one complete frame without returning it.
func (r *Ring) Skip() (bool, error) {
	avail, err := r.Available()
	if err != nil {
		return false, err
	}
	if avail < frameHdr {
		return false, nil
	}
	head, err := r.loadHead()
	if err != nil {
		return false, err
	}
	var lenBytes [4]byte
	if err := r.copyOut(head, lenBytes[:]); err != nil {
		return false, err
	}
	msgLen := binary.LittleEndian.Uint32(lenBytes[:])
	if avail < frameHdr+msgLen {
		return false, nil
	}
	if err := r.storeHead((head + frameHdr + msgLen) % r.dataCap); err != nil {
		return false, err
	}
	return true, nil
}

// copyIn writes data into the circular area starting at pos, splitting the
// copy at the capacity boundary, and returns the new position. It does NOT
// publish: the caller stores tail after all copies are in place.
func (r *Ring) copyIn(pos uint32, data []byte) (uint32, error) {
	idx := pos % r.dataCap
	first := uint32(len(data))
	if first > r.dataCap-idx {
		first = r.dataCap - idx
	}
	if err := r.view.WriteAt(r.base+headerSize+idx, data[:first]); err != nil {
		return 0, err
	}
	if first < uint32(len(data)) {
		if err := r.view.WriteAt(r.base+headerSize, data[first:]); err != nil {
			return 0, err
		}
	}
	return (pos + uint32(len(data))) % r.dataCap, nil
}

// copyOut reads len(dest) bytes from the circular area starting at pos,
// splitting at the boundary. Head advancement is the caller's decision.
func (r *Ring) copyOut(pos uint32, dest []byte) error {
	idx := pos % r.dataCap
	first := uint32(len(dest))
	if first > r.dataCap-idx {
		first = r.dataCap - idx
	}
	if err := r.view.ReadAt(r.base+headerSize+idx, dest[:first]); err != nil {
		return err
	}
	if first < uint32(len(dest)) {
		if err := r.view.ReadAt(r.base+headerSize, dest[first:]); err != nil {
			return err
		}
	}
	return nil
}
