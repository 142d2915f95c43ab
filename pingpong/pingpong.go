// Package pingpong implements the epoch-flipped double buffer: two
// fixed-size buffers sharing one epoch index, where epoch parity decides
// which side the consumer reads and the producer writes. The hot path is a
// plain bulk copy plus one atomic add per frame; no locks anywhere.
package pingpong

import (
	"fmt"
	"time"

	"github.com/nmxmxh/inos-v1-sub001/epoch"
	"github.com/nmxmxh/inos-v1-sub001/sab"
)

// Buffer is one ping-pong pair. A single producer and a single consumer may
// use it concurrently; concurrent producers are a contract violation the
// producer side must arrange to avoid.
type Buffer struct {
	view       *sab.View
	offsetA    uint32
	offsetB    uint32
	bufferSize uint32
	stride     uint32
	epochIndex int
	ep         *epoch.Epoch
}

// Info describes the side selected for one role at one epoch.
type Info struct {
	Offset    uint32
	Size      uint32
	Epoch     uint32
	IsBufferA bool
}

// Custom builds a buffer from explicit offsets, the one constructor every
// instance goes through.
func Custom(view *sab.View, offsetA, offsetB, bufferSize, stride uint32, epochIndex int) (*Buffer, error) {
	if stride == 0 || stride > bufferSize {
		return nil, sab.NewError(sab.KindLayoutMismatch, "pingpong.Custom").
			WithErr(fmt.Errorf("stride %d invalid for buffer size %d", stride, bufferSize))
	}
	ep, err := epoch.New(view, epochIndex)
	if err != nil {
		return nil, err
	}
	return &Buffer{
		view:       view,
		offsetA:    offsetA,
		offsetB:    offsetB,
		bufferSize: bufferSize,
		stride:     stride,
		epochIndex: epochIndex,
		ep:         ep,
	}, nil
}

// Bird returns the flock-state instance wired to the coordination region.
func Bird(view *sab.View) (*Buffer, error) {
	return Custom(view, sab.OffsetBirdBufferA, sab.OffsetBirdBufferB,
		sab.BirdBufferSize, sab.BirdStride, sab.IdxBirdEpoch)
}

// Matrix returns the transform-output instance wired to the coordination region.
func Matrix(view *sab.View) (*Buffer, error) {
	return Custom(view, sab.OffsetMatrixBufferA, sab.OffsetMatrixBufferB,
		sab.MatrixBufferSize, sab.MatrixStride, sab.IdxMatrixEpoch)
}

// CurrentEpoch returns the raw epoch word.
func (b *Buffer) CurrentEpoch() (uint32, error) {
	return b.view.Load(sab.FlagOffset(b.epochIndex))
}

// IsBufferAActive reports whether A is the read side (even epoch).
func (b *Buffer) IsBufferAActive() (bool, error) {
	e, err := b.CurrentEpoch()
	if err != nil {
		return false, err
	}
	return e%2 == 0, nil
}

// ReadBufferInfo describes where the consumer reads at the current epoch.
func (b *Buffer) ReadBufferInfo() (Info, error) {
	e, err := b.CurrentEpoch()
	if err != nil {
		return Info{}, err
	}
	isA := e%2 == 0
	off := b.offsetB
	if isA {
		off = b.offsetA
	}
	return Info{Offset: off, Size: b.bufferSize, Epoch: e, IsBufferA: isA}, nil
}

// WriteBufferInfo describes where the producer writes at the current epoch:
// always the opposite side of the read buffer.
func (b *Buffer) WriteBufferInfo() (Info, error) {
	e, err := b.CurrentEpoch()
	if err != nil {
		return Info{}, err
	}
	isA := e%2 == 0
	off := b.offsetA
	if isA {
		off = b.offsetB
	}
	return Info{Offset: off, Size: b.bufferSize, Epoch: e, IsBufferA: !isA}, nil
}

// ReadAll copies the whole read buffer into dest and returns the epoch the
// copy was taken at.
func (b *Buffer) ReadAll(dest []byte) (uint32, error) {
	if uint32(len(dest)) < b.bufferSize {
		return 0, sab.NewError(sab.KindOutOfBounds, "pingpong.ReadAll").
			WithErr(fmt.Errorf("destination %d bytes, buffer %d", len(dest), b.bufferSize))
	}
	info, err := b.ReadBufferInfo()
	if err != nil {
		return 0, err
	}
	if err := b.view.ReadAt(info.Offset, dest[:b.bufferSize]); err != nil {
		return 0, err
	}
	return info.Epoch, nil
}

// WriteAll copies data into the write buffer. The bytes stay invisible to
// the consumer until Flip.
func (b *Buffer) WriteAll(data []byte) (uint32, error) {
	if uint32(len(data)) > b.bufferSize {
		return 0, sab.NewError(sab.KindOutOfBounds, "pingpong.WriteAll").
			WithErr(fmt.Errorf("data %d bytes, buffer %d", len(data), b.bufferSize))
	}
	info, err := b.WriteBufferInfo()
	if err != nil {
		return 0, err
	}
	if err := b.view.WriteAt(info.Offset, data); err != nil {
		return 0, err
	}
	return info.Epoch, nil
}

// WriteItem places one stride-sized record at index within the write buffer.
func (b *Buffer) WriteItem(index uint32, record []byte) error {
	if uint32(len(record)) > b.stride {
		return sab.NewError(sab.KindOutOfBounds, "pingpong.WriteItem").
			WithErr(fmt.Errorf("record %d bytes exceeds stride %d", len(record), b.stride))
	}
	if index >= b.MaxItems() {
		return sab.NewError(sab.KindOutOfBounds, "pingpong.WriteItem").
			WithErr(fmt.Errorf("index %d exceeds capacity %d", index, b.MaxItems()))
	}
	info, err := b.WriteBufferInfo()
	if err != nil {
		return err
	}
	return b.view.WriteAt(info.Offset+index*b.stride, record)
}

// ReadItem copies the stride-sized record at index from the read buffer.
func (b *Buffer) ReadItem(index uint32, dest []byte) error {
	if uint32(len(dest)) > b.stride {
		return sab.NewError(sab.KindOutOfBounds, "pingpong.ReadItem").
			WithErr(fmt.Errorf("destination %d bytes exceeds stride %d", len(dest), b.stride))
	}
	if index >= b.MaxItems() {
		return sab.NewError(sab.KindOutOfBounds, "pingpong.ReadItem").
			WithErr(fmt.Errorf("index %d exceeds capacity %d", index, b.MaxItems()))
	}
	info, err := b.ReadBufferInfo()
	if err != nil {
		return err
	}
	return b.view.ReadAt(info.Offset+index*b.stride, dest)
}

// Flip publishes the write buffer: one atomic add swaps the roles and wakes
// any consumer blocked in WaitForFlip. After Flip the producer must treat
// its previous write side as read-only until the next Flip.
func (b *Buffer) Flip() (uint32, error) {
	if err := b.ep.Increment(); err != nil {
		return 0, err
	}
	newEpoch, err := b.CurrentEpoch()
	if err != nil {
		return 0, err
	}
	active := uint32(0)
	if newEpoch%2 != 0 {
		active = 1
	}
	if err := b.view.Store(sab.FlagOffset(sab.IdxPingPongActive), active); err != nil {
		return 0, err
	}
	return newEpoch, nil
}

// WaitForFlip blocks the consumer until the producer flips or timeout
// elapses, returning the epoch observed on wake.
func (b *Buffer) WaitForFlip(timeout time.Duration) (uint32, bool, error) {
	reader, err := b.ep.Reader()
	if err != nil {
		return 0, false, err
	}
	woke, err := reader.WaitForChange(timeout)
	if err != nil {
		return 0, false, err
	}
	cur, err := b.CurrentEpoch()
	if err != nil {
		return 0, false, err
	}
	return cur, woke, nil
}

// Stride returns the per-record size.
func (b *Buffer) Stride() uint32 { return b.stride }

// MaxItems returns how many stride-sized records fit one side.
func (b *Buffer) MaxItems() uint32 { return b.bufferSize / b.stride }
