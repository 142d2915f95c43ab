package ring

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos-v1-sub001/sab"
)

func newTestRing(t *testing.T, totalSize uint32) *Ring {
	t.Helper()
	view := sab.NewView(sab.NewInMemoryProvider(sab.SizeDefault))
	r, err := New(view, sab.OffsetInboxBase, totalSize)
	require.NoError(t, err)
	return r
}

func TestRoundTrip(t *testing.T) {
	r := newTestRing(t, 4096)

	ok, err := r.WriteMessage([]byte{0x48, 0x49})
	require.NoError(t, err)
	require.True(t, ok)

	avail, err := r.Available()
	require.NoError(t, err)
	assert.Equal(t, uint32(6), avail, "4 length bytes + 2 payload bytes")

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x48, 0x49}, msg)

	avail, err = r.Available()
	require.NoError(t, err)
	assert.Zero(t, avail)
}

func TestEmptyRead(t *testing.T) {
	r := newTestRing(t, 4096)
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestFIFO(t *testing.T) {
	r := newTestRing(t, 4096)

	written := [][]byte{
		[]byte("first"),
		[]byte("second"),
		{},
		bytes.Repeat([]byte{0xAB}, 300),
	}
	for _, w := range written {
		ok, err := r.WriteMessage(w)
		require.NoError(t, err)
		require.True(t, ok)
	}

	for _, want := range written {
		got, err := r.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestWrapAround(t *testing.T) {
	r := newTestRing(t, 64+8) // 64-byte data area

	payload := bytes.Repeat([]byte{0x5A}, 20)
	// Drive head/tail around the boundary repeatedly.
	for i := 0; i < 50; i++ {
		ok, err := r.WriteMessage(payload)
		require.NoError(t, err)
		require.True(t, ok, "iteration %d", i)

		got, err := r.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, payload, got, "iteration %d", i)
	}
}

func TestFullThenDrainThenRetry(t *testing.T) {
	r := newTestRing(t, 64+8)

	frame := bytes.Repeat([]byte{1}, 24) // 28 bytes with prefix
	ok, err := r.WriteMessage(frame)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.WriteMessage(frame)
	require.NoError(t, err)
	require.True(t, ok)

	// 56 of 63 usable bytes consumed; a third frame cannot fit.
	ok, err = r.WriteMessage(frame)
	require.NoError(t, err)
	assert.False(t, ok)

	avail, err := r.Available()
	require.NoError(t, err)
	assert.Equal(t, uint32(56), avail, "failed write must not advance tail")

	_, err = r.ReadMessage()
	require.NoError(t, err)

	ok, err = r.WriteMessage(frame)
	require.NoError(t, err)
	assert.True(t, ok, "retry after drain succeeds")
}

func TestOversizeFrameRejected(t *testing.T) {
	r := newTestRing(t, 64+8)
	_, err := r.WriteMessage(bytes.Repeat([]byte{1}, 64))
	assert.ErrorIs(t, err, sab.ErrFrameMalformed)
}

func TestPeekDoesNotConsume(t *testing.T) {
	r := newTestRing(t, 4096)
	ok, err := r.WriteMessage([]byte("hello"))
	require.NoError(t, err)
	require.True(t, ok)

	p1, err := r.PeekMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), p1)

	p2, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), p2)
}

func TestSkip(t *testing.T) {
	r := newTestRing(t, 4096)
	for _, payload := range []string{"a", "bb"} {
		ok, err := r.WriteMessage([]byte(payload))
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := r.Skip()
	require.NoError(t, err)
	require.True(t, ok)

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("bb"), msg)
}

func TestConcurrentSPSC(t *testing.T) {
	r := newTestRing(t, 1024+8)

	const frames = 500
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < frames; i++ {
			payload := []byte{byte(i), byte(i >> 8), byte(i % 7)}
			for {
				ok, err := r.WriteMessage(payload)
				require.NoError(t, err)
				if ok {
					break
				}
				time.Sleep(time.Microsecond)
			}
		}
	}()

	var got [][]byte
	go func() {
		defer wg.Done()
		for len(got) < frames {
			msg, err := r.ReadMessage()
			require.NoError(t, err)
			if msg == nil {
				time.Sleep(time.Microsecond)
				continue
			}
			got = append(got, msg)
		}
	}()

	wg.Wait()
	require.Len(t, got, frames)
	for i, msg := range got {
		assert.Equal(t, []byte{byte(i), byte(i >> 8), byte(i % 7)}, msg, "frame %d out of order", i)
	}
}

func TestMutex_Exclusion(t *testing.T) {
	view := sab.NewView(sab.NewInMemoryProvider(sab.SizeDefault))
	m := NewMutex(view, sab.IdxOutboxMutex)

	require.NoError(t, m.Lock(context.Background()))

	ok, err := m.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Unlock())

	ok, err = m.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, m.Unlock())
}

func TestMutex_UnlockWithoutHold(t *testing.T) {
	view := sab.NewView(sab.NewInMemoryProvider(sab.SizeDefault))
	m := NewMutex(view, sab.IdxInboxMutex)
	err := m.Unlock()
	assert.ErrorIs(t, err, sab.ErrRegionLocked)
}

func TestMutex_ContendedCounter(t *testing.T) {
	view := sab.NewView(sab.NewInMemoryProvider(sab.SizeDefault))
	m := NewMutex(view, sab.IdxOutboxMutex)

	const goroutines = 8
	const iters = 200
	counter := 0

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				require.NoError(t, m.Lock(context.Background()))
				counter++
				require.NoError(t, m.Unlock())
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, goroutines*iters, counter)
}

func TestMutex_LockCancelled(t *testing.T) {
	view := sab.NewView(sab.NewInMemoryProvider(sab.SizeDefault))
	m := NewMutex(view, sab.IdxOutboxMutex)
	require.NoError(t, m.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Lock(ctx)
	assert.ErrorIs(t, err, sab.ErrRegionLocked)
}
