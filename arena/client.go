package arena

import (
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/inos-v1-sub001/epoch"
	"github.com/nmxmxh/inos-v1-sub001/sab"
)

// FreeFlag marks a request as a free: the offset rides in the owner-hash
// field and no response is written.
const FreeFlag = 0xFF

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// OwnerHash identifies an allocation owner in queue entries.
func OwnerHash(owner string) uint32 {
	return crc32.Checksum([]byte(owner), castagnoli)
}

// Client is a module's handle on the arena queues: it writes request
// entries, signals the allocator epoch, and busy-polls the response slot.
type Client struct {
	view   *sab.View
	ep     *epoch.Epoch
	nextID atomic.Uint64

	limiter *limiter.TokenBucket
	timeout time.Duration
}

// ClientOption adjusts a Client at construction.
type ClientOption func(*Client)

// WithResponseTimeout overrides the 1-second response poll budget.
func WithResponseTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient binds a client to the arena queues of view's buffer.
func NewClient(view *sab.View, opts ...ClientOption) (*Client, error) {
	ep, err := epoch.New(view, sab.IdxArenaAllocatorEpoch)
	if err != nil {
		return nil, err
	}

	// Admission control: one runaway owner must not starve the queue. The
	// limiter fails open; a throttled request is delayed one tick, never
	// dropped.
	tb, err := limiter.NewTokenBucket(
		limiter.Config{Rate: 512, Duration: time.Second, Burst: 128},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, err
	}

	c := &Client{view: view, ep: ep, limiter: tb, timeout: time.Second}
	c.nextID.Store(1)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Allocate requests size bytes on behalf of owner and returns the offset.
func (c *Client) Allocate(size uint32, owner string) (uint32, error) {
	return c.AllocateWithFlags(size, owner, 0)
}

// AllocateWithFlags requests size bytes with allocation flags.
func (c *Client) AllocateWithFlags(size uint32, owner string, flags uint8) (uint32, error) {
	c.admit(owner)

	id := c.nextID.Add(1) - 1
	if err := c.writeRequest(id, size, OwnerHash(owner), flags); err != nil {
		return 0, err
	}
	if err := c.ep.Increment(); err != nil {
		return 0, err
	}
	return c.awaitResponse(id)
}

// Free releases an allocation. Fire-and-forget: the request is queued and
// signaled, but no response is awaited and none is written.
func (c *Client) Free(offset uint32, owner string) error {
	c.admit(owner)

	id := c.nextID.Add(1) - 1
	if err := c.writeRequest(id, 0, offset, FreeFlag); err != nil {
		return err
	}
	return c.ep.Increment()
}

func (c *Client) admit(owner string) {
	if !c.limiter.Allow(owner) {
		time.Sleep(time.Duration((1 + sab.Jitter()) * float64(time.Millisecond)))
	}
}

func (c *Client) writeRequest(id uint64, size, ownerHash uint32, flags uint8) error {
	var entry [sab.ArenaQueueEntrySize]byte
	binary.LittleEndian.PutUint64(entry[0:], id)
	binary.LittleEndian.PutUint32(entry[8:], size)
	binary.LittleEndian.PutUint32(entry[12:], ownerHash)
	entry[16] = 0 // priority
	entry[17] = flags

	slot := uint32(id % sab.MaxArenaRequests)
	return c.view.WriteAt(sab.OffsetArenaRequestQueue+slot*sab.ArenaQueueEntrySize, entry[:])
}

func (c *Client) awaitResponse(id uint64) (uint32, error) {
	slot := uint32(id % sab.MaxArenaRequests)
	respOffset := sab.OffsetArenaResponseQueue + slot*sab.ArenaQueueEntrySize

	var result uint32
	found, err := sab.SpinWait(c.timeout, 100*time.Microsecond, func() (bool, error) {
		var entry [16]byte
		if err := c.view.ReadAt(respOffset, entry[:]); err != nil {
			return false, err
		}
		if binary.LittleEndian.Uint64(entry[0:]) != id {
			return false, nil
		}
		result = binary.LittleEndian.Uint32(entry[8:])
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, sab.NewError(sab.KindTimeout, "arena.Client.Allocate")
	}
	if result == 0 {
		return 0, sab.NewError(sab.KindOutOfMemory, "arena.Client.Allocate")
	}
	return result, nil
}
