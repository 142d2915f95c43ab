package ring

import (
	"context"
	"runtime"
	"time"

	"github.com/nmxmxh/inos-v1-sub001/sab"
)

const maxBackoff = 64

// Mutex serializes multiple producers onto one mailbox through a flag-index
// word: CAS 0 -> 1 with exponential spin backoff. The wire stays SPSC; the
// mutex only decides which producer gets the next turn.
type Mutex struct {
	view   *sab.View
	offset uint32
}

// NewMutex binds a mutex to one of the sab.Idx* mutex flag words.
func NewMutex(view *sab.View, flagIndex int) *Mutex {
	return &Mutex{view: view, offset: sab.FlagOffset(flagIndex)}
}

// Lock spins until the word is acquired or ctx is done. The backoff doubles
// from 1 to 64 scheduler yields per miss, with jitter so two losers don't
// retry in lockstep.
func (m *Mutex) Lock(ctx context.Context) error {
	backoff := 1
	for {
		swapped, err := m.view.CompareExchange(m.offset, 0, 1)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
		select {
		case <-ctx.Done():
			return sab.NewError(sab.KindRegionLocked, "ring.Mutex.Lock").WithErr(ctx.Err())
		default:
		}
		spins := backoff + int(sab.Jitter()*float64(backoff))
		for i := 0; i < spins; i++ {
			runtime.Gosched()
		}
		if backoff < maxBackoff {
			backoff *= 2
		} else {
			// Spinning is exhausted; fall back to sleeping so a stalled
			// holder doesn't burn a core.
			time.Sleep(time.Millisecond)
		}
	}
}

// TryLock attempts a single CAS and reports whether it won.
func (m *Mutex) TryLock() (bool, error) {
	return m.view.CompareExchange(m.offset, 0, 1)
}

// Unlock releases the word. Unlocking a mutex the caller does not hold is a
// protocol bug and surfaces as RegionLocked.
func (m *Mutex) Unlock() error {
	swapped, err := m.view.CompareExchange(m.offset, 1, 0)
	if err != nil {
		return err
	}
	if !swapped {
		return sab.NewError(sab.KindRegionLocked, "ring.Mutex.Unlock")
	}
	return nil
}
