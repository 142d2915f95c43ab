// Package epoch implements the wait-free epoch signaling primitive:
// a single atomic word a writer bumps after publishing new state, and a
// fast-path-then-spin-then-channel wait on the reader side.
package epoch

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/inos-v1-sub001/sab"
)

// Epoch provides wait-free notification for a single flag-index word.
type Epoch struct {
	index     int
	view      *sab.View
	lastValue uint32

	waiters   *[]chan struct{}
	waitersMu *sync.RWMutex

	stats *Stats
}

// Stats tracks epoch performance metrics, exposed for diagnostics.
type Stats struct {
	Increments uint64
	Wakes      uint64
}

// New creates an epoch bound to the atomic-flags word at the given index.
// index must be one of the sab.Idx* constants or a supervisor-pool index.
func New(view *sab.View, index int) (*Epoch, error) {
	offset := sab.OffsetAtomicFlags + uint32(index)*4
	lastValue, err := view.Load(offset)
	if err != nil {
		return nil, err
	}
	waiters := make([]chan struct{}, 0, 8)
	return &Epoch{
		index:     index,
		view:      view,
		lastValue: lastValue,
		waiters:   &waiters,
		waitersMu: &sync.RWMutex{},
		stats:     &Stats{},
	}, nil
}

// Reader creates a new reader instance sharing this epoch's waiter list, so
// a single Increment wakes every reader regardless of which one registered.
func (e *Epoch) Reader() (*Epoch, error) {
	offset := sab.OffsetAtomicFlags + uint32(e.index)*4
	lastValue, err := e.view.Load(offset)
	if err != nil {
		return nil, err
	}
	return &Epoch{
		index:     e.index,
		view:      e.view,
		lastValue: lastValue,
		waiters:   e.waiters,
		waitersMu: e.waitersMu,
		stats:     e.stats,
	}, nil
}

// WaitForChange blocks until the word changes or timeout elapses. The fast
// path and 1µs spin keep wake latency sub-microsecond for the common case of
// a writer that has already published by the time the reader checks;
// channel registration only kicks in once the spin budget is spent.
func (e *Epoch) WaitForChange(timeout time.Duration) (bool, error) {
	offset := sab.OffsetAtomicFlags + uint32(e.index)*4
	start := time.Now()

	current, err := e.view.Load(offset)
	if err != nil {
		return false, err
	}
	if current != e.lastValue {
		e.lastValue = current
		atomic.AddUint64(&e.stats.Wakes, 1)
		return true, nil
	}

	spinDeadline := start.Add(time.Microsecond)
	for time.Now().Before(spinDeadline) {
		runtime.Gosched()
		current, err := e.view.Load(offset)
		if err != nil {
			return false, err
		}
		if current != e.lastValue {
			e.lastValue = current
			atomic.AddUint64(&e.stats.Wakes, 1)
			return true, nil
		}
	}

	// Park on the shared waiter list, re-checking the word on a coarse
	// ticker as well: an increment from another process (or another Epoch
	// instance over the same buffer) changes the word without touching this
	// instance's channels.
	ch := make(chan struct{}, 1)
	e.addWaiter(ch)
	defer e.removeWaiter(ch)

	recheck := time.NewTicker(500 * time.Microsecond)
	defer recheck.Stop()
	deadline := time.After(timeout - time.Since(start))

	for {
		select {
		case <-ch:
		case <-recheck.C:
		case <-deadline:
			return false, nil
		}
		current, err := e.view.Load(offset)
		if err != nil {
			return false, err
		}
		if current != e.lastValue {
			e.lastValue = current
			atomic.AddUint64(&e.stats.Wakes, 1)
			return true, nil
		}
	}
}

// HasChanged polls the word once, comparing against the value seen by the
// previous HasChanged/WaitForChange, and advances last-seen on success. This
// is the non-blocking path for main-thread observers that must never park.
func (e *Epoch) HasChanged() (bool, error) {
	current, err := e.view.Load(sab.FlagOffset(e.index))
	if err != nil {
		return false, err
	}
	if current == e.lastValue {
		return false, nil
	}
	e.lastValue = current
	atomic.AddUint64(&e.stats.Wakes, 1)
	return true, nil
}

// Increment bumps this epoch and, if its index is one of the rollup
// indices, also bumps IdxSystemEpoch, so a reader watching only the system
// epoch still observes every component-level change.
func (e *Epoch) Increment() error {
	offset := sab.OffsetAtomicFlags + uint32(e.index)*4
	if _, err := e.view.Add(offset, 1); err != nil {
		return err
	}
	atomic.AddUint64(&e.stats.Increments, 1)
	go e.notifyWaiters()

	if e.rollsUpToSystem() {
		sysOffset := sab.OffsetAtomicFlags + uint32(sab.IdxSystemEpoch)*4
		if _, err := e.view.Add(sysOffset, 1); err != nil {
			return err
		}
	}
	return nil
}

func (e *Epoch) rollsUpToSystem() bool {
	for _, idx := range sab.SystemEpochRollup {
		if idx == e.index {
			return true
		}
	}
	return false
}

// Value returns the current raw epoch word.
func (e *Epoch) Value() (uint32, error) {
	return e.view.Load(sab.OffsetAtomicFlags + uint32(e.index)*4)
}

func (e *Epoch) addWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	*e.waiters = append(*e.waiters, ch)
}

func (e *Epoch) removeWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for i, waiter := range *e.waiters {
		if waiter == ch {
			*e.waiters = append((*e.waiters)[:i], (*e.waiters)[i+1:]...)
			break
		}
	}
}

func (e *Epoch) notifyWaiters() {
	e.waitersMu.RLock()
	waiters := make([]chan struct{}, len(*e.waiters))
	copy(waiters, *e.waiters)
	e.waitersMu.RUnlock()

	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
