package reactor

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nmxmxh/inos-v1-sub001/sab"
	"github.com/nmxmxh/inos-v1-sub001/utils"
)

// Pool runs one reactor per registered module on the kernel's thread pool.
// A weighted semaphore bounds how many dispatch loops run a drain at once;
// errgroup supervises them so a reactor's terminal error surfaces instead
// of vanishing in an abandoned goroutine.
type Pool struct {
	view       *sab.View
	dispatcher *Dispatcher
	logger     *utils.Logger
	reactors   []*Reactor
	sem        *semaphore.Weighted
}

// NewPool builds reactors for the given module ids, sharing one dispatcher.
func NewPool(view *sab.View, moduleIDs []uint32, latchedContext uint32, dispatcher *Dispatcher, logger *utils.Logger) (*Pool, error) {
	if logger == nil {
		logger = utils.DefaultLogger("kernel")
	}
	p := &Pool{
		view:       view,
		dispatcher: dispatcher,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(max(2, runtime.NumCPU()))),
	}
	for _, id := range moduleIDs {
		r, err := New(view, id, latchedContext, dispatcher, logger)
		if err != nil {
			return nil, err
		}
		p.reactors = append(p.reactors, r)
	}
	return p, nil
}

// Run drives every reactor until ctx is done or one fails terminally.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range p.reactors {
		r := r
		g.Go(func() error {
			watcher, err := r.watch.Reader()
			if err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				if err := p.sem.Acquire(ctx, 1); err != nil {
					return nil // ctx done
				}
				_, err := r.Poll(ctx)
				p.sem.Release(1)
				if err != nil {
					p.logger.Error("reactor failed", utils.Uint32("module", r.moduleID), utils.Err(err))
					return err
				}
				if _, err := watcher.WaitForChange(50 * time.Millisecond); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}
