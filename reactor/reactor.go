package reactor

import (
	"context"
	"fmt"
	"time"

	"github.com/nmxmxh/inos-v1-sub001/epoch"
	"github.com/nmxmxh/inos-v1-sub001/ring"
	"github.com/nmxmxh/inos-v1-sub001/sab"
	"github.com/nmxmxh/inos-v1-sub001/transport"
	"github.com/nmxmxh/inos-v1-sub001/utils"
)

// State enumerates the per-module machine.
type State int

const (
	StateIdle State = iota
	StateDispatching
	StateWriting
	StateReporting
	StatePublishing
	StateBackPressured
	// StateZombie is absorbing: entered when the context fence trips, every
	// subsequent request fast-fails without side effects.
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDispatching:
		return "Dispatching"
	case StateWriting:
		return "Writing"
	case StateReporting:
		return "Reporting"
	case StatePublishing:
		return "Publishing"
	case StateBackPressured:
		return "BackPressured"
	case StateZombie:
		return "Zombie"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reactor serves one module's syscall traffic: requests out of the module's
// outbox, responses into its inbox.
type Reactor struct {
	view       *sab.View
	moduleID   uint32
	requests   *ring.Ring
	responses  *ring.Ring
	inMutex    *ring.Mutex  // serializes inbox writers: this reactor's responses vs. forwarded frames
	watch      *epoch.Epoch // bumped by the module after each outbox write
	publish    *epoch.Epoch // bumped here after each inbox write
	fence      *sab.Fence
	latched    uint32
	dispatcher *Dispatcher
	logger     *utils.Logger

	state State
}

// New builds a reactor for moduleID. latchedContext is the fence value the
// kernel booted with.
func New(view *sab.View, moduleID uint32, latchedContext uint32, dispatcher *Dispatcher, logger *utils.Logger) (*Reactor, error) {
	if moduleID >= sab.MaxModules {
		return nil, sab.NewError(sab.KindOutOfBounds, "reactor.New").
			WithErr(fmt.Errorf("module id %d exceeds %d", moduleID, sab.MaxModules))
	}
	requests, err := ring.New(view, sab.OutboxOffset(moduleID), sab.SizeMailbox)
	if err != nil {
		return nil, err
	}
	responses, err := ring.New(view, sab.InboxOffset(moduleID), sab.SizeMailbox)
	if err != nil {
		return nil, err
	}
	watch, err := epoch.New(view, sab.IdxOutboxDirtyKernel)
	if err != nil {
		return nil, err
	}
	publish, err := epoch.New(view, sab.IdxInboxDirty)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.DefaultLogger("reactor")
	}
	return &Reactor{
		view:       view,
		moduleID:   moduleID,
		requests:   requests,
		responses:  responses,
		inMutex:    ring.NewMutex(view, sab.IdxInboxMutex),
		watch:      watch,
		publish:    publish,
		fence:      sab.NewFence(view),
		latched:    latchedContext,
		dispatcher: dispatcher,
		logger:     logger.With(utils.Uint32("module", moduleID)),
		state:      StateIdle,
	}, nil
}

// State returns the machine's current state, for observation.
func (r *Reactor) State() State { return r.state }

// Poll runs the machine until the request mailbox is drained or a request
// is left unacked under backpressure. It returns the number of frames
// consumed from the request mailbox: answered requests (fast-failed ones
// included) plus malformed or undecodable frames that were dropped.
func (r *Reactor) Poll(ctx context.Context) (int, error) {
	served := 0
	for {
		progressed, err := r.step(ctx)
		if err != nil {
			return served, err
		}
		if !progressed {
			return served, nil
		}
		served++
	}
}

// step serves at most one request: peek, dispatch, write, publish, ack.
func (r *Reactor) step(ctx context.Context) (bool, error) {
	frame, err := r.requests.PeekMessage()
	if err != nil {
		// A malformed length prefix poisons the whole stream; report and
		// drop the frame to resynchronize.
		r.logger.Error("malformed request frame dropped", utils.Err(err))
		_, skipErr := r.requests.Skip()
		return skipErr == nil, skipErr
	}
	if frame == nil {
		if r.state != StateZombie {
			r.state = StateIdle
		}
		return false, nil
	}

	req, err := transport.Decode(frame)
	if err != nil {
		r.logger.Warn("undecodable request dropped", utils.Err(err))
		_, err := r.requests.Skip()
		return err == nil, err
	}

	var resp *transport.Message

	valid, err := r.fence.IsValid(r.latched)
	if err != nil {
		return false, err
	}
	if !valid || r.state == StateZombie {
		// Zombie: fail fast, commit nothing beyond the response itself. The
		// state is absorbing, so it is restored once this step returns.
		r.state = StateZombie
		defer func() { r.state = StateZombie }()
		resp = respond(req, transport.StatusFatal, []byte("context invalid"))
	} else {
		r.state = StateDispatching
		resp = r.dispatch(ctx, req)
	}

	r.state = StateWriting
	ok, err := r.writeResponse(ctx, resp)
	if err != nil {
		return false, err
	}
	if !ok {
		// Inbox full: leave the request unacked and back off. The module
		// will see the same request again next poll (at-least-once).
		r.state = StateBackPressured
		return false, nil
	}

	r.state = StatePublishing
	if err := r.publish.Increment(); err != nil {
		return false, err
	}
	if _, err := r.requests.Skip(); err != nil {
		return false, err
	}
	r.state = StateIdle
	return true, nil
}

// dispatch invokes the handler table, catching panics at the reactor
// boundary: a panicking handler becomes a Fatal response plus a tick of the
// shared panic flag, never an escaped goroutine crash.
func (r *Reactor) dispatch(ctx context.Context, req *transport.Message) (resp *transport.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic", utils.Any("panic", rec),
				utils.Uint64("call_id", req.CallID))
			if _, err := r.view.Add(sab.FlagOffset(sab.IdxPanicState), 1); err != nil {
				r.logger.Error("panic flag update failed", utils.Err(err))
			}
			resp = respond(req, transport.StatusFatal, []byte(fmt.Sprint(rec)))
		}
	}()

	out, err := r.dispatcher.Dispatch(ctx, req)
	if err != nil {
		r.state = StateReporting
		r.logger.Warn("handler error", utils.Uint64("call_id", req.CallID), utils.Err(err))
		return respond(req, transport.StatusFatal, []byte(err.Error()))
	}
	return out
}

func (r *Reactor) writeResponse(ctx context.Context, resp *transport.Message) (bool, error) {
	frame, err := resp.Encode()
	if err != nil {
		return false, err
	}
	// The inbox has more than one writer (this reactor's responses, other
	// reactors forwarding pushed frames); the inbox mutex keeps the ring
	// SPSC on the wire.
	if err := r.inMutex.Lock(ctx); err != nil {
		return false, err
	}
	defer func() {
		if err := r.inMutex.Unlock(); err != nil {
			r.logger.Error("inbox mutex unlock failed", utils.Err(err))
		}
	}()
	return r.responses.WriteMessage(frame)
}

// Run polls until ctx is done, blocking on the outbox-dirty epoch between
// drains. The wait timeout doubles as the shutdown check interval.
func (r *Reactor) Run(ctx context.Context) error {
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
		if _, err := r.Poll(ctx); err != nil {
			return err
		}
		if _, err := watcher.WaitForChange(50 * time.Millisecond); err != nil {
			return err
		}
	}
}
