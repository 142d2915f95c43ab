package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/inos-v1-sub001/epoch"
	"github.com/nmxmxh/inos-v1-sub001/ring"
	"github.com/nmxmxh/inos-v1-sub001/sab"
	"github.com/nmxmxh/inos-v1-sub001/utils"
)

const (
	// DefaultTimeout is the per-call response budget.
	DefaultTimeout = 5 * time.Second

	// basePollDelay seeds the exponential response-poll backoff.
	basePollDelay = 1000 * time.Microsecond
	maxPollDelay  = 64 * time.Millisecond

	// maxInbound bounds the pushed-frame queue of a module that has no
	// OnMessage handler and isn't polling.
	maxInbound = 64
)

// Client is one module's endpoint on the bus. Outbound, it writes syscall
// request frames into the module's outbox under the outbox mutex, signals
// the kernel, and polls the inbox for the response carrying its call id.
// Inbound, the same inbox also carries frames the kernel pushes at this
// module (another module's SendMessage); every drain routes those to the
// OnMessage handler or the PollInbound queue instead of discarding them.
type Client struct {
	view     *sab.View
	moduleID uint32
	outbox   *ring.Ring
	inbox    *ring.Ring
	mutex    *ring.Mutex
	outEp    *epoch.Epoch
	fence    *sab.Fence
	latched  uint32
	logger   *utils.Logger
	timeout  time.Duration

	callID atomic.Uint64

	// inboxMu serializes the inbox drain: the ring is single-consumer, but
	// several awaiters (and PollInbound) may race to be that consumer.
	inboxMu sync.Mutex

	// Responses read while looking for a different call id are parked here
	// for the awaiter they belong to.
	pendingMu sync.Mutex
	pending   map[uint64]*Message

	// Pushed (non-response) frames the kernel routed into this inbox, e.g.
	// another module's SendMessage. Delivered to onMessage when set,
	// otherwise queued for PollInbound.
	inboundMu sync.Mutex
	inbound   []*Message
	onMessage func(*Message)

	// One breaker per opcode (per service name for HostCall): a wedged
	// kernel trips the path open instead of letting every caller burn its
	// full timeout.
	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker[*Message]

	limiter *limiter.TokenBucket
}

// ClientOption adjusts a Client at construction.
type ClientOption func(*Client)

// WithTimeout overrides the per-call response budget.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithLogger replaces the default logger.
func WithLogger(l *utils.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient binds a syscall client to moduleID's mailboxes. latchedContext
// is the context hash the module latched at init; every call checks it
// against the fence before touching the bus.
func NewClient(view *sab.View, moduleID uint32, latchedContext uint32, opts ...ClientOption) (*Client, error) {
	if moduleID >= sab.MaxModules {
		return nil, sab.NewError(sab.KindOutOfBounds, "transport.NewClient").
			WithErr(fmt.Errorf("module id %d exceeds %d", moduleID, sab.MaxModules))
	}
	outbox, err := ring.New(view, sab.OutboxOffset(moduleID), sab.SizeMailbox)
	if err != nil {
		return nil, err
	}
	inbox, err := ring.New(view, sab.InboxOffset(moduleID), sab.SizeMailbox)
	if err != nil {
		return nil, err
	}
	outEp, err := epoch.New(view, sab.IdxOutboxDirtyKernel)
	if err != nil {
		return nil, err
	}
	tb, err := limiter.NewTokenBucket(
		limiter.Config{Rate: 1024, Duration: time.Second, Burst: 256},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, err
	}

	c := &Client{
		view:     view,
		moduleID: moduleID,
		outbox:   outbox,
		inbox:    inbox,
		mutex:    ring.NewMutex(view, sab.IdxOutboxMutex),
		outEp:    outEp,
		fence:    sab.NewFence(view),
		latched:  latchedContext,
		logger:   utils.DefaultLogger("syscall").With(utils.Uint32("module", moduleID)),
		timeout:  DefaultTimeout,
		pending:  make(map[uint64]*Message),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*Message]),
		limiter:  tb,
	}
	c.callID.Store(1)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NextCallID exposes the counter for correlation tests.
func (c *Client) NextCallID() uint64 { return c.callID.Load() }

// OnMessage registers the handler for pushed frames. It runs on whichever
// goroutine drains the inbox (an awaiter or a PollInbound caller), so it
// must not block. Register before issuing traffic; frames drained earlier
// sit in the PollInbound queue and are not replayed through the handler.
func (c *Client) OnMessage(fn func(*Message)) {
	c.inboundMu.Lock()
	defer c.inboundMu.Unlock()
	c.onMessage = fn
}

// PollInbound drains the inbox and returns the oldest pushed frame, or nil
// when none is waiting. An idle module (no outstanding calls) drives its
// reception with this from its poll loop.
func (c *Client) PollInbound() (*Message, error) {
	if _, err := c.drainInbox(0); err != nil {
		return nil, err
	}
	return c.popInbound(), nil
}

// FetchChunk asks the kernel to materialize a chunk into the arena.
func (c *Client) FetchChunk(ctx context.Context, hash string, destOffset uint64, destSize uint32) (*FetchChunkResult, error) {
	resp, err := c.call(ctx, OpFetchChunk, OpFetchChunk.String(), (&FetchChunkRequest{
		Hash: hash, DestOffset: destOffset, DestSize: destSize,
	}).EncodeBody())
	if err != nil {
		return nil, err
	}
	if err := statusErr(resp); err != nil {
		return nil, err
	}
	return DecodeFetchChunkResult(resp.Body)
}

// StoreChunk asks the kernel to persist arena bytes under a content hash.
func (c *Client) StoreChunk(ctx context.Context, hash string, srcOffset uint64, size uint32) (*StoreChunkResult, error) {
	resp, err := c.call(ctx, OpStoreChunk, OpStoreChunk.String(), (&StoreChunkRequest{
		Hash: hash, SrcOffset: srcOffset, Size: size,
	}).EncodeBody())
	if err != nil {
		return nil, err
	}
	if err := statusErr(resp); err != nil {
		return nil, err
	}
	return DecodeStoreChunkResult(resp.Body)
}

// SendMessage routes a payload to another module through the kernel.
// Delivered means the frame reached the target's mailbox; the target reads
// it via its own client's OnMessage handler or PollInbound.
func (c *Client) SendMessage(ctx context.Context, targetID string, payload []byte) (*SendMessageResult, error) {
	resp, err := c.call(ctx, OpSendMessage, OpSendMessage.String(), (&SendMessageRequest{
		TargetID: targetID, Payload: payload,
	}).EncodeBody())
	if err != nil {
		return nil, err
	}
	if err := statusErr(resp); err != nil {
		return nil, err
	}
	return DecodeSendMessageResult(resp.Body)
}

// HostCall proxies to a named host service. The breaker is keyed by service
// so one wedged service does not trip the others.
func (c *Client) HostCall(ctx context.Context, req *HostCallRequest) (*HostCallResult, error) {
	resp, err := c.call(ctx, OpHostCall, "host:"+req.Service, req.EncodeBody())
	if err != nil {
		return nil, err
	}
	if err := statusErr(resp); err != nil {
		return nil, err
	}
	return DecodeHostCallResult(resp.Body)
}

// Call issues a raw request and returns the raw response, for callers
// speaking an opcode the typed wrappers don't cover.
func (c *Client) Call(ctx context.Context, opcode Opcode, body []byte) (*Message, error) {
	return c.call(ctx, opcode, opcode.String(), body)
}

func statusErr(resp *Message) error {
	switch resp.Status {
	case StatusSuccess, StatusPending:
		return nil
	case StatusNotFound:
		return sab.NewError(sab.KindOutOfBounds, "transport.call").
			WithErr(fmt.Errorf("%s: %s", resp.Opcode, string(resp.Body)))
	case StatusUnauthorized:
		return sab.NewError(sab.KindUnauthorized, "transport.call").
			WithErr(fmt.Errorf("%s refused", resp.Opcode))
	case StatusBusy:
		return sab.NewError(sab.KindMailboxFull, "transport.call").
			WithErr(fmt.Errorf("%s backpressured", resp.Opcode))
	default:
		return sab.NewError(sab.KindContextInvalid, "transport.call").
			WithErr(fmt.Errorf("%s fatal: %s", resp.Opcode, string(resp.Body)))
	}
}

func (c *Client) call(ctx context.Context, opcode Opcode, breakerKey string, body []byte) (*Message, error) {
	valid, err := c.fence.IsValid(c.latched)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, sab.NewError(sab.KindContextInvalid, "transport.call")
	}

	if !c.limiter.Allow(fmt.Sprintf("%d:%s", c.moduleID, breakerKey)) {
		// Admission control fails open: delay one tick, never refuse.
		time.Sleep(time.Duration((1 + sab.Jitter()) * float64(time.Millisecond)))
	}

	resp, err := c.breaker(breakerKey).Execute(func() (*Message, error) {
		return c.send(ctx, opcode, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Short-circuit without touching the outbox: surface as Busy.
		return &Message{Opcode: opcode, Status: StatusBusy, IsResponse: true}, nil
	}
	return resp, err
}

func (c *Client) breaker(key string) *gobreaker.CircuitBreaker[*Message] {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	if cb, ok := c.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*Message](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	c.breakers[key] = cb
	return cb
}

func (c *Client) send(ctx context.Context, opcode Opcode, body []byte) (*Message, error) {
	id := c.callID.Add(1) - 1
	req := &Message{
		CallID:       id,
		SourceModule: c.moduleID,
		Opcode:       opcode,
		Version:      1,
		Body:         body,
	}
	frame, err := req.Encode()
	if err != nil {
		return nil, err
	}

	if err := c.writeOutbox(ctx, frame); err != nil {
		return nil, err
	}
	if err := c.outEp.Increment(); err != nil {
		return nil, err
	}
	return c.awaitResponse(ctx, id)
}

func (c *Client) writeOutbox(ctx context.Context, frame []byte) error {
	if err := c.mutex.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.mutex.Unlock(); err != nil {
			c.logger.Error("outbox mutex unlock failed", utils.Err(err))
		}
	}()

	ok, err := c.outbox.WriteMessage(frame)
	if err != nil {
		return err
	}
	if !ok {
		return sab.NewError(sab.KindMailboxFull, "transport.send")
	}
	return nil
}

// awaitResponse polls the inbox with exponential backoff until the frame
// carrying id arrives, the budget runs out, or the fence trips. Frames for
// other outstanding calls are parked, and pushed frames are handed to the
// inbound path; nothing readable is dropped.
func (c *Client) awaitResponse(ctx context.Context, id uint64) (*Message, error) {
	deadline := time.Now().Add(c.timeout)
	delay := basePollDelay

	for {
		if msg := c.takePending(id); msg != nil {
			return msg, nil
		}

		if msg, err := c.drainInbox(id); err != nil {
			return nil, err
		} else if msg != nil {
			return msg, nil
		}

		valid, err := c.fence.IsValid(c.latched)
		if err != nil {
			return nil, err
		}
		if !valid {
			return nil, sab.NewError(sab.KindContextInvalid, "transport.awaitResponse")
		}

		if time.Now().After(deadline) {
			return nil, sab.NewError(sab.KindTimeout, "transport.awaitResponse").
				WithErr(fmt.Errorf("call %d unanswered after %s", id, c.timeout))
		}
		select {
		case <-ctx.Done():
			return nil, sab.NewError(sab.KindTimeout, "transport.awaitResponse").WithErr(ctx.Err())
		case <-time.After(delay + time.Duration(sab.Jitter()*float64(delay)/4)):
		}
		if delay < maxPollDelay {
			delay *= 2
		}
	}
}

// drainInbox consumes every complete frame currently readable. A response
// matching want (want 0 matches nothing; call ids start at 1) is returned;
// other responses are parked for their awaiters; pushed frames go to the
// inbound handler or queue.
func (c *Client) drainInbox(want uint64) (*Message, error) {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()

	var match *Message
	for {
		frame, err := c.inbox.ReadMessage()
		if err != nil {
			return nil, err
		}
		if frame == nil {
			return match, nil
		}
		msg, err := Decode(frame)
		if err != nil {
			c.logger.Warn("malformed inbox frame skipped", utils.Err(err))
			continue
		}
		switch {
		case !msg.IsResponse:
			c.dispatchInbound(msg)
		case msg.CallID == want && match == nil:
			match = msg
		default:
			c.parkPending(msg)
		}
	}
}

// dispatchInbound hands a pushed frame to the registered handler, or queues
// it for PollInbound. The queue is bounded; overflow evicts the oldest
// frame, which is the mailbox's own back-pressure made visible.
func (c *Client) dispatchInbound(msg *Message) {
	c.inboundMu.Lock()
	fn := c.onMessage
	if fn == nil {
		if len(c.inbound) >= maxInbound {
			dropped := c.inbound[0]
			c.inbound = c.inbound[1:]
			c.logger.Warn("inbound queue full, oldest frame dropped",
				utils.Uint64("call_id", dropped.CallID),
				utils.Uint32("source", dropped.SourceModule))
		}
		c.inbound = append(c.inbound, msg)
	}
	c.inboundMu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (c *Client) popInbound() *Message {
	c.inboundMu.Lock()
	defer c.inboundMu.Unlock()
	if len(c.inbound) == 0 {
		return nil
	}
	msg := c.inbound[0]
	c.inbound = c.inbound[1:]
	return msg
}

func (c *Client) takePending(id uint64) *Message {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	msg := c.pending[id]
	if msg != nil {
		delete(c.pending, id)
	}
	return msg
}

func (c *Client) parkPending(msg *Message) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending[msg.CallID] = msg
}
