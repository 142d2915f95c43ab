package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos-v1-sub001/ring"
	"github.com/nmxmxh/inos-v1-sub001/sab"
)

// fakeKernel drains a module's outbox and answers on its inbox, standing in
// for the reactor in client-side tests.
type fakeKernel struct {
	view    *sab.View
	outbox  *ring.Ring
	inbox   *ring.Ring
	handler func(*Message) *Message
}

func newFakeKernel(t *testing.T, view *sab.View, moduleID uint32, handler func(*Message) *Message) *fakeKernel {
	t.Helper()
	outbox, err := ring.New(view, sab.OutboxOffset(moduleID), sab.SizeMailbox)
	require.NoError(t, err)
	inbox, err := ring.New(view, sab.InboxOffset(moduleID), sab.SizeMailbox)
	require.NoError(t, err)
	return &fakeKernel{view: view, outbox: outbox, inbox: inbox, handler: handler}
}

func (k *fakeKernel) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := k.outbox.ReadMessage()
		if err != nil || frame == nil {
			time.Sleep(100 * time.Microsecond)
			continue
		}
		req, err := Decode(frame)
		if err != nil {
			continue
		}
		resp := k.handler(req)
		if resp == nil {
			continue
		}
		out, err := resp.Encode()
		if err != nil {
			continue
		}
		for {
			ok, err := k.inbox.WriteMessage(out)
			if err != nil || ok {
				break
			}
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func echoStatus(status Status, body func(*Message) []byte) func(*Message) *Message {
	return func(req *Message) *Message {
		var b []byte
		if body != nil {
			b = body(req)
		}
		return &Message{
			CallID:       req.CallID,
			SourceModule: req.SourceModule,
			Opcode:       req.Opcode,
			Status:       status,
			Version:      1,
			IsResponse:   true,
			Body:         b,
		}
	}
}

func newTestView(t *testing.T) *sab.View {
	t.Helper()
	require.NoError(t, sab.Validate(sab.SizeDefault))
	return sab.NewView(sab.NewInMemoryProvider(sab.SizeDefault))
}

func TestStoreChunk_RoundTrip(t *testing.T) {
	view := newTestView(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kernel := newFakeKernel(t, view, 2, echoStatus(StatusSuccess, func(req *Message) []byte {
		q, err := DecodeStoreChunk(req.Body)
		require.NoError(t, err)
		assert.Equal(t, "deadbeef", q.Hash)
		assert.Equal(t, uint64(0x150000), q.SrcOffset)
		assert.Equal(t, uint32(1024), q.Size)
		return (&StoreChunkResult{Replicas: 3}).EncodeBody()
	}))
	go kernel.run(ctx)

	client, err := NewClient(view, 2, 0, WithTimeout(2*time.Second))
	require.NoError(t, err)

	res, err := client.StoreChunk(ctx, "deadbeef", 0x150000, 1024)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), res.Replicas)
}

func TestCallID_MonotonicPerCall(t *testing.T) {
	view := newTestView(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kernel := newFakeKernel(t, view, 1, echoStatus(StatusSuccess, func(*Message) []byte {
		return (&SendMessageResult{Delivered: true}).EncodeBody()
	}))
	go kernel.run(ctx)

	client, err := NewClient(view, 1, 0, WithTimeout(2*time.Second))
	require.NoError(t, err)

	before := client.NextCallID()
	_, err = client.SendMessage(ctx, "storage", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, before+1, client.NextCallID())

	_, err = client.SendMessage(ctx, "storage", []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, before+2, client.NextCallID())
}

func TestTimeout_NoKernel(t *testing.T) {
	view := newTestView(t)

	client, err := NewClient(view, 4, 0, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = client.SendMessage(context.Background(), "nobody", []byte("x"))
	assert.ErrorIs(t, err, sab.ErrTimeout)
}

func TestBreaker_OpensAfterTimeouts(t *testing.T) {
	view := newTestView(t)

	client, err := NewClient(view, 5, 0, WithTimeout(20*time.Millisecond))
	require.NoError(t, err)

	// Three consecutive timeouts trip the breaker.
	for i := 0; i < 3; i++ {
		_, err = client.SendMessage(context.Background(), "nobody", []byte("x"))
		assert.ErrorIs(t, err, sab.ErrTimeout)
	}

	// The fourth call short-circuits to Busy without writing the outbox.
	outbox, err := ring.New(view, sab.OutboxOffset(5), sab.SizeMailbox)
	require.NoError(t, err)
	availBefore, err := outbox.Available()
	require.NoError(t, err)

	_, err = client.SendMessage(context.Background(), "nobody", []byte("x"))
	assert.ErrorIs(t, err, sab.ErrMailboxFull)

	availAfter, err := outbox.Available()
	require.NoError(t, err)
	assert.Equal(t, availBefore, availAfter, "open breaker must not touch the outbox")
}

func TestFenceTrip_FailsFast(t *testing.T) {
	view := newTestView(t)
	fence := sab.NewFence(view)
	_, err := fence.Establish(7)
	require.NoError(t, err)

	client, err := NewClient(view, 6, 7, WithTimeout(time.Second))
	require.NoError(t, err)

	// Host reload: new generation.
	require.NoError(t, view.Store(sab.FlagOffset(sab.IdxContextHash), 11))

	outbox, err := ring.New(view, sab.OutboxOffset(6), sab.SizeMailbox)
	require.NoError(t, err)

	_, err = client.SendMessage(context.Background(), "storage", []byte("x"))
	assert.ErrorIs(t, err, sab.ErrContextInvalid)

	avail, err := outbox.Available()
	require.NoError(t, err)
	assert.Zero(t, avail, "zombie client must not mutate the mailbox")
}

func TestOutboxEpoch_SignaledPerRequest(t *testing.T) {
	view := newTestView(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kernel := newFakeKernel(t, view, 7, echoStatus(StatusSuccess, func(*Message) []byte {
		return (&SendMessageResult{Delivered: true}).EncodeBody()
	}))
	go kernel.run(ctx)

	client, err := NewClient(view, 7, 0, WithTimeout(2*time.Second))
	require.NoError(t, err)

	before, err := view.Load(sab.FlagOffset(sab.IdxOutboxDirtyKernel))
	require.NoError(t, err)
	_, err = client.SendMessage(ctx, "storage", []byte("x"))
	require.NoError(t, err)
	after, err := view.Load(sab.FlagOffset(sab.IdxOutboxDirtyKernel))
	require.NoError(t, err)
	assert.Greater(t, after, before)
}

// pushInbound writes a pushed (non-response) frame into moduleID's inbox,
// the way the kernel forwards a SendMessage.
func pushInbound(t *testing.T, view *sab.View, moduleID uint32, payload []byte) {
	t.Helper()
	inbox, err := ring.New(view, sab.InboxOffset(moduleID), sab.SizeMailbox)
	require.NoError(t, err)
	frame, err := (&Message{
		CallID:       99,
		SourceModule: 7,
		Opcode:       OpSendMessage,
		Version:      1,
		Body:         (&SendMessageRequest{TargetID: "me", Payload: payload}).EncodeBody(),
	}).Encode()
	require.NoError(t, err)
	ok, err := inbox.WriteMessage(frame)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPollInbound_ReturnsPushedFrames(t *testing.T) {
	view := newTestView(t)
	client, err := NewClient(view, 2, 0)
	require.NoError(t, err)

	msg, err := client.PollInbound()
	require.NoError(t, err)
	assert.Nil(t, msg)

	pushInbound(t, view, 2, []byte("first"))
	pushInbound(t, view, 2, []byte("second"))

	for _, want := range []string{"first", "second"} {
		msg, err = client.PollInbound()
		require.NoError(t, err)
		require.NotNil(t, msg)
		fwd, err := DecodeSendMessage(msg.Body)
		require.NoError(t, err)
		assert.Equal(t, []byte(want), fwd.Payload)
	}
}

func TestOnMessage_HandlerSeesFramesDrainedMidCall(t *testing.T) {
	view := newTestView(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kernel := newFakeKernel(t, view, 2, echoStatus(StatusSuccess, func(*Message) []byte {
		return (&SendMessageResult{Delivered: true}).EncodeBody()
	}))
	go kernel.run(ctx)

	client, err := NewClient(view, 2, 0, WithTimeout(2*time.Second))
	require.NoError(t, err)

	var mu sync.Mutex
	var pushed [][]byte
	client.OnMessage(func(msg *Message) {
		fwd, err := DecodeSendMessage(msg.Body)
		assert.NoError(t, err)
		mu.Lock()
		pushed = append(pushed, fwd.Payload)
		mu.Unlock()
	})

	// The pushed frame sits ahead of the response the next call awaits.
	pushInbound(t, view, 2, []byte("for the module"))

	_, err = client.SendMessage(ctx, "elsewhere", []byte("x"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, pushed, 1, "awaiter must hand the pushed frame to the handler")
	assert.Equal(t, []byte("for the module"), pushed[0])

	// Handled frames do not also land in the poll queue.
	msg, err := client.PollInbound()
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestConcurrentCallers_EachGetTheirResponse(t *testing.T) {
	view := newTestView(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kernel := newFakeKernel(t, view, 3, echoStatus(StatusSuccess, func(req *Message) []byte {
		return req.Body // echo
	}))
	go kernel.run(ctx)

	client, err := NewClient(view, 3, 0, WithTimeout(5*time.Second))
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			body := []byte{byte(n), 0xAA}
			resp, err := client.Call(ctx, OpHostCall, body)
			assert.NoError(t, err)
			if resp != nil {
				assert.Equal(t, body, resp.Body, "caller %d got someone else's response", n)
			}
		}(i)
	}
	wg.Wait()
}
