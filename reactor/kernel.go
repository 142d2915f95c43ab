package reactor

import (
	"context"
	"fmt"
	"sync"

	"github.com/nmxmxh/inos-v1-sub001/ring"
	"github.com/nmxmxh/inos-v1-sub001/sab"
	"github.com/nmxmxh/inos-v1-sub001/transport"
	"github.com/nmxmxh/inos-v1-sub001/utils"
)

// ChunkStore is the content-addressed backend FetchChunk/StoreChunk talk
// to. The mesh-backed production store lives outside this core; the
// in-memory one below serves single-host deployments and tests.
type ChunkStore interface {
	Store(hash string, data []byte) (replicas uint16, err error)
	Fetch(hash string) ([]byte, bool)
}

// MemoryChunkStore keeps chunks in a process-local map.
type MemoryChunkStore struct {
	mu     sync.RWMutex
	chunks map[string][]byte
}

func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{chunks: make(map[string][]byte)}
}

func (s *MemoryChunkStore) Store(hash string, data []byte) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.chunks[hash] = buf
	return 1, nil
}

func (s *MemoryChunkStore) Fetch(hash string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.chunks[hash]
	return data, ok
}

// HostService answers a HostCall for one named service.
type HostService func(ctx context.Context, req *transport.HostCallRequest) (*transport.HostCallResult, error)

// ModuleResolver maps a module name to its mailbox id, for SendMessage
// routing. cmd/inosd wires this to the mailbox ids it assigns while
// registering the core modules.
type ModuleResolver func(name string) (uint32, bool)

// Kernel owns the core opcode handlers and their shared collaborators.
type Kernel struct {
	view    *sab.View
	store   ChunkStore
	resolve ModuleResolver
	inMutex *ring.Mutex
	logger  *utils.Logger

	servicesMu sync.RWMutex
	services   map[string]HostService
}

// NewKernel wires the built-in handlers into a dispatcher and returns both.
func NewKernel(view *sab.View, store ChunkStore, resolve ModuleResolver, logger *utils.Logger) (*Kernel, *Dispatcher) {
	if store == nil {
		store = NewMemoryChunkStore()
	}
	if logger == nil {
		logger = utils.DefaultLogger("kernel")
	}
	k := &Kernel{
		view:     view,
		store:    store,
		resolve:  resolve,
		inMutex:  ring.NewMutex(view, sab.IdxInboxMutex),
		logger:   logger,
		services: make(map[string]HostService),
	}
	d := NewDispatcher()
	_ = d.Register(transport.OpFetchChunk, k.handleFetchChunk)
	_ = d.Register(transport.OpStoreChunk, k.handleStoreChunk)
	_ = d.Register(transport.OpSendMessage, k.handleSendMessage)
	_ = d.Register(transport.OpHostCall, k.handleHostCall)
	return k, d
}

// RegisterService installs a HostCall backend under name.
func (k *Kernel) RegisterService(name string, svc HostService) {
	k.servicesMu.Lock()
	defer k.servicesMu.Unlock()
	k.services[name] = svc
}

// checkArenaRange rejects chunk references outside the arena's free area:
// a module must not aim the kernel's copies at the flag words or a
// neighbor's mailbox.
func (k *Kernel) checkArenaRange(offset uint64, size uint32) error {
	if offset < sab.OffsetArenaFree || offset+uint64(size) > uint64(k.view.Size()) {
		return sab.NewError(sab.KindOutOfBounds, "kernel.checkArenaRange").
			WithErr(fmt.Errorf("range [0x%x,+%d) outside arena", offset, size))
	}
	return nil
}

func (k *Kernel) handleFetchChunk(ctx context.Context, req *transport.Message) (*transport.Message, error) {
	q, err := transport.DecodeFetchChunk(req.Body)
	if err != nil {
		return respond(req, transport.StatusFatal, []byte(err.Error())), nil
	}
	if err := k.checkArenaRange(q.DestOffset, q.DestSize); err != nil {
		return respond(req, transport.StatusUnauthorized, []byte(err.Error())), nil
	}

	data, ok := k.store.Fetch(q.Hash)
	if !ok {
		return respond(req, transport.StatusNotFound, []byte(q.Hash)), nil
	}
	if uint32(len(data)) > q.DestSize {
		return respond(req, transport.StatusFatal,
			[]byte(fmt.Sprintf("chunk %d bytes exceeds destination %d", len(data), q.DestSize))), nil
	}
	if err := k.view.WriteAt(uint32(q.DestOffset), data); err != nil {
		return respond(req, transport.StatusFatal, []byte(err.Error())), nil
	}
	return respond(req, transport.StatusSuccess,
		(&transport.FetchChunkResult{BytesWritten: uint32(len(data))}).EncodeBody()), nil
}

func (k *Kernel) handleStoreChunk(ctx context.Context, req *transport.Message) (*transport.Message, error) {
	q, err := transport.DecodeStoreChunk(req.Body)
	if err != nil {
		return respond(req, transport.StatusFatal, []byte(err.Error())), nil
	}
	if err := k.checkArenaRange(q.SrcOffset, q.Size); err != nil {
		return respond(req, transport.StatusUnauthorized, []byte(err.Error())), nil
	}

	data := make([]byte, q.Size)
	if err := k.view.ReadAt(uint32(q.SrcOffset), data); err != nil {
		return respond(req, transport.StatusFatal, []byte(err.Error())), nil
	}
	replicas, err := k.store.Store(q.Hash, data)
	if err != nil {
		return respond(req, transport.StatusFatal, []byte(err.Error())), nil
	}
	return respond(req, transport.StatusSuccess,
		(&transport.StoreChunkResult{Replicas: replicas}).EncodeBody()), nil
}

func (k *Kernel) handleSendMessage(ctx context.Context, req *transport.Message) (*transport.Message, error) {
	q, err := transport.DecodeSendMessage(req.Body)
	if err != nil {
		return respond(req, transport.StatusFatal, []byte(err.Error())), nil
	}
	if k.resolve == nil {
		return respond(req, transport.StatusNotFound, []byte("no module resolver")), nil
	}
	target, ok := k.resolve(q.TargetID)
	if !ok {
		return respond(req, transport.StatusNotFound, []byte(q.TargetID)), nil
	}

	// Deliver as a pushed (non-response) frame into the target's inbox;
	// the target's client routes it to its OnMessage handler or PollInbound
	// queue by the IsResponse bit.
	inbox, err := ring.New(k.view, sab.InboxOffset(target), sab.SizeMailbox)
	if err != nil {
		return respond(req, transport.StatusFatal, []byte(err.Error())), nil
	}
	fwd := &transport.Message{
		CallID:       req.CallID,
		SourceModule: req.SourceModule,
		Opcode:       transport.OpSendMessage,
		Version:      1,
		Body:         req.Body,
	}
	frame, err := fwd.Encode()
	if err != nil {
		return respond(req, transport.StatusFatal, []byte(err.Error())), nil
	}
	// The target's inbox is also written by its own reactor; serialize
	// through the inbox mutex so the ring stays SPSC on the wire.
	if err := k.inMutex.Lock(ctx); err != nil {
		return respond(req, transport.StatusBusy, []byte(err.Error())), nil
	}
	ok, err = inbox.WriteMessage(frame)
	if unlockErr := k.inMutex.Unlock(); unlockErr != nil {
		k.logger.Error("inbox mutex unlock failed", utils.Err(unlockErr))
	}
	if err != nil {
		return respond(req, transport.StatusFatal, []byte(err.Error())), nil
	}
	if !ok {
		return respond(req, transport.StatusBusy, []byte("target inbox full")), nil
	}
	return respond(req, transport.StatusSuccess,
		(&transport.SendMessageResult{Delivered: true}).EncodeBody()), nil
}

func (k *Kernel) handleHostCall(ctx context.Context, req *transport.Message) (*transport.Message, error) {
	q, err := transport.DecodeHostCall(req.Body)
	if err != nil {
		return respond(req, transport.StatusFatal, []byte(err.Error())), nil
	}
	k.servicesMu.RLock()
	svc := k.services[q.Service]
	k.servicesMu.RUnlock()
	if svc == nil {
		return respond(req, transport.StatusNotFound, []byte(q.Service)), nil
	}
	res, err := svc(ctx, q)
	if err != nil {
		return respond(req, transport.StatusFatal, []byte(err.Error())), nil
	}
	return respond(req, transport.StatusSuccess, res.EncodeBody()), nil
}
