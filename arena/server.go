package arena

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/nmxmxh/inos-v1-sub001/epoch"
	"github.com/nmxmxh/inos-v1-sub001/sab"
	"github.com/nmxmxh/inos-v1-sub001/utils"
)

// Server is the kernel side of the arena queues: it wakes on the allocator
// epoch, drains new request entries, serves them through the hybrid
// allocator, and writes response entries clients are busy-polling.
type Server struct {
	view      *sab.View
	hybrid    *Hybrid
	ep        *epoch.Epoch
	logger    *utils.Logger
	lastSeen  [sab.MaxArenaRequests]uint64
	pollEvery time.Duration
}

// NewServer builds a server over view's arena region.
func NewServer(view *sab.View, logger *utils.Logger) (*Server, error) {
	ep, err := epoch.New(view, sab.IdxArenaAllocatorEpoch)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.DefaultLogger("arena")
	}
	return &Server{
		view:      view,
		hybrid:    NewHybrid(view),
		ep:        ep,
		logger:    logger.With(utils.String("component", "arena-server")),
		pollEvery: 10 * time.Millisecond,
	}, nil
}

// Run drains the queue until ctx is done. The epoch wait carries a short
// timeout so a signal raised between drain and wait is never lost for long.
func (s *Server) Run(ctx context.Context) error {
	reader, err := s.ep.Reader()
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := s.Drain(); err != nil {
			return err
		}
		if _, err := reader.WaitForChange(s.pollEvery); err != nil {
			return err
		}
	}
}

// Drain serves every request entry whose id is new since the last pass.
func (s *Server) Drain() error {
	for slot := uint32(0); slot < sab.MaxArenaRequests; slot++ {
		var entry [sab.ArenaQueueEntrySize]byte
		if err := s.view.ReadAt(sab.OffsetArenaRequestQueue+slot*sab.ArenaQueueEntrySize, entry[:]); err != nil {
			return err
		}
		id := binary.LittleEndian.Uint64(entry[0:])
		if id == 0 || id == s.lastSeen[slot] {
			continue
		}
		s.lastSeen[slot] = id

		size := binary.LittleEndian.Uint32(entry[8:])
		ownerHash := binary.LittleEndian.Uint32(entry[12:])
		flags := entry[17]

		if flags == FreeFlag {
			// Free: best-effort, no response entry.
			if err := s.hybrid.Free(ownerHash); err != nil {
				s.logger.Warn("free failed", utils.Uint32("offset", ownerHash), utils.Err(err))
			}
			continue
		}

		offset, err := s.hybrid.Allocate(size)
		if err != nil {
			// OOM is reported through the zero offset in the response.
			s.logger.Warn("allocation failed",
				utils.Uint64("id", id), utils.Uint32("size", size), utils.Err(err))
			offset = 0
		}
		if err := s.writeResponse(slot, id, offset); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) writeResponse(slot uint32, id uint64, offset uint32) error {
	var entry [16]byte
	binary.LittleEndian.PutUint64(entry[0:], id)
	binary.LittleEndian.PutUint32(entry[8:], offset)
	// The id word publishes the entry; write the payload first so a polling
	// client never pairs our id with a stale offset.
	respOffset := sab.OffsetArenaResponseQueue + slot*sab.ArenaQueueEntrySize
	if err := s.view.WriteAt(respOffset+8, entry[8:]); err != nil {
		return err
	}
	return s.view.WriteAt(respOffset, entry[:8])
}

// Allocator exposes the backing hybrid allocator for in-process callers
// (the registry serializes its side tables through it directly).
func (s *Server) Allocator() *Hybrid { return s.hybrid }
