// Package transport implements the syscall RPC carried over the
// mailbox rings: a fixed binary envelope with a correlation id, four core
// opcodes, and a client that writes requests under the outbox mutex and
// polls the inbox for the matching response.
package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/nmxmxh/inos-v1-sub001/sab"
)

// Magic tags every syscall frame ("SBAB").
const Magic = 0x53424142

// MaxFrame bounds a serialized message; both endpoints refuse larger.
const MaxFrame = 64 * 1024

// Opcode selects the requested operation.
type Opcode uint16

const (
	OpFetchChunk Opcode = iota + 1
	OpStoreChunk
	OpSendMessage
	OpHostCall
)

func (o Opcode) String() string {
	switch o {
	case OpFetchChunk:
		return "FetchChunk"
	case OpStoreChunk:
		return "StoreChunk"
	case OpSendMessage:
		return "SendMessage"
	case OpHostCall:
		return "HostCall"
	default:
		return fmt.Sprintf("Opcode(%d)", uint16(o))
	}
}

// Status is the result classification carried by responses.
type Status uint16

const (
	StatusSuccess Status = iota
	StatusPending
	StatusNotFound
	StatusUnauthorized
	StatusBusy
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusPending:
		return "Pending"
	case StatusNotFound:
		return "NotFound"
	case StatusUnauthorized:
		return "Unauthorized"
	case StatusBusy:
		return "Busy"
	case StatusFatal:
		return "Fatal"
	default:
		return fmt.Sprintf("Status(%d)", uint16(s))
	}
}

// Message is one syscall frame, request or response. Responses echo the
// request's CallID and SourceModule and add a Status.
//
// Wire layout (little endian):
//
//	magic u32 | callID u64 | sourceModule u32 | opcode u16 | status u16 |
//	version u8 | isResponse u8 | pad u16 | bodyLen u32 | body
type Message struct {
	CallID       uint64
	SourceModule uint32
	Opcode       Opcode
	Status       Status
	Version      uint8
	IsResponse   bool
	Body         []byte
}

const headerSize = 4 + 8 + 4 + 2 + 2 + 1 + 1 + 2 + 4

// Encode serializes m into a frame ready for the mailbox.
func (m *Message) Encode() ([]byte, error) {
	if len(m.Body) > MaxFrame-headerSize {
		return nil, sab.NewError(sab.KindFrameMalformed, "transport.Encode").
			WithErr(fmt.Errorf("body of %d bytes exceeds frame budget", len(m.Body)))
	}
	out := make([]byte, headerSize+len(m.Body))
	binary.LittleEndian.PutUint32(out[0:], Magic)
	binary.LittleEndian.PutUint64(out[4:], m.CallID)
	binary.LittleEndian.PutUint32(out[12:], m.SourceModule)
	binary.LittleEndian.PutUint16(out[16:], uint16(m.Opcode))
	binary.LittleEndian.PutUint16(out[18:], uint16(m.Status))
	out[20] = m.Version
	if m.IsResponse {
		out[21] = 1
	}
	binary.LittleEndian.PutUint32(out[24:], uint32(len(m.Body)))
	copy(out[headerSize:], m.Body)
	return out, nil
}

// Decode parses a frame. A wrong magic or inconsistent length is
// FrameMalformed; the caller decides whether to skip or report it.
func Decode(frame []byte) (*Message, error) {
	if len(frame) < headerSize {
		return nil, sab.NewError(sab.KindFrameMalformed, "transport.Decode").
			WithErr(fmt.Errorf("frame of %d bytes below header size", len(frame)))
	}
	if binary.LittleEndian.Uint32(frame[0:]) != Magic {
		return nil, sab.NewError(sab.KindFrameMalformed, "transport.Decode").
			WithErr(fmt.Errorf("bad magic 0x%08x", binary.LittleEndian.Uint32(frame[0:])))
	}
	bodyLen := binary.LittleEndian.Uint32(frame[24:])
	if int(bodyLen) != len(frame)-headerSize {
		return nil, sab.NewError(sab.KindFrameMalformed, "transport.Decode").
			WithErr(fmt.Errorf("body length %d disagrees with frame size %d", bodyLen, len(frame)))
	}
	m := &Message{
		CallID:       binary.LittleEndian.Uint64(frame[4:]),
		SourceModule: binary.LittleEndian.Uint32(frame[12:]),
		Opcode:       Opcode(binary.LittleEndian.Uint16(frame[16:])),
		Status:       Status(binary.LittleEndian.Uint16(frame[18:])),
		Version:      frame[20],
		IsResponse:   frame[21] == 1,
	}
	if bodyLen > 0 {
		m.Body = make([]byte, bodyLen)
		copy(m.Body, frame[headerSize:])
	}
	return m, nil
}

// --- opcode bodies ---
// Large payloads are never inlined: FetchChunk and StoreChunk carry
// (offset, size) references into the arena, which is the zero-copy path.

// FetchChunkRequest asks the kernel to materialize a content-addressed
// chunk at DestOffset in the arena.
type FetchChunkRequest struct {
	Hash       string
	DestOffset uint64
	DestSize   uint32
}

// StoreChunkRequest asks the kernel to persist Size bytes already
// sitting at SrcOffset in the arena.
type StoreChunkRequest struct {
	Hash      string
	SrcOffset uint64
	Size      uint32
}

// SendMessageRequest routes an opaque payload to another module.
type SendMessageRequest struct {
	TargetID string
	Payload  []byte
}

// HostCallRequest proxies to a named host service. Payload may be inline or
// an arena reference; ArenaRef distinguishes.
type HostCallRequest struct {
	Service  string
	ArenaRef bool
	Offset   uint32
	Size     uint32
	Payload  []byte
	Metadata []byte
}

// FetchChunkResult reports how many bytes landed at the destination.
type FetchChunkResult struct {
	BytesWritten uint32
}

// StoreChunkResult reports the replication count achieved.
type StoreChunkResult struct {
	Replicas uint16
}

// SendMessageResult reports delivery.
type SendMessageResult struct {
	Delivered bool
}

// HostCallResult mirrors HostCallRequest's payload shapes.
type HostCallResult struct {
	ArenaRef bool
	Offset   uint32
	Size     uint32
	Payload  []byte
	Metadata []byte
}

// putString appends a u16-length-prefixed string.
func putString(out []byte, s string) []byte {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	return append(append(out, l[:]...), s...)
}

func putBytes(out []byte, b []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
	return append(append(out, l[:]...), b...)
}

type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = sab.NewError(sab.KindFrameMalformed, "transport.decodeBody").
			WithErr(fmt.Errorf("truncated body at byte %d", r.pos))
	}
}

func (r *reader) u16() uint16 {
	if r.err != nil || r.pos+2 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil || r.pos+8 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) u8() uint8 {
	if r.err != nil || r.pos+1 > len(r.data) {
		r.fail()
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) str() string {
	n := int(r.u16())
	if r.err != nil || r.pos+n > len(r.data) {
		r.fail()
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s
}

func (r *reader) bytes() []byte {
	n := int(r.u32())
	if r.err != nil || r.pos+n > len(r.data) {
		r.fail()
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:])
	r.pos += n
	return b
}

func (q *FetchChunkRequest) EncodeBody() []byte {
	out := putString(nil, q.Hash)
	var fixed [12]byte
	binary.LittleEndian.PutUint64(fixed[0:], q.DestOffset)
	binary.LittleEndian.PutUint32(fixed[8:], q.DestSize)
	return append(out, fixed[:]...)
}

// DecodeFetchChunk parses a FetchChunk request body.
func DecodeFetchChunk(body []byte) (*FetchChunkRequest, error) {
	r := &reader{data: body}
	q := &FetchChunkRequest{Hash: r.str(), DestOffset: r.u64(), DestSize: r.u32()}
	return q, r.err
}

func (q *StoreChunkRequest) EncodeBody() []byte {
	out := putString(nil, q.Hash)
	var fixed [12]byte
	binary.LittleEndian.PutUint64(fixed[0:], q.SrcOffset)
	binary.LittleEndian.PutUint32(fixed[8:], q.Size)
	return append(out, fixed[:]...)
}

// DecodeStoreChunk parses a StoreChunk request body.
func DecodeStoreChunk(body []byte) (*StoreChunkRequest, error) {
	r := &reader{data: body}
	q := &StoreChunkRequest{Hash: r.str(), SrcOffset: r.u64(), Size: r.u32()}
	return q, r.err
}

func (q *SendMessageRequest) EncodeBody() []byte {
	return putBytes(putString(nil, q.TargetID), q.Payload)
}

// DecodeSendMessage parses a SendMessage request body.
func DecodeSendMessage(body []byte) (*SendMessageRequest, error) {
	r := &reader{data: body}
	q := &SendMessageRequest{TargetID: r.str(), Payload: r.bytes()}
	return q, r.err
}

func (q *HostCallRequest) EncodeBody() []byte {
	out := putString(nil, q.Service)
	ref := byte(0)
	if q.ArenaRef {
		ref = 1
	}
	out = append(out, ref)
	var fixed [8]byte
	binary.LittleEndian.PutUint32(fixed[0:], q.Offset)
	binary.LittleEndian.PutUint32(fixed[4:], q.Size)
	out = append(out, fixed[:]...)
	out = putBytes(out, q.Payload)
	return putBytes(out, q.Metadata)
}

// DecodeHostCall parses a HostCall request body.
func DecodeHostCall(body []byte) (*HostCallRequest, error) {
	r := &reader{data: body}
	q := &HostCallRequest{Service: r.str()}
	q.ArenaRef = r.u8() == 1
	q.Offset = r.u32()
	q.Size = r.u32()
	q.Payload = r.bytes()
	q.Metadata = r.bytes()
	return q, r.err
}

func (p *FetchChunkResult) EncodeBody() []byte {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], p.BytesWritten)
	return out[:]
}

// DecodeFetchChunkResult parses a FetchChunk response body.
func DecodeFetchChunkResult(body []byte) (*FetchChunkResult, error) {
	r := &reader{data: body}
	p := &FetchChunkResult{BytesWritten: r.u32()}
	return p, r.err
}

func (p *StoreChunkResult) EncodeBody() []byte {
	var out [2]byte
	binary.LittleEndian.PutUint16(out[:], p.Replicas)
	return out[:]
}

// DecodeStoreChunkResult parses a StoreChunk response body.
func DecodeStoreChunkResult(body []byte) (*StoreChunkResult, error) {
	r := &reader{data: body}
	p := &StoreChunkResult{Replicas: r.u16()}
	return p, r.err
}

func (p *SendMessageResult) EncodeBody() []byte {
	if p.Delivered {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeSendMessageResult parses a SendMessage response body.
func DecodeSendMessageResult(body []byte) (*SendMessageResult, error) {
	r := &reader{data: body}
	p := &SendMessageResult{Delivered: r.u8() == 1}
	return p, r.err
}

func (p *HostCallResult) EncodeBody() []byte {
	ref := byte(0)
	if p.ArenaRef {
		ref = 1
	}
	out := []byte{ref}
	var fixed [8]byte
	binary.LittleEndian.PutUint32(fixed[0:], p.Offset)
	binary.LittleEndian.PutUint32(fixed[4:], p.Size)
	out = append(out, fixed[:]...)
	out = putBytes(out, p.Payload)
	return putBytes(out, p.Metadata)
}

// DecodeHostCallResult parses a HostCall response body.
func DecodeHostCallResult(body []byte) (*HostCallResult, error) {
	r := &reader{data: body}
	p := &HostCallResult{ArenaRef: r.u8() == 1}
	p.Offset = r.u32()
	p.Size = r.u32()
	p.Payload = r.bytes()
	p.Metadata = r.bytes()
	return p, r.err
}
