// Package reactor implements the kernel-side poll loop: one state
// machine per guest module that drains the module's request mailbox,
// dispatches each frame through a static opcode table, writes the response,
// and publishes the inbox-dirty epoch. A request is acked only after its
// response is committed, so delivery is at-least-once and handlers must be
// idempotent.
package reactor

import (
	"context"
	"fmt"

	"github.com/nmxmxh/inos-v1-sub001/sab"
	"github.com/nmxmxh/inos-v1-sub001/transport"
)

// HandlerFunc serves one request frame. Returning an error (or panicking)
// maps to a Fatal response; the reactor owns that translation.
type HandlerFunc func(ctx context.Context, req *transport.Message) (*transport.Message, error)

// maxOpcode bounds the dispatch table; opcodes are dense small integers.
const maxOpcode = 16

// Dispatcher is the static opcode table the hot path indexes into. It is
// immutable after construction; Register is not safe concurrently with
// Dispatch.
type Dispatcher struct {
	handlers [maxOpcode]HandlerFunc
}

// NewDispatcher returns an empty table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register installs fn for opcode, replacing any previous handler.
func (d *Dispatcher) Register(opcode transport.Opcode, fn HandlerFunc) error {
	if int(opcode) >= maxOpcode {
		return sab.NewError(sab.KindOutOfBounds, "reactor.Register").
			WithErr(fmt.Errorf("opcode %d exceeds table size %d", opcode, maxOpcode))
	}
	d.handlers[opcode] = fn
	return nil
}

// Dispatch routes req to its handler. An unknown opcode is reported, not
// fatal: the caller gets a NotFound response to forward.
func (d *Dispatcher) Dispatch(ctx context.Context, req *transport.Message) (*transport.Message, error) {
	var fn HandlerFunc
	if int(req.Opcode) < maxOpcode {
		fn = d.handlers[req.Opcode]
	}
	if fn == nil {
		return respond(req, transport.StatusNotFound, []byte(fmt.Sprintf("unknown opcode %s", req.Opcode))), nil
	}
	return fn(ctx, req)
}

// respond builds a response frame echoing req's correlation fields.
func respond(req *transport.Message, status transport.Status, body []byte) *transport.Message {
	return &transport.Message{
		CallID:       req.CallID,
		SourceModule: req.SourceModule,
		Opcode:       req.Opcode,
		Status:       status,
		Version:      1,
		IsResponse:   true,
		Body:         body,
	}
}
