// Package guesthost runs a compiled guest module inside a native host
// process. It instantiates the guest's WASM bytes with wasmer, publishes
// the bootstrapping globals (__INOS_SAB_OFFSET__, __INOS_SAB_SIZE__,
// __INOS_MODULE_ID__) into its import environment, mirrors the shared
// buffer into a window of the guest's linear memory, and drives the
// <name>_init_with_sab / <name>_poll exports on a timer.
//
// Mirroring trades one frame of latency for isolation: the whole buffer is
// copied in before each poll and the module's own writable windows (its
// outbox mailbox by default) are copied back after. A guest runtime that
// can map the host's shared-memory file directly does not need this path.
package guesthost

import (
	"context"
	"fmt"
	"time"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/inos-v1-sub001/sab"
	"github.com/nmxmxh/inos-v1-sub001/utils"
)

const wasmPageSize = 64 * 1024

// Config describes one guest module to host.
type Config struct {
	// ModuleName prefixes the contract exports: <name>_init_with_sab,
	// <name>_poll, <name>_alloc, <name>_free.
	ModuleName string
	// WasmBytes is the compiled guest module.
	WasmBytes []byte
	// ModuleID is the guest's dense mailbox id.
	ModuleID uint32
	// View is the host's handle on the shared buffer.
	View *sab.View
	// PollInterval paces the poll export; default 10ms.
	PollInterval time.Duration
	// WritebackWindows lists (offset, size) ranges copied guest -> SAB
	// after each poll. Defaults to the module's outbox mailbox.
	WritebackWindows [][2]uint32
	Logger           *utils.Logger
}

// Host is one instantiated guest and its drive loop.
type Host struct {
	cfg        Config
	instance   *wasmer.Instance
	memory     *wasmer.Memory
	initFn     wasmer.NativeFunction
	pollFn     wasmer.NativeFunction
	mirrorBase uint32
	logger     *utils.Logger
}

// ExportInit returns the init export's name for a module.
func ExportInit(name string) string { return name + "_init_with_sab" }

// ExportPoll returns the poll export's name for a module.
func ExportPoll(name string) string { return name + "_poll" }

// MirrorBase computes where in guest memory the SAB window begins: right
// past the guest's declared initial memory, so it never collides with the
// guest's own data segments.
func MirrorBase(initialPages uint32) uint32 {
	return initialPages * wasmPageSize
}

// PagesFor returns how many wasm pages cover size bytes.
func PagesFor(size uint32) uint32 {
	return (size + wasmPageSize - 1) / wasmPageSize
}

// New instantiates the guest and resolves its contract exports. The guest
// is not initialized until Init.
func New(cfg Config) (*Host, error) {
	if cfg.ModuleName == "" || len(cfg.WasmBytes) == 0 || cfg.View == nil {
		return nil, utils.NewError("guesthost: module name, wasm bytes and view are required")
	}
	if cfg.ModuleID >= sab.MaxModules {
		return nil, utils.NewError(fmt.Sprintf("guesthost: module id %d exceeds %d", cfg.ModuleID, sab.MaxModules))
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if len(cfg.WritebackWindows) == 0 {
		cfg.WritebackWindows = [][2]uint32{{sab.OutboxOffset(cfg.ModuleID), sab.SizeMailbox}}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = utils.DefaultLogger("guesthost")
	}
	logger = logger.With(utils.String("guest", cfg.ModuleName), utils.Uint32("module", cfg.ModuleID))

	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, cfg.WasmBytes)
	if err != nil {
		return nil, utils.WrapError(err, "guesthost: compile module")
	}

	mirrorBase := uint32(0)
	for _, export := range module.Exports() {
		if export.Type().Kind() == wasmer.MEMORY {
			limits := export.Type().IntoMemoryType().Limits()
			mirrorBase = MirrorBase(uint32(limits.Minimum()))
		}
	}
	if mirrorBase == 0 {
		return nil, utils.NewError("guesthost: module exports no memory")
	}

	imports := wasmer.NewImportObject()
	imports.Register("env", map[string]wasmer.IntoExtern{
		"__INOS_SAB_OFFSET__": newConstGlobal(store, int32(mirrorBase)),
		"__INOS_SAB_SIZE__":   newConstGlobal(store, int32(cfg.View.Size())),
		"__INOS_MODULE_ID__":  newConstGlobal(store, int32(cfg.ModuleID)),
	})

	instance, err := wasmer.NewInstance(module, imports)
	if err != nil {
		return nil, utils.WrapError(err, "guesthost: instantiate")
	}

	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, utils.WrapError(err, "guesthost: exported memory")
	}
	// Grow the guest's memory to fit the mirror window.
	needed := PagesFor(cfg.View.Size())
	if have := uint32(len(memory.Data())) - mirrorBase; have < cfg.View.Size() {
		if !memory.Grow(wasmer.Pages(needed)) {
			return nil, utils.NewError("guesthost: memory grow refused")
		}
	}

	initFn, err := instance.Exports.GetFunction(ExportInit(cfg.ModuleName))
	if err != nil {
		return nil, utils.WrapError(err, "guesthost: init export")
	}
	pollFn, err := instance.Exports.GetFunction(ExportPoll(cfg.ModuleName))
	if err != nil {
		return nil, utils.WrapError(err, "guesthost: poll export")
	}

	return &Host{
		cfg:        cfg,
		instance:   instance,
		memory:     memory,
		initFn:     initFn,
		pollFn:     pollFn,
		mirrorBase: mirrorBase,
		logger:     logger,
	}, nil
}

func newConstGlobal(store *wasmer.Store, v int32) *wasmer.Global {
	return wasmer.NewGlobal(
		store,
		wasmer.NewGlobalType(wasmer.NewValueType(wasmer.I32), wasmer.IMMUTABLE),
		wasmer.NewI32(v),
	)
}

// Init mirrors the buffer in and calls the guest's init export, which must
// return 1 per the bootstrapping contract.
func (h *Host) Init() error {
	if err := h.syncIn(); err != nil {
		return err
	}
	result, err := h.initFn()
	if err != nil {
		return utils.WrapError(err, "guesthost: init trap")
	}
	if ok, isInt := result.(int32); !isInt || ok != 1 {
		return utils.NewError(fmt.Sprintf("guesthost: %s returned %v", ExportInit(h.cfg.ModuleName), result))
	}
	return h.syncOut()
}

// Poll mirrors the buffer in, runs one guest poll, and mirrors the guest's
// writable windows back out.
func (h *Host) Poll() error {
	if err := h.syncIn(); err != nil {
		return err
	}
	if _, err := h.pollFn(); err != nil {
		return utils.WrapError(err, "guesthost: poll trap")
	}
	return h.syncOut()
}

// Run drives Poll until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := h.Poll(); err != nil {
				h.logger.Error("guest poll failed", utils.Err(err))
				return err
			}
		}
	}
}

func (h *Host) syncIn() error {
	window := h.memory.Data()[h.mirrorBase:]
	if uint32(len(window)) < h.cfg.View.Size() {
		return utils.NewError("guesthost: mirror window shrank")
	}
	return h.cfg.View.ReadAt(0, window[:h.cfg.View.Size()])
}

func (h *Host) syncOut() error {
	window := h.memory.Data()[h.mirrorBase:]
	for _, w := range h.cfg.WritebackWindows {
		offset, size := w[0], w[1]
		if offset+size > h.cfg.View.Size() {
			return utils.NewError(fmt.Sprintf("guesthost: writeback window [0x%x,+%d) outside buffer", offset, size))
		}
		if err := h.cfg.View.WriteAt(offset, window[offset:offset+size]); err != nil {
			return err
		}
	}
	return nil
}
