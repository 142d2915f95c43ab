// Command inos-guest attaches a compiled guest module to an existing
// shared buffer: it maps the buffer created by inosd, instantiates the
// guest's WASM bytes, and drives its init/poll exports until signalled.
//
// Usage: inos-guest <module-name> <module.wasm>
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nmxmxh/inos-v1-sub001/guesthost"
	"github.com/nmxmxh/inos-v1-sub001/sab"
	"github.com/nmxmxh/inos-v1-sub001/utils"
)

func main() {
	logger := utils.DefaultLogger("inos-guest")

	if len(os.Args) != 3 {
		logger.Fatal("usage: inos-guest <module-name> <module.wasm>")
	}
	name, wasmPath := os.Args[1], os.Args[2]

	moduleID := uint32(0)
	if env := os.Getenv("INOS_MODULE_ID"); env != "" {
		parsed, err := strconv.ParseUint(env, 10, 32)
		if err != nil {
			logger.Fatal("bad INOS_MODULE_ID", utils.String("value", env), utils.Err(err))
		}
		moduleID = uint32(parsed)
	}
	path := os.Getenv("INOS_SAB_PATH")
	if path == "" {
		path = sab.DefaultSharedMemoryPath()
	}

	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		logger.Fatal("wasm unreadable", utils.String("path", wasmPath), utils.Err(err))
	}

	shm, err := sab.OpenSharedMemory(sab.SharedMemoryOptions{Path: path})
	if err != nil {
		logger.Fatal("shared buffer unavailable (is inosd running?)",
			utils.String("path", path), utils.Err(err))
	}
	defer func() { _ = shm.Close() }()
	view := sab.NewView(shm)
	if err := sab.Validate(view.Size()); err != nil {
		logger.Fatal("layout validation failed", utils.Err(err))
	}

	host, err := guesthost.New(guesthost.Config{
		ModuleName: name,
		WasmBytes:  wasmBytes,
		ModuleID:   moduleID,
		View:       view,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("guest instantiation failed", utils.Err(err))
	}
	if err := host.Init(); err != nil {
		logger.Fatal("guest init failed", utils.Err(err))
	}
	logger.Info("guest initialized", utils.String("module", name), utils.Uint32("mailbox", moduleID))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	if err := host.Run(ctx); err != nil {
		logger.Fatal("guest loop failed", utils.Err(err))
	}
}
