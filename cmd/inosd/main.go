// Command inosd is the native host process: it creates (or attaches to)
// the shared buffer, validates the layout, establishes the boot-generation
// fence, seeds the module registry, and runs the arena server and the
// kernel reactor pool until signalled.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nmxmxh/inos-v1-sub001/arena"
	"github.com/nmxmxh/inos-v1-sub001/reactor"
	"github.com/nmxmxh/inos-v1-sub001/registry"
	"github.com/nmxmxh/inos-v1-sub001/sab"
	"github.com/nmxmxh/inos-v1-sub001/utils"
)

func main() {
	logger := utils.DefaultLogger("inosd")

	size := uint32(sab.SizeDefault)
	if env := os.Getenv("INOS_SAB_SIZE"); env != "" {
		parsed, err := strconv.ParseUint(env, 10, 32)
		if err != nil {
			logger.Fatal("bad INOS_SAB_SIZE", utils.String("value", env), utils.Err(err))
		}
		size = uint32(parsed)
	}
	path := os.Getenv("INOS_SAB_PATH")
	if path == "" {
		path = sab.DefaultSharedMemoryPath()
	}

	if err := sab.Validate(size); err != nil {
		logger.Fatal("layout validation failed", utils.Err(err))
	}

	shm, err := sab.OpenSharedMemory(sab.SharedMemoryOptions{Path: path, Size: size, Create: true})
	if err != nil {
		logger.Fatal("shared memory unavailable", utils.String("path", path), utils.Err(err))
	}
	view := sab.NewView(shm)
	logger.Info("shared buffer mapped",
		utils.String("path", path), utils.Uint32("size", size))

	// Boot generation: first process in wins the CAS; later attachers adopt.
	fence := sab.NewFence(view)
	bootHash := utils.ContextHash()
	swapped, err := fence.Establish(bootHash)
	if err != nil {
		logger.Fatal("fence establish failed", utils.Err(err))
	}
	if !swapped {
		bootHash, err = fence.Current()
		if err != nil {
			logger.Fatal("fence read failed", utils.Err(err))
		}
		logger.Info("adopted existing boot generation", utils.Uint32("hash", bootHash))
	} else {
		logger.Info("established boot generation", utils.Uint32("hash", bootHash))
	}

	arenaServer, err := arena.NewServer(view, logger)
	if err != nil {
		logger.Fatal("arena server init failed", utils.Err(err))
	}

	reg, err := registry.New(view, arenaServer.Allocator())
	if err != nil {
		logger.Fatal("registry init failed", utils.Err(err))
	}

	ctx := context.Background()
	addresses := make(map[string]uint32, len(registry.CoreModules))
	moduleIDs := make([]uint32, 0, len(registry.CoreModules))
	for i := range registry.CoreModules {
		d := registry.CoreModules[i]
		slot, err := reg.Register(ctx, &d)
		if err != nil {
			logger.Fatal("module registration failed", utils.String("id", d.ID), utils.Err(err))
		}
		id := uint32(len(moduleIDs))
		addresses[d.ID] = id
		moduleIDs = append(moduleIDs, id)
		logger.Info("module registered",
			utils.String("id", d.ID), utils.Int("slot", slot), utils.Uint32("mailbox", id))
	}

	resolve := func(name string) (uint32, bool) {
		id, ok := addresses[name]
		return id, ok
	}
	_, dispatcher := reactor.NewKernel(view, nil, resolve, logger)
	pool, err := reactor.NewPool(view, moduleIDs, bootHash, dispatcher, logger)
	if err != nil {
		logger.Fatal("reactor pool init failed", utils.Err(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := arenaServer.Run(runCtx); err != nil {
			logger.Error("arena server stopped", utils.Err(err))
		}
	}()
	go func() {
		if err := pool.Run(runCtx); err != nil {
			logger.Error("reactor pool stopped", utils.Err(err))
		}
	}()

	if err := view.Store(sab.FlagOffset(sab.IdxKernelReady), 1); err != nil {
		logger.Fatal("kernel ready flag failed", utils.Err(err))
	}
	logger.Info("kernel ready", utils.Int("modules", len(moduleIDs)))

	// LIFO: the loops stop first, the ready flag clears second, the mapping
	// closes last.
	shutdown := utils.NewGracefulShutdown(10*time.Second, logger)
	shutdown.Register(shm.Close)
	shutdown.Register(func() error {
		return view.Store(sab.FlagOffset(sab.IdxKernelReady), 0)
	})
	shutdown.Register(func() error {
		cancel()
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received", utils.String("signal", sig.String()))

	if err := shutdown.Shutdown(ctx); err != nil {
		logger.Error("shutdown incomplete", utils.Err(err))
		os.Exit(1)
	}
}
