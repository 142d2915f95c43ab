package utils

import (
	"context"
	"sync"
	"time"
)

// GracefulShutdown runs registered teardown functions in reverse
// registration order, bounded by one overall timeout. Components register
// in boot order; teardown unwinds them LIFO so nothing is stopped while a
// dependent is still using it.
type GracefulShutdown struct {
	mu      sync.Mutex
	stack   []func() error
	timeout time.Duration
	logger  *Logger
}

// NewGracefulShutdown creates a shutdown manager.
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}
	return &GracefulShutdown{timeout: timeout, logger: logger}
}

// Register pushes a teardown function onto the stack.
func (g *GracefulShutdown) Register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stack = append(g.stack, fn)
}

// Shutdown unwinds the stack. The first deadline hit abandons the rest;
// individual failures are logged and do not stop the unwind.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	stack := make([]func() error, len(g.stack))
	copy(stack, g.stack)
	g.mu.Unlock()

	g.logger.Info("shutting down", Int("components", len(stack)))

	deadline, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	for i := len(stack) - 1; i >= 0; i-- {
		select {
		case <-deadline.Done():
			g.logger.Warn("shutdown deadline hit", Int("remaining", i+1))
			return NewError("shutdown timeout")
		default:
		}
		if err := stack[i](); err != nil {
			g.logger.Error("teardown failed", Int("index", i), Err(err))
		}
	}
	g.logger.Info("shutdown complete")
	return nil
}
