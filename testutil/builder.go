// Package testutil builds pre-populated shared-buffer fixtures so tests can
// exercise bus components without booting a real host process.
package testutil

import (
	"context"
	"fmt"

	"github.com/nmxmxh/inos-v1-sub001/arena"
	"github.com/nmxmxh/inos-v1-sub001/registry"
	"github.com/nmxmxh/inos-v1-sub001/sab"
)

// Builder assembles a mock SMB: a validated in-memory buffer with optional
// flag values, an established context fence, and pre-registered modules.
type Builder struct {
	size    uint32
	flags   map[int]uint32
	hash    uint32
	modules []registry.Descriptor
	err     error
}

// NewBuilder starts a fixture of the given total size (clamped up to the
// layout minimum).
func NewBuilder(size uint32) *Builder {
	if size < sab.SizeMin {
		size = sab.SizeMin
	}
	return &Builder{size: size, flags: make(map[int]uint32)}
}

// WithFlag presets an atomic flag word.
func (b *Builder) WithFlag(index int, value uint32) *Builder {
	b.flags[index] = value
	return b
}

// WithContextHash establishes the fence with the given boot generation.
func (b *Builder) WithContextHash(hash uint32) *Builder {
	b.hash = hash
	return b
}

// WithModule queues a module registration applied at Build.
func (b *Builder) WithModule(d registry.Descriptor) *Builder {
	b.modules = append(b.modules, d)
	return b
}

// WithCoreModules queues the whole static fixture table.
func (b *Builder) WithCoreModules() *Builder {
	b.modules = append(b.modules, registry.CoreModules...)
	return b
}

// Build validates the layout and materializes the fixture.
func (b *Builder) Build() (*sab.View, error) {
	if err := sab.Validate(b.size); err != nil {
		return nil, err
	}
	view := sab.NewView(sab.NewInMemoryProvider(b.size))

	for idx, val := range b.flags {
		if err := view.Store(sab.FlagOffset(idx), val); err != nil {
			return nil, err
		}
	}

	if b.hash != 0 {
		if _, err := sab.NewFence(view).Establish(b.hash); err != nil {
			return nil, err
		}
	}

	if len(b.modules) > 0 {
		reg, err := registry.New(view, arena.NewHybrid(view))
		if err != nil {
			return nil, err
		}
		for i := range b.modules {
			d := b.modules[i]
			if _, err := reg.Register(context.Background(), &d); err != nil {
				return nil, fmt.Errorf("registering fixture module %q: %w", d.ID, err)
			}
		}
	}
	return view, nil
}

// MustBuild is Build for test setup paths that prefer to panic.
func (b *Builder) MustBuild() *sab.View {
	view, err := b.Build()
	if err != nil {
		panic(err)
	}
	return view
}
