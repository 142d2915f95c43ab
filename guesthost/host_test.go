package guesthost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos-v1-sub001/sab"
	"github.com/nmxmxh/inos-v1-sub001/testutil"
)

func TestExportNames(t *testing.T) {
	assert.Equal(t, "compute_init_with_sab", ExportInit("compute"))
	assert.Equal(t, "compute_poll", ExportPoll("compute"))
}

func TestMirrorMath(t *testing.T) {
	assert.Equal(t, uint32(17*64*1024), MirrorBase(17))
	assert.Equal(t, uint32(1), PagesFor(1))
	assert.Equal(t, uint32(1), PagesFor(64*1024))
	assert.Equal(t, uint32(2), PagesFor(64*1024+1))
	assert.Equal(t, uint32(256), PagesFor(16*1024*1024))
}

func TestNew_RejectsBadConfig(t *testing.T) {
	view := testutil.NewBuilder(sab.SizeDefault).MustBuild()

	_, err := New(Config{ModuleName: "", WasmBytes: []byte{1}, View: view})
	assert.Error(t, err)

	_, err = New(Config{ModuleName: "compute", WasmBytes: nil, View: view})
	assert.Error(t, err)

	_, err = New(Config{ModuleName: "compute", WasmBytes: []byte{1}, View: nil})
	assert.Error(t, err)

	_, err = New(Config{ModuleName: "compute", WasmBytes: []byte{1}, View: view,
		ModuleID: sab.MaxModules})
	assert.Error(t, err)
}

func TestNew_RejectsGarbageWasm(t *testing.T) {
	view := testutil.NewBuilder(sab.SizeDefault).MustBuild()

	_, err := New(Config{
		ModuleName:   "compute",
		WasmBytes:    []byte("not a wasm module"),
		View:         view,
		PollInterval: time.Millisecond,
	})
	require.Error(t, err)
}
