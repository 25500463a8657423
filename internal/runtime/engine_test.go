package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privacyresearch/tring/internal/ffi"
)

// partialEngine is a minimal engine build: it imports tring.on_status and
// exports memory, getVersion (returns 3) and hangupCall, which reports a
// hangup for the given handle through on_status and returns 1.
var partialEngine = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: () -> i64, (i64) -> i64, (i64, i64, i32, i32) -> ()
	0x01, 0x11, 0x03,
	0x60, 0x00, 0x01, 0x7e,
	0x60, 0x01, 0x7e, 0x01, 0x7e,
	0x60, 0x04, 0x7e, 0x7e, 0x7f, 0x7f, 0x00,
	// import tring.on_status
	0x02, 0x13, 0x01,
	0x05, 't', 'r', 'i', 'n', 'g',
	0x09, 'o', 'n', '_', 's', 't', 'a', 't', 'u', 's',
	0x00, 0x02,
	// functions
	0x03, 0x03, 0x02, 0x00, 0x01,
	// one page of memory
	0x05, 0x03, 0x01, 0x00, 0x01,
	// exports
	0x07, 0x24, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x0a, 'g', 'e', 't', 'V', 'e', 'r', 's', 'i', 'o', 'n', 0x00, 0x01,
	0x0a, 'h', 'a', 'n', 'g', 'u', 'p', 'C', 'a', 'l', 'l', 0x00, 0x02,
	// code
	0x0a, 0x15, 0x02,
	0x04, 0x00, 0x42, 0x03, 0x0b,
	0x0e, 0x00,
	0x20, 0x00, // local.get 0
	0x42, 0x00, // i64.const 0
	0x41, 0x0b, // i32.const 11
	0x41, 0x00, // i32.const 0
	0x10, 0x00, // call on_status
	0x42, 0x01, // i64.const 1
	0x0b,
}

// bareModule has no memory and no exports.
var bareModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// newPartialEngine instantiates partialEngine without the export check.
func newPartialEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()
	e := newEngine(ctx, Options{Logger: zerolog.Nop()})
	compiled, err := e.runtime.CompileModule(ctx, partialEngine)
	require.NoError(t, err)
	require.NoError(t, e.instantiate(ctx, compiled, ""))
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func TestCheckExports(t *testing.T) {
	ctx := context.Background()
	e := newEngine(ctx, Options{Logger: zerolog.Nop()})
	defer e.Close()

	compiled, err := e.runtime.CompileModule(ctx, partialEngine)
	require.NoError(t, err)
	err = checkExports(compiled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initRingRTC")
	assert.Contains(t, err.Error(), "rtc_calllinks_CallLinkRootKey_parse")
	assert.NotContains(t, err.Error(), "getVersion")
	assert.NotContains(t, err.Error(), "hangupCall")

	bare, err := e.runtime.CompileModule(ctx, bareModule)
	require.NoError(t, err)
	require.ErrorContains(t, checkExports(bare), "exactly one memory")
}

func TestNew_RejectsIncompleteBuild(t *testing.T) {
	_, err := New(context.Background(), partialEngine, Options{Logger: zerolog.Nop()})
	require.ErrorContains(t, err, "required exports")

	_, err = New(context.Background(), []byte("not wasm"), Options{})
	require.ErrorContains(t, err, "could not compile")

	_, err = Load(context.Background(), "testdata/does-not-exist.wasm", Options{})
	require.ErrorContains(t, err, "could not read engine module")
}

func TestEngine_GuestCalls(t *testing.T) {
	ctx := context.Background()
	e := newPartialEngine(t)

	v, err := e.GetVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)

	_, err = e.InitRingRTC(ctx, 0)
	require.ErrorContains(t, err, "does not export initRingRTC")
}

func TestEngine_SlotsAreReentrant(t *testing.T) {
	ctx := context.Background()
	e := newPartialEngine(t)
	require.False(t, e.reentrant(ctx))

	type status struct {
		callID, peerID  uint64
		direction, kind int32
		version         int64
		reentrant       bool
	}
	var got []status
	cb := ffi.NopCallbacks()
	cb.Status = func(ctx context.Context, callID, peerID uint64, direction, kind int32) {
		// calling back into the engine from a slot must not deadlock
		v, err := e.GetVersion(ctx)
		require.NoError(t, err)
		got = append(got, status{callID, peerID, direction, kind, v, e.reentrant(ctx)})
	}
	e.callbacks.Store(cb)

	res, err := e.HangupCall(ctx, 0x42)
	require.NoError(t, err)
	require.Equal(t, int64(1), res)
	require.Equal(t, []status{{callID: 0x42, peerID: 0, direction: 11, kind: 0, version: 3, reentrant: true}}, got)
}

func TestEngine_SlotsWithoutCallbacks(t *testing.T) {
	e := newPartialEngine(t)
	res, err := e.HangupCall(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), res)
}

func TestEngine_CreateCallEndpointNeedsCompleteTable(t *testing.T) {
	e := newPartialEngine(t)
	_, err := e.CreateCallEndpoint(context.Background(), &ffi.Callbacks{})
	require.ErrorContains(t, err, "incomplete")
}

func TestEngine_Memory(t *testing.T) {
	e := newPartialEngine(t)
	m := e.Memory()

	p, err := m.Alloc(16)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uint64(p), uint64(65536), "host allocations start past the guest's own pages")
	require.NoError(t, m.Write(p, []byte("0123456789abcdef")))
	got, err := m.Read(p, 16)
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789abcdef"), got)
	require.NoError(t, m.Free(p))
}

func TestEngine_ConcurrentCallsAreSerialized(t *testing.T) {
	e := newPartialEngine(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8*50)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				v, err := e.GetVersion(context.Background())
				if err == nil && v != 3 {
					err = assert.AnError
				}
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestEngine_Close(t *testing.T) {
	e := newPartialEngine(t)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.GetVersion(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
