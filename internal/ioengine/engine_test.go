package ioengine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/bpm/internal/frame"
)

// newTestEngine sets up a ring-backed Engine against a scratch file, or
// skips the test if this kernel/sandbox cannot create an io_uring instance
// (e.g. seccomp-restricted CI runners).
func newTestEngine(t *testing.T, queueDepth uint32) (*Engine, *os.File) {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "ioengine-*.dat")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(64*frame.PageSize))

	e, err := New(Config{QueueDepth: queueDepth}, f.Fd())
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	t.Cleanup(func() {
		_ = e.Close()
		_ = f.Close()
	})
	return e, f
}

func runEngine(t *testing.T, e *Engine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestEngineWriteThenReadRoundTrips(t *testing.T) {
	arena, err := frame.NewArena(2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })

	frames := arena.Frames()
	writeFrame, readFrame := frames[0], frames[1]

	for i := range writeFrame.Bytes() {
		writeFrame.Bytes()[i] = byte(i % 251)
	}

	e, _ := newTestEngine(t, 8)
	require.NoError(t, e.RegisterBuffers([][]byte{writeFrame.Bytes(), readFrame.Bytes()}))
	runEngine(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, e.SubmitWrite(ctx, 0, 0, writeFrame))
	require.NoError(t, e.SubmitRead(ctx, 1, 0, readFrame))

	require.Equal(t, writeFrame.Bytes(), readFrame.Bytes())
}

// TestEngineCancelledSubmitDoesNotLeakCompletion exercises the drop-rescue
// path: a Submit whose context is cancelled before the kernel answers must
// still have its completion drained and handed to OnDropped, never left
// dangling in the lifecycle table.
func TestEngineCancelledSubmitDoesNotLeakCompletion(t *testing.T) {
	arena, err := frame.NewArena(1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })
	fr := arena.Frames()[0]

	dropped := make(chan struct{}, 1)

	e, _ := newTestEngine(t, 8)
	e.cfg.OnDropped = func(_ *frame.Frame, _ error) { dropped <- struct{}{} }
	require.NoError(t, e.RegisterBuffers([][]byte{fr.Bytes()}))
	runEngine(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled: the select in submit must take the ctx.Done branch

	err = e.SubmitRead(ctx, 0, 0, fr)
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-dropped:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDropped never fired for the cancelled operation's eventual completion")
	}

	e.mu.Lock()
	n := len(e.ops)
	e.mu.Unlock()
	require.Zero(t, n, "lifecycle table must not retain entries for completed-but-cancelled ops")
}
