package bufferpool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/bpm/internal/framegroup"
)

func newTestManager(t *testing.T, numGroups int) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bpm.dat")
	m, err := Open(Config{
		NumFrames:       numGroups * framegroup.Size,
		BackingFilePath: path,
		NumInitialPages: numGroups * framegroup.Size,
		IOQueueDepth:    32,
	})
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// TestReadYourWrites exercises property S2: writing a page then reading it
// back through the same Page returns exactly what was written. The page
// stays resident in between; the eviction round trip is covered by
// TestEvictionReclaimsFramesUnderPressure.
func TestReadYourWrites(t *testing.T) {
	m := newTestManager(t, 1)

	p := m.GetPage(5)
	wg, err := p.Write(context.Background())
	require.NoError(t, err)
	for i := range wg.Bytes() {
		wg.Bytes()[i] = byte(i % 256)
	}
	wg.Release()

	rg, err := p.Read(context.Background())
	require.NoError(t, err)
	for i := range rg.Bytes() {
		require.Equal(t, byte(i%256), rg.Bytes()[i])
	}
	rg.Release()
}

// TestLoadedOrLoads exercises property S1: repeated GetPage calls for the
// same page id return the same Page, and concurrent first-time reads of it
// all succeed.
func TestLoadedOrLoads(t *testing.T) {
	m := newTestManager(t, 1)

	p1 := m.GetPage(11)
	p2 := m.GetPage(11)
	require.Same(t, p1, p2, "GetPage must return the same Page for the same id")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rg, err := p1.Read(context.Background())
			require.NoError(t, err)
			rg.Release()
		}()
	}
	wg.Wait()
}

// TestEvictionReclaimsFramesUnderPressure exercises property S6: driving
// more distinct pages through a single group than it has frames forces
// eviction, and every access still succeeds.
func TestEvictionReclaimsFramesUnderPressure(t *testing.T) {
	m := newTestManager(t, 1)

	for pid := uint64(0); pid < uint64(framegroup.Size*4); pid++ {
		p := m.GetPage(pid)
		wg, err := p.Write(context.Background())
		require.NoError(t, err)
		wg.Bytes()[0] = byte(pid)
		wg.Release()
	}

	for pid := uint64(0); pid < uint64(framegroup.Size*4); pid++ {
		p := m.GetPage(pid)
		rg, err := p.Read(context.Background())
		require.NoError(t, err)
		require.Equal(t, byte(pid), rg.Bytes()[0])
		rg.Release()
	}
}
