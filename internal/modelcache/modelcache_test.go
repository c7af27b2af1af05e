package modelcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fpang/doc-ocr-cli/internal/config"
	"github.com/fpang/doc-ocr-cli/internal/device"
	"github.com/fpang/doc-ocr-cli/internal/ocr"
	"github.com/fpang/doc-ocr-cli/internal/progress"
)

type fakeHandle struct {
	dev      device.Info
	released bool
}

func (h *fakeHandle) Device() device.Info { return h.dev }
func (h *fakeHandle) Release() error      { h.released = true; return nil }

// stubProber validates only one backend kind.
type stubProber struct{ kind device.Kind }

func (p stubProber) Probe(_ context.Context, k device.Kind) (device.Info, error) {
	if k != p.kind {
		return device.Info{}, fmt.Errorf("%s unavailable", k)
	}
	return device.Info{Kind: k, Name: "stub", MemoryMB: 8192}, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) Observe(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds() []progress.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// harness bundles a manager with its counting loader and spies.
type harness struct {
	mgr     *Manager
	obs     *eventRecorder
	loads   *int
	handles *[]*fakeHandle
}

func newHarness(t *testing.T, ttl time.Duration) harness {
	t.Helper()
	devices := device.NewManagerWithProber(config.DeviceConfig{Preferred: "auto"}, stubProber{kind: device.CPU})

	loads := 0
	var handles []*fakeHandle
	loader := func(_ context.Context, dev device.Info) (ocr.ModelHandle, error) {
		loads++
		h := &fakeHandle{dev: dev}
		handles = append(handles, h)
		return h, nil
	}

	obs := &eventRecorder{}
	return harness{
		mgr:     NewManager(devices, loader, ttl, obs),
		obs:     obs,
		loads:   &loads,
		handles: &handles,
	}
}

func TestGetModelsLoadsOnce(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	e1, err := h.mgr.GetModels(ctx, nil)
	if err != nil {
		t.Fatalf("first GetModels failed: %v", err)
	}
	e2, err := h.mgr.GetModels(ctx, nil)
	if err != nil {
		t.Fatalf("second GetModels failed: %v", err)
	}

	if *h.loads != 1 {
		t.Errorf("expected 1 load, got %d", *h.loads)
	}
	if e1 != e2 {
		t.Error("expected the same cached entry on the second call")
	}
	if e1.Device.Kind != device.CPU {
		t.Errorf("expected cpu entry, got %s", e1.Device.Kind)
	}

	kinds := h.obs.kinds()
	if len(kinds) != 1 || kinds[0] != progress.KindModelLoaded {
		t.Errorf("expected a single model_loaded event, got %v", kinds)
	}
}

func TestGetModelsTouchRefreshesTimestamp(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	e, err := h.mgr.GetModels(ctx, nil)
	if err != nil {
		t.Fatalf("GetModels failed: %v", err)
	}

	stale := time.Now().Add(-30 * time.Minute)
	h.mgr.mu.Lock()
	h.mgr.entry.lastAccess = stale
	h.mgr.mu.Unlock()

	if _, err := h.mgr.GetModels(ctx, nil); err != nil {
		t.Fatalf("GetModels failed: %v", err)
	}

	h.mgr.mu.Lock()
	touched := h.mgr.entry.lastAccess
	h.mgr.mu.Unlock()
	if !touched.After(stale) {
		t.Error("expected the hit to refresh lastAccess")
	}
	if *h.loads != 1 {
		t.Errorf("expected no reload on unexpired hit, got %d loads", *h.loads)
	}
	_ = e
}

func TestGetModelsReloadsAfterExpiry(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	if _, err := h.mgr.GetModels(ctx, nil); err != nil {
		t.Fatalf("GetModels failed: %v", err)
	}

	h.mgr.mu.Lock()
	h.mgr.entry.lastAccess = time.Now().Add(-2 * time.Hour)
	h.mgr.mu.Unlock()

	if _, err := h.mgr.GetModels(ctx, nil); err != nil {
		t.Fatalf("GetModels after expiry failed: %v", err)
	}

	if *h.loads != 2 {
		t.Errorf("expected reload after expiry, got %d loads", *h.loads)
	}
	if !(*h.handles)[0].released {
		t.Error("expected the expired handle to be released")
	}
}

func TestDeviceHintMismatchReloads(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	cuda := device.Info{Kind: device.CUDA, Name: "gpu", MemoryMB: 24576}
	if _, err := h.mgr.GetModels(ctx, &cuda); err != nil {
		t.Fatalf("GetModels on cuda failed: %v", err)
	}

	cpu := device.Info{Kind: device.CPU, Name: "cpu", MemoryMB: 8192}
	e, err := h.mgr.GetModels(ctx, &cpu)
	if err != nil {
		t.Fatalf("GetModels on cpu failed: %v", err)
	}

	if e.Device.Kind != device.CPU {
		t.Errorf("expected cpu entry after hint change, got %s", e.Device.Kind)
	}
	if *h.loads != 2 {
		t.Errorf("expected reload on device change, got %d loads", *h.loads)
	}
	if !(*h.handles)[0].released {
		t.Error("expected the cuda handle to be released")
	}
}

func TestInvalidateReleases(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	if _, err := h.mgr.GetModels(ctx, nil); err != nil {
		t.Fatalf("GetModels failed: %v", err)
	}

	h.mgr.Invalidate()

	if _, ok := h.mgr.Cached(); ok {
		t.Error("expected empty cache after Invalidate")
	}
	if !(*h.handles)[0].released {
		t.Error("expected the handle to be released")
	}

	kinds := h.obs.kinds()
	if len(kinds) != 2 || kinds[1] != progress.KindModelEvicted {
		t.Errorf("expected model_evicted after invalidate, got %v", kinds)
	}

	// Invalidating an empty cache is a no-op.
	h.mgr.Invalidate()
	if got := h.obs.kinds(); len(got) != 2 {
		t.Errorf("expected no extra events, got %v", got)
	}
}

func TestEvictIdleDropsOnlyExpiredEntries(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	if _, err := h.mgr.GetModels(ctx, nil); err != nil {
		t.Fatalf("GetModels failed: %v", err)
	}

	h.mgr.evictIdle()
	if _, ok := h.mgr.Cached(); !ok {
		t.Fatal("fresh entry should survive the janitor")
	}

	h.mgr.mu.Lock()
	h.mgr.entry.lastAccess = time.Now().Add(-90 * time.Minute)
	h.mgr.mu.Unlock()

	h.mgr.evictIdle()
	if _, ok := h.mgr.Cached(); ok {
		t.Error("idle entry should be evicted")
	}
	if !(*h.handles)[0].released {
		t.Error("expected the evicted handle to be released")
	}
}

func TestLoaderErrorPropagates(t *testing.T) {
	devices := device.NewManagerWithProber(config.DeviceConfig{Preferred: "auto"}, stubProber{kind: device.CPU})
	loadErr := errors.New("weights missing")
	mgr := NewManager(devices, func(context.Context, device.Info) (ocr.ModelHandle, error) {
		return nil, loadErr
	}, time.Hour, nil)

	_, err := mgr.GetModels(context.Background(), nil)
	if !errors.Is(err, loadErr) {
		t.Fatalf("expected loader error, got %v", err)
	}
	if _, ok := mgr.Cached(); ok {
		t.Error("expected no cache entry after a failed load")
	}
}
