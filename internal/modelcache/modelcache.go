// Package modelcache owns the escalation engine's loaded model state.
// Loading is multi-second; this cache makes it happen at most once per
// device per idle period, which is what keeps repeated escalations across
// many documents cheap after the first.
package modelcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/doc-ocr-cli/internal/device"
	"github.com/fpang/doc-ocr-cli/internal/ocr"
	"github.com/fpang/doc-ocr-cli/internal/progress"
)

// DefaultTTL is how long an unused entry survives before the janitor
// evicts it. 30 minutes comfortably spans the gap between runs in an
// interactive session without pinning accelerator memory overnight.
const DefaultTTL = 30 * time.Minute

// Loader produces a ready model handle for a device. The pipeline binds
// this to the escalation engine's LoadModels; tests script it.
type Loader func(ctx context.Context, dev device.Info) (ocr.ModelHandle, error)

// Entry is the single live cached model state. At most one exists per
// manager; the escalation model is too large to hold variants for several
// devices at once.
type Entry struct {
	Handle   ocr.ModelHandle
	Device   device.Info
	LoadedAt time.Time

	// lastAccess is touched on every GetModels hit, under the manager's
	// mutex only.
	lastAccess time.Time
}

// Manager serializes all access to the cached entry. Phase 2 is the sole
// logical owner; the mutex exists for the janitor goroutine.
type Manager struct {
	devices *device.Manager
	loader  Loader
	ttl     time.Duration
	obs     progress.Observer

	mu    sync.Mutex
	entry *Entry
}

// NewManager wires a cache to a device manager and a loader. A zero ttl
// uses DefaultTTL; a nil observer discards events.
func NewManager(devices *device.Manager, loader Loader, ttl time.Duration, obs progress.Observer) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if obs == nil {
		obs = progress.Nop{}
	}
	return &Manager{devices: devices, loader: loader, ttl: ttl, obs: obs}
}

// GetModels returns the cached entry when it is present, unexpired, and
// bound to the right device, refreshing its timestamp. Otherwise it
// resolves the device (the hint wins over detection), loads fresh, and
// caches the result.
func (m *Manager) GetModels(ctx context.Context, hint *device.Info) (*Entry, error) {
	m.mu.Lock()
	if e := m.entry; e != nil {
		if hint != nil && e.Device.Kind != hint.Kind {
			m.dropLocked(e, "device changed")
		} else if time.Since(e.lastAccess) > m.ttl {
			m.dropLocked(e, "ttl expired")
		} else {
			e.lastAccess = time.Now()
			m.mu.Unlock()
			log.Debug().
				Str("device", string(e.Device.Kind)).
				Time("loadedAt", e.LoadedAt).
				Msg("Reusing cached escalation models")
			return e, nil
		}
	}
	m.mu.Unlock()

	dev, err := m.resolveDevice(ctx, hint)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("device", string(dev.Kind)).
		Str("name", dev.Name).
		Msg("Loading escalation models")

	loadStart := time.Now()
	handle, err := m.loader(ctx, dev)
	loadDuration := time.Since(loadStart)
	if err != nil {
		return nil, fmt.Errorf("loading escalation models on %s: %w", dev.Kind, err)
	}

	log.Info().
		Str("device", string(dev.Kind)).
		Dur("duration", loadDuration).
		Msg("Escalation models loaded")

	now := time.Now()
	entry := &Entry{Handle: handle, Device: dev, LoadedAt: now, lastAccess: now}

	m.mu.Lock()
	m.entry = entry
	m.mu.Unlock()

	m.obs.Observe(progress.Event{
		Kind:     progress.KindModelLoaded,
		Device:   string(dev.Kind),
		Duration: loadDuration,
	})
	return entry, nil
}

// Invalidate evicts the current entry and releases its resources. Called
// before a device-fallback retry; a no-op when nothing is cached.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	e := m.entry
	m.entry = nil
	m.mu.Unlock()

	if e == nil {
		return
	}
	m.release(e, "invalidated")
}

// Cached reports the device of the live entry, false when none exists.
func (m *Manager) Cached() (device.Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil {
		return device.Info{}, false
	}
	return m.entry.Device, true
}

// StartEvictionLoop runs the idle-entry janitor until ctx is canceled.
// A non-positive interval checks once a minute.
func (m *Manager) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictIdle()
			}
		}
	}()
}

// evictIdle drops the entry when it has sat unused past the TTL.
func (m *Manager) evictIdle() {
	m.mu.Lock()
	e := m.entry
	if e == nil || time.Since(e.lastAccess) <= m.ttl {
		m.mu.Unlock()
		return
	}
	idle := time.Since(e.lastAccess)
	m.entry = nil
	m.mu.Unlock()

	log.Info().
		Str("device", string(e.Device.Kind)).
		Dur("idle", idle).
		Msg("Evicting idle escalation models")
	m.release(e, "ttl expired")
}

// dropLocked discards a stale entry. Caller holds m.mu.
func (m *Manager) dropLocked(e *Entry, reason string) {
	m.entry = nil
	log.Debug().
		Str("device", string(e.Device.Kind)).
		Str("reason", reason).
		Msg("Dropping cached escalation models")
	if err := e.Handle.Release(); err != nil {
		log.Warn().Err(err).Msg("Failed to release escalation models")
	}
	m.obs.Observe(progress.Event{
		Kind:   progress.KindModelEvicted,
		Device: string(e.Device.Kind),
	})
}

func (m *Manager) release(e *Entry, reason string) {
	if err := e.Handle.Release(); err != nil {
		log.Warn().
			Err(err).
			Str("reason", reason).
			Msg("Failed to release escalation models")
	}
	m.obs.Observe(progress.Event{
		Kind:   progress.KindModelEvicted,
		Device: string(e.Device.Kind),
	})
}

// resolveDevice picks the load target: explicit hint first, then the
// device manager's cached detection.
func (m *Manager) resolveDevice(ctx context.Context, hint *device.Info) (device.Info, error) {
	if hint != nil {
		return *hint, nil
	}
	return m.devices.Detect(ctx)
}
