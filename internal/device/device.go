// Package device detects and validates the compute backend used by the
// escalation engine. Candidates are tried in a fixed priority order and
// each one must pass a functional probe before it is selected; a backend
// that merely claims to exist is not trusted.
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/doc-ocr-cli/internal/config"
)

// Kind identifies a compute backend.
type Kind string

const (
	CUDA  Kind = "cuda"
	Metal Kind = "metal"
	CPU   Kind = "cpu"

	// Auto is a request value only; Detect resolves it to a concrete Kind.
	Auto Kind = "auto"
)

// priorityOrder is the fallthrough chain for auto selection. CPU is the
// terminal candidate and always validates.
var priorityOrder = []Kind{CUDA, Metal, CPU}

// Info describes the backend a probe validated.
type Info struct {
	Kind Kind `json:"kind"`
	// Name is a human-readable device label, e.g. the GPU product name.
	Name string `json:"name"`
	// MemoryMB is the usable memory for batch sizing: dedicated memory for
	// a discrete accelerator, system memory otherwise.
	MemoryMB int `json:"memory_mb"`
	// Requested records what the caller asked for, which may differ from
	// Kind after a fallthrough.
	Requested Kind `json:"requested"`
}

// ValidationError reports a probe failure that strict mode refuses to
// degrade past. It is one of the few error classes that aborts a run.
type ValidationError struct {
	Kind Kind
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("device: %s failed validation: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Prober runs the functional check for one backend kind. Implementations
// must perform a real operation against the backend (a driver query, an
// allocation), not a presence check.
type Prober interface {
	Probe(ctx context.Context, kind Kind) (Info, error)
}

// Manager resolves and caches the active backend. Detection is lazy and
// happens once per manager; Demote re-runs it further down the chain after
// an escalation failure.
type Manager struct {
	cfg    config.DeviceConfig
	prober Prober

	mu     sync.Mutex
	cached *Info
}

// NewManager returns a manager backed by the real subprocess probes.
func NewManager(cfg config.DeviceConfig) *Manager {
	return NewManagerWithProber(cfg, execProber{})
}

// NewManagerWithProber substitutes the probe implementation, used by tests
// and by callers that already hold device facts.
func NewManagerWithProber(cfg config.DeviceConfig, p Prober) *Manager {
	return &Manager{cfg: cfg, prober: p}
}

// Detect returns the validated backend, probing on first use and serving
// the cached result afterwards.
func (m *Manager) Detect(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return *m.cached, nil
	}

	requested := Kind(m.cfg.Preferred)
	if requested == "" {
		requested = Auto
	}

	info, err := m.detectLocked(ctx, m.chainFor(requested), requested)
	if err != nil {
		return Info{}, err
	}
	m.cached = &info
	return info, nil
}

// Demote discards the cached backend and revalidates strictly below it in
// the priority order. Used before the single retry after an escalation
// failure on the current device. Demoting past CPU fails.
func (m *Manager) Demote(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached == nil {
		return Info{}, fmt.Errorf("device: demote called before any detection")
	}
	current := m.cached.Kind
	rest := chainBelow(current)
	if len(rest) == 0 {
		return Info{}, fmt.Errorf("device: no backend below %s to fall back to", current)
	}

	log.Warn().
		Str("from", string(current)).
		Str("to", string(rest[0])).
		Msg("Demoting compute backend after failure")

	info, err := m.detectLocked(ctx, rest, m.cached.Requested)
	if err != nil {
		return Info{}, err
	}
	m.cached = &info
	return info, nil
}

// Current returns the cached backend without probing, false when Detect
// has not run yet.
func (m *Manager) Current() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		return Info{}, false
	}
	return *m.cached, true
}

// detectLocked walks the candidate chain under m.mu.
func (m *Manager) detectLocked(ctx context.Context, chain []Kind, requested Kind) (Info, error) {
	for _, kind := range chain {
		info, err := m.prober.Probe(ctx, kind)
		if err != nil {
			if m.cfg.Strict && requested == kind {
				return Info{}, &ValidationError{Kind: kind, Err: err}
			}
			log.Warn().
				Str("device", string(kind)).
				Err(err).
				Msg("Device probe failed, falling through")
			continue
		}

		if m.cfg.Strict && requested == Auto && kind == CPU {
			// Strict auto callers asked for an accelerator and must not
			// silently run on the CPU.
			return Info{}, &ValidationError{
				Kind: kind,
				Err:  fmt.Errorf("no accelerator validated and strict mode forbids cpu fallback"),
			}
		}

		info.Requested = requested
		log.Debug().
			Str("device", string(info.Kind)).
			Str("name", info.Name).
			Int("memoryMB", info.MemoryMB).
			Msg("Compute backend validated")
		return info, nil
	}
	return Info{}, fmt.Errorf("device: no backend in chain %v validated", chain)
}

// chainFor returns the fallthrough order for a request: auto starts at the
// top; an explicit kind starts at that kind and keeps the candidates below
// it so non-strict callers still degrade.
func (m *Manager) chainFor(requested Kind) []Kind {
	if requested == Auto {
		return priorityOrder
	}
	if m.cfg.Strict {
		return []Kind{requested}
	}
	for i, k := range priorityOrder {
		if k == requested {
			return priorityOrder[i:]
		}
	}
	// Unknown kinds are rejected by config validation before a manager
	// exists; fall back to the full chain if one slips through.
	return priorityOrder
}

func chainBelow(current Kind) []Kind {
	for i, k := range priorityOrder {
		if k == current {
			return priorityOrder[i+1:]
		}
	}
	return nil
}
