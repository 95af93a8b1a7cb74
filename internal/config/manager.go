package config

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/pathspace/remote/internal/mountserver"
)

// ExportOverrides holds a map of per-export throttle overrides, loaded from
// a separate file so operators can tune one export's limits without
// touching the master config (spec.md §4.F "per-export throttle").
type ExportOverrides struct {
	Exports map[string]ThrottleConfig `yaml:"exports"`
}

// Manager resolves the effective throttle configuration for an export,
// merging a per-export override on top of the global default
// (adapted from the teacher's per-tenant config override merge).
type Manager struct {
	global    *Config
	overrides map[string]ThrottleConfig
	mu        sync.RWMutex
}

// NewManager loads both the master config and an optional overrides file.
// A missing overrides file is not an error; it just means no export has a
// throttle override.
func NewManager(masterPath, overridesPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}
	master.applyDefaults()

	f, err := os.Open(overridesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{global: master, overrides: make(map[string]ThrottleConfig)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var ov ExportOverrides
	if err := yaml.NewDecoder(f).Decode(&ov); err != nil {
		return nil, err
	}
	if ov.Exports == nil {
		ov.Exports = make(map[string]ThrottleConfig)
	}
	return &Manager{global: master, overrides: ov.Exports}, nil
}

// Global returns the master Config this Manager was constructed from.
func (m *Manager) Global() *Config {
	return m.global
}

// Get returns the effective ThrottleConfig for alias: the global default
// with any per-export override fields applied on top.
func (m *Manager) Get(alias string) ThrottleConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := m.global.Throttle
	override, ok := m.overrides[alias]
	if !ok {
		return effective
	}
	if override.RequestWindowMs != 0 {
		effective.RequestWindowMs = override.RequestWindowMs
	}
	if override.MaxRequestsPerWindow != 0 {
		effective.MaxRequestsPerWindow = override.MaxRequestsPerWindow
	}
	if override.PenaltyCapMs != 0 {
		effective.PenaltyCapMs = override.PenaltyCapMs
	}
	if override.PenaltyIncrementMs != 0 {
		effective.PenaltyIncrementMs = override.PenaltyIncrementMs
	}
	if override.MaxWaitersPerSession != 0 {
		effective.MaxWaitersPerSession = override.MaxWaitersPerSession
	}
	if override.StreamThrottleThreshold != 0 {
		effective.StreamThrottleThreshold = override.StreamThrottleThreshold
	}
	if override.StreamHardCap != 0 {
		effective.StreamHardCap = override.StreamHardCap
	}
	if override.StreamThrottleWindowMs != 0 {
		effective.StreamThrottleWindowMs = override.StreamThrottleWindowMs
	}
	if override.WaitRetryAfterMs != 0 {
		effective.WaitRetryAfterMs = override.WaitRetryAfterMs
	}
	return effective
}

// ToThrottleOpts converts a ThrottleConfig (millisecond YAML form) into the
// time.Duration-based mountserver.ThrottleOpts RegisterExport wants.
func (t ThrottleConfig) ToThrottleOpts() mountserver.ThrottleOpts {
	return mountserver.ThrottleOpts{
		RequestWindow:           time.Duration(t.RequestWindowMs) * time.Millisecond,
		MaxRequestsPerWindow:    t.MaxRequestsPerWindow,
		PenaltyCap:              time.Duration(t.PenaltyCapMs) * time.Millisecond,
		PenaltyIncrement:        time.Duration(t.PenaltyIncrementMs) * time.Millisecond,
		MaxWaitersPerSession:    t.MaxWaitersPerSession,
		StreamThrottleThreshold: t.StreamThrottleThreshold,
		StreamHardCap:           t.StreamHardCap,
		StreamThrottleWindow:    time.Duration(t.StreamThrottleWindowMs) * time.Millisecond,
		WaitRetryAfter:          time.Duration(t.WaitRetryAfterMs) * time.Millisecond,
	}
}
