package tense

import (
	"tense/internal/config"
	"tense/internal/logbase"
)

// Params are the load-time settings of the engine. They are read once and
// never reloaded.
type Params struct {
	SyncBoundNS   uint64 `yaml:"sync_bound_ns" toml:"sync_bound_ns"`     // 1000000 (by default)
	LogLevel      int    `yaml:"log_level" toml:"log_level"`             // 1 (by default)
	NopsPerMS     uint64 `yaml:"nops_per_ms" toml:"nops_per_ms"`         // 500000 (by default), for collaborator busy loops
	TickNS        uint64 `yaml:"tick_ns" toml:"tick_ns"`                 // 4000000 (by default), host tick length
	WakeupSlackNS uint64 `yaml:"wakeup_slack_ns" toml:"wakeup_slack_ns"` // 10000000 (by default)
}

// DefaultParams returns the values used when no config file is given.
func DefaultParams() Params {
	return Params{
		SyncBoundNS:   1_000_000,
		LogLevel:      logbase.LevelInfo,
		NopsPerMS:     500_000,
		TickNS:        4_000_000,
		WakeupSlackNS: 10_000_000,
	}
}

// LoadParams reads the "tense" section of a YAML or TOML file over the
// defaults. An empty path or unreadable file yields the defaults. An explicit
// sync_bound_ns of 0 is kept: cores may not diverge at all.
func LoadParams(path string) Params {
	doc := struct {
		Tense Params `yaml:"tense" toml:"tense"`
	}{Tense: DefaultParams()}

	if path != "" {
		if err := config.Decode(path, &doc); err != nil {
			return DefaultParams()
		}
	}
	return doc.Tense.sanitized()
}

func (p Params) sanitized() Params {
	d := DefaultParams()
	if p.LogLevel < logbase.LevelWarn {
		p.LogLevel = logbase.LevelWarn
	} else if p.LogLevel > logbase.LevelDebug {
		p.LogLevel = logbase.LevelDebug
	}
	if p.NopsPerMS == 0 {
		p.NopsPerMS = d.NopsPerMS
	}
	if p.TickNS == 0 {
		p.TickNS = d.TickNS
	}
	if p.WakeupSlackNS == 0 {
		p.WakeupSlackNS = d.WakeupSlackNS
	}
	return p
}
