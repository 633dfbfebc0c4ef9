package sched

import (
	"tense/internal/config"
)

// Config mirrors the "sched" section of the simulator config file.
type Config struct {
	Cores       int    `yaml:"cores" toml:"cores"`               // 2 (by default)
	TickNS      uint64 `yaml:"tick_ns" toml:"tick_ns"`           // 4000000 (by default)
	SliceTicks  int    `yaml:"slice_ticks" toml:"slice_ticks"`   // 3 (by default)
	PaceMS      int    `yaml:"pace_ms" toml:"pace_ms"`           // 0 (by default), wall clock ms per tick in Run
	MaxSwitches int    `yaml:"max_switches" toml:"max_switches"` // 64 (by default), switches per core and tick
	CSVPath     string `yaml:"csv" toml:"csv"`                   // empty (by default), no CSV trace
}

// If the config file is not found, we use default values
func defaultConfig() Config {
	return Config{
		Cores:       2,
		TickNS:      4_000_000,
		SliceTicks:  3,
		MaxSwitches: 64,
	}
}

// DefaultConfig returns the configuration used without a config file.
func DefaultConfig() Config { return defaultConfig() }

// Load reads the "sched" section of a YAML or TOML file over the defaults;
// empty path = defaults only
func Load(path string) Config {
	doc := struct {
		Sched Config `yaml:"sched" toml:"sched"`
	}{Sched: defaultConfig()}

	if path == "" {
		return doc.Sched
	}
	if err := config.Decode(path, &doc); err != nil {
		return defaultConfig()
	}
	return doc.Sched.clamped()
}

// sanity clamps
func (cfg Config) clamped() Config {
	d := defaultConfig()
	if cfg.Cores <= 0 {
		cfg.Cores = d.Cores
	}
	if cfg.TickNS == 0 {
		cfg.TickNS = d.TickNS
	}
	if cfg.SliceTicks <= 0 {
		cfg.SliceTicks = d.SliceTicks
	}
	if cfg.PaceMS < 0 {
		cfg.PaceMS = 0
	}
	if cfg.MaxSwitches <= 0 {
		cfg.MaxSwitches = d.MaxSwitches
	}
	return cfg
}
