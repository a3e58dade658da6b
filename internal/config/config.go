package config

import (
	"fmt"
	"runtime"
)

// Config carries runtime settings for an inference session. Model shape
// hyperparameters come from the weight file itself; everything here is
// caller policy.
type Config struct {
	// ContextLength is the maximum number of sequence positions the KV
	// cache is sized for.
	ContextLength int

	// Threads is the worker count used by graph compute. Zero means one
	// worker per CPU.
	Threads int

	// StepArenaBytes sizes the per-step arena each decode step allocates
	// its graph from. Zero selects a default derived from the model.
	StepArenaBytes int

	// ScratchBytes sizes the scratch buffer used for transient
	// intermediates during graph construction. Zero disables scratch.
	ScratchBytes int

	LogLevel  string
	LogFormat string

	// FlightAddr, when set, points at an Arrow Flight tensor store to
	// fetch weights from instead of a local file.
	FlightAddr string

	// FlightConcurrency bounds parallel tensor fetches from the store.
	FlightConcurrency int
}

// Default returns a config with sane defaults applied.
func Default() Config {
	return Config{
		ContextLength:     2048,
		Threads:           runtime.NumCPU(),
		LogLevel:          "info",
		LogFormat:         "console",
		FlightConcurrency: 4,
	}
}

func (c *Config) Validate() error {
	if c.ContextLength <= 0 {
		return fmt.Errorf("invalid context_length: %d (must be positive)", c.ContextLength)
	}
	if c.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be >= 0)", c.Threads)
	}
	if c.StepArenaBytes < 0 {
		return fmt.Errorf("invalid step_arena_bytes: %d (must be >= 0)", c.StepArenaBytes)
	}
	if c.ScratchBytes < 0 {
		return fmt.Errorf("invalid scratch_bytes: %d (must be >= 0)", c.ScratchBytes)
	}
	if c.FlightAddr != "" && c.FlightConcurrency <= 0 {
		return fmt.Errorf("invalid flight_concurrency: %d (must be positive when flight_addr is set)", c.FlightConcurrency)
	}
	return nil
}

// EffectiveThreads resolves the zero-means-NumCPU default.
func (c *Config) EffectiveThreads() int {
	if c.Threads == 0 {
		return runtime.NumCPU()
	}
	return c.Threads
}
