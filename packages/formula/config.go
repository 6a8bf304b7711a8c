package formula

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DefaultCycleReferenceCount is the number of generate and evaluate attempts
// made when a cycle is found
const DefaultCycleReferenceCount = 1

// Config configures the execution service
type Config struct {
	// CycleReferenceCount bounds the attempts made while the dependency
	// graph reports a cycle
	CycleReferenceCount int `toml:"cycle-reference-count"`
	// Yield selects the scheduler: "none" or "gosched"
	Yield string `toml:"yield"`
	// LogLevel is the verbosity of the command line host, 0 to 5
	LogLevel int `toml:"log-level"`
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() Config {
	return Config{CycleReferenceCount: DefaultCycleReferenceCount, Yield: "none"}
}

// LoadConfig reads a TOML configuration file. unset fields keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return cfg.normalize()
}

func (c Config) normalize() (Config, error) {
	if c.CycleReferenceCount < 1 {
		c.CycleReferenceCount = DefaultCycleReferenceCount
	}
	switch c.Yield {
	case "":
		c.Yield = "none"
	case "none", "gosched":
	default:
		return c, NewApplicationError(InvalidArgument, ErrInvalidConfig, fmt.Sprintf("unknown yield mode %q", c.Yield))
	}
	return c, nil
}

// Scheduler returns the scheduler selected by Yield
func (c Config) Scheduler() Scheduler {
	if c.Yield == "gosched" {
		return GoschedScheduler{}
	}
	return NoopScheduler{}
}
