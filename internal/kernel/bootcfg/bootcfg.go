// Package bootcfg parses the YAML boot manifest that tells cmd/chanux which
// processes to create and how to tune the scheduler, supplementing
// spec.md §4.6's single create_user call with a declarative boot sequence
// (SPEC_FULL.md §4). The manifest shape follows the same flat,
// field-tagged struct style the teacher uses for its other YAML-driven
// configuration.
package bootcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProcessKind distinguishes a kernel-mode boot process from a user-mode
// image to load through the user-process factory.
type ProcessKind string

const (
	KindKernel ProcessKind = "kernel"
	KindUser   ProcessKind = "user"
)

// ProcessEntry describes one process the boot sequence should create.
type ProcessEntry struct {
	Name  string      `yaml:"name"`
	Kind  ProcessKind `yaml:"kind"`
	Image string      `yaml:"image,omitempty"` // path to a flat binary image, KindUser only
}

// Config is the top-level boot manifest.
type Config struct {
	TimeSliceTicks int            `yaml:"time_slice_ticks"`
	PITFrequencyHz int            `yaml:"pit_frequency_hz"`
	Processes      []ProcessEntry `yaml:"processes"`
}

// DefaultConfig matches the scheduler's built-in defaults (spec.md §4.4:
// TIME_SLICE_TICKS default 5 ticks at 100 Hz).
func DefaultConfig() Config {
	return Config{TimeSliceTicks: 5, PITFrequencyHz: 100}
}

// Load reads and validates a boot manifest from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("bootcfg: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("bootcfg: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects manifests the kernel cannot boot from.
func (c Config) Validate() error {
	if c.TimeSliceTicks <= 0 {
		return fmt.Errorf("bootcfg: time_slice_ticks must be positive, got %d", c.TimeSliceTicks)
	}
	if c.PITFrequencyHz <= 0 {
		return fmt.Errorf("bootcfg: pit_frequency_hz must be positive, got %d", c.PITFrequencyHz)
	}
	for i, p := range c.Processes {
		if p.Name == "" {
			return fmt.Errorf("bootcfg: processes[%d]: name is required", i)
		}
		switch p.Kind {
		case KindKernel:
		case KindUser:
			if p.Image == "" {
				return fmt.Errorf("bootcfg: processes[%d] %q: user process requires image", i, p.Name)
			}
		default:
			return fmt.Errorf("bootcfg: processes[%d] %q: unknown kind %q", i, p.Name, p.Kind)
		}
	}
	return nil
}
