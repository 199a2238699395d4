// Package config loads the YAML configuration of the shingle CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"shingle/internal/disasm"
	"shingle/internal/image"
	"shingle/internal/resolve"
	"shingle/internal/scan"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid")

// Weights mirrors resolve.ClassScorer for YAML.
type Weights struct {
	Linear      float64 `yaml:"linear"`
	Transfer    float64 `yaml:"transfer"`
	Conditional float64 `yaml:"conditional"`
	Call        float64 `yaml:"call"`
	Return      float64 `yaml:"return"`
}

// Config holds all configuration for a scan.
type Config struct {
	// Arch names the decoder (nibble, arm64, x86-64, x86). Empty means take
	// it from the ELF header.
	Arch string `yaml:"arch"`

	// Base is the load address of a raw input file.
	Base uint64 `yaml:"base"`

	// Entries are trusted procedure entries added to any symbol seeds.
	Entries []uint64 `yaml:"entries"`

	// NonReturning lists procedures known never to return.
	NonReturning []uint64 `yaml:"non_returning"`

	// Scanner tuning
	Workers       int `yaml:"workers"`
	ChunkSize     int `yaml:"chunk_size"`
	MaxBlockInsts int `yaml:"max_block_insts"`

	// Gap scoring weights for the conflict resolver.
	Weights Weights `yaml:"weights"`

	// Output
	OutDir   string `yaml:"out_dir"`
	Snapshot bool   `yaml:"snapshot"`

	// Logging
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns a Config with the scanner defaults.
func DefaultConfig() *Config {
	w := resolve.DefaultScorer()
	return &Config{
		Workers:       0, // GOMAXPROCS
		ChunkSize:     64 << 10,
		MaxBlockInsts: 1 << 16,
		Weights: Weights{
			Linear:      w.Linear,
			Transfer:    w.Transfer,
			Conditional: w.Conditional,
			Call:        w.Call,
			Return:      w.Return,
		},
		OutDir:   "out",
		Snapshot: true,
	}
}

// LoadFromFile reads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks field ranges and the decoder name.
func (c *Config) Validate() error {
	if c.Arch != "" {
		if _, err := disasm.ByName(c.Arch); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers = %d", ErrInvalid, c.Workers)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("%w: chunk_size = %d", ErrInvalid, c.ChunkSize)
	}
	if c.MaxBlockInsts < 0 {
		return fmt.Errorf("%w: max_block_insts = %d", ErrInvalid, c.MaxBlockInsts)
	}
	return nil
}

// ScanOptions converts the scanner fields.
func (c *Config) ScanOptions() scan.Options {
	return scan.Options{
		Workers:       c.Workers,
		ChunkSize:     c.ChunkSize,
		MaxBlockInsts: c.MaxBlockInsts,
		NonReturning:  Addrs(c.NonReturning),
	}
}

// Scorer converts Weights.
func (c *Config) Scorer() resolve.ClassScorer {
	return resolve.ClassScorer{
		Linear:      c.Weights.Linear,
		Transfer:    c.Weights.Transfer,
		Conditional: c.Weights.Conditional,
		Call:        c.Weights.Call,
		Return:      c.Weights.Return,
	}
}

// Addrs converts raw addresses.
func Addrs(raw []uint64) []image.Addr {
	out := make([]image.Addr, len(raw))
	for i, a := range raw {
		out[i] = image.Addr(a)
	}
	return out
}
