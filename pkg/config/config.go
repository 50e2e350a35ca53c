// Package config provides configuration loading and management for spiralrecon.
// It handles loading configuration from YAML files, provides default values
// and parses the algorithm selector.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrBadAlgorithm reports an unparseable algorithm selector.
	ErrBadAlgorithm = errors.New("config: bad algorithm")

	// ErrIncompatible reports options that cannot be combined.
	ErrIncompatible = errors.New("config: incompatible options")
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers is the number of tasks reconstructed concurrently
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Reconstruction parameters
	Reconstruction struct {
		// Algorithm selects weighting and transform, e.g. "weight=voronoi,nft=direct"
		Algorithm string `yaml:"algorithm"`

		// Width and Height are the output resolution in pixels
		Width  int `yaml:"width"`
		Height int `yaml:"height"`

		// VoxelX and VoxelY are the output voxel sizes in mm. Zero takes
		// the sample store's voxel spacing.
		VoxelX float64 `yaml:"voxelX"`
		VoxelY float64 `yaml:"voxelY"`

		// PhaseScale multiplies the per-sample phase increment
		PhaseScale float64 `yaml:"phaseScale"`

		// SampleLag is the readout lag, in samples, at the end of each readout
		SampleLag float64 `yaml:"sampleLag"`

		// LagMap is an optional chunk store holding a per-voxel lag map
		LagMap string `yaml:"lagMap"`

		// LagMapChunk names the chunk inside LagMap
		LagMapChunk string `yaml:"lagMapChunk"`
	} `yaml:"reconstruction"`

	// Solver parameters for the iterative transform
	Solver struct {
		MaxIterations int     `yaml:"maxIterations"`
		Threshold     float64 `yaml:"threshold"`
	} `yaml:"solver"`

	// Output parameters
	Output struct {
		// PreviewDir receives magnitude previews when set
		PreviewDir string `yaml:"previewDir"`

		// Verbose enables info-level logging
		Verbose bool `yaml:"verbose"`

		// Debug enables development logging
		Debug bool `yaml:"debug"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()

	cfg.Reconstruction.Algorithm = "weight=voronoi,nft=direct"
	cfg.Reconstruction.Width = 64
	cfg.Reconstruction.Height = 64
	cfg.Reconstruction.PhaseScale = 1
	cfg.Reconstruction.LagMapChunk = "images"

	cfg.Solver.MaxIterations = 100
	cfg.Solver.Threshold = 0.001

	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate checks value ranges and option combinations.
func (c *Config) Validate() error {
	alg, err := ParseAlgorithm(c.Reconstruction.Algorithm)
	if err != nil {
		return err
	}
	r := &c.Reconstruction
	switch {
	case c.Processing.NumWorkers < 1:
		return fmt.Errorf("config: numWorkers must be positive, got %d", c.Processing.NumWorkers)
	case r.Width < 1 || r.Height < 1:
		return fmt.Errorf("config: resolution must be positive, got %dx%d", r.Width, r.Height)
	case r.VoxelX < 0 || r.VoxelY < 0:
		return fmt.Errorf("config: voxel sizes must not be negative, got %gx%g", r.VoxelX, r.VoxelY)
	case c.Solver.MaxIterations < 1:
		return fmt.Errorf("config: maxIterations must be positive, got %d", c.Solver.MaxIterations)
	case c.Solver.Threshold <= 0:
		return fmt.Errorf("config: threshold must be positive, got %g", c.Solver.Threshold)
	}
	if r.LagMap != "" && alg.Transform == TransformIterative {
		return fmt.Errorf("%w: a lag map cannot be used with nft=nfft", ErrIncompatible)
	}
	return nil
}

// WeightKind selects the density-compensation method.
type WeightKind int

const (
	WeightConstant WeightKind = iota
	WeightVoronoi
	WeightCircleVoronoi
)

func (k WeightKind) String() string {
	switch k {
	case WeightVoronoi:
		return "voronoi"
	case WeightCircleVoronoi:
		return "circle_voronoi"
	}
	return "const"
}

// TransformKind selects the image reconstruction method.
type TransformKind int

const (
	TransformDirect TransformKind = iota
	TransformIterative
)

func (k TransformKind) String() string {
	if k == TransformIterative {
		return "nfft"
	}
	return "direct"
}

// Algorithm is a parsed algorithm selector.
type Algorithm struct {
	Weight    WeightKind
	Transform TransformKind
}

func (a Algorithm) String() string {
	return fmt.Sprintf("weight=%s,nft=%s", a.Weight, a.Transform)
}

// ParseAlgorithm parses a selector of the form
// "weight=<const|voronoi|circle_voronoi>,nft=<direct|nfft>". Either part may
// be omitted, in which case Voronoi weighting and direct summation are used.
func ParseAlgorithm(s string) (Algorithm, error) {
	alg := Algorithm{Weight: WeightVoronoi, Transform: TransformDirect}
	if strings.TrimSpace(s) == "" {
		return alg, nil
	}
	for _, part := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return alg, fmt.Errorf("%w: %q is not key=value", ErrBadAlgorithm, part)
		}
		switch strings.TrimSpace(key) {
		case "weight":
			switch strings.TrimSpace(value) {
			case "const":
				alg.Weight = WeightConstant
			case "voronoi":
				alg.Weight = WeightVoronoi
			case "circle_voronoi":
				alg.Weight = WeightCircleVoronoi
			default:
				return alg, fmt.Errorf("%w: unknown weighting %q", ErrBadAlgorithm, value)
			}
		case "nft":
			switch strings.TrimSpace(value) {
			case "direct":
				alg.Transform = TransformDirect
			case "nfft":
				alg.Transform = TransformIterative
			default:
				return alg, fmt.Errorf("%w: unknown transform %q", ErrBadAlgorithm, value)
			}
		default:
			return alg, fmt.Errorf("%w: unknown key %q", ErrBadAlgorithm, key)
		}
	}
	return alg, nil
}
