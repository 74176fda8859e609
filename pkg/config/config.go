// Package config provides configuration loading and management for ctdrr.
// It handles layered loading from defaults, YAML files, environment variables
// and command line flags, and derives dependent values once all inputs are known.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"ctdrr/internal/models"
)

// Window is an intensity window in Hounsfield-like units
type Window struct {
	Lower float64 `yaml:"lower"`
	Upper float64 `yaml:"upper"`
}

// Config represents the application configuration
type Config struct {
	// Preprocessing parameters
	Preprocessing struct {
		// TargetSpacing is the isotropic voxel size in mm after resampling
		TargetSpacing float64 `yaml:"target_spacing"`

		// Window is the clamp range applied to every voxel
		Window Window `yaml:"window"`

		// Orientation is the canonical axis-label string, e.g. "RAS"
		Orientation string `yaml:"orientation"`

		// FlipAxes lists the spatial axes mirrored after reorientation
		FlipAxes []int `yaml:"flip_axes"`

		// TargetSize is the fixed voxel grid after pad-or-crop
		TargetSize []int `yaml:"target_size"`
	} `yaml:"preprocessing"`

	// Projection parameters
	Projection struct {
		// Mode is the beam geometry, "cone" or "parallel"
		Mode string `yaml:"mode"`

		// SDD is the source to detector distance in mm
		SDD float64 `yaml:"sdd"`

		// SOD is the source to object distance in mm
		SOD float64 `yaml:"sod"`

		// NAngles is the number of projections in the sweep
		NAngles int `yaml:"n_angles"`

		// EndAngle is the last angle of the sweep in degrees
		EndAngle float64 `yaml:"end_angle"`

		// RotationAxis is "depth", "row" or "column"
		RotationAxis string `yaml:"rotation_axis"`
	} `yaml:"projection"`

	// Detector parameters
	Detector struct {
		// Pixels is the detector resolution (rows, columns)
		Pixels []int `yaml:"pixels"`

		// Padding scales the magnified footprint; values >= 1 never clip
		Padding float64 `yaml:"padding"`
	} `yaml:"detector"`

	// Output parameters
	Output struct {
		// WritePNG enables 8-bit previews next to each projection
		WritePNG bool `yaml:"write_png"`

		// AspectCorrectPreview resamples previews to square physical pixels
		AspectCorrectPreview bool `yaml:"aspect_correct_preview"`

		// WriteCTPreviews writes orthogonal mid-slices of the normalized CT
		WriteCTPreviews bool `yaml:"write_ct_previews"`

		// LedgerPath is the SQLite run ledger; empty disables it
		LedgerPath string `yaml:"ledger_path"`
	} `yaml:"output"`

	// Path parameters
	Paths struct {
		// InputDir holds the .nii / .nii.gz cases
		InputDir string `yaml:"input_dir"`

		// OutputDir receives one directory per case; derived when empty
		OutputDir string `yaml:"output_dir"`
	} `yaml:"paths"`

	// Logging parameters
	Logging struct {
		// Level is debug, info, warn or error
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Preprocessing.TargetSpacing = 1.875
	cfg.Preprocessing.Window = Window{Lower: -500, Upper: 1300}
	cfg.Preprocessing.Orientation = "RAS"
	cfg.Preprocessing.FlipAxes = []int{0, 1, 2}
	cfg.Preprocessing.TargetSize = []int{128, 128, 128}

	cfg.Projection.Mode = models.ModeParallel
	cfg.Projection.SDD = 1500.0
	cfg.Projection.SOD = 1000.0
	cfg.Projection.NAngles = 3
	cfg.Projection.EndAngle = 90.0
	cfg.Projection.RotationAxis = "depth"

	cfg.Detector.Pixels = []int{512, 512}
	cfg.Detector.Padding = 0.6

	cfg.Output.WritePNG = true
	cfg.Output.AspectCorrectPreview = false
	cfg.Output.WriteCTPreviews = false
	cfg.Output.LedgerPath = ""

	cfg.Paths.InputDir = "data/CTs"
	cfg.Paths.OutputDir = ""

	cfg.Logging.Level = "info"

	return cfg
}

// MaxGridSize bounds every volume and detector dimension. NIfTI-1 stores
// dimensions as int16.
const MaxGridSize = math.MaxInt16

// positive reports whether v is a finite number above zero.
func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// Validate checks the invariants every component relies on
func (c *Config) Validate() error {
	p := c.Preprocessing
	if !positive(p.TargetSpacing) {
		return fmt.Errorf("target_spacing must be positive, got %g", p.TargetSpacing)
	}
	if !(p.Window.Lower < p.Window.Upper) || math.IsInf(p.Window.Lower, 0) || math.IsInf(p.Window.Upper, 0) {
		return fmt.Errorf("window lower (%g) must be below upper (%g)", p.Window.Lower, p.Window.Upper)
	}
	if len(p.Orientation) != 3 {
		return fmt.Errorf("orientation must have three axis labels, got %q", p.Orientation)
	}
	for _, a := range p.FlipAxes {
		if a < 0 || a > 2 {
			return fmt.Errorf("flip axis %d out of range [0, 2]", a)
		}
	}
	if len(p.TargetSize) != 3 {
		return fmt.Errorf("target_size must have 3 entries, got %d", len(p.TargetSize))
	}
	for _, s := range p.TargetSize {
		if s <= 0 || s > MaxGridSize {
			return fmt.Errorf("target_size entries must be in [1, %d], got %v", MaxGridSize, p.TargetSize)
		}
	}

	g := c.Projection
	if g.Mode != models.ModeCone && g.Mode != models.ModeParallel {
		return fmt.Errorf("mode must be %q or %q, got %q", models.ModeCone, models.ModeParallel, g.Mode)
	}
	if !positive(g.SOD) {
		return fmt.Errorf("sod must be positive, got %g", g.SOD)
	}
	if !positive(g.SDD) || g.SDD < g.SOD {
		return fmt.Errorf("sdd (%g) must not be smaller than sod (%g)", g.SDD, g.SOD)
	}
	if g.NAngles < 1 {
		return fmt.Errorf("n_angles must be at least 1, got %d", g.NAngles)
	}
	if math.IsNaN(g.EndAngle) || math.IsInf(g.EndAngle, 0) {
		return fmt.Errorf("end_angle must be finite, got %g", g.EndAngle)
	}
	if g.NAngles > 1 && g.EndAngle <= 0 {
		return fmt.Errorf("end_angle must be positive for a sweep of %d angles, got %g", g.NAngles, g.EndAngle)
	}
	if _, err := ParseAxis(g.RotationAxis); err != nil {
		return err
	}

	d := c.Detector
	if len(d.Pixels) != 2 {
		return fmt.Errorf("detector pixels must be two integers, got %v", d.Pixels)
	}
	for _, n := range d.Pixels {
		if n <= 0 || n > MaxGridSize {
			return fmt.Errorf("detector pixels must be in [1, %d], got %v", MaxGridSize, d.Pixels)
		}
	}
	if !positive(d.Padding) {
		return fmt.Errorf("detector padding must be positive, got %g", d.Padding)
	}
	return nil
}

// Finalize validates the configuration and computes the fields that depend on
// other fields. It must run after every override has been applied.
func (c *Config) Finalize() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = DefaultOutputDir(c.Projection.NAngles, c.Projection.EndAngle)
	}
	c.Preprocessing.Orientation = strings.ToUpper(c.Preprocessing.Orientation)
	return nil
}

// DefaultOutputDir names the dataset directory after the sweep parameters,
// e.g. dataset_3views_90.0deg
func DefaultOutputDir(nAngles int, endAngle float64) string {
	angle := strconv.FormatFloat(endAngle, 'f', -1, 64)
	if !strings.ContainsAny(angle, ".eE") {
		angle += ".0"
	}
	return fmt.Sprintf("dataset_%dviews_%sdeg", nAngles, angle)
}

// ParseAxis maps a rotation axis label onto a canonical axis index
func ParseAxis(label string) (int, error) {
	switch strings.ToLower(label) {
	case "depth", "z":
		return models.AxisDepth, nil
	case "row", "y":
		return models.AxisRow, nil
	case "column", "col", "x":
		return models.AxisColumn, nil
	default:
		return 0, fmt.Errorf("unknown rotation axis %q (want depth, row or column)", label)
	}
}

// RotationAxisIndex returns the parsed rotation axis, defaulting to depth.
func (c *Config) RotationAxisIndex() int {
	axis, err := ParseAxis(c.Projection.RotationAxis)
	if err != nil {
		return models.AxisDepth
	}
	return axis
}

// TargetSize3 returns the pad-or-crop size as a fixed array.
func (c *Config) TargetSize3() [3]int {
	var s [3]int
	copy(s[:], c.Preprocessing.TargetSize)
	return s
}

// DetectorPixels2 returns the detector grid as a fixed array.
func (c *Config) DetectorPixels2() [2]int {
	var p [2]int
	copy(p[:], c.Detector.Pixels)
	return p
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
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
