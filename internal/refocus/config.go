// Package refocus implements position optimisation for a scanning probe:
// it acquires a small calibration scan around the current position, fits it
// (parametric Gaussian or template cross-correlation) and moves the best
// position estimate, clamped to the device range and a maximum allowed
// offset.
package refocus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StepKind identifies one entry of the optimisation sequence.
type StepKind string

const (
	StepXY StepKind = "XY"
	StepZ  StepKind = "Z"

	// Capture variants are internal: they are synthesised from the
	// template caller tags, never configured directly.
	StepXYTemplateCapture StepKind = "XY_TEMPLATE_CAPTURE"
	StepZTemplateCapture  StepKind = "Z_TEMPLATE_CAPTURE"
)

// FitMode selects the estimation strategy per run.
type FitMode string

const (
	FitModeNormal      FitMode = "normal"
	FitModeXYTemplate  FitMode = "xy_template"
	FitModeZTemplate   FitMode = "z_template"
	FitModeAllTemplate FitMode = "all_template"
)

// Caller tags with capture-only behaviour: a run under one of these tags
// executes exactly one scan and stores it as the reference template.
const (
	TagXYTemplateImage = "xy_template_image"
	TagZTemplateImage  = "z_template_image"
)

// usesXYTemplate reports whether the mode correlates XY scans against the
// stored template image.
func (m FitMode) usesXYTemplate() bool {
	return m == FitModeXYTemplate || m == FitModeAllTemplate
}

func (m FitMode) usesZTemplate() bool {
	return m == FitModeZTemplate || m == FitModeAllTemplate
}

// Config is the tunable surface of the engine. Fields are pointers so a
// partial JSON file only overrides what it names; the Get* accessors supply
// defaults for the rest.
type Config struct {
	ClockFrequencyHz         *int      `json:"clock_frequency_hz,omitempty"`
	TemplateClockFrequencyHz *int      `json:"template_clock_frequency_hz,omitempty"`
	ReturnSlowness           *int      `json:"return_slowness,omitempty"`
	TemplateReturnSlowness   *int      `json:"template_return_slowness,omitempty"`
	XYSize                   *float64  `json:"xy_size,omitempty"` // metres
	XYResolution             *int      `json:"xy_resolution,omitempty"`
	ZSize                    *float64  `json:"z_size,omitempty"` // metres
	ZResolution              *int      `json:"z_resolution,omitempty"`
	SettleTime               *string   `json:"settle_time,omitempty"` // duration string like "100ms"
	Sequence                 []string  `json:"sequence,omitempty"`
	SurfaceSubtraction       *bool     `json:"surface_subtraction,omitempty"`
	SurfaceOffset            *float64  `json:"surface_offset,omitempty"` // metres
	FitChannel               *int      `json:"fit_channel,omitempty"`
	FitMode                  *string   `json:"fit_mode,omitempty"`
	MaxOffset                *float64  `json:"max_offset,omitempty"`
	TemplateCursor           []float64 `json:"template_cursor,omitempty"` // x, y, z, a
	PlotDir                  *string   `json:"plot_dir,omitempty"`
}

// LoadConfig reads a Config from a JSON file. Omitted fields keep their
// defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration values that can be checked statically.
// The step sequence is deliberately not rejected here: an invalid sequence
// is substituted at run time with the default, per the recovery policy.
func (c *Config) Validate() error {
	if c.XYResolution != nil && *c.XYResolution < 2 {
		return fmt.Errorf("xy_resolution must be at least 2, got %d", *c.XYResolution)
	}
	if c.ZResolution != nil && *c.ZResolution < 2 {
		return fmt.Errorf("z_resolution must be at least 2, got %d", *c.ZResolution)
	}
	if c.XYSize != nil && *c.XYSize <= 0 {
		return fmt.Errorf("xy_size must be positive, got %g", *c.XYSize)
	}
	if c.ZSize != nil && *c.ZSize <= 0 {
		return fmt.Errorf("z_size must be positive, got %g", *c.ZSize)
	}
	if c.ReturnSlowness != nil && *c.ReturnSlowness < 2 {
		return fmt.Errorf("return_slowness must be at least 2, got %d", *c.ReturnSlowness)
	}
	if c.SettleTime != nil && *c.SettleTime != "" {
		if _, err := time.ParseDuration(*c.SettleTime); err != nil {
			return fmt.Errorf("invalid settle_time '%s': %w", *c.SettleTime, err)
		}
	}
	if c.FitMode != nil {
		switch FitMode(*c.FitMode) {
		case FitModeNormal, FitModeXYTemplate, FitModeZTemplate, FitModeAllTemplate:
		default:
			return fmt.Errorf("unknown fit_mode %q", *c.FitMode)
		}
	}
	if c.MaxOffset != nil && *c.MaxOffset <= 0 {
		return fmt.Errorf("max_offset must be positive, got %g", *c.MaxOffset)
	}
	if len(c.TemplateCursor) != 0 && len(c.TemplateCursor) < 3 {
		return fmt.Errorf("template_cursor needs at least 3 components, got %d", len(c.TemplateCursor))
	}
	return nil
}

// GetClockFrequencyHz returns the scan clock frequency or the default.
func (c *Config) GetClockFrequencyHz() int {
	if c.ClockFrequencyHz == nil {
		return 50
	}
	return *c.ClockFrequencyHz
}

// GetTemplateClockFrequencyHz returns the clock frequency used for
// template-capture runs or the default.
func (c *Config) GetTemplateClockFrequencyHz() int {
	if c.TemplateClockFrequencyHz == nil {
		return 50
	}
	return *c.TemplateClockFrequencyHz
}

// GetReturnSlowness returns the point count of the move-to-start trace.
func (c *Config) GetReturnSlowness() int {
	if c.ReturnSlowness == nil {
		return 20
	}
	return *c.ReturnSlowness
}

// GetTemplateReturnSlowness returns the move-to-start point count for
// template-capture runs.
func (c *Config) GetTemplateReturnSlowness() int {
	if c.TemplateReturnSlowness == nil {
		return 20
	}
	return *c.TemplateReturnSlowness
}

// GetXYSize returns the XY scan window size in metres.
func (c *Config) GetXYSize() float64 {
	if c.XYSize == nil {
		return 0.6e-6
	}
	return *c.XYSize
}

// GetXYResolution returns the XY point count per axis.
func (c *Config) GetXYResolution() int {
	if c.XYResolution == nil {
		return 10
	}
	return *c.XYResolution
}

// GetZSize returns the Z scan window size in metres.
func (c *Config) GetZSize() float64 {
	if c.ZSize == nil {
		return 2e-6
	}
	return *c.ZSize
}

// GetZResolution returns the Z line point count.
func (c *Config) GetZResolution() int {
	if c.ZResolution == nil {
		return 30
	}
	return *c.ZResolution
}

// GetSettleTime returns the hardware settle pause after a move-to-start.
func (c *Config) GetSettleTime() time.Duration {
	if c.SettleTime == nil || *c.SettleTime == "" {
		return 100 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.SettleTime)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

// GetSequence returns the configured step sequence without validating it;
// the sequencer substitutes the default for invalid sequences.
func (c *Config) GetSequence() []StepKind {
	if len(c.Sequence) == 0 {
		return DefaultSequence()
	}
	out := make([]StepKind, len(c.Sequence))
	for i, s := range c.Sequence {
		out[i] = StepKind(s)
	}
	return out
}

// DefaultSequence is one XY step followed by one Z step.
func DefaultSequence() []StepKind {
	return []StepKind{StepXY, StepZ}
}

// GetSurfaceSubtraction reports whether the background line scan is taken.
func (c *Config) GetSurfaceSubtraction() bool {
	if c.SurfaceSubtraction == nil {
		return false
	}
	return *c.SurfaceSubtraction
}

// GetSurfaceOffset returns the lateral offset of the background line.
func (c *Config) GetSurfaceOffset() float64 {
	if c.SurfaceOffset == nil {
		return 1e-6
	}
	return *c.SurfaceOffset
}

// GetFitChannel returns the index of the counting channel used for fits.
func (c *Config) GetFitChannel() int {
	if c.FitChannel == nil {
		return 0
	}
	return *c.FitChannel
}

// GetFitMode returns the configured estimation strategy.
func (c *Config) GetFitMode() FitMode {
	if c.FitMode == nil {
		return FitModeNormal
	}
	return FitMode(*c.FitMode)
}

// GetMaxOffset returns the largest accepted shift from a step's starting
// position, in metres.
func (c *Config) GetMaxOffset() float64 {
	if c.MaxOffset == nil {
		return 3e-6
	}
	return *c.MaxOffset
}

// GetTemplateCursor returns the stored template cursor correction.
func (c *Config) GetTemplateCursor() [3]float64 {
	var out [3]float64
	for i := 0; i < 3 && i < len(c.TemplateCursor); i++ {
		out[i] = c.TemplateCursor[i]
	}
	return out
}

// GetPlotDir returns the diagnostic plot directory, empty when plotting is
// disabled.
func (c *Config) GetPlotDir() string {
	if c.PlotDir == nil {
		return ""
	}
	return *c.PlotDir
}
