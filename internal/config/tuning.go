package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for processing parameters.
// The schema matches the /api/params endpoint so the same JSON can be used
// for both startup configuration and runtime updates.
type TuningConfig struct {
	// Preprocessing params
	HotPixelSigma      *float64 `json:"hot_pixel_sigma,omitempty"`      // median-deviation multiplier for hot pixel detection
	CenteringMode      *string  `json:"centering_mode,omitempty"`       // "com" or "max"
	MonitorNormalise   *bool    `json:"monitor_normalise,omitempty"`    // divide frames by monitor counts
	BackgroundScale    *string  `json:"background_scale,omitempty"`     // "linear" or "log" background fit
	BackgroundSubtract *bool    `json:"background_subtract,omitempty"`  // subtract fitted radial background
	OutputShape        *[]int   `json:"output_shape,omitempty"`         // desired Z,Y,X shape after crop/pad
	PhotonThreshold    *float64 `json:"photon_threshold,omitempty"`     // counts below this are zeroed
	MaskedFractionWarn *float64 `json:"masked_fraction_warn,omitempty"` // warn when a frame exceeds this masked fraction

	// Postprocessing params
	IsosurfaceThreshold  *float64 `json:"isosurface_threshold,omitempty"`  // amplitude threshold for support definition
	CorrelationThreshold *float64 `json:"correlation_threshold,omitempty"` // min Pearson correlation for averaging
	GradientThreshold    *float64 `json:"gradient_threshold,omitempty"`    // valid-voxel threshold for ramp removal
	AlignMethod          *string  `json:"align_method,omitempty"`          // "dft" or "com" registration
	MeanFilterHalfWidth  *int     `json:"mean_filter_half_width,omitempty"`
	Apodize              *bool    `json:"apodize,omitempty"`
	ApodizeSigma         *float64 `json:"apodize_sigma,omitempty"` // isotropic Gaussian sigma in window units
	BulkMethod           *string  `json:"bulk_method,omitempty"`   // "threshold" or "defect"

	// Strain params
	ReferenceAxis *string  `json:"reference_axis,omitempty"` // array axis aligned with q: "x", "y" or "z"
	VoxelSizeNm   *float64 `json:"voxel_size_nm,omitempty"`  // isotropic voxel size of the reconstruction
	InvertPhase   *bool    `json:"invert_phase,omitempty"`   // -1 sign for python/matlab phasing output
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/storage/sqlite/
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.HotPixelSigma != nil && *c.HotPixelSigma <= 0 {
		return fmt.Errorf("hot_pixel_sigma must be positive, got %f", *c.HotPixelSigma)
	}

	if c.CenteringMode != nil {
		if m := *c.CenteringMode; m != "com" && m != "max" {
			return fmt.Errorf("centering_mode must be \"com\" or \"max\", got %q", m)
		}
	}

	if c.BackgroundScale != nil {
		if s := *c.BackgroundScale; s != "linear" && s != "log" {
			return fmt.Errorf("background_scale must be \"linear\" or \"log\", got %q", s)
		}
	}

	if c.OutputShape != nil {
		if len(*c.OutputShape) != 3 {
			return fmt.Errorf("output_shape must have 3 elements, got %d", len(*c.OutputShape))
		}
		for _, n := range *c.OutputShape {
			if n <= 0 {
				return fmt.Errorf("output_shape values must be positive, got %d", n)
			}
		}
	}

	if c.IsosurfaceThreshold != nil {
		if v := *c.IsosurfaceThreshold; v <= 0 || v >= 1 {
			return fmt.Errorf("isosurface_threshold must be in (0, 1), got %f", v)
		}
	}

	if c.CorrelationThreshold != nil {
		if v := *c.CorrelationThreshold; v < 0 || v > 1 {
			return fmt.Errorf("correlation_threshold must be in [0, 1], got %f", v)
		}
	}

	if c.AlignMethod != nil {
		if m := *c.AlignMethod; m != "dft" && m != "com" {
			return fmt.Errorf("align_method must be \"dft\" or \"com\", got %q", m)
		}
	}

	if c.MeanFilterHalfWidth != nil && *c.MeanFilterHalfWidth < 0 {
		return fmt.Errorf("mean_filter_half_width must be non-negative, got %d", *c.MeanFilterHalfWidth)
	}

	if c.BulkMethod != nil {
		if m := *c.BulkMethod; m != "threshold" && m != "defect" {
			return fmt.Errorf("bulk_method must be \"threshold\" or \"defect\", got %q", m)
		}
	}

	if c.ReferenceAxis != nil {
		if a := *c.ReferenceAxis; a != "x" && a != "y" && a != "z" {
			return fmt.Errorf("reference_axis must be \"x\", \"y\" or \"z\", got %q", a)
		}
	}

	if c.VoxelSizeNm != nil && *c.VoxelSizeNm <= 0 {
		return fmt.Errorf("voxel_size_nm must be positive, got %f", *c.VoxelSizeNm)
	}

	return nil
}

// GetHotPixelSigma returns the hot_pixel_sigma value or the default.
func (c *TuningConfig) GetHotPixelSigma() float64 {
	if c.HotPixelSigma == nil {
		return 5.0
	}
	return *c.HotPixelSigma
}

// GetCenteringMode returns the centering_mode value or the default.
func (c *TuningConfig) GetCenteringMode() string {
	if c.CenteringMode == nil {
		return "max"
	}
	return *c.CenteringMode
}

// GetMonitorNormalise returns the monitor_normalise value or the default.
func (c *TuningConfig) GetMonitorNormalise() bool {
	if c.MonitorNormalise == nil {
		return true
	}
	return *c.MonitorNormalise
}

// GetBackgroundScale returns the background_scale value or the default.
func (c *TuningConfig) GetBackgroundScale() string {
	if c.BackgroundScale == nil {
		return "log"
	}
	return *c.BackgroundScale
}

// GetBackgroundSubtract returns the background_subtract value or the default.
func (c *TuningConfig) GetBackgroundSubtract() bool {
	if c.BackgroundSubtract == nil {
		return false
	}
	return *c.BackgroundSubtract
}

// GetOutputShape returns the output_shape value or a zero-length slice when
// the input shape should be kept.
func (c *TuningConfig) GetOutputShape() []int {
	if c.OutputShape == nil {
		return nil
	}
	out := make([]int, len(*c.OutputShape))
	copy(out, *c.OutputShape)
	return out
}

// GetPhotonThreshold returns the photon_threshold value or the default.
func (c *TuningConfig) GetPhotonThreshold() float64 {
	if c.PhotonThreshold == nil {
		return 0
	}
	return *c.PhotonThreshold
}

// GetMaskedFractionWarn returns the masked_fraction_warn value or the default.
func (c *TuningConfig) GetMaskedFractionWarn() float64 {
	if c.MaskedFractionWarn == nil {
		return 0.3
	}
	return *c.MaskedFractionWarn
}

// GetIsosurfaceThreshold returns the isosurface_threshold value or the default.
func (c *TuningConfig) GetIsosurfaceThreshold() float64 {
	if c.IsosurfaceThreshold == nil {
		return 0.25
	}
	return *c.IsosurfaceThreshold
}

// GetCorrelationThreshold returns the correlation_threshold value or the default.
func (c *TuningConfig) GetCorrelationThreshold() float64 {
	if c.CorrelationThreshold == nil {
		return 0.90
	}
	return *c.CorrelationThreshold
}

// GetGradientThreshold returns the gradient_threshold value or the default.
func (c *TuningConfig) GetGradientThreshold() float64 {
	if c.GradientThreshold == nil {
		return 0.2
	}
	return *c.GradientThreshold
}

// GetAlignMethod returns the align_method value or the default.
func (c *TuningConfig) GetAlignMethod() string {
	if c.AlignMethod == nil {
		return "dft"
	}
	return *c.AlignMethod
}

// GetMeanFilterHalfWidth returns the mean_filter_half_width value or the default.
func (c *TuningConfig) GetMeanFilterHalfWidth() int {
	if c.MeanFilterHalfWidth == nil {
		return 0
	}
	return *c.MeanFilterHalfWidth
}

// GetApodize returns the apodize value or the default.
func (c *TuningConfig) GetApodize() bool {
	if c.Apodize == nil {
		return false
	}
	return *c.Apodize
}

// GetApodizeSigma returns the apodize_sigma value or the default.
func (c *TuningConfig) GetApodizeSigma() float64 {
	if c.ApodizeSigma == nil {
		return 0.3
	}
	return *c.ApodizeSigma
}

// GetBulkMethod returns the bulk_method value or the default.
func (c *TuningConfig) GetBulkMethod() string {
	if c.BulkMethod == nil {
		return "threshold"
	}
	return *c.BulkMethod
}

// GetReferenceAxis returns the reference_axis value or the default.
func (c *TuningConfig) GetReferenceAxis() string {
	if c.ReferenceAxis == nil {
		return "y"
	}
	return *c.ReferenceAxis
}

// GetVoxelSizeNm returns the voxel_size_nm value or the default.
func (c *TuningConfig) GetVoxelSizeNm() float64 {
	if c.VoxelSizeNm == nil {
		return 5.0
	}
	return *c.VoxelSizeNm
}

// GetInvertPhase returns the invert_phase value or the default.
func (c *TuningConfig) GetInvertPhase() bool {
	if c.InvertPhase == nil {
		return true
	}
	return *c.InvertPhase
}

// Merge returns a copy of c with any non-nil fields from other applied on
// top. Used by the params API to apply partial runtime updates.
func (c *TuningConfig) Merge(other *TuningConfig) *TuningConfig {
	merged := *c
	if other == nil {
		return &merged
	}
	if other.HotPixelSigma != nil {
		merged.HotPixelSigma = other.HotPixelSigma
	}
	if other.CenteringMode != nil {
		merged.CenteringMode = other.CenteringMode
	}
	if other.MonitorNormalise != nil {
		merged.MonitorNormalise = other.MonitorNormalise
	}
	if other.BackgroundScale != nil {
		merged.BackgroundScale = other.BackgroundScale
	}
	if other.BackgroundSubtract != nil {
		merged.BackgroundSubtract = other.BackgroundSubtract
	}
	if other.OutputShape != nil {
		merged.OutputShape = other.OutputShape
	}
	if other.PhotonThreshold != nil {
		merged.PhotonThreshold = other.PhotonThreshold
	}
	if other.MaskedFractionWarn != nil {
		merged.MaskedFractionWarn = other.MaskedFractionWarn
	}
	if other.IsosurfaceThreshold != nil {
		merged.IsosurfaceThreshold = other.IsosurfaceThreshold
	}
	if other.CorrelationThreshold != nil {
		merged.CorrelationThreshold = other.CorrelationThreshold
	}
	if other.GradientThreshold != nil {
		merged.GradientThreshold = other.GradientThreshold
	}
	if other.AlignMethod != nil {
		merged.AlignMethod = other.AlignMethod
	}
	if other.MeanFilterHalfWidth != nil {
		merged.MeanFilterHalfWidth = other.MeanFilterHalfWidth
	}
	if other.Apodize != nil {
		merged.Apodize = other.Apodize
	}
	if other.ApodizeSigma != nil {
		merged.ApodizeSigma = other.ApodizeSigma
	}
	if other.BulkMethod != nil {
		merged.BulkMethod = other.BulkMethod
	}
	if other.ReferenceAxis != nil {
		merged.ReferenceAxis = other.ReferenceAxis
	}
	if other.VoxelSizeNm != nil {
		merged.VoxelSizeNm = other.VoxelSizeNm
	}
	if other.InvertPhase != nil {
		merged.InvertPhase = other.InvertPhase
	}
	return &merged
}
