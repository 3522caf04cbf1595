package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical navigation defaults file.
const DefaultConfigPath = "config/navigation.defaults.json"

// NavConfig is the root configuration for robot geometry and navigation
// tuning. Every field is optional; the Get* accessors fall back to the
// calibrated defaults for anything omitted from the JSON file.
type NavConfig struct {
	// Drive geometry
	WheelRadius *float64 `json:"wheel_radius,omitempty"`
	TrackWidth  *float64 `json:"track_width,omitempty"`

	// Loop timing, duration strings like "30ms"
	OdometryPeriod *string `json:"odometry_period,omitempty"`
	PollInterval   *string `json:"poll_interval,omitempty"`
	SettleDelay    *string `json:"settle_delay,omitempty"`

	// Grid correction
	GridSpacing      *float64 `json:"grid_spacing,omitempty"`
	SensorOffset     *float64 `json:"sensor_offset,omitempty"`
	HeadingTolerance *float64 `json:"heading_tolerance,omitempty"`
	LineThreshold    *float64 `json:"line_threshold,omitempty"`
	FilterRetries    *int     `json:"filter_retries,omitempty"`
	// Pause between line sensor re-samples; must outlast one streamed reading.
	LineRetryInterval *string `json:"line_retry_interval,omitempty"`

	// Ultrasonic filtering
	DistanceThreshold     *float64 `json:"distance_threshold,omitempty"`
	DistanceRetryInterval *string  `json:"distance_retry_interval,omitempty"`

	// Motor speeds, wheel degrees per second
	LocalizeSpeed *float64 `json:"localize_speed,omitempty"`
	RotateSpeed   *float64 `json:"rotate_speed,omitempty"`
	TravelSpeed   *float64 `json:"travel_speed,omitempty"`
	AvoidSpeed    *float64 `json:"avoid_speed,omitempty"`

	// Wall and obstacle distances
	WallClear        *float64 `json:"wall_clear,omitempty"`
	WallDetect       *float64 `json:"wall_detect,omitempty"`
	ObstacleDistance *float64 `json:"obstacle_distance,omitempty"`
	ClearDistance    *float64 `json:"clear_distance,omitempty"`
	AvoidAdvance     *float64 `json:"avoid_advance,omitempty"`

	// Convergence tolerances
	RotateTolerance  *float64 `json:"rotate_tolerance,omitempty"`
	LegTolerance     *float64 `json:"leg_tolerance,omitempty"`
	ArrivalTolerance *float64 `json:"arrival_tolerance,omitempty"`

	// Match configuration
	Corner *int    `json:"corner,omitempty"`
	Role   *string `json:"role,omitempty"`

	// Development arena obstacles as [x0, y0, x1, y1] boxes
	SimObstacles [][4]float64 `json:"sim_obstacles,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyNavConfig returns a NavConfig with all fields set to nil.
func EmptyNavConfig() *NavConfig {
	return &NavConfig{}
}

// LoadNavConfig loads a NavConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the JSON file keep their defaults, so partial configs are safe.
func LoadNavConfig(path string) (*NavConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

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

	cfg := EmptyNavConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents up to the repo root.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *NavConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadNavConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *NavConfig) Validate() error {
	positives := []struct {
		name string
		v    *float64
	}{
		{"wheel_radius", c.WheelRadius},
		{"track_width", c.TrackWidth},
		{"grid_spacing", c.GridSpacing},
		{"heading_tolerance", c.HeadingTolerance},
		{"line_threshold", c.LineThreshold},
		{"distance_threshold", c.DistanceThreshold},
		{"localize_speed", c.LocalizeSpeed},
		{"rotate_speed", c.RotateSpeed},
		{"travel_speed", c.TravelSpeed},
		{"avoid_speed", c.AvoidSpeed},
		{"rotate_tolerance", c.RotateTolerance},
		{"leg_tolerance", c.LegTolerance},
		{"arrival_tolerance", c.ArrivalTolerance},
	}
	for _, p := range positives {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", p.name, *p.v)
		}
	}

	if c.HeadingTolerance != nil && *c.HeadingTolerance >= 45 {
		return fmt.Errorf("heading_tolerance must be below 45 degrees, got %f", *c.HeadingTolerance)
	}

	if c.FilterRetries != nil && *c.FilterRetries < 0 {
		return fmt.Errorf("filter_retries must be non-negative, got %d", *c.FilterRetries)
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"odometry_period", c.OdometryPeriod},
		{"poll_interval", c.PollInterval},
		{"settle_delay", c.SettleDelay},
		{"line_retry_interval", c.LineRetryInterval},
		{"distance_retry_interval", c.DistanceRetryInterval},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, *d.v)
		}
	}

	if c.Corner != nil && (*c.Corner < 1 || *c.Corner > 4) {
		return fmt.Errorf("corner must be 1-4, got %d", *c.Corner)
	}

	if c.WallClear != nil && c.WallDetect != nil && *c.WallDetect > *c.WallClear {
		return fmt.Errorf("wall_detect (%f) must not exceed wall_clear (%f)", *c.WallDetect, *c.WallClear)
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// GetWheelRadius returns the wheel radius or the default.
func (c *NavConfig) GetWheelRadius() float64 { return floatOr(c.WheelRadius, 2.1) }

// GetTrackWidth returns the wheel separation or the default.
func (c *NavConfig) GetTrackWidth() float64 { return floatOr(c.TrackWidth, 15.0) }

// GetOdometryPeriod returns the dead-reckoning update period.
func (c *NavConfig) GetOdometryPeriod() time.Duration {
	return durationOr(c.OdometryPeriod, 30*time.Millisecond)
}

// GetPollInterval returns the sleep between polls in blocking waits.
func (c *NavConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 5*time.Millisecond)
}

// GetSettleDelay returns the pause after a grid correction.
func (c *NavConfig) GetSettleDelay() time.Duration {
	return durationOr(c.SettleDelay, 500*time.Millisecond)
}

// GetGridSpacing returns the floor grid spacing.
func (c *NavConfig) GetGridSpacing() float64 { return floatOr(c.GridSpacing, 30) }

// GetSensorOffset returns the line sensor offset from the grid intersection.
func (c *NavConfig) GetSensorOffset() float64 { return floatOr(c.SensorOffset, 0) }

// GetHeadingTolerance returns the maximum snap distance to a cardinal heading.
func (c *NavConfig) GetHeadingTolerance() float64 { return floatOr(c.HeadingTolerance, 10) }

// GetLineThreshold returns the line sensor deviation that counts as a crossing.
func (c *NavConfig) GetLineThreshold() float64 { return floatOr(c.LineThreshold, 0.15) }

// GetFilterRetries returns the bounded retry budget for sensor filters.
func (c *NavConfig) GetFilterRetries() int {
	if c.FilterRetries == nil {
		return 15
	}
	return *c.FilterRetries
}

// GetLineRetryInterval returns the pause between line sensor re-samples.
func (c *NavConfig) GetLineRetryInterval() time.Duration {
	return durationOr(c.LineRetryInterval, 2*time.Millisecond)
}

// GetDistanceThreshold returns the ultrasonic jump that triggers re-sampling.
func (c *NavConfig) GetDistanceThreshold() float64 { return floatOr(c.DistanceThreshold, 15) }

// GetDistanceRetryInterval returns the pause between ultrasonic re-samples.
func (c *NavConfig) GetDistanceRetryInterval() time.Duration {
	return durationOr(c.DistanceRetryInterval, 5*time.Millisecond)
}

// GetLocalizeSpeed returns the in-place spin speed used while localizing.
func (c *NavConfig) GetLocalizeSpeed() float64 { return floatOr(c.LocalizeSpeed, 125) }

// GetRotateSpeed returns the spin speed for rotate-to-heading.
func (c *NavConfig) GetRotateSpeed() float64 { return floatOr(c.RotateSpeed, 150) }

// GetTravelSpeed returns the straight-line drive speed.
func (c *NavConfig) GetTravelSpeed() float64 { return floatOr(c.TravelSpeed, 200) }

// GetAvoidSpeed returns the drive speed during obstacle avoidance.
func (c *NavConfig) GetAvoidSpeed() float64 { return floatOr(c.AvoidSpeed, 300) }

// GetWallClear returns the distance above which the front sensor sees no wall.
func (c *NavConfig) GetWallClear() float64 { return floatOr(c.WallClear, 41) }

// GetWallDetect returns the distance at or below which a wall edge is confirmed.
func (c *NavConfig) GetWallDetect() float64 { return floatOr(c.WallDetect, 40) }

// GetObstacleDistance returns the front distance that triggers avoidance.
func (c *NavConfig) GetObstacleDistance() float64 { return floatOr(c.ObstacleDistance, 15) }

// GetClearDistance returns the distance treated as open space while avoiding.
func (c *NavConfig) GetClearDistance() float64 { return floatOr(c.ClearDistance, 60) }

// GetAvoidAdvance returns the fixed advance past an obstacle edge.
func (c *NavConfig) GetAvoidAdvance() float64 { return floatOr(c.AvoidAdvance, 18) }

// GetRotateTolerance returns the heading error at which a rotation stops.
func (c *NavConfig) GetRotateTolerance() float64 { return floatOr(c.RotateTolerance, 1) }

// GetLegTolerance returns the axis error that ends the first travel leg.
func (c *NavConfig) GetLegTolerance() float64 { return floatOr(c.LegTolerance, 1) }

// GetArrivalTolerance returns the axis error that ends the second travel leg.
func (c *NavConfig) GetArrivalTolerance() float64 { return floatOr(c.ArrivalTolerance, 2) }

// GetCorner returns the starting corner, 1 when unset.
func (c *NavConfig) GetCorner() int {
	if c.Corner == nil {
		return 1
	}
	return *c.Corner
}

// GetRole returns the assigned match role, empty when unset.
func (c *NavConfig) GetRole() string {
	if c.Role == nil {
		return ""
	}
	return *c.Role
}
