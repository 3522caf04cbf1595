package config

import (
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/gridnav/internal/correction"
	"github.com/banshee-data/gridnav/internal/hw/sim"
	"github.com/banshee-data/gridnav/internal/localize"
	"github.com/banshee-data/gridnav/internal/navigate"
	"github.com/banshee-data/gridnav/internal/odometry"
)

// OdometryConfig returns the estimator settings.
func (c *NavConfig) OdometryConfig() odometry.Config {
	return odometry.Config{
		WheelRadius: c.GetWheelRadius(),
		TrackWidth:  c.GetTrackWidth(),
		Period:      c.GetOdometryPeriod(),
	}
}

// CorrectionConfig returns the grid correction monitor settings.
func (c *NavConfig) CorrectionConfig() correction.Config {
	return correction.Config{
		Grid: correction.Grid{
			Spacing:          c.GetGridSpacing(),
			SensorOffset:     c.GetSensorOffset(),
			HeadingTolerance: c.GetHeadingTolerance(),
		},
		LineThreshold: c.GetLineThreshold(),
		FilterRetries: c.GetFilterRetries(),
		RetryInterval: c.GetLineRetryInterval(),
		SettleDelay:   c.GetSettleDelay(),
		PollInterval:  c.GetPollInterval(),
	}
}

// LocalizeConfig returns the localization settings.
func (c *NavConfig) LocalizeConfig() localize.Config {
	return localize.Config{
		Speed:             c.GetLocalizeSpeed(),
		WallClear:         c.GetWallClear(),
		WallDetect:        c.GetWallDetect(),
		PollInterval:      c.GetPollInterval(),
		DistanceThreshold: c.GetDistanceThreshold(),
		FilterRetries:     c.GetFilterRetries(),
		RetryInterval:     c.GetDistanceRetryInterval(),
	}
}

// NavigateConfig returns the navigator settings.
func (c *NavConfig) NavigateConfig() navigate.Config {
	return navigate.Config{
		WheelRadius:       c.GetWheelRadius(),
		PollInterval:      c.GetPollInterval(),
		RotateSpeed:       c.GetRotateSpeed(),
		TravelSpeed:       c.GetTravelSpeed(),
		AvoidSpeed:        c.GetAvoidSpeed(),
		RotateTolerance:   c.GetRotateTolerance(),
		LegTolerance:      c.GetLegTolerance(),
		ArrivalTolerance:  c.GetArrivalTolerance(),
		ObstacleDistance:  c.GetObstacleDistance(),
		ClearDistance:     c.GetClearDistance(),
		AvoidAdvance:      c.GetAvoidAdvance(),
		DistanceThreshold: c.GetDistanceThreshold(),
		FilterRetries:     c.GetFilterRetries(),
		RetryInterval:     c.GetDistanceRetryInterval(),
	}
}

// SimConfig returns a simulated arena matching the configured robot
// geometry and grid, with the configured obstacles.
func (c *NavConfig) SimConfig() sim.Config {
	cfg := sim.DefaultConfig()
	cfg.WheelRadius = c.GetWheelRadius()
	cfg.TrackWidth = c.GetTrackWidth()
	cfg.GridSpacing = c.GetGridSpacing()
	for _, o := range c.SimObstacles {
		cfg.Obstacles = append(cfg.Obstacles, r2.NewBox(o[0], o[1], o[2], o[3]))
	}
	return cfg
}
