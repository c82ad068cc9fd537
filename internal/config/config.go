// Package config loads the tracking core's YAML configuration surface.
// It mirrors original_source/config.py: every recognized option has a
// built-in default, and a missing config file falls back to those
// defaults rather than failing startup. A file that exists but cannot be
// read or parsed is reported as an error.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SpeedRange is one (threshold_px, speed) pair of the dynamic speed table.
type SpeedRange struct {
	ThresholdPx float64 `yaml:"threshold_px"`
	Speed       float64 `yaml:"speed"`
}

// Config is the full recognized configuration surface named in spec.md §6.
type Config struct {
	Camera struct {
		IP        string `yaml:"ip"`
		RTSPPort  int    `yaml:"rtsp_port"`
		RTSPURL   string `yaml:"rtsp_url"`
		VISCAPort int    `yaml:"visca_port"`

		// VISCAAddr, when set, overrides the IP:VISCAPort-derived
		// endpoint with an explicit "host:port" address.
		VISCAAddr string `yaml:"visca_addr"`
	} `yaml:"camera"`

	Control struct {
		PanKp float64 `yaml:"pan_kp"`
		PanKi float64 `yaml:"pan_ki"`
		PanKd float64 `yaml:"pan_kd"`

		TiltKp float64 `yaml:"tilt_kp"`
		TiltKi float64 `yaml:"tilt_ki"`
		TiltKd float64 `yaml:"tilt_kd"`

		IntegralMax     float64 `yaml:"integral_max"`
		Deadband        float64 `yaml:"deadband"`
		SpeedSmoothing  float64 `yaml:"speed_smoothing"`
		PanInvert       bool    `yaml:"pan_invert"`
		TiltInvert      bool    `yaml:"tilt_invert"`
		FeedForwardGain float64 `yaml:"feed_forward_gain"`
		SystemLatency   float64 `yaml:"system_latency"`

		MinPanSpeed  int `yaml:"min_pan_speed"`
		MaxPanSpeed  int `yaml:"max_pan_speed"`
		MinTiltSpeed int `yaml:"min_tilt_speed"`
		MaxTiltSpeed int `yaml:"max_tilt_speed"`

		DynamicSpeedRanges []SpeedRange `yaml:"dynamic_speed_ranges"`
		FallbackDist       float64      `yaml:"fallback_dist"`

		ReticleSize  int     `yaml:"reticle_size"`
		LoopInterval float64 `yaml:"loop_interval"`
	} `yaml:"control"`

	KalmanFilter struct {
		ProcessNoise     float64 `yaml:"process_noise"`
		MeasurementNoise float64 `yaml:"measurement_noise"`
	} `yaml:"kalman_filter"`

	Mechanics struct {
		PanCountsPerDegree  float64 `yaml:"pan_counts_per_degree"`
		TiltCountsPerDegree float64 `yaml:"tilt_counts_per_degree"`
		ZoomMaxHex          int     `yaml:"zoom_max_hex"`
		ZoomMaxX            float64 `yaml:"zoom_max_x"`
	} `yaml:"mechanics"`
}

// Default returns the built-in configuration, matching the numeric
// defaults in original_source/config.py.
func Default() Config {
	var c Config

	c.Camera.IP = "192.168.1.191"
	c.Camera.RTSPPort = 554
	c.Camera.VISCAPort = 1259

	c.Control.PanKp = 0.5
	c.Control.TiltKp = 0.5
	c.Control.PanKd = 0.9
	c.Control.TiltKd = 0.9
	c.Control.PanKi = 0.05
	c.Control.TiltKi = 0.05
	c.Control.IntegralMax = 1.0
	c.Control.SpeedSmoothing = 0.5
	c.Control.PanInvert = true
	c.Control.TiltInvert = false
	c.Control.Deadband = 10
	c.Control.FeedForwardGain = 0.05
	c.Control.SystemLatency = 0.2
	c.Control.MinPanSpeed = 1
	c.Control.MaxPanSpeed = 6
	c.Control.MinTiltSpeed = 1
	c.Control.MaxTiltSpeed = 6
	c.Control.DynamicSpeedRanges = []SpeedRange{
		{ThresholdPx: 50, Speed: 0.5},
		{ThresholdPx: 100, Speed: 1.0},
		{ThresholdPx: 200, Speed: 2.0},
		{ThresholdPx: 300, Speed: 4.0},
	}
	c.Control.FallbackDist = 600
	c.Control.ReticleSize = 50
	c.Control.LoopInterval = 0.033

	c.KalmanFilter.ProcessNoise = 1e-5
	c.KalmanFilter.MeasurementNoise = 1e-1

	c.Mechanics.PanCountsPerDegree = 24.0
	c.Mechanics.TiltCountsPerDegree = 24.0
	c.Mechanics.ZoomMaxHex = 0x4000
	c.Mechanics.ZoomMaxX = 20.0

	return c
}

// Load reads a YAML config file at path, merging it over Default(). A
// missing file is not an error: Default() is returned unchanged, matching
// the permissive behavior of the Python original's get_cfg.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// RTSPURL returns the configured stream URL, constructing one from the
// camera IP/port when no explicit override is set.
func (c Config) RTSPURL() string {
	if c.Camera.RTSPURL != "" {
		return c.Camera.RTSPURL
	}
	return fmt.Sprintf("rtsp://%s:%d/", c.Camera.IP, c.Camera.RTSPPort)
}

// VISCAAddress returns the host:port of the VISCA endpoint, honoring an
// explicit VISCAAddr override before falling back to IP:VISCAPort.
func (c Config) VISCAAddress() string {
	if c.Camera.VISCAAddr != "" {
		return c.Camera.VISCAAddr
	}
	return fmt.Sprintf("%s:%d", c.Camera.IP, c.Camera.VISCAPort)
}
