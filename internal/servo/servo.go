// Package servo converts a pixel-space tracking error into discrete
// VISCA pan/tilt speed commands. It implements the PID-plus-feed-forward
// pipeline of original_source/skywatch_core.py's _update_loop (anti-windup
// integral, deadband, per-axis invert, exponential speed smoothing,
// sub-integer accumulation, minimum-speed stiction floor, a
// distance-proportional dynamic speed ceiling, and a transmit gate to
// avoid flooding the camera with redundant commands), restructured in
// the style of doxx-NOLO's stateful controller types.
package servo

import "sync"

// Gains holds one axis's PID coefficients.
type Gains struct {
	Kp, Ki, Kd float64
}

// SpeedRange is one (thresholdPx, speed) breakpoint of the dynamic speed
// table: as tracking error distance grows from the previous breakpoint's
// threshold (0 for the first) to thresholdPx, the permitted speed ramps
// linearly from the previous breakpoint's speed (0 for the first) to
// this one's.
type SpeedRange struct {
	ThresholdPx float64
	Speed       float64
}

// Config bundles the fixed tuning parameters of a Controller.
type Config struct {
	Pan  Gains
	Tilt Gains

	IntegralMax float64
	Deadband    float64

	SpeedSmoothing float64
	PanInvert      bool
	TiltInvert     bool

	FeedForwardGain float64

	MinPanSpeed, MaxPanSpeed   int
	MinTiltSpeed, MaxTiltSpeed int

	DynamicSpeedRanges []SpeedRange
	FallbackDist       float64

	// MinResendInterval is the maximum time between re-sends of an
	// unchanged command, so the camera never silently times out a
	// continuous-motion command. Seconds.
	MinResendInterval float64

	// ResendDelta is the per-axis speed change, in VISCA speed units,
	// that must be exceeded to force an immediate re-send outside the
	// interval.
	ResendDelta int
}

// State is the Controller's per-tick mutable state, isolated from Config
// so gain/limit updates (SetGains, SetMaxSpeed) never race a Tick.
type State struct {
	errorSumX, errorSumY       float64
	prevErrorX, prevErrorY     float64
	prevPanSpeed, prevTiltSpeed float64
	panAccumulator, tiltAccumulator float64

	lastSentPan, lastSentTilt int
	timeSinceLastSend         float64
	hasSent                   bool
}

// Command is one tick's decision: either a pan/tilt velocity to
// transmit, a stop, or nothing (the transmit gate suppressed a
// duplicate).
type Command struct {
	Send      bool
	Stop      bool
	PanSpeed  int
	TiltSpeed int
}

// Controller computes discrete PTZ speed commands from a pixel-space
// tracking error, frame over frame.
type Controller struct {
	cfgMu sync.RWMutex
	cfg   Config
	state State
}

// New constructs a Controller with the given configuration.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// SetGains updates the PID gains in place, used by the runtime tuning API.
func (c *Controller) SetGains(pan, tilt Gains) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg.Pan = pan
	c.cfg.Tilt = tilt
}

// SetMaxSpeed updates the operator-configured speed ceiling, which is
// combined with the distance-proportional dynamic ceiling at Tick time.
func (c *Controller) SetMaxSpeed(maxPan, maxTilt int) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg.MaxPanSpeed = maxPan
	c.cfg.MaxTiltSpeed = maxTilt
}

// ActiveConfig returns a copy of the controller's current gains and speed
// limits, for telemetry reporting.
func (c *Controller) ActiveConfig() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Reset clears all integrator/smoothing/accumulator state, used when
// tracking is (re)engaged so stale state from a previous engagement
// cannot leak in.
func (c *Controller) Reset() {
	c.state = State{}
}

// dynamicSpeedLimit linearly interpolates the distance-proportional
// speed ceiling from cfg.DynamicSpeedRanges, extrapolating to
// MaxPanSpeed at cfg.FallbackDist beyond the table's last breakpoint.
func dynamicSpeedLimit(cfg Config, errorDist float64) float64 {
	prevDist, prevSpeed := 0.0, 0.0

	for _, r := range cfg.DynamicSpeedRanges {
		if errorDist <= r.ThresholdPx {
			span := r.ThresholdPx - prevDist
			if span <= 0 {
				return r.Speed
			}
			ratio := (errorDist - prevDist) / span
			return prevSpeed + ratio*(r.Speed-prevSpeed)
		}
		prevDist, prevSpeed = r.ThresholdPx, r.Speed
	}

	maxDist := cfg.FallbackDist
	maxSpeed := float64(cfg.MaxPanSpeed)
	if errorDist >= maxDist {
		return maxSpeed
	}
	span := maxDist - prevDist
	if span <= 0 {
		return maxSpeed
	}
	ratio := (errorDist - prevDist) / span
	return prevSpeed + ratio*(maxSpeed-prevSpeed)
}

// dynamicSpeedLimit exposes the same computation against the
// Controller's current configuration, for tests.
func (c *Controller) dynamicSpeedLimit(errorDist float64) float64 {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return dynamicSpeedLimit(c.cfg, errorDist)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func applyMinSpeed(speed, min int) int {
	if speed == 0 {
		return 0
	}
	if absInt(speed) < min {
		if speed > 0 {
			return min
		}
		return -min
	}
	return speed
}

// Tick runs one control iteration: targetX/targetY is the Kalman-filtered
// estimated target position, centerX/centerY is the frame center (the
// commanded point), velX/velY is the estimated target velocity (for
// feed-forward), and dt is the elapsed seconds since the previous tick.
// It returns the discrete VISCA speed command to issue this tick.
func (c *Controller) Tick(targetX, targetY, velX, velY, centerX, centerY, dt float64) Command {
	c.cfgMu.RLock()
	cfg := c.cfg
	c.cfgMu.RUnlock()

	if dt <= 0 {
		dt = 0.001
	}

	errorX := centerX - targetX
	errorY := centerY - targetY

	dynLimit := dynamicSpeedLimit(cfg, max(abs(errorX), abs(errorY)))
	activePanLimit := min(float64(cfg.MaxPanSpeed), dynLimit)
	activeTiltLimit := min(float64(cfg.MaxTiltSpeed), dynLimit)

	if cfg.Pan.Ki > 0 && abs(errorX) > cfg.Deadband {
		c.state.errorSumX += errorX * dt
	}
	if cfg.Tilt.Ki > 0 && abs(errorY) > cfg.Deadband {
		c.state.errorSumY += errorY * dt
	}

	if cfg.Pan.Ki > 0 {
		maxI := cfg.IntegralMax / cfg.Pan.Ki
		c.state.errorSumX = clamp(c.state.errorSumX, -maxI, maxI)
	}
	if cfg.Tilt.Ki > 0 {
		maxI := cfg.IntegralMax / cfg.Tilt.Ki
		c.state.errorSumY = clamp(c.state.errorSumY, -maxI, maxI)
	}

	pX := cfg.Pan.Kp * errorX
	pY := cfg.Tilt.Kp * errorY
	iX := cfg.Pan.Ki * c.state.errorSumX
	iY := cfg.Tilt.Ki * c.state.errorSumY
	dX := (errorX - c.state.prevErrorX) / dt
	dY := (errorY - c.state.prevErrorY) / dt

	pidPan := pX + iX + cfg.Pan.Kd*dX
	pidTilt := pY + iY + cfg.Tilt.Kd*dY

	ffPan := velX * cfg.FeedForwardGain
	ffTilt := velY * cfg.FeedForwardGain

	if cfg.PanInvert {
		pidPan, ffPan = -pidPan, -ffPan
	}
	if cfg.TiltInvert {
		pidTilt, ffTilt = -pidTilt, -ffTilt
	}

	if abs(errorX) < cfg.Deadband {
		pidPan = 0
	}
	if abs(errorY) < cfg.Deadband {
		pidTilt = 0
	}

	targetPan := pidPan + ffPan
	targetTilt := pidTilt + ffTilt

	c.state.prevErrorX = errorX
	c.state.prevErrorY = errorY

	panSpeedF := cfg.SpeedSmoothing*targetPan + (1-cfg.SpeedSmoothing)*c.state.prevPanSpeed
	tiltSpeedF := cfg.SpeedSmoothing*targetTilt + (1-cfg.SpeedSmoothing)*c.state.prevTiltSpeed
	c.state.prevPanSpeed = panSpeedF
	c.state.prevTiltSpeed = tiltSpeedF

	panSpeedF = clamp(panSpeedF, -activePanLimit, activePanLimit)
	tiltSpeedF = clamp(tiltSpeedF, -activeTiltLimit, activeTiltLimit)

	c.state.panAccumulator += panSpeedF
	c.state.tiltAccumulator += tiltSpeedF
	panSpeed := int(c.state.panAccumulator)
	tiltSpeed := int(c.state.tiltAccumulator)
	c.state.panAccumulator -= float64(panSpeed)
	c.state.tiltAccumulator -= float64(tiltSpeed)

	panSpeed = applyMinSpeed(panSpeed, cfg.MinPanSpeed)
	tiltSpeed = applyMinSpeed(tiltSpeed, cfg.MinTiltSpeed)

	c.state.timeSinceLastSend += dt

	shouldSend := !c.state.hasSent
	if (panSpeed == 0 && c.state.lastSentPan != 0) || (tiltSpeed == 0 && c.state.lastSentTilt != 0) {
		shouldSend = true
	} else if absInt(panSpeed-c.state.lastSentPan) > cfg.ResendDelta || absInt(tiltSpeed-c.state.lastSentTilt) > cfg.ResendDelta {
		shouldSend = true
	} else if c.state.timeSinceLastSend > cfg.MinResendInterval {
		shouldSend = true
	}

	cmd := Command{Send: shouldSend, PanSpeed: panSpeed, TiltSpeed: tiltSpeed}

	if shouldSend {
		if panSpeed == 0 && tiltSpeed == 0 {
			cmd.Stop = true
			c.state.panAccumulator = 0
			c.state.tiltAccumulator = 0
		}
		c.state.timeSinceLastSend = 0
		c.state.lastSentPan = panSpeed
		c.state.lastSentTilt = tiltSpeed
		c.state.hasSent = true
	}

	return cmd
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
