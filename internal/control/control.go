// Package control orchestrates the tracking core's per-frame pipeline —
// capture, correlation tracking, Kalman filtering, servo computation, and
// VISCA transmission — and arbitrates between TRACKING, MANUAL, and
// STANDBY modes. Grounded on original_source/skywatch_core.py's
// SkyWatchCore (_update_loop, start/stop, toggle_tracking,
// set_manual_command, get_telemetry_data) restructured with doxx-NOLO's
// atomic-snapshot composition-root style (NOLO.go's debug-logged main
// loop) instead of a Python GIL-guarded dict.
package control

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riveredge/ptzcore/internal/config"
	"github.com/riveredge/ptzcore/internal/estimator"
	"github.com/riveredge/ptzcore/internal/servo"
	"github.com/riveredge/ptzcore/internal/telemetrylog"
	"github.com/riveredge/ptzcore/internal/videosource"
	"github.com/riveredge/ptzcore/internal/visca"
	"github.com/riveredge/ptzcore/internal/visualtracker"
)

// Mode is the loop's current arbitration state.
type Mode string

const (
	ModeStandby  Mode = "STANDBY"
	ModeTracking Mode = "TRACKING"
	ModeManual   Mode = "MANUAL"
)

// ManualCommand is an operator joystick/keypad input, good for
// ManualKeepAlive after IssuedAt.
type ManualCommand struct {
	Pan, Tilt, Zoom int
	IssuedAt        time.Time
}

// Telemetry is the read-only snapshot exposed to API callers, mirroring
// SkyWatchCore.get_telemetry_data's dict.
type Telemetry struct {
	Mode    Mode
	PanRaw  int32
	TiltRaw int32
	ZoomRaw int32

	// PanDegrees/TiltDegrees convert the raw VISCA position counts to
	// degrees via the configured counts-per-degree, per spec.md §6.
	PanDegrees  float64
	TiltDegrees float64

	// ZoomFactor is 1 + zoom_raw/zoom_max_hex * (zoom_max_x - 1), the
	// optical zoom multiplier implied by the raw zoom inquiry value.
	ZoomFactor float64

	Kp, Ki, Kd  float64
	SpeedLimit  int
	FPS         float64
	TrackActive bool

	// Status carries a terminal error message once the loop has halted
	// fatally (§7); empty while the loop is healthy.
	Status string
}

// TrackerFactory constructs the correlation tracker used to seed each tracking
// engagement; a function so Loop never imports gocv directly beyond
// videosource.Frame, keeping Loop unit-testable against fakes.
type TrackerFactory func() visualtracker.Tracker

// FrameSource is the narrow capability Loop needs from a video source:
// the freshest decoded frame, or ok=false if none has ever been decoded.
// *videosource.Source satisfies this; the interface is kept narrow so
// control can be driven by a fake frame producer in tests without a real
// RTSP/GoCV backend.
type FrameSource interface {
	Read() (videosource.Frame, bool)
}

// Loop wires the six pipeline components together and runs the
// fixed-rate control loop.
type Loop struct {
	cfg config.Config
	log *telemetrylog.Logger

	video FrameSource
	visca *visca.Transport

	newTracker TrackerFactory
	tracker    visualtracker.Tracker
	kf         *estimator.Filter
	servoCtl   *servo.Controller

	manualKeepAlive time.Duration

	mu             sync.Mutex
	mode           Mode
	initTrackerReq bool
	manualCmd      ManualCommand
	stabilization  bool

	telemetry atomic.Pointer[Telemetry]

	running atomic.Bool
}

// New builds a Loop from already-opened video/VISCA transports. The
// caller owns opening and eventually closing those transports.
func New(cfg config.Config, log *telemetrylog.Logger, video FrameSource, tr *visca.Transport, newTracker TrackerFactory) *Loop {
	l := &Loop{
		cfg:             cfg,
		log:             log,
		video:           video,
		visca:           tr,
		newTracker:      newTracker,
		mode:            ModeStandby,
		manualKeepAlive: 250 * time.Millisecond,
	}
	l.telemetry.Store(&Telemetry{Mode: ModeStandby})
	l.servoCtl = servo.New(servoConfigFrom(cfg))
	return l
}

func servoConfigFrom(cfg config.Config) servo.Config {
	ranges := make([]servo.SpeedRange, len(cfg.Control.DynamicSpeedRanges))
	for i, r := range cfg.Control.DynamicSpeedRanges {
		ranges[i] = servo.SpeedRange{ThresholdPx: r.ThresholdPx, Speed: r.Speed}
	}
	return servo.Config{
		Pan:                Gains(cfg.Control.PanKp, cfg.Control.PanKi, cfg.Control.PanKd),
		Tilt:               Gains(cfg.Control.TiltKp, cfg.Control.TiltKi, cfg.Control.TiltKd),
		IntegralMax:        cfg.Control.IntegralMax,
		Deadband:           cfg.Control.Deadband,
		SpeedSmoothing:     cfg.Control.SpeedSmoothing,
		PanInvert:          cfg.Control.PanInvert,
		TiltInvert:         cfg.Control.TiltInvert,
		FeedForwardGain:    cfg.Control.FeedForwardGain,
		MinPanSpeed:        cfg.Control.MinPanSpeed,
		MaxPanSpeed:        cfg.Control.MaxPanSpeed,
		MinTiltSpeed:       cfg.Control.MinTiltSpeed,
		MaxTiltSpeed:       cfg.Control.MaxTiltSpeed,
		DynamicSpeedRanges: ranges,
		FallbackDist:       cfg.Control.FallbackDist,
		MinResendInterval:  0.1,
		ResendDelta:        2,
	}
}

// Gains is a small helper so servoConfigFrom reads as a table.
func Gains(kp, ki, kd float64) servo.Gains {
	return servo.Gains{Kp: kp, Ki: ki, Kd: kd}
}

// RequestTrackingToggle flips tracking engagement, mirroring
// toggle_tracking/start_tracking/stop_tracking.
func (l *Loop) RequestTrackingToggle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode == ModeTracking {
		l.disengageTrackingLocked()
		return
	}

	l.mode = ModeTracking
	l.servoCtl.Reset()
	l.kf = nil
	if l.tracker != nil {
		l.tracker.Close()
		l.tracker = nil
	}
	l.initTrackerReq = true
}

func (l *Loop) disengageTrackingLocked() {
	l.mode = ModeStandby
	if l.tracker != nil {
		l.tracker.Close()
		l.tracker = nil
	}
	l.kf = nil
	if err := l.visca.Stop(); err != nil {
		l.log.Printf("control", "stop on disengage: %v", err)
	}
}

// SetManualCommand records an operator input. A non-zero command
// disengages tracking, matching set_manual_command's auto-override.
func (l *Loop) SetManualCommand(pan, tilt, zoom int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.manualCmd = ManualCommand{Pan: pan, Tilt: tilt, Zoom: zoom, IssuedAt: time.Now()}

	if (pan != 0 || tilt != 0 || zoom != 0) && l.mode == ModeTracking {
		l.disengageTrackingLocked()
	}
}

// SetPID updates the active axis gains at runtime.
func (l *Loop) SetPID(kp, ki, kd float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := Gains(kp, ki, kd)
	l.servoCtl.SetGains(g, g)
}

// SetMaxSpeed updates the operator-configured speed ceiling.
func (l *Loop) SetMaxSpeed(speed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.servoCtl.SetMaxSpeed(speed, speed)
}

// ToggleStabilization flips the digital-stabilization flag. Digital
// image stabilization itself is display-layer and out of scope here;
// this only records the flag for API parity. The flag is not reported
// in Telemetry.
func (l *Loop) ToggleStabilization() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stabilization = !l.stabilization
}

// Snapshot returns the current telemetry.
func (l *Loop) Snapshot() Telemetry {
	return *l.telemetry.Load()
}

// Run executes the control loop at the configured interval until ctx is
// canceled or a tick panics. A panic inside the loop body is fatal per
// §7: it is recovered, published as a terminal Telemetry.Status, and
// halts the loop — it does not retry. A missing frame or tracker/VISCA
// I/O error is not fatal and simply skips to the next tick, matching the
// Python original.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("control: loop already running")
	}
	defer l.running.Store(false)
	defer func() {
		// On shutdown the control task emits a final VISCA Stop,
		// regardless of the mode it was in when canceled.
		if err := l.visca.Stop(); err != nil {
			l.log.Printf("control", "stop on shutdown: %v", err)
		}
	}()

	interval := time.Duration(l.cfg.Control.LoopInterval * float64(time.Second))
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prevTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		now := time.Now()
		dt := now.Sub(prevTick).Seconds()
		if dt < 0.001 {
			dt = 0.001
		}
		prevTick = now

		if err := l.safeTick(dt); err != nil {
			l.running.Store(false)
			return err
		}
	}
}

// safeTick runs one tick, recovering any panic into a fatal error: per
// §7 a panic inside the loop body transitions the system to a terminal
// status and halts the loop rather than being logged and retried.
func (l *Loop) safeTick(dt float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			status := fmt.Sprintf("fatal: recovered panic in control loop: %v", r)
			l.log.Printf("control", status)
			l.publishFatalStatus(status)
			err = fmt.Errorf("control: %s", status)
		}
	}()
	l.tick(dt)
	return nil
}

// publishFatalStatus replaces the telemetry snapshot's Status with a
// terminal message, leaving the rest of the last-known snapshot intact.
func (l *Loop) publishFatalStatus(status string) {
	snap := *l.telemetry.Load()
	snap.Status = status
	l.telemetry.Store(&snap)
}

func (l *Loop) tick(dt float64) {
	frame, ok := l.video.Read()
	if !ok {
		return
	}
	defer frame.Close()

	l.mu.Lock()
	mode := l.mode
	initReq := l.initTrackerReq
	l.initTrackerReq = false
	manual := l.manualCmd
	l.mu.Unlock()

	centerX, centerY := frame.Center()

	switch mode {
	case ModeTracking:
		l.tickTracking(frame, centerX, centerY, initReq, dt)
	default:
		l.tickManualOrStandby(manual, centerX, centerY)
	}

	l.publishTelemetry(mode, dt)
}

func (l *Loop) tickTracking(frame videosource.Frame, centerX, centerY float64, initReq bool, dt float64) {
	if initReq {
		box := visualtracker.ReticleBox(centerX, centerY, l.cfg.Control.ReticleSize)
		l.tracker = l.newTracker()
		if err := l.tracker.Init(frame.Mat, box); err != nil {
			l.log.Printf("control", "tracker init failed: %v", err)
			return
		}
		l.kf = nil
	}

	if l.tracker == nil {
		return
	}

	box, ok := l.tracker.Update(frame.Mat)
	if !ok {
		// Tracker lost: stays engaged with no auto-disengage, matching
		// the original's commented-out auto-stop.
		return
	}

	objX, objY := box.Center()

	if l.kf == nil {
		l.kf = estimator.New(l.cfg.KalmanFilter.ProcessNoise, l.cfg.KalmanFilter.MeasurementNoise)
	}

	l.kf.Predict(dt + l.cfg.Control.SystemLatency)
	kfX, kfY, kfVx, kfVy := l.kf.Update(objX, objY)

	cmd := l.servoCtl.Tick(kfX, kfY, kfVx, kfVy, centerX, centerY, dt)
	l.sendServoCommand(cmd)
}

func (l *Loop) sendServoCommand(cmd servo.Command) {
	if !cmd.Send {
		return
	}
	if cmd.Stop {
		if err := l.visca.Stop(); err != nil {
			l.log.Printf("control", "visca stop: %v", err)
		}
		return
	}
	if err := l.visca.PanTilt(cmd.PanSpeed, cmd.TiltSpeed); err != nil {
		l.log.Printf("control", "visca pan/tilt: %v", err)
	}
}

func (l *Loop) tickManualOrStandby(manual ManualCommand, _, _ float64) {
	alive := time.Since(manual.IssuedAt) < l.manualKeepAlive

	l.mu.Lock()
	wasManual := l.mode == ModeManual
	if alive {
		l.mode = ModeManual
	} else if wasManual {
		l.mode = ModeStandby
	}
	l.mu.Unlock()

	if !alive {
		if wasManual {
			if err := l.visca.Stop(); err != nil {
				l.log.Printf("control", "visca stop on manual timeout: %v", err)
			}
		}
		return
	}

	pan, tilt, zoom := manual.Pan, manual.Tilt, manual.Zoom
	if l.cfg.Control.PanInvert {
		pan = -pan
	}
	if l.cfg.Control.TiltInvert {
		tilt = -tilt
	}

	if zoom != 0 {
		if err := l.visca.Zoom(zoom); err != nil {
			l.log.Printf("control", "visca zoom: %v", err)
		}
	}

	if pan != 0 || tilt != 0 {
		if err := l.visca.PanTilt(pan, tilt); err != nil {
			l.log.Printf("control", "visca manual pan/tilt: %v", err)
		}
	}
}

func (l *Loop) publishTelemetry(mode Mode, dt float64) {
	tel := l.visca.Telemetry()

	snap := &Telemetry{Mode: mode}
	if tel.PanRaw != nil {
		snap.PanRaw = *tel.PanRaw
		snap.PanDegrees = degreesFromRaw(*tel.PanRaw, l.cfg.Mechanics.PanCountsPerDegree)
	}
	if tel.TiltRaw != nil {
		snap.TiltRaw = *tel.TiltRaw
		snap.TiltDegrees = degreesFromRaw(*tel.TiltRaw, l.cfg.Mechanics.TiltCountsPerDegree)
	}
	if tel.ZoomRaw != nil {
		snap.ZoomRaw = *tel.ZoomRaw
		snap.ZoomFactor = zoomFactorFromRaw(*tel.ZoomRaw, l.cfg.Mechanics.ZoomMaxHex, l.cfg.Mechanics.ZoomMaxX)
	}
	snap.TrackActive = mode == ModeTracking

	active := l.servoCtl.ActiveConfig()
	snap.Kp, snap.Ki, snap.Kd = active.Pan.Kp, active.Pan.Ki, active.Pan.Kd
	snap.SpeedLimit = active.MaxPanSpeed
	if dt > 0 {
		snap.FPS = 1 / dt
	}

	l.telemetry.Store(snap)
}

// degreesFromRaw converts a raw VISCA position count to degrees using the
// configured counts-per-degree, per spec.md §6.
func degreesFromRaw(raw int32, countsPerDegree float64) float64 {
	if countsPerDegree == 0 {
		return 0
	}
	return float64(raw) / countsPerDegree
}

// zoomFactorFromRaw converts a raw VISCA zoom inquiry value into an
// optical zoom multiplier: 1 + zoomRaw/zoomMaxHex * (zoomMaxX - 1).
func zoomFactorFromRaw(zoomRaw int32, zoomMaxHex int, zoomMaxX float64) float64 {
	if zoomMaxHex == 0 {
		return 1
	}
	return 1 + (float64(zoomRaw)/float64(zoomMaxHex))*(zoomMaxX-1)
}
