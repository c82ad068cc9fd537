package control

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/riveredge/ptzcore/internal/config"
	"github.com/riveredge/ptzcore/internal/telemetrylog"
	"github.com/riveredge/ptzcore/internal/videosource"
	"github.com/riveredge/ptzcore/internal/visca"
	"github.com/riveredge/ptzcore/internal/visualtracker"
)

// newTestTransport dials a loopback UDP listener so Loop's VISCA calls
// have a live socket to write to, without needing a real camera. The
// returned net.PacketConn lets scenario tests read back the bytes Loop
// actually sent. InquiryInterval is set far out so background polling
// never interleaves with a test's own packet reads.
func newTestTransport(t *testing.T) (*visca.Transport, net.PacketConn) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	tr, err := visca.Dial(visca.Config{Address: pc.LocalAddr().String(), InquiryInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	return tr, pc
}

func readPacket(t *testing.T, pc net.PacketConn, timeout time.Duration) []byte {
	t.Helper()
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, 64)
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err, "expected a VISCA packet on the wire")
	return append([]byte(nil), buf[:n]...)
}

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	cfg := config.Default()
	log := telemetrylog.New(false)
	tr, _ := newTestTransport(t)
	return New(cfg, log, nil, tr, nil)
}

// fakeFrameSource always has a frame available, satisfying
// control.FrameSource without a real RTSP/GoCV decoder.
type fakeFrameSource struct {
	width, height int
}

func (f *fakeFrameSource) Read() (videosource.Frame, bool) {
	return videosource.Frame{Mat: gocv.NewMat(), Width: f.width, Height: f.height}, true
}

// fakeTracker replays a canned sequence of boxes, holding the last one
// once exhausted, satisfying visualtracker.Tracker without a real CSRT
// backend.
type fakeTracker struct {
	boxes []visualtracker.Box
	idx   int
	fail  bool
}

func (f *fakeTracker) Init(frame gocv.Mat, box visualtracker.Box) error { return nil }

func (f *fakeTracker) Update(frame gocv.Mat) (visualtracker.Box, bool) {
	if f.fail {
		return visualtracker.Box{}, false
	}
	i := f.idx
	if i >= len(f.boxes) {
		i = len(f.boxes) - 1
	}
	f.idx++
	return f.boxes[i], true
}

func (f *fakeTracker) Close() error { return nil }

// centeredBox returns a small box whose geometric center is (cx, cy).
func centeredBox(cx, cy float64) visualtracker.Box {
	return visualtracker.Box{X: cx - 5, Y: cy - 5, Width: 10, Height: 10}
}

func TestRequestTrackingToggleEntersAndLeavesTracking(t *testing.T) {
	l := newTestLoop(t)
	assert.Equal(t, ModeStandby, l.mode)

	l.RequestTrackingToggle()
	assert.Equal(t, ModeTracking, l.mode)
	assert.True(t, l.initTrackerReq)

	l.RequestTrackingToggle()
	assert.Equal(t, ModeStandby, l.mode)
}

func TestSetManualCommandForcesDisengageFromTracking(t *testing.T) {
	l := newTestLoop(t)
	l.RequestTrackingToggle()
	require.Equal(t, ModeTracking, l.mode)

	l.SetManualCommand(1, 0, 0)
	assert.Equal(t, ModeStandby, l.mode, "a non-zero manual command forces an immediate disengage")
	assert.Nil(t, l.tracker)
	assert.Nil(t, l.kf)
}

func TestSetManualCommandZeroDoesNotDisengage(t *testing.T) {
	l := newTestLoop(t)
	l.RequestTrackingToggle()

	l.SetManualCommand(0, 0, 0)
	assert.Equal(t, ModeTracking, l.mode, "an all-zero manual command is not an override")
}

func TestSetPIDUpdatesServoGains(t *testing.T) {
	l := newTestLoop(t)
	l.SetPID(1.5, 0.1, 0.2)

	active := l.servoCtl.ActiveConfig()
	assert.Equal(t, 1.5, active.Pan.Kp)
	assert.Equal(t, 1.5, active.Tilt.Kp)
}

func TestSetMaxSpeedUpdatesServoLimit(t *testing.T) {
	l := newTestLoop(t)
	l.SetMaxSpeed(10)

	active := l.servoCtl.ActiveConfig()
	assert.Equal(t, 10, active.MaxPanSpeed)
	assert.Equal(t, 10, active.MaxTiltSpeed)
}

func TestToggleStabilizationFlipsFlag(t *testing.T) {
	l := newTestLoop(t)
	assert.False(t, l.stabilization)
	l.ToggleStabilization()
	assert.True(t, l.stabilization)
	l.ToggleStabilization()
	assert.False(t, l.stabilization)
}

func TestSnapshotReflectsInitialStandby(t *testing.T) {
	l := newTestLoop(t)
	snap := l.Snapshot()
	assert.Equal(t, ModeStandby, snap.Mode)
	assert.False(t, snap.TrackActive)
	assert.Empty(t, snap.Status)
}

func TestDegreesFromRawConversion(t *testing.T) {
	assert.Equal(t, 10.0, degreesFromRaw(240, 24))
	assert.Equal(t, 0.0, degreesFromRaw(100, 0))
}

func TestZoomFactorFromRawConversion(t *testing.T) {
	// half of max zoom raw, zoom_max_x=20 -> 1 + 0.5*19 = 10.5
	got := zoomFactorFromRaw(0x2000, 0x4000, 20.0)
	assert.InDelta(t, 10.5, got, 1e-9)
	assert.Equal(t, 1.0, zoomFactorFromRaw(0, 0x4000, 20.0))
}

func TestServoConfigFromMapsDynamicRanges(t *testing.T) {
	cfg := config.Default()
	sc := servoConfigFrom(cfg)

	require.Len(t, sc.DynamicSpeedRanges, len(cfg.Control.DynamicSpeedRanges))
	assert.Equal(t, cfg.Control.DynamicSpeedRanges[0].ThresholdPx, sc.DynamicSpeedRanges[0].ThresholdPx)
	assert.Equal(t, cfg.Control.PanKp, sc.Pan.Kp)
	assert.Equal(t, cfg.Control.MaxPanSpeed, sc.MaxPanSpeed)
}

func TestManualKeepAliveWindowMatchesSpec(t *testing.T) {
	l := newTestLoop(t)
	assert.Equal(t, 250*time.Millisecond, l.manualKeepAlive)
}

// --- spec.md §8 end-to-end scenarios, driven through Loop.tick against
// fake FrameSource/Tracker implementations and a real (loopback) VISCA
// transport. Scenario 5 (VISCA parse) is covered directly in
// internal/visca's own tests, since that wire parsing never touches
// control's orchestration.

// Scenario 1: static target at the reticle settles to a Stop, never a
// nonzero drive command.
func TestScenarioStaticTargetAtReticleEmitsStop(t *testing.T) {
	cfg := config.Default()
	log := telemetrylog.New(false)
	tr, pc := newTestTransport(t)

	video := &fakeFrameSource{width: 1920, height: 1080}
	tracker := &fakeTracker{boxes: []visualtracker.Box{centeredBox(960, 540)}}
	l := New(cfg, log, video, tr, func() visualtracker.Tracker { return tracker })

	l.RequestTrackingToggle()
	l.tick(0.033)

	ptStop := readPacket(t, pc, 200*time.Millisecond)
	assert.Equal(t, []byte{0x81, 0x01, 0x06, 0x01, 0x00, 0x00, 0x03, 0x03, 0xFF}, ptStop)

	zoomStop := readPacket(t, pc, 200*time.Millisecond)
	assert.Equal(t, []byte{0x81, 0x01, 0x04, 0x07, 0x00, 0xFF}, zoomStop)

	// Further ticks at the same zero error never escalate into a
	// nonzero drive command; the transmit gate may resend Stop once the
	// 100ms interval lapses, but it is always Stop, never Drive.
	for i := 0; i < 3; i++ {
		l.tick(0.033)
	}
	snap := l.Snapshot()
	assert.Equal(t, ModeTracking, snap.Mode)
}

// Scenario 2: a step error to the right produces a first-tick pan
// command signed and clamped per the dynamic speed table.
func TestScenarioStepErrorRightFirstTickSignAndMagnitude(t *testing.T) {
	cfg := config.Default() // PanInvert=true, kp=0.5, kd=0.9, ki=0.05, 200px -> dynamic limit 2.0
	log := telemetrylog.New(false)
	tr, pc := newTestTransport(t)

	video := &fakeFrameSource{width: 1920, height: 1080}
	// Target 200px right of the 960 center: error = center - target = -200.
	tracker := &fakeTracker{boxes: []visualtracker.Box{centeredBox(1160, 540)}}
	l := New(cfg, log, video, tr, func() visualtracker.Tracker { return tracker })

	l.RequestTrackingToggle()
	l.tick(0.033)

	pkt := readPacket(t, pc, 200*time.Millisecond)
	require.Len(t, pkt, 9)
	assert.Equal(t, byte(0x02), pkt[6], "PanInvert flips the negative raw error to a rightward drive")
	assert.Greater(t, int(pkt[4]), 0)
	assert.LessOrEqual(t, int(pkt[4]), 2, "clamped to the 200px dynamic speed ceiling of 2.0")
}

// Scenario 3: a target moving at a constant pixel velocity drives the
// Kalman-estimated vx toward that velocity within the allotted ticks.
func TestScenarioConstantVelocityTargetConvergesKalmanVelocity(t *testing.T) {
	cfg := config.Default()
	// The loop predicts over dt+SystemLatency per tick, so the filter's
	// velocity matches the true pixel velocity only with zero latency.
	cfg.Control.SystemLatency = 0
	log := telemetrylog.New(false)
	tr, _ := newTestTransport(t)

	video := &fakeFrameSource{width: 1920, height: 1080}

	const dt = 0.033
	const pxPerSec = 100.0
	boxes := make([]visualtracker.Box, 40)
	x := 960.0
	for i := range boxes {
		boxes[i] = centeredBox(x, 540)
		x += pxPerSec * dt
	}
	tracker := &fakeTracker{boxes: boxes}
	l := New(cfg, log, video, tr, func() visualtracker.Tracker { return tracker })

	l.RequestTrackingToggle()
	for i := 0; i < len(boxes); i++ {
		l.tick(dt)
	}

	require.NotNil(t, l.kf)
	// Sample the converged state without materially perturbing it.
	_, _, vx, _ := l.kf.Predict(0.0001)
	assert.Greater(t, vx, 50.0, "Kalman-reported vx should converge toward the 100px/s truth")
}

// Scenario 4: an error inside the deadband suppresses P and I
// contribution; the orchestration wiring must still pass that error
// through to the servo as-is (the non-accumulation of the integral
// itself is covered directly in internal/servo, which owns that state).
func TestScenarioDeadbandProducesNoOutput(t *testing.T) {
	cfg := config.Default() // deadband=10
	log := telemetrylog.New(false)
	tr, pc := newTestTransport(t)

	video := &fakeFrameSource{width: 1920, height: 1080}
	// |ex| = 8 < deadband of 10.
	tracker := &fakeTracker{boxes: []visualtracker.Box{centeredBox(968, 540)}}
	l := New(cfg, log, video, tr, func() visualtracker.Tracker { return tracker })

	l.RequestTrackingToggle()
	l.tick(0.033)

	ptStop := readPacket(t, pc, 200*time.Millisecond)
	assert.Equal(t, []byte{0x81, 0x01, 0x06, 0x01, 0x00, 0x00, 0x03, 0x03, 0xFF}, ptStop,
		"an error within the deadband produces zero pan/tilt output, so a Stop is sent rather than a drive")
}

// Scenario 6: a nonzero manual command received while TRACKING forces
// an immediate disengage, and the next tick drives pan/tilt per the
// inversion flags instead of running the tracker.
func TestScenarioManualCommandWhileTrackingForcesModeArbitration(t *testing.T) {
	cfg := config.Default() // PanInvert=true
	log := telemetrylog.New(false)
	tr, pc := newTestTransport(t)

	video := &fakeFrameSource{width: 1920, height: 1080}
	tracker := &fakeTracker{boxes: []visualtracker.Box{centeredBox(960, 540)}}
	l := New(cfg, log, video, tr, func() visualtracker.Tracker { return tracker })

	l.RequestTrackingToggle()
	l.tick(0.033)
	readPacket(t, pc, 200*time.Millisecond) // drain the steady-state Stop
	readPacket(t, pc, 200*time.Millisecond)

	l.SetManualCommand(1, 0, 0)
	assert.Equal(t, ModeStandby, l.mode, "disengage happens synchronously inside SetManualCommand")
	assert.Nil(t, l.tracker)
	assert.Nil(t, l.kf)
	readPacket(t, pc, 200*time.Millisecond) // drain the Stop sent on disengage
	readPacket(t, pc, 200*time.Millisecond)

	l.tick(0.033)
	assert.Equal(t, ModeManual, l.mode, "mode becomes MANUAL on the next tick while the keep-alive is live")

	pkt := readPacket(t, pc, 200*time.Millisecond)
	require.Len(t, pkt, 9)
	assert.Equal(t, byte(0x01), pkt[6], "PanInvert flips the manual pan=1 to a leftward drive")
	assert.Equal(t, byte(1), pkt[4])
}
