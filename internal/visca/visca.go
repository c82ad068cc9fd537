// Package visca speaks the VISCA protocol over UDP to a single camera
// endpoint. It frames raw VISCA commands (no VISCA-over-IP wrapper),
// holds a send mutex over the socket, and runs a background
// listener/poller goroutine that injects position/zoom inquiries and
// classifies inbound responses by length, per the camera's own
// convention — matching original_source/visca_control.py byte for byte.
package visca

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures a Transport.
type Config struct {
	// Address is host:port of the camera's VISCA-over-UDP endpoint,
	// e.g. "192.168.1.191:1259".
	Address string

	// InquiryInterval is how often the poller injects zoom + pan/tilt
	// inquiries. Defaults to 200ms.
	InquiryInterval time.Duration

	// ReceiveTimeout bounds each inbound read so the poller keeps
	// cycling back to check for inquiries/shutdown. Defaults to 10ms.
	ReceiveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InquiryInterval <= 0 {
		c.InquiryInterval = 200 * time.Millisecond
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = 10 * time.Millisecond
	}
	return c
}

// Telemetry is the last-known camera-reported position/zoom, or nil
// fields until the first successful inquiry response.
type Telemetry struct {
	PanRaw  *int32
	TiltRaw *int32
	ZoomRaw *int32
}

// Transport manages VISCA-over-UDP communication with one camera.
type Transport struct {
	cfg  Config
	conn net.Conn

	sendMu sync.Mutex
	seq    uint32

	telemetry atomic.Pointer[Telemetry]

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	onError func(err error)
}

// Dial opens the UDP socket and starts the listener/poller goroutine.
func Dial(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()

	conn, err := net.Dial("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing VISCA endpoint %s: %w", cfg.Address, err)
	}

	t := &Transport{
		cfg:     cfg,
		conn:    conn,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	t.telemetry.Store(&Telemetry{})

	go t.listenLoop()

	return t, nil
}

// OnError sets a callback invoked for transient send/receive errors
// (logged and otherwise ignored; the next tick/poll retries).
func (t *Transport) OnError(fn func(err error)) {
	t.onError = fn
}

func (t *Transport) reportError(err error) {
	if t.onError != nil && err != nil {
		t.onError(err)
	}
}

// Close stops the listener goroutine (bounded join) and closes the socket.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })

	select {
	case <-t.stopped:
	case <-time.After(time.Second):
	}

	return t.conn.Close()
}

// Telemetry returns the current cached camera position/zoom snapshot.
func (t *Transport) Telemetry() Telemetry {
	return *t.telemetry.Load()
}

// PanTilt sends a Pan/Tilt Drive command.
// panSpeed in [-24,24], tiltSpeed in [-20,20]; sign encodes direction.
func (t *Transport) PanTilt(panSpeed, tiltSpeed int) error {
	panMag, panDir := encodeAxis(panSpeed, 24, dirLeft, dirRight)
	tiltMag, tiltDir := encodeAxis(tiltSpeed, 20, dirUp, dirDown)

	cmd := []byte{0x81, 0x01, 0x06, 0x01, byte(panMag), byte(tiltMag), panDir, tiltDir, 0xFF}
	return t.send(cmd)
}

// Stop sends Pan/Tilt Stop followed by Zoom Stop. Idempotent: sending it
// twice leaves the cached Telemetry and camera state unchanged, since
// Stop carries no position information.
func (t *Transport) Stop() error {
	ptStop := []byte{0x81, 0x01, 0x06, 0x01, 0x00, 0x00, dirStop, dirStop, 0xFF}
	if err := t.send(ptStop); err != nil {
		return err
	}

	zoomStop := []byte{0x81, 0x01, 0x04, 0x07, 0x00, 0xFF}
	return t.send(zoomStop)
}

// Zoom sends a Zoom command. speed > 0 zooms in (tele), speed < 0 zooms
// out (wide); magnitude is clamped to [0,7].
func (t *Transport) Zoom(speed int) error {
	s := speed
	if s < 0 {
		s = -s
	}
	if s > 7 {
		s = 7
	}

	var z byte
	switch {
	case speed > 0:
		z = 0x20 | byte(s)
	case speed < 0:
		z = 0x30 | byte(s)
	default:
		z = 0x00
	}

	return t.send([]byte{0x81, 0x01, 0x04, 0x07, z, 0xFF})
}

const (
	dirStop  byte = 3
	dirLeft  byte = 1
	dirRight byte = 2
	dirUp    byte = 1
	dirDown  byte = 2
)

// encodeAxis converts a signed speed into a VISCA magnitude+direction
// pair. When speed == 0 the direction is Stop and magnitude is 0.
func encodeAxis(speed, max int, negDir, posDir byte) (magnitude int, dir byte) {
	switch {
	case speed > 0:
		dir = posDir
	case speed < 0:
		dir = negDir
	default:
		return 0, dirStop
	}

	magnitude = speed
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if magnitude > max {
		magnitude = max
	}
	return magnitude, dir
}

func (t *Transport) send(payload []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.seq++
	if _, err := t.conn.Write(payload); err != nil {
		t.reportError(fmt.Errorf("visca send: %w", err))
		return nil // fire-and-forget: next tick retries
	}
	return nil
}

func (t *Transport) sendInquiry(payload []byte) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.seq++
	if _, err := t.conn.Write(payload); err != nil {
		t.reportError(fmt.Errorf("visca inquiry send: %w", err))
	}
}

var zoomInquiry = []byte{0x81, 0x09, 0x04, 0x47, 0xFF}
var panTiltInquiry = []byte{0x81, 0x09, 0x06, 0x12, 0xFF}

// listenLoop alternates periodic inquiry injection with a continuous,
// short-timeout drain of inbound packets so sends are never starved.
func (t *Transport) listenLoop() {
	defer close(t.stopped)

	ticker := time.NewTicker(t.cfg.InquiryInterval)
	defer ticker.Stop()

	buf := make([]byte, 1024)
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sendInquiry(zoomInquiry)
			t.sendInquiry(panTiltInquiry)
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReceiveTimeout))
		n, err := t.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.reportError(fmt.Errorf("visca receive: %w", err))
			continue
		}

		t.processPacket(buf[:n])
	}
}

func (t *Transport) processPacket(data []byte) {
	if len(data) < 3 || data[1] != 0x50 {
		return
	}

	switch len(data) {
	case 7:
		zoom := nibblesToUint16(data[2], data[3], data[4], data[5])
		z := int32(zoom)
		t.updateTelemetry(func(tel *Telemetry) { tel.ZoomRaw = &z })
	case 11:
		pan := nibblesToUint16(data[2], data[3], data[4], data[5])
		tilt := nibblesToUint16(data[6], data[7], data[8], data[9])
		p, tl := DecodeSigned16(pan), DecodeSigned16(tilt)
		t.updateTelemetry(func(tel *Telemetry) { tel.PanRaw = &p; tel.TiltRaw = &tl })
	default:
		// unknown/malformed length: discarded
	}
}

func (t *Transport) updateTelemetry(mutate func(*Telemetry)) {
	prev := t.telemetry.Load()
	next := *prev
	mutate(&next)
	t.telemetry.Store(&next)
}

func nibblesToUint16(b0, b1, b2, b3 byte) uint16 {
	return uint16(b0&0x0F)<<12 | uint16(b1&0x0F)<<8 | uint16(b2&0x0F)<<4 | uint16(b3&0x0F)
}

// EncodeNibbles packs a 16-bit raw value into 4 VISCA nibble bytes
// (0y, 0y, 0y, 0y form, high nibble zeroed).
func EncodeNibbles(v uint16) [4]byte {
	return [4]byte{
		byte((v >> 12) & 0x0F),
		byte((v >> 8) & 0x0F),
		byte((v >> 4) & 0x0F),
		byte(v & 0x0F),
	}
}

// DecodeSigned16 interprets a raw 16-bit VISCA value as two's-complement.
func DecodeSigned16(raw uint16) int32 {
	if raw > 0x7FFF {
		return int32(raw) - 0x10000
	}
	return int32(raw)
}
