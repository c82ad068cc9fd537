// Package videosource encapsulates an RTSP decoder with a background
// acquisition goroutine, exposing only the freshest decoded frame.
// Grounded on doxx-NOLO/NOLO.go's RTSP bring-up (gocv.VideoCaptureFile,
// VideoCaptureBufferSize=1, low-latency FFmpeg capture options) and
// original_source/video_capture.py's ThreadedVideoCapture (mutex-guarded
// single frame slot, read returns a copy, 100ms backoff on decode error).
package videosource

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Frame is a decoded video frame plus its pixel dimensions.
type Frame struct {
	Mat    gocv.Mat
	Width  int
	Height int
}

// Close releases the frame's native buffer.
func (f Frame) Close() error {
	return f.Mat.Close()
}

// Center returns the frame's implicit pixel center (W/2, H/2).
func (f Frame) Center() (cx, cy float64) {
	return float64(f.Width) / 2, float64(f.Height) / 2
}

// Config configures a Source.
type Config struct {
	// URL is the rtsp://HOST:PORT/PATH stream to open.
	URL string

	// BufferSize trades latency for freshness; the spec requires an
	// effective buffer size of 1. Defaults to 1 if <= 0.
	BufferSize int

	// BackoffOnError is the pause after a failed decode, to avoid a
	// tight error loop. Defaults to 100ms.
	BackoffOnError time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1
	}
	if c.BackoffOnError <= 0 {
		c.BackoffOnError = 100 * time.Millisecond
	}
	return c
}

// Source owns an RTSP decoder and its background acquisition goroutine.
type Source struct {
	cfg Config
	cap *gocv.VideoCapture

	mu      sync.Mutex
	current *gocv.Mat
	width   int
	height  int
	hasOne  bool

	running chan struct{}
	stopped chan struct{}
	stop    sync.Once

	onError func(err error)
}

// Open opens the RTSP stream, configures minimum buffering, reads one
// warm-up frame to learn dimensions, and starts the acquisition
// goroutine. A permanent decoder-open failure is the only surfaced
// error; transient read errors thereafter are silent (logged via
// OnError if set) and simply retried.
func Open(cfg Config) (*Source, error) {
	cfg = cfg.withDefaults()

	// Low-latency RTSP capture options, matching the teacher's bring-up.
	os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", "rtsp_transport;tcp|buffer_size;65536|stimeout;5000000")

	capture, err := gocv.VideoCaptureFile(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening RTSP stream %s: %w", cfg.URL, err)
	}

	capture.Set(gocv.VideoCaptureBufferSize, float64(cfg.BufferSize))

	warmup := gocv.NewMat()
	defer warmup.Close()
	if ok := capture.Read(&warmup); !ok || warmup.Empty() {
		capture.Close()
		return nil, fmt.Errorf("opening RTSP stream %s: could not read first frame", cfg.URL)
	}

	s := &Source{
		cfg:     cfg,
		cap:     capture,
		width:   warmup.Cols(),
		height:  warmup.Rows(),
		running: make(chan struct{}),
		stopped: make(chan struct{}),
	}

	go s.acquireLoop()

	return s, nil
}

// OnError sets a callback invoked for transient decode errors.
func (s *Source) OnError(fn func(err error)) {
	s.onError = fn
}

func (s *Source) reportError(err error) {
	if s.onError != nil && err != nil {
		s.onError(err)
	}
}

// Dimensions returns the stream's pixel width and height, as learned
// from the warm-up read.
func (s *Source) Dimensions() (w, h int) {
	return s.width, s.height
}

// Read returns the most recently decoded frame (a clone the caller owns
// and must Close), or ok=false if no frame has ever been decoded.
func (s *Source) Read() (frame Frame, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasOne {
		return Frame{}, false
	}

	clone := s.current.Clone()
	return Frame{Mat: clone, Width: s.width, Height: s.height}, true
}

// Stop halts acquisition and releases the decoder. Safe to call once.
func (s *Source) Stop() {
	s.stop.Do(func() { close(s.running) })

	select {
	case <-s.stopped:
	case <-time.After(time.Second):
	}

	s.mu.Lock()
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
	s.mu.Unlock()

	s.cap.Close()
}

func (s *Source) acquireLoop() {
	defer close(s.stopped)

	scratch := gocv.NewMat()
	defer scratch.Close()

	for {
		select {
		case <-s.running:
			return
		default:
		}

		if ok := s.cap.Read(&scratch); !ok || scratch.Empty() {
			s.reportError(fmt.Errorf("videosource: decode read failed"))
			time.Sleep(s.cfg.BackoffOnError)
			continue
		}

		cloned := scratch.Clone()

		s.mu.Lock()
		prev := s.current
		s.current = &cloned
		s.hasOne = true
		s.mu.Unlock()

		if prev != nil {
			prev.Close()
		}
	}
}
