// Package visualtracker wraps a single-object correlation tracker over
// consecutive video frames. Grounded on doxx-NOLO's use of gocv as its
// vision backend (tracking/kalman.go, NOLO.go) generalized from that
// repo's spatial/YOLO tracking to a plain CSRT correlation tracker, since
// no learning-based detector is in scope here.
package visualtracker

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Box is an axis-aligned pixel rectangle, top-left origin.
type Box struct {
	X, Y          float64
	Width, Height float64
}

// Center returns the box's center point.
func (b Box) Center() (cx, cy float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

func (b Box) toRect() image.Rectangle {
	return image.Rectangle{
		Min: image.Point{X: int(b.X), Y: int(b.Y)},
		Max: image.Point{X: int(b.X + b.Width), Y: int(b.Y + b.Height)},
	}
}

// Tracker follows one object across frames given its initial box.
type Tracker interface {
	// Init seeds the tracker with the first frame and the object's box.
	Init(frame gocv.Mat, box Box) error

	// Update advances the tracker to the next frame, returning the
	// object's new box and whether tracking is still considered valid.
	Update(frame gocv.Mat) (box Box, ok bool)

	// Close releases any native resources held by the tracker.
	Close() error
}

// CSRTTracker adapts gocv's CSRT correlation tracker to the Tracker
// interface.
type CSRTTracker struct {
	impl        gocv.Tracker
	initialized bool
}

// NewCSRTTracker constructs a CSRT-backed Tracker. CSRT trades speed for
// robustness to partial occlusion and scale change, matching the
// corpus's preference for gocv-native trackers over external ones.
func NewCSRTTracker() *CSRTTracker {
	return &CSRTTracker{impl: gocv.NewTrackerCSRT()}
}

func (c *CSRTTracker) Init(frame gocv.Mat, box Box) error {
	if frame.Empty() {
		return fmt.Errorf("visualtracker: cannot init on empty frame")
	}
	c.impl.Init(frame, box.toRect())
	c.initialized = true
	return nil
}

func (c *CSRTTracker) Update(frame gocv.Mat) (Box, bool) {
	if !c.initialized {
		return Box{}, false
	}
	rect, ok := c.impl.Update(frame)
	if !ok {
		return Box{}, false
	}
	return Box{
		X:      float64(rect.Min.X),
		Y:      float64(rect.Min.Y),
		Width:  float64(rect.Max.X - rect.Min.X),
		Height: float64(rect.Max.Y - rect.Min.Y),
	}, true
}

func (c *CSRTTracker) Close() error {
	c.impl.Close()
	return nil
}

// ReticleBox returns a square box of the given side length centered on
// (cx, cy), used to seed tracking from the on-screen reticle rather than
// a detector.
func ReticleBox(cx, cy float64, size int) Box {
	half := float64(size) / 2
	return Box{X: cx - half, Y: cy - half, Width: float64(size), Height: float64(size)}
}
