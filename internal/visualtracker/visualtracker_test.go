package visualtracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gocv.io/x/gocv"
)

func zeroMat() gocv.Mat {
	return gocv.NewMat()
}

// CSRTTracker.Init/Update need a native gocv backend and a real frame;
// these tests cover the pure Box/ReticleBox geometry instead.

func TestBoxCenter(t *testing.T) {
	b := Box{X: 10, Y: 20, Width: 40, Height: 60}
	cx, cy := b.Center()
	assert.Equal(t, 30.0, cx)
	assert.Equal(t, 50.0, cy)
}

func TestReticleBox(t *testing.T) {
	b := ReticleBox(960, 540, 50)
	assert.Equal(t, Box{X: 935, Y: 515, Width: 50, Height: 50}, b)

	cx, cy := b.Center()
	assert.Equal(t, 960.0, cx)
	assert.Equal(t, 540.0, cy)
}

func TestBoxToRect(t *testing.T) {
	b := Box{X: 10, Y: 20, Width: 30, Height: 40}
	r := b.toRect()
	assert.Equal(t, 10, r.Min.X)
	assert.Equal(t, 20, r.Min.Y)
	assert.Equal(t, 40, r.Max.X)
	assert.Equal(t, 60, r.Max.Y)
}

func TestUpdateBeforeInitIsNotOK(t *testing.T) {
	tr := &CSRTTracker{}
	_, ok := tr.Update(zeroMat())
	assert.False(t, ok)
}
