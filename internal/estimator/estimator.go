// Package estimator smooths noisy pixel-space target positions with a
// constant-velocity Kalman filter. Structurally grounded on
// doxx-NOLO/tracking/kalman.go's 4-state [x,y,vx,vy] filter and its
// Predict/Update split, but the hand-rolled [4][4]float64 arithmetic is
// replaced with gonum.org/v1/gonum/mat, and the noise model matches
// original_source/kalman_filter.py's cv2.KalmanFilter(4,2) defaults
// (processNoiseCov = processNoise*I, measurementNoiseCov =
// measurementNoise*I, errorCovPost = I) rather than the teacher's
// velocity-weighted process noise.
package estimator

import "gonum.org/v1/gonum/mat"

// Filter is a 2D constant-velocity Kalman filter over state [x, y, vx, vy].
type Filter struct {
	processNoise     float64
	measurementNoise float64

	state *mat.VecDense // 4x1
	cov   *mat.Dense    // 4x4

	initialized bool
}

// New constructs a Filter with the given scalar process and measurement
// noise, applied as processNoise*I and measurementNoise*I respectively,
// matching the original's noise model.
func New(processNoise, measurementNoise float64) *Filter {
	return &Filter{
		processNoise:     processNoise,
		measurementNoise: measurementNoise,
	}
}

// Initialized reports whether the filter has received its first
// measurement.
func (f *Filter) Initialized() bool {
	return f.initialized
}

// Init seeds the filter at position (x, y) with zero velocity and unit
// error covariance, matching cv2.KalmanFilter's errorCovPost default.
func (f *Filter) Init(x, y float64) {
	f.state = mat.NewVecDense(4, []float64{x, y, 0, 0})
	f.cov = identity(4)
	f.initialized = true
}

// Predict advances the state estimate dt seconds under the
// constant-velocity model, without folding in a measurement. Safe to
// call repeatedly to extrapolate across several ticks without a new
// observation (e.g. while coasting through a dropped detection).
func (f *Filter) Predict(dt float64) (x, y, vx, vy float64) {
	if !f.initialized {
		return 0, 0, 0, 0
	}

	F := transitionMatrix(dt)
	Q := processNoiseCov(f.processNoise)

	var newState mat.VecDense
	newState.MulVec(F, f.state)
	f.state = &newState

	var FP, FPFt, newCov mat.Dense
	FP.Mul(F, f.cov)
	FPFt.Mul(&FP, F.T())
	newCov.Add(&FPFt, Q)
	f.cov = &newCov

	return f.state.AtVec(0), f.state.AtVec(1), f.state.AtVec(2), f.state.AtVec(3)
}

// Update folds in a new (x, y) measurement at the current predicted
// state, returning the corrected [x, y, vx, vy] estimate. If the filter
// has not yet been initialized, Update behaves as Init and returns the
// measurement verbatim with zero velocity.
func (f *Filter) Update(x, y float64) (px, py, vx, vy float64) {
	if !f.initialized {
		f.Init(x, y)
		return x, y, 0, 0
	}

	H := measurementMatrix()
	R := measurementNoiseCov(f.measurementNoise)

	z := mat.NewVecDense(2, []float64{x, y})

	var Hx mat.VecDense
	Hx.MulVec(H, f.state)

	innovation := mat.NewVecDense(2, nil)
	innovation.SubVec(z, &Hx)

	var HP, S, HPHt mat.Dense
	HP.Mul(H, f.cov)
	HPHt.Mul(&HP, H.T())
	S.Add(&HPHt, R)

	var Sinv mat.Dense
	if err := Sinv.Inverse(&S); err != nil {
		// Singular innovation covariance: skip the correction this
		// tick rather than propagate NaNs.
		return f.state.AtVec(0), f.state.AtVec(1), f.state.AtVec(2), f.state.AtVec(3)
	}

	var PHt, K mat.Dense
	PHt.Mul(f.cov, H.T())
	K.Mul(&PHt, &Sinv)

	var correction mat.VecDense
	correction.MulVec(&K, innovation)

	var newState mat.VecDense
	newState.AddVec(f.state, &correction)
	f.state = &newState

	var KH, IminusKH, newCov mat.Dense
	KH.Mul(&K, H)
	IminusKH.Sub(identity(4), &KH)
	newCov.Mul(&IminusKH, f.cov)
	f.cov = &newCov

	return f.state.AtVec(0), f.state.AtVec(1), f.state.AtVec(2), f.state.AtVec(3)
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func transitionMatrix(dt float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

func measurementMatrix() *mat.Dense {
	return mat.NewDense(2, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
	})
}

func processNoiseCov(processNoise float64) *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, processNoise)
	}
	return m
}

func measurementNoiseCov(measurementNoise float64) *mat.Dense {
	m := mat.NewDense(2, 2, nil)
	for i := 0; i < 2; i++ {
		m.Set(i, i, measurementNoise)
	}
	return m
}
