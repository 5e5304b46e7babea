// Package track implements the multi-object tracking core: a
// SORT-family predict/associate/update loop over a constant-velocity
// motion model and per-frame detection sets.
package track

import (
	"math"

	"github.com/visionflow/visionflow/internal/model"
)

// The motion state is [cx, cy, s, r, vcx, vcy, vs]: box center,
// area, aspect ratio and their velocities (aspect ratio is assumed
// constant). Measurements are [cx, cy, s, r].
const (
	stateDim = 7
	measDim  = 4
)

type kalmanFilter struct {
	x []float64   // state estimate
	p [][]float64 // state covariance
}

func newKalmanFilter(b model.BBox) *kalmanFilter {
	kf := &kalmanFilter{
		x: make([]float64, stateDim),
		p: newMatrix(stateDim, stateDim),
	}
	z := boxToMeasurement(b)
	copy(kf.x, z)

	// High uncertainty on the unobservable velocities.
	diag := []float64{10, 10, 10, 10, 1e4, 1e4, 1e4}
	for i := 0; i < stateDim; i++ {
		kf.p[i][i] = diag[i]
	}
	return kf
}

// predict advances the motion model one time step and returns the
// predicted bounding box.
func (kf *kalmanFilter) predict() model.BBox {
	// Keep the predicted area non-negative.
	if kf.x[2]+kf.x[6] <= 0 {
		kf.x[6] = 0
	}

	f := transitionMatrix()
	kf.x = matVec(f, kf.x)
	kf.p = matAdd(matMul(matMul(f, kf.p), transpose(f)), processNoise())

	return measurementToBox(kf.x[:measDim])
}

// update folds a matched measurement into the state estimate.
func (kf *kalmanFilter) update(b model.BBox) {
	z := boxToMeasurement(b)
	h := measurementMatrix()

	// Innovation y = z - Hx
	y := make([]float64, measDim)
	hx := matVec(h, kf.x)
	for i := range y {
		y[i] = z[i] - hx[i]
	}

	// S = HPH' + R
	ph := matMul(kf.p, transpose(h))
	s := matAdd(matMul(h, ph), measurementNoise())
	sInv, ok := invert(s)
	if !ok {
		// Singular innovation covariance; skip the correction rather
		// than corrupt the state.
		return
	}

	// K = PH'S^-1
	k := matMul(ph, sInv)

	ky := matVec(k, y)
	for i := range kf.x {
		kf.x[i] += ky[i]
	}

	// P = (I - KH)P
	ikh := matSub(identity(stateDim), matMul(k, h))
	kf.p = matMul(ikh, kf.p)
}

// currentBox returns the box described by the current state estimate.
func (kf *kalmanFilter) currentBox() model.BBox {
	return measurementToBox(kf.x[:measDim])
}

func boxToMeasurement(b model.BBox) []float64 {
	w := b.Width()
	h := b.Height()
	cx, cy := b.Center()
	r := 1.0
	if h > 0 {
		r = w / h
	}
	return []float64{cx, cy, w * h, r}
}

func measurementToBox(z []float64) model.BBox {
	s := math.Max(z[2], 0)
	r := z[3]
	if r <= 0 {
		r = 1
	}
	w := math.Sqrt(s * r)
	h := 0.0
	if w > 0 {
		h = s / w
	}
	return model.BBox{
		X1: z[0] - w/2,
		Y1: z[1] - h/2,
		X2: z[0] + w/2,
		Y2: z[1] + h/2,
	}
}

func transitionMatrix() [][]float64 {
	f := identity(stateDim)
	// Constant velocity: position += velocity each step.
	f[0][4] = 1
	f[1][5] = 1
	f[2][6] = 1
	return f
}

func measurementMatrix() [][]float64 {
	h := newMatrix(measDim, stateDim)
	for i := 0; i < measDim; i++ {
		h[i][i] = 1
	}
	return h
}

func processNoise() [][]float64 {
	q := newMatrix(stateDim, stateDim)
	diag := []float64{1, 1, 1, 1, 0.01, 0.01, 1e-4}
	for i := 0; i < stateDim; i++ {
		q[i][i] = diag[i]
	}
	return q
}

func measurementNoise() [][]float64 {
	r := newMatrix(measDim, measDim)
	diag := []float64{1, 1, 10, 10}
	for i := 0; i < measDim; i++ {
		r[i][i] = diag[i]
	}
	return r
}
