package track

// Small dense matrix helpers for the fixed 7-state filter. The
// dimensions involved (7x7 at most) do not justify a linear algebra
// dependency.

func newMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}

func identity(n int) [][]float64 {
	m := newMatrix(n, n)
	for i := 0; i < n; i++ {
		m[i][i] = 1
	}
	return m
}

func matMul(a, b [][]float64) [][]float64 {
	rows, inner, cols := len(a), len(b), len(b[0])
	out := newMatrix(rows, cols)
	for i := 0; i < rows; i++ {
		for k := 0; k < inner; k++ {
			if a[i][k] == 0 {
				continue
			}
			for j := 0; j < cols; j++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

func matVec(a [][]float64, v []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		var sum float64
		for j := range v {
			sum += a[i][j] * v[j]
		}
		out[i] = sum
	}
	return out
}

func matAdd(a, b [][]float64) [][]float64 {
	out := newMatrix(len(a), len(a[0]))
	for i := range a {
		for j := range a[i] {
			out[i][j] = a[i][j] + b[i][j]
		}
	}
	return out
}

func matSub(a, b [][]float64) [][]float64 {
	out := newMatrix(len(a), len(a[0]))
	for i := range a {
		for j := range a[i] {
			out[i][j] = a[i][j] - b[i][j]
		}
	}
	return out
}

func transpose(a [][]float64) [][]float64 {
	out := newMatrix(len(a[0]), len(a))
	for i := range a {
		for j := range a[i] {
			out[j][i] = a[i][j]
		}
	}
	return out
}

// invert computes the inverse via Gauss-Jordan elimination with
// partial pivoting. Returns false for singular matrices.
func invert(a [][]float64) ([][]float64, bool) {
	n := len(a)
	aug := newMatrix(n, 2*n)
	for i := 0; i < n; i++ {
		copy(aug[i], a[i])
		aug[i][n+i] = 1
	}

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if abs(aug[r][col]) > abs(aug[pivot][col]) {
				pivot = r
			}
		}
		if abs(aug[pivot][col]) < 1e-12 {
			return nil, false
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]

		pv := aug[col][col]
		for j := 0; j < 2*n; j++ {
			aug[col][j] /= pv
		}
		for r := 0; r < n; r++ {
			if r == col || aug[r][col] == 0 {
				continue
			}
			factor := aug[r][col]
			for j := 0; j < 2*n; j++ {
				aug[r][j] -= factor * aug[col][j]
			}
		}
	}

	out := newMatrix(n, n)
	for i := 0; i < n; i++ {
		copy(out[i], aug[i][n:])
	}
	return out, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
