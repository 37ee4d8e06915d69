package matrix

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const MatrixLine = "------------------------------------------------------------------"

// ErrSingular is returned when a least-squares system has no unique solution.
var ErrSingular = errors.New("matrix: rank deficient system")

type Matrix struct {
	Rows, Cols int
	Values     [][]float64
}

func NewMatrix(rows, cols int) *Matrix {
	values := make([][]float64, rows)
	for i := range values {
		values[i] = make([]float64, cols)
	}
	return &Matrix{Rows: rows, Cols: cols, Values: values}
}

// Vandermonde builds the design matrix [1 x x^2 ... x^degree] for x.
func Vandermonde(x []float64, degree int) *Matrix {
	m := NewMatrix(len(x), degree+1)
	for i, xi := range x {
		p := 1.0
		for j := 0; j <= degree; j++ {
			m.Values[i][j] = p
			p *= xi
		}
	}
	return m
}

func (m *Matrix) dense() *mat.Dense {
	a := mat.NewDense(m.Rows, m.Cols, nil)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			a.Set(i, j, m.Values[i][j])
		}
	}
	return a
}

func (m *Matrix) MulVector(v *Vector) *Vector {
	if m.Cols != v.Length {
		return nil
	}
	result := NewVector(m.Rows)
	for i := 0; i < m.Rows; i++ {
		for k := 0; k < m.Cols; k++ {
			result.Values[i] += m.Values[i][k] * v.Values[k]
		}
	}
	return result
}

// InverseSVD returns the Moore-Penrose pseudo-inverse and the numerical rank.
// Singular values below 1e-12*max(rows,cols)*s_max are treated as zero.
func (m *Matrix) InverseSVD() (*Matrix, int) {
	var svd mat.SVD
	if ok := svd.Factorize(m.dense(), mat.SVDThin); !ok {
		return nil, 0
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	maxS := 0.0
	for _, si := range s {
		if si > maxS {
			maxS = si
		}
	}
	eps := 1e-12 * math.Max(float64(m.Rows), float64(m.Cols)) * maxS

	rank := 0
	sp := mat.NewDense(len(s), len(s), nil)
	for i := range s {
		if s[i] > eps {
			sp.Set(i, i, 1.0/s[i])
			rank++
		}
	}

	var vSp, pinvDense mat.Dense
	vSp.Mul(&v, sp)
	pinvDense.Mul(&vSp, u.T())

	pinv := NewMatrix(m.Cols, m.Rows)
	for i := 0; i < pinv.Rows; i++ {
		for j := 0; j < pinv.Cols; j++ {
			pinv.Values[i][j] = pinvDense.At(i, j)
		}
	}
	return pinv, rank
}

// PolyFit solves the least-squares polynomial fit of y over x.
// Coefficients come back lowest power first: y ≈ c[0] + c[1]*x + ...
func PolyFit(x, y []float64, degree int) (*Vector, error) {
	if degree < 0 {
		return nil, fmt.Errorf("matrix: negative degree %d", degree)
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("matrix: %d x values, %d y values", len(x), len(y))
	}
	if len(x) <= degree {
		return nil, fmt.Errorf("%w: %d points for degree %d", ErrSingular, len(x), degree)
	}
	a := Vandermonde(x, degree)
	pinv, rank := a.InverseSVD()
	if pinv == nil || rank < degree+1 {
		return nil, fmt.Errorf("%w: rank %d, need %d", ErrSingular, rank, degree+1)
	}
	yv := NewVector(len(y))
	copy(yv.Values, y)
	return pinv.MulVector(yv), nil
}

// Residual returns the RMS of y - A*c.
func Residual(x, y []float64, c *Vector) float64 {
	if len(x) == 0 {
		return 0
	}
	a := Vandermonde(x, c.Length-1)
	yv := NewVector(len(y))
	copy(yv.Values, y)
	r := yv.Sub(a.MulVector(c))
	return r.Norm() / math.Sqrt(float64(len(x)))
}
