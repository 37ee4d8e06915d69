package matrix

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/stat"
)

func TestPolyFitLinear(t *testing.T) {
	x := []float64{-5, -4, -3, -2, -1, 0, 1, 2, 3, 4, 5}
	y := make([]float64, len(x))
	for i, xi := range x {
		y[i] = 0.5*xi - 0.5
	}
	c, err := PolyFit(x, y, 1)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(c.Values[0]+0.5) > 1e-9 || math.Abs(c.Values[1]-0.5) > 1e-9 {
		t.Errorf("coefficients = %v", c.Values)
	}
	if r := Residual(x, y, c); r > 1e-9 {
		t.Errorf("residual = %v", r)
	}
}

func TestPolyFitMatchesRegression(t *testing.T) {
	x := []float64{-4.9, -3.1, -1.2, 0.3, 1.7, 2.2, 4.8}
	y := []float64{-9.7, -6.4, -2.1, 0.9, 3.2, 4.6, 9.9}
	c, err := PolyFit(x, y, 1)
	if err != nil {
		t.Fatal(err)
	}
	alpha, beta := stat.LinearRegression(x, y, nil, false)
	if math.Abs(c.Values[0]-alpha) > 1e-9 || math.Abs(c.Values[1]-beta) > 1e-9 {
		t.Errorf("PolyFit = %v, regression = %v + %v x", c.Values, alpha, beta)
	}
}

func TestPolyFitQuadratic(t *testing.T) {
	x := []float64{-2, -1, 0, 1, 2, 3}
	y := make([]float64, len(x))
	for i, xi := range x {
		y[i] = 1 - 2*xi + 0.25*xi*xi
	}
	c, err := PolyFit(x, y, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1, -2, 0.25}
	for i := range want {
		if math.Abs(c.Values[i]-want[i]) > 1e-9 {
			t.Errorf("c[%d] = %v, want %v", i, c.Values[i], want[i])
		}
	}
}

func TestPolyFitDegenerate(t *testing.T) {
	cases := map[string][]float64{
		"constant x": {1, 1, 1, 1},
		"one point":  {2},
	}
	for name, x := range cases {
		y := make([]float64, len(x))
		if _, err := PolyFit(x, y, 1); !errors.Is(err, ErrSingular) {
			t.Errorf("%s: err = %v, want ErrSingular", name, err)
		}
	}
	if _, err := PolyFit([]float64{1, 2}, []float64{1}, 1); err == nil {
		t.Error("length mismatch accepted")
	}
}

func TestInverseSVD(t *testing.T) {
	m := NewMatrix(2, 2)
	m.Values[0] = []float64{4, 7}
	m.Values[1] = []float64{2, 6}
	pinv, rank := m.InverseSVD()
	if rank != 2 {
		t.Fatalf("rank = %d", rank)
	}
	want := [][]float64{{0.6, -0.7}, {-0.2, 0.4}}
	for i := range want {
		for j := range want[i] {
			if math.Abs(pinv.Values[i][j]-want[i][j]) > 1e-12 {
				t.Errorf("pinv[%d][%d] = %v, want %v", i, j, pinv.Values[i][j], want[i][j])
			}
		}
	}
}
