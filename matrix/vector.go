package matrix

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Vector holds fit coefficients or samples.
type Vector struct {
	Length int
	Values []float64
}

func NewVector(length int) *Vector {
	return &Vector{Length: length, Values: make([]float64, length)}
}

// Norm is the Euclidean norm.
func (v *Vector) Norm() float64 {
	return floats.Norm(v.Values, 2)
}

// Sub returns v - other. Both must have the same length.
func (v *Vector) Sub(other *Vector) *Vector {
	out := NewVector(v.Length)
	floats.SubTo(out.Values, v.Values, other.Values)
	return out
}

// PrintVector prints up to 24 entries, in yellow when debug is set.
func PrintVector(v *Vector, title string, debug bool) {
	if debug {
		fmt.Print("\033[33m")
		defer fmt.Print("\033[0m")
	}
	fmt.Println(MatrixLine)
	fmt.Printf("%s (%d)\n", title, v.Length)
	for i, x := range v.Values {
		if i == 24 {
			fmt.Println("...")
			break
		}
		fmt.Printf("[%03d] % .9f\n", i, x)
	}
	fmt.Println(MatrixLine)
}
