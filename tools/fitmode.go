package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/CK6170/AnalogShield-go/calibration"
	file "github.com/CK6170/AnalogShield-go/file"
	matrix "github.com/CK6170/AnalogShield-go/matrix"
	"github.com/CK6170/AnalogShield-go/models"
)

// fitmode refits recorded calibration sweeps offline. For each sweep it
// prints the linear fit used by the driver next to a quadratic fit so a
// non-linear channel stands out, and optionally writes the linear fits into
// a calibration file.
func main() {
	var (
		apply  = flag.String("apply", "", "calibration file to update with the linear fits")
		degree = flag.Int("degree", 2, "degree of the comparison polynomial")
		debug  = flag.Bool("debug", false, "print coefficient vectors")
	)
	flag.Parse()
	path := "sweeps.json"
	if flag.NArg() > 0 {
		path = flag.Arg(0)
	}

	sweeps, err := file.LoadSweeps(path)
	if err != nil {
		log.Fatalf("read sweeps: %v", err)
	}
	if len(sweeps) == 0 {
		log.Fatalf("no sweeps in %s", path)
	}

	fits := make(map[[2]int]*models.FIT)
	for _, sw := range sweeps {
		dir, err := models.ParseDirection(sw.DIRECTION)
		if err != nil {
			log.Printf("skip sweep: %v", err)
			continue
		}
		fmt.Println(matrix.MatrixLine)
		fmt.Printf("%s %d  %d points  %s\n", dir, sw.CHANNEL, len(sw.X), sw.TIME.Format("2006-01-02 15:04:05"))
		fmt.Println(matrix.MatrixLine)

		fit, err := calibration.FitLinear(sw.X, sw.Y)
		if err != nil {
			log.Printf("%s %d: %v", dir, sw.CHANNEL, err)
			continue
		}
		lin := &matrix.Vector{Length: 2, Values: []float64{fit.INTERCEPT, fit.SLOPE}}
		fmt.Printf("linear     slope=% .9f intercept=% .9f rms=%e\n", fit.SLOPE, fit.INTERCEPT, matrix.Residual(sw.X, sw.Y, lin))
		if sw.FIT != nil {
			fmt.Printf("recorded   slope=% .9f intercept=% .9f\n", sw.FIT.SLOPE, sw.FIT.INTERCEPT)
		}

		if poly, err := matrix.PolyFit(sw.X, sw.Y, *degree); err != nil {
			fmt.Printf("degree %d   %v\n", *degree, err)
		} else {
			fmt.Printf("degree %d   rms=%e\n", *degree, matrix.Residual(sw.X, sw.Y, poly))
			matrix.PrintVector(poly, "coefficients", *debug)
		}
		fits[[2]int{int(dir), sw.CHANNEL}] = fit
	}
	fmt.Println(matrix.MatrixLine)

	if *apply == "" {
		return
	}
	store := file.NewStore(*apply)
	table, err := store.Update(context.Background(), nil, func(c *models.CALIBRATION) {
		for k, f := range fits {
			c.Set(models.Direction(k[0]), k[1], f)
		}
	})
	if err != nil {
		log.Fatalf("update %s: %v", *apply, err)
	}
	fmt.Printf("wrote %d fits to %s\n", len(fits), *apply)
	for _, dir := range []models.Direction{models.ADC, models.DAC} {
		for ch := 0; ch < models.NCHANNELS; ch++ {
			if f := table.Get(dir, ch); f != nil {
				fmt.Printf("[%s %d] slope=% .9f intercept=% .9f\n", dir, ch, f.SLOPE, f.INTERCEPT)
			}
		}
	}
}
