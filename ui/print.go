package ui

import (
	"fmt"

	"github.com/CK6170/AnalogShield-go/models"
)

// PrintSweepLine prints one in-place line of a calibration sweep.
func PrintSweepLine(dir models.Direction, ch, step, steps int, x, y float64) {
	// Light blue entire line while sweeping
	fmt.Fprintf(Out, "\r\033[96m[%s %d %02d/%02d] x=% .6f  y=% .6f          \033[0m", dir, ch, step, steps, x, y)
}

// PrintFitLine prints the resulting correction for a channel.
func PrintFitLine(dir models.Direction, ch int, f *models.FIT) {
	if f == nil {
		fmt.Fprintf(Out, "\r\033[34m[%s %d] uncalibrated\033[0m\n", dir, ch)
		return
	}
	// Fits print in orange
	fmt.Fprintf(Out, "\r\033[38;5;208m[%s %d] slope=% .9f intercept=% .9f\033[0m\n", dir, ch, f.SLOPE, f.INTERCEPT)
}

// PrintTable prints every slot of a calibration table.
func PrintTable(c *models.CALIBRATION) {
	for _, dir := range []models.Direction{models.ADC, models.DAC} {
		for ch := 0; ch < models.NCHANNELS; ch++ {
			PrintFitLine(dir, ch, c.Get(dir, ch))
		}
	}
	if c != nil && !c.UPDATED.IsZero() {
		fmt.Fprintf(Out, "updated %s\n", c.UPDATED.Format("2006-01-02 15:04:05"))
	}
}
