// Package calibration derives per-channel linear corrections for the shield.
//
// The engine (Calibrator) sweeps the DAC across its range, compares against a
// reference meter and fits a line with the matrix package. Fits go into the
// live Shield and into a Store (JSON file or Redis). Run wraps the engine in
// the terminal workflow used by the CLI: the operator is told how to wire
// each channel and confirms with single key presses.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	file "github.com/CK6170/AnalogShield-go/file"
	"github.com/CK6170/AnalogShield-go/models"
	"github.com/CK6170/AnalogShield-go/serial"
	"github.com/CK6170/AnalogShield-go/ui"
)

var (
	adcmsg = "\nConnect DAC0 to ADC%d and the meter to DAC0."
	dacmsg = "\nConnect the meter to DAC%d."
)

// ErrCancelled is returned when the operator pressed ESC.
var ErrCancelled = errors.New("calibration cancelled")

// Job is one channel/direction to calibrate.
type Job struct {
	Direction models.Direction
	Channel   serial.Channel
}

// Plan expands a direction ("adc", "dac" or "both") and a channel ("0".."3"
// or "all") into jobs, ADC first.
func Plan(direction, channel string) ([]Job, error) {
	var dirs []models.Direction
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "both", "":
		dirs = []models.Direction{models.ADC, models.DAC}
	default:
		d, err := models.ParseDirection(direction)
		if err != nil {
			return nil, err
		}
		dirs = []models.Direction{d}
	}
	ch, err := serial.ParseChannel(channel)
	if err != nil {
		return nil, err
	}
	chans := []serial.Channel{ch}
	if ch == serial.AllChannels {
		chans = serial.Channels[:]
	}
	var jobs []Job
	for _, d := range dirs {
		for _, c := range chans {
			jobs = append(jobs, Job{Direction: d, Channel: c})
		}
	}
	return jobs, nil
}

// Options for the interactive Run.
type Options struct {
	Debug bool
	// RecordPath, when set, receives the recorded sweeps as JSON.
	RecordPath string
	// HistoryPath, when set, gets one line appended per calibrated channel.
	HistoryPath string
}

// Run walks the operator through jobs. A failed job can be retried or
// skipped; ESC aborts with ErrCancelled. The fits of completed jobs are kept
// either way.
func Run(ctx context.Context, c *Calibrator, jobs []Job, opts Options) error {
	prev := c.OnProgress
	defer func() { c.OnProgress = prev }()
	c.OnProgress = func(p Progress) {
		if p.State == Sweeping && p.Step > 0 {
			ui.PrintSweepLine(p.Direction, p.Channel, p.Step, p.Steps, p.X, p.Y)
		}
		if prev != nil {
			prev(p)
		}
	}
	if opts.RecordPath != "" {
		c.Record = true
	}

	var runErr error
loop:
	for _, job := range jobs {
		msg := fmt.Sprintf(adcmsg, job.Channel)
		if job.Direction == models.DAC {
			msg = fmt.Sprintf(dacmsg, job.Channel)
		}
		if !ui.WaitForContinue(ctx, msg) {
			runErr = ErrCancelled
			if ctx.Err() != nil {
				runErr = ctx.Err()
			}
			break
		}
		for {
			ui.Debugf(opts.Debug, "Calibrating %s %d...\n", job.Direction, job.Channel)
			fit, err := c.Calibrate(ctx, job.Direction, job.Channel)
			if err == nil {
				ui.PrintFitLine(job.Direction, int(job.Channel), fit)
				if opts.HistoryPath != "" {
					file.AppendToFile(opts.HistoryPath, fmt.Sprintf("%s %s %d slope=%.9f intercept=%.9f",
						time.Now().Format("2006-01-02 15:04:05"), job.Direction, job.Channel, fit.SLOPE, fit.INTERCEPT))
				}
				break
			}
			fmt.Println()
			ui.Warningf("%s %d: %v\n", job.Direction, job.Channel, err)
			if ctx.Err() != nil {
				runErr = ctx.Err()
				break loop
			}
			switch ui.NextRetryOrSkip(ctx, "Calibration failed.") {
			case 'R':
				continue
			case 'S':
				continue loop
			default:
				runErr = ErrCancelled
				break loop
			}
		}
	}

	if opts.RecordPath != "" {
		if sweeps := c.Sweeps(); len(sweeps) > 0 {
			if err := file.SaveSweeps(opts.RecordPath, sweeps); err != nil {
				ui.Warningf("Warning: failed to save sweeps: %v\n", err)
			}
		}
	}
	return runErr
}
