package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/CK6170/AnalogShield-go/matrix"
	"github.com/CK6170/AnalogShield-go/models"
	"github.com/CK6170/AnalogShield-go/serial"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// ErrDegenerateSweep means the sweep data cannot determine a line: fewer
// than two distinct x values.
var ErrDegenerateSweep = errors.New("degenerate sweep")

// Sweep defaults.
const (
	DefaultSettle      = 2 * time.Second
	DefaultStepDelay   = 10 * time.Millisecond
	DefaultSamples     = 500
	DefaultStepTimeout = 5 * time.Second
)

// DefaultSteps are the commanded voltages, -5 V to 5 V in 1 V steps.
var DefaultSteps = []float64{-5, -4, -3, -2, -1, 0, 1, 2, 3, 4, 5}

// ReferenceMeter is a trusted voltmeter.
type ReferenceMeter interface {
	Voltage(ctx context.Context) (float64, error)
}

// Device is the part of *serial.Shield a sweep needs.
type Device interface {
	AnalogWriteRaw(ctx context.Context, ch serial.Channel, volts float64) error
	AnalogReadRaw(ctx context.Context, ch serial.Channel, samples int) ([]float64, error)
	SetCorrection(dir models.Direction, ch serial.Channel, f *models.FIT) error
	Calibration() *models.CALIBRATION
}

// Store persists the calibration table.
type Store interface {
	// Load returns nil, nil when nothing is stored.
	Load(ctx context.Context) (*models.CALIBRATION, error)
	// Update atomically reads the stored table (or fallback), applies mutate
	// and writes it back.
	Update(ctx context.Context, fallback *models.CALIBRATION, mutate func(*models.CALIBRATION)) (*models.CALIBRATION, error)
}

// State is where a channel/direction is in the calibration lifecycle.
type State int

const (
	Uncalibrated State = iota
	Sweeping
	Fitting
	Calibrated
	Failed
)

func (s State) String() string {
	switch s {
	case Uncalibrated:
		return "uncalibrated"
	case Sweeping:
		return "sweeping"
	case Fitting:
		return "fitting"
	case Calibrated:
		return "calibrated"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Progress is reported after every state change and every sweep step.
type Progress struct {
	Direction models.Direction `json:"-"`
	Dir       string           `json:"direction"`
	Channel   int              `json:"channel"`
	State     State            `json:"state"`
	Step      int              `json:"step,omitempty"`
	Steps     int              `json:"steps,omitempty"`
	X         float64          `json:"x,omitempty"`
	Y         float64          `json:"y,omitempty"`
	Fit       *models.FIT      `json:"fit,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Calibrator sweeps a channel against a reference meter and derives its
// linear correction.
//
// ADC: DAC0 is wired to the ADC under test and the meter probes DAC0. The fit
// maps raw ADC volts to true volts.
// DAC: the meter probes the DAC under test. The fit maps the wanted output
// to the value that has to be commanded.
type Calibrator struct {
	Shield Device
	Meter  ReferenceMeter
	// Store is optional; without it fits only reach the Shield.
	Store Store

	Settle      time.Duration
	StepDelay   time.Duration
	Samples     int
	StepTimeout time.Duration
	Steps       []float64

	// Record keeps every sweep for Sweeps.
	Record     bool
	OnProgress func(Progress)
	Log        logrus.FieldLogger

	mu     sync.Mutex
	sweeps []*models.SWEEP
}

// NewCalibrator returns a Calibrator with the default sweep timing.
func NewCalibrator(sh Device, m ReferenceMeter, store Store) *Calibrator {
	return &Calibrator{
		Shield:      sh,
		Meter:       m,
		Store:       store,
		Settle:      DefaultSettle,
		StepDelay:   DefaultStepDelay,
		Samples:     DefaultSamples,
		StepTimeout: DefaultStepTimeout,
		Steps:       DefaultSteps,
		Log:         logrus.StandardLogger(),
	}
}

// CalibrateADC calibrates ADC channel ch. DAC0 must be wired to it.
func (c *Calibrator) CalibrateADC(ctx context.Context, ch serial.Channel) (*models.FIT, error) {
	return c.run(ctx, models.ADC, ch)
}

// CalibrateDAC calibrates DAC channel ch. The meter must probe it.
func (c *Calibrator) CalibrateDAC(ctx context.Context, ch serial.Channel) (*models.FIT, error) {
	return c.run(ctx, models.DAC, ch)
}

// Calibrate dispatches on dir.
func (c *Calibrator) Calibrate(ctx context.Context, dir models.Direction, ch serial.Channel) (*models.FIT, error) {
	return c.run(ctx, dir, ch)
}

// Sweeps returns the recorded sweeps.
func (c *Calibrator) Sweeps() []*models.SWEEP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.SWEEP(nil), c.sweeps...)
}

func (c *Calibrator) run(ctx context.Context, dir models.Direction, ch serial.Channel) (*models.FIT, error) {
	if ch < 0 || ch > 3 {
		return nil, fmt.Errorf("calibrate %s: %w: %d", dir, serial.ErrInvalidChannel, int(ch))
	}
	log := c.logger().WithFields(logrus.Fields{"direction": dir, "channel": int(ch)})

	fit, err := c.sweepAndFit(ctx, dir, ch, log)
	if err != nil {
		c.report(Progress{Direction: dir, Channel: int(ch), State: Failed, Error: err.Error()})
		log.WithError(err).Error("calibration failed")
		return nil, err
	}
	c.report(Progress{Direction: dir, Channel: int(ch), State: Calibrated, Fit: fit})
	log.WithFields(logrus.Fields{"slope": fit.SLOPE, "intercept": fit.INTERCEPT}).Info("calibrated")
	return fit, nil
}

func (c *Calibrator) sweepAndFit(ctx context.Context, dir models.Direction, ch serial.Channel, log logrus.FieldLogger) (*models.FIT, error) {
	steps := c.Steps
	if len(steps) == 0 {
		steps = DefaultSteps
	}
	out := serial.Channel(0)
	if dir == models.DAC {
		out = ch
	}

	c.report(Progress{Direction: dir, Channel: int(ch), State: Sweeping, Steps: len(steps)})
	// The first step is a large jump; give the meter time to follow it.
	if err := c.step(ctx, func(ctx context.Context) error {
		return c.Shield.AnalogWriteRaw(ctx, out, steps[0])
	}); err != nil {
		return nil, err
	}
	if err := sleep(ctx, c.Settle); err != nil {
		return nil, err
	}

	x := make([]float64, 0, len(steps))
	y := make([]float64, 0, len(steps))
	for i, v := range steps {
		var measured, raw float64
		err := c.step(ctx, func(ctx context.Context) error {
			if err := c.Shield.AnalogWriteRaw(ctx, out, v); err != nil {
				return err
			}
			if err := sleep(ctx, c.StepDelay); err != nil {
				return err
			}
			m, err := c.Meter.Voltage(ctx)
			if err != nil {
				return fmt.Errorf("meter: %w", err)
			}
			measured = m
			if dir == models.ADC {
				samples, err := c.Shield.AnalogReadRaw(ctx, ch, c.samples())
				if err != nil {
					return err
				}
				raw = stat.Mean(samples, nil)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("step %d (%v V): %w", i, v, err)
		}

		// ADC: true = f(raw). DAC: commanded = f(measured).
		var px, py float64
		if dir == models.ADC {
			px, py = raw, measured
		} else {
			px, py = measured, v
		}
		x = append(x, px)
		y = append(y, py)
		log.WithFields(logrus.Fields{"step": i, "x": px, "y": py}).Debug("sweep point")
		c.report(Progress{Direction: dir, Channel: int(ch), State: Sweeping, Step: i + 1, Steps: len(steps), X: px, Y: py})
	}

	c.report(Progress{Direction: dir, Channel: int(ch), State: Fitting})
	fit, err := FitLinear(x, y)
	if err != nil {
		return nil, err
	}
	c.record(dir, ch, x, y, fit)

	if err := c.Shield.SetCorrection(dir, ch, fit); err != nil {
		return nil, err
	}
	if c.Store != nil {
		if _, err := c.Store.Update(ctx, c.Shield.Calibration(), func(t *models.CALIBRATION) {
			t.Set(dir, int(ch), fit)
		}); err != nil {
			return nil, fmt.Errorf("persist calibration: %w", err)
		}
	}
	return fit, nil
}

func (c *Calibrator) step(ctx context.Context, fn func(context.Context) error) error {
	if c.StepTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, c.StepTimeout)
	defer cancel()
	return fn(ctx)
}

func (c *Calibrator) samples() int {
	if c.Samples <= 0 {
		return DefaultSamples
	}
	return c.Samples
}

func (c *Calibrator) record(dir models.Direction, ch serial.Channel, x, y []float64, fit *models.FIT) {
	if !c.Record {
		return
	}
	c.mu.Lock()
	c.sweeps = append(c.sweeps, &models.SWEEP{
		DIRECTION: dir.String(),
		CHANNEL:   int(ch),
		X:         x,
		Y:         y,
		FIT:       fit,
		TIME:      time.Now().UTC(),
	})
	c.mu.Unlock()
}

func (c *Calibrator) report(p Progress) {
	p.Dir = p.Direction.String()
	if c.OnProgress != nil {
		c.OnProgress(p)
	}
}

func (c *Calibrator) logger() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

// FitLinear is a degree-one least-squares fit of y over x.
func FitLinear(x, y []float64) (*models.FIT, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("%w: %d x values, %d y values", ErrDegenerateSweep, len(x), len(y))
	}
	distinct := false
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			return nil, fmt.Errorf("%w: NaN at point %d", ErrDegenerateSweep, i)
		}
		if x[i] != x[0] {
			distinct = true
		}
	}
	if !distinct {
		return nil, fmt.Errorf("%w: need two distinct x values", ErrDegenerateSweep)
	}
	coef, err := matrix.PolyFit(x, y, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateSweep, err)
	}
	return &models.FIT{SLOPE: coef.Values[1], INTERCEPT: coef.Values[0]}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
