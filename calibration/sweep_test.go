package calibration_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/CK6170/AnalogShield-go/calibration"
	"github.com/CK6170/AnalogShield-go/file"
	"github.com/CK6170/AnalogShield-go/models"
	"github.com/CK6170/AnalogShield-go/serial"
	"github.com/CK6170/AnalogShield-go/serial/sim"
	"github.com/sirupsen/logrus"
)

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newRig(t *testing.T, dev *sim.Device, store calibration.Store) (*serial.Shield, *calibration.Calibrator) {
	t.Helper()
	sh, err := serial.NewShield(context.Background(), dev, serial.Options{
		Log:       quiet(),
		OnWarning: func(serial.Warning) {},
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sh.Close() })
	c := calibration.NewCalibrator(sh, sim.NewMeter(dev), store)
	c.Settle = 0
	c.StepDelay = 0
	c.Samples = 3
	c.Log = quiet()
	return sh, c
}

func TestFitLinear(t *testing.T) {
	// raw = 2*true + 1 must yield true = 0.5*raw - 0.5.
	var raw, truth []float64
	for v := -5.0; v <= 5; v++ {
		truth = append(truth, v)
		raw = append(raw, 2*v+1)
	}
	f, err := calibration.FitLinear(raw, truth)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(f.SLOPE-0.5) > 1e-9 || math.Abs(f.INTERCEPT+0.5) > 1e-9 {
		t.Errorf("fit = %+v", f)
	}
}

func TestFitLinearDegenerate(t *testing.T) {
	cases := map[string][2][]float64{
		"empty":    {nil, nil},
		"single":   {{1}, {1}},
		"constant": {{2, 2, 2}, {1, 2, 3}},
		"nan":      {{1, math.NaN()}, {1, 2}},
		"mismatch": {{1, 2}, {1}},
	}
	for name, c := range cases {
		if _, err := calibration.FitLinear(c[0], c[1]); !errors.Is(err, calibration.ErrDegenerateSweep) {
			t.Errorf("%s: err = %v, want ErrDegenerateSweep", name, err)
		}
	}
}

func TestCalibrateADCRecoversError(t *testing.T) {
	dev := sim.New()
	dev.ADCGain[2] = 0.98
	dev.ADCOffset[2] = 0.05
	sh, c := newRig(t, dev, nil)
	ctx := context.Background()

	var states []calibration.State
	c.OnProgress = func(p calibration.Progress) { states = append(states, p.State) }

	fit, err := c.CalibrateADC(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	// true = (raw - 0.05) / 0.98
	if math.Abs(fit.SLOPE-1/0.98) > 1e-3 || math.Abs(fit.INTERCEPT+0.05/0.98) > 1e-3 {
		t.Errorf("fit = %+v", fit)
	}
	if got := sh.Calibration().Get(models.ADC, 2); got == nil || *got != *fit {
		t.Errorf("shield ADC2 = %+v", got)
	}
	if sh.Calibration().Get(models.DAC, 2) != nil {
		t.Errorf("ADC fit leaked into DAC table")
	}

	if err := sh.AnalogWriteRaw(ctx, 0, 3); err != nil {
		t.Fatal(err)
	}
	v, err := sh.AnalogRead(ctx, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(v[0]-3) > 2e-3 {
		t.Errorf("corrected read = %v, want 3", v[0])
	}

	if states[0] != calibration.Sweeping || states[len(states)-1] != calibration.Calibrated {
		t.Errorf("states = %v", states)
	}
}

func TestCalibrateDACRecoversError(t *testing.T) {
	dev := sim.New()
	dev.DACGain[1] = 1.02
	dev.DACOffset[1] = -0.03
	sh, c := newRig(t, dev, nil)
	ctx := context.Background()

	fit, err := c.CalibrateDAC(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	// commanded = (wanted + 0.03) / 1.02
	if math.Abs(fit.SLOPE-1/1.02) > 1e-3 || math.Abs(fit.INTERCEPT-0.03/1.02) > 1e-3 {
		t.Errorf("fit = %+v", fit)
	}
	if err := sh.AnalogWrite(ctx, 1, -2); err != nil {
		t.Fatal(err)
	}
	if v := dev.Output(1); math.Abs(v+2) > 2e-3 {
		t.Errorf("corrected output = %v, want -2", v)
	}
}

func TestCalibrationIdempotent(t *testing.T) {
	dev := sim.New()
	dev.ADCGain[0] = 1.01
	_, c := newRig(t, dev, nil)
	a, err := c.CalibrateADC(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.CalibrateADC(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(a.SLOPE-b.SLOPE) > 1e-9 || math.Abs(a.INTERCEPT-b.INTERCEPT) > 1e-9 {
		t.Errorf("repeat calibration drifted: %+v vs %+v", a, b)
	}
}

func TestCalibratePersistsOnlyItsEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.json")
	store := file.NewStore(path)
	ctx := context.Background()

	seed := &models.CALIBRATION{}
	seed.Set(models.DAC, 3, &models.FIT{SLOPE: 1.5, INTERCEPT: 0.25})
	if _, err := store.Update(ctx, seed, func(*models.CALIBRATION) {}); err != nil {
		t.Fatal(err)
	}

	dev := sim.New()
	_, c := newRig(t, dev, store)
	c.Record = true
	if _, err := c.CalibrateADC(ctx, 1); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f := got.Get(models.DAC, 3); f == nil || f.SLOPE != 1.5 || f.INTERCEPT != 0.25 {
		t.Errorf("DAC3 changed: %+v", f)
	}
	if got.Get(models.ADC, 1) == nil {
		t.Errorf("ADC1 not persisted")
	}
	for ch := 0; ch < 4; ch++ {
		if ch != 1 && got.Get(models.ADC, ch) != nil {
			t.Errorf("ADC%d unexpectedly set", ch)
		}
	}
	sweeps := c.Sweeps()
	if len(sweeps) != 1 || sweeps[0].DIRECTION != "ADC" || len(sweeps[0].X) != len(calibration.DefaultSteps) {
		t.Errorf("sweeps = %+v", sweeps)
	}
}

func TestCalibrateMeterFailure(t *testing.T) {
	dev := sim.New()
	sh, c := newRig(t, dev, nil)
	c.Meter = &sim.Meter{Device: dev, Err: errors.New("no reading")}

	var last calibration.Progress
	c.OnProgress = func(p calibration.Progress) { last = p }
	if _, err := c.CalibrateDAC(context.Background(), 0); err == nil {
		t.Fatal("expected error")
	}
	if last.State != calibration.Failed || last.Error == "" {
		t.Errorf("last progress = %+v", last)
	}
	if sh.Calibration().Get(models.DAC, 0) != nil {
		t.Errorf("failed calibration stored a fit")
	}
}

func TestCalibrateStepTimeout(t *testing.T) {
	dev := sim.New()
	_, c := newRig(t, dev, nil)
	c.StepTimeout = 30 * time.Millisecond
	dev.Mute = true

	_, err := c.CalibrateADC(context.Background(), 0)
	if !errors.Is(err, serial.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestCalibrateInvalidChannel(t *testing.T) {
	dev := sim.New()
	_, c := newRig(t, dev, nil)
	if _, err := c.CalibrateADC(context.Background(), serial.AllChannels); !errors.Is(err, serial.ErrInvalidChannel) {
		t.Errorf("err = %v", err)
	}
}
