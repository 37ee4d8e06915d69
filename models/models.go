// Package models defines the serialized structures shared between the
// AnalogShield tooling, the control server, and the calibration store.
//
// These types mirror the shape of `config.json` / `config.yaml` and of the
// calibration table written after each calibration run.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NCHANNELS is the number of analog channels per direction on the shield.
const NCHANNELS = 4

// Direction identifies which side of a channel a correction applies to.
type Direction int

const (
	ADC Direction = iota
	DAC
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case ADC:
		return "ADC"
	case DAC:
		return "DAC"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ErrInvalidDirection is returned by ParseDirection.
var ErrInvalidDirection = errors.New("invalid direction")

// ParseDirection accepts "adc" or "dac" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "adc":
		return ADC, nil
	case "dac":
		return DAC, nil
	}
	return 0, fmt.Errorf("%w: %q (want adc or dac)", ErrInvalidDirection, s)
}

// FIT is a first-degree correction function: corrected = SLOPE*raw + INTERCEPT.
type FIT struct {
	SLOPE     float64 `json:"SLOPE" yaml:"SLOPE"`
	INTERCEPT float64 `json:"INTERCEPT" yaml:"INTERCEPT"`
}

// Apply evaluates the correction at x.
func (f FIT) Apply(x float64) float64 {
	return f.SLOPE*x + f.INTERCEPT
}

// CALIBRATION is the persisted per-channel correction table. A nil entry
// means the channel has not been calibrated in that direction.
type CALIBRATION struct {
	ADC     [NCHANNELS]*FIT `json:"adc"`
	DAC     [NCHANNELS]*FIT `json:"dac"`
	UPDATED time.Time       `json:"updated,omitempty"`
}

// Get returns the entry for a direction/channel pair (nil when absent).
func (c *CALIBRATION) Get(dir Direction, ch int) *FIT {
	if c == nil || ch < 0 || ch >= NCHANNELS {
		return nil
	}
	if dir == ADC {
		return c.ADC[ch]
	}
	return c.DAC[ch]
}

// Set replaces the entry for a direction/channel pair. Passing nil clears it.
func (c *CALIBRATION) Set(dir Direction, ch int, f *FIT) {
	if ch < 0 || ch >= NCHANNELS {
		return
	}
	var cp *FIT
	if f != nil {
		v := *f
		cp = &v
	}
	if dir == ADC {
		c.ADC[ch] = cp
	} else {
		c.DAC[ch] = cp
	}
}

// Clone returns a deep copy; a nil receiver yields an empty table.
func (c *CALIBRATION) Clone() *CALIBRATION {
	out := &CALIBRATION{}
	if c == nil {
		return out
	}
	out.UPDATED = c.UPDATED
	for i := 0; i < NCHANNELS; i++ {
		out.Set(ADC, i, c.ADC[i])
		out.Set(DAC, i, c.DAC[i])
	}
	return out
}

// PARAMETERS is the primary configuration model (the typical `config.json`).
type PARAMETERS struct {
	SERIAL      *SERIAL    `json:"SERIAL" yaml:"SERIAL"`
	CALIBRATION *CALCONFIG `json:"CALIBRATION,omitempty" yaml:"CALIBRATION,omitempty"`
	METER       *METER     `json:"METER,omitempty" yaml:"METER,omitempty"`
	SERVER      *SERVER    `json:"SERVER,omitempty" yaml:"SERVER,omitempty"`
	LOG         *LOG       `json:"LOG,omitempty" yaml:"LOG,omitempty"`
	WARMUP      int        `json:"WARMUP,omitempty" yaml:"WARMUP,omitempty"`
	DEBUG       bool       `json:"DEBUG" yaml:"DEBUG"`
}

// SERIAL contains the serial-port connection settings used to talk to the shield.
//
// BACKEND selects the driver: "tarm" (default) or "bugst". TIMEOUTMS bounds a
// single command/response exchange; 0 takes the default and a negative value
// leaves only the caller's context as the bound.
type SERIAL struct {
	PORT        string `json:"PORT" yaml:"PORT"`
	BAUDRATE    int    `json:"BAUDRATE" yaml:"BAUDRATE"`
	BACKEND     string `json:"BACKEND,omitempty" yaml:"BACKEND,omitempty"`
	TIMEOUTMS   int    `json:"TIMEOUTMS,omitempty" yaml:"TIMEOUTMS,omitempty"`
	POLLMS      int    `json:"POLLMS,omitempty" yaml:"POLLMS,omitempty"`
	OPENDELAYMS int    `json:"OPENDELAYMS,omitempty" yaml:"OPENDELAYMS,omitempty"`
}

// CALCONFIG configures the calibration sweep and where its results live.
//
// PATH is the JSON calibration file. When REDIS is set it takes precedence.
type CALCONFIG struct {
	PATH     string `json:"PATH,omitempty" yaml:"PATH,omitempty"`
	REDIS    *REDIS `json:"REDIS,omitempty" yaml:"REDIS,omitempty"`
	SETTLEMS int    `json:"SETTLEMS,omitempty" yaml:"SETTLEMS,omitempty"`
	STEPMS   int    `json:"STEPMS,omitempty" yaml:"STEPMS,omitempty"`
	SAMPLES  int    `json:"SAMPLES,omitempty" yaml:"SAMPLES,omitempty"`
	RECORD   string `json:"RECORD,omitempty" yaml:"RECORD,omitempty"`
}

// REDIS locates a shared calibration table.
type REDIS struct {
	ADDR     string `json:"ADDR" yaml:"ADDR"`
	PASSWORD string `json:"PASSWORD,omitempty" yaml:"PASSWORD,omitempty"`
	DB       int    `json:"DB,omitempty" yaml:"DB,omitempty"`
	KEY      string `json:"KEY,omitempty" yaml:"KEY,omitempty"`
}

// METER selects the reference instrument used during calibration.
//
// KIND is one of "usbtmc", "serial" or "sim".
type METER struct {
	KIND     string `json:"KIND" yaml:"KIND"`
	PORT     string `json:"PORT" yaml:"PORT"`
	BAUDRATE int    `json:"BAUDRATE,omitempty" yaml:"BAUDRATE,omitempty"`
	QUERY    string `json:"QUERY,omitempty" yaml:"QUERY,omitempty"`
}

// SERVER holds the control-server listen address.
type SERVER struct {
	ADDR string `json:"ADDR" yaml:"ADDR"`
}

// LOG configures the structured logger.
type LOG struct {
	LEVEL  string `json:"LEVEL,omitempty" yaml:"LEVEL,omitempty"`
	FORMAT string `json:"FORMAT,omitempty" yaml:"FORMAT,omitempty"`
	OUTPUT string `json:"OUTPUT,omitempty" yaml:"OUTPUT,omitempty"`
	FILE   string `json:"FILE,omitempty" yaml:"FILE,omitempty"`
}

// SWEEP is a recorded calibration sweep, kept for offline refits.
type SWEEP struct {
	DIRECTION string    `json:"DIRECTION"`
	CHANNEL   int       `json:"CHANNEL"`
	X         []float64 `json:"X"`
	Y         []float64 `json:"Y"`
	FIT       *FIT      `json:"FIT,omitempty"`
	TIME      time.Time `json:"TIME"`
}
