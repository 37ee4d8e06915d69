package server

import (
	"time"

	"github.com/CK6170/AnalogShield-go/calibration"
	"github.com/CK6170/AnalogShield-go/models"
)

// APIError is the canonical error envelope returned by JSON endpoints.
type APIError struct {
	Error string `json:"error"`
}

// HealthResponse is returned by /api/health to confirm the server is running.
type HealthResponse struct {
	OK        bool      `json:"ok"`
	Connected bool      `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectRequest optionally overrides the configured serial port.
type ConnectRequest struct {
	Port string `json:"port,omitempty"`
}

// ConnectResponse is returned by /api/connect.
type ConnectResponse struct {
	Connected bool   `json:"connected"`
	Port      string `json:"port"`
	Backend   string `json:"backend,omitempty"`
	Warning   string `json:"warning,omitempty"`
}

// ReadResponse carries the samples of one analog read.
type ReadResponse struct {
	Channel int       `json:"channel"`
	Raw     bool      `json:"raw"`
	Samples []float64 `json:"samples"`
	Mean    float64   `json:"mean"`
}

// WriteRequest sets a DAC output. Raw skips the correction.
type WriteRequest struct {
	Volts float64 `json:"volts"`
	Raw   bool    `json:"raw,omitempty"`
}

// RampRequest changes any subset of a channel's generator settings. Fields
// left out keep their current value.
type RampRequest struct {
	On        *bool    `json:"on,omitempty"`
	PeriodMS  *int     `json:"periodMs,omitempty"`
	Amplitude *float64 `json:"amplitude,omitempty"`
	Offset    *float64 `json:"offset,omitempty"`
	Phase     *float64 `json:"phase,omitempty"`
	Function  *string  `json:"function,omitempty"`
}

// RampDTO is the JSON view of serial.RampConfig.
type RampDTO struct {
	Channel   int     `json:"channel"`
	On        bool    `json:"on"`
	PeriodMS  int     `json:"periodMs"`
	Amplitude float64 `json:"amplitude"`
	Offset    float64 `json:"offset"`
	Phase     float64 `json:"phase"`
	Function  string  `json:"function"`
}

// QueueRequest toggles queue mode.
type QueueRequest struct {
	On bool `json:"on"`
}

// CalStartRequest selects what to calibrate. Channel may be "all" and
// Direction may be "both".
type CalStartRequest struct {
	Channel   string `json:"channel"`
	Direction string `json:"direction"`
}

// CalStartResponse identifies the calibration run.
type CalStartResponse struct {
	RunID string `json:"runId"`
	Jobs  int    `json:"jobs"`
}

// CalStatusResponse is returned by GET /api/calibration.
type CalStatusResponse struct {
	Table   *models.CALIBRATION   `json:"table"`
	Running bool                  `json:"running"`
	RunID   string                `json:"runId,omitempty"`
	Last    *calibration.Progress `json:"last,omitempty"`
}
