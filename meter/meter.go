// Package meter talks to the reference voltmeter used during calibration.
//
// Two links are supported: a Linux USBTMC character device (/dev/usbtmcN)
// and SCPI over a serial line. Both send one query and parse one number.
package meter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CK6170/AnalogShield-go/models"
	"github.com/CK6170/AnalogShield-go/serial"
)

// DefaultQuery asks for one DC voltage reading.
const DefaultQuery = ":MEAS:VOLT:DC?"

// DefaultTimeout bounds one query.
const DefaultTimeout = 3 * time.Second

// Meter is a closable reference meter. Voltage returns once ctx is done even
// if the instrument never answers.
type Meter interface {
	Voltage(ctx context.Context) (float64, error)
	Close() error
}

// Open builds the meter described by cfg. KIND "sim" is not handled here.
func Open(cfg *models.METER) (Meter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing METER")
	}
	switch strings.ToLower(cfg.KIND) {
	case "usbtmc", "":
		path := cfg.PORT
		if path == "" {
			path = "/dev/usbtmc0"
		}
		return OpenUSBTMC(path, cfg.QUERY)
	case "serial":
		return OpenSerial(cfg)
	}
	return nil, fmt.Errorf("unknown METER.KIND %q", cfg.KIND)
}

// USBTMC is a meter behind the kernel usbtmc driver. Each write is one
// message and each read returns one response.
//
// The device read cannot be interrupted, so a query runs on its own
// goroutine and the caller stops waiting at its deadline. busy stays held
// until the abandoned read returns.
type USBTMC struct {
	busy    chan struct{}
	dev     io.ReadWriteCloser
	Query   string
	Timeout time.Duration
}

// OpenUSBTMC opens the character device at path.
func OpenUSBTMC(path, query string) (*USBTMC, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open usbtmc %s: %w", path, err)
	}
	return NewUSBTMC(f, query), nil
}

// NewUSBTMC wraps an already open device.
func NewUSBTMC(dev io.ReadWriteCloser, query string) *USBTMC {
	if query == "" {
		query = DefaultQuery
	}
	return &USBTMC{busy: make(chan struct{}, 1), dev: dev, Query: query, Timeout: DefaultTimeout}
}

func (m *USBTMC) query(ctx context.Context, cmd string) (string, error) {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	select {
	case m.busy <- struct{}{}:
	case <-ctx.Done():
		return "", ctxError(cmd, ctx.Err())
	}

	type result struct {
		s   string
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() { <-m.busy }()
		s, err := m.exchange(cmd)
		done <- result{s, err}
	}()
	select {
	case r := <-done:
		return r.s, r.err
	case <-ctx.Done():
		return "", ctxError(cmd, ctx.Err())
	}
}

func (m *USBTMC) exchange(cmd string) (string, error) {
	if _, err := m.dev.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("usbtmc write %q: %w", cmd, err)
	}
	buf := make([]byte, 4000)
	n, err := m.dev.Read(buf)
	if err != nil && n == 0 {
		return "", fmt.Errorf("usbtmc read: %w", err)
	}
	return string(buf[:n]), nil
}

func ctxError(cmd string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("usbtmc %q: %w: %w", cmd, serial.ErrTimeout, err)
	}
	return fmt.Errorf("usbtmc %q: %w", cmd, err)
}

// Identify returns the *IDN? string.
func (m *USBTMC) Identify(ctx context.Context) (string, error) {
	s, err := m.query(ctx, "*IDN?")
	return strings.TrimSpace(s), err
}

// Voltage implements calibration.ReferenceMeter.
func (m *USBTMC) Voltage(ctx context.Context) (float64, error) {
	s, err := m.query(ctx, m.Query)
	if err != nil {
		return 0, err
	}
	return ParseReading(s)
}

// Close closes the device.
func (m *USBTMC) Close() error { return m.dev.Close() }

// Serial is a SCPI meter on a serial port; responses end with '\n'.
type Serial struct {
	mu      sync.Mutex
	port    serial.Transport
	Query   string
	Timeout time.Duration
	Poll    time.Duration
}

// OpenSerial opens cfg.PORT with the shield's transport layer.
func OpenSerial(cfg *models.METER) (*Serial, error) {
	baud := cfg.BAUDRATE
	if baud <= 0 {
		baud = 9600
	}
	port, err := serial.OpenPort(&models.SERIAL{PORT: cfg.PORT, BAUDRATE: baud})
	if err != nil {
		return nil, err
	}
	return NewSerial(port, cfg.QUERY), nil
}

// NewSerial wraps an open transport.
func NewSerial(port serial.Transport, query string) *Serial {
	if query == "" {
		query = DefaultQuery
	}
	return &Serial{port: port, Query: query, Timeout: DefaultTimeout, Poll: serial.DefaultPoll}
}

// Voltage implements calibration.ReferenceMeter.
func (m *Serial) Voltage(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.port.Write([]byte(m.Query + "\n")); err != nil {
		return 0, fmt.Errorf("meter write: %w", err)
	}
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	line, err := serial.ReadUntil(ctx, m.port, '\n', m.Poll)
	if err != nil {
		return 0, fmt.Errorf("meter read: %w", err)
	}
	return ParseReading(string(line))
}

// Close closes the port.
func (m *Serial) Close() error { return m.port.Close() }

// ParseReading parses a SCPI numeric response such as "-1.234560E+00\n".
func ParseReading(s string) (float64, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad meter reading %q: %w", s, err)
	}
	return v, nil
}
