package meter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/CK6170/AnalogShield-go/serial"
)

// instrument answers every write with the next canned reply.
type instrument struct {
	replies []string
	pending []byte
	written bytes.Buffer
	chunk   int
}

func (f *instrument) Write(p []byte) (int, error) {
	f.written.Write(p)
	if len(f.replies) > 0 {
		f.pending = append(f.pending, f.replies[0]...)
		f.replies = f.replies[1:]
	}
	return len(p), nil
}

func (f *instrument) Read(p []byte) (int, error) {
	if len(f.pending) == 0 {
		return 0, io.EOF
	}
	n := len(p)
	if f.chunk > 0 && n > f.chunk {
		n = f.chunk
	}
	n = copy(p[:n], f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *instrument) Close() error { return nil }

func TestParseReading(t *testing.T) {
	tests := map[string]float64{
		"-1.234560E+00\n": -1.23456,
		" 5.0012 ":        5.0012,
		"0":               0,
	}
	for in, want := range tests {
		got, err := ParseReading(in)
		if err != nil || got != want {
			t.Errorf("ParseReading(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseReading("OVLD"); err == nil {
		t.Error("OVLD parsed")
	}
}

func TestUSBTMCVoltage(t *testing.T) {
	dev := &instrument{replies: []string{"2.500000E+00\n", "RIGOL TECHNOLOGIES,DM3058\n"}}
	m := NewUSBTMC(dev, "")
	v, err := m.Voltage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != 2.5 {
		t.Errorf("v = %v", v)
	}
	if got := dev.written.String(); got != DefaultQuery {
		t.Errorf("wrote %q", got)
	}
	id, err := m.Identify(context.Background())
	if err != nil || id != "RIGOL TECHNOLOGIES,DM3058" {
		t.Errorf("Identify = %q, %v", id, err)
	}
}

func TestSerialVoltageChunked(t *testing.T) {
	dev := &instrument{replies: []string{"-4.99870E+00\r\n"}, chunk: 2}
	m := NewSerial(dev, ":READ?")
	m.Poll = time.Millisecond
	v, err := m.Voltage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != -4.9987 {
		t.Errorf("v = %v", v)
	}
	if got := dev.written.String(); got != ":READ?\n" {
		t.Errorf("wrote %q", got)
	}
}

func TestSerialVoltageTimeout(t *testing.T) {
	m := NewSerial(&instrument{}, "")
	m.Timeout = 20 * time.Millisecond
	m.Poll = time.Millisecond
	if _, err := m.Voltage(context.Background()); !errors.Is(err, serial.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

// stuck never answers a read until release is closed.
type stuck struct {
	instrument
	release chan struct{}
}

func (f *stuck) Read(p []byte) (int, error) {
	<-f.release
	return f.instrument.Read(p)
}

func TestUSBTMCVoltageDeadline(t *testing.T) {
	dev := &stuck{instrument: instrument{replies: []string{"1.0\n", "2.0\n"}}, release: make(chan struct{})}
	m := NewUSBTMC(dev, "")
	m.Timeout = 0

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := m.Voltage(ctx); !errors.Is(err, serial.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("returned after %v", d)
	}

	m.Timeout = 20 * time.Millisecond
	if _, err := m.Voltage(context.Background()); !errors.Is(err, serial.ErrTimeout) {
		t.Fatalf("second query while the first is stuck: %v", err)
	}

	close(dev.release)
	m.Timeout = time.Second
	v, err := m.Voltage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Errorf("v = %v", v)
	}
}

func TestSerialVoltageCanceled(t *testing.T) {
	m := NewSerial(&instrument{}, "")
	m.Poll = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Voltage(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
