package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/CK6170/AnalogShield-go/models"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Out
	Out = &buf
	t.Cleanup(func() { Out = prev })
	return &buf
}

func TestDebugfDisabled(t *testing.T) {
	buf := capture(t)
	Debugf(false, "hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("got %q", buf.String())
	}
	Debugf(true, "shown %d", 2)
	if !strings.Contains(buf.String(), "[DEBUG] shown 2") {
		t.Errorf("got %q", buf.String())
	}
}

func TestRedWriterReportsInputLength(t *testing.T) {
	var buf bytes.Buffer
	n, err := NewRedWriter(&buf).Write([]byte("boom"))
	if err != nil || n != 4 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if buf.String() != colorRed+"boom"+colorReset {
		t.Errorf("got %q", buf.String())
	}
}

func TestPrintTable(t *testing.T) {
	buf := capture(t)
	c := &models.CALIBRATION{}
	c.Set(models.DAC, 1, &models.FIT{SLOPE: 1.5, INTERCEPT: -0.25})
	PrintTable(c)
	out := buf.String()
	if !strings.Contains(out, "[DAC 1] slope= 1.500000000 intercept=-0.250000000") {
		t.Errorf("missing DAC1 line in %q", out)
	}
	if strings.Count(out, "uncalibrated") != 7 {
		t.Errorf("want 7 uncalibrated slots in %q", out)
	}
}
