package models

import (
	"encoding/json"
	"testing"
)

func TestCalibrationCloneIsDeep(t *testing.T) {
	c := &CALIBRATION{}
	c.Set(ADC, 1, &FIT{SLOPE: 2, INTERCEPT: 1})
	cp := c.Clone()
	cp.ADC[1].SLOPE = 9
	if c.ADC[1].SLOPE != 2 {
		t.Fatalf("clone shares FIT pointers: original slope now %v", c.ADC[1].SLOPE)
	}
	if cp.DAC[1] != nil {
		t.Fatalf("unexpected DAC entry %+v", cp.DAC[1])
	}
}

func TestCalibrationJSONShape(t *testing.T) {
	c := &CALIBRATION{}
	c.Set(DAC, 3, &FIT{SLOPE: 0.5, INTERCEPT: -0.5})
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string][]*FIT
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	if len(raw["adc"]) != NCHANNELS || len(raw["dac"]) != NCHANNELS {
		t.Fatalf("want 4 entries per direction, got %s", b)
	}
	if raw["dac"][3] == nil || raw["dac"][3].INTERCEPT != -0.5 {
		t.Fatalf("dac[3] = %+v", raw["dac"][3])
	}
	if raw["adc"][0] != nil {
		t.Fatalf("adc[0] should be null, got %+v", raw["adc"][0])
	}
}

func TestGetOutOfRange(t *testing.T) {
	var c *CALIBRATION
	if c.Get(ADC, 0) != nil {
		t.Fatal("nil table must yield nil")
	}
	c = &CALIBRATION{}
	c.Set(ADC, 7, &FIT{})
	if c.Get(ADC, 7) != nil || c.Get(DAC, -1) != nil {
		t.Fatal("out-of-range channels must be ignored")
	}
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]Direction{"adc": ADC, "DAC": DAC} {
		got, err := ParseDirection(in)
		if err != nil || got != want {
			t.Errorf("ParseDirection(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDirection("both"); err == nil {
		t.Error("expected error for unknown direction")
	}
}
