package calibration

import (
	"testing"

	"github.com/CK6170/AnalogShield-go/models"
	"github.com/CK6170/AnalogShield-go/serial"
)

func TestPlan(t *testing.T) {
	jobs, err := Plan("both", "all")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 8 {
		t.Fatalf("got %d jobs", len(jobs))
	}
	if jobs[0] != (Job{models.ADC, 0}) || jobs[7] != (Job{models.DAC, 3}) {
		t.Errorf("order = %v", jobs)
	}

	jobs, err = Plan("DAC", "2")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0] != (Job{models.DAC, serial.Channel(2)}) {
		t.Errorf("jobs = %v", jobs)
	}

	if _, err := Plan("adc", "7"); err == nil {
		t.Error("channel 7 accepted")
	}
	if _, err := Plan("xyz", "0"); err == nil {
		t.Error("direction xyz accepted")
	}
}

func TestStateText(t *testing.T) {
	b, err := Fitting.MarshalText()
	if err != nil || string(b) != "fitting" {
		t.Errorf("MarshalText = %q, %v", b, err)
	}
}
