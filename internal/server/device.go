package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/CK6170/AnalogShield-go/calibration"
	"github.com/CK6170/AnalogShield-go/meter"
	"github.com/CK6170/AnalogShield-go/models"
	"github.com/CK6170/AnalogShield-go/serial"
	"github.com/CK6170/AnalogShield-go/serial/sim"
	"github.com/sirupsen/logrus"
)

// SimPort selects the in-memory simulator instead of a serial device.
const SimPort = "sim"

// Hardware is an open shield plus its reference meter.
type Hardware struct {
	Shield *serial.Shield
	Meter  calibration.ReferenceMeter
	// Sim is set when SERIAL.PORT is "sim".
	Sim *sim.Device

	closeMeter func() error
}

// Close releases the shield and the meter.
func (h *Hardware) Close() error {
	err := h.Shield.Close()
	if h.closeMeter != nil {
		if merr := h.closeMeter(); err == nil {
			err = merr
		}
	}
	return err
}

// OpenHardware opens the transport described by p.SERIAL, resets the shield
// and opens the meter. Errors are returned, never fatal, so HTTP handlers can
// report them.
func OpenHardware(ctx context.Context, p *models.PARAMETERS, opts serial.Options) (*Hardware, error) {
	if p == nil || p.SERIAL == nil {
		return nil, fmt.Errorf("missing SERIAL")
	}
	if opts.Timeout == 0 && p.SERIAL.TIMEOUTMS != 0 {
		opts.Timeout = time.Duration(p.SERIAL.TIMEOUTMS) * time.Millisecond
	}
	if opts.WarmupSamples == 0 {
		opts.WarmupSamples = p.WARMUP
	}

	h := &Hardware{}
	var t serial.Transport
	if strings.EqualFold(strings.TrimSpace(p.SERIAL.PORT), SimPort) {
		h.Sim = sim.New()
		t = h.Sim
	} else {
		var err error
		if t, err = serial.OpenPort(p.SERIAL); err != nil {
			return nil, err
		}
	}

	sh, err := serial.NewShield(ctx, t, opts)
	if err != nil {
		return nil, fmt.Errorf("shield on %s: %w", p.SERIAL.PORT, err)
	}
	h.Shield = sh

	switch {
	case p.METER != nil && strings.EqualFold(p.METER.KIND, "sim"), h.Sim != nil:
		if h.Sim == nil {
			_ = sh.Close()
			return nil, fmt.Errorf("METER.KIND sim needs SERIAL.PORT sim")
		}
		h.Meter = sim.NewMeter(h.Sim)
	default:
		m, err := meter.Open(p.METER)
		if err != nil {
			// The shield is still usable without a meter; only calibration needs it.
			logger(opts.Log).WithError(err).Warn("reference meter unavailable")
			break
		}
		h.Meter = m
		h.closeMeter = m.Close
	}
	return h, nil
}

func logger(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}
