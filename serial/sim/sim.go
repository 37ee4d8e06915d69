// Package sim is an in-memory AnalogShield: it speaks the wire protocol,
// keeps DAC and ramp state, loops DAC0 back into the ADC inputs and adds a
// configurable linear error on both paths.
package sim

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/CK6170/AnalogShield-go/serial"
)

// Sent is one decoded command as the device received it.
type Sent struct {
	ID  string
	Arg int
}

func (s Sent) String() string { return fmt.Sprintf("%s(%d)", s.ID, s.Arg) }

// Ramp is the device-side generator state.
type Ramp struct {
	On        bool
	Period    int
	Amplitude int
	Offset    int
	Phase     int
	Function  int
}

// Device implements serial.Transport.
type Device struct {
	mu sync.Mutex

	// Linear error: a DAC commanded to c outputs DACGain*c+DACOffset; an ADC
	// seeing v reports ADCGain*v+ADCOffset.
	DACGain, DACOffset [4]float64
	ADCGain, ADCOffset [4]float64

	// Chunk caps the bytes returned per Read (0 = no cap). Stall zero-byte
	// reads are returned before each chunk.
	Chunk int
	Stall int

	// Mute drops responses; the host then times out.
	Mute bool
	// WriteErr and ReadErr are returned from Write and Read when set.
	WriteErr error
	ReadErr  error

	dac    [4]float64
	ramps  [4]Ramp
	sel    int
	queue  bool
	probe  int
	pinned bool

	in      []byte
	out     []byte
	stalled int
	sent    []Sent
	closed  bool
}

// New returns an ideal device: unity gain, zero offset.
func New() *Device {
	d := &Device{}
	for i := 0; i < 4; i++ {
		d.DACGain[i] = 1
		d.ADCGain[i] = 1
	}
	return d
}

// Write feeds command bytes. Commands may arrive split across writes.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	if d.WriteErr != nil {
		return 0, d.WriteErr
	}
	d.in = append(d.in, p...)
	for len(d.in) >= 4 {
		id := string(d.in[:2])
		arg := int(d.in[2])<<8 | int(d.in[3])
		d.in = d.in[4:]
		d.sent = append(d.sent, Sent{ID: id, Arg: arg})
		resp := d.handle(id, arg)
		if !d.Mute {
			d.out = append(d.out, resp...)
			d.out = append(d.out, serial.Terminator)
		}
	}
	return len(p), nil
}

// Read returns pending response bytes. With nothing pending it returns
// (0, io.EOF), the way an idle tarm port does.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	if d.ReadErr != nil {
		return 0, d.ReadErr
	}
	if len(d.out) == 0 {
		return 0, io.EOF
	}
	if d.stalled < d.Stall {
		d.stalled++
		return 0, nil
	}
	d.stalled = 0
	n := len(p)
	if d.Chunk > 0 && n > d.Chunk {
		n = d.Chunk
	}
	n = copy(p[:n], d.out)
	d.out = d.out[n:]
	return n, nil
}

// Close marks the device closed; later I/O fails.
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Sent returns every command received so far.
func (d *Device) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sent(nil), d.sent...)
}

// ResetLog forgets the command history.
func (d *Device) ResetLog() {
	d.mu.Lock()
	d.sent = nil
	d.mu.Unlock()
}

// Output is the true voltage on DAC ch.
func (d *Device) Output(ch int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dac[ch]
}

// Ramp returns the generator state of ch.
func (d *Device) Ramp(ch int) Ramp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ramps[ch]
}

// Queue reports the queue-mode flag.
func (d *Device) Queue() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue
}

// Probe pins the simulated meter to DAC ch. Until pinned, the meter follows
// the last individually written DAC channel.
func (d *Device) Probe(ch int) {
	d.mu.Lock()
	d.probe = ch
	d.pinned = true
	d.mu.Unlock()
}

func (d *Device) handle(id string, arg int) string {
	switch {
	case id == "va":
		for ch := range d.dac {
			d.setDAC(ch, arg)
		}
		return ""
	case id[0] == 'v' && id[1] >= '0' && id[1] <= '3':
		ch := int(id[1] - '0')
		d.setDAC(ch, arg)
		if !d.pinned {
			d.probe = ch
		}
		return ""
	case id[0] == 'A' && id[1] >= '0' && id[1] <= '3':
		return d.sample(int(id[1]-'0'), arg)
	case id == "rc":
		if arg < 4 {
			d.sel = arg
		}
		return ""
	case id == "r0":
		d.ramps[d.sel].On = false
	case id == "r1":
		d.ramps[d.sel].On = true
	case id == "rp":
		d.ramps[d.sel].Period = arg
	case id == "ra":
		d.ramps[d.sel].Amplitude = arg
	case id == "ro":
		d.ramps[d.sel].Offset = arg
	case id == "rs":
		d.ramps[d.sel].Phase = arg
	case id == "rf":
		d.ramps[d.sel].Function = arg
	case id == "qm":
		d.queue = arg != 0
	}
	return ""
}

func (d *Device) setDAC(ch, bits int) {
	cmd := serial.BitsToVolts(uint16(bits))
	d.dac[ch] = d.DACGain[ch]*cmd + d.DACOffset[ch]
}

// sample answers A<ch>: the ADC inputs are wired to DAC0.
func (d *Device) sample(ch, n int) string {
	v := d.ADCGain[ch]*d.dac[0] + d.ADCOffset[ch]
	b := serial.VoltsToBits(v)
	b = int(math.Max(0, math.Min(serial.MaxArg, float64(b))))
	field := fmt.Sprintf("%04X", b)
	parts := make([]string, n)
	for i := range parts {
		parts[i] = field
	}
	return strings.Join(parts, ",")
}

// Meter reads the true voltage on the probed DAC output.
type Meter struct {
	Device *Device
	// Err, when set, is returned instead of a reading.
	Err error
}

// NewMeter attaches a meter to d.
func NewMeter(d *Device) *Meter { return &Meter{Device: d} }

// Voltage implements the reference-meter capability.
func (m *Meter) Voltage(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.Err != nil {
		return 0, m.Err
	}
	m.Device.mu.Lock()
	defer m.Device.mu.Unlock()
	return m.Device.dac[m.Device.probe], nil
}
