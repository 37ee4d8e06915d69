package serial

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/CK6170/AnalogShield-go/models"
	goserial "github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// Transport is the byte-stream duplex channel to the shield.
//
// Read must not block indefinitely: it returns whatever is available, which
// may be nothing. Both backends below are configured with a short read
// timeout so an idle Read comes back with zero bytes.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Serial defaults for the shield firmware.
const (
	DefaultBaud      = 2000000
	DefaultPoll      = 10 * time.Millisecond
	DefaultOpenDelay = 3 * time.Second
)

// OpenPort opens the configured serial device and waits OPENDELAYMS so the
// first bytes are not lost while the board resets.
func OpenPort(ser *models.SERIAL) (Transport, error) {
	if ser == nil {
		return nil, fmt.Errorf("missing SERIAL")
	}
	if strings.TrimSpace(ser.PORT) == "" {
		return nil, fmt.Errorf("missing SERIAL.PORT")
	}
	baud := ser.BAUDRATE
	if baud <= 0 {
		baud = DefaultBaud
	}
	poll := time.Duration(ser.POLLMS) * time.Millisecond
	if poll <= 0 {
		poll = DefaultPoll
	}

	var (
		t   Transport
		err error
	)
	switch strings.ToLower(strings.TrimSpace(ser.BACKEND)) {
	case "", "tarm":
		t, err = openTarm(ser.PORT, baud, poll)
	case "bugst":
		t, err = openBugst(ser.PORT, baud, poll)
	default:
		return nil, fmt.Errorf("unknown SERIAL.BACKEND %q (want tarm or bugst)", ser.BACKEND)
	}
	if err != nil {
		return nil, err
	}
	if ser.OPENDELAYMS > 0 {
		time.Sleep(time.Duration(ser.OPENDELAYMS) * time.Millisecond)
	}
	return t, nil
}

func openTarm(name string, baud int, poll time.Duration) (Transport, error) {
	config := &goserial.Config{
		Name:        name,
		Baud:        baud,
		Parity:      goserial.ParityNone,
		Size:        8,
		StopBits:    goserial.Stop1,
		ReadTimeout: poll,
	}
	port, err := goserial.OpenPort(config)
	if err != nil {
		return nil, fmt.Errorf("open serial %s failed: %w", name, err)
	}
	return port, nil
}

func openBugst(name string, baud int, poll time.Duration) (Transport, error) {
	mode := &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	port, err := bugst.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s failed: %w", name, err)
	}
	if err := port.SetReadTimeout(poll); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	return port, nil
}
