package serial

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Terminator ends every response frame sent by the shield.
const Terminator byte = ';'

// MaxArg is the largest value that fits the 16-bit command argument.
const MaxArg = 0xFFFF

// Command is a two-character identifier plus a 16-bit argument.
type Command struct {
	ID  string
	Arg int
}

// Bytes encodes the command for the wire.
func (c Command) Bytes() ([]byte, error) {
	return Encode(c.ID, c.Arg)
}

// Encode builds `<id><arg high byte><arg low byte>`.
func Encode(id string, arg int) ([]byte, error) {
	if len(id) != 2 {
		return nil, fmt.Errorf("%w: identifier %q must be 2 bytes", ErrInvalidArgument, id)
	}
	if arg < 0 || arg > MaxArg {
		return nil, fmt.Errorf("%w: %s argument %d outside [0, %d]", ErrInvalidArgument, id, arg, MaxArg)
	}
	cmd := []byte(id)
	cmd = append(cmd, byte(arg>>8), byte(arg&0xFF))
	return cmd, nil
}

// VoltsToBits maps volts onto the shield's 16-bit scale, 0 V at midscale.
// No clamp is applied; an out-of-range result is rejected later by Encode.
func VoltsToBits(v float64) int {
	return int(math.Round((13107*v + 65535) / 2))
}

// BitsToVolts is the inverse of VoltsToBits.
func BitsToVolts(bits uint16) float64 {
	return 2*float64(bits)/13107 - 5
}

// PercentToBits scales 0..100 % onto 0..65535 (ramp phase).
func PercentToBits(p float64) int {
	return int(p * MaxArg / 100)
}

// DecodeFields parses a comma-separated list of 16-bit hex words.
func DecodeFields(payload string) ([]uint16, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: no fields", ErrMalformedResponse)
	}
	parts := strings.Split(payload, ",")
	out := make([]uint16, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseUint(p, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d %q: %v", ErrMalformedResponse, i, p, err)
		}
		out = append(out, uint16(v))
	}
	return out, nil
}
