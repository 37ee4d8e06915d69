package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds one command/response exchange when the caller's
// context carries no earlier deadline.
const DefaultTimeout = 2 * time.Second

// Conn runs the command/response protocol over a Transport. Only one
// exchange is in flight at a time; concurrent callers queue on the mutex.
type Conn struct {
	mu sync.Mutex
	t  Transport

	// Timeout caps each Transact; 0 means only ctx bounds it.
	Timeout time.Duration
	// Poll is the pause after a read that returned nothing.
	Poll time.Duration
	Log  logrus.FieldLogger
	// OnTransact, when set, observes every exchange (metrics).
	OnTransact func(id string, d time.Duration, err error)
}

// NewConn wraps t with the default timeout and poll interval.
func NewConn(t Transport) *Conn {
	return &Conn{
		t:       t,
		Timeout: DefaultTimeout,
		Poll:    time.Millisecond,
		Log:     logrus.StandardLogger(),
	}
}

// Transact writes cmd and blocks until a terminated response arrives, the
// timeout expires, or ctx is done. The terminator is stripped.
func (c *Conn) Transact(ctx context.Context, cmd Command) (string, error) {
	frame, err := cmd.Bytes()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	resp, err := c.exchange(ctx, frame)
	if c.OnTransact != nil {
		c.OnTransact(cmd.ID, time.Since(start), err)
	}
	if err != nil {
		return "", fmt.Errorf("%s(%d): %w", cmd.ID, cmd.Arg, err)
	}
	return resp, nil
}

func (c *Conn) exchange(ctx context.Context, frame []byte) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	if c.Log != nil {
		c.Log.WithField("cmd", string(frame[:2])).Debugf("tx % X", frame)
	}
	if _, err := c.t.Write(frame); err != nil {
		return "", fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	data, err := ReadUntil(ctx, c.t, Terminator, c.Poll)
	if err != nil {
		return "", err
	}
	if c.Log != nil {
		c.Log.WithField("cmd", string(frame[:2])).Debugf("rx %q", data)
	}
	return latin1(data[:len(data)-1]), nil
}

// Close releases the underlying transport.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.Close()
}

// ReadUntil accumulates bytes from r until the last buffered byte is term.
//
// Reads returning no data (including io.EOF from an idle port) are retried
// after poll. The loop ends with ErrTimeout when ctx's deadline passes and
// with ErrTransport on any other read error. The returned slice keeps term.
func ReadUntil(ctx context.Context, r io.Reader, term byte, poll time.Duration) ([]byte, error) {
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 256)
	for {
		n, err := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if buf[len(buf)-1] == term {
				return buf, nil
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return buf, fmt.Errorf("%w: read: %v; got %d bytes; raw_hex=%s", ErrTransport, err, len(buf), hexDump(buf))
		}
		if cerr := ctx.Err(); cerr != nil {
			return buf, ctxError(cerr, buf)
		}
		if n == 0 && poll > 0 {
			t := time.NewTimer(poll)
			select {
			case <-ctx.Done():
				t.Stop()
				return buf, ctxError(ctx.Err(), buf)
			case <-t.C:
			}
		}
	}
}

func ctxError(err error, buf []byte) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w; got %d bytes; raw_hex=%s", ErrTimeout, len(buf), hexDump(buf))
	}
	return fmt.Errorf("%w; got %d bytes; raw_hex=%s", err, len(buf), hexDump(buf))
}

func hexDump(b []byte) string {
	parts := make([]string, 0, len(b))
	for _, x := range b {
		parts = append(parts, fmt.Sprintf("%02X", x))
	}
	return strings.Join(parts, " ")
}

// latin1 maps every byte to the rune of the same value.
func latin1(b []byte) string {
	r := make([]rune, len(b))
	for i, x := range b {
		r[i] = rune(x)
	}
	return string(r)
}
