package sensor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the baud rate of the front-end firmware.
	DefaultBaudRate = 115200
	// DefaultTimeout bounds one command/reply exchange.
	DefaultTimeout = 2 * time.Second

	// readPoll is the serial read timeout; reads return empty after it so
	// that the context and the reply deadline are re-checked.
	readPoll = 50 * time.Millisecond
	// maxLine caps a reply line; anything longer is garbage on the wire.
	maxLine = 64
)

// Front-end commands. Each is sent as one byte followed by '\n' and is
// answered by one line starting with the same byte.
const (
	cmdEcho    = 'E'
	cmdADC     = 'A'
	cmdSuspend = 'S'
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Serial talks to the front-end MCU over a serial line.
type Serial struct {
	port     string
	baudRate int
	timeout  time.Duration
	log      logrus.FieldLogger

	open func(name string, mode *serial.Mode) (serial.Port, error)

	mu        sync.Mutex
	conn      io.ReadWriteCloser
	pending   []byte
	connected bool
}

// New creates a new Serial device with the specified port, baud rate and reply timeout.
func New(port string, baudRate int, timeout time.Duration, log logrus.FieldLogger) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Serial{
		port:     port,
		baudRate: baudRate,
		timeout:  timeout,
		log:      log.WithField("port", port),
		open:     serial.Open,
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{
			Name:        name,
			Description: name,
		})
	}

	return result, nil
}

// Connect opens the serial port.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	port, err := d.open(d.port, &serial.Mode{
		BaudRate: d.baudRate,
	})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	if err := port.SetReadTimeout(readPoll); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout on %s: %w", d.port, err)
	}

	d.attach(port)
	d.log.Info("Sensor front-end connected")

	return nil
}

// attach installs an already opened connection. Callers hold d.mu.
func (d *Serial) attach(conn io.ReadWriteCloser) {
	d.conn = conn
	d.pending = d.pending[:0]
	d.connected = true
}

// Close closes the serial port.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	var err error
	if d.conn != nil {
		err = d.conn.Close()
		d.conn = nil
	}
	d.connected = false

	if err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", d.port, err)
	}
	return nil
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Echo fires the trigger pulse and returns the echo pulse width.
func (d *Serial) Echo(ctx context.Context) (time.Duration, error) {
	us, err := d.exchange(ctx, cmdEcho)
	if err != nil {
		return 0, err
	}
	if us == 0 {
		return 0, ErrNoEcho
	}
	return time.Duration(us) * time.Microsecond, nil
}

// Acceleration returns one raw analog sample.
func (d *Serial) Acceleration(ctx context.Context) (int, error) {
	v, err := d.exchange(ctx, cmdADC)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// Suspend asks the front-end to halt. The port stays open; the MCU no
// longer answers anything after acknowledging.
func (d *Serial) Suspend(ctx context.Context) error {
	_, err := d.exchange(ctx, cmdSuspend)
	return err
}

// exchange sends one command and waits for its reply value.
func (d *Serial) exchange(ctx context.Context, cmd byte) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return 0, ErrNotConnected
	}

	if _, err := d.conn.Write([]byte{cmd, '\n'}); err != nil {
		return 0, errors.Wrapf(err, "send %q", cmd)
	}

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	for {
		line, err := d.readLine(ctx, deadline)
		if err != nil {
			return 0, errors.Wrapf(err, "reply to %q", cmd)
		}

		kind, value, err := parseReply(line)
		if err != nil {
			d.log.WithError(err).Warnf("Failed to parse line '%s'", line)
			continue
		}
		if kind != cmd {
			// Stale reply from an earlier timed out exchange
			d.log.Debugf("Skipping reply '%s' while waiting for %q", line, cmd)
			continue
		}
		return value, nil
	}
}

// readLine returns the next non-empty line. Callers hold d.mu.
func (d *Serial) readLine(ctx context.Context, deadline time.Time) (string, error) {
	var buf [maxLine]byte

	for {
		if i := bytes.IndexByte(d.pending, '\n'); i >= 0 {
			line := strings.TrimSpace(string(d.pending[:i]))
			d.pending = append(d.pending[:0], d.pending[i+1:]...)
			if line == "" {
				continue
			}
			return line, nil
		}
		if len(d.pending) > maxLine {
			d.pending = d.pending[:0]
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", ErrTimeout
		}

		n, err := d.conn.Read(buf[:])
		if n > 0 {
			d.pending = append(d.pending, buf[:n]...)
		}
		if err != nil {
			return "", err
		}
	}
}

// parseReply parses a line from the front-end.
// Format: <command>[,<value>]
// Example: E,1470 or A,512 or S
func parseReply(line string) (byte, int64, error) {
	if line == "" {
		return 0, 0, fmt.Errorf("empty reply")
	}

	kind := line[0]
	rest := line[1:]

	if kind == cmdSuspend {
		if rest != "" {
			return 0, 0, fmt.Errorf("unexpected suspend payload %q", rest)
		}
		return kind, 0, nil
	}

	if !strings.HasPrefix(rest, ",") {
		return 0, 0, fmt.Errorf("invalid reply format: %q", line)
	}

	value, err := strconv.ParseInt(rest[1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid value: %w", err)
	}

	switch kind {
	case cmdEcho:
		if value < 0 {
			return 0, 0, fmt.Errorf("negative echo width: %d", value)
		}
	case cmdADC:
		if value < 0 || value > MaxADC {
			return 0, 0, fmt.Errorf("sample out of range: %d (max %d)", value, MaxADC)
		}
	default:
		return 0, 0, fmt.Errorf("unknown reply kind %q", kind)
	}

	return kind, value, nil
}
