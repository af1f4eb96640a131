package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ericogr/multigas-to-mqtt/pkg/protocol"
	"github.com/tarm/serial"
)

const (
	DefaultSerialPort = "/dev/ttyAMA0"
	DefaultBaud       = 9600

	// shortest timeout termios can express
	portReadTimeout = 100 * time.Millisecond
)

// Port is the part of a serial port the transport needs. *serial.Port
// implements it.
type Port interface {
	io.ReadWriteCloser
	// Flush discards buffered input and output.
	Flush() error
}

// SerialConfig selects the serial device.
type SerialConfig struct {
	Name string
	Baud int
}

// Serial talks to a module over a UART.
type Serial struct {
	port Port
	name string
	opts options
}

// OpenSerial opens the port as 8N1 with one stop bit.
func OpenSerial(cfg SerialConfig, opts ...Option) (*Serial, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultSerialPort
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		Size:        serial.DefaultSize,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: portReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Name, err)
	}
	s := NewSerial(p, opts...)
	s.name = cfg.Name
	return s, nil
}

// NewSerial wraps an already open port. Reads on p should return after a
// short timeout when no data is pending.
func NewSerial(p Port, opts ...Option) *Serial {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Serial{port: p, opts: o}
}

// Send writes the frame and then lets the module settle before returning.
func (s *Serial) Send(ctx context.Context, f protocol.Frame) error {
	if _, err := s.port.Write(f[:]); err != nil {
		return &FaultError{Op: "write", Err: err}
	}
	return sleep(ctx, s.opts.sendSettle)
}

// Receive waits up to the read deadline for the module to answer. Once bytes
// arrive it drains whatever else is pending, discards the rest of the input
// buffer and returns everything it read, whatever its length.
func (s *Serial) Receive(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(s.opts.readDeadline)
	buf := make([]byte, 64)
	var got []byte
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
			// a port that never goes idle still ends at the deadline
			if ctx.Err() == nil && time.Now().Before(deadline) {
				continue
			}
			return s.flushed(got), nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, &FaultError{Op: "read", Err: err}
		}
		if len(got) > 0 {
			return s.flushed(got), nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}
		if serr := sleep(ctx, s.opts.pollInterval); serr != nil {
			return nil, serr
		}
	}
}

func (s *Serial) flushed(got []byte) []byte {
	if err := s.port.Flush(); err != nil {
		s.opts.log.WithError(err).Debug("serial flush failed")
	}
	return got
}

// Close closes the port.
func (s *Serial) Close() error {
	return s.port.Close()
}

func (s *Serial) String() string {
	if s.name == "" {
		return "serial"
	}
	return "serial " + s.name
}
