package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ericogr/multigas-to-mqtt/pkg/protocol"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	// DefaultAddress is group 6, sub-address 3.
	DefaultAddress uint16 = 0x77

	baseAddress = 0x60
	groups      = 8
	perGroup    = 4

	// frames are written to and read from register 0
	register = 0x00
)

// Address returns the bus address for an address group (1..8) and the
// sub-address selected by the A0/A1 straps (0..3).
func Address(group, sub int) (uint16, error) {
	if group < 1 || group > groups {
		return 0, fmt.Errorf("address group %d out of range 1..%d", group, groups)
	}
	if sub < 0 || sub >= perGroup {
		return 0, fmt.Errorf("sub-address %d out of range 0..%d", sub, perGroup-1)
	}
	return uint16(baseAddress + (group-1)*perGroup + sub), nil
}

// ValidAddress reports whether addr is one of the 32 module addresses.
func ValidAddress(addr uint16) bool {
	return addr >= baseAddress && addr < baseAddress+groups*perGroup
}

// I2C talks to a module on an I2C bus.
type I2C struct {
	dev    *i2c.Dev
	closer i2c.BusCloser
	opts   options
}

// OpenI2C initializes the host drivers, opens the named bus ("" for the
// first one) and returns a transport that owns it.
func OpenI2C(bus string, addr uint16, opts ...Option) (*I2C, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	b, err := i2creg.Open(bus)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	t := NewI2C(b, addr, opts...)
	t.closer = b
	return t, nil
}

// NewI2C returns a transport for the module at addr on b.
func NewI2C(b i2c.Bus, addr uint16, opts ...Option) *I2C {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &I2C{dev: &i2c.Dev{Bus: b, Addr: addr}, opts: o}
}

// Send writes f to the frame register. A statically wired module is never
// given up on: failed writes are logged and retried every retry interval
// until they succeed or ctx is done.
func (t *I2C) Send(ctx context.Context, f protocol.Frame) error {
	w := make([]byte, 0, protocol.FrameLen+1)
	w = append(w, register)
	w = append(w, f[:]...)
	for attempt := 1; ; attempt++ {
		err := t.dev.Tx(w, nil)
		if err == nil {
			return nil
		}
		t.opts.log.WithFields(logrus.Fields{
			"addr":    fmt.Sprintf("0x%02X", t.dev.Addr),
			"attempt": attempt,
		}).WithError(err).Warn("i2c write failed, please check connection")
		if t.opts.onRetry != nil {
			t.opts.onRetry(attempt, err)
		}
		if serr := sleep(ctx, t.opts.retryInterval); serr != nil {
			return &FaultError{Op: "write", Err: serr}
		}
	}
}

// Receive reads one frame from the frame register. Failures are returned
// immediately.
func (t *I2C) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := make([]byte, protocol.FrameLen)
	if err := t.dev.Tx([]byte{register}, r); err != nil {
		return nil, &FaultError{Op: "read", Err: err}
	}
	return r, nil
}

// SettleDelay implements Bus.
func (t *I2C) SettleDelay() time.Duration {
	return t.opts.settleDelay
}

// Addr returns the current device address.
func (t *I2C) Addr() uint16 {
	return t.dev.Addr
}

// SetAddr points the transport at a different address on the same bus, for
// example after the module was moved to another address group.
func (t *I2C) SetAddr(addr uint16) {
	t.dev.Addr = addr
}

// Close releases the bus if it was opened by OpenI2C. A bus passed to
// NewI2C belongs to the caller.
func (t *I2C) Close() error {
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

func (t *I2C) String() string {
	return fmt.Sprintf("i2c %s", t.dev.String())
}
