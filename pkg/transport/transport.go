// Package transport carries protocol frames between the host and the gas
// sensor module over I2C, a serial port, or an in-memory simulation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ericogr/multigas-to-mqtt/pkg/protocol"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTimeout is returned by Receive when no bytes arrived before the
	// read deadline.
	ErrTimeout = errors.New("transport: receive timeout")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
)

// FaultError reports an I/O failure on the underlying bus or port.
type FaultError struct {
	Op  string
	Err error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Transport moves frames to and from one sensor module. Implementations are
// not safe for concurrent use; a session owns its transport.
type Transport interface {
	// Send transmits one request frame.
	Send(ctx context.Context, f protocol.Frame) error
	// Receive returns the bytes of one response. The result is not
	// guaranteed to be exactly protocol.FrameLen bytes long.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Bus is implemented by register-style transports. Callers wait
// SettleDelay between a request and reading its response, and poll for
// fresh data with an explicit data-available request.
type Bus interface {
	Transport
	SettleDelay() time.Duration
}

// RetryFunc is called after every failed bus write, before the backoff.
type RetryFunc func(attempt int, err error)

type options struct {
	log           logrus.FieldLogger
	retryInterval time.Duration
	onRetry       RetryFunc
	settleDelay   time.Duration
	sendSettle    time.Duration
	readDeadline  time.Duration
	pollInterval  time.Duration
}

func defaultOptions() options {
	return options{
		log:           logrus.StandardLogger(),
		retryInterval: time.Second,
		settleDelay:   100 * time.Millisecond,
		sendSettle:    time.Second,
		readDeadline:  2 * time.Second,
		pollInterval:  10 * time.Millisecond,
	}
}

// Option configures a transport.
type Option func(*options)

// WithLogger sets the logger used for operator warnings.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithRetryInterval sets the pause between failed I2C writes.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) { o.retryInterval = d }
}

// WithRetryHook registers fn to observe failed I2C writes.
func WithRetryHook(fn RetryFunc) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithSettleDelay sets the delay a session applies between an I2C request
// and its response.
func WithSettleDelay(d time.Duration) Option {
	return func(o *options) { o.settleDelay = d }
}

// WithSendSettle sets how long a serial Send waits after writing.
func WithSendSettle(d time.Duration) Option {
	return func(o *options) { o.sendSettle = d }
}

// WithReadDeadline sets how long a serial Receive waits for data.
func WithReadDeadline(d time.Duration) Option {
	return func(o *options) { o.readDeadline = d }
}

// WithPollInterval sets the idle wait between serial read attempts.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
