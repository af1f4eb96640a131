package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ericogr/multigas-to-mqtt/pkg/gas"
	"github.com/ericogr/multigas-to-mqtt/pkg/protocol"
	"github.com/ericogr/multigas-to-mqtt/pkg/thermistor"
	"github.com/ericogr/multigas-to-mqtt/pkg/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrThresholdRange is returned when a scaled alarm threshold does not
	// fit in 16 bits.
	ErrThresholdRange = errors.New("sensor: alarm threshold out of range")
	// ErrAddressGroup is returned for address groups outside 1..8.
	ErrAddressGroup = errors.New("sensor: address group out of range 1..8")
	// ErrNotAddressable is returned by address calls on a session whose
	// transport is not I2C.
	ErrNotAddressable = errors.New("sensor: transport has no i2c address")
)

// AcquireMode selects whether the module pushes readings on its own or
// answers requests.
type AcquireMode byte

const (
	Initiative AcquireMode = 0x03
	Passive    AcquireMode = 0x04
)

func (m AcquireMode) String() string {
	switch m {
	case Initiative:
		return "initiative"
	case Passive:
		return "passive"
	}
	return fmt.Sprintf("mode(0x%02X)", byte(m))
}

// AlarmMethod selects which side of the threshold trips the alarm pin.
type AlarmMethod byte

const (
	AlarmLow  AlarmMethod = 0x00
	AlarmHigh AlarmMethod = 0x01
)

// Session issues commands to one module. Each method is a complete
// request/response round trip; methods may be called from several
// goroutines but are serialized.
//
// Failures are reported twice: the method returns its sentinel value (0,
// false or gas.Unknown) and an error saying why. Polling callers may ignore
// the error and keep going.
type Session struct {
	mu     sync.Mutex
	t      transport.Transport
	name   string
	log    logrus.FieldLogger
	table  gas.Table
	settle time.Duration
	fixed  bool
	topts  []transport.Option

	compensate bool
	boardTemp  float64
	rawTemp    uint16
	gasType    gas.Type
	unit       string
	last       float64
	lastAt     time.Time
}

type Option func(*Session)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) { s.log = l }
}

func WithName(name string) Option {
	return func(s *Session) { s.name = name }
}

// WithCalibration replaces the default compensation table.
func WithCalibration(tb gas.Table) Option {
	return func(s *Session) { s.table = tb }
}

// WithSettleDelay overrides the delay between request and response on
// register-style transports.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Session) {
		s.settle = d
		s.fixed = true
	}
}

// WithTransportOptions passes options to the transport opened by New.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(s *Session) { s.topts = append(s.topts, opts...) }
}

// NewSession returns a session that owns t.
func NewSession(t transport.Transport, opts ...Option) *Session {
	s := &Session{
		t:       t,
		name:    "multigas",
		log:     logrus.StandardLogger(),
		table:   gas.DefaultTable(),
		gasType: gas.Unknown,
	}
	for _, fn := range opts {
		fn(s)
	}
	s.log = s.log.WithField("sensor", s.name)
	return s
}

func (s *Session) Name() string { return s.name }

// Close closes the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.Close()
}

func (s *Session) settleDelay() time.Duration {
	b, ok := s.t.(transport.Bus)
	if !ok {
		return 0
	}
	if s.fixed {
		return s.settle
	}
	return b.SettleDelay()
}

func (s *Session) exchange(ctx context.Context, op protocol.Opcode, params [5]byte) (protocol.Frame, error) {
	req := protocol.BuildRequest(op, params)
	if err := s.t.Send(ctx, req); err != nil {
		return protocol.Frame{}, fmt.Errorf("%s: %w", op, err)
	}
	if d := s.settleDelay(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return protocol.Frame{}, fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
	return s.receive(ctx, op)
}

func (s *Session) receive(ctx context.Context, op protocol.Opcode) (protocol.Frame, error) {
	b, err := s.t.Receive(ctx)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("%s: %w", op, err)
	}
	resp, err := protocol.Parse(b)
	if err != nil {
		s.log.WithFields(logrus.Fields{"op": op.String(), "frame": fmt.Sprintf("% X", b)}).Debug("invalid response")
		return protocol.Frame{}, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// decode updates gas type and raw temperature from a concentration frame
// and returns the scaled, uncompensated concentration.
func (s *Session) decode(resp protocol.Frame) float64 {
	s.gasType, s.unit = gas.Classify(resp[4])
	s.rawTemp = resp.Word(6)
	v := float64(resp.Word(2))
	switch resp[5] {
	case 1:
		v *= 0.1
	case 2:
		v *= 0.01
	}
	return v
}

func (s *Session) setBoardTemp(c float64) {
	if !math.IsNaN(c) {
		s.boardTemp = c
	}
}

// SetAcquireMode switches between passive and initiative reporting.
func (s *Session) SetAcquireMode(ctx context.Context, mode AcquireMode) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, err := s.exchange(ctx, protocol.OpSetAcquireMode, [5]byte{byte(mode)})
	if err != nil {
		return false, err
	}
	return resp[2] == 1, nil
}

// ReadConcentration returns the current concentration in the unit of the
// installed probe, compensated for board temperature when enabled.
func (s *Session) ReadConcentration(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readConcentration(ctx)
}

func (s *Session) readConcentration(ctx context.Context) (float64, error) {
	resp, err := s.exchange(ctx, protocol.OpReadConcentration, [5]byte{})
	if err != nil {
		return 0, err
	}
	v := s.decode(resp)
	if s.compensate {
		t, terr := s.readTemperature(ctx)
		if terr != nil {
			t = s.boardTemp
			s.log.WithError(terr).WithField("board_temp_c", t).Warn("temperature refresh failed, using last value")
		}
		v = s.table.Correct(s.gasType, v, t, true)
	}
	s.last, s.lastAt = v, time.Now()
	return v, nil
}

// ReadGasType returns the probe currently installed.
func (s *Session) ReadGasType(ctx context.Context) (gas.Type, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, err := s.exchange(ctx, protocol.OpReadConcentration, [5]byte{})
	if err != nil {
		return gas.Unknown, err
	}
	s.decode(resp)
	return s.gasType, nil
}

// SetThresholdAlarm arms or disarms the alarm pin. threshold is given in
// the unit the probe reports and scaled to the module's fixed point
// encoding, so the gas type is refreshed first.
func (s *Session) SetThresholdAlarm(ctx context.Context, enabled bool, threshold int, method AlarmMethod) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, err := s.exchange(ctx, protocol.OpReadConcentration, [5]byte{})
	if err != nil {
		return false, fmt.Errorf("refresh gas type: %w", err)
	}
	s.decode(resp)

	scaled := threshold * int(gas.ThresholdScale(s.gasType))
	if threshold < 0 || scaled > math.MaxUint16 {
		return false, fmt.Errorf("%w: %d %s", ErrThresholdRange, threshold, s.unit)
	}
	var on byte
	if enabled {
		on = 1
	}
	resp, err = s.exchange(ctx, protocol.OpSetThresholdAlarm, [5]byte{on, byte(scaled >> 8), byte(scaled), byte(method)})
	if err != nil {
		return false, err
	}
	return resp[2] == 1, nil
}

// ReadTemperature returns the board temperature in Celsius. A thermistor
// reading at the edge of its range yields NaN.
func (s *Session) ReadTemperature(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTemperature(ctx)
}

func (s *Session) readTemperature(ctx context.Context) (float64, error) {
	resp, err := s.exchange(ctx, protocol.OpReadTemperature, [5]byte{})
	if err != nil {
		return 0, err
	}
	s.rawTemp = resp.Word(2)
	c, err := thermistor.ADCToCelsius(s.rawTemp)
	if err != nil {
		return c, fmt.Errorf("%s: %w", protocol.OpReadTemperature, err)
	}
	s.setBoardTemp(c)
	return c, nil
}

// SetTempCompensation turns compensation on or off and refreshes the
// cached board temperature. The flag is changed even if the refresh fails.
func (s *Session) SetTempCompensation(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compensate = enabled
	_, err := s.readTemperature(ctx)
	return err
}

// TempCompensation reports whether compensation is enabled.
func (s *Session) TempCompensation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compensate
}

// ReadVoltage returns the probe output voltage.
func (s *Session) ReadVoltage(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, err := s.exchange(ctx, protocol.OpReadVoltage, [5]byte{})
	if err != nil {
		return 0, err
	}
	return float64(resp.Word(2)) * 3.0 / 1024 * 2, nil
}

// SetAddressGroup moves the module to another I2C address group and
// returns the new address it reports. The transport keeps talking to the
// old address.
func (s *Session) SetAddressGroup(ctx context.Context, group int) (byte, bool, error) {
	if group < 1 || group > 8 {
		return 0, false, fmt.Errorf("%w: %d", ErrAddressGroup, group)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, err := s.exchange(ctx, protocol.OpSetAddressGroup, [5]byte{byte(group)})
	if err != nil {
		return 0, false, err
	}
	return resp[2], true, nil
}

// Address returns the I2C address the session talks to.
func (s *Session) Address() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.t.(*transport.I2C)
	if !ok {
		return 0, ErrNotAddressable
	}
	return t.Addr(), nil
}

// SetAddress points the session at another I2C address, typically the one
// reported by SetAddressGroup.
func (s *Session) SetAddress(addr uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.t.(*transport.I2C)
	if !ok {
		return ErrNotAddressable
	}
	if !transport.ValidAddress(addr) {
		return fmt.Errorf("i2c address 0x%02X out of range 0x60..0x7F", addr)
	}
	t.SetAddr(addr)
	return nil
}

// PollAvailable checks for a fresh reading and decodes it when present.
// On a bus it asks the module; on a serial port in initiative mode it
// consumes the frame the module pushed. The decoded sample is available
// from Last.
func (s *Session) PollAvailable(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		resp protocol.Frame
		err  error
	)
	if _, ok := s.t.(transport.Bus); ok {
		resp, err = s.exchange(ctx, protocol.OpDataAvailable, [5]byte{})
	} else {
		resp, err = s.receive(ctx, protocol.OpDataAvailable)
	}
	if err != nil {
		return false, err
	}
	v := s.decode(resp)
	c, terr := thermistor.ADCToCelsius(s.rawTemp)
	if terr == nil {
		s.setBoardTemp(c)
	}
	if s.compensate {
		v = s.table.Correct(s.gasType, v, s.boardTemp, true)
	}
	s.last, s.lastAt = v, time.Now()
	return true, nil
}

// Read performs a concentration query and returns it with the decoded
// gas, unit and board temperature.
func (s *Session) Read(ctx context.Context) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.readConcentration(ctx); err != nil {
		return Reading{}, err
	}
	if !s.compensate {
		if c, err := thermistor.ADCToCelsius(s.rawTemp); err == nil {
			s.setBoardTemp(c)
		}
	}
	return s.reading(), nil
}

// Last returns the most recent sample without talking to the module.
func (s *Session) Last() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading()
}

func (s *Session) reading() Reading {
	return Reading{
		Sensor:        s.name,
		Concentration: s.last,
		Gas:           s.gasType,
		Unit:          s.unit,
		RawADCTemp:    s.rawTemp,
		BoardTempC:    s.boardTemp,
		Timestamp:     s.lastAt,
	}
}
