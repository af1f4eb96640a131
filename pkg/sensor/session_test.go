package sensor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ericogr/multigas-to-mqtt/pkg/config"
	"github.com/ericogr/multigas-to-mqtt/pkg/gas"
	"github.com/ericogr/multigas-to-mqtt/pkg/protocol"
	"github.com/ericogr/multigas-to-mqtt/pkg/thermistor"
	"github.com/ericogr/multigas-to-mqtt/pkg/transport"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func newSimSession(t *testing.T, p transport.SimProbe) (*Session, *transport.Sim) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	sim := transport.NewSim(p)
	return NewSession(sim, WithLogger(logger), WithName("test")), sim
}

func response(op protocol.Opcode, payload ...byte) protocol.Frame {
	var f protocol.Frame
	f[0] = 0xFF
	f[1] = byte(op)
	copy(f[2:8], payload)
	f[8] = protocol.Checksum(f)
	return f
}

func opcodes(frames []protocol.Frame) []protocol.Opcode {
	out := make([]protocol.Opcode, 0, len(frames))
	for _, f := range frames {
		out = append(out, protocol.Opcode(f[2]))
	}
	return out
}

func TestReadConcentrationResolution(t *testing.T) {
	tests := []struct {
		res  byte
		want float64
	}{
		{0, 100},
		{1, 10},
		{2, 1},
		{7, 100},
	}
	for _, tt := range tests {
		s, _ := newSimSession(t, transport.SimProbe{Gas: 0x04, Raw: 0x0064, Resolution: tt.res, TempADC: 512})
		got, err := s.ReadConcentration(context.Background())
		require.NoError(t, err)
		require.InDeltaf(t, tt.want, got, 1e-9, "resolution %d", tt.res)
	}
}

func TestReadConcentrationOverI2C(t *testing.T) {
	req := protocol.BuildRequest(protocol.OpReadConcentration, [5]byte{})
	require.Equal(t, byte(0x79), req[8])
	resp := response(protocol.OpReadConcentration, 0x00, 0x64, 0x04, 0x01, 0x02, 0x00)
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x77, W: append([]byte{0x00}, req[:]...)},
			{Addr: 0x77, W: []byte{0x00}, R: resp[:]},
		},
		DontPanic: true,
	}
	logger, _ := test.NewNullLogger()
	s := NewSession(transport.NewI2C(bus, transport.DefaultAddress), WithLogger(logger), WithSettleDelay(time.Millisecond))

	got, err := s.ReadConcentration(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 10.0, got, 1e-9)
	require.NoError(t, bus.Close())

	r := s.Last()
	require.Equal(t, gas.CO, r.Gas)
	require.Equal(t, "ppm", r.Unit)
	require.Equal(t, uint16(512), r.RawADCTemp)
}

func TestSetThresholdAlarmScaling(t *testing.T) {
	s, sim := newSimSession(t, transport.SimProbe{Gas: 0x2A})
	ok, err := s.SetThresholdAlarm(context.Background(), true, 18, AlarmHigh)
	require.NoError(t, err)
	require.True(t, ok)

	reqs := sim.Requests()
	require.Equal(t, []protocol.Opcode{protocol.OpReadConcentration, protocol.OpSetThresholdAlarm}, opcodes(reqs))
	require.Equal(t, protocol.BuildRequest(protocol.OpSetThresholdAlarm, [5]byte{1, 0x00, 0xB4, 0x01}), reqs[1])
	p := sim.Probe()
	require.Equal(t, uint16(180), p.Threshold)
	require.True(t, p.AlarmEnabled)

	s, sim = newSimSession(t, transport.SimProbe{Gas: 0x04})
	ok, err = s.SetThresholdAlarm(context.Background(), false, 18, AlarmLow)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint16(18), sim.Probe().Threshold)
	require.False(t, sim.Probe().AlarmEnabled)
	require.Equal(t, byte(AlarmLow), sim.Probe().AlarmMethod)
}

func TestSetThresholdAlarmRange(t *testing.T) {
	s, sim := newSimSession(t, transport.SimProbe{Gas: 0x2A})
	ok, err := s.SetThresholdAlarm(context.Background(), true, 7000, AlarmHigh)
	require.ErrorIs(t, err, ErrThresholdRange)
	require.False(t, ok)
	require.Equal(t, []protocol.Opcode{protocol.OpReadConcentration}, opcodes(sim.Requests()))

	_, err = s.SetThresholdAlarm(context.Background(), true, -1, AlarmHigh)
	require.ErrorIs(t, err, ErrThresholdRange)
}

func TestChecksumSentinels(t *testing.T) {
	ctx := context.Background()
	s, sim := newSimSession(t, transport.SimProbe{Gas: 0x04, Raw: 100, TempADC: 512, VoltageADC: 300})

	sim.CorruptNext(1)
	c, err := s.ReadConcentration(ctx)
	require.ErrorIs(t, err, protocol.ErrChecksum)
	require.Equal(t, 0.0, c)

	sim.CorruptNext(1)
	g, err := s.ReadGasType(ctx)
	require.ErrorIs(t, err, protocol.ErrChecksum)
	require.Equal(t, gas.Unknown, g)

	sim.CorruptNext(1)
	ok, err := s.SetAcquireMode(ctx, Passive)
	require.ErrorIs(t, err, protocol.ErrChecksum)
	require.False(t, ok)

	sim.CorruptNext(1)
	ok, err = s.SetThresholdAlarm(ctx, true, 10, AlarmHigh)
	require.ErrorIs(t, err, protocol.ErrChecksum)
	require.False(t, ok)

	sim.CorruptNext(1)
	temp, err := s.ReadTemperature(ctx)
	require.ErrorIs(t, err, protocol.ErrChecksum)
	require.Equal(t, 0.0, temp)

	sim.CorruptNext(1)
	v, err := s.ReadVoltage(ctx)
	require.ErrorIs(t, err, protocol.ErrChecksum)
	require.Equal(t, 0.0, v)

	sim.CorruptNext(1)
	addr, ok, err := s.SetAddressGroup(ctx, 2)
	require.ErrorIs(t, err, protocol.ErrChecksum)
	require.False(t, ok)
	require.Equal(t, byte(0), addr)

	sim.CorruptNext(1)
	ok, err = s.PollAvailable(ctx)
	require.ErrorIs(t, err, protocol.ErrChecksum)
	require.False(t, ok)

	sim.CorruptNext(1)
	r, err := s.Read(ctx)
	require.ErrorIs(t, err, protocol.ErrChecksum)
	require.Equal(t, Reading{}, r)

	for _, f := range sim.Requests() {
		require.True(t, protocol.Validate(f), "request %s", f)
	}
}

func TestTransportFaultSentinel(t *testing.T) {
	s, sim := newSimSession(t, transport.SimProbe{Gas: 0x04, Raw: 100})
	sim.FailNext(1)
	c, err := s.ReadConcentration(context.Background())
	require.Equal(t, 0.0, c)
	var fe *transport.FaultError
	require.ErrorAs(t, err, &fe)
}

// scripted is a stream transport that replays canned responses.
type scripted struct {
	sent      []protocol.Frame
	responses [][]byte
}

func (s *scripted) Send(_ context.Context, f protocol.Frame) error {
	s.sent = append(s.sent, f)
	return nil
}

func (s *scripted) Receive(context.Context) ([]byte, error) {
	if len(s.responses) == 0 {
		return nil, transport.ErrTimeout
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

func (s *scripted) Close() error { return nil }

func TestShortFrameIsFailure(t *testing.T) {
	resp := response(protocol.OpReadConcentration, 0x00, 0x64, 0x04, 0x00, 0x02, 0x00)
	tr := &scripted{responses: [][]byte{resp[:8]}}
	logger, _ := test.NewNullLogger()
	s := NewSession(tr, WithLogger(logger))

	c, err := s.ReadConcentration(context.Background())
	require.ErrorIs(t, err, protocol.ErrFrameLength)
	require.Equal(t, 0.0, c)

	c, err = s.ReadConcentration(context.Background())
	require.ErrorIs(t, err, transport.ErrTimeout)
	require.Equal(t, 0.0, c)
}

func TestPollAvailableStream(t *testing.T) {
	pushed := response(protocol.OpReadConcentration, 0x00, 0x2D, 0x05, 0x01, 0x02, 0x00)
	tr := &scripted{responses: [][]byte{pushed[:]}}
	logger, _ := test.NewNullLogger()
	s := NewSession(tr, WithLogger(logger), WithName("uart"))

	ok, err := s.PollAvailable(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, tr.sent)

	r := s.Last()
	require.Equal(t, "uart", r.Sensor)
	require.Equal(t, gas.O2, r.Gas)
	require.Equal(t, "%", r.Unit)
	require.InDelta(t, 4.5, r.Concentration, 1e-9)
	require.InDelta(t, 25.0, r.BoardTempC, 1e-6)

	ok, err = s.PollAvailable(context.Background())
	require.ErrorIs(t, err, transport.ErrTimeout)
	require.False(t, ok)
}

func TestPollAvailableBus(t *testing.T) {
	s, sim := newSimSession(t, transport.SimProbe{Gas: 0x03, Raw: 250, Resolution: 1, TempADC: 512})
	ok, err := s.PollAvailable(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []protocol.Opcode{protocol.OpDataAvailable}, opcodes(sim.Requests()))
	require.Equal(t, gas.H2S, s.Last().Gas)
	require.InDelta(t, 25.0, s.Last().Concentration, 1e-9)
}

func TestTemperatureCompensation(t *testing.T) {
	ctx := context.Background()
	s, sim := newSimSession(t, transport.SimProbe{Gas: 0x04, Raw: 100, TempADC: 512})

	require.NoError(t, s.SetTempCompensation(ctx, true))
	require.True(t, s.TempCompensation())
	c, err := s.ReadConcentration(ctx)
	require.NoError(t, err)
	require.InDelta(t, 96.0609756097561, c, 1e-9)
	require.Equal(t, []protocol.Opcode{
		protocol.OpReadTemperature,
		protocol.OpReadConcentration,
		protocol.OpReadTemperature,
	}, opcodes(sim.Requests()))

	// a failed refresh falls back to the last good board temperature
	sim.Update(func(p *transport.SimProbe) { p.TempADC = 0 })
	c, err = s.ReadConcentration(ctx)
	require.NoError(t, err)
	require.InDelta(t, 96.0609756097561, c, 1e-9)

	require.Error(t, s.SetTempCompensation(ctx, false))
	require.False(t, s.TempCompensation())
	c, err = s.ReadConcentration(ctx)
	require.NoError(t, err)
	require.Equal(t, 100.0, c)
}

func TestCustomCalibration(t *testing.T) {
	tb := gas.DefaultTable()
	tb[gas.CO] = gas.Curve{Passthrough: true}
	logger, _ := test.NewNullLogger()
	sim := transport.NewSim(transport.SimProbe{Gas: 0x04, Raw: 100, TempADC: 512})
	s := NewSession(sim, WithLogger(logger), WithCalibration(tb))
	require.NoError(t, s.SetTempCompensation(context.Background(), true))
	c, err := s.ReadConcentration(context.Background())
	require.NoError(t, err)
	require.Equal(t, 100.0, c)
}

func TestReadTemperature(t *testing.T) {
	s, sim := newSimSession(t, transport.SimProbe{TempADC: 512})
	c, err := s.ReadTemperature(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 25.0, c, 1e-6)

	sim.Update(func(p *transport.SimProbe) { p.TempADC = 1024 })
	c, err = s.ReadTemperature(context.Background())
	require.ErrorIs(t, err, thermistor.ErrOutOfRange)
	require.True(t, math.IsNaN(c))

	sim.Update(func(p *transport.SimProbe) { p.TempADC = 0 })
	c, err = s.ReadTemperature(context.Background())
	require.True(t, errors.Is(err, thermistor.ErrSingular))
	require.True(t, math.IsNaN(c))
}

func TestReadVoltage(t *testing.T) {
	s, _ := newSimSession(t, transport.SimProbe{VoltageADC: 300})
	v, err := s.ReadVoltage(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 1.7578125, v, 1e-12)
}

func TestSetAddressGroup(t *testing.T) {
	s, sim := newSimSession(t, transport.SimProbe{})
	addr, ok, err := s.SetAddressGroup(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, byte(0x67), addr)

	for _, g := range []int{0, 9, -1} {
		_, ok, err = s.SetAddressGroup(context.Background(), g)
		require.ErrorIs(t, err, ErrAddressGroup)
		require.False(t, ok)
	}
	require.Len(t, sim.Requests(), 1)
}

func TestSetAddress(t *testing.T) {
	logger, _ := test.NewNullLogger()
	tr := transport.NewI2C(&i2ctest.Playback{DontPanic: true}, transport.DefaultAddress)
	s := NewSession(tr, WithLogger(logger))

	addr, err := s.Address()
	require.NoError(t, err)
	require.Equal(t, transport.DefaultAddress, addr)

	require.NoError(t, s.SetAddress(0x63))
	require.Equal(t, uint16(0x63), tr.Addr())
	require.Error(t, s.SetAddress(0x20))
	require.Equal(t, uint16(0x63), tr.Addr())

	sim, _ := newSimSession(t, transport.SimProbe{})
	_, err = sim.Address()
	require.ErrorIs(t, err, ErrNotAddressable)
	require.ErrorIs(t, sim.SetAddress(0x63), ErrNotAddressable)
}

func TestRead(t *testing.T) {
	s, _ := newSimSession(t, transport.SimProbe{Gas: 0x2C, Raw: 57, Resolution: 1, TempADC: 512})
	r, err := s.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, "test", r.Sensor)
	require.Equal(t, gas.NO2, r.Gas)
	require.Equal(t, "ppm", r.Unit)
	require.InDelta(t, 5.7, r.Concentration, 1e-9)
	require.Equal(t, uint16(512), r.RawADCTemp)
	require.InDelta(t, 25.0, r.BoardTempC, 1e-6)
	require.False(t, r.Timestamp.IsZero())
}

func TestSettleDelayHonoursContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewSession(transport.NewSim(transport.SimProbe{}), WithLogger(logger), WithSettleDelay(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.ReadVoltage(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetup(t *testing.T) {
	s, sim := newSimSession(t, transport.SimProbe{Gas: 0x31, TempADC: 512})
	err := Setup(context.Background(), s, config.SensorConfig{
		AcquireMode:      config.ModeInitiative,
		TempCompensation: true,
		Alarm:            &config.AlarmConfig{Enabled: true, Threshold: 5, Method: config.AlarmLow},
	})
	require.NoError(t, err)
	p := sim.Probe()
	require.Equal(t, byte(Initiative), p.Mode)
	require.True(t, p.AlarmEnabled)
	require.Equal(t, uint16(50), p.Threshold)
	require.Equal(t, byte(AlarmLow), p.AlarmMethod)
	require.True(t, s.TempCompensation())

	require.Error(t, Setup(context.Background(), s, config.SensorConfig{AcquireMode: "lazy"}))
}

func TestNewSimulation(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s, err := New(config.SensorConfig{
		Name:       "bench",
		Transport:  config.TransportSimulation,
		Simulation: &config.SimulationConfig{Gas: "nh3", Raw: 200, Resolution: 1, TempADC: 512, Jitter: 0.1},
	}, WithLogger(logger))
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, "bench", s.Name())

	for i := 0; i < 50; i++ {
		r, err := s.Read(context.Background())
		require.NoError(t, err)
		require.Equal(t, gas.NH3, r.Gas)
		require.GreaterOrEqual(t, r.Concentration, 18.0)
		require.LessOrEqual(t, r.Concentration, 22.0)
	}

	_, err = New(config.SensorConfig{Transport: config.TransportSimulation, Simulation: &config.SimulationConfig{Gas: "CO2"}})
	require.Error(t, err)
	_, err = New(config.SensorConfig{Transport: "spi"})
	require.Error(t, err)
}
