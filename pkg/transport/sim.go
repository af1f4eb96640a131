package transport

import (
	"context"
	"sync"
	"time"

	"github.com/ericogr/multigas-to-mqtt/pkg/protocol"
)

// SimProbe is the state of a simulated module.
type SimProbe struct {
	Gas          byte
	Raw          uint16
	Resolution   byte
	TempADC      uint16
	VoltageADC   uint16
	Address      byte
	Mode         byte
	AlarmEnabled bool
	Threshold    uint16
	AlarmMethod  byte
}

// Sim answers requests the way a module does, without hardware. It is safe
// for concurrent use so tests can inspect it while a session runs.
type Sim struct {
	mu       sync.Mutex
	probe    SimProbe
	requests []protocol.Frame
	pending  []byte
	pushed   [][]byte
	corrupt  int
	fail     int
	closed   bool
}

// NewSim returns a simulated module with the given initial state.
func NewSim(p SimProbe) *Sim {
	if p.Address == 0 {
		p.Address = byte(DefaultAddress)
	}
	return &Sim{probe: p}
}

// Probe returns a copy of the module state.
func (s *Sim) Probe() SimProbe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probe
}

// Update changes the module state in place.
func (s *Sim) Update(fn func(*SimProbe)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.probe)
}

// Requests returns the frames received so far.
func (s *Sim) Requests() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.requests...)
}

// CorruptNext makes the next n responses carry a bad checksum.
func (s *Sim) CorruptNext(n int) {
	s.mu.Lock()
	s.corrupt = n
	s.mu.Unlock()
}

// FailNext makes the next n Receive calls fail with a bus fault.
func (s *Sim) FailNext(n int) {
	s.mu.Lock()
	s.fail = n
	s.mu.Unlock()
}

// Push queues an unsolicited frame, as sent by a module in initiative mode.
func (s *Sim) Push(b []byte) {
	s.mu.Lock()
	s.pushed = append(s.pushed, append([]byte(nil), b...))
	s.mu.Unlock()
}

// Send implements Transport.
func (s *Sim) Send(ctx context.Context, f protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.requests = append(s.requests, f)
	s.pending = nil
	if !protocol.Validate(f) {
		return nil
	}
	resp, ok := s.answer(f)
	if !ok {
		return nil
	}
	if s.corrupt > 0 {
		s.corrupt--
		resp[8]++
	}
	s.pending = resp[:]
	return nil
}

// Receive implements Transport.
func (s *Sim) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.fail > 0 {
		s.fail--
		return nil, &FaultError{Op: "read", Err: errSimFault}
	}
	if s.pending != nil {
		r := s.pending
		s.pending = nil
		return r, nil
	}
	if len(s.pushed) > 0 {
		r := s.pushed[0]
		s.pushed = s.pushed[1:]
		return r, nil
	}
	return nil, ErrTimeout
}

// SettleDelay implements Bus.
func (s *Sim) SettleDelay() time.Duration { return 0 }

// Close implements Transport.
func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Sim) String() string { return "simulation" }

func (s *Sim) answer(req protocol.Frame) (protocol.Frame, bool) {
	var r protocol.Frame
	r[0] = 0xFF
	r[1] = req[2]
	p := &s.probe
	switch protocol.Opcode(req[2]) {
	case protocol.OpSetAcquireMode:
		p.Mode = req[3]
		r[2] = 1
	case protocol.OpReadConcentration, protocol.OpDataAvailable:
		r[2], r[3] = byte(p.Raw>>8), byte(p.Raw)
		r[4] = p.Gas
		r[5] = p.Resolution
		r[6], r[7] = byte(p.TempADC>>8), byte(p.TempADC)
	case protocol.OpReadTemperature:
		r[2], r[3] = byte(p.TempADC>>8), byte(p.TempADC)
	case protocol.OpSetThresholdAlarm:
		p.AlarmEnabled = req[3] == 1
		p.Threshold = uint16(req[4])<<8 | uint16(req[5])
		p.AlarmMethod = req[6]
		r[2] = 1
	case protocol.OpReadVoltage:
		r[2], r[3] = byte(p.VoltageADC>>8), byte(p.VoltageADC)
	case protocol.OpSetAddressGroup:
		g := int(req[3])
		if g < 1 || g > groups {
			return r, false
		}
		p.Address = byte(baseAddress + (g-1)*perGroup + int(p.Address&(perGroup-1)))
		r[2] = p.Address
	default:
		return r, false
	}
	r[8] = protocol.Checksum(r)
	return r, true
}

type simError string

func (e simError) Error() string { return string(e) }

const errSimFault = simError("simulated bus fault")
