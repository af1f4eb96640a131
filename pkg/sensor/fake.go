package sensor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/ericogr/multigas-to-mqtt/pkg/config"
	"github.com/ericogr/multigas-to-mqtt/pkg/gas"
	"github.com/ericogr/multigas-to-mqtt/pkg/protocol"
	"github.com/ericogr/multigas-to-mqtt/pkg/transport"
)

// FakeModule is a simulated module whose raw concentration wanders around
// a base value, so dashboards have something to draw.
type FakeModule struct {
	*transport.Sim
	base   uint16
	jitter float64
	mu     sync.Mutex
	rnd    *rand.Rand
}

func defaultSimulation() config.SimulationConfig {
	// CO at 10.0 ppm on a 25 °C board
	return config.SimulationConfig{Gas: "CO", Raw: 100, Resolution: 1, TempADC: 512, VoltageADC: 300}
}

func newSimulated(sc *config.SimulationConfig) (*FakeModule, error) {
	c := defaultSimulation()
	if sc != nil {
		c = *sc
	}
	code := byte(gas.Unknown)
	if c.Gas != "" {
		g, err := gas.ParseType(c.Gas)
		if err != nil {
			return nil, fmt.Errorf("simulation: %w", err)
		}
		code = byte(g)
	}
	sim := transport.NewSim(transport.SimProbe{
		Gas:        code,
		Raw:        c.Raw,
		Resolution: c.Resolution,
		TempADC:    c.TempADC,
		VoltageADC: c.VoltageADC,
	})
	return NewFakeModule(sim, c.Jitter, rand.Int63()), nil
}

// NewFakeModule wraps sim so every concentration query sees the base raw
// value spread by up to ±jitter of itself.
func NewFakeModule(sim *transport.Sim, jitter float64, seed int64) *FakeModule {
	return &FakeModule{
		Sim:    sim,
		base:   sim.Probe().Raw,
		jitter: jitter,
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

func (f *FakeModule) Send(ctx context.Context, fr protocol.Frame) error {
	op := protocol.Opcode(fr[2])
	if f.jitter > 0 && (op == protocol.OpReadConcentration || op == protocol.OpDataAvailable) {
		f.mu.Lock()
		spread := (f.rnd.Float64()*2 - 1) * f.jitter * float64(f.base)
		f.mu.Unlock()
		raw := math.Round(float64(f.base) + spread)
		raw = math.Max(0, math.Min(raw, math.MaxUint16))
		f.Update(func(p *transport.SimProbe) { p.Raw = uint16(raw) })
	}
	return f.Sim.Send(ctx, fr)
}
