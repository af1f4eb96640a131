package sensor

import (
	"fmt"

	"github.com/ericogr/multigas-to-mqtt/pkg/config"
	"github.com/ericogr/multigas-to-mqtt/pkg/transport"
)

// New opens the transport described by cfg and returns a session on it.
// The session is named after the sensor unless opts say otherwise.
func New(cfg config.SensorConfig, opts ...Option) (*Session, error) {
	var pre Session
	for _, fn := range opts {
		fn(&pre)
	}
	topts := append([]transport.Option(nil), pre.topts...)
	if pre.log != nil {
		topts = append([]transport.Option{transport.WithLogger(pre.log.WithField("sensor", cfg.Name))}, topts...)
	}

	var (
		t   transport.Transport
		err error
	)
	switch cfg.Transport {
	case config.TransportI2C, "":
		t, err = transport.OpenI2C(cfg.I2CBus, uint16(cfg.I2CAddress), topts...)
	case config.TransportSerial:
		t, err = transport.OpenSerial(transport.SerialConfig{Name: cfg.SerialPort, Baud: cfg.Baud}, topts...)
	case config.TransportSimulation:
		t, err = newSimulated(cfg.Simulation)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}
	return NewSession(t, append([]Option{WithName(cfg.Name)}, opts...)...), nil
}
