package sensor

import (
	"context"
	"time"

	"github.com/ericogr/multigas-to-mqtt/pkg/gas"
)

// Reading is one decoded concentration sample.
type Reading struct {
	Sensor        string    `json:"sensor"`
	Concentration float64   `json:"concentration"`
	Gas           gas.Type  `json:"gas"`
	Unit          string    `json:"unit"`
	RawADCTemp    uint16    `json:"raw_adc_temp"`
	BoardTempC    float64   `json:"board_temp_c"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sensor is what the bridge polls.
type Sensor interface {
	Name() string
	Read(ctx context.Context) (Reading, error)
	Close() error
}
