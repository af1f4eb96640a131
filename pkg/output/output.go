// Package output defines where readings go once they leave a sensor
// session. Implementations live in subpackages.
package output

import "github.com/ericogr/multigas-to-mqtt/pkg/sensor"

// Output receives batches of readings, one per sensor, on its own interval.
type Output interface {
	Publish([]sensor.Reading) error
	Close() error
}
