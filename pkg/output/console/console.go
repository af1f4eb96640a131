package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ericogr/multigas-to-mqtt/pkg/output"
	"github.com/ericogr/multigas-to-mqtt/pkg/sensor"
)

type ConsoleOutput struct {
	w io.Writer
}

func NewConsole() output.Output { return &ConsoleOutput{} }

// NewConsoleWriter writes to w instead of stdout.
func NewConsoleWriter(w io.Writer) output.Output { return &ConsoleOutput{w: w} }

func (c *ConsoleOutput) Publish(readings []sensor.Reading) error {
	w := c.w
	if w == nil {
		w = os.Stdout
	}
	for _, r := range readings {
		gas := r.Gas.String()
		if gas == "" {
			gas = "unknown"
		}
		if _, err := fmt.Fprintf(w, "%s sensor=%s gas=%s concentration=%.2f%s board_temp=%.2fC raw_temp=%d\n",
			r.Timestamp.Format(time.RFC3339), r.Sensor, gas, r.Concentration, unitSuffix(r.Unit), r.BoardTempC, r.RawADCTemp); err != nil {
			return err
		}
	}
	return nil
}

func unitSuffix(u string) string {
	if u == "" || u == "%" {
		return u
	}
	return " " + u
}

func (c *ConsoleOutput) Close() error { return nil }
