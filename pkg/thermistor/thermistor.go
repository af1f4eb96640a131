// Package thermistor converts the 10-bit ADC code of the sensor board NTC
// into a temperature.
//
// The NTC (10kΩ at 25°C, B=3380.13) sits in a divider against a 10kΩ
// resistor fed from 3.0V, sampled by a 10-bit ADC with a 3.0V reference.
package thermistor

import (
	"errors"
	"fmt"
	"math"

	"periph.io/x/conn/v3/physic"
)

const (
	MaxCode = 1023

	vref      = 3.0
	steps     = 1024.0
	rNominal  = 10000.0
	tNominalK = 298.15
	beta      = 3380.13
	kelvin0   = 273.15
)

var (
	// ErrSingular is returned when the divider equation has no finite
	// solution (open or shorted thermistor).
	ErrSingular = errors.New("thermistor: singular measurement")
	// ErrOutOfRange is returned for codes above MaxCode.
	ErrOutOfRange = errors.New("thermistor: adc code out of range")
)

// ADCToCelsius returns the board temperature for code. On error the returned
// value is NaN.
func ADCToCelsius(code uint16) (float64, error) {
	if code > MaxCode {
		return math.NaN(), fmt.Errorf("%w: %d", ErrOutOfRange, code)
	}
	v := float64(code) / steps * vref
	if v >= vref {
		return math.NaN(), ErrSingular
	}
	r := v * rNominal / (vref - v)
	if r <= 0 {
		return math.NaN(), ErrSingular
	}
	return 1/(1/tNominalK+math.Log(r/rNominal)/beta) - kelvin0, nil
}

// ADCToTemperature is ADCToCelsius expressed in periph units.
func ADCToTemperature(code uint16) (physic.Temperature, error) {
	c, err := ADCToCelsius(code)
	if err != nil {
		return 0, err
	}
	return physic.ZeroCelsius + physic.Temperature(c*float64(physic.Celsius)), nil
}
