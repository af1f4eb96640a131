// Package gas identifies the probe attached to the sensor module and applies
// the probe specific temperature compensation.
package gas

import (
	"fmt"
	"strings"
)

// Type is the gas measured by the attached probe. Its value is the probe
// code reported in byte 4 of a concentration response.
type Type uint8

const (
	NH3     Type = 0x02
	H2S     Type = 0x03
	CO      Type = 0x04
	O2      Type = 0x05
	H2      Type = 0x06
	O3      Type = 0x2A
	SO2     Type = 0x2B
	NO2     Type = 0x2C
	HCL     Type = 0x2E
	CL2     Type = 0x31
	HF      Type = 0x33
	PH3     Type = 0x45
	Unknown Type = 0xFF
)

// Known lists every supported probe.
var Known = []Type{O2, CO, H2S, NO2, O3, CL2, NH3, H2, HCL, SO2, HF, PH3}

var names = map[Type]string{
	O2:  "O2",
	CO:  "CO",
	H2S: "H2S",
	NO2: "NO2",
	O3:  "O3",
	CL2: "CL2",
	NH3: "NH3",
	H2:  "H2",
	HCL: "HCL",
	SO2: "SO2",
	HF:  "HF",
	PH3: "PH3",
}

// Classify maps a probe code to its gas and unit. Unrecognized codes map to
// Unknown with an empty unit.
func Classify(code byte) (Type, string) {
	t := Type(code)
	if _, ok := names[t]; !ok {
		return Unknown, ""
	}
	return t, t.Unit()
}

// Valid reports whether t is a supported probe.
func (t Type) Valid() bool {
	_, ok := names[t]
	return ok
}

// String returns the chemical symbol, or "" for Unknown.
func (t Type) String() string {
	return names[t]
}

// Unit returns "%" for oxygen, "ppm" for every other known gas and "" for
// Unknown.
func (t Type) Unit() string {
	switch {
	case t == O2:
		return "%"
	case t.Valid():
		return "ppm"
	}
	return ""
}

// ThresholdScale is the factor applied to an alarm threshold before it is
// sent to the module. These probes report one implicit decimal digit.
func ThresholdScale(t Type) uint16 {
	switch t {
	case O2, NO2, O3, CL2, HCL, SO2, HF, PH3:
		return 10
	}
	return 1
}

// ParseType accepts a chemical symbol, case insensitive.
func ParseType(s string) (Type, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	for t, n := range names {
		if n == u {
			return t, nil
		}
	}
	return Unknown, fmt.Errorf("gas: unknown gas %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*t = Unknown
		return nil
	}
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
