package gas

import "math"

// Linear is Slope*t + Intercept.
type Linear struct {
	Slope     float64 `json:"slope" yaml:"slope"`
	Intercept float64 `json:"intercept" yaml:"intercept"`
}

func (l Linear) At(t float64) float64 {
	return l.Slope*t + l.Intercept
}

// Band is one temperature range of a compensation curve. It covers
// Min < t <= Max, or Min < t < Max when OpenMax is set, and maps a raw
// concentration c to c/Div(t) - Offset(t).
type Band struct {
	Min     float64 `json:"min" yaml:"min"`
	Max     float64 `json:"max" yaml:"max"`
	OpenMax bool    `json:"open_max,omitempty" yaml:"open_max,omitempty"`
	Div     Linear  `json:"div" yaml:"div"`
	Offset  Linear  `json:"offset" yaml:"offset"`
}

func (b Band) contains(t float64) bool {
	if t <= b.Min {
		return false
	}
	if b.OpenMax {
		return t < b.Max
	}
	return t <= b.Max
}

// Curve is the compensation model of one probe. A Passthrough curve returns
// the raw value at any temperature. PassOutside returns the raw value instead
// of 0 when no band matches.
type Curve struct {
	Passthrough bool   `json:"passthrough,omitempty" yaml:"passthrough,omitempty"`
	PassOutside bool   `json:"pass_outside,omitempty" yaml:"pass_outside,omitempty"`
	Bands       []Band `json:"bands,omitempty" yaml:"bands,omitempty"`
}

// Table holds a curve per probe.
type Table map[Type]Curve

// Correct applies the compensation curve of g at board temperature tempC.
// When enabled is false raw is returned unchanged. Temperatures outside
// every band, unknown gases and results that are negative or not finite
// all yield 0.
func (tb Table) Correct(g Type, raw, tempC float64, enabled bool) float64 {
	if !enabled {
		return raw
	}
	c, ok := tb[g]
	if !ok {
		return 0
	}
	if c.Passthrough {
		return raw
	}
	for _, b := range c.Bands {
		if b.contains(tempC) {
			return clamp(raw/b.Div.At(tempC) - b.Offset.At(tempC))
		}
	}
	if c.PassOutside {
		return clamp(raw)
	}
	return 0
}

// Clone returns a deep copy of tb.
func (tb Table) Clone() Table {
	out := make(Table, len(tb))
	for g, c := range tb {
		bands := make([]Band, len(c.Bands))
		copy(bands, c.Bands)
		c.Bands = bands
		out[g] = c
	}
	return out
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

var defaultTable = DefaultTable()

// Correct applies the default table.
func Correct(g Type, raw, tempC float64, enabled bool) float64 {
	return defaultTable.Correct(g, raw, tempC, enabled)
}

func div(slope, intercept float64) Linear { return Linear{slope, intercept} }
func off(slope, intercept float64) Linear { return Linear{slope, intercept} }

var unit = div(0, 1)

// DefaultTable returns the probe characterization shipped with the 2021-09
// module firmware library. It supersedes LegacyTable.
func DefaultTable() Table {
	return Table{
		O2: {Passthrough: true},
		CO: {Bands: []Band{
			{Min: -20, Max: 20, Div: div(0.005, 0.9)},
			{Min: 20, Max: 40, Div: div(0.005, 0.9), Offset: off(0.3, -6)},
		}},
		H2S: {Bands: []Band{
			{Min: -20, Max: 20, Div: div(0.005, 0.92)},
			{Min: 20, Max: 60, Div: div(0.015, -0.3)},
		}},
		NO2: {Bands: []Band{
			{Min: -20, Max: 0, Div: div(0.005, 0.9), Offset: off(-0.0025, 0.005)},
			{Min: 0, Max: 20, Div: div(0.005, 0.9), Offset: off(0.005, 0.005)},
			{Min: 20, Max: 40, Div: div(0.005, 0.9), Offset: off(0.0025, 0.1)},
		}},
		O3: {Bands: []Band{
			{Min: -20, Max: 0, Div: div(0.015, 1.1), Offset: off(0, 0.05)},
			{Min: 0, Max: 20, Div: div(0, 1.1), Offset: off(0.01, 0)},
			{Min: 20, Max: 40, Div: div(0, 1.1), Offset: off(-0.005, 0.3)},
		}},
		CL2: {Bands: []Band{
			{Min: -20, Max: 0, Div: div(0.015, 1.1), Offset: off(-0.0025, 0)},
			{Min: 0, Max: 20, Div: div(0, 1.1), Offset: off(0.005, 0)},
			{Min: 20, Max: 40, Div: div(0, 1.1), Offset: off(-0.005, 0.3)},
		}},
		NH3: {Bands: []Band{
			{Min: -20, Max: 0, Div: div(0.006, 0.95), Offset: off(-0.006, 0.25)},
			{Min: 0, Max: 20, Div: div(0.006, 0.95), Offset: off(-0.012, 0.25)},
			{Min: 20, Max: 40, Div: div(0.005, 1.08), Offset: off(-0.1, 2)},
		}},
		H2: {Bands: []Band{
			{Min: -20, Max: 20, Div: div(0.74, 0.007), Offset: off(0, 5)},
			{Min: 20, Max: 40, Div: div(0.025, 0.3), Offset: off(0, 5)},
			{Min: 40, Max: 60, Div: div(0.001, 0.9), Offset: off(0.75, -25)},
		}},
		HF: {Bands: []Band{
			{Min: -20, Max: 0, Div: unit, Offset: off(-0.0025, 0)},
			{Min: 0, Max: 20, Div: unit, Offset: off(0, -0.1)},
			{Min: 20, Max: 40, Div: unit, Offset: off(0.0375, -0.85)},
		}},
		PH3: {Bands: []Band{
			{Min: -20, Max: 40, Div: div(0.005, 0.9)},
		}},
		HCL: {Bands: []Band{
			{Min: -20, Max: 0, Div: unit, Offset: off(-0.0075, -0.1)},
			{Min: 0, Max: 20, Div: unit, Offset: off(0, -0.1)},
			{Min: 20, Max: 50, OpenMax: true, Div: unit, Offset: off(-0.01, 0.1)},
		}},
		SO2: {Bands: []Band{
			{Min: -40, Max: 40, Div: div(0.006, 0.95)},
			{Min: 40, Max: 60, Div: div(0.006, 0.95), Offset: off(0.05, -2)},
		}},
	}
}

// LegacyTable returns the older 2021-03 characterization. Its bands exclude
// both edges, it has no HCL or SO2 curve and its PH3 curve leaves
// out-of-band readings uncorrected.
func LegacyTable() Table {
	open := func(lo, hi float64, d, o Linear) Band {
		return Band{Min: lo, Max: hi, OpenMax: true, Div: d, Offset: o}
	}
	return Table{
		O2: {Passthrough: true},
		CO: {Bands: []Band{
			open(-20, 20, div(0.005, 0.9), Linear{}),
			open(20, 40, div(0.005, 0.9), off(0.3, -6)),
		}},
		H2S: {Bands: []Band{
			open(-20, 20, div(0.006, 0.92), Linear{}),
			open(20, 40, div(0.006, 0.92), off(0.015, 2.4)),
		}},
		NO2: {Bands: []Band{
			open(-20, 0, div(0.005, 0.9), off(-0.0025, 0)),
			open(0, 20, div(0.005, 0.9), off(0.005, 0.005)),
			open(20, 40, div(0.005, 0.9), off(0.0025, 0.1)),
		}},
		O3: {Bands: []Band{
			open(-20, 0, div(0.015, 1.1), off(0, 0.05)),
			open(0, 20, div(0, 1.1), off(0.01, 0)),
			open(20, 40, div(0, 1.1), off(-0.05, 0.3)),
		}},
		CL2: {Bands: []Band{
			open(-20, 0, div(0.015, 1.1), off(-0.0025, 0)),
			open(0, 20, div(0, 1.1), off(0.005, 0)),
			open(20, 40, div(0, 1.1), off(0.06, -0.12)),
		}},
		NH3: {Bands: []Band{
			open(-20, 0, div(0.08, 3.98), off(-0.005, 0.3)),
			open(0, 20, div(0.08, 3.98), off(-0.005, 0.3)),
			open(20, 40, div(0.004, 1.08), off(-0.1, 2)),
		}},
		H2: {Bands: []Band{
			open(-20, 40, div(0.74, 0.007), off(0, 5)),
		}},
		HF: {Bands: []Band{
			open(-20, 0, unit, off(-0.0025, 0)),
			open(0, 20, unit, off(0, -0.1)),
			open(20, 40, unit, off(0.0375, -0.85)),
		}},
		PH3: {PassOutside: true, Bands: []Band{
			open(-20, 40, div(0.005, 0.9), Linear{}),
		}},
	}
}
