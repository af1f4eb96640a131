package gas

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code byte
		gas  Type
		unit string
	}{
		{0x05, O2, "%"},
		{0x04, CO, "ppm"},
		{0x03, H2S, "ppm"},
		{0x2C, NO2, "ppm"},
		{0x2A, O3, "ppm"},
		{0x31, CL2, "ppm"},
		{0x02, NH3, "ppm"},
		{0x06, H2, "ppm"},
		{0x2E, HCL, "ppm"},
		{0x2B, SO2, "ppm"},
		{0x33, HF, "ppm"},
		{0x45, PH3, "ppm"},
		{0xFF, Unknown, ""},
		{0x00, Unknown, ""},
		{0x07, Unknown, ""},
	}
	for _, tt := range tests {
		g, u := Classify(tt.code)
		require.Equalf(t, tt.gas, g, "code 0x%02X", tt.code)
		require.Equalf(t, tt.unit, u, "code 0x%02X", tt.code)
	}
}

func TestKnownAreValid(t *testing.T) {
	require.Len(t, Known, 12)
	for _, g := range Known {
		require.True(t, g.Valid())
		require.NotEmpty(t, g.String())
		got, err := ParseType(g.String())
		require.NoError(t, err)
		require.Equal(t, g, got)
	}
	require.False(t, Unknown.Valid())
	require.Equal(t, "", Unknown.String())
}

func TestParseType(t *testing.T) {
	g, err := ParseType(" no2 ")
	require.NoError(t, err)
	require.Equal(t, NO2, g)

	_, err = ParseType("CO2")
	require.Error(t, err)
}

func TestThresholdScale(t *testing.T) {
	for _, g := range []Type{O2, NO2, O3, CL2, HCL, SO2, HF, PH3} {
		require.Equalf(t, uint16(10), ThresholdScale(g), "%s", g)
	}
	for _, g := range []Type{CO, H2S, NH3, H2, Unknown} {
		require.Equalf(t, uint16(1), ThresholdScale(g), "%s", g)
	}
}

func TestTypeJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Gas Type `json:"gas"`
	}{CL2})
	require.NoError(t, err)
	require.JSONEq(t, `{"gas":"CL2"}`, string(b))

	var v struct {
		Gas Type `json:"gas"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"gas":"h2s"}`), &v))
	require.Equal(t, H2S, v.Gas)
	require.Error(t, json.Unmarshal([]byte(`{"gas":"xx"}`), &v))
}
