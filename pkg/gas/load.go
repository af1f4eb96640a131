package gas

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadTable reads curve overrides keyed by gas symbol from a JSON or YAML
// file (chosen by extension) and merges them over DefaultTable. Gases not
// named in the file keep their default curve.
func LoadTable(path string) (Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration: %w", err)
	}
	var overrides map[string]Curve
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &overrides)
	default:
		err = json.Unmarshal(b, &overrides)
	}
	if err != nil {
		return nil, fmt.Errorf("parse calibration %s: %w", path, err)
	}
	return Merge(DefaultTable(), overrides)
}

// Merge returns a copy of base with the curves in overrides replacing the
// curve of the named gas.
func Merge(base Table, overrides map[string]Curve) (Table, error) {
	out := base.Clone()
	for name, c := range overrides {
		g, err := ParseType(name)
		if err != nil {
			return nil, err
		}
		if err := c.validate(); err != nil {
			return nil, fmt.Errorf("gas %s: %w", name, err)
		}
		out[g] = c
	}
	return out, nil
}

func (c Curve) validate() error {
	if c.Passthrough {
		return nil
	}
	if len(c.Bands) == 0 && !c.PassOutside {
		return fmt.Errorf("curve has no bands")
	}
	for i, b := range c.Bands {
		if b.Max <= b.Min {
			return fmt.Errorf("band %d: max %g <= min %g", i, b.Max, b.Min)
		}
		if b.Div == (Linear{}) {
			return fmt.Errorf("band %d: missing divisor", i)
		}
	}
	return nil
}
