// Package valuechecks is the per-condition observation value-check
// registry the Validator consults during commit: a numeric range check
// keyed by condition name, ported from the reference implementation's
// small built-in table of measurement conditions.
package valuechecks

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ptocore/ptocore/pkg/validation"
)

// rangeCheck validates a JSON-encoded scalar against [min, max], rejecting
// anything that doesn't unmarshal to a float64 (JSON integers and floats
// both decode into it).
func rangeCheck(min, max float64) validation.ValueCheck {
	return func(value []byte) error {
		var f float64
		if err := json.Unmarshal(value, &f); err != nil {
			return fmt.Errorf("valuechecks: value is not numeric: %w", err)
		}

		if f < min || f > max {
			return fmt.Errorf("valuechecks: value %v out of range [%v, %v]", f, min, max)
		}

		return nil
	}
}

func nonNegativeFloat() validation.ValueCheck {
	return rangeCheck(0, math.Inf(1))
}

// Registry is the built-in condition → value-check table, mirroring
// original_source/ptocore/valuechecks.py's module-level `checks` dict.
// Callers extend it per deployment; this is the shared baseline.
var Registry = validation.Registry{
	"tcp-ttl":     rangeCheck(0, 255),
	"udp-ttl":     rangeCheck(0, 255),
	"tcp-rtt":     nonNegativeFloat(),
	"udp-rtt":     nonNegativeFloat(),
	"tcp-rtt-max": nonNegativeFloat(),
	"udp-rtt-max": nonNegativeFloat(),
	"tcp-rtt-min": nonNegativeFloat(),
	"udp-rtt-min": nonNegativeFloat(),
}
