package linkup

import (
	"fmt"
	"strings"
	"time"
)

// Unit identifies a glucose measurement unit. The wire value matches the
// provider's GlucoseUnits field.
type Unit int

const (
	// UnitMmolPerL is millimoles per litre (provider code 0).
	UnitMmolPerL Unit = 0
	// UnitMgPerDl is milligrams per decilitre (provider code 1).
	UnitMgPerDl Unit = 1
)

// mmolToMgPerDl converts mmol/L glucose concentration to mg/dL.
const mmolToMgPerDl = 18.0182

// String returns the conventional notation for the unit.
func (u Unit) String() string {
	switch u {
	case UnitMmolPerL:
		return "mmol/L"
	case UnitMgPerDl:
		return "mg/dL"
	}
	return fmt.Sprintf("Unit(%d)", int(u))
}

// ParseUnit maps common spellings ("mg/dL", "mgdl", "mmol/L", "mmol") to a
// Unit. It is case-insensitive.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mg/dl", "mgdl", "mg":
		return UnitMgPerDl, nil
	case "mmol/l", "mmol":
		return UnitMmolPerL, nil
	}
	return 0, fmt.Errorf("linkup: unknown unit %q", s)
}

// Reading is a single glucose measurement. Values are carried in both units
// so display preferences never require re-fetching. Readings are immutable
// once parsed.
type Reading struct {
	// Timestamp is the sensor time of the measurement.
	Timestamp time.Time `json:"timestamp"`
	// ValueMgPerDl is the glucose concentration in mg/dL.
	ValueMgPerDl float64 `json:"valueMgPerDl"`
	// ValueMmol is the glucose concentration in mmol/L.
	ValueMmol float64 `json:"valueMmol"`
	// High reports whether the value exceeds the configured high threshold.
	High bool `json:"isHigh"`
	// Low reports whether the value is under the configured low threshold.
	Low bool `json:"isLow"`
	// SourceUnit is the unit the provider reported the measurement in.
	SourceUnit Unit `json:"sourceUnit"`
}

// Value returns the reading in the requested unit.
func (r Reading) Value(u Unit) float64 {
	if u == UnitMmolPerL {
		return r.ValueMmol
	}
	return r.ValueMgPerDl
}

// String renders the reading for logs and simple display, e.g.
// "104 mg/dL (5.8 mmol/L) at 2024-05-04T10:32:00Z".
func (r Reading) String() string {
	return fmt.Sprintf("%.0f mg/dL (%.1f mmol/L) at %s",
		r.ValueMgPerDl, r.ValueMmol, r.Timestamp.Format(time.RFC3339))
}

// timestampLayouts lists the accepted graph timestamp formats. The gateway
// emits US-style 12-hour stamps; RFC 3339 is accepted as a fallback.
var timestampLayouts = []string{
	"1/2/2006 3:04:05 PM",
	time.RFC3339,
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("linkup: empty timestamp")
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		// Sensor stamps carry no zone; they are wall-clock times on the
		// reader, so interpret them in local time.
		t, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// parseReading validates one graph element and converts it to a Reading.
// Elements with an unparseable timestamp or without a positive value in
// either unit are rejected; the missing unit is derived from the other.
func parseReading(it graphItem, highMgPerDl, lowMgPerDl float64) (Reading, error) {
	ts, err := parseTimestamp(it.Timestamp)
	if err != nil {
		return Reading{}, fmt.Errorf("linkup: bad reading timestamp %q: %w", it.Timestamp, err)
	}

	mgdl := it.ValueInMgPerDl
	mmol := it.Value
	switch {
	case mgdl > 0 && mmol <= 0:
		mmol = mgdl / mmolToMgPerDl
	case mmol > 0 && mgdl <= 0:
		mgdl = mmol * mmolToMgPerDl
	case mgdl <= 0 && mmol <= 0:
		return Reading{}, fmt.Errorf("linkup: reading at %q has no value", it.Timestamp)
	}

	unit := UnitMgPerDl
	if it.GlucoseUnits != nil && Unit(*it.GlucoseUnits) == UnitMmolPerL {
		unit = UnitMmolPerL
	}

	return Reading{
		Timestamp:    ts,
		ValueMgPerDl: mgdl,
		ValueMmol:    mmol,
		High:         mgdl > highMgPerDl,
		Low:          mgdl < lowMgPerDl,
		SourceUnit:   unit,
	}, nil
}
