package operation

import (
	"math"
	"strconv"
	"strings"
)

// Measure is the active measurement unit for numeric entry and display.
type Measure int

const (
	MeasureMetric Measure = iota
	MeasureInch
	MeasureTPI
)

func (m Measure) String() string {
	switch m {
	case MeasureMetric:
		return "metric"
	case MeasureInch:
		return "inch"
	case MeasureTPI:
		return "tpi"
	default:
		return "unknown"
	}
}

// Next cycles metric -> inch -> tpi -> metric.
func (m Measure) Next() Measure {
	switch m {
	case MeasureMetric:
		return MeasureInch
	case MeasureInch:
		return MeasureTPI
	default:
		return MeasureMetric
	}
}

// Pitch cannot exceed one inch per revolution.
const MaxDupr = 254000

// entryToDeciMicrons interprets a raw numpad integer under the unit's
// fixed decimal convention: metric has three implied decimal places
// (123000 means 123.000mm), inch four (10000 means 1.0000"), TPI
// converts through pitch = 254000/TPI.
func entryToDeciMicrons(result int64, measure Measure) int64 {
	if result == 0 {
		return 0
	}
	switch measure {
	case MeasureInch:
		return int64(math.Round(float64(result) * 25.4))
	case MeasureTPI:
		return int64(math.Round(254000.0 / float64(result)))
	default:
		return result * 10
	}
}

// FormatDeciMicrons renders a deci-micron distance in the unit's fixed
// format: 3 decimal places and "mm" for metric, 4 and a quote mark for
// imperial.
func FormatDeciMicrons(du int64, measure Measure) string {
	if du == 0 {
		return "0"
	}
	if measure == MeasureMetric {
		return strconv.FormatFloat(float64(du)/10000.0, 'f', 3, 64) + "mm"
	}
	return strconv.FormatFloat(float64(du)/254000.0, 'f', 4, 64) + "\""
}

// FormatDupr renders a pitch value: distance per revolution, or whole
// TPI when the unit is TPI and the value rounds cleanly.
func FormatDupr(du int64, measure Measure) string {
	if measure != MeasureTPI {
		return FormatDeciMicrons(du, measure)
	}
	if du == 0 {
		return "0tpi"
	}
	tpi := 254000.0 / float64(du)
	const roundEpsilon = 0.03
	if math.Abs(tpi-math.Round(tpi)) < roundEpsilon {
		return strconv.Itoa(int(math.Round(tpi))) + "tpi"
	}
	tpi100 := int(math.Round(tpi * 100))
	points := 0
	if tpi100%10 != 0 {
		points = 2
	} else if tpi100%100 != 0 {
		points = 1
	}
	return strconv.FormatFloat(tpi, 'f', points, 64) + "tpi"
}

// numpadPreview renders the in-progress entry with the fixed decimal
// point inserted, matching what the confirmed value will mean.
func numpadPreview(n *Numpad, measure Measure) string {
	if !n.Active() {
		return ""
	}
	if n.Len() == 0 {
		switch measure {
		case MeasureMetric:
			return "0.000mm"
		case MeasureInch:
			return "0.0000\""
		default:
			return "0tpi"
		}
	}

	var sb strings.Builder
	for _, d := range n.digits {
		sb.WriteByte(byte('0' + d))
	}
	s := sb.String()

	switch measure {
	case MeasureMetric:
		return insertPoint(s, 3) + "mm"
	case MeasureInch:
		return insertPoint(s, 4) + "\""
	default:
		return s + "tpi"
	}
}

// insertPoint places a decimal point places digits from the right,
// zero-padding short entries.
func insertPoint(s string, places int) string {
	if len(s) <= places {
		return "0." + strings.Repeat("0", places-len(s)) + s
	}
	return s[:len(s)-places] + "." + s[len(s)-places:]
}
