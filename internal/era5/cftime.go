package era5

import (
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// defaultTimeUnits is what ERA5 NetCDF3 files carry: hours since 1900.
const defaultTimeUnits = "hours since 1900-01-01 00:00:00"

var refLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.0",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04",
	"2006-01-02",
}

// decodeTimes converts CF "<unit> since <reference>" offsets to UTC times.
func decodeTimes(units string, offsets []float64) ([]time.Time, error) {
	if units == "" {
		units = defaultTimeUnits
	}
	step, ref, err := parseTimeUnits(units)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(offsets))
	for i, v := range offsets {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Errorf("time[%d] is not finite", i)
		}
		out[i] = ref.Add(time.Duration(math.Round(v * float64(step))))
	}
	return out, nil
}

func parseTimeUnits(units string) (time.Duration, time.Time, error) {
	parts := strings.SplitN(strings.TrimSpace(units), " since ", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, errors.Errorf("unsupported time units %q", units)
	}
	var step time.Duration
	switch strings.ToLower(strings.TrimSpace(parts[0])) {
	case "seconds", "second", "s":
		step = time.Second
	case "minutes", "minute", "min":
		step = time.Minute
	case "hours", "hour", "h":
		step = time.Hour
	case "days", "day", "d":
		step = 24 * time.Hour
	default:
		return 0, time.Time{}, errors.Errorf("unsupported time step in %q", units)
	}
	refText := strings.TrimSuffix(strings.TrimSpace(parts[1]), " UTC")
	for _, layout := range refLayouts {
		if ref, err := time.ParseInLocation(layout, refText, time.UTC); err == nil {
			return step, ref, nil
		}
	}
	return 0, time.Time{}, errors.Errorf("unsupported reference time in %q", units)
}
