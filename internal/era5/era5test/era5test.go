// Package era5test writes small ERA5-style pressure-level files for tests.
package era5test

import (
	"math"
	"time"

	"github.com/rtm0/era5regrid/internal/ncfile"
)

var epoch1900 = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// Source describes a file to write.
type Source struct {
	Times  []time.Time
	Levels []float64 // hPa
	Lat    []float64
	Lon    []float64

	// Value returns the geopotential at time t, level l, latitude i and
	// longitude j. NaN is written as a fill value.
	Value func(t, l, i, j int) float64

	// Packed stores the field as int16 with scale_factor and add_offset.
	Packed bool
	// Var defaults to "Z".
	Var string
	// Dims defaults to time, level, latitude, longitude.
	Dims []string
}

const (
	packScale  = 0.5
	packOffset = 50000.0
	packFill   = int16(-32767)
)

// Write writes s to path.
func Write(path string, s Source) error {
	name := s.Var
	if name == "" {
		name = "Z"
	}
	dims := s.Dims
	if dims == nil {
		dims = []string{"time", "level", "latitude", "longitude"}
	}

	hours := make([]int32, len(s.Times))
	for i, t := range s.Times {
		hours[i] = int32(t.Sub(epoch1900) / time.Hour)
	}
	levels := make([]int32, len(s.Levels))
	for i, l := range s.Levels {
		levels[i] = int32(l)
	}
	lat := make([]float32, len(s.Lat))
	for i, v := range s.Lat {
		lat[i] = float32(v)
	}
	lon := make([]float32, len(s.Lon))
	for i, v := range s.Lon {
		lon[i] = float32(v)
	}

	tv := ncfile.Var{Name: dims[0], Values: hours, Dims: dims[:1]}
	tv.Attrs.Set("units", "hours since 1900-01-01 00:00:00.0").Set("calendar", "gregorian")
	lv := ncfile.Var{Name: dims[1], Values: levels, Dims: dims[1:2]}
	lv.Attrs.Set("units", "millibars")
	latv := ncfile.Var{Name: dims[2], Values: lat, Dims: dims[2:3]}
	latv.Attrs.Set("units", "degrees_north")
	lonv := ncfile.Var{Name: dims[3], Values: lon, Dims: dims[3:4]}
	lonv.Attrs.Set("units", "degrees_east")

	zv := ncfile.Var{Name: name, Dims: dims}
	if s.Packed {
		zv.Values = fill(s, func(v float64) int16 {
			if math.IsNaN(v) {
				return packFill
			}
			return int16(math.Round((v - packOffset) / packScale))
		})
		zv.Attrs.Set("scale_factor", packScale).
			Set("add_offset", packOffset).
			Set("_FillValue", packFill)
	} else {
		zv.Values = fill(s, func(v float64) float32 { return float32(v) })
	}
	zv.Attrs.Set("units", "m**2 s**-2").Set("long_name", "Geopotential")

	var global ncfile.Attrs
	global.Set("Conventions", "CF-1.6")
	return ncfile.Write(path, global, tv, lv, latv, lonv, zv)
}

func fill[T any](s Source, conv func(float64) T) [][][][]T {
	out := make([][][][]T, len(s.Times))
	for t := range out {
		out[t] = make([][][]T, len(s.Levels))
		for l := range out[t] {
			out[t][l] = make([][]T, len(s.Lat))
			for i := range out[t][l] {
				row := make([]T, len(s.Lon))
				for j := range row {
					row[j] = conv(s.Value(t, l, i, j))
				}
				out[t][l][i] = row
			}
		}
	}
	return out
}
