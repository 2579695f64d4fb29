// Package grid describes rectilinear latitude/longitude meshes.
package grid

import (
	"math"

	"github.com/pkg/errors"
)

// ErrInvalidGrid is returned for empty, non-monotonic or out-of-range axes.
var ErrInvalidGrid = errors.New("invalid grid")

// Grid is a rectilinear mesh defined by cell-centre axes. Bounds are optional
// and, when present, have one more element than the matching centre axis.
type Grid struct {
	Lat []float64 // Cell centres, degrees north.
	Lon []float64 // Cell centres, degrees east.

	LatBounds []float64
	LonBounds []float64
}

// New creates a grid from cell centres.
func New(lat, lon []float64) (Grid, error) {
	g := Grid{Lat: lat, Lon: lon}
	if err := g.Validate(); err != nil {
		return Grid{}, err
	}
	return g, nil
}

// Rectilinear creates a grid from boundary ranges the way numpy's arange does:
// bounds run from lon0b/lat0b in steps of dlon/dlat without passing
// lon1b/lat1b, and centres sit half a step above each lower bound.
func Rectilinear(lon0b, lon1b, dlon, lat0b, lat1b, dlat float64) (Grid, error) {
	if dlon <= 0 || dlat <= 0 {
		return Grid{}, errors.Wrapf(ErrInvalidGrid, "non-positive step (dlon=%g, dlat=%g)", dlon, dlat)
	}
	lon := arange(lon0b+dlon/2, lon1b, dlon)
	lat := arange(lat0b+dlat/2, lat1b, dlat)
	g := Grid{
		Lat:       lat,
		Lon:       lon,
		LatBounds: edges(lat0b, dlat, len(lat)),
		LonBounds: edges(lon0b, dlon, len(lon)),
	}
	if err := g.Validate(); err != nil {
		return Grid{}, err
	}
	return g, nil
}

// Global1Degree returns the fixed 1° output grid: cell bounds from -0.5 to
// 359.5 in longitude and from -90.5 to 89.5 in latitude.
func Global1Degree() Grid {
	g, err := Rectilinear(-0.5, 359.5, 1, -90.5, 90, 1)
	if err != nil {
		panic(err)
	}
	return g
}

// arange mirrors numpy.arange for positive steps. Values are computed by
// multiplication so that long axes do not accumulate rounding error.
func arange(start, stop, step float64) []float64 {
	n := int(math.Ceil((stop - start) / step))
	if n < 0 {
		n = 0
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func edges(start, step float64, cells int) []float64 {
	out := make([]float64, cells+1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// Shape returns the number of latitudes and longitudes.
func (g Grid) Shape() (ny, nx int) {
	return len(g.Lat), len(g.Lon)
}

// Size returns the number of cells.
func (g Grid) Size() int {
	return len(g.Lat) * len(g.Lon)
}

// Validate checks that both axes are non-empty, finite and strictly monotonic,
// and that latitudes lie within [-90, 90].
func (g Grid) Validate() error {
	if len(g.Lat) == 0 || len(g.Lon) == 0 {
		return errors.Wrapf(ErrInvalidGrid, "empty axis (lat=%d, lon=%d)", len(g.Lat), len(g.Lon))
	}
	if err := monotonic("lat", g.Lat); err != nil {
		return err
	}
	if err := monotonic("lon", g.Lon); err != nil {
		return err
	}
	for _, v := range g.Lat {
		if v < -90 || v > 90 {
			return errors.Wrapf(ErrInvalidGrid, "latitude %g outside [-90, 90]", v)
		}
	}
	if g.LatBounds != nil && len(g.LatBounds) != len(g.Lat)+1 {
		return errors.Wrapf(ErrInvalidGrid, "lat bounds length %d, want %d", len(g.LatBounds), len(g.Lat)+1)
	}
	if g.LonBounds != nil && len(g.LonBounds) != len(g.Lon)+1 {
		return errors.Wrapf(ErrInvalidGrid, "lon bounds length %d, want %d", len(g.LonBounds), len(g.Lon)+1)
	}
	return nil
}

func monotonic(name string, axis []float64) error {
	for i, v := range axis {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrInvalidGrid, "%s[%d] is not finite", name, i)
		}
	}
	if len(axis) < 2 {
		return nil
	}
	increasing := axis[1] > axis[0]
	for i := 1; i < len(axis); i++ {
		if axis[i] == axis[i-1] || (axis[i] > axis[i-1]) != increasing {
			return errors.Wrapf(ErrInvalidGrid, "%s is not strictly monotonic at index %d", name, i)
		}
	}
	return nil
}

// NormalizeLon360 maps arbitrary degree longitudes into the [0, 360) range.
func NormalizeLon360(lon float64) float64 {
	lon = math.Mod(lon, 360.0)
	if lon < 0 {
		lon += 360.0
	}
	return lon
}
