package regrid

import (
	"math"
	"time"

	"github.com/ctessum/sparse"
	"github.com/pkg/errors"

	"github.com/rtm0/era5regrid/internal/era5"
	"github.com/rtm0/era5regrid/internal/grid"
)

// coordTolerance is how far, in degrees, a field's coordinates may drift from
// those the weights were built for.
const coordTolerance = 1e-4

// Regridder maps slabs from a source grid onto a destination grid. It is safe
// for concurrent use once created.
type Regridder struct {
	w *Weights
}

// New computes fresh weights from src to dst. The caller persists them with
// Weights().Save if they are to be reused.
func New(src, dst grid.Grid, method string) (*Regridder, error) {
	switch method {
	case MethodNearestS2D:
		w, err := BuildNearest(src, dst)
		if err != nil {
			return nil, err
		}
		return &Regridder{w: w}, nil
	}
	return nil, errors.Wrapf(ErrUnknownMethod, "%q", method)
}

// Load creates a Regridder from a weights file written by Weights.Save.
func Load(path string) (*Regridder, error) {
	w, err := LoadWeights(path)
	if err != nil {
		return nil, err
	}
	return &Regridder{w: w}, nil
}

// Weights returns the weights used by the Regridder.
func (r *Regridder) Weights() *Weights {
	return r.w
}

// Method returns the name of the regridding method.
func (r *Regridder) Method() string {
	return r.w.Method
}

// Dst returns the destination grid.
func (r *Regridder) Dst() grid.Grid {
	return r.w.Dst
}

// Check reports whether g is the source grid of the weights.
func (r *Regridder) Check(g grid.Grid) error {
	src := r.w.Src
	sny, snx := src.Shape()
	ny, nx := g.Shape()
	if ny != sny || nx != snx {
		return errors.Wrapf(ErrGridMismatch, "field grid is %dx%d, weights expect %dx%d", ny, nx, sny, snx)
	}
	for i := range g.Lat {
		if math.Abs(g.Lat[i]-src.Lat[i]) > coordTolerance {
			return errors.Wrapf(ErrGridMismatch, "lat[%d] is %g, weights expect %g", i, g.Lat[i], src.Lat[i])
		}
	}
	for i := range g.Lon {
		if math.Abs(grid.NormalizeLon360(g.Lon[i])-grid.NormalizeLon360(src.Lon[i])) > coordTolerance {
			return errors.Wrapf(ErrGridMismatch, "lon[%d] is %g, weights expect %g", i, g.Lon[i], src.Lon[i])
		}
	}
	return nil
}

// Regrid maps s onto the destination grid. Destination cells without weights,
// or whose sources include NaN, are NaN.
func (r *Regridder) Regrid(s *era5.Slab) (*era5.Slab, error) {
	if err := r.Check(s.Grid); err != nil {
		return nil, errors.Wrapf(err, "slab at %s", s.Time.Format(time.RFC3339))
	}
	ny, nx := r.w.Dst.Shape()
	out := sparse.ZerosDense(ny, nx)
	covered := make([]bool, len(out.Elements))
	in := s.Data.Elements
	for k, row := range r.w.rows {
		out.Elements[row] += r.w.vals[k] * in[r.w.cols[k]]
		covered[row] = true
	}
	for i, ok := range covered {
		if !ok {
			out.Elements[i] = math.NaN()
		}
	}
	return &era5.Slab{Time: s.Time, Grid: r.w.Dst, Data: out}, nil
}
