// Package regrid builds and applies interpolation weights between rectilinear
// latitude/longitude grids.
package regrid

import (
	"math"
	"sort"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/ctessum/sparse"
	"github.com/pkg/errors"

	"github.com/rtm0/era5regrid/internal/grid"
	"github.com/rtm0/era5regrid/internal/ncfile"
)

// MethodNearestS2D maps every destination cell to its nearest source cell.
const MethodNearestS2D = "nearest_s2d"

var (
	// ErrGridMismatch is returned when a field is not on the grid the weights
	// were built for.
	ErrGridMismatch = errors.New("grid mismatch")
	// ErrBadWeights is returned for a malformed weights file.
	ErrBadWeights = errors.New("malformed weights")
	// ErrUnknownMethod is returned for an unsupported regridding method.
	ErrUnknownMethod = errors.New("unknown regridding method")
)

// Weights is a sparse (destination, source) matrix together with the grids
// it maps between.
type Weights struct {
	Method string
	Src    grid.Grid
	Dst    grid.Grid

	matrix *sparse.SparseArray

	// Compiled form of matrix, ordered by row then column.
	rows []int
	cols []int
	vals []float64
}

// BuildNearest computes nearest-source-to-destination weights. Distances are
// chord lengths on the unit sphere; ties go to the lowest flattened source
// index.
//
// Within a source row the nearest point is one of the longitudes bracketing
// the destination. Rows are visited outward from the destination latitude
// until the latitude gap alone rules out a closer point, so coarse or
// anisotropic source grids are searched exactly.
func BuildNearest(src, dst grid.Grid) (*Weights, error) {
	if err := src.Validate(); err != nil {
		return nil, errors.Wrap(err, "source grid")
	}
	if err := dst.Validate(); err != nil {
		return nil, errors.Wrap(err, "destination grid")
	}

	_, nxSrc := src.Shape()
	latAxis := newAxis(src.Lat, false)
	lonAxis := newAxis(src.Lon, true)
	srcLat := unitTrig(src.Lat)
	srcLon := unitTrig(src.Lon)

	_, nxDst := dst.Shape()
	lonCand := make([][]int, nxDst)
	dstLon := unitTrig(dst.Lon)
	for j, lon := range dst.Lon {
		lonCand[j] = lonAxis.candidates(grid.NormalizeLon360(lon))
	}

	m := sparse.ZerosSparse(dst.Size(), src.Size())
	for i, lat := range dst.Lat {
		sinLat, cosLat := math.Sincos(lat * math.Pi / 180)
		k := sort.SearchFloat64s(latAxis.values, lat)
		for j := range dst.Lon {
			best, bestIdx := math.Inf(-1), -1
			visit := func(p int) bool {
				if math.Cos((lat-latAxis.values[p])*math.Pi/180) < best-nearestSlack {
					return false
				}
				si := latAxis.index[p]
				for _, sj := range lonCand[j] {
					dot := cosLat*srcLat[si].cos*(dstLon[j].cos*srcLon[sj].cos+dstLon[j].sin*srcLon[sj].sin) +
						sinLat*srcLat[si].sin
					idx := si*nxSrc + sj
					if dot > best || (dot == best && idx < bestIdx) {
						best, bestIdx = dot, idx
					}
				}
				return true
			}
			for p := k; p < len(latAxis.values); p++ {
				if !visit(p) {
					break
				}
			}
			for p := k - 1; p >= 0; p-- {
				if !visit(p) {
					break
				}
			}
			m.Set(1, i*nxDst+j, bestIdx)
		}
	}

	w := &Weights{Method: MethodNearestS2D, Src: src, Dst: dst, matrix: m}
	w.compile()
	return w, nil
}

// nearestSlack keeps rows whose bound only rounding separates from the best
// dot product, so exact ties still reach the index comparison.
const nearestSlack = 1e-12

type trig struct{ sin, cos float64 }

func unitTrig(deg []float64) []trig {
	out := make([]trig, len(deg))
	for i, d := range deg {
		out[i].sin, out[i].cos = math.Sincos(d * math.Pi / 180)
	}
	return out
}

// axis is a source coordinate axis sorted for neighbour search.
type axis struct {
	values   []float64 // Sorted ascending.
	index    []int     // Original position of each sorted value.
	periodic bool
}

func newAxis(coords []float64, periodic bool) axis {
	a := axis{
		values:   make([]float64, len(coords)),
		index:    make([]int, len(coords)),
		periodic: periodic,
	}
	for i := range a.index {
		a.index[i] = i
	}
	key := func(i int) float64 {
		if periodic {
			return grid.NormalizeLon360(coords[i])
		}
		return coords[i]
	}
	sort.SliceStable(a.index, func(x, y int) bool { return key(a.index[x]) < key(a.index[y]) })
	for i, k := range a.index {
		a.values[i] = key(k)
	}
	return a
}

// candidates returns the original positions of the values bracketing v, two
// on either side. Periodic axes wrap around.
func (a axis) candidates(v float64) []int {
	n := len(a.values)
	k := sort.SearchFloat64s(a.values, v)
	out := make([]int, 0, 4)
	for p := k - 2; p <= k+1; p++ {
		q := p
		if a.periodic {
			q = ((p % n) + n) % n
		} else if p < 0 || p >= n {
			continue
		}
		out = append(out, a.index[q])
	}
	return out
}

// compile flattens the sparse matrix into row-ordered triplets.
func (w *Weights) compile() {
	nz := w.matrix.Nonzero()
	sort.Ints(nz)
	w.rows = make([]int, len(nz))
	w.cols = make([]int, len(nz))
	w.vals = make([]float64, len(nz))
	for k, ix := range nz {
		idx := w.matrix.IndexNd(ix)
		w.rows[k], w.cols[k] = idx[0], idx[1]
		w.vals[k] = w.matrix.Get1d(ix)
	}
}

// Len returns the number of non-zero weights.
func (w *Weights) Len() int {
	return len(w.vals)
}

// Save writes the weights in ESMF style: 1-based row and col indices and
// weights S along dimension n_s, plus the coordinates of both grids.
func (w *Weights) Save(path string) error {
	row := make([]int32, len(w.rows))
	col := make([]int32, len(w.cols))
	for k := range w.rows {
		row[k] = int32(w.rows[k] + 1)
		col[k] = int32(w.cols[k] + 1)
	}

	var global ncfile.Attrs
	global.Set("title", "regridding weights").
		Set("method", w.Method).
		Set("n_a", int32(w.Src.Size())).
		Set("n_b", int32(w.Dst.Size()))

	err := ncfile.Write(path, global,
		ncfile.Var{Name: "row", Values: row, Dims: []string{"n_s"}},
		ncfile.Var{Name: "col", Values: col, Dims: []string{"n_s"}},
		ncfile.Var{Name: "S", Values: append([]float64(nil), w.vals...), Dims: []string{"n_s"}},
		ncfile.Var{Name: "src_lat", Values: w.Src.Lat, Dims: []string{"ny_a"}},
		ncfile.Var{Name: "src_lon", Values: w.Src.Lon, Dims: []string{"nx_a"}},
		ncfile.Var{Name: "dst_lat", Values: w.Dst.Lat, Dims: []string{"ny_b"}},
		ncfile.Var{Name: "dst_lon", Values: w.Dst.Lon, Dims: []string{"nx_b"}},
	)
	return errors.Wrap(err, "save weights")
}

// LoadWeights reads weights written by Save.
func LoadWeights(path string) (*Weights, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open weights %s", path)
	}
	defer nc.Close()

	read := func(name string) ([]float64, error) {
		vg, err := nc.GetVarGetter(name)
		if err != nil {
			return nil, errors.Wrapf(ErrBadWeights, "%s: variable %q: %v", path, name, err)
		}
		v, err := vg.Values()
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
		switch vs := v.(type) {
		case []float64:
			return vs, nil
		case []int32:
			out := make([]float64, len(vs))
			for i, x := range vs {
				out[i] = float64(x)
			}
			return out, nil
		}
		return nil, errors.Wrapf(ErrBadWeights, "%s: variable %q has type %T", path, name, v)
	}

	vars := map[string][]float64{}
	for _, name := range []string{"row", "col", "S", "src_lat", "src_lon", "dst_lat", "dst_lon"} {
		if vars[name], err = read(name); err != nil {
			return nil, err
		}
	}
	src, err := grid.New(vars["src_lat"], vars["src_lon"])
	if err != nil {
		return nil, errors.Wrapf(ErrBadWeights, "%s: source grid: %v", path, err)
	}
	dst, err := grid.New(vars["dst_lat"], vars["dst_lon"])
	if err != nil {
		return nil, errors.Wrapf(ErrBadWeights, "%s: destination grid: %v", path, err)
	}

	method := MethodNearestS2D
	if attrs := nc.Attributes(); attrs != nil {
		if v, ok := attrs.Get("method"); ok {
			if s, ok := v.(string); ok {
				method = s
			}
		}
		for key, want := range map[string]int{"n_a": src.Size(), "n_b": dst.Size()} {
			if v, ok := attrs.Get(key); ok {
				if n, ok := v.(int32); ok && int(n) != want {
					return nil, errors.Wrapf(ErrBadWeights, "%s: %s is %d, grids give %d", path, key, n, want)
				}
			}
		}
	}

	row, col, s := vars["row"], vars["col"], vars["S"]
	if len(row) != len(col) || len(row) != len(s) {
		return nil, errors.Wrapf(ErrBadWeights, "%s: row/col/S lengths %d/%d/%d", path, len(row), len(col), len(s))
	}
	m := sparse.ZerosSparse(dst.Size(), src.Size())
	for k := range row {
		r, c := int(row[k])-1, int(col[k])-1
		if r < 0 || r >= dst.Size() || c < 0 || c >= src.Size() {
			return nil, errors.Wrapf(ErrBadWeights, "%s: entry %d (row %d, col %d) out of range", path, k, r+1, c+1)
		}
		m.AddVal(s[k], r, c)
	}

	w := &Weights{Method: method, Src: src, Dst: dst, matrix: m}
	w.compile()
	return w, nil
}
