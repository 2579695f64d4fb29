package era5

import (
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/ctessum/sparse"
	"github.com/pkg/errors"

	"github.com/rtm0/era5regrid/internal/grid"
)

var (
	// ErrMissingCoordinate is returned when a dimension or its coordinate
	// variable cannot be identified.
	ErrMissingCoordinate = errors.New("missing coordinate")
	// ErrMissingLevel is returned when the requested pressure level is absent.
	ErrMissingLevel = errors.New("missing pressure level")
	// ErrLayout is returned when the variable is not laid out as
	// (time, level, latitude, longitude).
	ErrLayout = errors.New("unexpected variable layout")
)

// Names accepted for each dimension, in order of preference.
var (
	VariableNames  = []string{"Z", "z"}
	TimeNames      = []string{"time", "valid_time"}
	LevelNames     = []string{"level", "pressure_level", "isobaricInhPa", "plev"}
	LatitudeNames  = []string{"latitude", "lat"}
	LongitudeNames = []string{"longitude", "lon"}
)

// Options selects what a Scanner reads.
type Options struct {
	// Variable is the name of the field. Empty means the first of
	// VariableNames present in the file.
	Variable string
	// Level is the pressure level in hPa.
	Level float64
}

// Scanner reads one pressure level of a field from a file one timestamp at a
// time.
type Scanner struct {
	nc       api.Group
	path     string
	varName  string
	vg       api.VarGetter
	dims     []string
	grid     grid.Grid
	ts       []time.Time
	levels   []float64
	level    float64
	levelIdx int
	unpack   unpacker
	attrs    api.AttributeMap
	pos      int
	slab     *Slab
	err      error
}

// NewScanner opens filePath and selects opts.Level of the field.
func NewScanner(filePath string, opts Options) (*Scanner, error) {
	nc, err := netcdf.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", filePath)
	}
	s := &Scanner{nc: nc, path: filePath, level: opts.Level}
	if err := s.init(opts); err != nil {
		nc.Close()
		return nil, errors.Wrap(err, filePath)
	}
	return s, nil
}

func (s *Scanner) init(opts Options) error {
	candidates := VariableNames
	if opts.Variable != "" {
		candidates = []string{opts.Variable}
	}
	var err error
	for _, name := range candidates {
		if s.vg, err = s.nc.GetVarGetter(name); err == nil {
			s.varName = name
			break
		}
	}
	if s.vg == nil {
		return errors.Wrapf(ErrMissingCoordinate, "none of the variables %v found", candidates)
	}

	s.dims = s.vg.Dimensions()
	if len(s.dims) != 4 {
		return errors.Wrapf(ErrLayout, "%s has dimensions %v", s.varName, s.dims)
	}
	for i, names := range [][]string{TimeNames, LevelNames, LatitudeNames, LongitudeNames} {
		if !contains(names, s.dims[i]) {
			return errors.Wrapf(ErrMissingCoordinate, "%s dimension %d is %q, want one of %v",
				s.varName, i, s.dims[i], names)
		}
	}

	lat, err := coordValues(s.nc, s.dims[2])
	if err != nil {
		return err
	}
	lon, err := coordValues(s.nc, s.dims[3])
	if err != nil {
		return err
	}
	if s.grid, err = grid.New(lat, lon); err != nil {
		return errors.Wrap(err, "source grid")
	}

	if s.levels, err = coordValues(s.nc, s.dims[1]); err != nil {
		return err
	}
	s.levelIdx = -1
	for i, l := range s.levels {
		if math.Abs(l-opts.Level) < 1e-6 {
			s.levelIdx = i
			break
		}
	}
	if s.levelIdx < 0 {
		return errors.Wrapf(ErrMissingLevel, "%g hPa not in %v", opts.Level, s.levels)
	}

	offsets, err := coordValues(s.nc, s.dims[0])
	if err != nil {
		return err
	}
	tv, _ := s.nc.GetVarGetter(s.dims[0])
	if s.ts, err = decodeTimes(attrString(tv.Attributes(), "units"), offsets); err != nil {
		return errors.Wrap(err, s.dims[0])
	}

	s.attrs = s.vg.Attributes()
	s.unpack = newUnpacker(s.attrs)
	return nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// coordValues reads a one-dimensional coordinate variable as float64.
func coordValues(nc api.Group, dimName string) ([]float64, error) {
	dim, err := nc.GetVarGetter(dimName)
	if err != nil {
		return nil, errors.Wrapf(ErrMissingCoordinate, "coordinate variable %q: %v", dimName, err)
	}
	v, err := dim.Values()
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", dimName)
	}
	out, ok := toFloat64s(v)
	if !ok {
		return nil, errors.Wrapf(ErrMissingCoordinate, "coordinate %q has unsupported type %T", dimName, v)
	}
	return out, nil
}

func toFloat64s(v interface{}) ([]float64, bool) {
	switch vs := v.(type) {
	case []float64:
		return append([]float64(nil), vs...), true
	case []float32:
		return convert(vs), true
	case []int64:
		return convert(vs), true
	case []int32:
		return convert(vs), true
	case []int16:
		return convert(vs), true
	case []int8:
		return convert(vs), true
	case []uint8:
		return convert(vs), true
	}
	return nil, false
}

func convert[T number](vs []T) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = float64(v)
	}
	return out
}

type number interface {
	~int8 | ~uint8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// Close closes the scanner.
func (s *Scanner) Close() {
	s.nc.Close()
}

// Grid returns the source grid.
func (s *Scanner) Grid() grid.Grid {
	return s.grid
}

// Times returns the decoded timestamps of the file.
func (s *Scanner) Times() []time.Time {
	return s.ts
}

// Variable returns the name and metadata of the field being read.
func (s *Scanner) Variable() Variable {
	return Variable{
		Name:     s.varName,
		Units:    attrString(s.attrs, "units"),
		LongName: attrString(s.attrs, "long_name"),
	}
}

// Summary returns the summary information about the file suitable for
// logging.
func (s *Scanner) Summary() []any {
	ny, nx := s.grid.Shape()
	first, last := "", ""
	if len(s.ts) > 0 {
		first = s.ts[0].Format(time.RFC3339)
		last = s.ts[len(s.ts)-1].Format(time.RFC3339)
	}
	return []any{
		"file", filepath.Base(s.path),
		"var", s.varName,
		"dims", strings.Join(s.dims, ","),
		"level", s.level,
		"tsCnt", len(s.ts),
		"laCnt", ny,
		"loCnt", nx,
		"first", first,
		"last", last,
	}
}

// Scan reads the selected level for the next timestamp. The read covers
// every level of that timestamp, which for a 37-level 0.25° file is about
// 150 MB held until the level is copied out.
func (s *Scanner) Scan() bool {
	if s.err != nil || s.pos >= len(s.ts) {
		return false
	}
	begin := int64(s.pos)
	v, err := s.vg.GetSlice(begin, begin+1)
	if err != nil {
		s.err = errors.Wrapf(err, "read %s at time index %d", s.varName, s.pos)
		return false
	}
	ny, nx := s.grid.Shape()
	data := sparse.ZerosDense(ny, nx)
	switch vs := v.(type) {
	case [][][][]float32:
		s.err = plane(s, vs, data.Elements)
	case [][][][]float64:
		s.err = plane(s, vs, data.Elements)
	case [][][][]int16:
		s.err = plane(s, vs, data.Elements)
	case [][][][]int32:
		s.err = plane(s, vs, data.Elements)
	default:
		s.err = errors.Wrapf(ErrLayout, "%s has unsupported type %T", s.varName, v)
	}
	if s.err != nil {
		return false
	}
	s.slab = &Slab{Time: s.ts[s.pos], Grid: s.grid, Data: data}
	s.pos++
	return true
}

func plane[T number](s *Scanner, v [][][][]T, out []float64) error {
	if len(v) != 1 || len(v[0]) <= s.levelIdx {
		return errors.Wrapf(ErrLayout, "%s slice does not contain level index %d", s.varName, s.levelIdx)
	}
	rows := v[0][s.levelIdx]
	ny, nx := s.grid.Shape()
	if len(rows) != ny {
		return errors.Wrapf(ErrLayout, "%s has %d latitudes, want %d", s.varName, len(rows), ny)
	}
	for i, row := range rows {
		if len(row) != nx {
			return errors.Wrapf(ErrLayout, "%s row %d has %d longitudes, want %d", s.varName, i, len(row), nx)
		}
		for j, raw := range row {
			out[i*nx+j] = s.unpack.value(float64(raw))
		}
	}
	return nil
}

// Slab returns the slab read by the last Scan() operation. The function
// transfers ownership of the slab to the caller and subsequent calls without
// prior invocation of Scan() return nil.
func (s *Scanner) Slab() *Slab {
	slab := s.slab
	s.slab = nil
	return slab
}

// Err returns the first error encountered by Scan.
func (s *Scanner) Err() error {
	return s.err
}

// unpacker applies CF packing attributes and maps fill values to NaN.
type unpacker struct {
	scale  float64
	offset float64
	fill   []float64
}

func newUnpacker(attrs api.AttributeMap) unpacker {
	u := unpacker{scale: 1}
	if v, ok := attrFloat(attrs, "scale_factor"); ok {
		u.scale = v
	}
	if v, ok := attrFloat(attrs, "add_offset"); ok {
		u.offset = v
	}
	for _, key := range []string{"_FillValue", "missing_value"} {
		if v, ok := attrFloat(attrs, key); ok {
			u.fill = append(u.fill, v)
		}
	}
	return u
}

func (u unpacker) value(raw float64) float64 {
	for _, f := range u.fill {
		if raw == f {
			return math.NaN()
		}
	}
	return raw*u.scale + u.offset
}

func attrString(attrs api.AttributeMap, key string) string {
	if attrs == nil {
		return ""
	}
	v, ok := attrs.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func attrFloat(attrs api.AttributeMap, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	v, ok := attrs.Get(key)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case int16:
		return float64(x), true
	case int8:
		return float64(x), true
	}
	if vs, ok := toFloat64s(v); ok && len(vs) > 0 {
		return vs[0], true
	}
	return 0, false
}
