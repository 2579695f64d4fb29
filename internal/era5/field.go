package era5

import (
	"math"
	"time"

	"github.com/ctessum/sparse"
	"github.com/pkg/errors"

	"github.com/rtm0/era5regrid/internal/grid"
)

// Slab is a single-level field at one timestamp. Data has shape (lat, lon)
// and missing values are NaN.
type Slab struct {
	Time time.Time
	Grid grid.Grid
	Data *sparse.DenseArray
}

// Variable carries the descriptive metadata of a field.
type Variable struct {
	Name     string
	Units    string
	LongName string
}

// DailyMean is the time average of a sequence of slabs.
type DailyMean struct {
	Variable Variable
	Level    float64 // hPa
	Source   string  // Base name of the source file.
	Method   string  // Regridding method.

	Times   []time.Time // Timestamps that went into the mean.
	Grid    grid.Grid
	Data    *sparse.DenseArray
	Samples int
}

// Date returns the first timestamp of the mean.
func (m *DailyMean) Date() time.Time {
	if len(m.Times) == 0 {
		return time.Time{}
	}
	return m.Times[0]
}

// SpansDays reports whether the timestamps fall on more than one UTC date.
func (m *DailyMean) SpansDays() bool {
	if len(m.Times) == 0 {
		return false
	}
	y, mo, d := m.Times[0].UTC().Date()
	for _, t := range m.Times[1:] {
		y2, mo2, d2 := t.UTC().Date()
		if y2 != y || mo2 != mo || d2 != d {
			return true
		}
	}
	return false
}

// Mean accumulates slabs on one grid and averages them cell by cell, skipping
// NaN samples.
type Mean struct {
	grid  grid.Grid
	sum   *sparse.DenseArray
	count []int
	times []time.Time
}

// NewMean creates an accumulator for slabs on g.
func NewMean(g grid.Grid) *Mean {
	ny, nx := g.Shape()
	return &Mean{
		grid:  g,
		sum:   sparse.ZerosDense(ny, nx),
		count: make([]int, ny*nx),
	}
}

// Add accumulates one slab.
func (m *Mean) Add(s *Slab) error {
	if len(s.Data.Elements) != len(m.count) {
		return errors.Errorf("slab at %s has %d cells, want %d",
			s.Time.Format(time.RFC3339), len(s.Data.Elements), len(m.count))
	}
	for i, v := range s.Data.Elements {
		if math.IsNaN(v) {
			continue
		}
		m.sum.Elements[i] += v
		m.count[i]++
	}
	m.times = append(m.times, s.Time)
	return nil
}

// Len returns the number of slabs added so far.
func (m *Mean) Len() int {
	return len(m.times)
}

// Result returns the mean of all added slabs. Cells without a single valid
// sample are NaN.
func (m *Mean) Result() (*DailyMean, error) {
	if len(m.times) == 0 {
		return nil, errors.New("no timestamps to average")
	}
	out := m.sum.Copy()
	for i, n := range m.count {
		if n == 0 {
			out.Elements[i] = math.NaN()
			continue
		}
		out.Elements[i] /= float64(n)
	}
	return &DailyMean{
		Times:   append([]time.Time(nil), m.times...),
		Grid:    m.grid,
		Data:    out,
		Samples: len(m.times),
	}, nil
}
