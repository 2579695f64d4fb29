package era5

import (
	"github.com/rtm0/era5regrid/internal/ncfile"
)

// WriteDailyMean writes m to path as a NetCDF file with lat and lon
// coordinates and a single two-dimensional float32 variable.
func WriteDailyMean(path string, m *DailyMean) error {
	ny, nx := m.Grid.Shape()
	values := make([][]float32, ny)
	for i := range values {
		row := make([]float32, nx)
		for j := range row {
			row[j] = float32(m.Data.Elements[i*nx+j])
		}
		values[i] = row
	}

	var global ncfile.Attrs
	global.Set("Conventions", "CF-1.6").
		Set("date", m.Date().UTC().Format("2006-01-02")).
		Set("source", m.Source).
		Set("regrid_method", m.Method).
		Set("pressure_level", m.Level).
		Set("samples", int32(m.Samples))

	lat := ncfile.Var{Name: "lat", Values: m.Grid.Lat, Dims: []string{"lat"}}
	lat.Attrs.Set("units", "degrees_north").Set("standard_name", "latitude")
	lon := ncfile.Var{Name: "lon", Values: m.Grid.Lon, Dims: []string{"lon"}}
	lon.Attrs.Set("units", "degrees_east").Set("standard_name", "longitude")
	z := ncfile.Var{Name: m.Variable.Name, Values: values, Dims: []string{"lat", "lon"}}
	z.Attrs.Set("units", m.Variable.Units).Set("long_name", m.Variable.LongName)

	return ncfile.Write(path, global, lat, lon, z)
}
