package pipeline

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtm0/era5regrid/internal/config"
	"github.com/rtm0/era5regrid/internal/era5"
	"github.com/rtm0/era5regrid/internal/era5/era5test"
	"github.com/rtm0/era5regrid/internal/grid"
	"github.com/rtm0/era5regrid/internal/regrid"
)

var quiet = zerolog.New(io.Discard)

func sourceName(day time.Time) string {
	return fmt.Sprintf("e5.oper.an.pl.128_129_z.ll025sc.%s00_%s23.nc", day.Format("20060102"), day.Format("20060102"))
}

// tenDegree returns a 10° source grid laid out like ERA5 (latitude descending).
func tenDegree() ([]float64, []float64) {
	var lat, lon []float64
	for v := 90.0; v >= -90; v -= 10 {
		lat = append(lat, v)
	}
	for v := 0.0; v < 360; v += 10 {
		lon = append(lon, v)
	}
	return lat, lon
}

// writeDay writes four 6-hourly timestamps for day. The 500 hPa value is
// base + 10*i + j + 100*t, other levels are offset by 1000 per level.
func writeDay(t *testing.T, root string, day time.Time, base float64) string {
	t.Helper()
	return writeDayAs(t, root, sourceName(day), day, base)
}

// writeDayAs is writeDay with an explicit file name.
func writeDayAs(t *testing.T, root, name string, day time.Time, base float64) string {
	t.Helper()
	lat, lon := tenDegree()
	dir := filepath.Join(root, day.Format("200601"))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	src := era5test.Source{
		Times:  []time.Time{day, day.Add(6 * time.Hour), day.Add(12 * time.Hour), day.Add(18 * time.Hour)},
		Levels: []float64{250, 500, 850},
		Lat:    lat,
		Lon:    lon,
		Value: func(tt, l, i, j int) float64 {
			return base + float64(l-1)*1000 + float64(i)*10 + float64(j) + float64(tt)*100
		},
	}
	require.NoError(t, era5test.Write(path, src))
	return path
}

func testConfig(t *testing.T) config.Config {
	root := t.TempDir()
	cfg := config.Default()
	cfg.SourceRoot = filepath.Join(root, "src")
	cfg.OutputRoot = filepath.Join(root, "out")
	cfg.WeightsPath = filepath.Join(root, "weights", "nearest_s2d.nc")
	cfg.StartYear, cfg.EndYear = 1995, 1995
	cfg.Months = []int{3, 4}
	cfg.Workers = 2
	return cfg
}

func readZ(t *testing.T, path string) [][]float32 {
	t.Helper()
	nc, err := netcdf.Open(path)
	require.NoError(t, err)
	defer nc.Close()
	vg, err := nc.GetVarGetter(OutputVariable)
	require.NoError(t, err)
	v, err := vg.Values()
	require.NoError(t, err)
	z, ok := v.([][]float32)
	require.True(t, ok, "Z has type %T", v)
	return z
}

func TestOutputName(t *testing.T) {
	ts := time.Date(1995, 3, 14, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "era5_z500_1995_03_14.nc", OutputName("era5_z500_", ts))
	assert.Equal(t, "era5_z500_1995_03_14.nc", OutputName("era5_z500_", ts.Add(23*time.Hour)))
	assert.Equal(t, "x2001_12_31.nc", OutputName("x", time.Date(2001, 12, 31, 18, 0, 0, 0, time.UTC)))
}

func TestEnumerate(t *testing.T) {
	cfg := testConfig(t)
	cfg.EndYear = 1996
	cfg.Months = []int{3, 1}
	mk := func(dir, name string) string {
		p := filepath.Join(cfg.SourceRoot, dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		return p
	}
	b := mk("199503", sourceName(time.Date(1995, 3, 2, 0, 0, 0, 0, time.UTC)))
	a := mk("199503", sourceName(time.Date(1995, 3, 1, 0, 0, 0, 0, time.UTC)))
	mk("199503", "notes.txt")
	mk("199502", sourceName(time.Date(1995, 2, 1, 0, 0, 0, 0, time.UTC)))
	c := mk("199601", sourceName(time.Date(1996, 1, 5, 0, 0, 0, 0, time.UTC)))

	files, err := Enumerate(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b, c}, files)

	items := Items(cfg, files)
	require.Len(t, items, 3)
	assert.Equal(t, WorkItem{Source: a, OutputDir: cfg.OutputRoot}, items[0])
}

func TestProcessAveragesRegriddedTimestamps(t *testing.T) {
	cfg := testConfig(t)
	day := time.Date(1995, 3, 14, 0, 0, 0, 0, time.UTC)
	path := writeDay(t, cfg.SourceRoot, day, 50000)
	require.NoError(t, os.MkdirAll(cfg.OutputRoot, 0o755))

	lat, lon := tenDegree()
	src, err := grid.New(lat, lon)
	require.NoError(t, err)
	r, err := regrid.New(src, grid.Global1Degree(), regrid.MethodNearestS2D)
	require.NoError(t, err)

	p := NewProcessor(quiet, r, cfg)
	out, err := p.Process(context.Background(), WorkItem{Source: path, OutputDir: cfg.OutputRoot})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.OutputRoot, "era5_z500_1995_03_14.nc"), out)

	// The first timestamp regridded on its own; the other three add 100, 200
	// and 300, so the mean is the first plus 150.
	s, err := era5.NewScanner(path, era5.Options{Level: 500})
	require.NoError(t, err)
	defer s.Close()
	require.True(t, s.Scan())
	first, err := r.Regrid(s.Slab())
	require.NoError(t, err)

	z := readZ(t, out)
	ny, nx := grid.Global1Degree().Shape()
	require.Len(t, z, ny)
	for i := 0; i < ny; i++ {
		require.Len(t, z[i], nx)
		for j := 0; j < nx; j++ {
			want := first.Data.Get(i, j) + 150
			if math.Abs(float64(z[i][j])-want) > 1e-2 {
				t.Fatalf("cell (%d, %d): got %v, want %v", i, j, z[i][j], want)
			}
		}
	}
}

func TestProcessRejectsMissingLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Level = 700
	path := writeDay(t, cfg.SourceRoot, time.Date(1995, 3, 14, 0, 0, 0, 0, time.UTC), 50000)

	lat, lon := tenDegree()
	src, err := grid.New(lat, lon)
	require.NoError(t, err)
	r, err := regrid.New(src, grid.Global1Degree(), regrid.MethodNearestS2D)
	require.NoError(t, err)

	_, err = NewProcessor(quiet, r, cfg).Process(context.Background(), WorkItem{Source: path, OutputDir: cfg.OutputRoot})
	assert.True(t, errors.Is(err, era5.ErrMissingLevel), "got %v", err)
}

func TestRunProcessesEveryFile(t *testing.T) {
	cfg := testConfig(t)
	writeDay(t, cfg.SourceRoot, time.Date(1995, 3, 14, 0, 0, 0, 0, time.UTC), 50000)
	writeDay(t, cfg.SourceRoot, time.Date(1995, 3, 15, 0, 0, 0, 0, time.UTC), 52000)
	writeDay(t, cfg.SourceRoot, time.Date(1995, 4, 1, 0, 0, 0, 0, time.UTC), 54000)

	report, err := Run(context.Background(), quiet, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Empty(t, report.Failed)
	assert.FileExists(t, cfg.WeightsPath)

	outputs := append([]string(nil), report.Outputs...)
	sort.Strings(outputs)
	assert.Equal(t, []string{
		filepath.Join(cfg.OutputRoot, "era5_z500_1995_03_14.nc"),
		filepath.Join(cfg.OutputRoot, "era5_z500_1995_03_15.nc"),
		filepath.Join(cfg.OutputRoot, "era5_z500_1995_04_01.nc"),
	}, outputs)

	// Same month, different days: distinct files, values offset by the
	// difference in base.
	a := readZ(t, outputs[0])
	b := readZ(t, outputs[1])
	assert.InDelta(t, 2000, float64(b[40][100]-a[40][100]), 1e-2)
}

func TestRunWithReusedWeightsMatchesFreshRun(t *testing.T) {
	cfg := testConfig(t)
	writeDay(t, cfg.SourceRoot, time.Date(1995, 3, 14, 0, 0, 0, 0, time.UTC), 50000)
	writeDay(t, cfg.SourceRoot, time.Date(1995, 3, 15, 0, 0, 0, 0, time.UTC), 52000)

	_, err := Run(context.Background(), quiet, cfg)
	require.NoError(t, err)
	fresh := map[string][][]float32{}
	for _, name := range []string{"era5_z500_1995_03_14.nc", "era5_z500_1995_03_15.nc"} {
		fresh[name] = readZ(t, filepath.Join(cfg.OutputRoot, name))
	}
	info, err := os.Stat(cfg.WeightsPath)
	require.NoError(t, err)

	_, err = Run(context.Background(), quiet, cfg)
	require.NoError(t, err)
	again, err := os.Stat(cfg.WeightsPath)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), again.ModTime(), "weights must not be rewritten when reused")

	for name, want := range fresh {
		assert.Equal(t, want, readZ(t, filepath.Join(cfg.OutputRoot, name)), name)
	}
}

func TestRunContinuesAfterFailedItem(t *testing.T) {
	cfg := testConfig(t)
	writeDay(t, cfg.SourceRoot, time.Date(1995, 3, 14, 0, 0, 0, 0, time.UTC), 50000)
	broken := filepath.Join(cfg.SourceRoot, "199503", sourceName(time.Date(1995, 3, 20, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, os.WriteFile(broken, []byte("not a netcdf file"), 0o644))

	report, err := Run(context.Background(), quiet, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 files failed")
	assert.Len(t, report.Outputs, 1)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, broken, report.Failed[0].Source)
}

func TestRunSameDateSourcesWriteOneWholeFile(t *testing.T) {
	cfg := testConfig(t)
	day := time.Date(1995, 3, 14, 0, 0, 0, 0, time.UTC)
	writeDay(t, cfg.SourceRoot, day, 50000)
	writeDayAs(t, cfg.SourceRoot, "e5.oper.an.pl.128_129_z.ll025sc.1995031400_1995031423.rerun.nc", day, 70000)
	cfg.Workers = 2

	report, err := Run(context.Background(), quiet, cfg)
	require.NoError(t, err)
	assert.Empty(t, report.Failed)
	out := filepath.Join(cfg.OutputRoot, "era5_z500_1995_03_14.nc")
	assert.Equal(t, []string{out, out}, report.Outputs)

	// Whichever write landed last, the file holds all of that source's
	// values and none of the other's.
	z := readZ(t, out)
	ny, nx := grid.Global1Degree().Shape()
	require.Len(t, z, ny)
	base := float32(50000)
	if z[0][0] >= 70000 {
		base = 70000
	}
	for i := range z {
		require.Len(t, z[i], nx)
		for j, v := range z[i] {
			if v < base || v >= base+1000 {
				t.Fatalf("cell (%d, %d) is %v, outside the %v source's range", i, j, v, base)
			}
		}
	}
	leftovers, err := filepath.Glob(filepath.Join(cfg.OutputRoot, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRunBuildsWeightsFromNextFileWhenFirstIsBroken(t *testing.T) {
	cfg := testConfig(t)
	broken := filepath.Join(cfg.SourceRoot, "199503", sourceName(time.Date(1995, 3, 10, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, os.MkdirAll(filepath.Dir(broken), 0o755))
	require.NoError(t, os.WriteFile(broken, []byte("truncated download"), 0o644))
	writeDay(t, cfg.SourceRoot, time.Date(1995, 3, 14, 0, 0, 0, 0, time.UTC), 50000)

	report, err := Run(context.Background(), quiet, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 files failed")
	assert.FileExists(t, cfg.WeightsPath)
	assert.Equal(t, []string{filepath.Join(cfg.OutputRoot, "era5_z500_1995_03_14.nc")}, report.Outputs)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, broken, report.Failed[0].Source)
}

func TestPrepareRegridderWithoutReadableSample(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReuseWeights = false
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.nc"), filepath.Join(dir, "b.nc")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("y"), 0o644))

	_, err := PrepareRegridder(quiet, cfg, a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no readable sample among 2 files")
	assert.NoFileExists(t, cfg.WeightsPath)
}

func TestRunFailsItemsOnForeignWeights(t *testing.T) {
	cfg := testConfig(t)
	writeDay(t, cfg.SourceRoot, time.Date(1995, 3, 14, 0, 0, 0, 0, time.UTC), 50000)

	other, err := grid.New([]float64{-45, 45}, []float64{0, 180})
	require.NoError(t, err)
	r, err := regrid.New(other, grid.Global1Degree(), regrid.MethodNearestS2D)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.WeightsPath), 0o755))
	require.NoError(t, r.Weights().Save(cfg.WeightsPath))

	report, err := Run(context.Background(), quiet, cfg)
	require.Error(t, err)
	require.Len(t, report.Failed, 1)
	assert.True(t, errors.Is(report.Failed[0].Err, regrid.ErrGridMismatch), "got %v", report.Failed[0].Err)

	// Without reuse the artifact is rebuilt for the actual source grid.
	cfg.ReuseWeights = false
	report, err = Run(context.Background(), quiet, cfg)
	require.NoError(t, err)
	assert.Len(t, report.Outputs, 1)
}

func TestRunWithoutSources(t *testing.T) {
	cfg := testConfig(t)
	_, err := Run(context.Background(), quiet, cfg)
	assert.True(t, errors.Is(err, ErrNoSources), "got %v", err)
}

func TestRunCancelled(t *testing.T) {
	cfg := testConfig(t)
	writeDay(t, cfg.SourceRoot, time.Date(1995, 3, 14, 0, 0, 0, 0, time.UTC), 50000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := Run(ctx, quiet, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, report.Outputs)
}
