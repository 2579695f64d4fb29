// Package ncfile writes NetCDF classic files without exposing readers to
// partially written output.
package ncfile

import (
	"os"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// Attrs is an insertion-ordered set of NetCDF attributes.
type Attrs struct {
	keys []string
	vals map[string]interface{}
}

// Set adds or replaces an attribute and returns the receiver for chaining.
func (a *Attrs) Set(key string, val interface{}) *Attrs {
	if a.vals == nil {
		a.vals = make(map[string]interface{})
	}
	if _, ok := a.vals[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.vals[key] = val
	return a
}

func (a *Attrs) orderedMap() (api.AttributeMap, error) {
	vals := a.vals
	if vals == nil {
		vals = map[string]interface{}{}
	}
	return util.NewOrderedMap(a.keys, vals)
}

// Var is a variable to write.
type Var struct {
	Name   string
	Values interface{} // Slice of matching rank, e.g. [][]float32 for two dims.
	Dims   []string
	Attrs  Attrs
}

// Write creates path with the given global attributes and variables. Data is
// written to a temporary file next to path, unique to this call, and renamed
// into place once complete. Concurrent writes of the same path leave one of
// them whole.
func Write(path string, global Attrs, vars ...Var) (err error) {
	tmp := tempName(path)
	cw, err := cdf.OpenWriter(tmp)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	gattrs, err := global.orderedMap()
	if err != nil {
		cw.Close()
		return errors.Wrap(err, "global attributes")
	}
	if err = cw.AddGlobalAttrs(gattrs); err != nil {
		cw.Close()
		return errors.Wrap(err, "add global attributes")
	}
	for _, v := range vars {
		attrs, err := v.Attrs.orderedMap()
		if err != nil {
			cw.Close()
			return errors.Wrapf(err, "attributes of %s", v.Name)
		}
		vr := api.Variable{Values: v.Values, Dimensions: v.Dims, Attributes: attrs}
		if err = cw.AddVar(v.Name, vr); err != nil {
			cw.Close()
			return errors.Wrapf(err, "add variable %s", v.Name)
		}
	}
	if err = cw.Close(); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err = os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}

// tempName returns the name Write stages path under: path.<ulid>.tmp.
func tempName(path string) string {
	return path + "." + ulid.Make().String() + ".tmp"
}
