// Package routedef holds the compiled, immutable shape of a route: the
// output of the compiler and the input to the executor. Nothing in this
// package mutates a RouteDefinition after construction.
package routedef

import "github.com/routegrid/engine/internal/param"

// UseMode selects how a dependency's result is exposed to the dependent
// route's SQL scope.
type UseMode string

const (
	// UseModeRelation registers the dependency's result as an in-memory
	// relation under alias.
	UseModeRelation UseMode = "relation"
	// UseModeParquetPath registers alias as a view over the dependency's
	// on-disk cache pages directly, without copying into memory.
	UseModeParquetPath UseMode = "parquet_path"
)

// RouteUse declares one inter-route dependency: alias is the name the
// dependency's result is registered under in this route's SQL scope,
// Call is the referenced route's id, and Args maps the referenced
// route's parameter names to expressions that may reference this
// route's own parameters by name (e.g. "$region").
type RouteUse struct {
	Alias string
	Call  string
	Mode  UseMode
	Args  map[string]string
}

// CacheMode controls whether a route's result is paged to disk.
type CacheMode string

const (
	CacheModeMaterialize CacheMode = "materialize"
	CacheModePassthrough CacheMode = "passthrough"
)

// InvariantFilterSetting declares that a parameter partitions cached
// pages via the invariant index rather than the fingerprint.
type InvariantFilterSetting struct {
	Param           string
	Column          string // result-table column backing Param; defaults to Param when unset
	CaseInsensitive bool
	Separator       string // empty means the parameter is scalar, not list-valued
}

// CacheSettings is the normalised form of a route's `cache` metadata
// block.
type CacheSettings struct {
	Mode             CacheMode
	RowsPerPage      int
	OrderBy          []string
	InvariantFilters []InvariantFilterSetting
}

// CallableRef identifies a registered preprocessor function by a stable
// key, resolved at compile time and looked up in the preprocessor
// registry at execution time.
type CallableRef struct {
	Module string // callable_module, mutually exclusive with Path
	Path   string // callable_path, mutually exclusive with Module
	Name   string // callable_name
}

// Key returns the stable string the preprocessor registry is keyed by.
func (c CallableRef) Key() string {
	if c.Path != "" {
		return c.Path + ":" + c.Name
	}
	return c.Module + ":" + c.Name
}

// PreprocessStep is one normalised entry of a route's `preprocess`
// metadata list.
type PreprocessStep struct {
	Callable CallableRef
}

// OverrideSettings is the normalised form of a route's `overrides`
// metadata block. Allowed, when non-empty, is the set of columns a
// cell override may target; enforcing it is the HTTP layer's job, not
// the overlay store's, but the compiled definition carries the set so
// that layer has something to check against.
type OverrideSettings struct {
	KeyColumns []string
	Allowed    []string
}

// Definition is the fully compiled, immutable representation of a
// route. Compilation is the only place any of these fields are set;
// the executor treats it as read-only.
type Definition struct {
	ID          string
	Path        string
	Methods     []string
	RawSQL      string
	PreparedSQL string
	ParamOrder  []string // positional bind order, with repetition preserved
	Params      []param.Spec
	Uses        []RouteUse
	CacheMode   CacheMode
	Cache       CacheSettings
	Preprocess  []PreprocessStep
	Overrides   OverrideSettings
	Metadata    map[string]any
}

// ParamByName returns the ParameterSpec named name, or false if this
// route declares no such parameter.
func (d *Definition) ParamByName(name string) (param.Spec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return param.Spec{}, false
}

// UseByAlias returns the RouteUse registered under alias, or false.
func (d *Definition) UseByAlias(alias string) (RouteUse, bool) {
	for _, u := range d.Uses {
		if u.Alias == alias {
			return u, true
		}
	}
	return RouteUse{}, false
}
