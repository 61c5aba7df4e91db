// Package compiler turns a route's raw metadata and SQL text into an
// immutable routedef.Definition: placeholder rewriting, cache-block
// normalisation, preprocess-entry normalisation, inline directive
// merging, and uses validation all happen here, once, at compile time.
package compiler

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/routegrid/engine/internal/param"
	"github.com/routegrid/engine/internal/routedef"
	"github.com/routegrid/engine/pkg/execerr"
)

// placeholderPattern matches both {{name}} and $name surface forms,
// capturing the bare identifier in whichever group matched.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// RouteInput is the raw metadata table + SQL text the compiler accepts,
// mirroring the shape described for route authoring: a metadata map
// plus the SQL string it governs.
type RouteInput struct {
	ID         string
	Path       string
	Methods    []string
	SQL        string
	Params     []param.Spec
	Cache      map[string]any
	Overrides  map[string]any
	Preprocess []map[string]any
	Uses       []map[string]any
	Metadata   map[string]any
	CacheMode  string // "materialize" (default) or "passthrough"
	DefaultRowsPerPage int
}

// Compile produces a routedef.Definition from in, or a terminal
// *execerr.Error. Partial output is never returned alongside an error.
func Compile(in RouteInput) (*routedef.Definition, error) {
	paramSet := make(map[string]param.Spec, len(in.Params))
	for _, p := range in.Params {
		if !p.Type.Valid() {
			return nil, execerr.WrapParam(execerr.CodeRouteCompilationError, p.Name,
				fmt.Errorf("unknown parameter type %q", p.Type))
		}
		paramSet[p.Name] = p
	}

	prepared, order, err := rewritePlaceholders(in.SQL, paramSet)
	if err != nil {
		return nil, err
	}

	mergedCache := mergeDirectives(in.Cache, parseDirectives(in.SQL, "cache"))
	cacheSettings, err := normalizeCache(mergedCache, in.DefaultRowsPerPage)
	if err != nil {
		return nil, err
	}

	cacheMode := routedef.CacheModeMaterialize
	if in.CacheMode == string(routedef.CacheModePassthrough) {
		cacheMode = routedef.CacheModePassthrough
	}

	steps, err := normalizePreprocess(in.Preprocess)
	if err != nil {
		return nil, err
	}

	uses, err := normalizeUses(in.Uses)
	if err != nil {
		return nil, err
	}

	overrides := routedef.OverrideSettings{}
	if in.Overrides != nil {
		if cols, ok := in.Overrides["key_columns"]; ok {
			overrides.KeyColumns = toStringList(cols)
		}
		if allowed, ok := in.Overrides["allowed"]; ok {
			overrides.Allowed = toStringList(allowed)
		}
	}

	return &routedef.Definition{
		ID:          in.ID,
		Path:        in.Path,
		Methods:     in.Methods,
		RawSQL:      in.SQL,
		PreparedSQL: prepared,
		ParamOrder:  order,
		Params:      in.Params,
		Uses:        uses,
		CacheMode:   cacheMode,
		Cache:       cacheSettings,
		Preprocess:  steps,
		Overrides:   overrides,
		Metadata:    in.Metadata,
	}, nil
}

// rewritePlaceholders replaces every {{name}}/$name occurrence with
// $param_<name>, left to right, and records param_order with repetition
// preserved. It is idempotent: the same (sql, params) always produces
// the same prepared text and order, byte for byte.
func rewritePlaceholders(sql string, params map[string]param.Spec) (string, []string, error) {
	var order []string
	var unknown string

	result := placeholderPattern.ReplaceAllStringFunc(sql, func(match string) string {
		name := placeholderName(match)
		if _, ok := params[name]; !ok {
			unknown = name
			return match
		}
		order = append(order, name)
		return "$param_" + name
	})

	if unknown != "" {
		return "", nil, execerr.WrapParam(execerr.CodeUnknownParameter, unknown,
			fmt.Errorf("placeholder references undeclared parameter %q", unknown))
	}
	return result, order, nil
}

func placeholderName(match string) string {
	sub := placeholderPattern.FindStringSubmatch(match)
	if sub[1] != "" {
		return sub[1]
	}
	return sub[2]
}

// parseDirectives scans SQL line comments of the form
// "-- @<section> key=value key2=value2" for the given section name.
func parseDirectives(sql, section string) map[string]any {
	prefix := "-- @" + section
	out := map[string]any{}
	for _, line := range strings.Split(sql, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, prefix))
		for _, pair := range strings.Fields(rest) {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 {
				continue
			}
			key, val := kv[0], kv[1]
			if existing, ok := out[key]; ok {
				switch e := existing.(type) {
				case []string:
					out[key] = append(e, val)
				default:
					out[key] = []string{fmt.Sprint(e), val}
				}
			} else {
				out[key] = val
			}
		}
	}
	return out
}

// listDirectiveKeys names cache keys whose normalised value is a list,
// so an inline directive and structured metadata for the same key
// append even when each gives a single value.
var listDirectiveKeys = map[string]bool{"order_by": true}

// mergeDirectives combines structured metadata with inline directives:
// lists (repeated inline keys, and list-valued keys such as order_by)
// append, inline values first; scalars shallow-overwrite, and
// structured metadata wins on any scalar key present in both.
func mergeDirectives(structured, inline map[string]any) map[string]any {
	merged := map[string]any{}
	for k, v := range inline {
		merged[k] = v
	}
	for k, v := range structured {
		if existing, ok := merged[k]; ok {
			if _, isList := existing.([]string); isList || listDirectiveKeys[k] {
				merged[k] = append(toStringList(existing), toStringList(v)...)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

func normalizeCache(cache map[string]any, defaultRowsPerPage int) (routedef.CacheSettings, error) {
	settings := routedef.CacheSettings{Mode: routedef.CacheModeMaterialize, RowsPerPage: defaultRowsPerPage}
	if cache == nil {
		return settings, nil
	}

	if raw, ok := cache["order_by"]; ok {
		cols := toStringList(raw)
		for i, c := range cols {
			cols[i] = strings.ToLower(c)
		}
		settings.OrderBy = cols
	}

	if raw, ok := cache["rows_per_page"]; ok {
		n, err := toInt(raw)
		if err != nil {
			return settings, execerr.New(execerr.CodeRouteCompilationError,
				fmt.Sprintf("cache.rows_per_page: %s", err))
		}
		settings.RowsPerPage = n
	}

	if raw, ok := cache["invariant_filters"]; ok {
		entries, ok := raw.([]map[string]any)
		if !ok {
			return settings, execerr.New(execerr.CodeRouteCompilationError,
				"cache.invariant_filters must be a list of entries")
		}
		for _, e := range entries {
			paramName, _ := e["param"].(string)
			if paramName == "" {
				return settings, execerr.New(execerr.CodeRouteCompilationError,
					"invariant_filters entry missing param")
			}
			column, _ := e["column"].(string)
			if column == "" {
				column = paramName
			}
			caseInsensitive, _ := e["case_insensitive"].(bool)
			separator, _ := e["separator"].(string)
			settings.InvariantFilters = append(settings.InvariantFilters, routedef.InvariantFilterSetting{
				Param:           paramName,
				Column:          column,
				CaseInsensitive: caseInsensitive,
				Separator:       separator,
			})
		}
	}

	return settings, nil
}

func normalizePreprocess(entries []map[string]any) ([]routedef.PreprocessStep, error) {
	var steps []routedef.PreprocessStep
	for _, e := range entries {
		ref, err := resolveCallable(e)
		if err != nil {
			return nil, err
		}
		steps = append(steps, routedef.PreprocessStep{Callable: ref})
	}
	return steps, nil
}

func resolveCallable(e map[string]any) (routedef.CallableRef, error) {
	if shorthand, ok := e["callable"].(string); ok {
		parts := strings.SplitN(shorthand, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return routedef.CallableRef{}, execerr.New(execerr.CodeCallableResolutionError,
				fmt.Sprintf("malformed legacy callable shorthand %q", shorthand))
		}
		return routedef.CallableRef{Module: parts[0], Name: parts[1]}, nil
	}

	module, hasModule := e["callable_module"].(string)
	path, hasPath := e["callable_path"].(string)
	name, _ := e["callable_name"].(string)

	if name == "" {
		return routedef.CallableRef{}, execerr.New(execerr.CodeCallableResolutionError,
			"preprocess entry missing callable_name")
	}
	if hasModule && hasPath && module != "" && path != "" {
		return routedef.CallableRef{}, execerr.New(execerr.CodeCallableResolutionError,
			"preprocess entry specifies both callable_module and callable_path")
	}
	if module != "" {
		return routedef.CallableRef{Module: module, Name: name}, nil
	}
	if path != "" {
		return routedef.CallableRef{Path: path, Name: name}, nil
	}
	return routedef.CallableRef{}, execerr.New(execerr.CodeCallableResolutionError,
		"preprocess entry missing callable_module or callable_path")
}

func normalizeUses(entries []map[string]any) ([]routedef.RouteUse, error) {
	seenAlias := map[string]bool{}
	var uses []routedef.RouteUse
	for _, e := range entries {
		alias, _ := e["alias"].(string)
		call, _ := e["call"].(string)
		mode, _ := e["mode"].(string)
		if alias == "" || call == "" {
			return nil, execerr.New(execerr.CodeRouteCompilationError, "uses entry missing alias or call")
		}
		if seenAlias[alias] {
			return nil, execerr.New(execerr.CodeRouteCompilationError,
				fmt.Sprintf("duplicate uses alias %q", alias))
		}
		seenAlias[alias] = true

		useMode := routedef.UseMode(mode)
		if useMode != routedef.UseModeRelation && useMode != routedef.UseModeParquetPath {
			return nil, execerr.New(execerr.CodeRouteCompilationError,
				fmt.Sprintf("uses entry %q has invalid mode %q", alias, mode))
		}

		args := map[string]string{}
		if raw, ok := e["args"].(map[string]any); ok {
			for k, v := range raw {
				args[k] = fmt.Sprint(v)
			}
		}

		uses = append(uses, routedef.RouteUse{Alias: alias, Call: call, Mode: useMode, Args: args})
	}
	return uses, nil
}

func toStringList(v any) []string {
	switch x := v.(type) {
	case []string:
		out := make([]string, len(x))
		copy(out, x)
		return out
	case string:
		return []string{x}
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return nil
	}
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		return int(x), nil
	case string:
		return strconv.Atoi(x)
	default:
		return 0, fmt.Errorf("cannot convert %T to int", v)
	}
}

// SortedKeys returns m's keys in sorted order, for callers that need a
// stable iteration order over map-shaped metadata. Nothing in this
// package calls it.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
