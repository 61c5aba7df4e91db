// Package param implements ParameterSpec: the declared type of a route
// parameter and the deterministic string-to-typed coercion that depends
// only on that type, never on runtime state.
package param

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/routegrid/engine/pkg/execerr"
)

// Type is one of the declared parameter kinds.
type Type string

const (
	TypeString   Type = "string"
	TypeInteger  Type = "integer"
	TypeFloat    Type = "float"
	TypeBoolean  Type = "boolean"
	TypeDate     Type = "date"
	TypeDatetime Type = "datetime"
)

// Valid reports whether t is one of the declared parameter kinds. The
// compiler calls this to reject a route whose metadata names an
// unknown type before it ever reaches coercion.
func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeDate, TypeDatetime:
		return true
	}
	return false
}

// Spec is a route's declaration of one bind parameter, plus the metadata
// a form renderer needs to present it.
type Spec struct {
	Name        string
	Type        Type
	Required    bool
	Default     any
	Description string
	UIControl   string
	UILabel     string
	Options     []string
	Placeholder string
}

// Convert coerces raw into the Go value matching s.Type. Type fully
// determines the coercion; it never depends on anything but raw itself.
func (s Spec) Convert(raw string) (any, error) {
	v, err := convert(s.Type, raw)
	if err != nil {
		return nil, execerr.WrapParam(execerr.CodeInvalidParameter, s.Name, err)
	}
	return v, nil
}

// Resolve returns the request value for the parameter: Convert(raw) when
// a value was supplied, s.Default when not and the parameter isn't
// required, or a missing_parameter error when required and absent.
func (s Spec) Resolve(raw string, supplied bool) (any, error) {
	if !supplied {
		if s.Required {
			return nil, execerr.WrapParam(execerr.CodeMissingParameter, s.Name,
				fmt.Errorf("parameter %q is required", s.Name))
		}
		return s.Default, nil
	}
	return s.Convert(raw)
}

var trueWords = map[string]bool{"true": true, "1": true, "yes": true}
var falseWords = map[string]bool{"false": true, "0": true, "no": true}

func convert(t Type, raw string) (any, error) {
	switch t {
	case TypeString:
		return raw, nil
	case TypeInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a float", raw)
		}
		return f, nil
	case TypeBoolean:
		lower := strings.ToLower(strings.TrimSpace(raw))
		if trueWords[lower] {
			return true, nil
		}
		if falseWords[lower] {
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a recognised boolean", raw)
	case TypeDate:
		ts, err := dateparse.ParseAny(raw)
		if err != nil {
			return nil, fmt.Errorf("%q is not a valid date: %w", raw, err)
		}
		y, m, d := ts.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case TypeDatetime:
		ts, err := dateparse.ParseAny(raw)
		if err != nil {
			return nil, fmt.Errorf("%q is not a valid datetime: %w", raw, err)
		}
		return ts.UTC(), nil
	default:
		return nil, fmt.Errorf("unknown parameter type %q", t)
	}
}
