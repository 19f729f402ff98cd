package keydom

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// keyword maps a type name accepted in domain specs to its column type.
type keyword struct {
	name string
	typ  Type
}

// keywordTable lists every accepted type name. Declaration order is
// arbitrary; Registry construction sorts its own copy.
var keywordTable = []keyword{
	{"string", TypeString},
	{"varchar", TypeString},
	{"char", TypeString},
	{"text", TypeString},
	{"int", TypeInt64},
	{"int64", TypeInt64},
	{"integer", TypeInt64},
	{"bigint", TypeInt64},
	{"float", TypeFloat64},
	{"float64", TypeFloat64},
	{"double", TypeFloat64},
	{"real", TypeFloat64},
	{"bytes", TypeBytes},
	{"binary", TypeBytes},
	{"blob", TypeBytes},
}

// Registry resolves column type names used by configuration, the root
// header codec, and the CLI. The keyword table is copied and sorted once
// at construction and never mutated afterwards, so a shared Registry is
// safe for concurrent lookups.
type Registry struct {
	entries []keyword
}

// NewRegistry builds a Registry from the static keyword table.
func NewRegistry() *Registry {
	entries := make([]keyword, len(keywordTable))
	copy(entries, keywordTable)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].name < entries[j].name
	})
	return &Registry{entries: entries}
}

// Lookup resolves a type name, case-insensitively.
func (r *Registry) Lookup(name string) (Type, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].name >= name
	})
	if i < len(r.entries) && r.entries[i].name == name {
		return r.entries[i].typ, true
	}
	return 0, false
}

// Names returns all accepted type names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// ParseDomain parses a comma-separated column spec like "string" or
// "int64,string" into a Domain.
func (r *Registry) ParseDomain(spec string) (Domain, error) {
	parts := strings.Split(spec, ",")
	d := Domain{Cols: make([]Type, 0, len(parts))}
	for _, p := range parts {
		t, ok := r.Lookup(p)
		if !ok {
			return Domain{}, errors.Wrapf(ErrUnknownType, "%q", strings.TrimSpace(p))
		}
		d.Cols = append(d.Cols, t)
	}
	if err := d.Validate(); err != nil {
		return Domain{}, err
	}
	return d, nil
}

// ParseValue converts a textual value into the Go value Build expects for
// the given column type.
func (r *Registry) ParseValue(t Type, s string) (interface{}, error) {
	switch t {
	case TypeString:
		return s, nil
	case TypeBytes:
		return []byte(s), nil
	case TypeInt64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrValueType, "%q is not an int64", s)
		}
		return v, nil
	case TypeFloat64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrValueType, "%q is not a float64", s)
		}
		return v, nil
	default:
		return nil, ErrUnknownType
	}
}
