package gate

import (
	"slices"

	"platforminit/pkg/builtin"
	"platforminit/pkg/feature"
)

// Requirement is one feature the application needs, with its arguments.
type Requirement struct {
	ID   string `json:"id"`
	Args []any  `json:"args"`
}

// Features is the ordered feature configuration handed to New.
type Features struct {
	entries []Requirement
}

// NewFeatures returns an empty configuration.
func NewFeatures() *Features {
	return &Features{}
}

// Set requires id with value as argument. A []any value is an argument list.
// nil and false leave the feature out. Setting an id twice keeps its first
// position and the last value.
func (f *Features) Set(id string, value any) *Features {
	switch v := value.(type) {
	case nil:
		return f
	case bool:
		if !v {
			return f
		}
		return f.Add(id, v)
	case []any:
		return f.Add(id, v...)
	default:
		return f.Add(id, v)
	}
}

// Add requires id with an explicit argument list.
func (f *Features) Add(id string, args ...any) *Features {
	args = slices.Clone(args)
	for i := range f.entries {
		if f.entries[i].ID == id {
			f.entries[i].Args = args
			return f
		}
	}
	f.entries = append(f.entries, Requirement{ID: id, Args: args})
	return f
}

// Requirements returns the configured entries in insertion order.
func (f *Features) Requirements() []Requirement {
	if f == nil {
		return nil
	}
	return slices.Clone(f.entries)
}

// Len returns the number of configured entries.
func (f *Features) Len() int {
	if f == nil {
		return 0
	}
	return len(f.entries)
}

// companions lists features that are required automatically, with the same
// arguments, right after another one.
//
//nolint:gochecknoglobals // fixed companion map
var companions = map[string]string{
	builtin.WebAudio: builtin.IOSSampleRateGuard,
}

type requirement struct {
	Requirement
	def feature.Definition
}

// resolveRequirements maps configured ids to definitions, deduplicating by the
// canonical definition id: the first position is kept and the last arguments win.
func resolveRequirements(reg *feature.Registry, features *Features) ([]requirement, error) {
	var out []requirement

	indexOf := func(id string) int {
		return slices.IndexFunc(out, func(r requirement) bool { return r.ID == id })
	}

	add := func(id string, args []any) (string, error) {
		def, err := reg.Resolve(id)
		if err != nil {
			return "", &UnknownFeatureError{ID: id}
		}
		if i := indexOf(def.ID); i >= 0 {
			out[i].Args = args
			return def.ID, nil
		}
		out = append(out, requirement{Requirement: Requirement{ID: def.ID, Args: args}, def: def})
		return def.ID, nil
	}

	for _, r := range features.Requirements() {
		id, err := add(r.ID, r.Args)
		if err != nil {
			return nil, err
		}

		companion, ok := companions[id]
		if !ok {
			continue
		}
		companionID, err := add(companion, r.Args)
		if err != nil {
			return nil, err
		}

		// Keep the companion directly after its primary.
		ci := indexOf(companionID)
		entry := out[ci]
		out = slices.Delete(out, ci, ci+1)
		out = slices.Insert(out, indexOf(id)+1, entry)
	}

	return out, nil
}
