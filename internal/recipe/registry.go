// Package recipe holds the name → function registry the dispatch engine uses
// to unpack sequences into experiments and experiments into actions.
//
// Recipes are pure data producers. Each registration declares its parameters
// as a defaults map; the engine passes only those keys (overlaid on the
// defaults) and binds them into a typed struct with Bind.
package recipe

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"runtime"
	"slices"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/laborch/internal/model"
)

var (
	ErrUnknownRecipe   = errors.New("unknown recipe")
	ErrDuplicateRecipe = errors.New("recipe already registered")
)

// SequenceFunc expands sequence params into experiments.
type SequenceFunc func(params map[string]any) ([]*model.Experiment, error)

// ExperimentFunc expands an experiment into actions. exp carries the parent
// identity the actions must copy down.
type ExperimentFunc func(exp *model.Experiment, params map[string]any) ([]*model.Action, error)

// Info describes one registered recipe.
type Info struct {
	Name     string         `json:"name"`
	Kind     string         `json:"kind"`
	Defaults map[string]any `json:"defaults,omitempty"`
	CodeHash string         `json:"codehash"`
}

type sequenceEntry struct {
	fn   SequenceFunc
	info Info
}

type experimentEntry struct {
	fn   ExperimentFunc
	info Info
}

// Registry maps recipe names to functions.
type Registry struct {
	mu          sync.RWMutex
	sequences   map[string]sequenceEntry
	experiments map[string]experimentEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sequences:   map[string]sequenceEntry{},
		experiments: map[string]experimentEntry{},
	}
}

// RegisterSequence adds a sequence recipe. defaults declares its parameters;
// nil means the recipe accepts every key it is given.
func (r *Registry) RegisterSequence(name string, fn SequenceFunc, defaults map[string]any) error {
	if name == "" || fn == nil {
		return errors.New("sequence recipe needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sequences[name]; ok {
		return fmt.Errorf("sequence %q: %w", name, ErrDuplicateRecipe)
	}
	r.sequences[name] = sequenceEntry{fn: fn, info: Info{
		Name: name, Kind: "sequence", Defaults: maps.Clone(defaults), CodeHash: CodeHash(fn, defaults),
	}}
	return nil
}

// RegisterExperiment adds an experiment recipe.
func (r *Registry) RegisterExperiment(name string, fn ExperimentFunc, defaults map[string]any) error {
	if name == "" || fn == nil {
		return errors.New("experiment recipe needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.experiments[name]; ok {
		return fmt.Errorf("experiment %q: %w", name, ErrDuplicateRecipe)
	}
	r.experiments[name] = experimentEntry{fn: fn, info: Info{
		Name: name, Kind: "experiment", Defaults: maps.Clone(defaults), CodeHash: CodeHash(fn, defaults),
	}}
	return nil
}

// Sequence looks up a sequence recipe.
func (r *Registry) Sequence(name string) (SequenceFunc, Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sequences[name]
	if !ok {
		return nil, Info{}, fmt.Errorf("sequence %q: %w", name, ErrUnknownRecipe)
	}
	return e.fn, e.info, nil
}

// Experiment looks up an experiment recipe.
func (r *Registry) Experiment(name string) (ExperimentFunc, Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.experiments[name]
	if !ok {
		return nil, Info{}, fmt.Errorf("experiment %q: %w", name, ErrUnknownRecipe)
	}
	return e.fn, e.info, nil
}

// List returns every registered recipe sorted by kind then name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sequences)+len(r.experiments))
	for _, e := range r.experiments {
		out = append(out, e.info)
	}
	for _, e := range r.sequences {
		out = append(out, e.info)
	}
	slices.SortFunc(out, func(a, b Info) int {
		if a.Kind != b.Kind {
			if a.Kind < b.Kind {
				return -1
			}
			return 1
		}
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// Resolve overlays params on the recipe defaults, keeping only declared keys.
// With no declared defaults, params pass through unchanged.
func (i Info) Resolve(params map[string]any) map[string]any {
	if len(i.Defaults) == 0 {
		return maps.Clone(params)
	}
	out := maps.Clone(i.Defaults)
	for k, v := range params {
		if _, declared := i.Defaults[k]; declared {
			out[k] = v
		}
	}
	return out
}

// Bind decodes params into dst (a pointer to a struct with json tags).
func Bind(params map[string]any, dst any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("bind params: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("bind params: %w", err)
	}
	return nil
}

// CodeHash identifies a recipe by its function symbol and declared defaults.
func CodeHash(fn any, defaults map[string]any) string {
	h := blake3.New()
	if fn != nil {
		if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
			_, _ = h.Write([]byte(f.Name()))
		}
	}
	// encoding/json sorts map keys, so this is stable.
	if raw, err := json.Marshal(defaults); err == nil {
		_, _ = h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}
