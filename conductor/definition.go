// Package conductor composes conductors and runs requests through them.
//
// A Definition is an immutable bundle of properties, stage blocks keyed by
// int and data groups keyed by name. Definitions are composed once at startup
// from zero or more base definitions plus local overrides: blocks and groups
// sharing a key are concatenated base first, properties are replaced by the
// declaration's own except for keys listed in Extend, which are deep merged.
//
// A request is served by Handler: it creates a Context bound to the routed
// definition and runs the blocks in ascending key order. A stage may reassign
// the context to another definition (Context.Shard); the run then resumes on
// the new definition after the current key.
package conductor

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/hanpama/conductor/data"
	"github.com/hanpama/conductor/keyed"
	"github.com/hanpama/conductor/props"
)

// DefaultGroup is the group name of models declared with Models.
const DefaultGroup = "default"

// Blocks is a stage table keyed by block number.
type Blocks = keyed.Table[int, Stage]

// Groups is a data factory table keyed by group name.
type Groups = keyed.Table[string, data.Factory]

// Flat declares a single block at key 0.
func Flat(stages ...Stage) Blocks { return keyed.Single(0, stages...) }

// Nested declares one block per slot, keyed by its index.
func Nested(blocks ...[]Stage) Blocks { return keyed.FromBlocks(blocks) }

// Keyed declares blocks at explicit keys.
func Keyed(m map[int][]Stage) Blocks { return keyed.New(m) }

// Models declares factories in DefaultGroup.
func Models(factories ...data.Factory) Groups { return keyed.Single(DefaultGroup, factories...) }

// ModelGroups declares factories per group name.
func ModelGroups(m map[string][]data.Factory) Groups { return keyed.New(m) }

// Declaration describes a conductor to New.
type Declaration struct {
	// Name is used in logs and events. Required.
	Name string
	// Deps are the base definitions, folded left to right.
	Deps []*Definition

	// Props computes the own properties from the inherited ones. The returned
	// bag replaces the inherited one, except for Extend keys.
	Props func(inherited props.Bag) props.Bag
	// PropValues is the plain form of Props. Setting both is an error.
	PropValues map[string]any
	// Extend lists property keys deep merged with the inherited value
	// instead of replaced.
	Extend []string

	Handlers Blocks
	Models   Groups
}

// Definition is an immutable, composed conductor. It is safe for concurrent
// use by any number of requests.
type Definition struct {
	name   string
	props  props.Bag
	stages Blocks
	models Groups
}

// New composes a definition. All failures wrap ErrConfig.
func New(decl Declaration) (*Definition, error) {
	if decl.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrConfig)
	}
	if decl.Props != nil && decl.PropValues != nil {
		return nil, fmt.Errorf("%w: %s: props given both as function and values", ErrConfig, decl.Name)
	}

	stageTables := make([]Blocks, 0, len(decl.Deps)+1)
	modelTables := make([]Groups, 0, len(decl.Deps)+1)
	inherited := map[string]any{}
	for i, dep := range decl.Deps {
		if dep == nil {
			return nil, fmt.Errorf("%w: %s: dependency %d is not a conductor", ErrConfig, decl.Name, i)
		}
		stageTables = append(stageTables, dep.stages)
		modelTables = append(modelTables, dep.models)
		for k, v := range dep.props.All() {
			inherited[k] = v
		}
	}

	for key, stages := range decl.Handlers.All() {
		for i, s := range stages {
			if isNilStage(s) {
				return nil, fmt.Errorf("%w: %s: stage %d in block %d is not a function", ErrConfig, decl.Name, i, key)
			}
		}
	}
	for group, factories := range decl.Models.All() {
		for i, f := range factories {
			if f == nil {
				return nil, fmt.Errorf("%w: %s: model %d in group %q is nil", ErrConfig, decl.Name, i, group)
			}
		}
	}

	def := &Definition{
		name:   decl.Name,
		stages: keyed.Fold(append(stageTables, decl.Handlers)...),
		models: keyed.Fold(append(modelTables, decl.Models)...),
	}

	base := props.New(inherited)
	switch {
	case decl.Props != nil:
		def.props = props.Extend(base, decl.Props(base), decl.Extend)
	case decl.PropValues != nil:
		def.props = props.Extend(base, props.New(decl.PropValues), decl.Extend)
	default:
		def.props = base
	}
	return def, nil
}

// MustNew is New for package level declarations; it panics on error.
func MustNew(decl Declaration) *Definition {
	def, err := New(decl)
	if err != nil {
		panic(err)
	}
	return def
}

func (d *Definition) Name() string { return d.name }

// Props returns the frozen property bag.
func (d *Definition) Props() props.Bag { return d.props }

// Prop returns a copy of one property.
func (d *Definition) Prop(name string) (any, bool) { return d.props.Get(name) }

// StageKeys returns the block keys in ascending order.
func (d *Definition) StageKeys() []int { return d.stages.Keys() }

// Stages returns the block at key.
func (d *Definition) Stages(key int) ([]Stage, error) {
	stages, ok := d.stages.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no block %d", ErrNoSuchBlock, d.name, key)
	}
	return stages, nil
}

// GroupNames returns the data group names in ascending order.
func (d *Definition) GroupNames() []string { return d.models.Keys() }

// CreateData instantiates the factories of group for one request without
// resolving them, base declarations first.
func (d *Definition) CreateData(group string, w http.ResponseWriter, r *http.Request) ([]*data.Instance, error) {
	factories, ok := d.models.Get(group)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no group %q", ErrNoSuchGroup, d.name, group)
	}
	out := make([]*data.Instance, len(factories))
	for i, f := range factories {
		out[i] = f(w, r)
	}
	return out, nil
}

// DebugStack lists the stages in execution order as "<key>-<name>".
func (d *Definition) DebugStack() []string {
	var out []string
	for key, stages := range d.stages.All() {
		for _, s := range stages {
			out = append(out, strconv.Itoa(key)+"-"+StageName(s))
		}
	}
	return out
}

func (d *Definition) String() string { return d.name }
