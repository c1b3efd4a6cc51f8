// Package catalog defines the closed registry of data-provider interfaces.
//
// An Interface describes one provider endpoint: the function to call, its
// parameters, the target table, the business key that identifies a row, and
// the typed schema canonical records must satisfy. The catalog is loaded once
// at startup, validated, and treated as read-only data afterwards.
package catalog

import (
	"github.com/rotisserie/eris"
)

// FieldType enumerates the value types a canonical field may hold.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldDecimal   FieldType = "decimal"
	FieldDate      FieldType = "date"
	FieldTimestamp FieldType = "timestamp"
	FieldBool      FieldType = "bool"
)

func (t FieldType) valid() bool {
	switch t {
	case FieldString, FieldDecimal, FieldDate, FieldTimestamp, FieldBool:
		return true
	default:
		return false
	}
}

// DuplicateMode controls how the store treats rows that collide with an
// existing business key.
type DuplicateMode string

const (
	// ModeStrict fails the whole batch on a key collision.
	ModeStrict DuplicateMode = "strict"
	// ModeIgnore skips colliding rows and keeps the rest.
	ModeIgnore DuplicateMode = "ignore"
	// ModeUpsert replaces colliding rows, preserving insert_time.
	ModeUpsert DuplicateMode = "upsert"
)

func (m DuplicateMode) valid() bool {
	switch m {
	case ModeStrict, ModeIgnore, ModeUpsert:
		return true
	default:
		return false
	}
}

// Field describes one canonical column of the target table.
type Field struct {
	Name     string    `yaml:"name"`
	Type     FieldType `yaml:"type"`
	Nullable bool      `yaml:"nullable"`
	// Layout is the Go time layout for date/timestamp parsing. Optional;
	// the cleaner falls back to flexible parsing when it does not match.
	Layout string `yaml:"layout"`
}

// Param is one ordered provider-call parameter.
type Param struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Injection copies a call parameter into a canonical field on every record,
// so values that only appear in the request (the symbol being fetched) can
// participate in the business key.
type Injection struct {
	Field string `yaml:"field"`
	Param string `yaml:"param"`
}

// Interface is one entry of the catalog. Immutable once loaded; identity is
// Name.
type Interface struct {
	Name         string            `yaml:"name"`
	ProviderFunc string            `yaml:"provider_func"`
	Table        string            `yaml:"table"`
	Params       []Param           `yaml:"params"`
	Inject       []Injection       `yaml:"inject"`
	BusinessKey  []string          `yaml:"business_key"`
	FieldMap     map[string]string `yaml:"field_map"`
	Schema       []Field           `yaml:"schema"`
	Mode         DuplicateMode     `yaml:"mode"`
	AllowEmpty   bool              `yaml:"allow_empty"`
	MaxAttempts  int               `yaml:"max_attempts"`
	// NAValues overrides the default set of tokens treated as null.
	NAValues []string `yaml:"na_values"`
}

// Field returns the schema field with the given canonical name.
func (i *Interface) Field(name string) (*Field, bool) {
	for idx := range i.Schema {
		if i.Schema[idx].Name == name {
			return &i.Schema[idx], true
		}
	}
	return nil, false
}

// CanonicalName maps a raw provider field name to its canonical name.
func (i *Interface) CanonicalName(raw string) string {
	if c, ok := i.FieldMap[raw]; ok {
		return c
	}
	return raw
}

// Columns returns the canonical column names in schema order.
func (i *Interface) Columns() []string {
	cols := make([]string, len(i.Schema))
	for idx, f := range i.Schema {
		cols[idx] = f.Name
	}
	return cols
}

func (i *Interface) validate() error {
	if i.Name == "" {
		return eris.New("catalog: interface with empty name")
	}
	if i.ProviderFunc == "" {
		return eris.Errorf("catalog: %s: provider_func is required", i.Name)
	}
	if i.Table == "" {
		return eris.Errorf("catalog: %s: table is required", i.Name)
	}
	if len(i.BusinessKey) == 0 {
		return eris.Errorf("catalog: %s: business_key is required", i.Name)
	}
	if len(i.Schema) == 0 {
		return eris.Errorf("catalog: %s: schema is required", i.Name)
	}
	if i.Mode == "" {
		i.Mode = ModeIgnore
	}
	if !i.Mode.valid() {
		return eris.Errorf("catalog: %s: unknown mode %q (valid: strict, ignore, upsert)", i.Name, i.Mode)
	}

	seen := make(map[string]bool, len(i.Schema))
	for _, f := range i.Schema {
		if f.Name == "" {
			return eris.Errorf("catalog: %s: schema field with empty name", i.Name)
		}
		if seen[f.Name] {
			return eris.Errorf("catalog: %s: duplicate schema field %q", i.Name, f.Name)
		}
		seen[f.Name] = true
		if !f.Type.valid() {
			return eris.Errorf("catalog: %s: field %q has unknown type %q", i.Name, f.Name, f.Type)
		}
	}

	for _, k := range i.BusinessKey {
		f, ok := i.Field(k)
		if !ok {
			return eris.Errorf("catalog: %s: business_key field %q not in schema", i.Name, k)
		}
		if f.Nullable {
			return eris.Errorf("catalog: %s: business_key field %q must not be nullable", i.Name, k)
		}
	}

	for _, c := range i.FieldMap {
		if _, ok := i.Field(c); !ok {
			return eris.Errorf("catalog: %s: field_map target %q not in schema", i.Name, c)
		}
	}

	params := make(map[string]bool, len(i.Params))
	for _, p := range i.Params {
		params[p.Name] = true
	}
	for _, inj := range i.Inject {
		if _, ok := i.Field(inj.Field); !ok {
			return eris.Errorf("catalog: %s: inject target %q not in schema", i.Name, inj.Field)
		}
		if !params[inj.Param] {
			return eris.Errorf("catalog: %s: inject source param %q not declared", i.Name, inj.Param)
		}
	}

	return nil
}

// TaskSpec is one task of a pipeline: an interface invocation with optional
// parameter and mode overrides.
type TaskSpec struct {
	Name      string        `yaml:"name"`
	Interface string        `yaml:"interface"`
	Params    []Param       `yaml:"params"`
	Mode      DuplicateMode `yaml:"mode"`
}

// PipelineSpec is a named, ordered list of tasks executed as one run.
type PipelineSpec struct {
	Name  string     `yaml:"name"`
	Tasks []TaskSpec `yaml:"tasks"`
}

func (p *PipelineSpec) validate(c *Catalog) error {
	if p.Name == "" {
		return eris.New("catalog: pipeline with empty name")
	}
	if len(p.Tasks) == 0 {
		return eris.Errorf("catalog: pipeline %s: no tasks", p.Name)
	}
	names := make(map[string]bool, len(p.Tasks))
	for idx := range p.Tasks {
		t := &p.Tasks[idx]
		if t.Interface == "" {
			return eris.Errorf("catalog: pipeline %s: task without interface", p.Name)
		}
		if _, err := c.Get(t.Interface); err != nil {
			return eris.Wrapf(err, "catalog: pipeline %s", p.Name)
		}
		if t.Name == "" {
			t.Name = t.Interface
		}
		if names[t.Name] {
			return eris.Errorf("catalog: pipeline %s: duplicate task name %q", p.Name, t.Name)
		}
		names[t.Name] = true
		if t.Mode != "" && !t.Mode.valid() {
			return eris.Errorf("catalog: pipeline %s: task %s: unknown mode %q", p.Name, t.Name, t.Mode)
		}
	}
	return nil
}

// Catalog is the closed set of interfaces and pipelines known to the
// application.
type Catalog struct {
	ifaces    map[string]*Interface
	order     []string
	pipes     map[string]*PipelineSpec
	pipeOrder []string
}

// Get returns the interface with the given name.
func (c *Catalog) Get(name string) (*Interface, error) {
	i, ok := c.ifaces[name]
	if !ok {
		return nil, eris.Errorf("catalog: unknown interface %q", name)
	}
	return i, nil
}

// Names returns all interface names in declaration order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Interfaces returns all interfaces in declaration order.
func (c *Catalog) Interfaces() []*Interface {
	out := make([]*Interface, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.ifaces[name])
	}
	return out
}

// Pipeline returns the pipeline with the given name.
func (c *Catalog) Pipeline(name string) (*PipelineSpec, error) {
	p, ok := c.pipes[name]
	if !ok {
		return nil, eris.Errorf("catalog: unknown pipeline %q", name)
	}
	return p, nil
}

// PipelineNames returns all pipeline names in declaration order.
func (c *Catalog) PipelineNames() []string {
	out := make([]string, len(c.pipeOrder))
	copy(out, c.pipeOrder)
	return out
}

// MergeParams combines interface defaults with task-level overrides.
// Overrides replace parameters of the same name in place; new parameters are
// appended, so ordering stays deterministic.
func MergeParams(base, overrides []Param) []Param {
	merged := make([]Param, len(base))
	copy(merged, base)
	for _, o := range overrides {
		replaced := false
		for idx := range merged {
			if merged[idx].Name == o.Name {
				merged[idx].Value = o.Value
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, o)
		}
	}
	return merged
}
