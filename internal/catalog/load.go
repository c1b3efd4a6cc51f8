package catalog

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultCatalog []byte

// fileSpec is the on-disk shape of a catalog document.
type fileSpec struct {
	Interfaces []Interface    `yaml:"interfaces"`
	Pipelines  []PipelineSpec `yaml:"pipelines"`
}

// Load builds the catalog from the embedded defaults plus an optional user
// file. User entries replace defaults with the same name; new entries are
// appended. The merged catalog is fully validated before use.
func Load(userPath string) (*Catalog, error) {
	c := &Catalog{
		ifaces: make(map[string]*Interface),
		pipes:  make(map[string]*PipelineSpec),
	}

	var defaults fileSpec
	if err := yaml.Unmarshal(defaultCatalog, &defaults); err != nil {
		return nil, eris.Wrap(err, "catalog: parse embedded defaults")
	}
	c.add(defaults)

	if userPath != "" {
		data, err := os.ReadFile(userPath)
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: read %s", userPath)
		}
		var user fileSpec
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, eris.Wrapf(err, "catalog: parse %s", userPath)
		}
		c.add(user)
	}

	for _, name := range c.order {
		if err := c.ifaces[name].validate(); err != nil {
			return nil, err
		}
	}
	for _, name := range c.pipeOrder {
		if err := c.pipes[name].validate(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Catalog) add(spec fileSpec) {
	for idx := range spec.Interfaces {
		i := &spec.Interfaces[idx]
		if _, exists := c.ifaces[i.Name]; !exists {
			c.order = append(c.order, i.Name)
		}
		c.ifaces[i.Name] = i
	}
	for idx := range spec.Pipelines {
		p := &spec.Pipelines[idx]
		if _, exists := c.pipes[p.Name]; !exists {
			c.pipeOrder = append(c.pipeOrder, p.Name)
		}
		c.pipes[p.Name] = p
	}
}

// LoadPipelineFile parses a standalone pipeline document and validates it
// against the catalog.
func LoadPipelineFile(c *Catalog, path string) (*PipelineSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read pipeline file %s", path)
	}

	var p PipelineSpec
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrapf(err, "catalog: parse pipeline file %s", path)
	}
	if p.Name == "" {
		p.Name = path
	}
	if err := p.validate(c); err != nil {
		return nil, err
	}
	return &p, nil
}
