package api

import (
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// HierarchyDefinition is the root configuration of a hierarchy.
// It maps parents to the levels that produce their children.
type HierarchyDefinition struct {
	// Version of the definition format.
	Version string `hcl:"version,optional"`
	// Levels in evaluation order. Every level whose parent selector matches
	// contributes children, in this order.
	Levels []LevelDefinition `hcl:"level,block"`
}

// LevelDefinition produces children for the parents matched by Parent.
type LevelDefinition struct {
	Name   string         `hcl:"name,label"`
	Parent ParentSelector `hcl:"parent,block"`
	// Class is the most specific class the query returns. Used to skip the
	// level when no search path can match it. Empty means any class.
	Class string `hcl:"class,optional"`
	// Query returns rows in the row contract column order. Named params
	// :parent_ids, :parent_class, :parent_key and :parent_source are bound
	// when present.
	Query       string                 `hcl:"query,optional"`
	CustomNodes []CustomNodeDefinition `hcl:"custom_node,block"`
}

// ParentSelector matches exactly one kind of parent.
type ParentSelector struct {
	Root        bool   `hcl:"root,optional"`
	Custom      string `hcl:"custom,optional"`
	InstancesOf string `hcl:"instances_of,optional"`
}

// CustomNodeDefinition is a node that does not come from the data source.
type CustomNodeDefinition struct {
	Key              string `hcl:"key,label"`
	Label            string `hcl:"label"`
	HasChildren      *bool  `hcl:"has_children,optional"`
	HideIfNoChildren bool   `hcl:"hide_if_no_children,optional"`
	HideInHierarchy  bool   `hcl:"hide_in_hierarchy,optional"`
	AutoExpand       bool   `hcl:"auto_expand,optional"`
}

var ErrInvalidDefinition = errors.New("invalid hierarchy definition")

// LoadHierarchyDefinition reads a definition from an .hcl or .json file.
func LoadHierarchyDefinition(path string) (*HierarchyDefinition, error) {
	var def HierarchyDefinition
	if err := hclsimple.DecodeFile(path, nil, &def); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseHierarchyDefinition decodes src. filename selects the syntax by
// extension.
func ParseHierarchyDefinition(filename string, src []byte) (*HierarchyDefinition, error) {
	var def HierarchyDefinition
	if err := hclsimple.Decode(filename, src, nil, &def); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filename, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *HierarchyDefinition) Validate() error {
	seen := make(map[string]bool, len(d.Levels))
	for _, l := range d.Levels {
		if seen[l.Name] {
			return fmt.Errorf("%w: duplicate level %q", ErrInvalidDefinition, l.Name)
		}
		seen[l.Name] = true

		n := 0
		if l.Parent.Root {
			n++
		}
		if l.Parent.Custom != "" {
			n++
		}
		if l.Parent.InstancesOf != "" {
			n++
		}
		if n != 1 {
			return fmt.Errorf("%w: level %q must select exactly one parent kind", ErrInvalidDefinition, l.Name)
		}
		if (l.Query == "") == (len(l.CustomNodes) == 0) {
			return fmt.Errorf("%w: level %q needs either a query or custom nodes", ErrInvalidDefinition, l.Name)
		}
	}
	return nil
}
