// Package metadata answers class-hierarchy questions for the hierarchy
// pipeline: is-a checks, class labels and class tables.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var ErrClassNotFound = errors.New("class not found")

// ClassInspector is what grouping and search matching need.
type ClassInspector interface {
	// DerivesFrom reports whether derived is base or a subclass of it.
	DerivesFrom(ctx context.Context, derived, base string) (bool, error)
	// ClassLabel returns the display label of a class.
	ClassLabel(ctx context.Context, name string) (string, error)
}

// Catalog extends ClassInspector with what the SQL provider needs.
type Catalog interface {
	ClassInspector
	// DerivedClasses lists base and all of its subclasses, sorted.
	DerivedClasses(ctx context.Context, base string) ([]string, error)
	// TableName returns the table holding instances of a class.
	TableName(ctx context.Context, name string) (string, error)
}

func notFound(name string) error {
	return fmt.Errorf("%w: %s", ErrClassNotFound, name)
}

// StaticClass describes one class of a StaticInspector.
type StaticClass struct {
	Label string
	Bases []string
	Table string
}

// StaticInspector is an in-memory Catalog.
type StaticInspector struct {
	classes map[string]StaticClass
}

func NewStaticInspector(classes map[string]StaticClass) *StaticInspector {
	return &StaticInspector{classes: classes}
}

func (s *StaticInspector) DerivesFrom(ctx context.Context, derived, base string) (bool, error) {
	if _, ok := s.classes[base]; !ok {
		return false, notFound(base)
	}
	if _, ok := s.classes[derived]; !ok {
		return false, notFound(derived)
	}
	seen := map[string]bool{}
	stack := []string{derived}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if c == base {
			return true, nil
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		stack = append(stack, s.classes[c].Bases...)
	}
	return false, nil
}

func (s *StaticInspector) ClassLabel(_ context.Context, name string) (string, error) {
	c, ok := s.classes[name]
	if !ok {
		return "", notFound(name)
	}
	if c.Label == "" {
		return name, nil
	}
	return c.Label, nil
}

func (s *StaticInspector) DerivedClasses(ctx context.Context, base string) ([]string, error) {
	if _, ok := s.classes[base]; !ok {
		return nil, notFound(base)
	}
	var out []string
	for name := range s.classes {
		ok, err := s.DerivesFrom(ctx, name, base)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *StaticInspector) TableName(_ context.Context, name string) (string, error) {
	c, ok := s.classes[name]
	if !ok {
		return "", notFound(name)
	}
	return c.Table, nil
}
