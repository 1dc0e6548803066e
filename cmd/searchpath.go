package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/search"
)

// parseSearchPath parses "seg/seg/..." where a segment is "@key" for a
// custom node or "class#id" for an instance of the given source.
func parseSearchPath(s string, reveal api.Reveal, source string) (api.SearchPath, error) {
	if strings.TrimSpace(s) == "" {
		return api.SearchPath{}, fmt.Errorf("empty search path")
	}
	var ids []api.Identifier
	for _, seg := range strings.Split(s, "/") {
		seg = strings.TrimSpace(seg)
		switch {
		case strings.HasPrefix(seg, "@"):
			if len(seg) == 1 {
				return api.SearchPath{}, fmt.Errorf("search path %q: empty custom key", s)
			}
			ids = append(ids, api.CustomIdentifier(seg[1:]))
		default:
			class, id, ok := strings.Cut(seg, "#")
			if !ok || class == "" || id == "" {
				return api.SearchPath{}, fmt.Errorf("search path %q: segment %q is neither @key nor class#id", s, seg)
			}
			ids = append(ids, api.Identifier{Instance: &api.InstanceKey{ClassName: class, ID: id, Source: source}})
		}
	}
	return search.NewPath(reveal, ids...), nil
}

// parseReveal parses "none", "all", "path:N" or "hierarchy:N".
func parseReveal(s string) (api.Reveal, error) {
	switch s {
	case "", "none", "false":
		return api.Reveal{}, nil
	case "all", "true":
		return api.Reveal{Kind: api.RevealAll}, nil
	}
	kind, n, ok := strings.Cut(s, ":")
	depth, err := strconv.Atoi(n)
	if !ok || err != nil || depth < 0 {
		return api.Reveal{}, fmt.Errorf("invalid reveal %q", s)
	}
	switch kind {
	case "path":
		return api.RevealDepthPath(depth), nil
	case "hierarchy":
		return api.RevealDepthHierarchy(depth), nil
	}
	return api.Reveal{}, fmt.Errorf("invalid reveal %q", s)
}

func parseSearchPaths(raw []string, reveal, source string) ([]api.SearchPath, error) {
	r, err := parseReveal(reveal)
	if err != nil {
		return nil, err
	}
	paths := make([]api.SearchPath, 0, len(raw))
	for _, s := range raw {
		p, err := parseSearchPath(s, r, source)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}
