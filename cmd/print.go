package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/agentic-research/arbor/internal/tree"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
	"gopkg.in/yaml.v3"
)

type printOptions struct {
	search     []string
	reveal     string
	expandAll  bool
	maxDepth   int
	limit      int
	format     string
	metrics    bool
	selectPath bool
}

var (
	printOpts  printOptions
	searchOpts printOptions
)

func addTreeFlags(c *cobra.Command, o *printOptions, defaultReveal string) {
	f := c.Flags()
	f.StringVar(&defPath, "hierarchy", "", "Path to the hierarchy definition (.hcl or .json)")
	f.StringVar(&sourceName, "source", "", "Origin name of the source database's instance keys")
	f.StringArrayVar(&o.search, "search", nil, "Search path: segments @key or class#id joined by /")
	f.StringVar(&o.reveal, "reveal", defaultReveal, "Reveal for search targets: none, all, path:N, hierarchy:N")
	f.BoolVar(&o.expandAll, "expand-all", false, "Expand every node")
	f.IntVar(&o.maxDepth, "max-depth", 16, "Depth bound for --expand-all")
	f.IntVar(&o.limit, "limit", 0, "Row limit per hierarchy level (0: default, -1: unlimited)")
	f.StringVarP(&o.format, "format", "f", "text", "Output format: text, json or yaml")
	f.BoolVar(&o.metrics, "metrics", false, "Print load metrics to stderr")
}

func init() {
	addTreeFlags(printCmd, &printOpts, "none")
	addTreeFlags(searchCmd, &searchOpts, "all")
	rootCmd.AddCommand(printCmd, searchCmd)
}

var printCmd = &cobra.Command{
	Use:   "print",
	Short: "Load a hierarchy and print it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTree(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), printOpts)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search path...",
	Short: "Print the part of a hierarchy leading to search targets",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o := searchOpts
		o.search = append(slices.Clone(o.search), args...)
		o.selectPath = true
		return runTree(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), o)
	},
}

func runTree(ctx context.Context, out, errOut io.Writer, o printOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	paths, err := parseSearchPaths(o.search, o.reveal, sourceName)
	if err != nil {
		return err
	}
	s.search(paths)

	reg := prometheus.NewRegistry()
	actions := tree.NewActions(s.provider, tree.Options{
		HierarchyLevelSizeLimit: o.limit,
		Metrics:                 tree.NewMetrics(reg),
	})
	defer actions.Close()

	if err := actions.ReloadTree(tree.ReloadOptions{ParentID: tree.RootID}); err != nil {
		return err
	}
	actions.Wait()
	if o.expandAll {
		if err := expandAll(actions, o.maxDepth); err != nil {
			return err
		}
	}
	if o.selectPath {
		selectTargets(actions)
	}

	if err := render(out, o.format, actions.Tree()); err != nil {
		return err
	}
	if o.metrics {
		return writeMetrics(errOut, reg)
	}
	return nil
}

// expandAll expands nodes with unloaded children, level by level.
func expandAll(a *tree.Actions, maxDepth int) error {
	for range maxDepth {
		var pending []string
		walk(a.Tree(), func(n *tree.TreeNode) {
			if len(n.Children) == 1 && n.Children[0].Kind == tree.KindPlaceholder.String() {
				pending = append(pending, n.ID)
			}
		})
		if len(pending) == 0 {
			return nil
		}
		for _, id := range pending {
			if err := a.Expand(id, true); err != nil {
				return err
			}
		}
		a.Wait()
	}
	return nil
}

// selectTargets selects the expanded leaves of a search walk: nodes that
// are loaded but not expanded below an expanded parent.
func selectTargets(a *tree.Actions) {
	var ids []string
	var visit func(nodes []*tree.TreeNode, parentExpanded bool)
	visit = func(nodes []*tree.TreeNode, parentExpanded bool) {
		for _, n := range nodes {
			if n.Kind != tree.KindHierarchy.String() {
				continue
			}
			if parentExpanded && !n.IsExpanded && n.Key != nil && !n.Key.IsGrouping() {
				ids = append(ids, n.ID)
			}
			visit(n.Children, n.IsExpanded)
		}
	}
	visit(a.Tree(), true)
	if len(ids) > 0 {
		_ = a.SelectNodes(ids, tree.SelectReplace) // ids come from the same tree
	}
}

func walk(nodes []*tree.TreeNode, fn func(n *tree.TreeNode)) {
	for _, n := range nodes {
		fn(n)
		walk(n.Children, fn)
	}
}

func render(w io.Writer, format string, nodes []*tree.TreeNode) error {
	switch format {
	case "json":
		b, err := json.MarshalIndent(nodes, "", "  ")
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(nodes); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case "text", "":
		t := treeprint.NewWithRoot(".")
		addBranch(t, nodes)
		_, err := fmt.Fprint(w, t.String())
		return err
	}
	return fmt.Errorf("unknown format %q", format)
}

func addBranch(b treeprint.Tree, nodes []*tree.TreeNode) {
	for _, n := range nodes {
		label := describe(n)
		if len(n.Children) == 0 {
			b.AddNode(label)
			continue
		}
		addBranch(b.AddBranch(label), n.Children)
	}
}

func describe(n *tree.TreeNode) string {
	switch n.Kind {
	case tree.KindInfo.String():
		return fmt.Sprintf("(!) %s [%s]", n.Label, n.Info)
	case tree.KindPlaceholder.String():
		return "..."
	}
	var marks []string
	if n.IsSelected {
		marks = append(marks, "*")
	}
	if n.HasChildren && !n.IsExpanded {
		marks = append(marks, "+")
	}
	if n.HierarchyLimit != 0 {
		marks = append(marks, fmt.Sprintf("limit=%d", n.HierarchyLimit))
	}
	if len(marks) == 0 {
		return n.Label
	}
	return n.Label + " [" + strings.Join(marks, " ") + "]"
}

func writeMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				v = float64(m.GetHistogram().GetSampleCount())
			}
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += fmt.Sprintf("{%s=%q}", lp.GetName(), lp.GetValue())
			}
			if _, err := fmt.Fprintf(w, "%s %g\n", name, v); err != nil {
				return err
			}
		}
	}
	return nil
}
