package grouping

import (
	"context"
	"testing"

	"github.com/agentic-research/arbor/api"
	"github.com/agentic-research/arbor/internal/format"
	"github.com/agentic-research/arbor/internal/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine() *Engine {
	insp := metadata.NewStaticInspector(map[string]metadata.StaticClass{
		"bis.Element":  {Label: "Element"},
		"bis.Physical": {Label: "Physical", Bases: []string{"bis.Element"}},
		"x.Pump":       {Label: "Pump", Bases: []string{"bis.Physical"}},
		"x.Note":       {Label: "Note", Bases: []string{"bis.Element"}},
	})
	return New(insp, format.Default{}, Options{})
}

func inst(class, id, label string, params *api.ProcessingParams) *api.HierarchyNode {
	return &api.HierarchyNode{
		Key:        api.InstancesKey(api.InstanceKey{ClassName: class, ID: id}),
		Label:      label,
		Children:   api.ChildrenNo,
		Processing: params,
	}
}

func byClass(o api.GroupingOptions) *api.ProcessingParams {
	return &api.ProcessingParams{Grouping: api.GroupingParams{ByClass: &api.ClassGroupingParams{GroupingOptions: o}}}
}

func byLabel(action api.LabelGroupingAction, groupID string) *api.ProcessingParams {
	return &api.ProcessingParams{Grouping: api.GroupingParams{
		ByLabel: &api.LabelGroupingParams{Action: action, GroupID: groupID},
	}}
}

func labels(nodes []*api.HierarchyNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Label
	}
	return out
}

func TestClassGrouping_Counts(t *testing.T) {
	e := newEngine()
	p := byClass(api.GroupingOptions{})
	nodes := []*api.HierarchyNode{
		inst("x.Pump", "1", "p1", p),
		inst("x.Note", "2", "n1", p),
		inst("x.Pump", "3", "p2", p),
		inst("x.Pump", "4", "p3", p),
		inst("x.Note", "5", "n2", p),
	}

	res, err := e.Group(context.Background(), nil, nodes)
	require.NoError(t, err)
	require.Len(t, res.Grouped, 2)
	assert.Empty(t, res.Ungrouped)

	notes, pumps := res.Grouped[0], res.Grouped[1]
	assert.Equal(t, "Note", notes.Label)
	assert.Equal(t, api.ClassGroupingKey("x.Note"), notes.Key)
	assert.Len(t, notes.GroupedChildren, 2)
	assert.Len(t, notes.GroupedInstanceKeys, 2)

	assert.Equal(t, "Pump", pumps.Label)
	require.Len(t, pumps.GroupedChildren, 3)
	assert.Equal(t, []string{"p1", "p2", "p3"}, labels(pumps.GroupedChildren))
	assert.Equal(t, api.ChildrenYes, pumps.Children)
	for _, c := range pumps.GroupedChildren {
		assert.Equal(t, []api.NodeKey{pumps.Key}, c.ParentKeys)
	}
	assert.Empty(t, nodes[0].ParentKeys, "inputs are not modified")
}

func TestClassGrouping_HideIfOneGroupedNode(t *testing.T) {
	e := newEngine()
	p := byClass(api.GroupingOptions{HideIfOneGroupedNode: true})
	res, err := e.Group(context.Background(), nil, []*api.HierarchyNode{
		inst("x.Pump", "1", "p1", p),
		inst("x.Note", "2", "n1", p),
		inst("x.Pump", "3", "p2", p),
	})
	require.NoError(t, err)

	require.Len(t, res.Grouped, 1)
	assert.Equal(t, "Pump", res.Grouped[0].Label)
	require.Len(t, res.Ungrouped, 1)
	assert.Equal(t, "n1", res.Ungrouped[0].Label)
	assert.Empty(t, res.Ungrouped[0].ParentKeys, "restored node is re-parented to the level")
}

func TestClassGrouping_HideIfNoSiblings(t *testing.T) {
	e := newEngine()
	p := byClass(api.GroupingOptions{HideIfNoSiblings: true})

	res, err := e.Group(context.Background(), nil, []*api.HierarchyNode{
		inst("x.Pump", "1", "p1", p),
		inst("x.Pump", "2", "p2", p),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Grouped)
	assert.Equal(t, []string{"p1", "p2"}, labels(res.Ungrouped))

	res, err = e.Group(context.Background(), nil, []*api.HierarchyNode{
		inst("x.Pump", "1", "p1", p),
		inst("x.Pump", "2", "p2", p),
		{Key: api.CustomKey("loose"), Label: "loose"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Grouped, 1, "a sibling keeps the group")
	assert.Equal(t, []string{"Pump", "loose"}, labels(res.Nodes()))
}

func TestLabelMerge(t *testing.T) {
	e := newEngine()
	m := byLabel(api.LabelActionMerge, "")
	nodes := []*api.HierarchyNode{
		inst("x.Pump", "1", "first", nil),
		inst("x.Pump", "2", "Same", m),
		inst("x.Pump", "3", "other", m),
		inst("x.Note", "4", "Same", m),
	}
	nodes[1].Children = api.ChildrenNo
	nodes[3].Children = api.ChildrenYes

	res, err := e.Group(context.Background(), nil, nodes)
	require.NoError(t, err)
	assert.Empty(t, res.Grouped)
	require.Equal(t, []string{"first", "Same", "other"}, labels(res.Ungrouped))

	merged := res.Ungrouped[1]
	assert.Equal(t, api.InstancesKey(
		api.InstanceKey{ClassName: "x.Pump", ID: "2"},
		api.InstanceKey{ClassName: "x.Note", ID: "4"},
	), merged.Key)
	assert.Equal(t, api.ChildrenYes, merged.Children)
}

func TestLabelMerge_GroupIDsNeverMix(t *testing.T) {
	e := newEngine()
	res, err := e.Group(context.Background(), nil, []*api.HierarchyNode{
		inst("x.Pump", "1", "Same", byLabel(api.LabelActionMerge, "a")),
		inst("x.Pump", "2", "Same", byLabel(api.LabelActionMerge, "b")),
	})
	require.NoError(t, err)
	assert.Len(t, res.Ungrouped, 2)
}

func TestLabelMerge_SearchStateFolded(t *testing.T) {
	e := newEngine()
	m := byLabel(api.LabelActionMerge, "")
	a := inst("x.Pump", "1", "Same", m)
	b := inst("x.Pump", "2", "Same", m)
	target := []api.Identifier{api.InstanceIdentifier("x.Pump", "9")}
	a.Search = &api.SearchState{
		IsSearchTarget: true,
		TargetOptions:  &api.SearchTargetOptions{Reveal: api.RevealDepthPath(3)},
		ChildrenTargetPaths: []api.SearchPath{
			{Identifiers: target, Reveal: api.RevealDepthPath(2), Offset: 1},
		},
	}
	b.Search = &api.SearchState{
		IsSearchTarget: true,
		TargetOptions:  &api.SearchTargetOptions{Reveal: api.Reveal{Kind: api.RevealAll}},
		ChildrenTargetPaths: []api.SearchPath{
			{Identifiers: target, Reveal: api.RevealDepthPath(1), Offset: 1},
		},
	}

	res, err := e.Group(context.Background(), nil, []*api.HierarchyNode{a, b})
	require.NoError(t, err)
	require.Len(t, res.Ungrouped, 1)

	s := res.Ungrouped[0].Search
	require.NotNil(t, s)
	require.Len(t, s.ChildrenTargetPaths, 1)
	assert.Equal(t, api.RevealDepthPath(1), s.ChildrenTargetPaths[0].Reveal)
	require.NotNil(t, s.TargetOptions)
	assert.Equal(t, api.RevealAll, s.TargetOptions.Reveal.Kind)
	// inputs are untouched
	assert.Equal(t, api.RevealDepthPath(2), a.Search.ChildrenTargetPaths[0].Reveal)
}

func TestLabelGrouping_GroupIDs(t *testing.T) {
	e := newEngine()
	res, err := e.Group(context.Background(), nil, []*api.HierarchyNode{
		inst("x.Pump", "1", "Same", byLabel(api.LabelActionGroup, "b")),
		inst("x.Pump", "2", "Same", byLabel(api.LabelActionGroup, "a")),
		inst("x.Pump", "3", "Same", byLabel(api.LabelActionGroup, "b")),
	})
	require.NoError(t, err)
	require.Len(t, res.Grouped, 2)
	assert.Equal(t, api.LabelGroupingKey("Same", "a"), res.Grouped[0].Key)
	assert.Equal(t, api.LabelGroupingKey("Same", "b"), res.Grouped[1].Key)
	assert.Len(t, res.Grouped[1].GroupedChildren, 2)
}

func TestLabelGrouping_NaturalOrder(t *testing.T) {
	e := newEngine()
	g := byLabel(api.LabelActionGroup, "")
	res, err := e.Group(context.Background(), nil, []*api.HierarchyNode{
		inst("x.Pump", "1", "B", g),
		inst("x.Pump", "2", "A10", g),
		inst("x.Pump", "3", "A9", g),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A9", "A10", "B"}, labels(res.Grouped))
}

func byProperty(value any, ranges ...api.PropertyRange) *api.ProcessingParams {
	return &api.ProcessingParams{Grouping: api.GroupingParams{ByProperties: &api.PropertyGroupingParams{
		PropertiesClassName: "x.Pump",
		PropertyGroups: []api.PropertyGroup{{
			PropertyName:  "Size",
			PropertyValue: value,
			Ranges:        ranges,
		}},
		CreateGroupForUnspecifiedValues: true,
		CreateGroupForOutOfRangeValues:  true,
	}}}
}

func TestPropertyGrouping_RangeBoundaries(t *testing.T) {
	e := newEngine()
	low := api.PropertyRange{FromValue: 0, ToValue: 10, RangeLabel: "Low"}
	high := api.PropertyRange{FromValue: 10, ToValue: 20}
	node := func(id string, v any) *api.HierarchyNode {
		return inst("x.Pump", id, id, byProperty(v, low, high))
	}

	res, err := e.Group(context.Background(), nil, []*api.HierarchyNode{
		node("zero", 0),
		node("ten", 10),
		node("ten-and-half", 10.5),
		node("twenty", 20.0),
		node("twenty-five", 25),
		node("missing", nil),
		node("text", "abc"),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Ungrouped)
	require.Equal(t, []string{"Low", "10 - 20", "Not specified", "Other"}, labels(res.Grouped))

	assert.Equal(t, []string{"zero", "ten"}, labels(res.Grouped[0].GroupedChildren), "bounds are inclusive and the first range wins")
	assert.Equal(t, api.PropertyRangeGroupingKey("x.Pump", "Size", 0, 10), res.Grouped[0].Key)
	assert.Equal(t, []string{"ten-and-half", "twenty"}, labels(res.Grouped[1].GroupedChildren))
	assert.Equal(t, api.PropertyValueGroupingKey("x.Pump", "Size", ""), res.Grouped[2].Key)
	assert.Equal(t, []string{"twenty-five", "text"}, labels(res.Grouped[3].GroupedChildren))
	assert.Equal(t, api.PropertyOtherValuesGroupingKey(api.PropertyRef{ClassName: "x.Pump", PropertyName: "Size"}), res.Grouped[3].Key)
}

func TestPropertyGrouping_Values(t *testing.T) {
	e := newEngine()
	res, err := e.Group(context.Background(), nil, []*api.HierarchyNode{
		inst("x.Pump", "1", "a", byProperty("red")),
		inst("x.Pump", "2", "b", byProperty("blue")),
		inst("x.Pump", "3", "c", byProperty("red")),
		inst("x.Note", "4", "note", byProperty("red")),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"blue", "red"}, labels(res.Grouped))
	assert.Len(t, res.Grouped[1].GroupedChildren, 2)
	assert.Equal(t, []string{"note"}, labels(res.Ungrouped), "class outside the properties class is not grouped")
}

func TestBaseClassGrouping_Continuation(t *testing.T) {
	e := newEngine()
	ctx := context.Background()
	pumpParams := &api.ProcessingParams{Grouping: api.GroupingParams{
		ByBaseClasses: &api.BaseClassGroupingParams{FullClassNames: []string{"bis.Physical", "bis.Element"}},
	}}
	noteParams := &api.ProcessingParams{Grouping: api.GroupingParams{
		ByBaseClasses: &api.BaseClassGroupingParams{FullClassNames: []string{"bis.Element"}},
	}}

	res, err := e.Group(ctx, nil, []*api.HierarchyNode{
		inst("x.Pump", "1", "pump", pumpParams),
		inst("x.Note", "2", "note", noteParams),
	})
	require.NoError(t, err)
	require.Len(t, res.Grouped, 1)
	element := res.Grouped[0]
	assert.Equal(t, api.ClassGroupingKey("bis.Element"), element.Key)
	assert.Equal(t, api.StageBaseClass, element.Grouping.Stage)

	res, err = e.Group(ctx, element, element.GroupedChildren)
	require.NoError(t, err)
	require.Len(t, res.Grouped, 1)
	physical := res.Grouped[0]
	assert.Equal(t, api.ClassGroupingKey("bis.Physical"), physical.Key)
	assert.Equal(t, element.ChildParentKeys(), physical.ParentKeys)
	assert.Equal(t, []string{"note"}, labels(res.Ungrouped))
}

func TestClassGrouping_SkipsParentClass(t *testing.T) {
	e := newEngine()
	ctx := context.Background()
	params := &api.ProcessingParams{Grouping: api.GroupingParams{
		ByBaseClasses: &api.BaseClassGroupingParams{FullClassNames: []string{"x.Pump"}},
		ByClass:       &api.ClassGroupingParams{},
	}}

	res, err := e.Group(ctx, nil, []*api.HierarchyNode{inst("x.Pump", "1", "pump", params)})
	require.NoError(t, err)
	require.Len(t, res.Grouped, 1)

	res, err = e.Group(ctx, res.Grouped[0], res.Grouped[0].GroupedChildren)
	require.NoError(t, err)
	assert.Empty(t, res.Grouped, "no class group for the class of the parent group")
	assert.Len(t, res.Ungrouped, 1)
}

func TestNestedGrouping_NonGroupingAncestor(t *testing.T) {
	e := newEngine()
	ctx := context.Background()
	parent := &api.HierarchyNode{ParentKeys: []api.NodeKey{api.CustomKey("top")}, Key: api.CustomKey("P"), Label: "P"}
	params := &api.ProcessingParams{Grouping: api.GroupingParams{
		ByClass: &api.ClassGroupingParams{},
		ByLabel: &api.LabelGroupingParams{},
	}}
	nodes := []*api.HierarchyNode{
		inst("x.Pump", "1", "x", params),
		inst("x.Pump", "2", "y", params),
	}
	for _, n := range nodes {
		n.ParentKeys = parent.ChildParentKeys()
	}

	res, err := e.Group(ctx, parent, nodes)
	require.NoError(t, err)
	require.Len(t, res.Grouped, 1)
	class := res.Grouped[0]
	want := &api.AncestorRef{ParentKeys: parent.ParentKeys, Key: parent.Key}
	assert.Equal(t, want, class.NonGroupingAncestor)

	res, err = e.Group(ctx, class, class.GroupedChildren)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, labels(res.Grouped))
	for _, g := range res.Grouped {
		assert.Equal(t, want, g.NonGroupingAncestor)
		assert.Equal(t, class.ChildParentKeys(), g.ParentKeys)
		assert.Equal(t, api.StageLabel, g.Grouping.Stage)
	}

	res, err = e.Group(ctx, res.Grouped[0], res.Grouped[0].GroupedChildren)
	require.NoError(t, err)
	assert.Empty(t, res.Grouped, "label groups are never regrouped")
	assert.Len(t, res.Ungrouped, 1)
}

func TestAutoExpandPolicies(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	tests := []struct {
		name   string
		policy api.AutoExpandPolicy
		count  int
		want   bool
	}{
		{"never", api.AutoExpandNever, 1, false},
		{"always", api.AutoExpandAlways, 2, true},
		{"single child with one", api.AutoExpandSingleChild, 1, true},
		{"single child with two", api.AutoExpandSingleChild, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var nodes []*api.HierarchyNode
			for i := range tt.count {
				nodes = append(nodes, inst("x.Pump", string(rune('a'+i)), "p", byClass(api.GroupingOptions{AutoExpand: tt.policy})))
			}
			res, err := e.Group(ctx, nil, nodes)
			require.NoError(t, err)
			require.Len(t, res.Grouped, 1)
			assert.Equal(t, tt.want, res.Grouped[0].AutoExpand)
		})
	}
}

func TestAutoExpand_ForcedBySearch(t *testing.T) {
	e := newEngine()
	target := inst("x.Pump", "1", "p", byClass(api.GroupingOptions{}))
	target.Search = &api.SearchState{
		IsSearchTarget: true,
		TargetOptions:  &api.SearchTargetOptions{Reveal: api.Reveal{Kind: api.RevealAll}},
	}
	res, err := e.Group(context.Background(), nil, []*api.HierarchyNode{target, inst("x.Pump", "2", "q", byClass(api.GroupingOptions{}))})
	require.NoError(t, err)
	require.Len(t, res.Grouped, 1)
	assert.True(t, res.Grouped[0].AutoExpand)
}

func TestGroup_Errors(t *testing.T) {
	e := newEngine()

	_, err := e.Group(context.Background(), nil, []*api.HierarchyNode{
		inst("x.Missing", "1", "m", byClass(api.GroupingOptions{})),
	})
	assert.ErrorIs(t, err, metadata.ErrClassNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Group(ctx, nil, []*api.HierarchyNode{inst("x.Pump", "1", "p", nil)})
	assert.ErrorIs(t, err, context.Canceled)
}
