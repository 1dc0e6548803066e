package api

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Bound is a range grouping bound. Open-ended ranges use infinite bounds,
// which encode as the JSON strings "-inf" and "+inf".
type Bound float64

func (b Bound) MarshalJSON() ([]byte, error) {
	f := float64(b)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"+inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-inf"`), nil
	case math.IsNaN(f):
		return []byte(`"nan"`), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func (b *Bound) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"+inf"`:
		*b = Bound(math.Inf(1))
		return nil
	case `"-inf"`:
		*b = Bound(math.Inf(-1))
		return nil
	case `"nan"`:
		*b = Bound(math.NaN())
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("range bound %s: %w", data, err)
	}
	*b = Bound(f)
	return nil
}

// InstanceKey identifies one record in the backing store.
// Source names the data-source origin; empty means the default source.
type InstanceKey struct {
	ClassName string `json:"className"`
	ID        string `json:"id"`
	Source    string `json:"source,omitempty"`
}

// PropertyRef names a property on a class.
type PropertyRef struct {
	ClassName    string `json:"className"`
	PropertyName string `json:"propertyName"`
}

// KeyType discriminates NodeKey variants. The declaration order is the
// primary sort order of keys.
type KeyType int

const (
	KeyCustom KeyType = iota
	KeyInstances
	KeyClassGrouping
	KeyLabelGrouping
	KeyPropertyValueGrouping
	KeyPropertyRangeGrouping
	KeyPropertyOtherValuesGrouping
)

func (t KeyType) String() string {
	switch t {
	case KeyCustom:
		return "custom"
	case KeyInstances:
		return "instances"
	case KeyClassGrouping:
		return "class-grouping"
	case KeyLabelGrouping:
		return "label-grouping"
	case KeyPropertyValueGrouping:
		return "property-grouping:value"
	case KeyPropertyRangeGrouping:
		return "property-grouping:range"
	case KeyPropertyOtherValuesGrouping:
		return "property-grouping:other"
	default:
		return fmt.Sprintf("KeyType(%d)", int(t))
	}
}

// IsGrouping reports whether keys of this type identify grouping nodes.
func (t KeyType) IsGrouping() bool {
	return t >= KeyClassGrouping
}

// NodeKey identifies a node within one hierarchy level. Only the fields
// belonging to Type are meaningful; use the constructors below.
type NodeKey struct {
	Type              KeyType       `json:"type"`
	Custom            string        `json:"custom,omitempty"`
	InstanceKeys      []InstanceKey `json:"instanceKeys,omitempty"`
	ClassName         string        `json:"className,omitempty"`
	Label             string        `json:"label,omitempty"`
	GroupID           string        `json:"groupId,omitempty"`
	PropertyClassName string        `json:"propertyClassName,omitempty"`
	PropertyName      string        `json:"propertyName,omitempty"`
	FormattedValue    string        `json:"formattedValue,omitempty"`
	FromValue         Bound         `json:"fromValue,omitempty"`
	ToValue           Bound         `json:"toValue,omitempty"`
	Properties        []PropertyRef `json:"properties,omitempty"`
}

func CustomKey(key string) NodeKey {
	return NodeKey{Type: KeyCustom, Custom: key}
}

func InstancesKey(keys ...InstanceKey) NodeKey {
	return NodeKey{Type: KeyInstances, InstanceKeys: keys}
}

func ClassGroupingKey(className string) NodeKey {
	return NodeKey{Type: KeyClassGrouping, ClassName: className}
}

func LabelGroupingKey(label, groupID string) NodeKey {
	return NodeKey{Type: KeyLabelGrouping, Label: label, GroupID: groupID}
}

func PropertyValueGroupingKey(className, propertyName, formattedValue string) NodeKey {
	return NodeKey{
		Type:              KeyPropertyValueGrouping,
		PropertyClassName: className,
		PropertyName:      propertyName,
		FormattedValue:    formattedValue,
	}
}

func PropertyRangeGroupingKey(className, propertyName string, from, to float64) NodeKey {
	return NodeKey{
		Type:              KeyPropertyRangeGrouping,
		PropertyClassName: className,
		PropertyName:      propertyName,
		FromValue:         Bound(from),
		ToValue:           Bound(to),
	}
}

func PropertyOtherValuesGroupingKey(props ...PropertyRef) NodeKey {
	return NodeKey{Type: KeyPropertyOtherValuesGrouping, Properties: props}
}

// IsGrouping reports whether the key identifies a grouping node.
func (k NodeKey) IsGrouping() bool {
	return k.Type.IsGrouping()
}

// Equal reports structural equality.
func (k NodeKey) Equal(o NodeKey) bool {
	return CompareKeys(k, o) == 0
}

func (k NodeKey) String() string {
	switch k.Type {
	case KeyCustom:
		return "custom:" + k.Custom
	case KeyInstances:
		parts := make([]string, len(k.InstanceKeys))
		for i, ik := range k.InstanceKeys {
			parts[i] = ik.String()
		}
		return "instances:" + strings.Join(parts, ",")
	case KeyClassGrouping:
		return "class:" + k.ClassName
	case KeyLabelGrouping:
		if k.GroupID != "" {
			return "label:" + k.Label + "#" + k.GroupID
		}
		return "label:" + k.Label
	case KeyPropertyValueGrouping:
		return fmt.Sprintf("property:%s.%s=%s", k.PropertyClassName, k.PropertyName, k.FormattedValue)
	case KeyPropertyRangeGrouping:
		return fmt.Sprintf("property:%s.%s=[%g,%g]", k.PropertyClassName, k.PropertyName, k.FromValue, k.ToValue)
	case KeyPropertyOtherValuesGrouping:
		parts := make([]string, len(k.Properties))
		for i, p := range k.Properties {
			parts[i] = p.ClassName + "." + p.PropertyName
		}
		return "property:other(" + strings.Join(parts, ",") + ")"
	}
	return k.Type.String()
}

func (k InstanceKey) String() string {
	if k.Source != "" {
		return k.Source + ":" + k.ClassName + "#" + k.ID
	}
	return k.ClassName + "#" + k.ID
}

// CompareInstanceKeys orders instance keys by class, id and source.
func CompareInstanceKeys(a, b InstanceKey) int {
	return cmp.Or(
		strings.Compare(a.ClassName, b.ClassName),
		strings.Compare(a.ID, b.ID),
		strings.Compare(a.Source, b.Source),
	)
}

// CompareInstanceKeyLists compares element-wise, then by length.
func CompareInstanceKeyLists(a, b []InstanceKey) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := CompareInstanceKeys(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

func comparePropertyRefs(a, b []PropertyRef) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := cmp.Or(
			strings.Compare(a[i].ClassName, b[i].ClassName),
			strings.Compare(a[i].PropertyName, b[i].PropertyName),
		); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

// CompareKeys is a strict total order over node keys: type first, then the
// fields of that type.
func CompareKeys(a, b NodeKey) int {
	if c := cmp.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	switch a.Type {
	case KeyCustom:
		return strings.Compare(a.Custom, b.Custom)
	case KeyInstances:
		return CompareInstanceKeyLists(a.InstanceKeys, b.InstanceKeys)
	case KeyClassGrouping:
		return strings.Compare(a.ClassName, b.ClassName)
	case KeyLabelGrouping:
		return cmp.Or(
			strings.Compare(a.Label, b.Label),
			strings.Compare(a.GroupID, b.GroupID),
		)
	case KeyPropertyValueGrouping:
		return cmp.Or(
			strings.Compare(a.PropertyClassName, b.PropertyClassName),
			strings.Compare(a.PropertyName, b.PropertyName),
			strings.Compare(a.FormattedValue, b.FormattedValue),
		)
	case KeyPropertyRangeGrouping:
		return cmp.Or(
			strings.Compare(a.PropertyClassName, b.PropertyClassName),
			strings.Compare(a.PropertyName, b.PropertyName),
			cmp.Compare(a.FromValue, b.FromValue),
			cmp.Compare(a.ToValue, b.ToValue),
		)
	case KeyPropertyOtherValuesGrouping:
		return comparePropertyRefs(a.Properties, b.Properties)
	}
	return 0
}

// CompareKeyPaths compares two parent-key chains element-wise, then by length.
func CompareKeyPaths(a, b []NodeKey) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := CompareKeys(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}
