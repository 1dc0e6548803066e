// Package format turns typed primitive values into display strings.
package format

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/agentic-research/arbor/api"
)

// Formatter formats one value. Implementations may consult external unit
// or locale services, hence the context.
type Formatter interface {
	Format(ctx context.Context, v api.TypedPrimitive) (string, error)
}

// FormatterFunc adapts a function to Formatter.
type FormatterFunc func(ctx context.Context, v api.TypedPrimitive) (string, error)

func (f FormatterFunc) Format(ctx context.Context, v api.TypedPrimitive) (string, error) {
	return f(ctx, v)
}

// Default is a locale-neutral formatter.
type Default struct {
	// Units maps a kind-of-quantity name to the suffix appended to numbers
	// of that kind, e.g. "LENGTH" -> "m".
	Units map[string]string
}

func (d Default) Format(_ context.Context, v api.TypedPrimitive) (string, error) {
	if v.Value == nil {
		return "", nil
	}
	switch v.Type {
	case api.TypeBoolean:
		b, ok := v.Value.(bool)
		if !ok {
			return "", typeError(v)
		}
		return strconv.FormatBool(b), nil
	case api.TypeInteger, api.TypeLong:
		n, ok := toFloat(v.Value)
		if !ok {
			return "", typeError(v)
		}
		return d.withUnit(strconv.FormatInt(int64(n), 10), v.KoqName), nil
	case api.TypeDouble:
		n, ok := toFloat(v.Value)
		if !ok {
			return "", typeError(v)
		}
		return d.withUnit(formatDouble(n), v.KoqName), nil
	case api.TypeID:
		switch id := v.Value.(type) {
		case string:
			return id, nil
		default:
			n, ok := toFloat(id)
			if !ok {
				return "", typeError(v)
			}
			return "0x" + strconv.FormatUint(uint64(n), 16), nil
		}
	case api.TypeString:
		return fmt.Sprint(v.Value), nil
	case api.TypeDateTime:
		return formatDateTime(v)
	case api.TypePoint2d, api.TypePoint3d:
		return formatPoint(v)
	}
	return "", fmt.Errorf("format: unsupported primitive type %q", v.Type)
}

func (d Default) withUnit(s, koq string) string {
	if unit, ok := d.Units[koq]; ok && unit != "" {
		return s + " " + unit
	}
	return s
}

func formatDouble(f float64) string {
	if math.Trunc(f) == f && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func formatDateTime(v api.TypedPrimitive) (string, error) {
	var t time.Time
	switch tv := v.Value.(type) {
	case time.Time:
		t = tv
	case string:
		parsed, err := time.Parse(time.RFC3339, tv)
		if err != nil {
			return tv, nil
		}
		t = parsed
	default:
		n, ok := toFloat(tv)
		if !ok {
			return "", typeError(v)
		}
		t = time.UnixMilli(int64(n)).UTC()
	}
	if v.ExtendedType == "ShortDate" {
		return t.Format(time.DateOnly), nil
	}
	return t.Format(time.RFC3339), nil
}

func formatPoint(v api.TypedPrimitive) (string, error) {
	m, ok := v.Value.(map[string]any)
	if !ok {
		return "", typeError(v)
	}
	axes := []string{"x", "y"}
	if v.Type == api.TypePoint3d {
		axes = append(axes, "z")
	}
	parts := make([]string, 0, len(axes))
	for _, a := range axes {
		n, ok := toFloat(m[a])
		if !ok {
			return "", typeError(v)
		}
		parts = append(parts, formatDouble(n))
	}
	return "(" + strings.Join(parts, ", ") + ")", nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func typeError(v api.TypedPrimitive) error {
	return fmt.Errorf("format: %s value has unexpected Go type %T", v.Type, v.Value)
}

// Parts formats a concatenated label.
func Parts(ctx context.Context, f Formatter, parts []api.LabelPart) (string, error) {
	var sb strings.Builder
	for _, p := range parts {
		if p.Value == nil {
			sb.WriteString(p.Text)
			continue
		}
		s, err := f.Format(ctx, *p.Value)
		if err != nil {
			return "", err
		}
		sb.WriteString(s)
	}
	return sb.String(), nil
}

// Primitive wraps a raw value in a TypedPrimitive inferred from its Go type.
func Primitive(v any) api.TypedPrimitive {
	switch n := v.(type) {
	case bool:
		return api.TypedPrimitive{Type: api.TypeBoolean, Value: n}
	case int, int64:
		return api.TypedPrimitive{Type: api.TypeLong, Value: n}
	case float64:
		if math.Trunc(n) == n {
			return api.TypedPrimitive{Type: api.TypeLong, Value: n}
		}
		return api.TypedPrimitive{Type: api.TypeDouble, Value: n}
	case map[string]any:
		if _, ok := n["z"]; ok {
			return api.TypedPrimitive{Type: api.TypePoint3d, Value: n}
		}
		return api.TypedPrimitive{Type: api.TypePoint2d, Value: n}
	}
	return api.TypedPrimitive{Type: api.TypeString, Value: v}
}
