package api

import "fmt"

type PrimitiveType string

const (
	TypeBoolean  PrimitiveType = "Boolean"
	TypeInteger  PrimitiveType = "Integer"
	TypeLong     PrimitiveType = "Long"
	TypeDouble   PrimitiveType = "Double"
	TypeID       PrimitiveType = "Id"
	TypeString   PrimitiveType = "String"
	TypeDateTime PrimitiveType = "DateTime"
	TypePoint2d  PrimitiveType = "Point2d"
	TypePoint3d  PrimitiveType = "Point3d"
)

// TypedPrimitive is a value with enough type information to be formatted.
type TypedPrimitive struct {
	Type         PrimitiveType
	Value        any
	KoqName      string
	ExtendedType string
}

// LabelPart is one segment of a concatenated label: either literal text or
// a value to format.
type LabelPart struct {
	Text  string
	Value *TypedPrimitive
}

// RowsLimitExceededError reports that a hierarchy level returned more rows
// than its limit allows.
type RowsLimitExceededError struct {
	Limit int
}

func (e *RowsLimitExceededError) Error() string {
	return fmt.Sprintf("query rows limit of %d exceeded", e.Limit)
}
