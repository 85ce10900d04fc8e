// Package typedesc describes the structure of the business objects stored in
// source blobs.
//
// A Descriptor lists the fields of one logical type in declaration order. The
// conversion engine never inspects Go types at runtime; everything it knows
// about a message comes from descriptors supplied by a Provider.
package typedesc

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownType is returned by a Provider that has no descriptor for a name.
var ErrUnknownType = errors.New("unknown type")

// Kind classifies a field.
type Kind int

const (
	KindScalar Kind = iota
	KindDate
	KindScalarList
	KindObject
	KindObjectList
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindDate:
		return "date"
	case KindScalarList:
		return "scalar-list"
	case KindObject:
		return "object"
	case KindObjectList:
		return "object-list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsValue reports whether fields of this kind become table columns.
func (k Kind) IsValue() bool {
	return k == KindScalar || k == KindDate || k == KindScalarList
}

// Scalar type names understood by the decoders and formatters.
const (
	TypeString   = "string"
	TypeBool     = "bool"
	TypeInt32    = "int32"
	TypeInt64    = "int64"
	TypeUint32   = "uint32"
	TypeUint64   = "uint64"
	TypeFloat    = "float"
	TypeDouble   = "double"
	TypeDecimal  = "decimal"
	TypeGUID     = "guid"
	TypeDateTime = "datetime"
	TypeDate     = "date"
)

var scalarTypes = map[string]bool{
	TypeString: true, TypeBool: true, TypeInt32: true, TypeInt64: true,
	TypeUint32: true, TypeUint64: true, TypeFloat: true, TypeDouble: true,
	TypeDecimal: true, TypeGUID: true, TypeDateTime: true, TypeDate: true,
}

// IsScalarType reports whether name is a known scalar type name.
func IsScalarType(name string) bool {
	return scalarTypes[strings.ToLower(name)]
}

// IsDateType reports whether name is a date-valued scalar type.
func IsDateType(name string) bool {
	n := strings.ToLower(name)
	return n == TypeDateTime || n == TypeDate
}

// Object is a decoded message instance keyed by descriptor field name.
type Object = map[string]any

// Field is a single declared field of a type.
type Field struct {
	Name string
	Kind Kind

	// Type is the scalar type name for value fields and the referenced type
	// name for object fields. For lists it is the element type.
	Type string

	// Tag is the protobuf field number.
	Tag int
}

// ColumnType returns the type name recorded for the field's column.
func (f Field) ColumnType() string {
	if f.Kind == KindScalarList {
		return "[]" + f.Type
	}
	return f.Type
}

// Descriptor is the structural description of one logical type.
type Descriptor struct {
	Name   string
	Fields []Field

	// Validate is an optional validity predicate evaluated per instance.
	Validate func(Object) bool
}

// Field looks up a field by exact name.
func (d *Descriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldByTag looks up a field by its protobuf number.
func (d *Descriptor) FieldByTag(tag int) (Field, bool) {
	for _, f := range d.Fields {
		if f.Tag == tag {
			return f, true
		}
	}
	return Field{}, false
}

// Check verifies that the descriptor is internally consistent.
func (d *Descriptor) Check() error {
	if d.Name == "" {
		return errors.New("descriptor has no name")
	}
	names := make(map[string]bool, len(d.Fields))
	tags := make(map[int]string, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("type %s: field with empty name", d.Name)
		}
		if names[f.Name] {
			return fmt.Errorf("type %s: duplicate field %s", d.Name, f.Name)
		}
		names[f.Name] = true
		if f.Tag <= 0 {
			return fmt.Errorf("type %s: field %s has invalid tag %d", d.Name, f.Name, f.Tag)
		}
		if other, ok := tags[f.Tag]; ok {
			return fmt.Errorf("type %s: fields %s and %s share tag %d", d.Name, other, f.Name, f.Tag)
		}
		tags[f.Tag] = f.Name
		if f.Type == "" {
			return fmt.Errorf("type %s: field %s has no type", d.Name, f.Name)
		}
	}
	return nil
}

// Provider resolves a logical type name to its descriptor.
type Provider interface {
	Describe(ctx context.Context, name string) (*Descriptor, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, name string) (*Descriptor, error)

// Describe calls f.
func (f ProviderFunc) Describe(ctx context.Context, name string) (*Descriptor, error) {
	return f(ctx, name)
}
