package vm

// Type is a value type of the guest language as it appears in field
// layouts, array components and stack slots.
type Type uint8

const (
	TypeVoid Type = iota
	TypeBoolean
	TypeByte
	TypeChar
	TypeShort
	TypeInt
	TypeFloat
	TypeLong
	TypeDouble
	TypeReference
)

var typeNames = [...]string{
	TypeVoid:      "void",
	TypeBoolean:   "boolean",
	TypeByte:      "byte",
	TypeChar:      "char",
	TypeShort:     "short",
	TypeInt:       "int",
	TypeFloat:     "float",
	TypeLong:      "long",
	TypeDouble:    "double",
	TypeReference: "reference",
}

var typeDescriptors = [...]string{
	TypeVoid:    "V",
	TypeBoolean: "Z",
	TypeByte:    "B",
	TypeChar:    "C",
	TypeShort:   "S",
	TypeInt:     "I",
	TypeFloat:   "F",
	TypeLong:    "J",
	TypeDouble:  "D",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "?"
}

// IsPrimitive reports whether t is a non-reference value type.
func (t Type) IsPrimitive() bool {
	return t >= TypeBoolean && t <= TypeDouble
}

// IsWide reports whether values of t take two stack or locals slots.
func (t Type) IsWide() bool {
	return t == TypeLong || t == TypeDouble
}

// SizeOfType returns the in-memory width of t: the language's numeric
// widths for primitives, pointer width for references.
func SizeOfType(t Type) int {
	switch t {
	case TypeBoolean, TypeByte:
		return 1
	case TypeChar, TypeShort:
		return 2
	case TypeInt, TypeFloat:
		return 4
	case TypeLong, TypeDouble, TypeReference:
		return pointerSize
	default:
		return 0
	}
}

// PrimitiveTypes lists the primitive types that have class descriptors.
var PrimitiveTypes = []Type{
	TypeBoolean, TypeByte, TypeChar, TypeShort,
	TypeInt, TypeFloat, TypeLong, TypeDouble, TypeVoid,
}
