package vm

import (
	"fmt"
	"math"

	"github.com/chazu/kettle/vm/memory"
)

// ---------------------------------------------------------------------------
// Value: typed guest value
// ---------------------------------------------------------------------------

// Value is a guest value in transit between fields, array elements and
// stack or locals slots. Floating point values are carried as their raw IEEE
// bits; references as their synthetic address.
type Value struct {
	typ  Type
	bits uint64
}

func IntValue(v int32) Value              { return Value{TypeInt, uint64(uint32(v))} }
func LongValue(v int64) Value             { return Value{TypeLong, uint64(v)} }
func FloatValue(v float32) Value          { return Value{TypeFloat, uint64(math.Float32bits(v))} }
func DoubleValue(v float64) Value         { return Value{TypeDouble, math.Float64bits(v)} }
func BooleanValue(v bool) Value           { return Value{TypeBoolean, boolBits(v)} }
func ByteValue(v int8) Value              { return Value{TypeByte, uint64(uint8(v))} }
func CharValue(v uint16) Value            { return Value{TypeChar, uint64(v)} }
func ShortValue(v int16) Value            { return Value{TypeShort, uint64(uint16(v))} }
func AddressValue(a memory.Address) Value { return Value{TypeReference, uint64(a)} }

// RefValue wraps an object reference. Null becomes address 0.
func RefValue(o Object) Value {
	if IsNull(o) {
		return Value{TypeReference, 0}
	}
	return Value{TypeReference, uint64(o.Address())}
}

func boolBits(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// Type returns the value's type.
func (v Value) Type() Type { return v.typ }

// Bits returns the raw bits.
func (v Value) Bits() uint64 { return v.bits }

func (v Value) Int() int32              { return int32(uint32(v.bits)) }
func (v Value) Long() int64             { return int64(v.bits) }
func (v Value) Float() float32          { return math.Float32frombits(uint32(v.bits)) }
func (v Value) Double() float64         { return math.Float64frombits(v.bits) }
func (v Value) Boolean() bool           { return v.bits&1 != 0 }
func (v Value) Byte() int8              { return int8(uint8(v.bits)) }
func (v Value) Char() uint16            { return uint16(v.bits) }
func (v Value) Short() int16            { return int16(uint16(v.bits)) }
func (v Value) Address() memory.Address { return memory.Address(v.bits) }

func (v Value) String() string {
	switch v.typ {
	case TypeInt, TypeByte, TypeShort:
		return fmt.Sprintf("%s %d", v.typ, int32(signExtend(v)))
	case TypeLong:
		return fmt.Sprintf("long %d", v.Long())
	case TypeFloat:
		return fmt.Sprintf("float %g", v.Float())
	case TypeDouble:
		return fmt.Sprintf("double %g", v.Double())
	case TypeBoolean:
		return fmt.Sprintf("boolean %t", v.Boolean())
	case TypeChar:
		return fmt.Sprintf("char %q", rune(v.Char()))
	case TypeReference:
		return fmt.Sprintf("ref %s", v.Address())
	default:
		return "void"
	}
}

func signExtend(v Value) int64 {
	switch v.typ {
	case TypeByte:
		return int64(v.Byte())
	case TypeShort:
		return int64(v.Short())
	default:
		return int64(v.Int())
	}
}

// readValue decodes a value of type t at off.
func readValue(d memory.Data, off int, t Type) Value {
	switch t {
	case TypeBoolean, TypeByte:
		return Value{t, uint64(d.ReadUint8(off))}
	case TypeChar, TypeShort:
		return Value{t, uint64(d.ReadUint16(off))}
	case TypeInt, TypeFloat:
		return Value{t, uint64(d.ReadUint32(off))}
	case TypeLong, TypeDouble, TypeReference:
		return Value{t, d.ReadUint64(off)}
	default:
		panic(fmt.Sprintf("readValue: no storage for %s", t))
	}
}

// writeValue encodes v at off using the width of v's type.
func writeValue(d memory.Data, off int, v Value) {
	switch v.typ {
	case TypeBoolean, TypeByte:
		d.WriteUint8(off, uint8(v.bits))
	case TypeChar, TypeShort:
		d.WriteUint16(off, uint16(v.bits))
	case TypeInt, TypeFloat:
		d.WriteUint32(off, uint32(v.bits))
	case TypeLong, TypeDouble, TypeReference:
		d.WriteUint64(off, v.bits)
	default:
		panic(fmt.Sprintf("writeValue: no storage for %s", v.typ))
	}
}
