package memory

import (
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// Data: typed view over a byte region
// ---------------------------------------------------------------------------

// Data is a fixed-length view over simulated memory. All multi-byte values
// are little-endian regardless of the host, so the same bytes decode the same
// way everywhere. A Data never changes length; growing means allocating a new
// block and copying.
type Data struct {
	addr Address
	buf  []byte
}

var le = binary.LittleEndian

// Len returns the region length in bytes.
func (d Data) Len() int {
	return len(d.buf)
}

// Address returns the synthetic address of the first byte of the region.
func (d Data) Address() Address {
	return d.addr
}

// Bytes exposes the backing bytes. Callers must not retain the slice across
// a free of the owning block.
func (d Data) Bytes() []byte {
	return d.buf
}

// Slice returns the sub-region [off, off+n).
func (d Data) Slice(off, n int) Data {
	d.check("slice", off, n)
	return Data{addr: d.addr + Address(off), buf: d.buf[off : off+n : off+n]}
}

// CopyFrom copies src into the region starting at off.
func (d Data) CopyFrom(off int, src Data) {
	d.check("copy", off, src.Len())
	copy(d.buf[off:], src.buf)
}

// Clear zeroes the region.
func (d Data) Clear() {
	clear(d.buf)
}

func (d Data) check(op string, off, n int) {
	if off < 0 || n < 0 || off+n > len(d.buf) {
		Raise(FaultSegmentation, op, d.addr+Address(off), "access of %d bytes at offset %d outside region of %d bytes", n, off, len(d.buf))
	}
}

// ---------------------------------------------------------------------------
// Typed access
// ---------------------------------------------------------------------------

func (d Data) ReadUint8(off int) uint8 {
	d.check("read", off, 1)
	return d.buf[off]
}

func (d Data) WriteUint8(off int, v uint8) {
	d.check("write", off, 1)
	d.buf[off] = v
}

func (d Data) ReadInt8(off int) int8 {
	return int8(d.ReadUint8(off))
}

func (d Data) WriteInt8(off int, v int8) {
	d.WriteUint8(off, uint8(v))
}

func (d Data) ReadUint16(off int) uint16 {
	d.check("read", off, 2)
	return le.Uint16(d.buf[off:])
}

func (d Data) WriteUint16(off int, v uint16) {
	d.check("write", off, 2)
	le.PutUint16(d.buf[off:], v)
}

func (d Data) ReadInt16(off int) int16 {
	return int16(d.ReadUint16(off))
}

func (d Data) WriteInt16(off int, v int16) {
	d.WriteUint16(off, uint16(v))
}

func (d Data) ReadUint32(off int) uint32 {
	d.check("read", off, 4)
	return le.Uint32(d.buf[off:])
}

func (d Data) WriteUint32(off int, v uint32) {
	d.check("write", off, 4)
	le.PutUint32(d.buf[off:], v)
}

func (d Data) ReadInt32(off int) int32 {
	return int32(d.ReadUint32(off))
}

func (d Data) WriteInt32(off int, v int32) {
	d.WriteUint32(off, uint32(v))
}

func (d Data) ReadUint64(off int) uint64 {
	d.check("read", off, 8)
	return le.Uint64(d.buf[off:])
}

func (d Data) WriteUint64(off int, v uint64) {
	d.check("write", off, 8)
	le.PutUint64(d.buf[off:], v)
}

func (d Data) ReadInt64(off int) int64 {
	return int64(d.ReadUint64(off))
}

func (d Data) WriteInt64(off int, v int64) {
	d.WriteUint64(off, uint64(v))
}

func (d Data) ReadFloat32(off int) float32 {
	return math.Float32frombits(d.ReadUint32(off))
}

func (d Data) WriteFloat32(off int, v float32) {
	d.WriteUint32(off, math.Float32bits(v))
}

func (d Data) ReadFloat64(off int) float64 {
	return math.Float64frombits(d.ReadUint64(off))
}

func (d Data) WriteFloat64(off int, v float64) {
	d.WriteUint64(off, math.Float64bits(v))
}

// ReadAddress reads a pointer-width synthetic address.
func (d Data) ReadAddress(off int) Address {
	return Address(d.ReadUint64(off))
}

// WriteAddress writes a pointer-width synthetic address.
func (d Data) WriteAddress(off int, a Address) {
	d.WriteUint64(off, uint64(a))
}
