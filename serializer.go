package netframe

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Errors reported by Writer and Reader.
var (
	// ErrStringTooLong is returned when a string exceeds MaxStringLength bytes.
	ErrStringTooLong = errors.New("string too long")
	// ErrBodyTooShort is returned when a Reader runs out of bytes mid-value.
	ErrBodyTooShort = errors.New("message body too short")
	// ErrInvalidString is returned when a string field is not valid UTF-8.
	ErrInvalidString = errors.New("string is not valid utf-8")
)

// MaxStringLength is the largest UTF-8 encoded string a Writer accepts.
// Strings carry a uint16 length prefix that stores len+1.
const MaxStringLength = math.MaxUint16 - 1

// Writer serializes message fields in little-endian order.
//
// Errors are sticky: after the first failure every call is a no-op and Err
// reports the original cause. Message.Write implementations therefore do not
// need to check anything.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// Reset empties the writer, keeping its buffer.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.err = nil
}

// Bytes returns the encoded bytes. The slice is only valid until the next Reset.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Err returns the first error encountered, if any.
func (w *Writer) Err() error { return w.err }

// WriteUint8 writes a byte.
func (w *Writer) WriteUint8(v uint8) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, v)
}

// WriteInt8 writes a signed byte.
func (w *Writer) WriteInt8(v int8) { w.WriteUint8(uint8(v)) }

// WriteBool writes a bool as one byte (1 or 0).
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
		return
	}
	w.WriteUint8(0)
}

// WriteUint16 writes a little-endian uint16.
func (w *Writer) WriteUint16(v uint16) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// WriteInt16 writes a little-endian int16.
func (w *Writer) WriteInt16(v int16) { w.WriteUint16(uint16(v)) }

// WriteUint32 writes a little-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// WriteInt32 writes a little-endian int32.
func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

// WriteUint64 writes a little-endian uint64.
func (w *Writer) WriteUint64(v uint64) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// WriteInt64 writes a little-endian int64.
func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

// WriteFloat32 writes an IEEE 754 float32.
func (w *Writer) WriteFloat32(v float32) { w.WriteUint32(math.Float32bits(v)) }

// WriteFloat64 writes an IEEE 754 float64.
func (w *Writer) WriteFloat64(v float64) { w.WriteUint64(math.Float64bits(v)) }

// WriteString writes a uint16 length prefix (len+1) followed by the UTF-8 bytes.
func (w *Writer) WriteString(s string) {
	if w.err != nil {
		return
	}
	if len(s) > MaxStringLength {
		w.err = errors.Wrapf(ErrStringTooLong, "%d bytes, limit %d", len(s), MaxStringLength)
		return
	}
	w.WriteUint16(uint16(len(s) + 1))
	w.buf = append(w.buf, s...)
}

// WriteBytes writes a uint32 length prefix (len+1, 0 for nil) followed by p.
func (w *Writer) WriteBytes(p []byte) {
	if w.err != nil {
		return
	}
	if p == nil {
		w.WriteUint32(0)
		return
	}
	w.WriteUint32(uint32(len(p)) + 1)
	w.buf = append(w.buf, p...)
}

// WriteCount writes a collection length. Pair it with Reader.ReadCount.
// Every element must encode to at least one byte: ReadCount rejects counts
// larger than the bytes left in the body, so a collection of empty elements
// cannot be decoded.
func (w *Writer) WriteCount(n int) { w.WriteUint32(uint32(n)) }

// Reader decodes fields written by Writer. Like Writer, errors are sticky and
// reads after a failure return zero values.
type Reader struct {
	buf []byte
	pos int
	err error
}

// NewReader returns a Reader over p. The Reader never retains p beyond the
// lifetime of the message being decoded; byte fields are copied out.
func NewReader(p []byte) *Reader {
	return &Reader{buf: p}
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.Remaining() < n {
		r.err = errors.Wrapf(ErrBodyTooShort, "need %d bytes at offset %d, have %d", n, r.pos, r.Remaining())
		return nil
	}
	p := r.buf[r.pos : r.pos+n]
	r.pos += n
	return p
}

// ReadUint8 reads a byte.
func (r *Reader) ReadUint8() uint8 {
	p := r.next(1)
	if p == nil {
		return 0
	}
	return p[0]
}

// ReadInt8 reads a signed byte.
func (r *Reader) ReadInt8() int8 { return int8(r.ReadUint8()) }

// ReadBool reads one byte; any non-zero value is true.
func (r *Reader) ReadBool() bool { return r.ReadUint8() != 0 }

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() uint16 {
	p := r.next(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

// ReadInt16 reads a little-endian int16.
func (r *Reader) ReadInt16() int16 { return int16(r.ReadUint16()) }

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() uint32 {
	p := r.next(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

// ReadInt32 reads a little-endian int32.
func (r *Reader) ReadInt32() int32 { return int32(r.ReadUint32()) }

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() uint64 {
	p := r.next(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

// ReadInt64 reads a little-endian int64.
func (r *Reader) ReadInt64() int64 { return int64(r.ReadUint64()) }

// ReadFloat32 reads an IEEE 754 float32.
func (r *Reader) ReadFloat32() float32 { return math.Float32frombits(r.ReadUint32()) }

// ReadFloat64 reads an IEEE 754 float64.
func (r *Reader) ReadFloat64() float64 { return math.Float64frombits(r.ReadUint64()) }

// ReadString reads a string written by WriteString. Invalid UTF-8 sets
// ErrInvalidString.
func (r *Reader) ReadString() string {
	n := int(r.ReadUint16())
	if n == 0 {
		return ""
	}
	p := r.next(n - 1)
	if p == nil {
		return ""
	}
	if !utf8.Valid(p) {
		r.err = ErrInvalidString
		return ""
	}
	return string(p)
}

// ReadBytes returns a copy of a length-prefixed byte field. A nil slice
// written with WriteBytes reads back as nil.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadUint32()
	if n == 0 {
		return nil
	}
	p := r.next(int(n - 1))
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// ReadCount reads a collection length written by WriteCount. A count larger
// than the remaining bytes is rejected.
func (r *Reader) ReadCount() int {
	n := r.ReadUint32()
	if r.err != nil {
		return 0
	}
	if int64(n) > int64(r.Remaining()) {
		r.err = errors.Wrapf(ErrBodyTooShort, "collection of %d items with %d bytes left", n, r.Remaining())
		return 0
	}
	return int(n)
}
