// Package opunit provides the operation-unit identifier shared by the
// coordinator and the durability records of the storage layer.
//
// An ID is a 128-bit value held as two 64-bit halves. Its binary form is
// fixed at SerializedSize bytes: the high half followed by the low half, each
// written as a native-order uint64, with no padding and no length prefix.
package opunit

import (
	"database/sql/driver"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SerializedSize is the width of an encoded ID, independent of its value.
const SerializedSize = 16

const halfSize = 8

// ErrMalformedEncoding is returned when a buffer is too short to hold an ID
// at the requested offset.
var ErrMalformedEncoding = errors.New("malformed operation unit encoding")

// ID identifies one atomic unit of work.
//
// ID is a comparable value type: == and map keys use the 128-bit value only.
type ID struct {
	high uint64
	low  uint64
}

// Generate returns a fresh random identifier (UUID version 4).
func Generate() ID {
	return FromUUID(uuid.New())
}

// New builds an ID from its two halves.
func New(high, low uint64) ID {
	return ID{high: high, low: low}
}

// FromUUID converts a UUID; the first eight bytes become the high half.
func FromUUID(u uuid.UUID) ID {
	return ID{
		high: binary.BigEndian.Uint64(u[:halfSize]),
		low:  binary.BigEndian.Uint64(u[halfSize:]),
	}
}

// UUID returns the identifier in UUID form.
func (id ID) UUID() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint64(u[:halfSize], id.high)
	binary.BigEndian.PutUint64(u[halfSize:], id.low)
	return u
}

// High returns the most significant 64 bits.
func (id ID) High() uint64 { return id.high }

// Low returns the least significant 64 bits.
func (id ID) Low() uint64 { return id.low }

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id.high == 0 && id.low == 0
}

// String formats the identifier as a hyphenated UUID.
func (id ID) String() string {
	return id.UUID().String()
}

// Serialize writes id into buf starting at offset and returns the offset
// just past the written bytes (offset + SerializedSize).
func (id ID) Serialize(buf []byte, offset int) (int, error) {
	if err := checkBounds(buf, offset); err != nil {
		return offset, err
	}
	binary.NativeEndian.PutUint64(buf[offset:], id.high)
	offset += halfSize
	binary.NativeEndian.PutUint64(buf[offset:], id.low)
	offset += halfSize
	return offset, nil
}

// Deserialize reads an ID from buf at offset and returns it with the offset
// just past the consumed bytes.
func Deserialize(buf []byte, offset int) (ID, int, error) {
	if err := checkBounds(buf, offset); err != nil {
		return ID{}, offset, err
	}
	var id ID
	id.high = binary.NativeEndian.Uint64(buf[offset:])
	offset += halfSize
	id.low = binary.NativeEndian.Uint64(buf[offset:])
	offset += halfSize
	return id, offset, nil
}

func checkBounds(buf []byte, offset int) error {
	if offset < 0 || len(buf)-offset < SerializedSize {
		return fmt.Errorf("%w: need %d bytes at offset %d, buffer has %d",
			ErrMalformedEncoding, SerializedSize, offset, len(buf))
	}
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (id ID) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SerializedSize)
	if _, err := id.Serialize(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The input must be
// exactly SerializedSize bytes.
func (id *ID) UnmarshalBinary(data []byte) error {
	if len(data) != SerializedSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedEncoding, len(data), SerializedSize)
	}
	decoded, _, err := Deserialize(data, 0)
	if err != nil {
		return err
	}
	*id = decoded
	return nil
}

// Value implements driver.Valuer, storing the 16-byte binary form.
func (id ID) Value() (driver.Value, error) {
	return id.MarshalBinary()
}

// Scan implements sql.Scanner for BLOB columns written by Value.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return id.UnmarshalBinary(v)
	case nil:
		*id = ID{}
		return nil
	default:
		return fmt.Errorf("scan operation unit: unsupported type %T", src)
	}
}

// MarshalText implements encoding.TextMarshaler using the UUID form.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return fmt.Errorf("parse operation unit: %w", err)
	}
	*id = FromUUID(u)
	return nil
}
