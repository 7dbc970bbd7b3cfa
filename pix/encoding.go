/*
	This file handles the pixel encodings reported by a remote pixel store and the
	byte layout of a single sample.
*/

package pix

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

// PixelType is the sample encoding of an image, parsed once from the string the
// remote server reports.
type PixelType uint8

const (
	PixelUnknown PixelType = iota
	Uint8
	Int16
	Uint16
	Int32
	Float32
	Float64

	// The following can be represented but are not decoded.
	Int8
	Uint32
	Bit
)

var typeBytes = map[PixelType]int{
	Uint8:   1,
	Int8:    1,
	Uint16:  2,
	Int16:   2,
	Uint32:  4,
	Int32:   4,
	Float32: 4,
	Float64: 8,
	Bit:     1,
}

var typeNames = map[PixelType]string{
	PixelUnknown: "unknown",
	Uint8:        "uint8",
	Int8:         "int8",
	Uint16:       "uint16",
	Int16:        "int16",
	Uint32:       "uint32",
	Int32:        "int32",
	Float32:      "float32",
	Float64:      "float64",
	Bit:          "bit",
}

// ParsePixelType converts a server pixel type string into a PixelType.  Unknown strings
// return PixelUnknown and an ErrUnsupportedEncoding error rather than falling through.
func ParsePixelType(s string) (PixelType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint8":
		return Uint8, nil
	case "int8":
		return Int8, nil
	case "uint16":
		return Uint16, nil
	case "int16":
		return Int16, nil
	case "uint32":
		return Uint32, nil
	case "int32":
		return Int32, nil
	case "float", "float32":
		return Float32, nil
	case "double", "float64":
		return Float64, nil
	case "bit":
		return Bit, nil
	default:
		return PixelUnknown, fmt.Errorf("%w: pixel type %q", ErrUnsupportedEncoding, s)
	}
}

// BytesPerSample returns the # of bytes for one sample, e.g., 2 for Uint16.
func (t PixelType) BytesPerSample() int {
	return typeBytes[t]
}

// BitsPerSample returns the # of bits for one sample.
func (t PixelType) BitsPerSample() int {
	if t == Bit {
		return 1
	}
	return typeBytes[t] * 8
}

// Signed returns true for signed integer and floating point types.
func (t PixelType) Signed() bool {
	switch t {
	case Int8, Int16, Int32, Float32, Float64:
		return true
	}
	return false
}

// IsFloat returns true for floating point types.
func (t PixelType) IsFloat() bool {
	return t == Float32 || t == Float64
}

// Supported returns true if tiles of this type can be decoded.
func (t PixelType) Supported() bool {
	switch t {
	case Uint8, Int16, Uint16, Int32, Float32, Float64:
		return true
	}
	return false
}

func (t PixelType) String() string {
	if name, found := typeNames[t]; found {
		return name
	}
	return fmt.Sprintf("PixelType(%d)", uint8(t))
}

// MarshalJSON implements the json.Marshaler interface.
func (t PixelType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (t *PixelType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParsePixelType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseByteOrder returns the byte order for the server's description.  An empty
// string defaults to big endian, the network order used by the remote store.
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "b", "big", "bigendian", "big-endian":
		return binary.BigEndian, nil
	case "l", "little", "littleendian", "little-endian":
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("%w: byte order %q", ErrCorruptMetadata, s)
	}
}

// ByteOrderName returns the short name used on the wire for a byte order.
func ByteOrderName(order binary.ByteOrder) string {
	if order == binary.LittleEndian {
		return "little"
	}
	return "big"
}
