// Package attr implements the netlink attribute (TLV) encoding used by
// generic netlink families.  Attribute numbers are positional: the Nth
// declared field of a list encodes as attribute type N, which must reproduce
// the kernel's own enumeration for the family.
package attr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/vishvananda/netlink/nl"
)

// Error types.
var (
	// ErrNotPackable is returned when packing an attribute kind that is only
	// ever decoded, never emitted.
	ErrNotPackable = errors.New("attribute type cannot be packed")
)

// native is the byte order used for netlink headers and host-order scalars.
var native = nl.NativeEndian()

// Packer converts a single attribute value to and from its wire form.  The
// variant set is closed: scalar integers, NUL-terminated strings, opaque
// bytes, fixed-layout records, nested lists, the self reference, and the
// ignored kind.  Value padding and the 4-byte attribute header are the
// owning List's concern, not the Packer's.
type Packer interface {
	Pack(v interface{}) ([]byte, error)
	Unpack(b []byte) (interface{}, error)
}

// ProtocolError reports a malformed attribute stream or datagram: truncated
// buffers, impossible lengths, attribute type zero.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "netlink protocol error: " + e.Reason
}

// NewProtocolError builds a *ProtocolError from a format string.
func NewProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IntType packs fixed-width integers.  Host byte order unless BigEndian is
// set (the kernel's "network byte order" attributes).
type IntType struct {
	Bits      int
	Signed    bool
	BigEndian bool
}

// The scalar types used by generic netlink family schemas.
var (
	U8    = IntType{Bits: 8}
	U16   = IntType{Bits: 16}
	U32   = IntType{Bits: 32}
	U64   = IntType{Bits: 64}
	I32   = IntType{Bits: 32, Signed: true}
	Net16 = IntType{Bits: 16, BigEndian: true}
	Net32 = IntType{Bits: 32, BigEndian: true}
)

func (t IntType) order() binary.ByteOrder {
	if t.BigEndian {
		return binary.BigEndian
	}
	return native
}

// Pack encodes any Go integer value, rejecting values that do not fit the
// declared width and signedness.
func (t IntType) Pack(v interface{}) ([]byte, error) {
	var u uint64
	if t.Signed {
		i, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if t.Bits < 64 {
			min := int64(-1) << uint(t.Bits-1)
			max := int64(1)<<uint(t.Bits-1) - 1
			if i < min || i > max {
				return nil, fmt.Errorf("value %d out of range for i%d", i, t.Bits)
			}
		}
		u = uint64(i)
	} else {
		var err error
		u, err = toUint64(v)
		if err != nil {
			return nil, err
		}
		if t.Bits < 64 && u > uint64(1)<<uint(t.Bits)-1 {
			return nil, fmt.Errorf("value %d out of range for u%d", u, t.Bits)
		}
	}
	b := make([]byte, t.Bits/8)
	switch t.Bits {
	case 8:
		b[0] = byte(u)
	case 16:
		t.order().PutUint16(b, uint16(u))
	case 32:
		t.order().PutUint32(b, uint32(u))
	case 64:
		t.order().PutUint64(b, u)
	default:
		return nil, fmt.Errorf("unsupported integer width %d", t.Bits)
	}
	return b, nil
}

// Unpack decodes a scalar whose byte length must match the declared width.
// The result has the natural Go type for the width (uint32 for U32, int32
// for I32, and so on).
func (t IntType) Unpack(b []byte) (interface{}, error) {
	if len(b) != t.Bits/8 {
		return nil, NewProtocolError("scalar length %d, want %d", len(b), t.Bits/8)
	}
	switch t.Bits {
	case 8:
		if t.Signed {
			return int8(b[0]), nil
		}
		return b[0], nil
	case 16:
		u := t.order().Uint16(b)
		if t.Signed {
			return int16(u), nil
		}
		return u, nil
	case 32:
		u := t.order().Uint32(b)
		if t.Signed {
			return int32(u), nil
		}
		return u, nil
	case 64:
		u := t.order().Uint64(b)
		if t.Signed {
			return int64(u), nil
		}
		return u, nil
	}
	return nil, fmt.Errorf("unsupported integer width %d", t.Bits)
}

func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	}
	return 0, fmt.Errorf("cannot pack %T as an integer", v)
}

func toUint64(v interface{}) (uint64, error) {
	switch x := v.(type) {
	case uint:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	case int:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d for unsigned type", x)
		}
		return uint64(x), nil
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d for unsigned type", x)
		}
		return uint64(x), nil
	}
	return 0, fmt.Errorf("cannot pack %T as an unsigned integer", v)
}

// NulStringType encodes strings with a terminating NUL, the convention for
// name attributes such as CTRL_ATTR_FAMILY_NAME.
type NulStringType struct{}

// NulString packs and unpacks NUL-terminated string attributes.
var NulString NulStringType

// Pack appends the terminating NUL.
func (NulStringType) Pack(v interface{}) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("cannot pack %T as a string", v)
	}
	return append([]byte(s), 0), nil
}

// Unpack requires and strips the terminating NUL.
func (NulStringType) Unpack(b []byte) (interface{}, error) {
	if len(b) == 0 || b[len(b)-1] != 0 {
		return nil, NewProtocolError("string attribute is not NUL terminated")
	}
	return string(b[:len(b)-1]), nil
}

// BinaryType passes attribute bytes through uninterpreted.
type BinaryType struct{}

// Binary packs and unpacks opaque byte attributes.
var Binary BinaryType

func (BinaryType) Pack(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("cannot pack %T as bytes", v)
	}
	return b, nil
}

func (BinaryType) Unpack(b []byte) (interface{}, error) {
	// Copy: the input aliases the receive buffer.
	return append([]byte(nil), b...), nil
}

// IgnoreType marks attributes that are tolerated on decode but never
// interpreted or emitted.  The list walker consumes the declared length and
// stores nothing.
type IgnoreType struct{}

// Ignore skips an attribute's content on decode.
var Ignore IgnoreType

func (IgnoreType) Pack(v interface{}) ([]byte, error) {
	return nil, ErrNotPackable
}

func (IgnoreType) Unpack(b []byte) (interface{}, error) {
	return nil, nil
}

// SelfType is the placeholder for an attribute whose value is the declaring
// list itself.  NewList resolves it once the list is complete; it is never
// packed or unpacked directly.
type SelfType struct{}

// Self marks a recursive attribute in a list declaration.
var Self SelfType

func (SelfType) Pack(v interface{}) ([]byte, error) {
	return nil, errors.New("unresolved self reference")
}

func (SelfType) Unpack(b []byte) (interface{}, error) {
	return nil, errors.New("unresolved self reference")
}
