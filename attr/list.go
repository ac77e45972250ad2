package attr

import (
	"fmt"
	"log"
	"strings"

	"golang.org/x/sys/unix"
)

const nlaHeaderLen = unix.SizeofNlAttr

// nlaTypeMask strips the nested and net-byte-order flag bits some families
// set in the attribute type field.
const nlaTypeMask = ^uint16(unix.NLA_F_NESTED | unix.NLA_F_NET_BYTEORDER)

// nlaAlignOf rounds a length up to the 4-byte attribute alignment.
func nlaAlignOf(n int) int {
	return (n + unix.NLA_ALIGNTO - 1) & ^(unix.NLA_ALIGNTO - 1)
}

// Field declares one attribute of a List: a name and the Packer for its
// value.  Use Self for attributes whose value is the declaring list itself.
type Field struct {
	Name string
	Type Packer
}

// List is a frozen attribute schema.  The Nth field (1-based) encodes as
// attribute type N; names and positions must be taken from the kernel
// headers for the family, in the kernel's order, or nothing will line up on
// the wire.  A List is built once and never modified, and is itself a
// Packer, so lists nest inside other lists.
type List struct {
	name   string
	fields []Field
	index  map[string]int // upper-cased name -> 1-based attribute number
}

// NewList builds a List from ordered field declarations.  Declaration
// mistakes (no fields, duplicate or empty names) are programming errors and
// panic, matching the construct-once registry lifecycle.
func NewList(name string, fields ...Field) *List {
	if len(fields) == 0 {
		panic("attr: list " + name + " has no fields")
	}
	l := &List{
		name:   name,
		fields: make([]Field, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		key := strings.ToUpper(f.Name)
		if key == "" {
			panic(fmt.Sprintf("attr: list %s: field %d has no name", name, i+1))
		}
		if _, dup := l.index[key]; dup {
			panic(fmt.Sprintf("attr: list %s: duplicate field %s", name, f.Name))
		}
		if _, ok := f.Type.(SelfType); ok {
			// Resolve the placeholder now that the list exists.
			f.Type = l
		}
		l.fields[i] = f
		l.index[key] = i + 1
	}
	return l
}

// Name returns the list's declared name.
func (l *List) Name() string { return l.name }

// Len returns the number of declared attributes.
func (l *List) Len() int { return len(l.fields) }

// Number returns the 1-based attribute number for a name, or 0 if the name
// is not declared.  This is the number the attribute carries on the wire.
func (l *List) Number(name string) int {
	return l.index[strings.ToUpper(name)]
}

// Values returns an empty value bag for this list.
func (l *List) Values() *Values {
	return &Values{list: l, vals: make(map[int]interface{})}
}

// Pack encodes a *Values built from this list.  Attributes are emitted in
// declared order regardless of the order they were set, so output is
// deterministic; attributes that were never set are simply absent.
func (l *List) Pack(v interface{}) ([]byte, error) {
	vals, ok := v.(*Values)
	if !ok {
		return nil, fmt.Errorf("list %s: pack wants *Values, got %T", l.name, v)
	}
	if vals.list != l {
		return nil, fmt.Errorf("list %s: values were built from list %s", l.name, vals.list.name)
	}
	var out []byte
	for i, f := range l.fields {
		num := i + 1
		val, ok := vals.vals[num]
		if !ok {
			continue
		}
		packed, err := f.Type.Pack(val)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", l.name, f.Name, err)
		}
		alen := nlaHeaderLen + len(packed)
		if alen > 0x7fff {
			return nil, fmt.Errorf("%s.%s: value of %d bytes does not fit an attribute", l.name, f.Name, len(packed))
		}
		var hdr [nlaHeaderLen]byte
		native.PutUint16(hdr[0:2], uint16(alen))
		native.PutUint16(hdr[2:4], uint16(num))
		out = append(out, hdr[:]...)
		out = append(out, packed...)
		out = append(out, make([]byte, nlaAlignOf(len(packed))-len(packed))...)
	}
	return out, nil
}

// Unpack walks a TLV stream and decodes it into a *Values.  Attribute
// numbers beyond the declared range are skipped silently: a newer kernel is
// allowed to send attributes this schema has never heard of.  Attribute
// number zero, or a declared length that does not fit the remaining buffer,
// is a ProtocolError.
func (l *List) Unpack(b []byte) (interface{}, error) {
	vals := l.Values()
	for len(b) > 0 {
		if len(b) < nlaHeaderLen {
			return nil, NewProtocolError("list %s: %d trailing bytes", l.name, len(b))
		}
		// Some families set the top bit of the length for nested
		// attributes; it is not part of the length.
		alen := int(native.Uint16(b[0:2]) & 0x7fff)
		num := int(native.Uint16(b[2:4]) & nlaTypeMask)
		if alen < nlaHeaderLen || alen > len(b) {
			return nil, NewProtocolError("list %s: attribute %d length %d outside buffer of %d", l.name, num, alen, len(b))
		}
		if num == 0 {
			return nil, NewProtocolError("list %s: attribute type 0", l.name)
		}
		if num <= len(l.fields) {
			f := l.fields[num-1]
			v, err := f.Type.Unpack(b[nlaHeaderLen:alen])
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", l.name, f.Name, err)
			}
			if v != nil {
				if _, dup := vals.vals[num]; dup {
					log.Printf("list %s: attribute %s appears more than once", l.name, f.Name)
				}
				vals.vals[num] = v
			}
		}
		// The final attribute may omit its padding.
		advance := nlaAlignOf(alen)
		if advance > len(b) {
			advance = len(b)
		}
		b = b[advance:]
	}
	return vals, nil
}

// Values is the mutable, name-keyed value bag for one List.  It is built
// per message and discarded after the exchange; the List it came from stays
// frozen.
type Values struct {
	list *List
	vals map[int]interface{}
}

// List returns the schema the values belong to.
func (v *Values) List() *List { return v.list }

// Set stores an attribute by name.  Names are case-insensitive, as the
// kernel header spellings are conventionally upper case.
func (v *Values) Set(name string, val interface{}) error {
	num, ok := v.list.index[strings.ToUpper(name)]
	if !ok {
		return fmt.Errorf("list %s: no attribute %q", v.list.name, name)
	}
	v.vals[num] = val
	return nil
}

// Get returns an attribute by name, and whether it was present.
func (v *Values) Get(name string) (interface{}, bool) {
	num, ok := v.list.index[strings.ToUpper(name)]
	if !ok {
		return nil, false
	}
	val, ok := v.vals[num]
	return val, ok
}

// Path descends through nested value bags along a dotted name path, e.g.
// "AGGR_PID.STATS" on a taskstats reply.
func (v *Values) Path(path string) (interface{}, error) {
	cur := v
	parts := strings.Split(path, ".")
	for i, part := range parts {
		val, ok := cur.Get(part)
		if !ok {
			return nil, fmt.Errorf("list %s: no attribute %q", cur.list.name, part)
		}
		if i == len(parts)-1 {
			return val, nil
		}
		cur, ok = val.(*Values)
		if !ok {
			return nil, fmt.Errorf("list %s: attribute %q is not a nested list", v.list.name, part)
		}
	}
	return cur, nil
}

// Nested returns a nested value bag by name.
func (v *Values) Nested(name string) (*Values, error) {
	val, ok := v.Get(name)
	if !ok {
		return nil, fmt.Errorf("list %s: no attribute %q", v.list.name, name)
	}
	nested, ok := val.(*Values)
	if !ok {
		return nil, fmt.Errorf("list %s: attribute %q is not a nested list", v.list.name, name)
	}
	return nested, nil
}

// String returns a string attribute by name.
func (v *Values) String(name string) (string, error) {
	val, ok := v.Get(name)
	if !ok {
		return "", fmt.Errorf("list %s: no attribute %q", v.list.name, name)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("list %s: attribute %q is %T, not string", v.list.name, name, val)
	}
	return s, nil
}

// Uint16 returns an unsigned 16-bit attribute by name.
func (v *Values) Uint16(name string) (uint16, error) {
	val, ok := v.Get(name)
	if !ok {
		return 0, fmt.Errorf("list %s: no attribute %q", v.list.name, name)
	}
	u, ok := val.(uint16)
	if !ok {
		return 0, fmt.Errorf("list %s: attribute %q is %T, not uint16", v.list.name, name, val)
	}
	return u, nil
}

// Uint32 returns an unsigned 32-bit attribute by name.
func (v *Values) Uint32(name string) (uint32, error) {
	val, ok := v.Get(name)
	if !ok {
		return 0, fmt.Errorf("list %s: no attribute %q", v.list.name, name)
	}
	u, ok := val.(uint32)
	if !ok {
		return 0, fmt.Errorf("list %s: attribute %q is %T, not uint32", v.list.name, name, val)
	}
	return u, nil
}

// Uint64 returns an unsigned 64-bit attribute by name.
func (v *Values) Uint64(name string) (uint64, error) {
	val, ok := v.Get(name)
	if !ok {
		return 0, fmt.Errorf("list %s: no attribute %q", v.list.name, name)
	}
	u, ok := val.(uint64)
	if !ok {
		return 0, fmt.Errorf("list %s: attribute %q is %T, not uint64", v.list.name, name, val)
	}
	return u, nil
}

// Map returns a name-keyed copy of the values, with nested bags converted
// recursively.  Mostly useful for logging and tests.
func (v *Values) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(v.vals))
	for num, val := range v.vals {
		name := v.list.fields[num-1].Name
		if nested, ok := val.(*Values); ok {
			out[name] = nested.Map()
		} else {
			out[name] = val
		}
	}
	return out
}
