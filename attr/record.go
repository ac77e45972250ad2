package attr

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// VersionMismatchError reports a fixed-layout record whose embedded ABI
// version does not match the version this code was written against.  It is
// raised before any other field is trusted, so a layout change in the kernel
// cannot be silently misread.
type VersionMismatchError struct {
	Record string
	Want   uint16
	Got    uint16
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("record %s: ABI version %d, want %d", e.Record, e.Got, e.Want)
}

// Versioned is implemented by record structs that carry a kernel ABI
// version field, e.g. struct taskstats.
type Versioned interface {
	ABIVersion() uint16
}

// Record decodes fixed-layout kernel structs carried as single attributes.
// New must return a pointer to a zero struct whose field order and explicit
// padding match the kernel layout exactly; decoding fills it with
// encoding/binary in host order.  If the struct implements Versioned, its
// version is checked against Version before the record is returned.
type Record struct {
	Name    string
	Version uint16
	New     func() interface{}
}

func (r Record) Pack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, native, v); err != nil {
		return nil, fmt.Errorf("record %s: %v", r.Name, err)
	}
	return buf.Bytes(), nil
}

// Unpack decodes the record.  Trailing bytes beyond the struct are
// tolerated; newer kernels append fields without bumping the version.
func (r Record) Unpack(b []byte) (interface{}, error) {
	v := r.New()
	size := binary.Size(v)
	if size < 0 {
		return nil, fmt.Errorf("record %s: layout has no fixed size", r.Name)
	}
	if len(b) < size {
		return nil, NewProtocolError("record %s: %d bytes, want at least %d", r.Name, len(b), size)
	}
	if err := binary.Read(bytes.NewReader(b), native, v); err != nil {
		return nil, fmt.Errorf("record %s: %v", r.Name, err)
	}
	if rec, ok := v.(Versioned); ok && rec.ABIVersion() != r.Version {
		return nil, &VersionMismatchError{Record: r.Name, Want: r.Version, Got: rec.ABIVersion()}
	}
	return v, nil
}

// CString converts a fixed-width kernel string field, dropping the NUL
// padding.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
