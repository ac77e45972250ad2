package attr_test

import (
	"errors"
	"testing"

	"github.com/go-test/deep"
	"github.com/m-lab/go/rtx"
	"github.com/vishvananda/netlink/nl"

	"github.com/m-lab/gnl/attr"
)

var native = nl.NativeEndian()

// tlv builds one raw attribute unit, padded to 4 bytes, for decode tests.
func tlv(num uint16, value []byte) []byte {
	b := make([]byte, 4+(len(value)+3)&^3)
	native.PutUint16(b[0:2], uint16(4+len(value)))
	native.PutUint16(b[2:4], num)
	copy(b[4:], value)
	return b
}

func TestListRoundTrip(t *testing.T) {
	l := attr.NewList("RoundTripList",
		attr.Field{Name: "SOME_SHORT", Type: attr.U16},
		attr.Field{Name: "SOME_STRING", Type: attr.NulString},
		attr.Field{Name: "SOME_LONG", Type: attr.U64},
	)
	v := l.Values()
	// Names are case-insensitive, and SOME_LONG stays unset: encode only
	// emits what was supplied.
	rtx.Must(v.Set("some_string", "foo"), "set")
	rtx.Must(v.Set("SOME_SHORT", uint16(10)), "set")

	b, err := l.Pack(v)
	rtx.Must(err, "pack")
	got, err := l.Unpack(b)
	rtx.Must(err, "unpack")
	if diff := deep.Equal(got.(*attr.Values).Map(), v.Map()); diff != nil {
		t.Error(diff)
	}
}

func TestDeclaredOrderAndNumbering(t *testing.T) {
	l := attr.NewList("OrderList",
		attr.Field{Name: "A", Type: attr.U32},
		attr.Field{Name: "B", Type: attr.U32},
		attr.Field{Name: "C", Type: attr.U32},
	)
	if l.Number("C") != 3 {
		t.Errorf("C is attribute %d, want 3", l.Number("C"))
	}
	v := l.Values()
	// Supplied in reverse; must encode in declared order.
	rtx.Must(v.Set("C", uint32(3)), "set")
	rtx.Must(v.Set("B", uint32(2)), "set")
	b, err := l.Pack(v)
	rtx.Must(err, "pack")
	if got := native.Uint16(b[2:4]); got != 2 {
		t.Errorf("first emitted attribute is %d, want B=2", got)
	}
	if got := native.Uint16(b[10:12]); got != 3 {
		t.Errorf("second emitted attribute is %d, want C=3", got)
	}
}

func TestEncodedUnitsAreAligned(t *testing.T) {
	l := attr.NewList("AlignList",
		attr.Field{Name: "NAME", Type: attr.NulString},
		attr.Field{Name: "ID", Type: attr.U8},
	)
	for _, name := range []string{"", "a", "ab", "abc", "abcd"} {
		v := l.Values()
		rtx.Must(v.Set("NAME", name), "set")
		rtx.Must(v.Set("ID", uint8(1)), "set")
		b, err := l.Pack(v)
		rtx.Must(err, "pack")
		if len(b)%4 != 0 {
			t.Errorf("name %q: %d encoded bytes, not 4-aligned", name, len(b))
		}
		// The declared length excludes padding.
		if want := 4 + len(name) + 1; int(native.Uint16(b[0:2])) != want {
			t.Errorf("name %q: header length %d, want %d", name, native.Uint16(b[0:2]), want)
		}
	}
}

func TestIgnoreDoesNotShiftOffsets(t *testing.T) {
	l := attr.NewList("IgnoreList",
		attr.Field{Name: "ID", Type: attr.U32},
		attr.Field{Name: "NULL", Type: attr.Ignore},
	)
	for _, junk := range [][]byte{nil, {1}, {1, 2, 3, 4, 5}} {
		stream := append(tlv(2, junk), tlv(1, []byte{7, 0, 0, 0})...)
		// Rebuild the u32 in host order.
		native.PutUint32(stream[len(stream)-4:], 7)
		got, err := l.Unpack(stream)
		rtx.Must(err, "unpack")
		id, err := got.(*attr.Values).Uint32("ID")
		rtx.Must(err, "get")
		if id != 7 {
			t.Errorf("junk %v: ID = %d, want 7", junk, id)
		}
		if _, present := got.(*attr.Values).Get("NULL"); present {
			t.Error("ignored attribute should not be stored")
		}
	}
}

func TestUnknownAttributeSkipped(t *testing.T) {
	l := attr.NewList("ForwardCompatList",
		attr.Field{Name: "ID", Type: attr.U32},
	)
	id := make([]byte, 4)
	native.PutUint32(id, 9)
	stream := append(tlv(55, []byte{1, 2, 3, 4}), tlv(1, id)...)
	got, err := l.Unpack(stream)
	rtx.Must(err, "unpack")
	if v, err := got.(*attr.Values).Uint32("ID"); err != nil || v != 9 {
		t.Errorf("ID = %v, %v; want 9", v, err)
	}
}

func TestDecodeErrors(t *testing.T) {
	l := attr.NewList("ErrList",
		attr.Field{Name: "ID", Type: attr.U32},
	)
	var perr *attr.ProtocolError

	// Attribute type 0 is reserved.
	if _, err := l.Unpack(tlv(0, []byte{1, 2, 3, 4})); !errors.As(err, &perr) {
		t.Errorf("type 0: got %v, want a ProtocolError", err)
	}

	// Declared length beyond the buffer.
	bad := tlv(1, []byte{1, 2, 3, 4})
	native.PutUint16(bad[0:2], 40)
	if _, err := l.Unpack(bad); !errors.As(err, &perr) {
		t.Errorf("oversized length: got %v, want a ProtocolError", err)
	}

	// A dangling partial header.
	if _, err := l.Unpack([]byte{8, 0}); !errors.As(err, &perr) {
		t.Errorf("trailing bytes: got %v, want a ProtocolError", err)
	}
}

func TestNestedList(t *testing.T) {
	inner := attr.NewList("InnerList",
		attr.Field{Name: "PORT", Type: attr.Net16},
	)
	outer := attr.NewList("OuterList",
		attr.Field{Name: "NAME", Type: attr.NulString},
		attr.Field{Name: "SERVICE", Type: inner},
	)
	iv := inner.Values()
	rtx.Must(iv.Set("PORT", uint16(443)), "set")
	ov := outer.Values()
	rtx.Must(ov.Set("NAME", "https"), "set")
	rtx.Must(ov.Set("SERVICE", iv), "set")

	b, err := outer.Pack(ov)
	rtx.Must(err, "pack")
	got, err := outer.Unpack(b)
	rtx.Must(err, "unpack")
	port, err := got.(*attr.Values).Path("SERVICE.PORT")
	rtx.Must(err, "path")
	if port != uint16(443) {
		t.Errorf("port %v, want 443", port)
	}
}

// TestRecursiveSelf exercises two levels of self-nesting, the shape of a
// taskstats AGGR_PID reply.
func TestRecursiveSelf(t *testing.T) {
	l := attr.NewList("TaskList",
		attr.Field{Name: "PID", Type: attr.U32},
		attr.Field{Name: "TGID", Type: attr.U32},
		attr.Field{Name: "STATS", Type: sampleRecord},
		attr.Field{Name: "AGGR_PID", Type: attr.Self},
		attr.Field{Name: "AGGR_TGID", Type: attr.Self},
		attr.Field{Name: "NULL", Type: attr.Ignore},
	)

	leaf := l.Values()
	rtx.Must(leaf.Set("PID", uint32(41)), "set")

	mid := l.Values()
	rtx.Must(mid.Set("PID", uint32(40)), "set")
	stats := &sampleStats{Version: 8, Count: 1, Total: 99}
	rtx.Must(mid.Set("STATS", stats), "set")
	rtx.Must(mid.Set("AGGR_PID", leaf), "set")

	root := l.Values()
	rtx.Must(root.Set("AGGR_PID", mid), "set")

	b, err := l.Pack(root)
	rtx.Must(err, "pack")
	got, err := l.Unpack(b)
	rtx.Must(err, "unpack")
	vals := got.(*attr.Values)

	st, err := vals.Path("AGGR_PID.STATS")
	rtx.Must(err, "path")
	if st.(*sampleStats).Total != 99 {
		t.Errorf("stats total %d, want 99", st.(*sampleStats).Total)
	}
	pid, err := vals.Path("AGGR_PID.AGGR_PID.PID")
	rtx.Must(err, "path")
	if pid != uint32(41) {
		t.Errorf("deep pid %v, want 41", pid)
	}
	if diff := deep.Equal(vals.Map(), root.Map()); diff != nil {
		t.Error(diff)
	}
}

func TestValuesErrors(t *testing.T) {
	l := attr.NewList("ValuesList",
		attr.Field{Name: "ID", Type: attr.U32},
	)
	v := l.Values()
	if err := v.Set("BOGUS", 1); err == nil {
		t.Error("setting an undeclared attribute should fail")
	}
	if _, err := v.Uint32("ID"); err == nil {
		t.Error("getting an absent attribute should fail")
	}
	rtx.Must(v.Set("ID", uint32(1)), "set")
	if _, err := v.String("ID"); err == nil {
		t.Error("wrong-type getter should fail")
	}
	if _, err := v.Path("ID.DEEPER"); err == nil {
		t.Error("descending through a scalar should fail")
	}
}

func TestDuplicateFieldPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate field names should panic at construction")
		}
	}()
	attr.NewList("DupList",
		attr.Field{Name: "A", Type: attr.U32},
		attr.Field{Name: "a", Type: attr.U32},
	)
}
