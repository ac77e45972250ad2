package genl_test

import (
	"errors"
	"log"
	"testing"

	"github.com/go-test/deep"
	"github.com/m-lab/go/rtx"
	"golang.org/x/sys/unix"

	"github.com/m-lab/gnl/attr"
	"github.com/m-lab/gnl/genl"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	reqAttrs = attr.NewList("SchemaTestReqList",
		attr.Field{Name: "PID", Type: attr.U32},
	)
	replyAttrs = attr.NewList("SchemaTestReplyList",
		attr.Field{Name: "PID", Type: attr.U32},
		attr.Field{Name: "COMM", Type: attr.NulString},
	)
	testSchema = genl.NewSchema("SchemaTestMessage", "TEST_FAMILY", []genl.Command{
		genl.Cmd("GET", reqAttrs),
		genl.Cmd("SET", nil), // kernel-internal, holds position 2
		genl.Cmd("NEW", replyAttrs),
	})
)

func TestCommandNumbering(t *testing.T) {
	if got := testSchema.CommandCode("new"); got != 3 {
		t.Errorf("NEW has code %d, want 3: codes are positional", got)
	}
	if got := testSchema.CommandName(2); got != "SET" {
		t.Errorf("code 2 is %q, want SET", got)
	}
}

func TestMessagePack(t *testing.T) {
	m, err := testSchema.NewMessage("GET", nil, 0)
	rtx.Must(err, "message")
	if m.Flags != genl.AckRequest {
		t.Errorf("flags %#x, want the AckRequest default", m.Flags)
	}
	rtx.Must(m.Attrs.Set("PID", uint32(1)), "set")
	b, err := m.Pack()
	rtx.Must(err, "pack")
	// Generic netlink header: command, version, two reserved bytes.
	if b[0] != 1 || b[1] != 1 || b[2] != 0 || b[3] != 0 {
		t.Errorf("genl header % x, want 01 01 00 00", b[:4])
	}
	if len(b) != 4+8 {
		t.Errorf("packed %d bytes, want 12", len(b))
	}
}

func TestParseRoundTrip(t *testing.T) {
	m, err := testSchema.NewMessage("NEW", nil, genl.Request)
	rtx.Must(err, "message")
	rtx.Must(m.Attrs.Set("PID", uint32(42)), "set")
	rtx.Must(m.Attrs.Set("COMM", "bash"), "set")
	b, err := m.Pack()
	rtx.Must(err, "pack")

	got, err := testSchema.Parse(b)
	rtx.Must(err, "parse")
	if got.Command() != "NEW" {
		t.Errorf("command %q, want NEW", got.Command())
	}
	if diff := deep.Equal(got.Attrs.Map(), m.Attrs.Map()); diff != nil {
		t.Error(diff)
	}
}

func TestParseMismatch(t *testing.T) {
	var serr *genl.SchemaMismatchError

	// Command code beyond the declared list.
	if _, err := testSchema.Parse([]byte{9, 1, 0, 0}); !errors.As(err, &serr) {
		t.Errorf("unknown code: got %v, want a SchemaMismatchError", err)
	}
	// A command with no user space payload.
	if _, err := testSchema.Parse([]byte{2, 1, 0, 0}); !errors.As(err, &serr) {
		t.Errorf("nil-list command: got %v, want a SchemaMismatchError", err)
	}
	// A short header is a protocol error, not a mismatch.
	var perr *attr.ProtocolError
	if _, err := testSchema.Parse([]byte{1, 1}); !errors.As(err, &perr) {
		t.Errorf("short header: got %v, want a ProtocolError", err)
	}
}

func TestNilListCommandCannotBeBuilt(t *testing.T) {
	if _, err := testSchema.NewMessage("SET", nil, 0); err == nil {
		t.Error("building a kernel-internal command should fail")
	}
	if _, err := testSchema.NewMessage("NOPE", nil, 0); err == nil {
		t.Error("building an undeclared command should fail")
	}
}

func TestFlagsMatchKernel(t *testing.T) {
	tests := []struct {
		got  genl.Flags
		want int
	}{
		{genl.Request, unix.NLM_F_REQUEST},
		{genl.Multi, unix.NLM_F_MULTI},
		{genl.Ack, unix.NLM_F_ACK},
		{genl.Echo, unix.NLM_F_ECHO},
		{genl.Dump, unix.NLM_F_DUMP},
	}
	for _, tc := range tests {
		if int(tc.got) != tc.want {
			t.Errorf("flag %#x, want %#x", tc.got, tc.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	if genl.Lookup("SchemaTestMessage") != testSchema {
		t.Error("schema is not in the registry")
	}
	if genl.Lookup("CtrlMessage") != genl.Ctrl {
		t.Error("the control schema is not in the registry")
	}
	if genl.Lookup("NotASchema") != nil {
		t.Error("unregistered names should return nil")
	}
}
