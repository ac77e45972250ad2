package genl

import (
	"golang.org/x/sys/unix"

	"github.com/m-lab/gnl/attr"
)

// The control family is how every other family id is discovered: a
// GETFAMILY request carrying the family name comes back as a NEWFAMILY
// reply carrying the numeric id.  Attribute and command positions here must
// reproduce the kernel's CTRL_ATTR_* and CTRL_CMD_* numbering; ctrl_test.go
// pins them to the unix package constants.

// CtrlOpsAttrs describes one entry of the OPS attribute.
// TODO: decode OPS with this list.  OPS is an array of nested entries keyed
// by index, which needs array-valued attribute support.
var CtrlOpsAttrs = attr.NewList("CtrlOpsAttrList",
	attr.Field{Name: "ID", Type: attr.U32},
	attr.Field{Name: "FLAGS", Type: attr.U32},
)

// CtrlMcastGroupAttrs describes a multicast group entry in a NEWFAMILY
// reply.  The engine decodes it but does not interpret it.
var CtrlMcastGroupAttrs = attr.NewList("CtrlMcastGroupAttrList",
	attr.Field{Name: "NAME", Type: attr.NulString},
	attr.Field{Name: "ID", Type: attr.U32},
)

// CtrlAttrs is the attribute list for GETFAMILY requests and NEWFAMILY
// replies.
var CtrlAttrs = attr.NewList("CtrlAttrList",
	attr.Field{Name: "FAMILY_ID", Type: attr.U16},
	attr.Field{Name: "FAMILY_NAME", Type: attr.NulString},
	attr.Field{Name: "VERSION", Type: attr.U32},
	attr.Field{Name: "HDRSIZE", Type: attr.U32},
	attr.Field{Name: "MAXATTR", Type: attr.U32},
	attr.Field{Name: "OPS", Type: attr.Ignore},
	attr.Field{Name: "MCAST_GROUPS", Type: CtrlMcastGroupAttrs},
)

// Ctrl is the control family schema.  Only GETFAMILY is ever sent by this
// engine; the remaining commands hold their kernel-assigned positions.
var Ctrl = NewFixedSchema("CtrlMessage", unix.GENL_ID_CTRL, []Command{
	Cmd("NEWFAMILY", CtrlAttrs),
	Cmd("DELFAMILY", nil),
	Cmd("GETFAMILY", CtrlAttrs),
	Cmd("NEWOPS", nil),
	Cmd("DELOPS", nil),
	Cmd("GETOPS", nil),
	Cmd("NEWMCAST_GRP", nil),
	Cmd("DELMCAST_GRP", nil),
	Cmd("GETMCAST_GRP", nil),
})
