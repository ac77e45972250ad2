// Package genl describes generic netlink message schemas: a kernel family
// name bound to an ordered command list, each command carrying an attribute
// list schema.  Command codes are positional (the Nth declared command is
// code N) and must reproduce the kernel's enumeration for the family.
// Schemas are built once, registered process-wide, and never modified.
package genl

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/m-lab/gnl/attr"
)

// Flags are the netlink header flags a caller may set on a request, plus
// the multi-part marker the kernel sets on replies.
type Flags uint16

// Flag values, straight from the kernel uapi.
const (
	Request Flags = unix.NLM_F_REQUEST
	Multi   Flags = unix.NLM_F_MULTI
	Ack     Flags = unix.NLM_F_ACK
	Echo    Flags = unix.NLM_F_ECHO
	Dump    Flags = unix.NLM_F_DUMP

	// AckRequest is the default for requests: ask the kernel to confirm
	// even commands that produce no reply payload.
	AckRequest = Request | Ack
)

// version is the generic netlink header version stamped on every request.
const version = 1

// SchemaMismatchError reports a decoded message that does not correspond to
// any command declared by the schema used to parse it.  Distinct from
// attr.ProtocolError: the bytes were well formed, they just belong to a
// conversation this schema does not describe.
type SchemaMismatchError struct {
	Schema string
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema %s: %s", e.Schema, e.Reason)
}

// Command binds a command name to the attribute list its payload uses.  A
// nil Attrs marks a command that exists in the kernel's numbering but is not
// usable from user space; it holds its position so later commands keep their
// codes.
type Command struct {
	Name  string
	Attrs *attr.List
}

// Cmd is shorthand for declaring a Command.
func Cmd(name string, attrs *attr.List) Command {
	return Command{Name: name, Attrs: attrs}
}

// Schema is a frozen generic netlink message type: a family (by kernel name,
// or by fixed id for the well-known control family) and its commands.
type Schema struct {
	name     string
	family   string
	familyID uint16 // nonzero only for fixed-id families
	required []string
	cmds     []Command
	index    map[string]int // upper-cased command name -> 1-based code
}

// SchemaOption configures a Schema at construction time.
type SchemaOption func(*Schema)

// RequireModules lists kernel modules that must be loaded before the first
// message of this schema is sent.  The transport checks them once and fails
// with a typed error instead of letting the kernel reject the family lookup
// with a bare ENOENT.
func RequireModules(mods ...string) SchemaOption {
	return func(s *Schema) {
		s.required = append(s.required, mods...)
	}
}

// NewSchema builds and registers a schema for a family identified by its
// kernel name, resolved through the control family on first use.
func NewSchema(name, family string, cmds []Command, opts ...SchemaOption) *Schema {
	s := newSchema(name, cmds, opts)
	s.family = family
	register(s)
	return s
}

// NewFixedSchema builds and registers a schema for a family with a fixed,
// well-known numeric id (in practice: the control family itself).
func NewFixedSchema(name string, familyID uint16, cmds []Command, opts ...SchemaOption) *Schema {
	s := newSchema(name, cmds, opts)
	s.familyID = familyID
	register(s)
	return s
}

func newSchema(name string, cmds []Command, opts []SchemaOption) *Schema {
	if len(cmds) == 0 {
		panic("genl: schema " + name + " has no commands")
	}
	s := &Schema{
		name:  name,
		cmds:  make([]Command, len(cmds)),
		index: make(map[string]int, len(cmds)),
	}
	for i, c := range cmds {
		key := strings.ToUpper(c.Name)
		if key == "" {
			panic(fmt.Sprintf("genl: schema %s: command %d has no name", name, i+1))
		}
		if _, dup := s.index[key]; dup {
			panic(fmt.Sprintf("genl: schema %s: duplicate command %s", name, c.Name))
		}
		s.cmds[i] = c
		s.index[key] = i + 1
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name returns the schema's logical name.
func (s *Schema) Name() string { return s.name }

// Family returns the kernel family name, empty for fixed-id schemas.
func (s *Schema) Family() string { return s.family }

// FamilyID returns the fixed family id and true, or 0 and false when the id
// must be resolved by name at runtime.
func (s *Schema) FamilyID() (uint16, bool) {
	return s.familyID, s.familyID != 0
}

// RequiredModules returns the kernel modules this schema depends on.
func (s *Schema) RequiredModules() []string {
	return append([]string(nil), s.required...)
}

// CommandCode returns the 1-based wire code for a command name, or 0 if the
// name is not declared.
func (s *Schema) CommandCode(name string) int {
	return s.index[strings.ToUpper(name)]
}

// CommandName returns the declared name for a 1-based command code.
func (s *Schema) CommandName(code int) string {
	if code < 1 || code > len(s.cmds) {
		return fmt.Sprintf("unknown(%d)", code)
	}
	return s.cmds[code-1].Name
}

// Message is one generic netlink message value: a command plus its attribute
// values.  Built per call, stamped with a sequence number by the transport
// at send time, discarded after the exchange.
type Message struct {
	Schema  *Schema
	Flags   Flags
	Version uint8
	Attrs   *attr.Values

	cmd int
}

// NewMessage builds a message for the named command.  A nil attrs gets an
// empty value bag; zero flags default to AckRequest, as in requests that
// expect confirmation.
func (s *Schema) NewMessage(cmd string, attrs *attr.Values, flags Flags) (*Message, error) {
	code, ok := s.index[strings.ToUpper(cmd)]
	if !ok {
		return nil, fmt.Errorf("schema %s: unknown command %q", s.name, cmd)
	}
	c := s.cmds[code-1]
	if c.Attrs == nil {
		return nil, fmt.Errorf("schema %s: command %q is not usable from user space", s.name, cmd)
	}
	if attrs == nil {
		attrs = c.Attrs.Values()
	}
	if flags == 0 {
		flags = AckRequest
	}
	return &Message{Schema: s, Flags: flags, Version: version, Attrs: attrs, cmd: code}, nil
}

// Command returns the message's command name.
func (m *Message) Command() string {
	return m.Schema.CommandName(m.cmd)
}

// Pack encodes the generic netlink header (command, version, two reserved
// bytes) followed by the attribute stream.  The outer netlink header is the
// transport's job: only it knows the resolved family id, sequence number and
// port id.
func (m *Message) Pack() ([]byte, error) {
	c := m.Schema.cmds[m.cmd-1]
	packed, err := c.Attrs.Pack(m.Attrs)
	if err != nil {
		return nil, err
	}
	b := make([]byte, unix.GENL_HDRLEN, unix.GENL_HDRLEN+len(packed))
	b[0] = byte(m.cmd)
	b[1] = m.Version
	return append(b, packed...), nil
}

// Parse decodes a generic netlink payload (genl header + attributes)
// against this schema.  A command code outside the declared list, or one
// whose payload cannot be decoded from user space, is a schema mismatch, not
// a protocol error.
func (s *Schema) Parse(payload []byte) (*Message, error) {
	if len(payload) < unix.GENL_HDRLEN {
		return nil, attr.NewProtocolError("schema %s: %d bytes, need a %d byte header", s.name, len(payload), unix.GENL_HDRLEN)
	}
	code := int(payload[0])
	if code < 1 || code > len(s.cmds) {
		return nil, &SchemaMismatchError{Schema: s.name, Reason: fmt.Sprintf("no command with code %d", code)}
	}
	c := s.cmds[code-1]
	if c.Attrs == nil {
		return nil, &SchemaMismatchError{Schema: s.name, Reason: fmt.Sprintf("command %s has no user space payload", c.Name)}
	}
	vals, err := c.Attrs.Unpack(payload[unix.GENL_HDRLEN:])
	if err != nil {
		return nil, err
	}
	return &Message{
		Schema:  s,
		Version: payload[1],
		Attrs:   vals.(*attr.Values),
		cmd:     code,
	}, nil
}

// The process-wide schema registry.  Populated at init time by the NewSchema
// calls in client packages, read-only afterwards.
var (
	registryMu sync.Mutex
	registry   = make(map[string]*Schema)
)

func register(s *Schema) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[s.name]; dup {
		panic("genl: schema " + s.name + " is already defined")
	}
	registry[s.name] = s
}

// Lookup returns a registered schema by logical name, or nil.
func Lookup(name string) *Schema {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[name]
}
