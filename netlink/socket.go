// Package netlink owns the generic netlink socket: it frames and sends
// request datagrams, correlates replies by sequence number, reassembles
// multi-part replies, and turns kernel error datagrams into typed errors.
// One request is in flight at a time; a Socket does no internal locking, so
// concurrent callers need one Socket each or an external mutex.
package netlink

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/m-lab/gnl/attr"
	"github.com/m-lab/gnl/genl"
	"github.com/m-lab/gnl/metrics"
)

// native is the byte order of the netlink header fields.
var native = nl.NativeEndian()

// recvBufLen is the receive buffer size, borrowed from libnetlink.
const recvBufLen = 16384

// KernelError is an explicit ERROR datagram from the kernel, carrying the
// errno it embedded.
type KernelError struct {
	Errno syscall.Errno
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("kernel error: %v (errno %d)", e.Errno, int(e.Errno))
}

// FamilyNotFoundError means the controller could not resolve a family name.
// The usual cause is that the kernel module registering the family is not
// loaded.
type FamilyNotFoundError struct {
	Family string
}

func (e *FamilyNotFoundError) Error() string {
	return fmt.Sprintf("generic netlink family %q not found (kernel module not loaded?)", e.Family)
}

// TimeoutError means no terminating reply arrived within the configured
// read deadline.
type TimeoutError struct {
	Schema string
	Wait   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no reply for %s within %v", e.Schema, e.Wait)
}

// PrerequisiteError means a kernel module a schema declared as required is
// not loaded, detected before the request was sent.
type PrerequisiteError struct {
	Schema string
	Module string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("schema %s requires kernel module %s, which is not loaded", e.Schema, e.Module)
}

// rawConn is the syscall surface of the socket, separated so the query
// state machine can be tested against a scripted peer.
type rawConn interface {
	Send(b []byte) error
	Recv(b []byte, flags int) (int, error)
	Close() error
	Pid() uint32
}

// sysConn is the real socket.
type sysConn struct {
	fd  int
	pid uint32
}

func dialSys() (*sysConn, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_GENERIC)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink getsockname: %w", err)
	}
	nsa, ok := sa.(*unix.SockaddrNetlink)
	if !ok {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink getsockname: unexpected address %T", sa)
	}
	return &sysConn{fd: fd, pid: nsa.Pid}, nil
}

func (c *sysConn) Send(b []byte) error {
	return unix.Sendto(c.fd, b, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
}

func (c *sysConn) Recv(b []byte, flags int) (int, error) {
	n, _, err := unix.Recvfrom(c.fd, b, flags)
	return n, err
}

func (c *sysConn) Close() error {
	return unix.Close(c.fd)
}

func (c *sysConn) Pid() uint32 {
	return c.pid
}

func (c *sysConn) setReadTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// Socket is a synchronous generic netlink transport.  It owns the file
// descriptor, the sequence counter and the family id cache for its whole
// lifetime; Close releases the descriptor.
type Socket struct {
	conn     rawConn
	seq      uint32
	timeout  time.Duration
	checkPid bool
	notify   chan<- syscall.NetlinkMessage

	families  map[string]uint16
	checked   map[*genl.Schema]bool
	abandoned map[uint32]bool // sequences of failed queries, drained lazily

	modulesFile string
}

// Option configures a Socket at Open time.
type Option func(*Socket)

// Timeout bounds how long a query waits for each datagram, including the
// DONE terminator of a multi-part reply.  Zero means block forever.
func Timeout(d time.Duration) Option {
	return func(s *Socket) { s.timeout = d }
}

// DisablePidCheck accepts replies whose originating port id does not match
// this socket.  Needed when consuming traffic relayed through another port;
// the default is to fail the query, since a normal exchange always carries
// our own port id.
func DisablePidCheck() Option {
	return func(s *Socket) { s.checkPid = false }
}

// Notify delivers datagrams that do not belong to the outstanding query
// (unsolicited notifications, multicast traffic) to ch instead of
// discarding them.  Delivery never blocks: if ch is full the datagram is
// dropped and counted.
func Notify(ch chan<- syscall.NetlinkMessage) Option {
	return func(s *Socket) { s.notify = ch }
}

// Open acquires a socket bound to the generic netlink protocol.
func Open(opts ...Option) (*Socket, error) {
	s := newSocket(nil)
	for _, o := range opts {
		o(s)
	}
	conn, err := dialSys()
	if err != nil {
		return nil, err
	}
	if s.timeout > 0 {
		if err := conn.setReadTimeout(s.timeout); err != nil {
			conn.Close()
			return nil, fmt.Errorf("netlink SO_RCVTIMEO: %w", err)
		}
	}
	s.conn = conn
	return s, nil
}

func newSocket(conn rawConn) *Socket {
	return &Socket{
		conn:        conn,
		checkPid:    true,
		families:    make(map[string]uint16),
		checked:     make(map[*genl.Schema]bool),
		abandoned:   make(map[uint32]bool),
		modulesFile: "/proc/modules",
	}
}

// Close releases the socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// nextSeq wraps modulo 2^32 and skips 0, which marks unsolicited traffic.
func (s *Socket) nextSeq() uint32 {
	s.seq++
	if s.seq == 0 {
		s.seq = 1
	}
	return s.seq
}

// ResolveFamily returns the numeric id for a family name, asking the kernel
// at most once per name for the lifetime of the socket.
func (s *Socket) ResolveFamily(name string) (uint16, error) {
	if id, ok := s.families[name]; ok {
		return id, nil
	}
	req, err := genl.Ctrl.NewMessage("GETFAMILY", nil, genl.Request)
	if err != nil {
		return 0, err
	}
	if err := req.Attrs.Set("FAMILY_NAME", name); err != nil {
		return 0, err
	}
	metrics.FamilyResolutionCount.Inc()
	replies, err := s.Query(req)
	if err != nil {
		var kerr *KernelError
		if errors.As(err, &kerr) && kerr.Errno == unix.ENOENT {
			return 0, &FamilyNotFoundError{Family: name}
		}
		return 0, err
	}
	if len(replies) == 0 {
		return 0, &FamilyNotFoundError{Family: name}
	}
	id, err := replies[0].Attrs.Uint16("FAMILY_ID")
	if err != nil {
		return 0, &FamilyNotFoundError{Family: name}
	}
	s.families[name] = id
	return id, nil
}

func (s *Socket) familyID(sc *genl.Schema) (uint16, error) {
	if id, ok := sc.FamilyID(); ok {
		return id, nil
	}
	return s.ResolveFamily(sc.Family())
}

// checkModules runs a schema's prerequisite check once per socket.
func (s *Socket) checkModules(sc *genl.Schema) error {
	if s.checked[sc] {
		return nil
	}
	for _, mod := range sc.RequiredModules() {
		loaded, err := moduleLoaded(s.modulesFile, mod)
		if err != nil {
			return err
		}
		if !loaded {
			return &PrerequisiteError{Schema: sc.Name(), Module: mod}
		}
	}
	s.checked[sc] = true
	return nil
}

// moduleLoaded scans a /proc/modules style listing.  Dashes and underscores
// are interchangeable in module names, as with modprobe.
func moduleLoaded(path, name string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	want := strings.ReplaceAll(name, "-", "_")
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && strings.ReplaceAll(fields[0], "-", "_") == want {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// marshal finalizes the outer netlink header around a packed message.
func marshal(m *genl.Message, familyID uint16, seq, pid uint32) ([]byte, error) {
	payload, err := m.Pack()
	if err != nil {
		return nil, err
	}
	b := make([]byte, unix.NLMSG_HDRLEN+len(payload))
	native.PutUint32(b[0:4], uint32(len(b)))
	native.PutUint16(b[4:6], familyID)
	native.PutUint16(b[6:8], uint16(m.Flags|genl.Request))
	native.PutUint32(b[8:12], seq)
	native.PutUint32(b[12:16], pid)
	copy(b[unix.NLMSG_HDRLEN:], payload)
	return b, nil
}

// Query sends one request and returns the ordered reply messages: none for
// a plain ack, one for a single reply, many for a multi-part dump.  The
// call blocks until the kernel terminates the exchange or the read deadline
// expires.  After any failure the socket stays usable; only the failed
// query's state is discarded.
func (s *Socket) Query(m *genl.Message) ([]*genl.Message, error) {
	start := time.Now()
	replies, err := s.query(m)
	name := m.Schema.Name()
	metrics.QueryTimeHistogram.With(prometheus.Labels{"schema": name}).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ErrorCount.With(prometheus.Labels{"type": errLabel(err)}).Inc()
		return nil, err
	}
	metrics.ReplyCountHistogram.With(prometheus.Labels{"schema": name}).Observe(float64(len(replies)))
	return replies, nil
}

// Execute sends a request whose only expected answer is the kernel's ack.
func (s *Socket) Execute(m *genl.Message) error {
	m.Flags |= genl.AckRequest
	replies, err := s.Query(m)
	if err != nil {
		return err
	}
	if len(replies) != 0 {
		return attr.NewProtocolError("%d unexpected replies to %s", len(replies), m.Command())
	}
	return nil
}

func (s *Socket) query(m *genl.Message) ([]*genl.Message, error) {
	if err := s.checkModules(m.Schema); err != nil {
		return nil, err
	}
	id, err := s.familyID(m.Schema)
	if err != nil {
		return nil, err
	}
	s.drain()
	seq := s.nextSeq()
	b, err := marshal(m, id, seq, s.conn.Pid())
	if err != nil {
		return nil, err
	}
	if err := s.conn.Send(b); err != nil {
		return nil, fmt.Errorf("netlink send: %w", err)
	}
	replies, err := s.collect(m.Schema, id, seq)
	if err != nil && !terminal(err) {
		// The kernel may still be streaming datagrams for this
		// sequence; they must not leak into the next query.
		s.abandoned[seq] = true
	}
	return replies, err
}

// terminal reports whether an error ends the kernel's side of the exchange,
// meaning no further datagrams for the sequence can arrive.
func terminal(err error) bool {
	var kerr *KernelError
	return errors.As(err, &kerr)
}

// collect reads datagrams until the outstanding sequence terminates.
func (s *Socket) collect(sc *genl.Schema, familyID uint16, seq uint32) ([]*genl.Message, error) {
	replies := []*genl.Message{}
	buf := make([]byte, recvBufLen)
	for {
		n, err := s.conn.Recv(buf, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil, &TimeoutError{Schema: sc.Name(), Wait: s.timeout}
			}
			return nil, fmt.Errorf("netlink receive: %w", err)
		}
		msgs, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			return nil, attr.NewProtocolError("malformed datagram: %v", err)
		}
		for i := range msgs {
			msg := &msgs[i]
			if msg.Header.Seq != seq {
				s.stray(msg)
				continue
			}
			if s.checkPid && msg.Header.Pid != s.conn.Pid() {
				return nil, attr.NewProtocolError("reply from port %d, want %d", msg.Header.Pid, s.conn.Pid())
			}
			switch msg.Header.Type {
			case unix.NLMSG_ERROR:
				if len(msg.Data) < 4 {
					return nil, attr.NewProtocolError("ERROR datagram with %d byte payload", len(msg.Data))
				}
				errno := int32(native.Uint32(msg.Data[0:4]))
				if errno == 0 {
					// The ack.
					return replies, nil
				}
				return nil, &KernelError{Errno: syscall.Errno(-errno)}
			case unix.NLMSG_DONE:
				return replies, nil
			}
			if msg.Header.Type != familyID {
				return nil, &genl.SchemaMismatchError{
					Schema: sc.Name(),
					Reason: fmt.Sprintf("reply type %d, want family %d", msg.Header.Type, familyID),
				}
			}
			reply, err := sc.Parse(msg.Data)
			if err != nil {
				return nil, err
			}
			reply.Flags = genl.Flags(msg.Header.Flags)
			replies = append(replies, reply)
			if msg.Header.Flags&unix.NLM_F_MULTI == 0 {
				// A single complete reply.
				return replies, nil
			}
		}
	}
}

// stray handles a datagram that does not belong to the outstanding query.
func (s *Socket) stray(msg *syscall.NetlinkMessage) {
	if s.abandoned[msg.Header.Seq] {
		metrics.DiscardCount.With(prometheus.Labels{"reason": "abandoned"}).Inc()
		return
	}
	if s.notify != nil {
		select {
		case s.notify <- *msg:
			return
		default:
			metrics.DiscardCount.With(prometheus.Labels{"reason": "notify_full"}).Inc()
			return
		}
	}
	metrics.DiscardCount.With(prometheus.Labels{"reason": "stray"}).Inc()
}

// drain discards queued datagrams left over from failed queries, so a late
// multi-part tail cannot be mistaken for the next query's reply.
func (s *Socket) drain() {
	if len(s.abandoned) == 0 {
		return
	}
	buf := make([]byte, recvBufLen)
	for {
		n, err := s.conn.Recv(buf, unix.MSG_DONTWAIT)
		if err != nil {
			break
		}
		msgs, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			continue
		}
		for i := range msgs {
			s.stray(&msgs[i])
		}
	}
	for seq := range s.abandoned {
		delete(s.abandoned, seq)
	}
}

// errLabel maps an error to its metric label.
func errLabel(err error) string {
	var (
		kerr *KernelError
		ferr *FamilyNotFoundError
		terr *TimeoutError
		qerr *PrerequisiteError
		perr *attr.ProtocolError
		verr *attr.VersionMismatchError
		serr *genl.SchemaMismatchError
	)
	switch {
	case errors.As(err, &kerr):
		return "kernel"
	case errors.As(err, &ferr):
		return "family_not_found"
	case errors.As(err, &terr):
		return "timeout"
	case errors.As(err, &qerr):
		return "prerequisite"
	case errors.As(err, &perr):
		return "protocol"
	case errors.As(err, &verr):
		return "version_mismatch"
	case errors.As(err, &serr):
		return "schema_mismatch"
	}
	return "other"
}
