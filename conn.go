package srcon

import (
	"context"
	"encoding/hex"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/armon/circbuf"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"

	"cdr.dev/srcon/internal/proto"
)

// traceSize is how many of the most recently received bytes a Conn keeps
// for diagnosing malformed frames.
const traceSize = 512

// DialOptions configures a connection.
type DialOptions struct {
	// Console receives progress text. It may be nil.
	Console *Console
	// Logger receives packet traces at debug level.
	Logger slog.Logger
	// Resolver and Dialer default to the net package defaults.
	Resolver *net.Resolver
	Dialer   *net.Dialer
}

// Conn is a connection to an RCON server. It applies the packet codec to
// everything sent and received. Sends and receives may happen on different
// goroutines but each direction must only be used by one goroutine at a time.
type Conn struct {
	conn  net.Conn
	r     io.Reader
	trace *circbuf.Buffer
	log   slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established transport.
func NewConn(c net.Conn, opts DialOptions) *Conn {
	// circbuf only fails for a non-positive size.
	trace, _ := circbuf.NewBuffer(traceSize)
	return &Conn{
		conn:  c,
		r:     io.TeeReader(c, trace),
		trace: trace,
		log:   opts.Logger.Named("conn"),
	}
}

// Dial resolves host and opens a TCP connection to it.
func Dial(ctx context.Context, host string, port int, opts DialOptions) (*Conn, error) {
	opts.Console.Statusf("Connecting to %s:%d... ", host, port)

	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupIPAddr(ctx, host)
	if err == nil && len(ips) == 0 {
		err = xerrors.New("no addresses")
	}
	if err != nil {
		opts.Console.Statusf("FAILED!\n")
		opts.Console.Statusf("Unknown address %s:%d\n", host, port)
		return nil, &ResolutionError{Host: host, Err: err}
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	addr := net.JoinHostPort(preferIPv4(ips).String(), strconv.Itoa(port))
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		reason := connectReason(err)
		opts.Console.Statusf("FAILED!\n")
		opts.Console.Statusf("Could not connect to the server: %v\n", reason)
		return nil, &ConnectError{Addr: addr, Err: reason}
	}
	opts.Console.Statusf("done.\n")

	opts.Logger.Debug(ctx, "connected", slog.F("addr", addr))
	return NewConn(nc, opts), nil
}

// DialWebSocket connects to an RCON endpoint exposed through a WebSocket
// bridge. Frames are carried unchanged in binary messages.
func DialWebSocket(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	opts.Console.Statusf("Connecting to %s... ", url)

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		opts.Console.Statusf("FAILED!\n")
		opts.Console.Statusf("Could not connect to the server: %v\n", err)
		return nil, &ConnectError{Addr: url, Err: err}
	}
	opts.Console.Statusf("done.\n")

	opts.Logger.Debug(ctx, "connected", slog.F("url", url))
	// The dial context may be short lived; the connection must outlive it.
	return NewConn(websocket.NetConn(context.Background(), ws, websocket.MessageBinary), opts), nil
}

func preferIPv4(ips []net.IPAddr) net.IP {
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			return ip.IP
		}
	}
	return ips[0].IP
}

// connectReason digs the system call error out of a dial error so the user
// sees "connection refused" rather than the whole operation description.
func connectReason(err error) error {
	var sysErr *os.SyscallError
	if xerrors.As(err, &sysErr) {
		return sysErr.Err
	}
	return err
}

// Send writes b in full.
func (c *Conn) Send(b []byte) (int, error) {
	n, err := c.conn.Write(b)
	if err != nil {
		return n, &SendError{Err: err}
	}
	if n == 0 && len(b) > 0 {
		return 0, &SendError{Err: ErrConnectionClosed}
	}
	return n, nil
}

// SendPacket encodes p and writes it.
func (c *Conn) SendPacket(ctx context.Context, p proto.Packet) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return xerrors.Errorf("encode packet: %w", err)
	}
	c.logPacket(ctx, "sending packet", p, b)
	_, err = c.Send(b)
	return err
}

// ReceiveExact blocks until exactly n bytes have been read.
func (c *Conn) ReceiveExact(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(c.r, b)
	switch {
	case err == nil:
		return b, nil
	case xerrors.Is(err, io.EOF):
		return nil, ErrConnectionClosed
	case xerrors.Is(err, io.ErrUnexpectedEOF):
		return nil, proto.ErrShortRead
	default:
		return nil, &ConnectionError{Err: err}
	}
}

// ReceivePacket blocks until one full frame has been read and decoded.
func (c *Conn) ReceivePacket(ctx context.Context) (proto.Packet, error) {
	b, err := c.ReceiveExact(proto.SizeFieldLen)
	if err != nil {
		return proto.Packet{}, err
	}
	size, err := proto.DecodeSize(b)
	if err != nil {
		c.log.Debug(ctx, "malformed frame",
			slog.F("recent_bytes", hex.EncodeToString(c.trace.Bytes())),
		)
		return proto.Packet{}, &ConnectionError{Err: err}
	}

	frame, err := c.ReceiveExact(size)
	if xerrors.Is(err, ErrConnectionClosed) {
		// The size field arrived, so the peer hung up inside the frame.
		return proto.Packet{}, proto.ErrShortRead
	}
	if err != nil {
		return proto.Packet{}, err
	}
	p, err := proto.Unmarshal(frame)
	if err != nil {
		return proto.Packet{}, &ConnectionError{Err: err}
	}
	c.logPacket(ctx, "received packet", p, nil)
	return p, nil
}

// interruptReceive makes a blocked receive return immediately without
// closing the connection.
func (c *Conn) interruptReceive() {
	_ = c.conn.SetReadDeadline(time.Now())
}

// Close releases the transport. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// logPacket writes p as hex at debug level. The body of outbound auth
// packets is replaced so the password never reaches the log.
func (c *Conn) logPacket(ctx context.Context, msg string, p proto.Packet, frame []byte) {
	if p.Type == proto.TypeAuth && frame != nil {
		p.Body = []byte("xxxxx")
		frame = nil
	}
	if frame == nil {
		var err error
		frame, err = p.MarshalBinary()
		if err != nil {
			// Inbound bodies may hold nulls; log them raw instead.
			frame = p.Body
		}
	}
	c.log.Debug(ctx, msg,
		slog.F("id", p.ID),
		slog.F("type", p.Type),
		slog.F("frame", hex.EncodeToString(frame)),
	)
}
