package srcon

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"cdr.dev/slog/sloggers/slogtest"
	"cdr.dev/slog/sloggers/slogtest/assert"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/xerrors"

	"cdr.dev/srcon/internal/proto"
	"cdr.dev/srcon/internal/rcontest"
)

// serveWebSocket starts a WebSocket bridge and returns its ws:// URL and a
// function listing the packets it has received.
func serveWebSocket(t *testing.T, opts rcontest.Options) (string, func() []proto.Packet) {
	t.Helper()
	var (
		mu       sync.Mutex
		received []proto.Packet
	)
	opts.OnPacket = func(p proto.Packet) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, p)
	}
	srv := httptest.NewServer(rcontest.WebSocketHandler(opts))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), func() []proto.Packet {
		mu.Lock()
		defer mu.Unlock()
		return append([]proto.Packet(nil), received...)
	}
}

func TestDial(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := listen(ctx, t, rcontest.Options{Password: "pw"})
	host, port := srv.HostPort()

	out := &syncBuffer{}
	conn, err := Dial(ctx, host, port, DialOptions{
		Console: NewConsole(out, false),
		Logger:  slogtest.Make(t, nil),
	})
	assert.Success(t, "dial", err)
	defer conn.Close()

	assert.Equal(t, "progress", "Connecting to "+host+":"+strconv.Itoa(port)+"... done.\n", out.String())

	err = conn.SendPacket(ctx, proto.Packet{ID: 0, Type: proto.TypeAuth, Body: []byte("pw")})
	assert.Success(t, "send auth", err)

	p, err := conn.ReceivePacket(ctx)
	assert.Success(t, "receive preamble", err)
	assert.Equal(t, "preamble type", proto.TypeExecResponse, p.Type)

	p, err = conn.ReceivePacket(ctx)
	assert.Success(t, "receive verdict", err)
	assert.Equal(t, "verdict type", proto.TypeAuthResponse, p.Type)
	assert.Equal(t, "verdict id", int32(0), p.ID)
}

func TestDialRefused(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Success(t, "listen", err)
	port := ln.Addr().(*net.TCPAddr).Port
	assert.Success(t, "close listener", ln.Close())

	out := &syncBuffer{}
	_, err = Dial(ctx, "127.0.0.1", port, DialOptions{Console: NewConsole(out, false)})
	var connectErr *ConnectError
	assert.True(t, "connect error", xerrors.As(err, &connectErr))
	assert.True(t, "reason", !strings.Contains(connectErr.Err.Error(), "dial tcp"))
	assert.True(t, "failure reported", strings.HasPrefix(out.String(),
		"Connecting to 127.0.0.1:"+strconv.Itoa(port)+"... FAILED!\nCould not connect to the server: "))
}

func TestDialUnknownHost(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, xerrors.New("no dns in tests")
		},
	}
	out := &syncBuffer{}
	_, err := Dial(ctx, "rcon.invalid", 27015, DialOptions{
		Console:  NewConsole(out, false),
		Resolver: resolver,
	})
	var resErr *ResolutionError
	assert.True(t, "resolution error", xerrors.As(err, &resErr))
	assert.Equal(t, "host", "rcon.invalid", resErr.Host)
	assert.Equal(t, "reported",
		"Connecting to rcon.invalid:27015... FAILED!\nUnknown address rcon.invalid:27015\n",
		out.String())
}

func TestDialQuiet(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := listen(ctx, t, rcontest.Options{})
	host, port := srv.HostPort()

	out := &syncBuffer{}
	conn, err := Dial(ctx, host, port, DialOptions{Console: NewConsole(out, true)})
	assert.Success(t, "dial", err)
	defer conn.Close()
	assert.Equal(t, "no progress", "", out.String())
}

func TestReceivePacketErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	frame, err := proto.Encode(0, proto.TypeExecResponse, []byte("hostname: test"))
	assert.Success(t, "encode", err)

	tests := []struct {
		name  string
		write []byte
		check func(err error) bool
	}{
		{
			name:  "Closed",
			write: nil,
			check: func(err error) bool { return xerrors.Is(err, ErrConnectionClosed) },
		},
		{
			name:  "ShortRead",
			write: frame[:len(frame)-4],
			check: func(err error) bool { return xerrors.Is(err, proto.ErrShortRead) },
		},
		{
			name:  "SizeOnly",
			write: frame[:proto.SizeFieldLen],
			check: func(err error) bool { return xerrors.Is(err, proto.ErrShortRead) },
		},
		{
			name:  "Malformed",
			write: []byte{2, 0, 0, 0, 0, 0},
			check: func(err error) bool {
				var connErr *ConnectionError
				return xerrors.As(err, &connErr) && xerrors.Is(err, proto.ErrMalformed)
			},
		},
	}

	for _, tcase := range tests {
		tcase := tcase
		t.Run(tcase.name, func(t *testing.T) {
			t.Parallel()
			server, client := net.Pipe()
			conn := NewConn(client, DialOptions{Logger: slogtest.Make(t, nil)})
			defer conn.Close()

			go func() {
				defer server.Close()
				if len(tcase.write) > 0 {
					_, _ = server.Write(tcase.write)
				}
			}()

			_, err := conn.ReceivePacket(ctx)
			assert.True(t, "expected error", tcase.check(err))
		})
	}
}

func TestReceiveExact(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	conn := NewConn(client, DialOptions{})
	defer conn.Close()

	go func() {
		defer server.Close()
		_, _ = server.Write([]byte("abc"))
		_, _ = server.Write([]byte("def"))
		_, _ = server.Write([]byte("g"))
	}()

	b, err := conn.ReceiveExact(6)
	assert.Success(t, "receive", err)
	assert.Equal(t, "bytes", []byte("abcdef"), b, cmp.Comparer(bytes.Equal))

	_, err = conn.ReceiveExact(4)
	assert.True(t, "short read", xerrors.Is(err, proto.ErrShortRead))

	_, err = conn.ReceiveExact(1)
	assert.True(t, "closed", xerrors.Is(err, ErrConnectionClosed))
}

func TestSendClosed(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	conn := NewConn(client, DialOptions{})
	assert.Success(t, "close peer", server.Close())

	_, err := conn.Send([]byte{1, 2, 3})
	var sendErr *SendError
	assert.True(t, "send error", xerrors.As(err, &sendErr))
	assert.Success(t, "close", conn.Close())
	assert.Success(t, "close is idempotent", conn.Close())
}

func TestPacketLogScrubsPassword(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var logs bytes.Buffer
	log := sloghuman.Make(&logs).Leveled(slog.LevelDebug)

	rc := &recordConn{}
	conn := NewConn(rc, DialOptions{Logger: log})
	err := conn.SendPacket(ctx, proto.Packet{ID: 0, Type: proto.TypeAuth, Body: []byte("hunter2")})
	assert.Success(t, "send auth", err)
	err = conn.SendPacket(ctx, proto.Packet{ID: 0, Type: proto.TypeExecCommand, Body: []byte("status")})
	assert.Success(t, "send command", err)

	assert.True(t, "password not logged", !strings.Contains(logs.String(), hex.EncodeToString([]byte("hunter2"))))
	assert.True(t, "placeholder logged", strings.Contains(logs.String(), hex.EncodeToString([]byte("xxxxx"))))
	assert.True(t, "command logged", strings.Contains(logs.String(), hex.EncodeToString([]byte("status"))))

	ps := rc.packets(t)
	assert.Equal(t, "real password sent", "hunter2", string(ps[0].Body))
}
