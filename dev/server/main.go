// Command server runs a local RCON server for trying out srcon. It listens
// for plain TCP clients and for WebSocket clients on a separate port.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/spf13/pflag"
	"go.coder.com/flog"

	"cdr.dev/srcon/internal/rcontest"
)

const (
	upgradeHeader    = "Upgrade"
	upgradeWebsocket = "websocket"
)

func IsUpgradeRequest(r *http.Request) bool {
	vs := r.Header.Values(upgradeHeader)
	for _, v := range vs {
		if strings.EqualFold(v, upgradeWebsocket) {
			return true
		}
	}
	return false
}

// exec fakes a handful of Source console commands.
func exec(cmd string) []string {
	name, args := cmd, ""
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		name, args = cmd[:i], strings.TrimSpace(cmd[i+1:])
	}
	switch name {
	case "status":
		return []string{
			"hostname: srcon dev server\n",
			"version : 1.0.0.0/24 0 secure\n",
			"map     : de_dust2 at: 0 x, 0 y, 0 z\n",
			"players : 0 humans, 0 bots (16/0 max)\n",
		}
	case "echo", "say":
		return []string{args + "\n"}
	default:
		return []string{"Unknown command \"" + cmd + "\"\n"}
	}
}

func main() {
	var (
		addr     = pflag.String("addr", ":27015", "tcp listen address")
		wsAddr   = pflag.String("ws-addr", ":8080", "websocket listen address, empty to disable")
		password = pflag.StringP("password", "p", "changeme", "rcon password")
	)
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := rcontest.Options{
		Password: *password,
		Handler:  rcontest.HandlerFunc(exec),
		Logger:   sloghuman.Make(os.Stderr).Leveled(slog.LevelDebug),
	}

	srv, err := rcontest.Listen(ctx, *addr, opts)
	if err != nil {
		flog.Fatal("failed to listen: %v", err)
	}
	defer srv.Close()
	flog.Info("serving rcon on %s", srv.Addr())

	if *wsAddr != "" {
		ws := rcontest.WebSocketHandler(opts)
		server := &http.Server{
			Addr: *wsAddr,
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !IsUpgradeRequest(r) {
					http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
					return
				}
				ws.ServeHTTP(w, r)
			}),
		}
		go func() {
			err := server.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				flog.Fatal("failed to listen: %v", err)
			}
		}()
		defer server.Close()
		flog.Info("serving rcon over websocket on %s", *wsAddr)
	}

	<-ctx.Done()
}
