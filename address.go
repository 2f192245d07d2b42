package srcon

import (
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// DefaultPort is the Source dedicated server's default RCON port.
const DefaultPort = 27015

// ParseAddress splits "host[:port]" and fills in DefaultPort when the port
// is omitted.
func ParseAddress(addr string) (host string, port int, err error) {
	host, port = addr, DefaultPort
	if i := strings.IndexByte(addr, ':'); i != -1 {
		host = addr[:i]
		port, err = strconv.Atoi(addr[i+1:])
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, xerrors.Errorf("invalid port in address %q", addr)
		}
	}
	if host == "" {
		return "", 0, xerrors.Errorf("missing host in address %q", addr)
	}
	return host, port, nil
}
