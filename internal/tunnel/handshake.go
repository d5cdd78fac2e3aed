package tunnel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// handshakePrefix opens every relay connection, machine side and operator
// side alike. The full line is "TUNNEL_AUTH:<machine id>:<token>\n"; any
// bytes after the newline are already tunnel payload.
const handshakePrefix = "TUNNEL_AUTH:"

// maxHandshakeLine caps how many bytes we read looking for the newline.
// A well-formed line is well under this; anything longer is not ours.
const maxHandshakeLine = 512

var errHandshakeMalformed = errors.New("malformed handshake line")

// readHandshake reads the auth line from a freshly accepted relay
// connection. It returns the claimed machine ID, the presented token and
// any payload bytes that arrived in the same read as the newline.
func readHandshake(conn net.Conn, timeout time.Duration) (id, token string, rest []byte, err error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", "", nil, fmt.Errorf("setting handshake deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		n, rerr := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if i := bytes.IndexByte(buf, '\n'); i >= 0 {
				id, token, err = parseHandshakeLine(string(buf[:i]))
				if err != nil {
					return "", "", nil, err
				}
				rest = append([]byte(nil), buf[i+1:]...)
				return id, token, rest, nil
			}
			if len(buf) > maxHandshakeLine {
				return "", "", nil, errHandshakeMalformed
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return "", "", nil, errHandshakeMalformed
			}
			return "", "", nil, fmt.Errorf("reading handshake: %w", rerr)
		}
	}
}

// parseHandshakeLine splits "TUNNEL_AUTH:<id>:<token>". The token may not
// contain a colon; the ID never does.
func parseHandshakeLine(line string) (id, token string, err error) {
	line = strings.TrimSuffix(line, "\r")
	rest, ok := strings.CutPrefix(line, handshakePrefix)
	if !ok {
		return "", "", errHandshakeMalformed
	}
	id, token, ok = strings.Cut(rest, ":")
	if !ok || id == "" || token == "" || strings.Contains(token, ":") {
		return "", "", errHandshakeMalformed
	}
	return id, token, nil
}

// writeHandshakeError reports a refused handshake to the peer before the
// connection is dropped. Best effort; the peer may already be gone.
func writeHandshakeError(conn net.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "ERROR: %s\n", reason)
}

// prefixConn replays bytes that arrived bundled with the handshake line
// before handing reads over to the underlying connection.
type prefixConn struct {
	net.Conn
	r io.Reader
}

func newPrefixConn(conn net.Conn, rest []byte) net.Conn {
	if len(rest) == 0 {
		return conn
	}
	return &prefixConn{Conn: conn, r: io.MultiReader(bytes.NewReader(rest), conn)}
}

func (c *prefixConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
