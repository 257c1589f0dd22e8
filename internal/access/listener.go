package access

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"git.home.luguber.info/inful/privd/internal/logfields"
)

// PeerAddr is the remote address of a connection accepted by a
// credentials listener. Credentials travel on the address so they survive
// listener wrappers that only expose net.Conn.
type PeerAddr struct {
	net.Addr
	Credentials Credentials
}

func (a PeerAddr) String() string {
	return fmt.Sprintf("pid=%d uid=%d gid=%d", a.Credentials.PID, a.Credentials.UID, a.Credentials.GID)
}

type peerConn struct {
	net.Conn
	addr PeerAddr
}

func (c *peerConn) RemoteAddr() net.Addr { return c.addr }

type credentialsListener struct {
	net.Listener
	logger *slog.Logger
}

// NewCredentialsListener reads SO_PEERCRED for every accepted unix
// connection. Connections whose credentials cannot be read are still
// accepted; requests on them fail identity resolution.
func NewCredentialsListener(ln net.Listener, logger *slog.Logger) net.Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &credentialsListener{Listener: ln, logger: logger}
}

func (l *credentialsListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	creds, err := PeerCredentials(conn)
	if err != nil {
		l.logger.Warn("Failed to read peer credentials", logfields.Error(err))
		return conn, nil
	}
	return &peerConn{Conn: conn, addr: PeerAddr{Addr: conn.RemoteAddr(), Credentials: creds}}, nil
}

// ConnContext is an http.Server ConnContext hook storing the peer
// credentials of c on ctx.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	if pa, ok := c.RemoteAddr().(PeerAddr); ok {
		return WithCredentials(ctx, pa.Credentials)
	}
	return ctx
}
