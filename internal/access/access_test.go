package access

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/privd/internal/config"
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

type staticList map[string]bool

func (s staticList) Contains(id string) bool { return s[id] }

func TestGate(t *testing.T) {
	g := NewGate(staticList{"com.example.store": true}, nil, nil)

	require.True(t, g.IsAllowed("com.example.store"))
	require.False(t, g.IsAllowed("com.example.other"))
	require.False(t, g.IsAllowed(""))
	require.False(t, g.IsAllowed("COM.EXAMPLE.STORE"))
}

func TestResolver(t *testing.T) {
	r := NewResolver(config.IdentityUser)
	r.lookupUser = func(uid string) (string, error) {
		if uid == "1000" {
			return "alice", nil
		}
		return "", errors.New("unknown userid")
	}
	r.readExe = func(int32) (string, error) { return "/usr/bin/store", nil }

	id, err := r.Resolve(Credentials{UID: 1000, PID: 42})
	require.NoError(t, err)
	require.Equal(t, "alice", id)

	_, err = r.Resolve(Credentials{UID: 4242})
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryInternal))

	r.mode = config.IdentityExe
	id, err = r.Resolve(Credentials{PID: 42})
	require.NoError(t, err)
	require.Equal(t, "/usr/bin/store", id)

	_, err = r.ResolveContext(context.Background())
	require.Error(t, err)

	id, err = r.ResolveContext(WithCredentials(context.Background(), Credentials{PID: 7}))
	require.NoError(t, err)
	require.Equal(t, "/usr/bin/store", id)
}

func TestPeerCredentialsOverUnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "privd")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "s.sock")

	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, aerr := ln.Accept()
		if aerr == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	creds, err := PeerCredentials(server)
	require.NoError(t, err)
	require.Equal(t, uint32(os.Getuid()), creds.UID)
	require.Equal(t, int32(os.Getpid()), creds.PID)

	_, err = PeerCredentials(&net.TCPConn{})
	require.Error(t, err)
}

func TestCredentialsListener(t *testing.T) {
	dir, err := os.MkdirTemp("", "privd")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "s.sock")

	raw, err := net.Listen("unix", sock)
	require.NoError(t, err)
	ln := NewCredentialsListener(raw, nil)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, aerr := ln.Accept()
		if aerr == nil {
			accepted <- c
		}
	}()
	client, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	ctx := ConnContext(context.Background(), server)
	creds, ok := CredentialsFrom(ctx)
	require.True(t, ok)
	require.Equal(t, uint32(os.Getuid()), creds.UID)
	require.Contains(t, server.RemoteAddr().String(), "uid=")
}
