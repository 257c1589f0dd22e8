package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"git.home.luguber.info/inful/privd/internal/config"
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// SSHTransport runs the command channel over an SSH connection.
type SSHTransport struct {
	addr        string
	cfg         *ssh.ClientConfig
	dialTimeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHTransport builds the client configuration for target. Key files and
// known_hosts are read here so misconfiguration fails before any probing.
func NewSSHTransport(target config.TargetConfig) (*SSHTransport, error) {
	auth, err := sshAuthMethods(target.SSH)
	if err != nil {
		return nil, err
	}
	hostKeys, err := sshHostKeyCallback(target.SSH)
	if err != nil {
		return nil, err
	}
	return &SSHTransport{
		addr: net.JoinHostPort(target.Host, fmt.Sprint(target.Port)),
		cfg: &ssh.ClientConfig{
			User:            target.SSH.User,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         10 * time.Second,
		},
		dialTimeout: 5 * time.Second,
	}, nil
}

func sshAuthMethods(c config.SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.KeyPath != "" {
		keyPath := c.KeyPath
		if strings.HasPrefix(keyPath, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				keyPath = filepath.Join(home, keyPath[2:])
			}
		}
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "failed to read SSH key").
				WithContext("path", keyPath).Build()
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "failed to parse SSH key").
				WithContext("path", keyPath).Build()
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	if len(methods) == 0 {
		return nil, ferrors.ConfigError("ssh transport requires a password or key_path").Build()
	}
	return methods, nil
}

func sshHostKeyCallback(c config.SSHConfig) (ssh.HostKeyCallback, error) {
	if c.KnownHosts == "" {
		if c.InsecureIgnore {
			return ssh.InsecureIgnoreHostKey(), nil // #nosec G106 -- explicit opt-in
		}
		return nil, ferrors.ConfigError("ssh transport requires known_hosts").Build()
	}
	cb, err := knownhosts.New(c.KnownHosts)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "failed to load known_hosts").
			WithContext("path", c.KnownHosts).Build()
	}
	return cb, nil
}

func (s *SSHTransport) Name() string   { return "ssh" }
func (s *SSHTransport) Target() string { return s.addr }

// Probe reuses a live client, otherwise dials. A refused or unreachable TCP
// endpoint is a missing target; a failed SSH handshake means the target is
// up but not accepting sessions yet. A host key that does not match
// known_hosts is a fatal error and ends acquisition.
func (s *SSHTransport) Probe(ctx context.Context) (ProbeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return ProbeReady, nil
		}
		_ = s.client.Close()
		s.client = nil
	}

	dialer := net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return ProbeNoTarget, nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.cfg)
	if err != nil {
		_ = conn.Close()
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			return ProbeNoTarget, ferrors.WrapError(err, ferrors.CategoryTransport, "host key verification failed").
				Fatal().
				WithContext("target", s.addr).
				Build()
		}
		return ProbeNotReady, nil
	}
	_ = conn.SetDeadline(time.Time{})
	s.client = ssh.NewClient(c, chans, reqs)
	return ProbeReady, nil
}

func (s *SSHTransport) currentClient() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ferrors.TransportError("ssh client not connected").Build()
	}
	return s.client, nil
}

// OpenShell starts an interactive shell session.
func (s *SSHTransport) OpenShell(_ context.Context) (Shell, error) {
	client, err := s.currentClient()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, err
	}
	return &sshShell{session: session, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// OpenStream runs command in a fresh session fed through stdin.
func (s *SSHTransport) OpenStream(_ context.Context, command string) (Stream, error) {
	client, err := s.currentClient()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	st := &sshStream{session: session, done: make(chan struct{})}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	st.stdin = stdin
	session.Stdout = &st.out
	session.Stderr = &st.out
	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, err
	}
	go func() {
		st.err = session.Wait()
		close(st.done)
	}()
	return st, nil
}

// Close closes the SSH connection.
func (s *SSHTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

type sshShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
	once    sync.Once
}

func (s *sshShell) Write(b []byte) (int, error) { return s.stdin.Write(b) }
func (s *sshShell) Stdout() io.Reader           { return s.stdout }
func (s *sshShell) Stderr() io.Reader           { return s.stderr }

func (s *sshShell) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.stdin.Close()
		err = s.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}

// lockedBuffer lets stdout and stderr copiers share one buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type sshStream struct {
	session *ssh.Session
	stdin   io.WriteCloser
	out     lockedBuffer
	done    chan struct{}
	err     error
	once    sync.Once
}

func (s *sshStream) Write(b []byte) (int, error) { return s.stdin.Write(b) }
func (s *sshStream) CloseWrite() error           { return s.stdin.Close() }

func (s *sshStream) Response(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		_ = s.Close()
		return "", ctx.Err()
	case <-s.done:
	}
	var exitErr *ssh.ExitError
	if s.err != nil && !errors.As(s.err, &exitErr) {
		return "", s.err
	}
	out := strings.TrimSpace(s.out.String())
	if out == "" && exitErr != nil {
		out = fmt.Sprintf("Error: exit status %d", exitErr.ExitStatus())
	}
	return out, nil
}

func (s *sshStream) Close() error {
	s.once.Do(func() {
		_ = s.stdin.Close()
		_ = s.session.Close()
	})
	return nil
}
