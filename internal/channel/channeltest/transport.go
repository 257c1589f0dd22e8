package channeltest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"git.home.luguber.info/inful/privd/internal/channel"
)

// Transport is a channel.Transport backed by a Device. Probe results are
// consumed from Probes in order; the last entry repeats. An empty list
// always reports ready.
type Transport struct {
	Device     *Device
	TargetName string
	Probes     []channel.ProbeResult
	// ProbeErr, when set, is returned by every probe.
	ProbeErr error
	// ShellFailures makes that many OpenShell calls fail before succeeding.
	ShellFailures int
	// StreamErr, when set, fails OpenStream.
	StreamErr error
	// StreamWriteErr, when set, fails every write to an opened stream.
	StreamWriteErr error
	// EchoMismatch makes the shell answer echo round trips with garbage.
	EchoMismatch bool
	// Block makes Probe wait until the context is cancelled.
	Block bool

	mu         sync.Mutex
	probeCalls int
	shellCalls int
	closed     bool
	probed     chan struct{}
}

// NewTransport returns a transport reporting ready for d.
func NewTransport(d *Device) *Transport {
	return &Transport{Device: d, TargetName: "fake:5555"}
}

// Name implements channel.Transport.
func (t *Transport) Name() string { return "fake" }

// Target implements channel.Transport.
func (t *Transport) Target() string { return t.TargetName }

// Probed returns a channel receiving one value per probe call.
func (t *Transport) Probed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.probed == nil {
		t.probed = make(chan struct{}, 1024)
	}
	return t.probed
}

// Probe implements channel.Transport.
func (t *Transport) Probe(ctx context.Context) (channel.ProbeResult, error) {
	t.mu.Lock()
	idx := t.probeCalls
	t.probeCalls++
	if t.probed != nil {
		t.probed <- struct{}{}
	}
	block := t.Block
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return channel.ProbeNoTarget, ctx.Err()
	}
	if t.ProbeErr != nil {
		return channel.ProbeNoTarget, t.ProbeErr
	}
	if len(t.Probes) == 0 {
		return channel.ProbeReady, nil
	}
	if idx >= len(t.Probes) {
		idx = len(t.Probes) - 1
	}
	return t.Probes[idx], nil
}

// ProbeCalls returns the number of probes performed.
func (t *Transport) ProbeCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probeCalls
}

// ShellCalls returns the number of OpenShell calls.
func (t *Transport) ShellCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shellCalls
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// OpenShell implements channel.Transport.
func (t *Transport) OpenShell(_ context.Context) (channel.Shell, error) {
	t.mu.Lock()
	t.shellCalls++
	fail := t.shellCalls <= t.ShellFailures
	t.mu.Unlock()
	if fail {
		return nil, errors.New("shell refused")
	}
	return newShell(t.Device, t.EchoMismatch), nil
}

// OpenStream implements channel.Transport.
func (t *Transport) OpenStream(_ context.Context, command string) (channel.Stream, error) {
	if t.StreamErr != nil {
		return nil, t.StreamErr
	}
	return &stream{device: t.Device, command: command, writeErr: t.StreamWriteErr, done: make(chan struct{})}, nil
}

// Close implements channel.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type shell struct {
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stderrR *io.PipeReader
	once    sync.Once
	close   func()
}

func newShell(d *Device, mismatch bool) *shell {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	closeAll := func() {
		_ = stdinR.Close()
		_ = stdoutW.Close()
		_ = stderrW.Close()
	}
	sh := &shell{stdinW: stdinW, stdoutR: stdoutR, stderrR: stderrR, close: closeAll}

	go func() {
		defer sh.Close()
		br := bufio.NewReader(stdinR)
		first := true
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				if mismatch && first {
					// Answer the handshake echo with something else.
					first = false
					if _, werr := io.WriteString(stdoutW, "garbage\n"); werr != nil {
						return
					}
					continue
				}
				res := d.run(line)
				if res.drop {
					return
				}
				if res.stderr != "" {
					if _, werr := io.WriteString(stderrW, res.stderr); werr != nil {
						return
					}
				}
				if res.stdout != "" {
					if _, werr := io.WriteString(stdoutW, res.stdout); werr != nil {
						return
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return sh
}

func (s *shell) Write(b []byte) (int, error) { return s.stdinW.Write(b) }
func (s *shell) Stdout() io.Reader           { return s.stdoutR }
func (s *shell) Stderr() io.Reader           { return s.stderrR }

func (s *shell) Close() error {
	s.once.Do(func() {
		_ = s.stdinW.Close()
		s.close()
	})
	return nil
}

type stream struct {
	device   *Device
	command  string
	writeErr error

	mu       sync.Mutex
	buf      bytes.Buffer
	closed   bool
	done     chan struct{}
	response string
}

func (s *stream) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.buf.Write(b)
}

func (s *stream) CloseWrite() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	data := bytes.Clone(s.buf.Bytes())
	s.mu.Unlock()

	s.response = s.device.runStream(s.command, data)
	close(s.done)
	return nil
}

func (s *stream) Response(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		return s.response, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
