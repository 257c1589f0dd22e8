package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ADBOptions configures the adb transport.
type ADBOptions struct {
	// Path to the adb binary.
	Path string
	// Serial selects the device; defaults to host:port.
	Serial string
	// Connect is dialled with `adb connect` before every probe when set.
	Connect string
	// TempDir is exported as TMPDIR to adb.
	TempDir string
	// ProbeTimeout bounds a single adb invocation during probing.
	ProbeTimeout time.Duration
}

// ADBTransport drives a device through the local adb binary.
type ADBTransport struct {
	opts ADBOptions
	env  []string
}

// NewADBTransport builds an adb transport.
func NewADBTransport(opts ADBOptions) *ADBTransport {
	if opts.Path == "" {
		opts.Path = "adb"
	}
	if opts.Serial == "" {
		opts.Serial = opts.Connect
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	return &ADBTransport{opts: opts, env: adbEnv(opts)}
}

func adbEnv(opts ADBOptions) []string {
	env := os.Environ()
	if home, err := os.UserHomeDir(); err == nil {
		env = append(env, "HOME="+home)
	}
	if opts.TempDir != "" {
		env = append(env, "TMPDIR="+opts.TempDir)
	}
	if dir := filepath.Dir(opts.Path); dir != "." && dir != "" {
		env = append(env, "LD_LIBRARY_PATH="+dir)
	}
	return env
}

func (a *ADBTransport) Name() string   { return "adb" }
func (a *ADBTransport) Target() string { return a.opts.Serial }

func (a *ADBTransport) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, a.opts.Path, args...)
	cmd.Env = a.env
	if a.opts.TempDir != "" {
		_ = os.MkdirAll(a.opts.TempDir, 0o750)
	}
	return cmd
}

// Probe runs `adb connect` (when configured) and classifies `adb devices`.
func (a *ADBTransport) Probe(ctx context.Context) (ProbeResult, error) {
	pctx, cancel := context.WithTimeout(ctx, a.opts.ProbeTimeout)
	defer cancel()

	if a.opts.Connect != "" {
		// Failure here shows up in the device list below.
		_ = a.command(pctx, "connect", a.opts.Connect).Run()
	}
	out, err := a.command(pctx, "devices").Output()
	if err != nil {
		return ProbeNoTarget, err
	}
	return ParseDevices(string(out), a.opts.Serial), nil
}

// ParseDevices classifies `adb devices` output for serial. Without any
// device line the target is missing; a matching line in the "device" state
// is ready; anything else is present but not ready. An empty serial accepts
// the first listed device. A serial absent from a non-empty list counts as missing.
func ParseDevices(output, serial string) ProbeResult {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		name, state, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		if serial != "" && strings.TrimSpace(name) != serial {
			continue
		}
		if strings.TrimSpace(state) == "device" {
			return ProbeReady
		}
		return ProbeNotReady
	}
	return ProbeNoTarget
}

// OpenShell starts `adb -s <serial> shell`.
func (a *ADBTransport) OpenShell(_ context.Context) (Shell, error) {
	// The shell outlives the acquisition context, so it is not bound to it.
	cmd := a.command(context.Background(), "-s", a.opts.Serial, "shell")
	return startProcessShell(cmd)
}

// OpenStream starts `adb -s <serial> exec-in <command>`.
func (a *ADBTransport) OpenStream(_ context.Context, command string) (Stream, error) {
	cmd := a.command(context.Background(), "-s", a.opts.Serial, "exec-in", command)
	return startProcessStream(cmd)
}

// Close disconnects a network target.
func (a *ADBTransport) Close() error {
	if a.opts.Connect == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ProbeTimeout)
	defer cancel()
	_ = a.command(ctx, "disconnect", a.opts.Connect).Run()
	return nil
}

// processShell adapts a child process to Shell.
type processShell struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	once   sync.Once
}

func startProcessShell(cmd *exec.Cmd) (*processShell, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &processShell{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *processShell) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *processShell) Stdout() io.Reader           { return p.stdout }
func (p *processShell) Stderr() io.Reader           { return p.stderr }

func (p *processShell) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// processStream adapts a child process fed on stdin to Stream.
type processStream struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   bytes.Buffer
	done  chan struct{}
	err   error
	once  sync.Once
}

func startProcessStream(cmd *exec.Cmd) (*processStream, error) {
	s := &processStream{cmd: cmd, done: make(chan struct{})}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	s.stdin = stdin
	cmd.Stdout = &s.out
	cmd.Stderr = &s.out
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		s.err = cmd.Wait()
		close(s.done)
	}()
	return s, nil
}

func (s *processStream) Write(b []byte) (int, error) { return s.stdin.Write(b) }
func (s *processStream) CloseWrite() error           { return s.stdin.Close() }

func (s *processStream) Response(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		_ = s.Close()
		return "", ctx.Err()
	case <-s.done:
	}
	var exitErr *exec.ExitError
	if s.err != nil && !errors.As(s.err, &exitErr) {
		return "", s.err
	}
	out := strings.TrimSpace(s.out.String())
	if out == "" && exitErr != nil {
		out = "Error: exit status " + strconv.Itoa(exitErr.ExitCode())
	}
	return out, nil
}

func (s *processStream) Close() error {
	s.once.Do(func() {
		_ = s.stdin.Close()
		select {
		case <-s.done:
		default:
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
			<-s.done
		}
	})
	return nil
}
