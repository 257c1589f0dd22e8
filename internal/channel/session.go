// Package channel provides a framed command session to a remote shell-like
// interpreter, plus acquisition of such sessions with readiness polling.
//
// Responses are delimited by a caller generated sentinel echoed after every
// command, so arbitrary command output never needs to be parsed for prompts.
package channel

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/logfields"
)

const lineBuffer = 256

// NewSentinel returns a fresh response delimiter.
func NewSentinel() string {
	return "__privd_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
}

// lineFeed pumps lines from a reader into a channel. err is valid once lines is closed.
type lineFeed struct {
	lines chan string
	err   error
}

func pump(r io.Reader) *lineFeed {
	f := &lineFeed{lines: make(chan string, lineBuffer)}
	go func() {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				f.lines <- line
			}
			if err != nil {
				f.err = err
				close(f.lines)
				return
			}
		}
	}()
	return f
}

// Session is one live command channel. Calls are serialized; a Session may
// be shared but only one command is in flight at a time.
type Session struct {
	transport Transport
	shell     Shell
	stdout    *lineFeed
	stderr    *lineFeed

	mu          sync.Mutex
	state       atomic.Int32
	closeOnce   sync.Once
	closeErr    error
	newSentinel func() string
	logger      *slog.Logger
}

// NewSession wraps an open shell. The session starts in StateConnecting;
// Confirm moves it to StateReady.
func NewSession(t Transport, shell Shell, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		transport:   t,
		shell:       shell,
		stdout:      pump(shell.Stdout()),
		stderr:      pump(shell.Stderr()),
		newSentinel: NewSentinel,
		logger:      logger,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Transport returns the transport the session was opened on.
func (s *Session) Transport() Transport {
	return s.transport
}

// Confirm runs an echo round trip with token and marks the session ready
// when the echo matches.
func (s *Session) Confirm(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateConnecting {
		return s.stateError(s.State())
	}
	out, err := s.exec(ctx, "echo "+token)
	if err != nil {
		return err
	}
	if out != token {
		s.shutdown()
		return ferrors.ChannelError("handshake round trip mismatch").
			WithContext("expected", token).
			WithContext("received", out).
			Build()
	}
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateReady))
	return nil
}

// Execute runs command and returns its trimmed standard output. A blank
// result degrades the session and returns ErrBlankResponse.
func (s *Session) Execute(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateReady {
		return "", s.stateError(st)
	}
	out, err := s.exec(ctx, command)
	if err != nil {
		return "", err
	}
	if out == "" {
		s.state.CompareAndSwap(int32(StateReady), int32(StateDegraded))
		s.logger.Debug("Blank command response", logfields.ChannelState(StateDegraded.String()))
		return "", ErrBlankResponse
	}
	return out, nil
}

// ReadError collects everything written to standard error since the last
// call and returns it trimmed. A degraded session becomes ready again.
func (s *Session) ReadError(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.State()
	if st != StateReady && st != StateDegraded {
		return "", s.stateError(st)
	}
	sentinel := s.newSentinel()
	if err := s.write("echo " + sentinel + " >&2\n"); err != nil {
		return "", err
	}
	out, err := s.readUntil(ctx, s.stderr, sentinel)
	if err != nil {
		return "", err
	}
	s.state.CompareAndSwap(int32(StateDegraded), int32(StateReady))
	return out, nil
}

// OpenStream starts command on the transport with a raw byte stream as its input.
func (s *Session) OpenStream(ctx context.Context, command string) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateReady {
		return nil, s.stateError(st)
	}
	stream, err := s.transport.OpenStream(ctx, command)
	if err != nil {
		s.shutdown()
		return nil, ferrors.WrapError(err, ferrors.CategoryTransport, "failed to open stream").
			Retryable().Build()
	}
	return &sessionStream{Stream: stream, session: s}, nil
}

// sessionStream closes its session when the stream's I/O fails.
type sessionStream struct {
	Stream
	session *Session
}

func (st *sessionStream) Write(b []byte) (int, error) {
	n, err := st.Stream.Write(b)
	if err != nil {
		return n, st.session.fault(err)
	}
	return n, nil
}

func (st *sessionStream) CloseWrite() error {
	if err := st.Stream.CloseWrite(); err != nil {
		return st.session.fault(err)
	}
	return nil
}

func (st *sessionStream) Response(ctx context.Context) (string, error) {
	out, err := st.Stream.Response(ctx)
	if err != nil {
		return "", st.session.fault(err)
	}
	return out, nil
}

// Close releases the shell. Safe to call more than once.
func (s *Session) Close() error {
	s.shutdown()
	return s.closeErr
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.closeErr = s.shell.Close()
		s.logger.Debug("Command channel closed",
			logfields.Transport(s.transport.Name()),
			logfields.Target(s.transport.Target()))
	})
}

func (s *Session) exec(ctx context.Context, command string) (string, error) {
	sentinel := s.newSentinel()
	if err := s.write(command + "\necho " + sentinel + "\n"); err != nil {
		return "", err
	}
	return s.readUntil(ctx, s.stdout, sentinel)
}

func (s *Session) write(data string) error {
	if _, err := io.WriteString(s.shell, data); err != nil {
		return s.fault(err)
	}
	return nil
}

// readUntil collects lines from feed until one contains sentinel. Text on the
// sentinel line before the sentinel belongs to the response.
func (s *Session) readUntil(ctx context.Context, feed *lineFeed, sentinel string) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			// The response is still in flight; the stream can no longer be framed.
			return "", s.fault(ctx.Err())
		case line, ok := <-feed.lines:
			if !ok {
				err := feed.err
				if err == nil {
					err = io.EOF
				}
				return "", s.fault(err)
			}
			if idx := strings.Index(line, sentinel); idx >= 0 {
				b.WriteString(line[:idx])
				return strings.TrimSpace(b.String()), nil
			}
			b.WriteString(line)
		}
	}
}

func (s *Session) fault(cause error) error {
	s.shutdown()
	return ferrors.WrapError(cause, ferrors.CategoryTransport, "command channel I/O failed").
		Retryable().
		WithContext("transport", s.transport.Name()).
		Build()
}

func (s *Session) stateError(st State) error {
	if st == StateClosed {
		return ErrChannelClosed
	}
	return ErrNotReady.WithContext("state", st.String())
}
