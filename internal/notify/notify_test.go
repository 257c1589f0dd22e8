package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	published map[string][]byte
	failWith  error
	closed    bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if f.published == nil {
		f.published = map[string][]byte{}
	}
	f.published[subject] = data
	return nil
}

func (f *fakeConn) FlushWithContext(context.Context) error { return nil }
func (f *fakeConn) Close()                                 { f.closed = true }

func TestAccessDeniedNotice(t *testing.T) {
	n := AccessDenied("r1", "com.intruder")
	require.Equal(t, KindAdvisory, n.Kind)
	require.Equal(t, "The package com.intruder is not allowed to access privd", n.Message)

	n = AccessDenied("r2", "")
	require.Equal(t, UnknownIdentity, n.Identity)
	require.Contains(t, n.Message, "Unknown")
}

func TestNATSNotifierPublishesByKind(t *testing.T) {
	conn := &fakeConn{}
	n := newNATSNotifier(conn, "privd.notices")

	require.NoError(t, n.Notify(t.Context(), Failure("r1", "org.example", "Failure [INSTALL_FAILED_INVALID_APK]")))

	data, ok := conn.published["privd.notices.diagnostic"]
	require.True(t, ok)
	var got Notice
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "org.example", got.PackageID)
	require.Equal(t, "Failure [INSTALL_FAILED_INVALID_APK]", got.Message)

	require.NoError(t, n.Close())
	require.True(t, conn.closed)
}

func TestNATSNotifierPublishError(t *testing.T) {
	n := newNATSNotifier(&fakeConn{failWith: errors.New("nats: connection closed")}, "privd.notices")
	require.Error(t, n.Notify(t.Context(), AccessDenied("r1", "x")))
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	require.NoError(t, LogNotifier{Logger: logger}.Notify(t.Context(), AccessDenied("r1", "com.intruder")))
	require.Contains(t, buf.String(), "level=WARN")
	require.Contains(t, buf.String(), "identity=com.intruder")
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, Notice) error {
	c.calls++
	return c.err
}

func TestMultiTriesEveryNotifier(t *testing.T) {
	failing := &countingNotifier{err: errors.New("down")}
	ok := &countingNotifier{}

	err := Multi{failing, nil, ok}.Notify(t.Context(), Failure("r", "p", "m"))
	require.Error(t, err)
	require.Equal(t, 1, failing.calls)
	require.Equal(t, 1, ok.calls)
	require.NoError(t, Nop{}.Notify(t.Context(), Notice{}))
}
