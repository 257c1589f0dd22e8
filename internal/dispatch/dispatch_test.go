package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/notify"
)

type captureNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (c *captureNotifier) Notify(_ context.Context, n notify.Notice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, n)
	return nil
}

func (c *captureNotifier) all() []notify.Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Notice(nil), c.notices...)
}

func stop(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func TestDeliverExactlyOnce(t *testing.T) {
	d := New(Options{})
	var calls []Outcome
	var mu sync.Mutex
	h := NewHandle("func", CallbackFunc(func(_ context.Context, o Outcome) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, o)
		return nil
	}))

	require.NoError(t, d.Deliver(Succeeded("r1", "org.example", "Success"), h))
	require.ErrorIs(t, d.Deliver(Failed("r1", "org.example", "again"), h), ErrAlreadyDelivered)
	require.True(t, h.Delivered())
	stop(t, d)

	require.Len(t, calls, 1)
	require.Equal(t, StatusSuccess, calls[0].Status)
	require.Equal(t, "Success", calls[0].Message)
}

func TestStopDrainsPending(t *testing.T) {
	d := New(Options{Buffer: 8})
	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	cb := CallbackFunc(func(_ context.Context, o Outcome) error {
		<-release
		mu.Lock()
		defer mu.Unlock()
		got = append(got, o.RequestID)
		return nil
	})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.Deliver(Succeeded(id, "p", "ok"), NewHandle("func", cb)))
	}
	close(release)
	stop(t, d)

	require.Equal(t, []string{"a", "b", "c"}, got)
	require.ErrorIs(t, d.Deliver(Succeeded("d", "p", "ok"), NewHandle("func", cb)), ErrDispatcherStopped)
}

func TestDeliverDoesNotBlockOnSlowCallback(t *testing.T) {
	d := New(Options{})
	release := make(chan struct{})
	h := NewHandle("func", CallbackFunc(func(context.Context, Outcome) error {
		<-release
		return nil
	}))

	done := make(chan struct{})
	go func() {
		_ = d.Deliver(Succeeded("r1", "p", "ok"), h)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked on the callback")
	}
	close(release)
	stop(t, d)
}

func TestCallbackErrorRaisesDiagnostic(t *testing.T) {
	n := &captureNotifier{}
	d := New(Options{Notifier: n})
	h := NewHandle("webhook", CallbackFunc(func(context.Context, Outcome) error {
		return errors.New("connection refused")
	}))
	require.NoError(t, d.Deliver(Failed("r1", "org.example", "boom"), h))
	stop(t, d)

	notices := n.all()
	require.Len(t, notices, 1)
	require.Equal(t, notify.KindDiagnostic, notices[0].Kind)
	require.Contains(t, notices[0].Message, "connection refused")
	require.True(t, h.Delivered())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(2)
	r.Register("a")

	_, done, known := r.Lookup("a")
	require.True(t, known)
	require.False(t, done)

	require.NoError(t, r.HandleResult(context.Background(), Succeeded("a", "p", "Success")))
	o, done, known := r.Lookup("a")
	require.True(t, known)
	require.True(t, done)
	require.Equal(t, "Success", o.Message)

	r.Register("b")
	r.Register("c")
	_, _, known = r.Lookup("a")
	require.False(t, known)
	require.Equal(t, 2, r.Len())
}

func TestWebhookCallback(t *testing.T) {
	var got Outcome
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cb := NewWebhookCallback(srv.URL, time.Second)
	require.NoError(t, cb.HandleResult(context.Background(), Failed("r9", "org.example", "Failure [X]")))
	require.Equal(t, "r9", got.RequestID)
	require.Equal(t, StatusFailure, got.Status)
	require.Equal(t, "Failure [X]", got.Message)
}

func TestWebhookCallbackHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookCallback(srv.URL, time.Second).HandleResult(context.Background(), Succeeded("r", "p", "ok"))
	require.Error(t, err)
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryTransport))
}

func TestMultiJoinsErrors(t *testing.T) {
	var called int
	ok := CallbackFunc(func(context.Context, Outcome) error { called++; return nil })
	bad := CallbackFunc(func(context.Context, Outcome) error { called++; return errors.New("bad") })
	err := Multi{bad, ok, nil}.HandleResult(context.Background(), Succeeded("r", "p", "ok"))
	require.Error(t, err)
	require.Equal(t, 2, called)
}
