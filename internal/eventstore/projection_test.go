package eventstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func appendAll(t *testing.T, store Store, events ...Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, AppendEvent(t.Context(), store, e))
	}
}

func must[T Event](t *testing.T) func(T, error) T {
	return func(e T, err error) T {
		t.Helper()
		require.NoError(t, err)
		return e
	}
}

func TestProjectionRebuild(t *testing.T) {
	store := newTestStore(t)

	appendAll(t, store,
		must[*RequestAccepted](t)(NewRequestAccepted("r1", "org.example.app", "install-split", "com.client",
			[]FileRef{{Name: "base.apk", Size: 10}, {Name: "split.apk", Size: 5}})),
		must[*SessionCreated](t)(NewSessionCreated("r1", 42, 15)),
		must[*FileWritten](t)(NewFileWritten("r1", "base.apk", 10, "path")),
		must[*WriteFallback](t)(NewWriteFallback("r1", "split.apk", "Permission denied")),
		must[*FileWritten](t)(NewFileWritten("r1", "split.apk", 5, "stream")),
		must[*RequestCompleted](t)(NewRequestCompleted("r1", "org.example.app", StatusSuccess, "", 2*time.Second)),
		must[*AccessDenied](t)(NewAccessDenied("r2", "com.intruder", "org.example.app", "install")),
		must[*RequestAccepted](t)(NewRequestAccepted("r3", "org.example.other", "delete", "com.client", nil)),
	)

	p := NewRequestHistoryProjection(store, 10)
	require.NoError(t, p.Rebuild(t.Context()))

	r1, ok := p.GetRequest("r1")
	require.True(t, ok)
	require.Equal(t, StatusSuccess, r1.Status)
	require.Equal(t, 42, r1.SessionID)
	require.Equal(t, 2, r1.FilesWritten)
	require.EqualValues(t, 15, r1.BytesWritten)
	require.True(t, r1.Fallback)
	require.NotNil(t, r1.CompletedAt)

	r2, ok := p.GetRequest("r2")
	require.True(t, ok)
	require.Equal(t, StatusDenied, r2.Status)
	require.Equal(t, "com.intruder", r2.Identity)

	require.Len(t, p.GetHistory(), 2)
	pending := p.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "r3", pending[0].RequestID)
	require.False(t, p.LastSyncTime().IsZero())
}

func TestProjectionBoundedHistory(t *testing.T) {
	store := newTestStore(t)
	p := NewRequestHistoryProjection(store, 2)

	for _, id := range []string{"a", "b", "c"} {
		e, err := NewRequestCompleted(id, "pkg", StatusFailure, "boom", 0)
		require.NoError(t, err)
		p.Apply(e)
	}

	history := p.GetHistory()
	require.Len(t, history, 2)
	require.Equal(t, "c", history[0].RequestID)
	_, ok := p.GetRequest("a")
	require.False(t, ok, "evicted request should be pruned")
}
