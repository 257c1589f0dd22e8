package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	derrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/server/responses"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClientWithHTTP(srv.Client(), srv.URL)
}

func TestClientDeniedSubmissionIsNotAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/packages/install", r.URL.Path)
		var body responses.InstallRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "org.example", body.PackageID)
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(responses.SubmitResponse{RequestID: "r-1"})
	})

	receipt, err := c.Install(context.Background(), "org.example", "/a.apk", "")
	require.NoError(t, err)
	require.False(t, receipt.Accepted)
	require.Equal(t, "r-1", receipt.RequestID)
}

func TestClientDecodesClassifiedErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		derrors.NewHTTPErrorAdapter(nil).WriteErrorResponse(w, r,
			derrors.DaemonError("work queue is full").WithContext("backlog", 2).Build())
	})

	_, err := c.InstallSplit(context.Background(), "org.example", []string{"/a.apk"}, "")
	require.Error(t, err)
	require.True(t, derrors.HasCategory(err, derrors.CategoryDaemon))
	require.Equal(t, "work queue is full", derrors.Describe(err))
}

func TestClientUnstructuredError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	_, err := c.Access(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestClientWaitPollsUntilDone(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/requests/r-9", r.URL.Path)
		resp := responses.RequestStatusResponse{RequestID: "r-9", Status: responses.StatusPending}
		if calls.Add(1) >= 3 {
			resp.Status = "failure"
			resp.Message = "Failure [INSTALL_FAILED_INVALID_APK]"
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	status, err := c.Wait(context.Background(), "r-9", time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "failure", status.Status)
	require.EqualValues(t, 3, calls.Load())
}

func TestClientWaitHonoursContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(responses.RequestStatusResponse{Status: responses.StatusPending})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx, "r-1", 5*time.Millisecond)
	require.Error(t, err)
}

func TestClientUnreachableDaemon(t *testing.T) {
	c := NewClient("/nonexistent/privd.sock")
	_, err := c.Access(context.Background())
	require.Error(t, err)
	require.True(t, derrors.HasCategory(err, derrors.CategoryDaemon))
}
