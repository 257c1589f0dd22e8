// Package server holds the caller side of the privd API.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	derrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/server/responses"
)

// Client talks to a running daemon over its unix socket.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient returns a client for the daemon listening on socket.
func NewClient(socket string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &Client{
		http:    &http.Client{Transport: transport, Timeout: 30 * time.Second},
		baseURL: "http://privd",
	}
}

// NewClientWithHTTP returns a client issuing requests against baseURL.
func NewClientWithHTTP(hc *http.Client, baseURL string) *Client {
	return &Client{http: hc, baseURL: baseURL}
}

// Access reports whether the calling process holds privileged access.
func (c *Client) Access(ctx context.Context) (responses.AccessResponse, error) {
	var out responses.AccessResponse
	err := c.do(ctx, http.MethodGet, "/v1/access", nil, &out)
	return out, err
}

// Install submits a single-file install.
func (c *Client) Install(ctx context.Context, packageID, file, callbackURL string) (responses.SubmitResponse, error) {
	return c.submit(ctx, "/v1/packages/install", responses.InstallRequest{PackageID: packageID, File: file, CallbackURL: callbackURL})
}

// InstallSplit submits a multi-file install.
func (c *Client) InstallSplit(ctx context.Context, packageID string, files []string, callbackURL string) (responses.SubmitResponse, error) {
	return c.submit(ctx, "/v1/packages/install-split", responses.InstallSplitRequest{PackageID: packageID, Files: files, CallbackURL: callbackURL})
}

// Delete submits a package removal.
func (c *Client) Delete(ctx context.Context, packageID, callbackURL string) (responses.SubmitResponse, error) {
	return c.submit(ctx, "/v1/packages/delete", responses.DeleteRequest{PackageID: packageID, CallbackURL: callbackURL})
}

// Request fetches the state of a submitted request.
func (c *Client) Request(ctx context.Context, id string) (responses.RequestStatusResponse, error) {
	var out responses.RequestStatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/requests/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Wait polls a request until it has an outcome or ctx ends.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (responses.RequestStatusResponse, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.Request(ctx, id)
		if err != nil {
			return status, err
		}
		if !status.Pending() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, derrors.WrapError(ctx.Err(), derrors.CategoryDaemon, "timed out waiting for request outcome").
				WithContext("request_id", id).Build()
		case <-ticker.C:
		}
	}
}

// submit treats a 403 carrying a receipt as a denied submission, not an error.
func (c *Client) submit(ctx context.Context, path string, body any) (responses.SubmitResponse, error) {
	var out responses.SubmitResponse
	resp, err := c.send(ctx, http.MethodPost, path, body)
	if err != nil {
		return out, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, derrors.WrapError(err, derrors.CategoryTransport, "failed to read response").Build()
	}
	if resp.StatusCode == http.StatusForbidden {
		if jerr := json.Unmarshal(data, &out); jerr == nil && out.RequestID != "" {
			return out, nil
		}
	}
	if resp.StatusCode >= 300 {
		return out, decodeError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, derrors.WrapError(err, derrors.CategoryProtocol, "invalid response body").Build()
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return derrors.WrapError(err, derrors.CategoryTransport, "failed to read response").Build()
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return derrors.WrapError(err, derrors.CategoryProtocol, "invalid response body").Build()
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, derrors.WrapError(err, derrors.CategoryInternal, "failed to encode request").Build()
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, derrors.WrapError(err, derrors.CategoryInternal, "failed to build request").Build()
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, derrors.WrapError(err, derrors.CategoryDaemon, "daemon is not reachable").
			Retryable().Build()
	}
	return resp, nil
}

// decodeError turns an error payload back into a classified error.
func decodeError(status int, data []byte) error {
	var payload derrors.HTTPErrorResponse
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		return derrors.NewError(derrors.CategoryInternal, fmt.Sprintf("daemon returned %d", status)).Build()
	}
	category := derrors.ErrorCategory(payload.Code)
	if category == "" {
		category = derrors.CategoryInternal
	}
	b := derrors.NewError(category, payload.Error)
	for k, v := range payload.Details {
		b = b.WithContext(k, v)
	}
	if payload.Retryable {
		b = b.Retryable()
	}
	return b.Build()
}
