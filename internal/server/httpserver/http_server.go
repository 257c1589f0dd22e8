// Package httpserver runs the caller API on a unix socket and the optional
// admin server on TCP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"git.home.luguber.info/inful/privd/internal/access"
	derrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/logfields"
	smw "git.home.luguber.info/inful/privd/internal/server/middleware"
)

// socketMode lets any local user connect; authorization happens per request.
const socketMode = 0o666

// Server manages the API and admin HTTP servers.
type Server struct {
	opts         Options
	apiServer    *http.Server
	adminServer  *http.Server
	errorAdapter *derrors.HTTPErrorAdapter
	logger       *slog.Logger
	adminAddr    string

	mchain func(http.Handler) http.Handler
}

// New constructs the server wiring.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapter := derrors.NewHTTPErrorAdapter(logger)
	return &Server{
		opts:         opts,
		errorAdapter: adapter,
		logger:       logger,
		mchain:       smw.Chain(logger, adapter),
	}
}

// Router returns the caller API router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	s.opts.API.Register(r)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.errorAdapter.WriteErrorResponse(w, req, derrors.NotFoundError("no such endpoint").
			WithContext("path", req.URL.Path).Build())
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	return r
}

// Start binds every listener first so a bind failure leaves nothing
// running, then serves in the background.
func (s *Server) Start(ctx context.Context) error {
	apiLn, err := s.listenSocket(ctx)
	if err != nil {
		return err
	}

	var adminLn net.Listener
	if s.opts.AdminAddr != "" {
		lc := net.ListenConfig{}
		adminLn, err = lc.Listen(ctx, "tcp", s.opts.AdminAddr)
		if err != nil {
			_ = apiLn.Close()
			return derrors.WrapError(err, derrors.CategoryDaemon, "failed to bind admin address").
				WithContext("addr", s.opts.AdminAddr).Build()
		}
	}

	s.apiServer = &http.Server{
		Handler:           s.mchain(s.Router()),
		ConnContext:       access.ConnContext,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.startServerWithListener("api", s.apiServer, apiLn)

	if adminLn != nil {
		s.adminAddr = adminLn.Addr().String()
		s.startAdminServerWithListener(adminLn)
		s.logger.Info("HTTP servers started",
			logfields.Path(s.opts.Socket),
			slog.String("admin_addr", adminLn.Addr().String()))
	} else {
		s.logger.Info("HTTP servers started", logfields.Path(s.opts.Socket))
	}
	return nil
}

func (s *Server) listenSocket(ctx context.Context) (net.Listener, error) {
	path := s.opts.Socket
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, derrors.WrapError(err, derrors.CategoryDaemon, "failed to create socket directory").
			WithContext("path", path).Build()
	}
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, derrors.WrapError(err, derrors.CategoryDaemon, "failed to bind socket").
			WithContext("path", path).Build()
	}
	if err := os.Chmod(path, socketMode); err != nil {
		_ = ln.Close()
		return nil, derrors.WrapError(err, derrors.CategoryDaemon, "failed to set socket permissions").
			WithContext("path", path).Build()
	}

	wrapped := access.NewCredentialsListener(ln, s.logger)
	if s.opts.MaxConnections > 0 {
		wrapped = netutil.LimitListener(wrapped, s.opts.MaxConnections)
	}
	return wrapped, nil
}

// removeStaleSocket deletes a socket file nobody is listening on.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return derrors.WrapError(err, derrors.CategoryDaemon, "failed to inspect socket path").Build()
	}
	if info.Mode()&os.ModeSocket == 0 {
		return derrors.DaemonError("socket path exists and is not a socket").WithContext("path", path).Build()
	}
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		_ = conn.Close()
		return derrors.DaemonError("another daemon is listening on the socket").WithContext("path", path).Build()
	}
	if err := os.Remove(path); err != nil {
		return derrors.WrapError(err, derrors.CategoryDaemon, "failed to remove stale socket").Build()
	}
	return nil
}

// AdminAddr returns the bound admin address, or "" when the admin server is disabled.
func (s *Server) AdminAddr() string { return s.adminAddr }

// Stop gracefully shuts down all HTTP servers.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server shutdown: %w", err))
		}
	}
	if s.apiServer != nil {
		if err := s.apiServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}
	if err := os.Remove(s.opts.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove socket: %w", err))
	}

	if len(errs) > 0 {
		return derrors.WrapError(errors.Join(errs...), derrors.CategoryDaemon, "shutdown errors").Build()
	}
	s.logger.Info("HTTP servers stopped")
	return nil
}

// startServerWithListener serves srv on ln in the background.
func (s *Server) startServerWithListener(kind string, srv *http.Server, ln net.Listener) {
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(fmt.Sprintf("%s server error", kind), logfields.Error(err))
		}
	}()
}
