// Package installer runs the staged install-session protocol and package
// removal over a command channel, and accepts requests from callers.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"git.home.luguber.info/inful/privd/internal/channel"
	"git.home.luguber.info/inful/privd/internal/config"
	"git.home.luguber.info/inful/privd/internal/dispatch"
	"git.home.luguber.info/inful/privd/internal/eventstore"
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/logfields"
	"git.home.luguber.info/inful/privd/internal/metrics"
)

// Stage names used in logs and metrics.
const (
	StageAcquire = "acquire"
	StageCreate  = "create"
	StageWrite   = "write"
	StageCommit  = "commit"
	StageClear   = "clear"
	StageRemove  = "uninstall"
)

// Channels hands out ready command sessions. *channel.Manager implements it.
type Channels interface {
	Get(ctx context.Context) (*channel.Session, bool, error)
	Release(s *channel.Session)
}

// Orchestrator executes requests against the remote package manager.
type Orchestrator struct {
	channels    Channels
	installerID string
	userID      int
	writeMode   config.WriteMode
	chunkSize   int
	stats       eventstore.StatsRecorder
	events      eventstore.Store
	recorder    metrics.Recorder
	logger      *slog.Logger
}

// OrchestratorOptions groups optional collaborators.
type OrchestratorOptions struct {
	Stats    eventstore.StatsRecorder
	Events   eventstore.Store
	Recorder metrics.Recorder
	Logger   *slog.Logger
}

// NewOrchestrator builds an orchestrator using the install settings from cfg.
func NewOrchestrator(channels Channels, cfg config.InstallConfig, opts OrchestratorOptions) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = config.DefaultChunkSize
	}
	mode := cfg.WriteMode
	if mode == "" {
		mode = config.WriteModePath
	}
	return &Orchestrator{
		channels:    channels,
		installerID: cfg.InstallerID,
		userID:      cfg.UserID,
		writeMode:   mode,
		chunkSize:   chunk,
		stats:       opts.Stats,
		events:      opts.Events,
		recorder:    metrics.Or(opts.Recorder),
		logger:      logger,
	}
}

// Run executes req according to its kind.
func (o *Orchestrator) Run(ctx context.Context, req Request) dispatch.Outcome {
	if req.Kind == KindDelete {
		return o.Delete(ctx, req)
	}
	return o.Install(ctx, req)
}

// Install runs create, write and commit for req's files. Every fault is
// turned into a failure outcome carrying its message.
func (o *Orchestrator) Install(ctx context.Context, req Request) dispatch.Outcome {
	logger := o.logger.With(logfields.RequestID(req.ID), logfields.PackageID(req.PackageID))
	if len(req.Files) == 0 {
		return dispatch.Failed(req.ID, req.PackageID, ferrors.Describe(ferrors.ProtocolError("no files").Build()))
	}

	s, err := o.acquire(ctx, req)
	if err != nil {
		return o.fail(logger, req, StageAcquire, err)
	}
	defer o.channels.Release(s)

	total := req.totalSize()
	start := time.Now()
	out, err := o.ensureSucceeded(ctx, s, createCommand(o.installerID, o.userID, total), StageCreate)
	if err != nil {
		return o.fail(logger, req, StageCreate, err)
	}
	sid, err := ParseSessionID(out)
	o.recorder.ObserveStageDuration(StageCreate, time.Since(start))
	if err != nil {
		return o.fail(logger, req, StageCreate, err)
	}
	logger = logger.With(logfields.SessionID(sid))
	logger.Debug("Install session created", logfields.Size(total))
	o.record(ctx, logger, func() (eventstore.Event, error) {
		return eventstore.NewSessionCreated(req.ID, sid, total)
	})

	start = time.Now()
	if err := o.writeAll(ctx, logger, s, req, sid); err != nil {
		return o.fail(logger, req, StageWrite, err)
	}
	o.recorder.ObserveStageDuration(StageWrite, time.Since(start))

	start = time.Now()
	out, err = o.ensureSucceeded(ctx, s, commitCommand(sid), StageCommit)
	o.recorder.ObserveStageDuration(StageCommit, time.Since(start))
	if err != nil {
		return o.fail(logger, req, StageCommit, err)
	}
	if !CommitSucceeded(out) {
		logger.Warn("Install commit failed", logfields.Stage(StageCommit), slog.String("response", out))
		return dispatch.Failed(req.ID, req.PackageID, out)
	}

	logger.Info("Package installed", logfields.Outcome(string(dispatch.StatusSuccess)))
	o.recordStats(ctx, logger, req.PackageID)
	return dispatch.Succeeded(req.ID, req.PackageID, out)
}

// recordStats counts a successful install. Its failures, panics included,
// never change the outcome.
func (o *Orchestrator) recordStats(ctx context.Context, logger *slog.Logger, packageID string) {
	if o.stats == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Install statistics recorder panicked", slog.Any("panic", r))
		}
	}()
	if err := o.stats.RecordInstall(ctx, packageID); err != nil {
		logger.Warn("Failed to record install statistics", logfields.Error(err))
	}
}

// Delete clears the package's data and uninstalls it.
func (o *Orchestrator) Delete(ctx context.Context, req Request) dispatch.Outcome {
	logger := o.logger.With(logfields.RequestID(req.ID), logfields.PackageID(req.PackageID))

	s, err := o.acquire(ctx, req)
	if err != nil {
		return o.fail(logger, req, StageAcquire, err)
	}
	defer o.channels.Release(s)

	out, err := o.ensureSucceeded(ctx, s, "pm clear "+req.PackageID, StageClear)
	if err != nil {
		return o.fail(logger, req, StageClear, err)
	}
	if !WriteSucceeded(out) {
		return o.fail(logger, req, StageClear, ferrors.ProtocolError(out).WithContext("stage", StageClear).Build())
	}
	logger.Debug("Package data cleared", slog.String("response", out))

	out, err = o.ensureSucceeded(ctx, s, "pm uninstall "+req.PackageID, StageRemove)
	if err != nil {
		return o.fail(logger, req, StageRemove, err)
	}
	if !hasPrefixFold(out, "success") {
		logger.Warn("Uninstall failed", slog.String("response", out))
		return dispatch.Failed(req.ID, req.PackageID, out)
	}
	logger.Info("Package removed")
	return dispatch.Succeeded(req.ID, req.PackageID, out)
}

func (o *Orchestrator) acquire(ctx context.Context, req Request) (*channel.Session, error) {
	start := time.Now()
	s, reused, err := o.channels.Get(ctx)
	o.recorder.ObserveStageDuration(StageAcquire, time.Since(start))
	if err != nil {
		return nil, err
	}
	t := s.Transport()
	o.record(ctx, o.logger, func() (eventstore.Event, error) {
		return eventstore.NewChannelAcquired(req.ID, t.Name(), t.Target(), reused)
	})
	return s, nil
}

// ensureSucceeded executes command and returns its response. A blank
// response is replaced by whatever the command wrote to standard error.
func (o *Orchestrator) ensureSucceeded(ctx context.Context, s *channel.Session, command, stage string) (string, error) {
	out, err := s.Execute(ctx, command)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, channel.ErrBlankResponse) {
		return "", err
	}
	diag, rerr := s.ReadError(ctx)
	if rerr != nil {
		return "", rerr
	}
	return "", classifyFailure(diag, stage)
}

func (o *Orchestrator) writeAll(ctx context.Context, logger *slog.Logger, s *channel.Session, req Request, sid int) error {
	mode := o.writeMode
	fellBack := false

	for _, f := range req.Files {
		flog := logger.With(logfields.File(f.Name), logfields.Size(f.Size))
		err := o.write(ctx, s, f, sid, mode)
		if err != nil && ferrors.HasCategory(err, ferrors.CategoryWrite) && !fellBack && mode == config.WriteModePath {
			fellBack = true
			mode = config.WriteModeStream
			o.recorder.IncWriteFallback()
			flog.Warn("Path write rejected, switching to stream writes", logfields.Error(err))
			reason := ferrors.Describe(err)
			o.record(ctx, flog, func() (eventstore.Event, error) {
				return eventstore.NewWriteFallback(req.ID, f.Name, reason)
			})
			err = o.write(ctx, s, f, sid, mode)
		}
		if err != nil {
			if ferrors.HasCategory(err, ferrors.CategoryWrite) {
				return ferrors.ProtocolError(ferrors.Describe(err)).
					WithContext("file", f.Name).
					WithContext("write_mode", string(mode)).
					Build()
			}
			return err
		}
		flog.Debug("File written", logfields.WriteMode(string(mode)))
		o.record(ctx, flog, func() (eventstore.Event, error) {
			return eventstore.NewFileWritten(req.ID, f.Name, f.Size, string(mode))
		})
	}
	return nil
}

func (o *Orchestrator) write(ctx context.Context, s *channel.Session, f File, sid int, mode config.WriteMode) error {
	if mode == config.WriteModeStream {
		return o.streamWrite(ctx, s, f, sid)
	}
	out, err := o.ensureSucceeded(ctx, s, pathWriteCommand(f, sid), StageWrite)
	if err != nil {
		return err
	}
	if !WriteSucceeded(out) {
		return classifyFailure(out, StageWrite)
	}
	return nil
}

// streamWrite copies the file over a dedicated stream in bounded chunks.
// An empty file is still sent as one empty chunk.
func (o *Orchestrator) streamWrite(ctx context.Context, s *channel.Session, f File, sid int) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryNotFound, "cannot open package file").
			WithContext("path", f.Path).Build()
	}
	defer file.Close()

	stream, err := s.OpenStream(ctx, streamWriteCommand(f, sid))
	if err != nil {
		return err
	}
	defer stream.Close()

	written, err := copyChunks(stream, file, o.chunkSize)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryTransport, "stream write failed").
			WithContext("file", f.Name).Build()
	}
	if written != f.Size {
		return ferrors.ProtocolError(fmt.Sprintf("file size changed: declared %d bytes, read %d", f.Size, written)).
			WithContext("file", f.Name).Build()
	}
	if err := stream.CloseWrite(); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryTransport, "stream close failed").Build()
	}
	out, err := stream.Response(ctx)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryTransport, "stream response failed").Build()
	}
	if !WriteSucceeded(out) {
		return classifyFailure(out, StageWrite)
	}
	return nil
}

func copyChunks(dst io.Writer, src io.Reader, chunk int) (int64, error) {
	buf := make([]byte, chunk)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return total, rerr
		}
	}
	if total == 0 {
		if _, err := dst.Write(buf[:0]); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (o *Orchestrator) fail(logger *slog.Logger, req Request, stage string, err error) dispatch.Outcome {
	logger.Warn("Request failed", logfields.Stage(stage), logfields.Error(err))
	return dispatch.Failed(req.ID, req.PackageID, ferrors.Describe(err))
}

func (o *Orchestrator) record(ctx context.Context, logger *slog.Logger, build func() (eventstore.Event, error)) {
	if o.events == nil {
		return
	}
	e, err := build()
	if err == nil {
		err = eventstore.AppendEvent(ctx, o.events, e)
	}
	if err != nil {
		logger.Warn("Failed to record event", logfields.Error(err))
	}
}
