package installer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/privd/internal/channel"
	"git.home.luguber.info/inful/privd/internal/channel/channeltest"
	"git.home.luguber.info/inful/privd/internal/config"
	"git.home.luguber.info/inful/privd/internal/dispatch"
	"git.home.luguber.info/inful/privd/internal/eventstore"
)

type countingStats struct {
	mu       sync.Mutex
	packages []string
	err      error
}

func (c *countingStats) RecordInstall(_ context.Context, pkg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packages = append(c.packages, pkg)
	return c.err
}

type panickingStats struct{}

func (panickingStats) RecordInstall(context.Context, string) error {
	panic("stats database gone")
}

type harness struct {
	dev    *channeltest.Device
	tr     *channeltest.Transport
	mgr    *channel.Manager
	orch   *Orchestrator
	events *eventstore.SQLiteStore
	stats  *countingStats
}

func newHarness(t *testing.T, dev *channeltest.Device, mode config.WriteMode, probes ...channel.ProbeResult) *harness {
	t.Helper()
	tr := channeltest.NewTransport(dev)
	tr.Probes = probes
	mgr, err := channel.NewManager(channel.ManagerConfig{
		Target: config.TargetConfig{Transport: config.TransportADB, Host: "127.0.0.1", Port: 5555},
		Handshake: config.HandshakeConfig{
			Backoff:          config.RetryBackoffFixed,
			Interval:         time.Millisecond,
			MaxInterval:      time.Millisecond,
			NoTargetAttempts: 3,
			NotReadyAttempts: 3,
		},
		KeepChannel: true,
		Factory:     func(config.TargetConfig) (channel.Transport, error) { return tr, nil },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	events, err := eventstore.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	stats := &countingStats{}
	orch := NewOrchestrator(mgr, config.InstallConfig{
		InstallerID: config.DefaultInstallerID,
		WriteMode:   mode,
		ChunkSize:   256,
	}, OrchestratorOptions{Stats: stats, Events: events})
	return &harness{dev: dev, tr: tr, mgr: mgr, orch: orch, events: events, stats: stats}
}

func writeFile(t *testing.T, dir, name string, size int) File {
	t.Helper()
	data := bytes.Repeat([]byte{byte(len(name))}, size)
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return File{Name: name, Path: p, Size: int64(size)}
}

func installRequest(files ...File) Request {
	r := NewRequest(KindInstallSplit, "org.example.app")
	r.Files = files
	return r
}

func eventTypes(t *testing.T, store eventstore.Store, requestID string) []string {
	t.Helper()
	events, err := store.GetByRequestID(context.Background(), requestID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type())
	}
	return types
}

func TestInstallTwoFiles(t *testing.T) {
	dev := &channeltest.Device{CreateResponse: "Success: 42"}
	h := newHarness(t, dev, config.WriteModePath)
	dir := t.TempDir()
	req := installRequest(writeFile(t, dir, "base.apk", 1000), writeFile(t, dir, "split_config.apk", 2000))

	out := h.orch.Install(context.Background(), req)
	require.Equal(t, dispatch.StatusSuccess, out.Status, out.Message)
	require.Equal(t, "Success", out.Message)
	require.Equal(t, req.ID, out.RequestID)

	sess, ok := dev.Session(42)
	require.True(t, ok)
	require.True(t, sess.Committed)
	require.Equal(t, int64(3000), sess.Total)
	require.Equal(t, []string{"base.apk", "split_config.apk"}, sess.Order)
	require.Len(t, sess.Files["split_config.apk"], 2000)

	require.Equal(t, []string{"pm install-create -i com.android.vending --user 0 -r -S 3000"}, dev.CommandsWithPrefix("pm install-create"))
	require.Equal(t, []string{"pm install-commit 42"}, dev.CommandsWithPrefix("pm install-commit"))
	require.Len(t, dev.CommandsWithPrefix("cat "), 2)
	require.Equal(t, []string{"org.example.app"}, h.stats.packages)

	require.Equal(t, []string{
		eventstore.TypeChannelAcquired,
		eventstore.TypeSessionCreated,
		eventstore.TypeFileWritten,
		eventstore.TypeFileWritten,
	}, eventTypes(t, h.events, req.ID))
}

func TestInstallFallsBackToStreamOnce(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, dir, "base.apk", 1000)
	second := writeFile(t, dir, "split_a.apk", 2000)
	third := writeFile(t, dir, "split_b.apk", 10)
	dev := &channeltest.Device{DeniedPaths: map[string]bool{second.Path: true}}
	h := newHarness(t, dev, config.WriteModePath)

	out := h.orch.Install(context.Background(), installRequest(first, second, third))
	require.Equal(t, dispatch.StatusSuccess, out.Status, out.Message)

	// Only the first file went through cat; the rest were streamed.
	cats := dev.CommandsWithPrefix("cat ")
	require.Len(t, cats, 2)
	require.Contains(t, cats[0], first.Path)
	require.Contains(t, cats[1], second.Path)
	streams := dev.CommandsWithPrefix("pm install-write")
	require.Len(t, streams, 2)
	require.True(t, strings.HasSuffix(streams[0], `"split_a.apk" -`))
	require.True(t, strings.HasSuffix(streams[1], `"split_b.apk" -`))

	sess, ok := dev.Session(1001)
	require.True(t, ok)
	require.True(t, sess.Committed)
	require.Equal(t, sess.Total, sess.Written())
}

func TestInstallSecondRejectionFails(t *testing.T) {
	dir := t.TempDir()
	dev := &channeltest.Device{DenyPathReads: true, DenyStreamWrites: true}
	h := newHarness(t, dev, config.WriteModePath)

	out := h.orch.Install(context.Background(), installRequest(writeFile(t, dir, "base.apk", 10)))
	require.Equal(t, dispatch.StatusFailure, out.Status)
	require.Contains(t, out.Message, "Permission denied")
	require.Empty(t, dev.CommandsWithPrefix("pm install-commit"))
	require.Empty(t, h.stats.packages)
}

func TestInstallStreamMode(t *testing.T) {
	dir := t.TempDir()
	dev := &channeltest.Device{}
	h := newHarness(t, dev, config.WriteModeStream)

	big := writeFile(t, dir, "base.apk", 1000)
	empty := writeFile(t, dir, "empty.apk", 0)
	out := h.orch.Install(context.Background(), installRequest(big, empty))
	require.Equal(t, dispatch.StatusSuccess, out.Status, out.Message)
	require.Empty(t, dev.CommandsWithPrefix("cat "))

	sess, _ := dev.Session(1001)
	require.Len(t, sess.Files["base.apk"], 1000)
	data, ok := sess.Files["empty.apk"]
	require.True(t, ok)
	require.Empty(t, data)
}

func TestInstallChannelUnavailable(t *testing.T) {
	dev := &channeltest.Device{}
	h := newHarness(t, dev, config.WriteModePath, channel.ProbeNoTarget)

	out := h.orch.Install(context.Background(), installRequest(writeFile(t, t.TempDir(), "base.apk", 10)))
	require.Equal(t, dispatch.StatusFailure, out.Status)
	require.Contains(t, out.Message, "command channel unavailable")
	require.Empty(t, dev.CommandsWithPrefix("pm install-create"))
	require.Equal(t, 3, h.tr.ProbeCalls())
}

func TestInstallNoFiles(t *testing.T) {
	dev := &channeltest.Device{}
	h := newHarness(t, dev, config.WriteModePath)

	out := h.orch.Install(context.Background(), installRequest())
	require.Equal(t, dispatch.StatusFailure, out.Status)
	require.Equal(t, "no files", out.Message)
	require.Zero(t, h.tr.ProbeCalls())
}

func TestInstallCreateFailure(t *testing.T) {
	dev := &channeltest.Device{CreateResponse: "Failure [INSTALL_FAILED_INSUFFICIENT_STORAGE]"}
	h := newHarness(t, dev, config.WriteModePath)

	out := h.orch.Install(context.Background(), installRequest(writeFile(t, t.TempDir(), "base.apk", 10)))
	require.Equal(t, dispatch.StatusFailure, out.Status)
	require.Equal(t, "Failure [INSTALL_FAILED_INSUFFICIENT_STORAGE]", out.Message)
	require.Empty(t, dev.CommandsWithPrefix("cat "))
}

func TestInstallCommitFailure(t *testing.T) {
	dev := &channeltest.Device{CommitResponse: "Failure [INSTALL_FAILED_VERSION_DOWNGRADE]"}
	h := newHarness(t, dev, config.WriteModePath)

	out := h.orch.Install(context.Background(), installRequest(writeFile(t, t.TempDir(), "base.apk", 10)))
	require.Equal(t, dispatch.StatusFailure, out.Status)
	require.Equal(t, "Failure [INSTALL_FAILED_VERSION_DOWNGRADE]", out.Message)
	require.Empty(t, h.stats.packages)
}

func TestInstallBlankCreateReadsError(t *testing.T) {
	dev := &channeltest.Device{BlankCommands: map[string]string{
		"pm install-create": "java.lang.SecurityException: Permission Denial",
	}}
	h := newHarness(t, dev, config.WriteModePath)

	out := h.orch.Install(context.Background(), installRequest(writeFile(t, t.TempDir(), "base.apk", 10)))
	require.Equal(t, dispatch.StatusFailure, out.Status)
	require.Equal(t, "java.lang.SecurityException: Permission Denial", out.Message)
	require.True(t, h.mgr.Ready())
}

func TestInstallTransportFault(t *testing.T) {
	dev := &channeltest.Device{DropOn: "pm install-commit"}
	h := newHarness(t, dev, config.WriteModePath)

	out := h.orch.Install(context.Background(), installRequest(writeFile(t, t.TempDir(), "base.apk", 10)))
	require.Equal(t, dispatch.StatusFailure, out.Status)
	require.Contains(t, out.Message, "command channel I/O failed")
	require.False(t, h.mgr.Ready())
}

func TestInstallStatsFailureKeepsSuccess(t *testing.T) {
	dev := &channeltest.Device{}
	h := newHarness(t, dev, config.WriteModePath)
	h.stats.err = os.ErrPermission

	out := h.orch.Install(context.Background(), installRequest(writeFile(t, t.TempDir(), "base.apk", 10)))
	require.Equal(t, dispatch.StatusSuccess, out.Status)
}

func TestInstallStatsPanicKeepsSuccess(t *testing.T) {
	dev := &channeltest.Device{}
	h := newHarness(t, dev, config.WriteModePath)
	h.orch.stats = panickingStats{}

	out := h.orch.Install(context.Background(), installRequest(writeFile(t, t.TempDir(), "base.apk", 10)))
	require.Equal(t, dispatch.StatusSuccess, out.Status)
	require.Len(t, dev.CommandsWithPrefix("pm install-commit"), 1)
}

func TestInstallCreateWithoutSessionID(t *testing.T) {
	dev := &channeltest.Device{CreateResponse: "Success"}
	h := newHarness(t, dev, config.WriteModePath)

	out := h.orch.Install(context.Background(), installRequest(writeFile(t, t.TempDir(), "base.apk", 10)))
	require.Equal(t, dispatch.StatusFailure, out.Status)
	require.Len(t, dev.CommandsWithPrefix("pm install-create"), 1)
	require.Empty(t, dev.CommandsWithPrefix("cat "))
	require.Empty(t, dev.CommandsWithPrefix("pm install-write"))
	require.Empty(t, dev.CommandsWithPrefix("pm install-commit"))
	require.Empty(t, h.stats.packages)
}

func TestInstallStreamFaultDropsChannel(t *testing.T) {
	dev := &channeltest.Device{}
	h := newHarness(t, dev, config.WriteModeStream)
	h.tr.StreamWriteErr = errors.New("broken pipe")

	out := h.orch.Install(context.Background(), installRequest(writeFile(t, t.TempDir(), "base.apk", 10)))
	require.Equal(t, dispatch.StatusFailure, out.Status)
	require.Contains(t, out.Message, "stream write failed")
	require.False(t, h.mgr.Ready())

	h.tr.StreamWriteErr = nil
	out = h.orch.Install(context.Background(), installRequest(writeFile(t, t.TempDir(), "base.apk", 10)))
	require.Equal(t, dispatch.StatusSuccess, out.Status, out.Message)
	require.Equal(t, 2, h.tr.ShellCalls())
}

func TestInstallReusesChannel(t *testing.T) {
	dev := &channeltest.Device{}
	h := newHarness(t, dev, config.WriteModePath)
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		out := h.orch.Install(context.Background(), installRequest(writeFile(t, dir, "base.apk", 10)))
		require.Equal(t, dispatch.StatusSuccess, out.Status)
	}
	require.Equal(t, 1, h.tr.ShellCalls())
}

func TestDelete(t *testing.T) {
	dev := &channeltest.Device{}
	dev.Install("org.example.app")
	h := newHarness(t, dev, config.WriteModePath)

	out := h.orch.Run(context.Background(), NewRequest(KindDelete, "org.example.app"))
	require.Equal(t, dispatch.StatusSuccess, out.Status, out.Message)
	require.False(t, dev.Installed("org.example.app"))
	require.Equal(t, []string{"pm clear org.example.app"}, dev.CommandsWithPrefix("pm clear"))
}

func TestDeleteFailure(t *testing.T) {
	dev := &channeltest.Device{}
	h := newHarness(t, dev, config.WriteModePath)

	out := h.orch.Delete(context.Background(), NewRequest(KindDelete, "org.example.missing"))
	require.Equal(t, dispatch.StatusFailure, out.Status)
	require.Equal(t, "Failure [DELETE_FAILED_INTERNAL_ERROR]", out.Message)
}

func TestDeleteClearBlank(t *testing.T) {
	dev := &channeltest.Device{BlankCommands: map[string]string{"pm clear": "Operation not permitted"}}
	dev.Install("org.example.app")
	h := newHarness(t, dev, config.WriteModePath)

	out := h.orch.Delete(context.Background(), NewRequest(KindDelete, "org.example.app"))
	require.Equal(t, dispatch.StatusFailure, out.Status)
	require.Equal(t, "Operation not permitted", out.Message)
	require.Empty(t, dev.CommandsWithPrefix("pm uninstall"))
	require.True(t, dev.Installed("org.example.app"))
}

func TestCopyChunks(t *testing.T) {
	var chunks [][]byte
	w := writerFunc(func(p []byte) (int, error) {
		chunks = append(chunks, bytes.Clone(p))
		return len(p), nil
	})

	n, err := copyChunks(w, bytes.NewReader(make([]byte, 20)), 8)
	require.NoError(t, err)
	require.Equal(t, int64(20), n)
	require.Len(t, chunks, 3)

	chunks = nil
	n, err = copyChunks(w, bytes.NewReader(nil), 8)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, chunks, 1)
	require.Empty(t, chunks[0])
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
