package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/privd/internal/channel"
	"git.home.luguber.info/inful/privd/internal/channel/channeltest"
	"git.home.luguber.info/inful/privd/internal/config"
	"git.home.luguber.info/inful/privd/internal/eventstore"
	"git.home.luguber.info/inful/privd/internal/server"
)

type fakeTargets struct {
	mu      sync.Mutex
	dev     *channeltest.Device
	targets []config.TargetConfig
}

func (f *fakeTargets) factory(target config.TargetConfig) (channel.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	tr := channeltest.NewTransport(f.dev)
	tr.TargetName = fmt.Sprintf("%s:%d", target.Host, target.Port)
	return tr, nil
}

func (f *fakeTargets) built() []config.TargetConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]config.TargetConfig(nil), f.targets...)
}

func currentUser(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	require.NoError(t, err)
	return u.Username
}

func testConfig(t *testing.T, whitelist ...string) (*config.Config, string) {
	t.Helper()
	runDir, err := os.MkdirTemp("", "privd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(runDir) })

	body := fmt.Sprintf(`version: "1"
daemon:
  socket: %s
  data_dir: %s
  admin_addr: 127.0.0.1:0
  queue_size: 4
target:
  transport: adb
  host: 127.0.0.1
  port: 5555
handshake:
  interval: 1ms
  max_interval: 1ms
  no_target_attempts: 2
  not_ready_attempts: 2
`, filepath.Join(runDir, "privd.sock"), filepath.Join(t.TempDir(), "data"))
	if len(whitelist) > 0 {
		body += "whitelist:\n"
		for _, id := range whitelist {
			body += fmt.Sprintf("  - %q\n", id)
		}
	}
	path := filepath.Join(t.TempDir(), "privd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg, path
}

func startDaemon(t *testing.T, cfg *config.Config, opts Options) *Daemon {
	t.Helper()
	d, err := New(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func TestDaemonInstallsForWhitelistedCaller(t *testing.T) {
	cfg, _ := testConfig(t, currentUser(t))
	targets := &fakeTargets{dev: &channeltest.Device{}}
	d := startDaemon(t, cfg, Options{Factory: targets.factory})
	require.Equal(t, StatusRunning, d.Status())

	apk := filepath.Join(t.TempDir(), "app.apk")
	require.NoError(t, os.WriteFile(apk, []byte("apk-bytes"), 0o600))

	client := server.NewClient(cfg.Daemon.Socket)
	access, err := client.Access(context.Background())
	require.NoError(t, err)
	require.True(t, access.Allowed)

	receipt, err := client.Install(context.Background(), "org.example.app", apk, "")
	require.NoError(t, err)
	require.True(t, receipt.Accepted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := client.Wait(ctx, receipt.RequestID, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "success", status.Status, status.Message)

	session, ok := targets.dev.Session(1001)
	require.True(t, ok)
	require.True(t, session.Committed)

	stats, err := d.events.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, "org.example.app", stats[0].PackageID)
}

func TestDaemonDeniesUnknownCaller(t *testing.T) {
	cfg, _ := testConfig(t)
	targets := &fakeTargets{dev: &channeltest.Device{}}
	startDaemon(t, cfg, Options{Factory: targets.factory})

	client := server.NewClient(cfg.Daemon.Socket)
	receipt, err := client.Delete(context.Background(), "org.example.app", "")
	require.NoError(t, err)
	require.False(t, receipt.Accepted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := client.Wait(ctx, receipt.RequestID, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "failure", status.Status)
	require.Contains(t, status.Message, "not allowed to access privd")
	require.Empty(t, targets.dev.Commands())
}

func TestDaemonAdminServer(t *testing.T) {
	cfg, _ := testConfig(t)
	d := startDaemon(t, cfg, Options{Factory: (&fakeTargets{dev: &channeltest.Device{}}).factory})

	resp, err := http.Get("http://" + d.AdminAddr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"target":"127.0.0.1:5555"`)

	resp, err = http.Get("http://" + d.AdminAddr() + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Contains(t, string(body), "privd_queue_depth")
	require.Contains(t, string(body), "go_goroutines")
}

func TestApplyConfigReconfiguresTarget(t *testing.T) {
	cfg, _ := testConfig(t)
	targets := &fakeTargets{dev: &channeltest.Device{}}
	d := startDaemon(t, cfg, Options{Factory: targets.factory})

	next := *cfg
	next.Target.Host = "10.0.0.7"
	next.Whitelist = []string{"com.example.store"}
	require.NoError(t, d.ApplyConfig(context.Background(), &next))

	require.Len(t, targets.built(), 2)
	require.Equal(t, "10.0.0.7:5555", d.TargetAddress())
	require.True(t, d.whitelist.Contains("com.example.store"))

	// An unchanged target is not rebuilt.
	require.NoError(t, d.ApplyConfig(context.Background(), &next))
	require.Len(t, targets.built(), 2)
}

func TestRestartRequired(t *testing.T) {
	cfg := config.Default()
	same := *cfg
	require.False(t, restartRequired(cfg, &same))

	keep := true
	withKeep := *cfg
	withKeep.Install.KeepChannel = &keep
	require.False(t, restartRequired(cfg, &withKeep))

	moved := *cfg
	moved.Daemon.Socket = "/tmp/other.sock"
	require.True(t, restartRequired(cfg, &moved))
}

func TestPruneEventsHonoursRetention(t *testing.T) {
	cfg, _ := testConfig(t)
	d, err := New(cfg, Options{Factory: (&fakeTargets{dev: &channeltest.Device{}}).factory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	e, err := eventstore.NewAccessDenied("r-1", "intruder", "org.example", "delete")
	require.NoError(t, err)
	require.NoError(t, eventstore.AppendEvent(context.Background(), d.events, e))

	d.retention = -time.Hour
	d.pruneEvents()

	events, err := d.events.GetByRequestID(context.Background(), "r-1")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStopIsIdempotent(t *testing.T) {
	cfg, _ := testConfig(t)
	d := startDaemon(t, cfg, Options{Factory: (&fakeTargets{dev: &channeltest.Device{}}).factory})
	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()))
	require.Equal(t, StatusStopped, d.Status())

	_, err := os.Stat(cfg.Daemon.Socket)
	require.True(t, os.IsNotExist(err))
}
