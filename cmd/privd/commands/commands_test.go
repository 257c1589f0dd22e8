package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/privd/internal/channel"
	"git.home.luguber.info/inful/privd/internal/channel/channeltest"
	"git.home.luguber.info/inful/privd/internal/config"
	"git.home.luguber.info/inful/privd/internal/daemon"
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cli := &CLI{}
	parser, err := kong.New(cli, kong.Name("privd"), kong.Vars{"version": "test"}, kong.Exit(func(int) {}))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = kctx.Run(&Global{Out: &buf}, cli)
	return buf.String(), err
}

// writeConfig writes a configuration with a short socket path and a
// private data directory.
func writeConfig(t *testing.T) string {
	t.Helper()
	runDir, err := os.MkdirTemp("", "privd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(runDir) })

	path := filepath.Join(t.TempDir(), "privd.yaml")
	body := fmt.Sprintf(`version: "1"
daemon:
  socket: %s
  data_dir: %s
handshake:
  interval: 1ms
  max_interval: 1ms
`, filepath.Join(runDir, "privd.sock"), filepath.Join(t.TempDir(), "data"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestInitWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "privd.yaml")
	out, err := run(t, "-c", path, "init")
	require.NoError(t, err)
	require.Contains(t, out, "initialized successfully")

	_, err = config.Load(path)
	require.NoError(t, err)

	_, err = run(t, "-c", path, "init")
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
}

func TestWhitelistCommands(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, "-c", path, "whitelist", "add", "alice", "/usr/bin/store")
	require.NoError(t, err)
	require.Contains(t, out, "added alice")

	out, err = run(t, "-c", path, "whitelist", "add", "alice")
	require.NoError(t, err)
	require.Contains(t, out, "already allowed")

	out, err = run(t, "-c", path, "whitelist", "list")
	require.NoError(t, err)
	require.Contains(t, out, "alice")
	require.Contains(t, out, "/usr/bin/store")

	out, err = run(t, "-c", path, "whitelist", "remove", "alice", "bob")
	require.NoError(t, err)
	require.Contains(t, out, "removed alice")
	require.Contains(t, out, "bob was not allowed")
}

func TestTargetSetAndShow(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, "-c", path, "target", "set", "--host", "192.168.1.30")
	require.NoError(t, err)
	require.Contains(t, out, "adb://192.168.1.30:5555")

	out, err = run(t, "-c", path, "target", "show")
	require.NoError(t, err)
	require.Equal(t, "adb://192.168.1.30:5555\n", out)

	// Other sections survive the rewrite.
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, time.Millisecond, cfg.Handshake.Interval)
}

func TestTargetSetSwitchesDefaultPort(t *testing.T) {
	cmd := TargetSetCmd{Transport: "ssh", SSHUser: "root"}
	target, err := cmd.apply(config.TargetConfig{Transport: config.TransportADB, Host: "h", Port: 5555})
	require.NoError(t, err)
	require.Equal(t, config.TransportSSH, target.Transport)
	require.Equal(t, config.DefaultSSHPort, target.Port)
	require.Equal(t, "root", target.SSH.User)

	_, err = (&TargetSetCmd{Transport: "carrier-pigeon"}).apply(target)
	require.Error(t, err)
}

func TestTargetSetRejectsInvalidTarget(t *testing.T) {
	path := writeConfig(t)
	_, err := run(t, "-c", path, "target", "set", "--transport", "ssh")
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig) || ferrors.HasCategory(err, ferrors.CategoryValidation))
}

func TestEventsOnEmptyStore(t *testing.T) {
	path := writeConfig(t)
	out, err := run(t, "-c", path, "events")
	require.NoError(t, err)
	require.Contains(t, out, "REQUEST")

	out, err = run(t, "-c", path, "events", "--stats")
	require.NoError(t, err)
	require.Contains(t, out, "INSTALLS")
}

func startDaemon(t *testing.T, path string, dev *channeltest.Device) {
	t.Helper()
	cfg, err := config.Load(path)
	require.NoError(t, err)
	d, err := daemon.New(cfg, daemon.Options{
		Factory: func(config.TargetConfig) (channel.Transport, error) { return channeltest.NewTransport(dev), nil },
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
}

func TestClientCommandsDenied(t *testing.T) {
	path := writeConfig(t)
	dev := &channeltest.Device{}
	dev.Install("org.example.old")
	startDaemon(t, path, dev)

	_, err := run(t, "-c", path, "access")
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryAccess))

	_, err = run(t, "-c", path, "delete", "org.example.old")
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryAccess))
	require.Contains(t, ferrors.Describe(err), "not allowed to access privd")
	require.True(t, dev.Installed("org.example.old"))
}

func TestClientCommandsAgainstDaemon(t *testing.T) {
	path := writeConfig(t)
	u, err := user.Current()
	require.NoError(t, err)
	_, err = run(t, "-c", path, "whitelist", "add", u.Username)
	require.NoError(t, err)

	dev := &channeltest.Device{}
	dev.Install("org.example.old")
	startDaemon(t, path, dev)

	out, err := run(t, "-c", path, "access")
	require.NoError(t, err)
	require.Contains(t, out, "has privileged access")

	apk := filepath.Join(t.TempDir(), "base.apk")
	split := filepath.Join(t.TempDir(), "split.apk")
	require.NoError(t, os.WriteFile(apk, []byte("base"), 0o600))
	require.NoError(t, os.WriteFile(split, []byte("split"), 0o600))

	out, err = run(t, "-c", path, "install", "org.example.app", apk, split)
	require.NoError(t, err)
	require.Contains(t, out, "accepted")
	require.Contains(t, out, "org.example.app: Success")

	out, err = run(t, "-c", path, "delete", "org.example.old")
	require.NoError(t, err)
	require.Contains(t, out, "org.example.old: Success")
	require.False(t, dev.Installed("org.example.old"))

	out, err = run(t, "-c", path, "delete", "org.example.missing")
	require.Error(t, err)
	require.Contains(t, ferrors.Describe(err), "DELETE_FAILED")
	require.Contains(t, out, "accepted")

	out, err = run(t, "-c", path, "--socket", "/nonexistent/privd.sock", "access")
	require.Error(t, err)
	require.Empty(t, out)
}
