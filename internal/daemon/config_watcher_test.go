package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/privd/internal/config"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied []*config.Config
}

func (r *recordingApplier) ApplyConfig(_ context.Context, cfg *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, cfg)
	return nil
}

func (r *recordingApplier) last() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.applied) == 0 {
		return nil
	}
	return r.applied[len(r.applied)-1]
}

func (r *recordingApplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func TestConfigWatcherAppliesSavedTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "privd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\ntarget:\n  host: 127.0.0.1\n"), 0o600))

	applier := &recordingApplier{}
	cw, err := NewConfigWatcher(path, applier, nil)
	require.NoError(t, err)
	cw.debounceTime = 20 * time.Millisecond
	require.NoError(t, cw.Start(context.Background()))
	t.Cleanup(func() { _ = cw.Stop() })

	require.NoError(t, config.SaveTarget(path, config.TargetConfig{
		Transport: config.TransportADB, Host: "192.168.1.20", Port: 5555,
	}))

	require.Eventually(t, func() bool {
		cfg := applier.last()
		return cfg != nil && cfg.Target.Host == "192.168.1.20"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConfigWatcherIgnoresInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "privd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\n"), 0o600))

	applier := &recordingApplier{}
	cw, err := NewConfigWatcher(path, applier, nil)
	require.NoError(t, err)
	cw.debounceTime = 20 * time.Millisecond
	require.NoError(t, cw.Start(context.Background()))
	t.Cleanup(func() { _ = cw.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("version: \"9\"\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	require.Zero(t, applier.count())
}

func TestConfigWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "privd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\n"), 0o600))

	applier := &recordingApplier{}
	cw, err := NewConfigWatcher(path, applier, nil)
	require.NoError(t, err)
	cw.debounceTime = 20 * time.Millisecond
	require.NoError(t, cw.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))
	time.Sleep(200 * time.Millisecond)
	require.Zero(t, applier.count())

	require.NoError(t, cw.Stop())
	require.NoError(t, cw.Stop())
}
