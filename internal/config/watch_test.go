package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nightscout:\n  url: https://ns.example.com\n"), 0o600))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, zaptest.NewLogger(t), func(c *Config) { changes <- c })
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	defer func() {
		cancel()
		_ = w.Stop()
	}()

	// invalid content is ignored
	require.NoError(t, os.WriteFile(path, []byte("loop:\n  interval: 1s\nnightscout:\n  url: https://ns.example.com\n"), 0o600))
	time.Sleep(300 * time.Millisecond)
	select {
	case <-changes:
		t.Fatal("invalid config must not be applied")
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte("loop:\n  enabled: false\nnightscout:\n  url: https://ns.example.com\n"), 0o600))

	select {
	case cfg := <-changes:
		assert.False(t, cfg.Loop.Enabled)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}
