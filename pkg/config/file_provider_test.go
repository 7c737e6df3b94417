package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileProviderPublishesReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	p, err := NewFileProvider(path, nil)
	require.NoError(t, err)
	defer p.Close()

	updates := p.Subscribe()
	require.Len(t, p.Current().Routes, 2)

	updated := strings.Replace(sampleConfig, "burst: 40", "burst: 80", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-updates:
		require.NotNil(t, cfg.Routes[0].RateLimit)
		assert.Equal(t, 80, cfg.Routes[0].RateLimit.Burst)
		assert.Same(t, cfg, p.Current())
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for configuration reload")
	}
}

func TestFileProviderKeepsLastGoodConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	p, err := NewFileProvider(path, nil)
	require.NoError(t, err)
	defer p.Close()

	before := p.Current()
	require.NoError(t, os.WriteFile(path, []byte("routes: [\n"), 0o600))

	assert.Error(t, p.Reload())
	assert.Same(t, before, p.Current())
}

func TestFileProviderRequiresValidInitialConfig(t *testing.T) {
	_, err := NewFileProvider(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)

	_, err = NewFileProvider(writeConfig(t, "upstreams: [{id: core}]\n"), nil)
	assert.Error(t, err)
}

func TestFileProviderSlowSubscriberSeesLatest(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	p, err := NewFileProvider(path, nil)
	require.NoError(t, err)
	defer p.Close()

	updates := p.Subscribe()
	require.NoError(t, p.Reload())
	require.NoError(t, p.Reload())

	latest := p.Current()
	select {
	case cfg := <-updates:
		assert.Same(t, latest, cfg)
	default:
		t.Fatal("expected a pending update")
	}
}
