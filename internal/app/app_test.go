package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/config"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/cursor"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"
)

func importConfig() config.ImportConfig {
	return config.ImportConfig{
		BaseDir:         "/data/ledgers",
		ChunkSize:       1 << 20,
		MaxConcurrent:   4,
		MaxWaitTime:     10 * time.Second,
		PollInterval:    time.Second,
		StaleAfter:      5 * time.Minute,
		RefreshTimeout:  20 * time.Second,
		HeaderScanLines: 10,
		Encoding:        "latin1",
	}
}

func TestServiceOptions(t *testing.T) {
	opts, err := ServiceOptions(importConfig())
	require.NoError(t, err)

	assert.Equal(t, "/data/ledgers", opts.BaseDir)
	assert.Equal(t, 1<<20, opts.ChunkSize)
	assert.Equal(t, 4, opts.MaxConcurrent)
	assert.Equal(t, 10*time.Second, opts.MaxWait)
	assert.Equal(t, 5*time.Minute, opts.StaleAfter)
	assert.Equal(t, cursor.Latin1, opts.Encoding)
	assert.Same(t, sped.DefaultLayout(), opts.Layout)
	assert.Nil(t, opts.Refresher)
	assert.Empty(t, opts.Publishers)
}

func TestServiceOptions_LayoutFile(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "sped", "layout.yaml"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "layout.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg := importConfig()
	cfg.LayoutFile = path
	cfg.Encoding = "utf-8"
	opts, err := ServiceOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, cursor.UTF8, opts.Encoding)
	assert.NotSame(t, sped.DefaultLayout(), opts.Layout)
	assert.Equal(t, len(sped.DefaultLayout().Records), len(opts.Layout.Records))
}

func TestServiceOptions_Errors(t *testing.T) {
	cfg := importConfig()
	cfg.Encoding = "ebcdic"
	_, err := ServiceOptions(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMPORT_ENCODING")

	cfg = importConfig()
	cfg.LayoutFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = ServiceOptions(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMPORT_LAYOUT_FILE")
}
