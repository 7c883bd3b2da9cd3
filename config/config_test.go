package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/p2pconn/muxer"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{muxer.YamuxID, muxer.MplexID}, cfg.Muxers)
	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, lvl)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
listen_addr: 0.0.0.0:9000
muxers: [/mplex/6.7.0]
upgrade_timeout: 3s
prologue: testnet
log_level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, []string{muxer.MplexID}, cfg.Muxers)
	assert.Equal(t, 3*time.Second, cfg.UpgradeTimeout)
	assert.Equal(t, "testnet", cfg.Prologue)
	assert.Equal(t, "identity.key", cfg.IdentityPath, "unset field keeps default")

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, lvl)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		err  error
	}{
		{"unknown muxer", "muxers: [/spdy/3.1.0]", ErrUnknownMuxer},
		{"empty muxers", "muxers: []", ErrNoMuxers},
		{"zero timeout", "upgrade_timeout: 0s", ErrInvalidTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	_, err := Parse([]byte("muxers: [/yamux/1.0.0, /yamux/1.0.0]"))
	assert.Error(t, err)
	_, err = Parse([]byte("log_level: loud"))
	assert.Error(t, err)
	_, err = Parse([]byte("listen_addr: [unterminated"))
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	cfg := Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:9100"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
