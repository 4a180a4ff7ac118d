package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvorsen/vtsd/internal/config"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vtsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeYAML(t, "transports: [vts]\n")
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":4433", cfg.Listen)
	assert.Equal(t, []string{"vts"}, cfg.Transports)
	assert.Equal(t, 16384, cfg.Handshake.Limit)
	assert.Equal(t, []string{"aes256-cbc"}, cfg.VTS.Ciphers)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeYAML(t, `
listen: ":8443"
transports: ["vts", "plain"]
handshake:
  limit: 4096
log:
  level: debug
  pattern: json
`)
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.Listen)
	assert.Equal(t, []string{"vts", "plain"}, cfg.Transports)
	assert.Equal(t, 4096, cfg.Handshake.Limit)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Pattern)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeYAML(t, "transports: [vts]\nlisten: \":1\"\n")
	t.Setenv("VTSD_LISTEN", ":2")
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, ":2", cfg.Listen)
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	path := writeYAML(t, "transports: [carrier-pigeon]\n")
	_, err := config.Load(path, nil)
	assert.Error(t, err)
}

func TestValidateRequiresTLSFilesWhenTLSEnabled(t *testing.T) {
	path := writeYAML(t, "transports: [tls]\n")
	_, err := config.Load(path, nil)
	assert.Error(t, err)

	path = writeYAML(t, `
transports: [tls]
tls:
  cert_file: /tmp/cert.pem
  key_file: /tmp/key.pem
`)
	_, err = config.Load(path, nil)
	assert.NoError(t, err)
}

func TestHasTransport(t *testing.T) {
	cfg := &config.Config{Transports: []string{"vts", "plain"}}
	assert.True(t, cfg.HasTransport("vts"))
	assert.False(t, cfg.HasTransport("tls"))
}
