package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netdisco/mdnssd-go/pkg/config"
	"github.com/netdisco/mdnssd-go/pkg/discovery"
)

// TestDefaultIsValid verifies the built-in configuration validates and
// carries the default announcement.
func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, discovery.DefaultServiceDescriptor(), cfg.Descriptor())
	require.Equal(t, []string{"ups", "pdu", "ats"}, cfg.ScanFilter().SubTypes)
	require.Equal(t, config.DefaultScanTopic, cfg.Scan.DefaultScanTopic)
	require.Equal(t, 5*time.Second, cfg.Announce.Delay)
}

// TestParseOverridesDefaults verifies keys present in the file replace
// defaults while absent keys keep them.
func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(`
announce:
  name: "IPM (12345678)"
  port: "8443"
  txt:
    type: ups
    manufacturer: EATON
scan:
  auto: true
  manufacturer: EATON
  filter_key: model
  filter_value: 9PX
  timeout: 3s
log:
  level: debug
`))
	require.NoError(t, err)

	require.Equal(t, "IPM (12345678)", cfg.Announce.Name)
	require.Equal(t, "8443", cfg.Announce.Port)
	require.Equal(t, discovery.DefaultServiceType, cfg.Announce.Type)
	require.Equal(t, discovery.TXTRecordMap{"type": "ups", "manufacturer": "EATON"}, cfg.TXTRecords())
	require.True(t, cfg.Scan.Auto)
	require.Equal(t, 3*time.Second, cfg.Scan.Timeout)

	f := cfg.ScanFilter()
	require.Equal(t, "EATON", f.Manufacturer)
	require.Equal(t, "model", f.CustomKey)
	require.Equal(t, "9PX", f.CustomValue)

	level, err := config.ParseLevel(cfg.Log.Level)
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)
}

// TestParseErrors verifies malformed and invalid files are rejected with a
// LoadError.
func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "announce: [unclosed"},
		{"bad port", "announce:\n  port: https\n"},
		{"empty name", "announce:\n  name: \"\"\n"},
		{"empty scan type", "scan:\n  type: \"\"\n"},
		{"bad level", "log:\n  level: loud\n"},
		{"negative timeout", "scan:\n  timeout: -1s\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.yaml))
			var le *config.LoadError
			require.True(t, errors.As(err, &le), "got %v", err)
		})
	}
}

// TestLoadReportsFile verifies Load errors name the file.
func TestLoadReportsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdnssd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("announce:\n  port: \"0\"\n"), 0o644))

	_, err := config.Load(path)
	var le *config.LoadError
	require.True(t, errors.As(err, &le))
	require.Equal(t, path, le.File)
	require.ErrorIs(t, err, discovery.ErrInvalidDescriptor)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
