package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	base := t.TempDir()
	return &Config{
		PCRoot:      filepath.Join(base, "pc"),
		USBRoot:     filepath.Join(base, "usb"),
		MachineName: "laptop",
	}
}

func TestConfig_Validate_Defaults(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultDBName, cfg.DBName)
	assert.Equal(t, NewerWins, cfg.ConflictPolicy)
	assert.Equal(t, DefaultCopyAttempts, cfg.CopyAttempts)
	assert.Equal(t, time.Duration(0), cfg.CopyBackoff)
	assert.Equal(t, "laptop", cfg.MachineName)
	assert.True(t, filepath.IsAbs(cfg.PCRoot))
}

func TestConfig_Validate_ResolvesRelativeRoots(t *testing.T) {
	cfg := &Config{PCRoot: "./pc", USBRoot: "./usb", MachineName: "pc"}
	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.PCRoot))
	assert.True(t, filepath.IsAbs(cfg.USBRoot))
}

func TestConfig_Validate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{"missing pc root", func(c *Config) { c.PCRoot = "" }, ErrNoPCRoot},
		{"missing usb root", func(c *Config) { c.USBRoot = "" }, ErrNoUSBRoot},
		{"bad policy", func(c *Config) { c.ConflictPolicy = "coin-flip" }, ErrInvalidPolicy},
		{"negative attempts", func(c *Config) { c.CopyAttempts = -1 }, ErrInvalidAttempts},
		{"negative backoff", func(c *Config) { c.CopyBackoff = -time.Second }, ErrNegativeBackoff},
		{"nested db name", func(c *Config) { c.DBName = "sub/metadata.db" }, ErrInvalidDBName},
		{"dry run log in local replica", func(c *Config) {
			c.DryRun = true
			c.LogPath = filepath.Join(c.PCRoot, "sync.log")
		}, ErrSinkInReplica},
		{"dry run report on removable", func(c *Config) {
			c.DryRun = true
			c.ReportPath = filepath.Join(c.USBRoot, "reports", "run.json")
		}, ErrSinkInReplica},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestParseConflictPolicy(t *testing.T) {
	p, err := ParseConflictPolicy("KEEP-BOTH")
	require.NoError(t, err)
	assert.Equal(t, KeepBoth, p)

	p, err = ParseConflictPolicy("")
	require.NoError(t, err)
	assert.Equal(t, NewerWins, p)

	_, err = ParseConflictPolicy("theirs")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestDefaultMachineName(t *testing.T) {
	assert.NotEmpty(t, DefaultMachineName())
}

func TestConfig_Validate_SinksInsideReplica(t *testing.T) {
	cfg := validConfig(t)
	cfg.LogPath = filepath.Join(cfg.PCRoot, "sync.log")
	require.NoError(t, cfg.Validate(), "a real run may log into the local replica, the scanner skips the file")

	cfg = validConfig(t)
	cfg.DryRun = true
	cfg.LogPath = filepath.Join(filepath.Dir(cfg.PCRoot), "sync.log")
	cfg.ReportPath = filepath.Join(filepath.Dir(cfg.PCRoot), "report.yaml")
	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.LogPath))
}
