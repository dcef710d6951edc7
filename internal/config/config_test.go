package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty target host",
			mutate:  func(c *Config) { c.TargetHost = "" },
			wantErr: "target host",
		},
		{
			name:    "target port out of range",
			mutate:  func(c *Config) { c.TargetPort = 0 },
			wantErr: "out of range",
		},
		{
			name:    "local port out of range",
			mutate:  func(c *Config) { c.EventsPort = 70000 },
			wantErr: "out of range",
		},
		{
			name: "duplicate local ports",
			mutate: func(c *Config) {
				c.DynamicsPort = 9230
				c.EventsPort = 9230
			},
			wantErr: "must differ",
		},
		{
			name:    "non-positive poll interval",
			mutate:  func(c *Config) { c.PollInterval = 0 },
			wantErr: "poll interval",
		},
		{
			name:    "styleguide without dump",
			mutate:  func(c *Config) { c.StyleguideVersion = "v19" },
			wantErr: "requires --dump",
		},
		{
			name: "unknown styleguide version",
			mutate: func(c *Config) {
				c.DumpDir = t.TempDir()
				c.StyleguideVersion = "v99"
			},
			wantErr: "unknown styleguide version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateCreatesDumpDir(t *testing.T) {
	cfg := Default()
	cfg.DumpDir = filepath.Join(t.TempDir(), "scripts", "out")

	require.NoError(t, cfg.Validate())
	assert.DirExists(t, cfg.DumpDir)
}

func TestParseProjectConfig(t *testing.T) {
	cfg, err := ParseProjectConfig(`
target {
    host "192.168.1.100"
    port 9223
}

proxy {
    dynamics-port 9330
    events-port 9331
    poll-interval 2
}

dump {
    dir "./scripts"
    long-paths true
    styleguide "v19"
}
`)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.100", cfg.TargetHost)
	assert.Equal(t, 9223, cfg.TargetPort)
	assert.Equal(t, 9330, cfg.DynamicsPort)
	assert.Equal(t, 9331, cfg.EventsPort)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, "./scripts", cfg.DumpDir)
	assert.True(t, cfg.LongPaths)
	assert.Equal(t, "v19", cfg.StyleguideVersion)
}

func TestParseProjectConfigPartial(t *testing.T) {
	cfg, err := ParseProjectConfig(`target { host "plc-7" }`)
	require.NoError(t, err)

	assert.Equal(t, "plc-7", cfg.TargetHost)
	assert.Equal(t, DefaultTargetPort, cfg.TargetPort)
	assert.Equal(t, DefaultDynamicsPort, cfg.DynamicsPort)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
}

func TestParseProjectConfigMalformed(t *testing.T) {
	_, err := ParseProjectConfig(`target { host `)
	assert.Error(t, err)
}

func TestLoadProjectConfigMissingFile(t *testing.T) {
	cfg, err := LoadProjectConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
