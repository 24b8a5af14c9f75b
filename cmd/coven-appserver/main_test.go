// ABOUTME: Tests for CLI helpers: flag parsing, config path resolution, and logger setup
// ABOUTME: Commands that touch the network or a database are covered by the appserver package tests

package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-appserver/internal/config"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    map[string]string
		wantErr string
	}{
		{
			name: "space separated",
			args: []string{"--team-id", "T1", "--token", "xoxb-1"},
			want: map[string]string{"team-id": "T1", "token": "xoxb-1"},
		},
		{
			name: "equals form",
			args: []string{"--team-id=T1", "--name=Acme Corp"},
			want: map[string]string{"team-id": "T1", "name": "Acme Corp"},
		},
		{
			name:    "unknown flag",
			args:    []string{"--channel", "C1"},
			wantErr: "unknown flag: --channel",
		},
		{
			name:    "missing value",
			args:    []string{"--token"},
			wantErr: "--token requires a value",
		},
		{
			name:    "positional argument",
			args:    []string{"T1"},
			wantErr: "unexpected argument: T1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args, "team-id", "token", "name")
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("COVEN_APPSERVER_CONFIG", "/etc/coven/appserver.toml")
	assert.Equal(t, "/etc/coven/appserver.toml", getConfigPath())

	t.Setenv("COVEN_APPSERVER_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "coven", "appserver.yaml"), getConfigPath())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestNewLogger_JSON(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"component":"test"`)
}

func TestNewLogger_Text(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug"}, &buf)

	logger.With("component", "appserver").Debug("starting", "addr", ":8080")

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Contains(t, line, "starting")
	assert.Contains(t, line, "component=")
	assert.Contains(t, line, ":8080")
}
