package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func Test_makeNotifier(t *testing.T) {
	opts.Notify.Webhooks = nil
	opts.Notify.SlackToken, opts.Notify.SlackChannels = "", nil
	opts.Notify.TelegramToken, opts.Notify.TelegramChats = "", nil
	svc, err := makeNotifier()
	require.NoError(t, err)
	assert.Nil(t, svc, "no destinations, no notifier")

	opts.Notify.Webhooks = []string{"http://localhost:9999/hook"}
	svc, err = makeNotifier()
	require.NoError(t, err)
	require.NotNil(t, svc)
	assert.Contains(t, svc.String(), "http://localhost:9999/hook")
	opts.Notify.Webhooks = nil
}

func Test_makeSuite(t *testing.T) {
	opts.Suite = ""
	cfg, err := makeSuite()
	require.NoError(t, err)
	assert.Len(t, cfg.Groups, 5, "built-in graph")

	fname := filepath.Join(t.TempDir(), "suite.yml")
	data := "groups:\n  - name: smoke\n    patterns: [\"tests/smoke\"]\n    final: true\n"
	require.NoError(t, os.WriteFile(fname, []byte(data), 0o600))
	opts.Suite = fname
	cfg, err = makeSuite()
	require.NoError(t, err)
	require.Len(t, cfg.Groups, 1)
	assert.Equal(t, "smoke", cfg.Groups[0].Name)

	opts.Suite = filepath.Join(t.TempDir(), "missing.yml")
	_, err = makeSuite()
	assert.Error(t, err)
	opts.Suite = ""
}

func Test_pollAttempts(t *testing.T) {
	tests := []struct {
		name     string
		budget   time.Duration
		interval time.Duration
		want     int
	}{
		{"zero budget keeps default", 0, 500 * time.Millisecond, 0},
		{"negative budget keeps default", -time.Second, 500 * time.Millisecond, 0},
		{"two minutes at half second", 2 * time.Minute, 500 * time.Millisecond, 240},
		{"budget under one interval", 100 * time.Millisecond, 500 * time.Millisecond, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pollAttempts(tt.budget, tt.interval))
		})
	}
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Dbg = false
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsDbgShortcut(t *testing.T) {
	opts.Dbg = true
	opts.Log.Enabled, opts.Log.Debug = false, false
	opts.Log.Filename = ""

	out := setupLogs()
	assert.Equal(t, os.Stdout, out)
	assert.True(t, opts.Log.Enabled, "--dbg forces logging on")
	assert.True(t, opts.Log.Debug)
	opts.Dbg = false
}

func Test_setupLogsToFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	opts.Dbg = false
	opts.Log.Enabled = true
	opts.Log.Filename = tmpfile.Name()
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile.Name(), logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)

	opts.Log.Enabled, opts.Log.Filename = false, ""
}
