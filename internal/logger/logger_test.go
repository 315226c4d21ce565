package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console output", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := newWithConsole(Config{Level: "info", Console: true}, &buf)
		require.NoError(t, err)
		defer l.Close()

		l.Info().Str("lane", "main").Msg("Task enqueued")
		assert.Contains(t, buf.String(), `"lane":"main"`)
		assert.Contains(t, buf.String(), "Task enqueued")
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "hive.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)
		l.Debug().Msg("hello file")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello file")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := newWithConsole(Config{Level: "loud", Console: true}, &buf)
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
	})

	t.Run("redaction", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := newWithConsole(Config{Level: "info", Console: true, Redaction: true}, &buf)
		require.NoError(t, err)

		l.Info().Str("key", "sk-ant-REDACTED").Msg("configured")
		assert.NotContains(t, buf.String(), "abcdefghijklmnopqrstuvwxyz")
		assert.Contains(t, buf.String(), "[REDACTED]")
	})
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	l := Component(zerolog.New(&buf), "lanequeue")
	l.Info().Msg("x")
	assert.Contains(t, buf.String(), `"component":"lanequeue"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
}

func TestRedactor(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name  string
		input string
		leak  string
	}{
		{"openai key", "key=sk-abcdefghijklmnopqrstuvwx", "abcdefghijklmnopqrstuvwx"},
		{"google key", "AIza" + "0123456789abcdefghijklmnopqrstuvwxy", "0123456789abcdefghij"},
		{"github token", "ghp_" + "abcdefghijklmnopqrstuvwxyz0123456789", "abcdefghijklmnopqrstuvwxyz0123456789"},
		{"bearer", "Authorization: Bearer abc.def.ghi", "abc.def.ghi"},
		{"password", `password: hunter2`, "hunter2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Redact(tt.input)
			assert.NotContains(t, out, tt.leak)
			assert.Contains(t, out, "[REDACTED]")
		})
	}

	t.Run("custom pattern", func(t *testing.T) {
		require.NoError(t, r.AddPattern(`internal-\d+`))
		assert.Equal(t, "id [REDACTED]", r.Redact("id internal-42"))
		assert.Error(t, r.AddPattern("("))
	})
}

func TestRotatingWriter(t *testing.T) {
	t.Run("rotates past max size", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "app.log")

		rw, err := NewRotatingWriter(path, 1, 0)
		require.NoError(t, err)
		defer rw.Close()

		chunk := bytes.Repeat([]byte("x"), 600*1024)
		_, err = rw.Write(chunk)
		require.NoError(t, err)
		_, err = rw.Write(chunk)
		require.NoError(t, err)

		matches, err := filepath.Glob(path + ".*")
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})

	t.Run("write after close fails", func(t *testing.T) {
		rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "a.log"), 0, 0)
		require.NoError(t, err)
		require.NoError(t, rw.Close())
		_, err = rw.Write([]byte("x"))
		assert.ErrorIs(t, err, os.ErrClosed)
	})

	t.Run("removes expired rotations", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "app.log")
		old := path + ".20200101-000000.000"
		require.NoError(t, os.WriteFile(old, []byte("old"), 0644))
		past := time.Now().AddDate(0, 0, -30)
		require.NoError(t, os.Chtimes(old, past, past))

		rw, err := NewRotatingWriter(path, 1, 7)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(old)
		assert.True(t, os.IsNotExist(err))
	})
}
