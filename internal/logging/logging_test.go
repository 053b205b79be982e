package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, LevelInfo, cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, DefaultLogFile, cfg.Output)
	assert.False(t, cfg.AddSource)
}

func TestNewWithWriter(t *testing.T) {
	t.Run("text format carries time level and message", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, Config{Level: LevelInfo, Format: FormatText})

		logger.ErrorScan("nmap failed", "10.0.0.1", fmt.Errorf("exit status 1"))

		out := buf.String()
		assert.Contains(t, out, "time=")
		assert.Contains(t, out, "level=ERROR")
		assert.Contains(t, out, `msg="nmap failed"`)
		assert.Contains(t, out, "target=10.0.0.1")
		assert.Contains(t, out, `error="exit status 1"`)
	})

	t.Run("json format", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, Config{Level: LevelInfo, Format: FormatJSON})

		logger.InfoScan("scan started", "10.0.0.2", "ports", "22")

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "INFO", record["level"])
		assert.Equal(t, "scan started", record["msg"])
		assert.Equal(t, "10.0.0.2", record["target"])
		assert.Equal(t, "22", record["ports"])
	})

	t.Run("level filters lower records", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, Config{Level: LevelError})

		logger.Info("hidden")
		logger.Warn("hidden too")
		assert.Empty(t, buf.String())

		logger.Error("shown")
		assert.Contains(t, buf.String(), "shown")
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{"ERROR", "ERROR"},
		{"bogus", "INFO"},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level).String())
		})
	}
}

func TestNewFileOutputAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nmap_scan.log")

	first, err := New(Config{Level: LevelInfo, Output: path})
	require.NoError(t, err)
	first.Error("first run")
	require.NoError(t, first.Close())

	second, err := New(Config{Level: LevelInfo, Output: path})
	require.NoError(t, err)
	second.Error("second run")
	require.NoError(t, second.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "first run")
	assert.Contains(t, lines[1], "second run")
}

func TestConcurrentWritesStayLineAtomic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&syncWriter{w: &buf}, Config{Level: LevelInfo})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.ErrorScan("nmap failed", fmt.Sprintf("10.0.0.%d", i), nil)
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 50)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "time="), "line should start with time: %q", line)
		assert.Contains(t, line, "target=10.0.0.")
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: LevelInfo}).
		WithRunID("run-1").
		WithComponent("dispatcher").
		WithTarget("10.0.0.9")

	logger.Info("dispatched")

	out := buf.String()
	assert.Contains(t, out, "run_id=run-1")
	assert.Contains(t, out, "component=dispatcher")
	assert.Contains(t, out, "target=10.0.0.9")
}

func TestCloseIsIdempotent(t *testing.T) {
	logger := NewDiscard()
	assert.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}

func TestSetDefault(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	var buf bytes.Buffer
	SetDefault(NewWithWriter(&buf, Config{Level: LevelDebug}))

	Default().Debug("debug message")
	Default().WithComponent("cli").Error("error message")

	out := buf.String()
	assert.Contains(t, out, "debug message")
	assert.Contains(t, out, "component=cli")
}

// syncWriter serialises writes to a bytes.Buffer, which is not safe for
// concurrent use on its own.
type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
