package scanning

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/naabu2nmap/internal/errors"
)

const writeReportScript = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-oX" ]; then out="$2"; fi
  shift
done
echo '<nmaprun scanner="nmap"><host><address addr="10.0.0.1"/></host></nmaprun>' > "$out"
`

const failingScript = `#!/bin/sh
echo "Failed to resolve target" >&2
exit 1
`

const sleepingScript = `#!/bin/sh
exec sleep 30
`

// fakeNmap writes an executable shell script standing in for nmap.
func fakeNmap(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "nmap")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func indexOf(args []string, arg string) int {
	return slices.Index(args, arg)
}

func TestNmapRunnerCommand(t *testing.T) {
	bin := fakeNmap(t, writeReportScript)
	outDir := t.TempDir()
	job := NewJob("10.0.0.1", []string{"80", "443"}, outDir)

	runner := NewNmapRunner(NmapConfig{Binary: bin})
	path, args, err := runner.Command(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, bin, path)

	t.Run("fixed profile", func(t *testing.T) {
		for _, flag := range []string{"-sS", "-sV", "-sC", "--version-all", "--open", "--reason", "-T4", "-Pn"} {
			assert.Contains(t, args, flag)
		}
		joined := strings.Join(args, " ")
		assert.Contains(t, joined, "vuln,default")
	})

	t.Run("ports keep discovery order", func(t *testing.T) {
		i := indexOf(args, "-p")
		require.GreaterOrEqual(t, i, 0)
		require.Less(t, i+1, len(args))
		assert.Equal(t, "80,443", args[i+1])
	})

	t.Run("xml output goes to the report path", func(t *testing.T) {
		i := indexOf(args, "-oX")
		require.GreaterOrEqual(t, i, 0)
		require.Less(t, i+1, len(args))
		assert.Equal(t, filepath.Join(outDir, "scan_10.0.0.1.xml"), args[i+1])
	})

	t.Run("host is the last argument", func(t *testing.T) {
		require.NotEmpty(t, args)
		assert.Equal(t, "10.0.0.1", args[len(args)-1])
		assert.Less(t, indexOf(args, "-p"), indexOf(args, "-oX"))
	})

	t.Run("extra arguments come before the output flag", func(t *testing.T) {
		runner := NewNmapRunner(NmapConfig{Binary: bin, ExtraArgs: []string{"--max-retries", "2"}})
		_, args, err := runner.Command(context.Background(), job)
		require.NoError(t, err)

		i := indexOf(args, "--max-retries")
		require.GreaterOrEqual(t, i, 0)
		assert.Less(t, i, indexOf(args, "-oX"))
		assert.Equal(t, "10.0.0.1", args[len(args)-1])
	})
}

func TestNmapRunnerRun(t *testing.T) {
	t.Run("successful scan writes the report", func(t *testing.T) {
		runner := NewNmapRunner(NmapConfig{Binary: fakeNmap(t, writeReportScript)})
		job := NewJob("10.0.0.1", []string{"80"}, t.TempDir())

		require.NoError(t, runner.Run(context.Background(), job))
		assert.FileExists(t, job.ReportPath)
	})

	t.Run("non-zero exit is a scan failure", func(t *testing.T) {
		runner := NewNmapRunner(NmapConfig{Binary: fakeNmap(t, failingScript)})
		job := NewJob("10.0.0.1", []string{"80"}, t.TempDir())

		err := runner.Run(context.Background(), job)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeScanFailed))
		assert.NoFileExists(t, job.ReportPath)

		var scanErr *errors.ScanError
		require.ErrorAs(t, err, &scanErr)
		assert.Equal(t, "10.0.0.1", scanErr.Target)
		assert.Equal(t, "Failed to resolve target", scanErr.Context["stderr"])
	})

	t.Run("missing binary", func(t *testing.T) {
		runner := NewNmapRunner(NmapConfig{Binary: filepath.Join(t.TempDir(), "no-such-nmap")})
		job := NewJob("10.0.0.1", []string{"80"}, t.TempDir())

		err := runner.Run(context.Background(), job)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeToolNotFound))
	})

	t.Run("cancellation kills the process", func(t *testing.T) {
		runner := NewNmapRunner(NmapConfig{Binary: fakeNmap(t, sleepingScript), WaitDelay: 100 * time.Millisecond})
		job := NewJob("10.0.0.1", []string{"80"}, t.TempDir())

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := runner.Run(ctx, job)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeCanceled))
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestNewNmapRunnerDefaults(t *testing.T) {
	r := NewNmapRunner(NmapConfig{})
	assert.Equal(t, "nmap", r.config.Binary)
	assert.Equal(t, defaultWaitDelay, r.config.WaitDelay)
}
