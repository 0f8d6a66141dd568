package mixer

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStub creates a fake encoder executable that ignores its arguments.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testSupervisor(t *testing.T, stub string, opts Options) *Supervisor {
	t.Helper()
	cfg := baseConfig()
	cfg.Output = filepath.Join(t.TempDir(), "playlist.m3u8")
	opts.FFmpegPath = stub
	return New(cfg, opts)
}

func spawnCount(t *testing.T, logPath string) int {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if err != nil {
		return 0
	}
	return len(strings.Fields(string(data)))
}

func TestStartFailsWhenExecutableMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv("FFMPEG_PATH", "")

	sup := testSupervisor(t, "", Options{})
	err := sup.Start(true)

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.False(t, sup.IsRunning())

	select {
	case <-sup.Done():
	default:
		t.Fatal("supervision loop should be finished after a launch failure")
	}
}

func TestCrashRestartWithGrowingBackoff(t *testing.T) {
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	t.Setenv("SPAWN_LOG", spawnLog)
	stub := writeStub(t, "#!/bin/sh\ndate +%s%N >> \"$SPAWN_LOG\"\nexit 1\n")

	sup := testSupervisor(t, stub, Options{
		RestartBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
	})
	require.NoError(t, sup.Start(true))
	defer sup.Stop(time.Second)

	require.Eventually(t, func() bool {
		return spawnCount(t, spawnLog) >= 4
	}, 5*time.Second, 10*time.Millisecond)

	sup.Stop(time.Second)

	data, err := os.ReadFile(spawnLog)
	require.NoError(t, err)
	fields := strings.Fields(string(data))
	require.GreaterOrEqual(t, len(fields), 4)

	stamps := make([]int64, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		require.NoError(t, err)
		stamps = append(stamps, n)
	}

	// Each respawn gap must respect at least the doubled delay.
	minGaps := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, min := range minGaps {
		gap := time.Duration(stamps[i+1] - stamps[i])
		assert.GreaterOrEqual(t, gap, min, "gap %d", i)
	}
}

func TestStopTerminatesAndSuppressesRestart(t *testing.T) {
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	t.Setenv("SPAWN_LOG", spawnLog)
	stub := writeStub(t, "#!/bin/sh\necho x >> \"$SPAWN_LOG\"\nexec sleep 60\n")

	sup := testSupervisor(t, stub, Options{RestartBackoff: 10 * time.Millisecond})
	require.NoError(t, sup.Start(true))
	assert.True(t, sup.IsRunning())

	done := make(chan struct{})
	go func() {
		sup.Stop(2 * time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.False(t, sup.IsRunning())
	count := spawnCount(t, spawnLog)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, count, spawnCount(t, spawnLog), "no respawn after Stop")
}

func TestStopDuringBackoffWindow(t *testing.T) {
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	t.Setenv("SPAWN_LOG", spawnLog)
	stub := writeStub(t, "#!/bin/sh\necho x >> \"$SPAWN_LOG\"\nexit 1\n")

	sup := testSupervisor(t, stub, Options{RestartBackoff: 500 * time.Millisecond})
	require.NoError(t, sup.Start(true))

	// Let the first process crash, then stop inside the backoff wait.
	require.Eventually(t, func() bool {
		return spawnCount(t, spawnLog) == 1 && !sup.IsRunning()
	}, 2*time.Second, 5*time.Millisecond)

	sup.Stop(time.Second)
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, 1, spawnCount(t, spawnLog))
}

func TestNoRestartWhenAutoRestartDisabled(t *testing.T) {
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	t.Setenv("SPAWN_LOG", spawnLog)
	stub := writeStub(t, "#!/bin/sh\necho x >> \"$SPAWN_LOG\"\nexit 0\n")

	sup := testSupervisor(t, stub, Options{RestartBackoff: 10 * time.Millisecond})
	require.NoError(t, sup.Start(false))

	select {
	case <-sup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop should exit after a clean run without auto-restart")
	}
	assert.Equal(t, 1, spawnCount(t, spawnLog))
	assert.False(t, sup.IsRunning())
}

func TestDiagnosticsLandInLogSink(t *testing.T) {
	stub := writeStub(t, "#!/bin/sh\necho \"frame=1 fps=30\"\necho \"HTTP error 403 Forbidden\"\nexit 0\n")

	cfg := baseConfig()
	outDir := t.TempDir()
	cfg.Output = filepath.Join(outDir, "playlist.m3u8")
	sup := New(cfg, Options{FFmpegPath: stub})
	require.NoError(t, sup.Start(false))
	<-sup.Done()

	data, err := os.ReadFile(filepath.Join(outDir, "ffmpeg-mix.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "frame=1 fps=30")
	assert.Contains(t, string(data), "HTTP error 403 Forbidden")
}

func TestFindFFmpegExplicitPathWins(t *testing.T) {
	stub := writeStub(t, "#!/bin/sh\nexit 0\n")
	got, err := FindFFmpeg(stub)
	require.NoError(t, err)
	assert.Equal(t, stub, got)
}

func TestFindFFmpegMissingIsLaunchError(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv("FFMPEG_PATH", "")
	_, err := FindFFmpeg("")
	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr))
}
