package compute_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rangelab/solverqueue/internal/compute"
)

func writeEngineScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("engine scripts are POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestEngineFuncSuccess(t *testing.T) {
	engine := writeEngineScript(t, `
cat >/dev/null
echo '{"progress": 0.25}'
echo '{"progress": 0.75}'
echo '{"result": {"equity": 0.52}}'
`)

	var seen []float64
	result, err := compute.EngineFunc(engine)(context.Background(), json.RawMessage(`{"hands":["AhKh"]}`), func(p float64) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"equity": 0.52}`, string(result))
	require.Equal(t, []float64{0.25, 0.75}, seen)
}

func TestEngineFuncReportedError(t *testing.T) {
	engine := writeEngineScript(t, `
cat >/dev/null
echo '{"progress": 0.1}'
echo '{"error": "bad board"}'
`)

	_, err := compute.EngineFunc(engine)(context.Background(), json.RawMessage(`{}`), func(float64) {})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad board")
}

func TestEngineFuncNonZeroExit(t *testing.T) {
	engine := writeEngineScript(t, `
cat >/dev/null
echo 'solver panic' >&2
exit 1
`)

	_, err := compute.EngineFunc(engine)(context.Background(), json.RawMessage(`{}`), func(float64) {})
	require.Error(t, err)
	require.Contains(t, err.Error(), "solver panic")
}

func TestEngineFuncNoResult(t *testing.T) {
	engine := writeEngineScript(t, `
cat >/dev/null
echo '{"progress": 1}'
`)

	_, err := compute.EngineFunc(engine)(context.Background(), json.RawMessage(`{}`), func(float64) {})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no result")
}

func TestEngineFuncMalformedEventKillsEngine(t *testing.T) {
	// after the malformed event the engine floods stdout well past the pipe
	// buffer; the call must still return instead of blocking in Wait
	engine := writeEngineScript(t, `
cat >/dev/null
echo 'not an event'
dd if=/dev/zero bs=1024 count=256 2>/dev/null | tr '\0' 'x'
`)

	done := make(chan error, 1)
	go func() {
		_, err := compute.EngineFunc(engine)(context.Background(), json.RawMessage(`{}`), func(float64) {})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		require.Contains(t, err.Error(), "malformed event")
	case <-time.After(5 * time.Second):
		t.Fatal("engine call did not return after a malformed event")
	}
}

func TestEngineFuncClampsProgress(t *testing.T) {
	engine := writeEngineScript(t, `
cat >/dev/null
echo '{"progress": -0.5}'
echo '{"progress": 1.5}'
echo '{"result": {}}'
`)

	var seen []float64
	_, err := compute.EngineFunc(engine)(context.Background(), json.RawMessage(`{}`), func(p float64) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 1}, seen)
}
