package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("COMPANION_CONFIG_FILE", "")
	for _, key := range []string{"DEEPGRAM_API_KEY", "MISTRAL_API_KEY", "OPENAI_API_KEY"} {
		t.Setenv(key, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func emotionService(t *testing.T, status string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestVersionCommand(t *testing.T) {
	isolate(t)

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestProbeHealthyService(t *testing.T) {
	isolate(t)
	t.Setenv("COMPANION_EMOTION_BASE_URL", emotionService(t, "healthy"))

	out, err := execute(t, "probe", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, ": healthy")
}

func TestProbeUnhealthyService(t *testing.T) {
	isolate(t)
	t.Setenv("COMPANION_EMOTION_BASE_URL", emotionService(t, "loading"))

	out, err := execute(t, "probe", "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, out, ": loading")
}

func TestRunRequiresCredentials(t *testing.T) {
	isolate(t)

	_, err := execute(t, "run", "--no-status", "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEEPGRAM_API_KEY")
}

func TestInvalidConfigStopsBeforeRunning(t *testing.T) {
	isolate(t)
	t.Setenv("COMPANION_CAPTURE_MIN_CONFIDENCE", "2")

	_, err := execute(t, "probe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
