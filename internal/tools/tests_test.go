package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMarker(t *testing.T, root, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("{}"), 0o644))
}

func TestParseGoTestJSONPassing(t *testing.T) {
	raw := []byte(`{"Action":"run","Package":"p","Test":"TestA"}
{"Action":"output","Package":"p","Test":"TestA","Output":"=== RUN TestA\n"}
{"Action":"pass","Package":"p","Test":"TestA"}
{"Action":"run","Package":"p","Test":"TestB"}
{"Action":"skip","Package":"p","Test":"TestB"}
{"Action":"pass","Package":"p"}
`)
	result := parseGoTestJSON(raw)
	assert.Equal(t, "passed", result.Status)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Failed)
}

func TestParseGoTestJSONFailure(t *testing.T) {
	raw := []byte(`{"Action":"run","Package":"p","Test":"TestBroken"}
{"Action":"output","Package":"p","Test":"TestBroken","Output":"    main_test.go:10: got 2, want 3\n"}
{"Action":"fail","Package":"p","Test":"TestBroken"}
`)
	result := parseGoTestJSON(raw)
	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, result.Output, "got 2, want 3")
}

func TestParseGoTestJSONEmptySuite(t *testing.T) {
	raw := []byte(`{"Action":"output","Package":"p","Output":"ok  \tp\t0.001s [no test files]\n"}
{"Action":"pass","Package":"p"}
`)
	result := parseGoTestJSON(raw)
	assert.Equal(t, "passed", result.Status)
	assert.Zero(t, result.Passed)
}

func TestDetectRunnerMarkers(t *testing.T) {
	tests := []struct {
		name   string
		marker string
		runner string
	}{
		{"go project", "go.mod", "go"},
		{"node project", "package.json", "npm"},
		{"python project", "pyproject.toml", "pytest"},
		{"rust project", "Cargo.toml", "cargo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeMarker(t, root, tt.marker)
			toolset := &TestToolset{root: root}
			runner, argv := toolset.detectRunner("")
			assert.Equal(t, tt.runner, runner)
			assert.NotEmpty(t, argv)
		})
	}
}

func TestEmptySuiteExitCodes(t *testing.T) {
	assert.True(t, emptySuiteExit("pytest", 5))
	assert.False(t, emptySuiteExit("pytest", 1))
	assert.False(t, emptySuiteExit("npm", 5))
	assert.False(t, emptySuiteExit("cargo", 5))
}

func TestRunTestsEmptyPytestSuite(t *testing.T) {
	root := t.TempDir()
	writeMarker(t, root, "pyproject.toml")

	// Stand in for pytest with its "no tests collected" exit code.
	bin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bin, "pytest"),
		[]byte("#!/bin/sh\necho 'collected 0 items'\nexit 5\n"), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	reg := NewRegistry()
	RegisterTestTools(reg, root, time.Minute)
	res, err := reg.Execute(context.Background(), "run_tests", nil)
	require.NoError(t, err)

	var result testResult
	require.NoError(t, json.Unmarshal([]byte(res.Output), &result))
	assert.Equal(t, "no_tests", result.Status)
	assert.Contains(t, result.Warning, "no tests")
}

func TestDetectRunnerNoMarkers(t *testing.T) {
	toolset := &TestToolset{root: t.TempDir()}
	runner, argv := toolset.detectRunner("")
	assert.Empty(t, runner)
	assert.Nil(t, argv)
}
