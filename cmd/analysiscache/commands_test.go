package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/analysiscache"
	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/signature"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("STORAGE_TYPE", "")
	t.Setenv("SQLITE_PATH", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "storage:\n  type: sqlite\n  sqlite:\n    path: " + filepath.Join(dir, "cache.db") + "\n" +
		"cache:\n  save_quota: 2\n" +
		"logging:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(args, &stdout, &stderr)
	return stdout.String(), err
}

func TestSignatureCommand(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "--config", cfg, "signature",
		"--profile", "p-1", "--situation", "  Launch   DELAYED ", "--constraints", "time, budget")
	require.NoError(t, err)

	var got struct {
		Signature  string            `json:"signature"`
		Normalized signature.Request `json:"normalized"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	want := signature.Build(signature.Normalize(signature.Request{
		ProfileID:   "p-1",
		Situation:   "launch delayed",
		Constraints: "budget,time",
	}))
	assert.Equal(t, want, got.Signature)
	assert.Equal(t, "launch delayed", got.Normalized.Situation)
	assert.Equal(t, "budget|time", got.Normalized.Constraints)
}

func TestCreateSaveListFlow(t *testing.T) {
	cfg := writeConfig(t)
	request := []string{"--profile", "p-1", "--situation", "Churn is rising", "--goal", "Retain customers"}

	out, err := execute(t, append([]string{"--config", cfg, "create",
		"--payload", `{"summary":"Plan 1. Details follow."}`}, request...)...)
	require.NoError(t, err)
	var created map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	sig := created["signature"]
	require.True(t, signature.Valid(sig))

	out, err = execute(t, "--config", cfg, "get", sig)
	require.NoError(t, err)
	assert.Contains(t, out, `"is_saved": false`)

	out, err = execute(t, "--config", cfg, "--caller", "u-1", "save", sig, "--tag", "retention")
	require.NoError(t, err)
	assert.Contains(t, out, `"title": "Plan 1"`)

	_, err = execute(t, "--config", cfg, "get", sig)
	require.Error(t, err)
	assert.Equal(t, exitNotFound, exitCode(err))

	_, err = execute(t, "--config", cfg, "--caller", "u-2", "save", sig)
	require.Error(t, err)
	assert.Equal(t, exitForbidden, exitCode(err))

	out, err = execute(t, "--config", cfg, "--caller", "u-1", "list")
	require.NoError(t, err)
	var page struct {
		Items []struct {
			Signature string   `json:"signature"`
			Tags      []string `json:"tags"`
		} `json:"items"`
		HasMore bool `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, sig, page.Items[0].Signature)
	assert.Equal(t, []string{"retention"}, page.Items[0].Tags)
	assert.False(t, page.HasMore)

	_, err = execute(t, "--config", cfg, "--caller", "u-1", "unsave", sig)
	require.NoError(t, err)
	out, err = execute(t, "--config", cfg, "get", sig)
	require.NoError(t, err)
	assert.Contains(t, out, sig)

	out, err = execute(t, "--config", cfg, "invalidate", "--profile", "p-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"removed": 1`)
}

func TestCommandUsageErrors(t *testing.T) {
	cfg := writeConfig(t)
	tests := []struct {
		name string
		args []string
	}{
		{"malformed signature", []string{"get", "not-a-signature"}},
		{"list without caller", []string{"list"}},
		{"save without caller", []string{"save", sigArg()}},
		{"create without payload", []string{"create", "--profile", "p-1"}},
		{"create with invalid payload", []string{"create", "--profile", "p-1", "--payload", "{"}},
		{"invalidate without target", []string{"invalidate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"--config", cfg}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, exitInvalid, exitCode(err))
		})
	}
}

func TestShiftBelowThresholdKeepsEntries(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "--config", cfg, "create", "--profile", "p-9", "--payload", `{}`)
	require.NoError(t, err)

	out, err := execute(t, "--config", cfg, "invalidate", "--profile", "p-9", "--shift", "3")
	require.NoError(t, err)
	assert.Contains(t, out, `"invalidated": false`)

	out, err = execute(t, "--config", cfg, "invalidate", "--profile", "p-9", "--shift", "-8")
	require.NoError(t, err)
	assert.Contains(t, out, `"invalidated": true`)
}

func TestSweepOnce(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "--config", cfg, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, `"removed": 0`)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitQuota, exitCode(analysiscache.ErrQuotaExceeded))
	assert.Equal(t, exitInvalid, exitCode(analysiscache.ErrInvalidRequest))
	assert.Equal(t, exitError, exitCode(analysiscache.ErrTransient))
	assert.Equal(t, exitInvalid, exitCode(usagef("bad flag")))
}

func sigArg() string {
	return signature.Build(signature.Request{ProfileID: "p-1"})
}
