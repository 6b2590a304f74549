package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	r, err := parseRange("", "", time.UTC)
	require.NoError(t, err)
	assert.True(t, r.IsZero())

	r, err = parseRange("2024-03-01", "2024-03-31", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), r.From)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), r.To)

	r, err = parseRange("2024-03-01", "", time.UTC)
	require.NoError(t, err)
	assert.True(t, r.To.After(r.From))

	_, err = parseRange("2024-04-01", "2024-03-01", time.UTC)
	assert.Error(t, err)
	_, err = parseRange("03/01/2024", "", time.UTC)
	assert.Error(t, err)
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run([]string{"frobnicate"}, strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")

	err = run(nil, strings.NewReader(""), &bytes.Buffer{})
	assert.Error(t, err)
}

func TestGenKey(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"gen-key"}, strings.NewReader(""), &out))
	assert.Len(t, strings.TrimSpace(out.String()), 44)
}

func TestSetCredentialsThenCleanup(t *testing.T) {
	dir := t.TempDir()
	var key bytes.Buffer
	require.NoError(t, run([]string{"gen-key"}, nil, &key))

	cfg := "database:\n  path: " + filepath.Join(dir, "calsync.db") + "\n" +
		"credentials:\n  key: " + strings.TrimSpace(key.String()) + "\n" +
		"logging:\n  level: error\n"
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	var out bytes.Buffer
	err := run([]string{"-config", cfgPath, "set-credentials", "-owner", "owner-1", "-email", "a@b.c"},
		strings.NewReader("hunter2\n"), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "credentials stored for owner-1")

	out.Reset()
	require.NoError(t, run([]string{"-config", cfgPath, "cleanup", "-retention-days", "30"}, nil, &out))
	assert.Equal(t, "stale jobs failed: 0, old jobs deleted: 0\n", out.String())
}
