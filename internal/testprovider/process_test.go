package testprovider

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "script.sh")
	require.NoError(t, writeExecutable(path, []byte("#!/bin/sh\n"+body+"\n")))
	return path
}

func TestStartProcessCapturesStdout(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "echo hello")

	var out bytes.Buffer
	p, err := startProcess(context.Background(), path, nil, os.Environ(), dir, &out)
	require.NoError(t, err)
	require.NoError(t, p.Wait())
	assert.Contains(t, out.String(), "hello")
}

func TestStartProcessReturnsErrorOnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "exit 7")

	var out bytes.Buffer
	p, err := startProcess(context.Background(), path, nil, os.Environ(), dir, &out)
	require.NoError(t, err)
	assert.Error(t, p.Wait())
}

func TestProcessStopperStopKillsLongRunningProcess(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "sleep 30")

	var out bytes.Buffer
	p, err := startProcess(context.Background(), path, nil, os.Environ(), dir, &out)
	require.NoError(t, err)

	require.NoError(t, p.Stop())
	assert.Error(t, p.Wait())
}

func TestWriteExecutableSetsExecBit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod")
	require.NoError(t, writeExecutable(path, []byte("#!/bin/sh\nexit 0\n")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111)
}
