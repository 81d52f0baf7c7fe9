package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquirePidfileWritesCurrentPID(t *testing.T) {
	dir := t.TempDir()
	pf, err := acquirePidfile(dir)
	require.NoError(t, err)
	defer pf.release()

	data, err := os.ReadFile(filepath.Join(dir, "hyperboxd.pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquirePidfileRefusesSecondHolder(t *testing.T) {
	dir := t.TempDir()
	pf, err := acquirePidfile(dir)
	require.NoError(t, err)
	defer pf.release()

	_, err = acquirePidfile(dir)
	assert.Error(t, err)
}

func TestReleaseRemovesPidfileAndAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	pf, err := acquirePidfile(dir)
	require.NoError(t, err)
	pf.release()

	_, err = os.Stat(filepath.Join(dir, "hyperboxd.pid"))
	assert.True(t, os.IsNotExist(err))

	pf2, err := acquirePidfile(dir)
	require.NoError(t, err)
	pf2.release()
}
