package isolation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadInt64MissingFileDefaultsZero(t *testing.T) {
	assert.EqualValues(t, 0, readInt64(filepath.Join(t.TempDir(), "missing")))
}

func TestReadInt64ParsesTrimmedValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.current")
	require.NoError(t, os.WriteFile(path, []byte("104857600\n"), 0644))
	assert.EqualValues(t, 104857600, readInt64(path))
}

func TestReadKeyValueFileParsesCPUStat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.stat")
	content := "usage_usec 123456\nuser_usec 100000\nsystem_usec 23456\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	kv, err := readKeyValueFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 123456, kv["usage_usec"])
	assert.EqualValues(t, 100000, kv["user_usec"])
	assert.EqualValues(t, 23456, kv["system_usec"])
}

func TestReadPIDsParsesOneEntryPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cgroup.procs")
	require.NoError(t, os.WriteFile(path, []byte("101\n202\n303\n"), 0644))

	pids, err := readPIDs(path)
	require.NoError(t, err)
	assert.Equal(t, []int{101, 202, 303}, pids)
}

func TestReadPIDsMissingFile(t *testing.T) {
	_, err := readPIDs(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
