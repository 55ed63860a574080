package fileserve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOpenZeroCopyFDOpensRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	fd, err := openZeroCopyFD(nil, path)
	require.NoError(t, err)
	defer unix.Close(fd)
	assert.Greater(t, fd, -1)
}

func TestOpenZeroCopyFDWithNilTaskReturnsImmediatelyOnMissingFile(t *testing.T) {
	_, err := openZeroCopyFD(nil, filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}
