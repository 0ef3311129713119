package hvacserver

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNegErrno(t *testing.T) {
	_, err := os.OpenFile(filepath.Join(t.TempDir(), "missing"), os.O_RDONLY, 0)
	require.Error(t, err)

	assert.Equal(t, -int32(unix.ENOENT), negErrno(err))
	assert.Equal(t, int32(-1), negErrno(assert.AnError))
}

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hvac_server.pid")
	require.NoError(t, WritePIDFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Overwrites, never appends.
	require.NoError(t, WritePIDFile(path))
	again, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestPublishAddressAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".ports.cfg.9")

	require.NoError(t, PublishAddress(path, 0, "ofi+tcp;ofi_rxm://n0:7000"))
	require.NoError(t, PublishAddress(path, 1, "ofi+tcp;ofi_rxm://n1:7000"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	want := "0 ofi+tcp;ofi_rxm://n0:7000\n1 ofi+tcp;ofi_rxm://n1:7000\n"
	assert.Equal(t, want, string(data))
}
