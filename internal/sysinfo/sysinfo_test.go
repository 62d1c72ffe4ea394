package sysinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadDistro_IDKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "os-release")
	require.NoError(t, os.WriteFile(path, []byte("NAME=\"Ubuntu\"\nID=\"ubuntu\"\nVERSION=1\n"), 0o644))

	distro, err := readDistro(path)
	require.NoError(t, err)
	assert.Equal(t, "ubuntu", distro)
}

func TestReadDistro_DistribID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lsb-release")
	require.NoError(t, os.WriteFile(path, []byte("DISTRIB_ID=CentOS\n"), 0o644))

	distro, err := readDistro(path)
	require.NoError(t, err)
	assert.Equal(t, "CentOS", distro)
}

func TestReadDistro_Missing(t *testing.T) {
	_, err := readDistro(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestReadBootTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stat")
	require.NoError(t, os.WriteFile(path, []byte("cpu  1 2 3 4\nbtime 1723434332\nprocesses 10\n"), 0o644))

	bootTime, err := readBootTime(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1723434332, bootTime)
}

func TestReadBootTime_Malformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stat")
	require.NoError(t, os.WriteFile(path, []byte("cpu  1 2 3 4\n"), 0o644))

	_, err := readBootTime(path)
	assert.Error(t, err)
}

func TestReadLoadAvg(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loadavg")
	require.NoError(t, os.WriteFile(path, []byte("0.52 0.40 0.38 2/456 12345\n"), 0o644))

	load1, load5, load15, err := readLoadAvg(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.52, load1, 0.001)
	assert.InDelta(t, 0.40, load5, 0.001)
	assert.InDelta(t, 0.38, load15, 0.001)
}

func TestReadProcStatus(t *testing.T) {
	dir := t.TempDir()
	procDir := filepath.Join(dir, "4242")
	require.NoError(t, os.MkdirAll(procDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(procDir, "status"),
		[]byte("Name:\tframe\nState:\tS (sleeping)\nTgid:\t4242\nSid:\t4242\n"), 0o644))

	sessionID, tgid, state, ok := readProcStatus(dir, 4242)
	require.True(t, ok)
	assert.EqualValues(t, 4242, sessionID)
	assert.EqualValues(t, 4242, tgid)
	assert.Equal(t, "S", state)
}

func TestReadProcStatus_Incomplete(t *testing.T) {
	dir := t.TempDir()
	procDir := filepath.Join(dir, "99")
	require.NoError(t, os.MkdirAll(procDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(procDir, "status"), []byte("Name:\tx\n"), 0o644))

	_, _, _, ok := readProcStatus(dir, 99)
	assert.False(t, ok)
}

func TestProcRecord_IsDead(t *testing.T) {
	assert.True(t, ProcRecord{State: "Z"}.IsDead())
	assert.True(t, ProcRecord{State: "X"}.IsDead())
	assert.False(t, ProcRecord{State: "S"}.IsDead())
	assert.False(t, ProcRecord{State: "R"}.IsDead())
}

func TestHardwareState_String(t *testing.T) {
	assert.Equal(t, "UP", HardwareUp.String())
	assert.Equal(t, "REBOOT_PENDING", HardwareRebootPending.String())
}

func TestSaturatingSubI64(t *testing.T) {
	assert.EqualValues(t, 5, saturatingSubI64(10, 5))
	assert.EqualValues(t, 0, saturatingSubI64(5, 10))
}
