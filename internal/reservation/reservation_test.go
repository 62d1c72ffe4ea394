package reservation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cueframe/rqd/internal/topology"
)

const twoSocketFourCoreHT = `
processor	: 0
physical id	: 0
core id	: 0
siblings	: 2
cpu cores	: 1

processor	: 1
physical id	: 0
core id	: 0
siblings	: 2
cpu cores	: 1

processor	: 2
physical id	: 1
core id	: 0
siblings	: 2
cpu cores	: 1

processor	: 3
physical id	: 1
core id	: 0
siblings	: 2
cpu cores	: 1
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	topo, err := topology.Parse(strings.NewReader(twoSocketFourCoreHT))
	require.NoError(t, err)
	return New(topo)
}

func TestReserveCores_ReturnsThreadsPerCore(t *testing.T) {
	e := newTestEngine(t)
	threads, err := e.ReserveCores(1, "r1")
	require.NoError(t, err)
	assert.Len(t, threads, 2) // multiplier 2
}

func TestReserveCores_NotEnough(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ReserveCores(3, "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough resources")
}

func TestReserveCores_NoOverlap(t *testing.T) {
	e := newTestEngine(t)
	t1, err := e.ReserveCores(1, "r1")
	require.NoError(t, err)
	t2, err := e.ReserveCores(1, "r2")
	require.NoError(t, err)

	seen := make(map[topology.ThreadId]bool)
	for _, tid := range t1 {
		seen[tid] = true
	}
	for _, tid := range t2 {
		assert.False(t, seen[tid], "thread %d double-booked", tid)
	}
}

func TestReleaseCores_ThenReservable(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ReserveCores(2, "r1")
	require.NoError(t, err)

	_, err = e.ReleaseCores("r1")
	require.NoError(t, err)

	_, err = e.ReserveCores(2, "r2")
	require.NoError(t, err)
}

func TestReleaseCores_NotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ReleaseCores("missing")
	require.Error(t, err)
}

func TestGetCoreInfoReport(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ReserveCores(1, "r1")
	require.NoError(t, err)
	e.LockCores(1)

	report := e.GetCoreInfoReport(100)
	assert.Equal(t, 200, report.Total)  // 2 cores * 100
	assert.Equal(t, 100, report.Booked) // 1 core booked
	assert.Equal(t, 100, report.Locked) // 1 core locked
	assert.Equal(t, 100, report.Idle)   // min(200-100, 200-100) = 100
}

func TestLockUnlockAll(t *testing.T) {
	e := newTestEngine(t)
	delta := e.LockAll()
	assert.Equal(t, 2, delta)
	report := e.GetCoreInfoReport(1)
	assert.Equal(t, 0, report.Idle)

	delta = e.UnlockAll()
	assert.Equal(t, 2, delta)
	report = e.GetCoreInfoReport(1)
	assert.Equal(t, 2, report.Idle)
}

func TestSanitizeReservations_ReapsAfterGrace(t *testing.T) {
	e := newTestEngine(t)
	e.SetGracePeriod(10 * time.Millisecond)

	_, err := e.ReserveCores(1, "r1")
	require.NoError(t, err)

	// still within grace: not reaped even though r1 is not "active"
	e.SanitizeReservations(map[ResourceID]struct{}{})
	report := e.GetCoreInfoReport(1)
	assert.Equal(t, 1, report.Booked)

	time.Sleep(20 * time.Millisecond)
	e.SanitizeReservations(map[ResourceID]struct{}{})
	report = e.GetCoreInfoReport(1)
	assert.Equal(t, 0, report.Booked)
}

func TestSanitizeReservations_KeepsActive(t *testing.T) {
	e := newTestEngine(t)
	e.SetGracePeriod(0)

	_, err := e.ReserveCores(1, "r1")
	require.NoError(t, err)

	e.SanitizeReservations(map[ResourceID]struct{}{"r1": {}})
	report := e.GetCoreInfoReport(1)
	assert.Equal(t, 1, report.Booked)
}

func TestReserveCoresByID_UnknownThread(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ReserveCoresByID([]topology.ThreadId{999}, "r1")
	require.Error(t, err)
}

func TestReapStale_IgnoresActiveSet(t *testing.T) {
	e := newTestEngine(t)
	e.SetGracePeriod(0)

	_, err := e.ReserveCores(1, "r1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	e.ReapStale()

	report := e.GetCoreInfoReport(1)
	assert.Equal(t, 0, report.Booked)
}

func TestStartReaper_RunsOnSchedule(t *testing.T) {
	e := newTestEngine(t)
	e.SetGracePeriod(0)

	_, err := e.ReserveCores(1, "r1")
	require.NoError(t, err)

	c, err := e.StartReaper("@every 10ms")
	require.NoError(t, err)
	defer c.Stop()

	require.Eventually(t, func() bool {
		return e.GetCoreInfoReport(1).Booked == 0
	}, time.Second, 5*time.Millisecond)
}
