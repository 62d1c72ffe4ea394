// Package machine implements the agent host monitor (spec §4.7): a single
// Machine facade that orchestrates the topology, reservation, probe,
// accounting, and frame-cache layers (C1-C6) behind the small set of
// operations an RPC handler needs, plus a periodic report loop.
//
// Grounded on the teacher's (zos) node agent pattern in cmds/provisiond's
// startup-report-then-periodic-loop sequencing (a one-shot report sent
// before entering a cron/ticker loop that honors a shutdown channel), and
// on original_source/rust/crates/rqd/src/servant/rqd_servant.rs's Machine
// facade shape.
package machine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cueframe/rqd/internal/frame"
	"github.com/cueframe/rqd/internal/framecache"
	"github.com/cueframe/rqd/internal/procacct"
	"github.com/cueframe/rqd/internal/reservation"
	"github.com/cueframe/rqd/internal/sysinfo"
	"github.com/cueframe/rqd/internal/topology"
)

// CoreRequest is either "N cores" (threadable, count-based) or "these
// specific thread ids" (recovery-only, exact rebinding) per spec §4.7.
type CoreRequest struct {
	Count     int
	ThreadIDs []topology.ThreadId
}

// GPUSummary is the placeholder GPU section of a HostReport; real GPU
// accounting is a spec Non-goal, carried here as an always-zero struct so
// HostReport's shape matches spec §6 without pretending to measure GPUs.
type GPUSummary struct {
	TotalCount int
	IdleCount  int
}

// HostReport is the agent→controller payload (spec §3 "Host Report",
// §6 "Host report").
type HostReport struct {
	Hostname       string
	NimbyActive    bool
	Facility       string
	Sockets        int
	CoresPerSocket int
	Multiplier     int
	TotalMemoryKiB uint64
	FreeMemoryKiB  uint64
	TotalSwapKiB   uint64
	FreeSwapKiB    uint64
	TempStorageKiB uint64
	TempFreeKiB    uint64
	Load           int
	BootTimeEpoch  int64
	Tags           []string
	HardwareState  sysinfo.HardwareState
	Attributes     map[string]string
	GPU            GPUSummary
	Cores          reservation.CoreInfoReport
	RunningFrames  []FrameInfo
}

// FrameInfo is the per-frame payload embedded in a HostReport.
type FrameInfo struct {
	ResourceID string
	JobID      string
	FrameID    string
	Pid        int
	RSSBytes   uint64
	VSZBytes   uint64
	StartTime  int64
}

// Config carries the host-level tunables the machine facade reads at
// startup (core multiplier, facility name, report cadence, startup report).
type Config struct {
	Facility       string
	CoreMultiplier int
	ReportInterval time.Duration
	StartupReport  bool
}

func (c Config) withDefaults() Config {
	if c.CoreMultiplier <= 0 {
		c.CoreMultiplier = 100
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 10 * time.Second
	}
	return c
}

// ReportSink receives every HostReport the machine produces, including
// the one-shot startup report (spec §4.7 "start-up sequence").
type ReportSink interface {
	SendHostReport(HostReport)
}

// Machine orchestrates C1-C6 behind the operations an RPC handler calls.
type Machine struct {
	cfg   Config
	topo  *topology.Topology
	res   *reservation.Engine
	probe sysinfo.SystemManager
	acct  *procacct.Accountant
	cache *framecache.Cache
	sink  ReportSink

	mu             sync.Mutex
	nimbyActive    bool
	rebootWhenIdle bool

	snapshot    HostReport
	snapshotAt  time.Time
	snapshotErr error

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// snapshotTTL bounds how long Snapshot serves a memoized HostReport before
// recomputing it.
const snapshotTTL = 2 * time.Second

// New builds a Machine bound to the already-constructed C1-C6 layers.
func New(cfg Config, topo *topology.Topology, res *reservation.Engine, probe sysinfo.SystemManager, acct *procacct.Accountant, cache *framecache.Cache, sink ReportSink) *Machine {
	return &Machine{
		cfg:   cfg.withDefaults(),
		topo:  topo,
		res:   res,
		probe: probe,
		acct:  acct,
		cache: cache,
		sink:  sink,
		stop:  make(chan struct{}),
	}
}

// ReserveCores books cores against the topology for resourceID, either by
// count (threadable) or by explicit thread ids (recovery-only rebinding)
// (spec §4.7).
func (m *Machine) ReserveCores(req CoreRequest, resourceID reservation.ResourceID) ([]topology.ThreadId, error) {
	if len(req.ThreadIDs) > 0 {
		return m.res.ReserveCoresByID(req.ThreadIDs, resourceID)
	}
	return m.res.ReserveCores(req.Count, resourceID)
}

// ReleaseCores frees the booking for resourceID.
func (m *Machine) ReleaseCores(resourceID reservation.ResourceID) ([]topology.CoreKey, error) {
	return m.res.ReleaseCores(resourceID)
}

// LockCores / UnlockCores / LockAll / UnlockAll pass straight through to
// the reservation engine's administrative locking (spec §4.7).
func (m *Machine) LockCores(n int) int   { return m.res.LockCores(n) }
func (m *Machine) UnlockCores(n int) int { return m.res.UnlockCores(n) }
func (m *Machine) LockAll() int          { return m.res.LockAll() }
func (m *Machine) UnlockAll() int        { return m.res.UnlockAll() }

// KillSession sends SIGTERM (graceful) or SIGKILL (force) to the process
// group rooted at pid (spec §4.5 "Kill request", §4.7).
func (m *Machine) KillSession(pid int32, force bool) error {
	return m.probe.KillSession(pid, force)
}

// ForceKill SIGKILLs every pid in the list individually.
func (m *Machine) ForceKill(pids []int32) error {
	return m.probe.ForceKill(pids)
}

// GetActiveProcLineage reads C4's session map for pid.
func (m *Machine) GetActiveProcLineage(pid int32) ([]sysinfo.ProcRecord, bool) {
	return m.probe.SessionProcesses(pid)
}

// RebootIfIdle reboots immediately if no frames are running; otherwise it
// latches a reboot-when-idle flag and locks every core to prevent further
// bookings until the machine drains (spec §4.7).
func (m *Machine) RebootIfIdle() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cache.Len() == 0 {
		return m.probe.Reboot()
	}
	if !m.rebootWhenIdle {
		m.rebootWhenIdle = true
		m.res.LockAll()
		log.Info().Msg("reboot requested while frames are running; locking all cores and waiting to drain")
	}
	return nil
}

// checkRebootLatch reboots if a reboot-when-idle latch is set and the
// cache has finally drained. Called from the periodic report loop.
func (m *Machine) checkRebootLatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rebootWhenIdle && m.cache.Len() == 0 {
		if err := m.probe.Reboot(); err != nil {
			log.Error().Err(err).Msg("reboot-when-idle failed")
		}
		m.rebootWhenIdle = false
	}
}

// AddRunningFrame registers a frame the dispatcher just launched.
func (m *Machine) AddRunningFrame(id string, f *frame.RunningFrame) {
	m.cache.Add(id, f)
}

// IsFrameRunning reports whether frame id is tracked and Running.
func (m *Machine) IsFrameRunning(id string) bool { return m.cache.IsRunning(id) }

// GetRunningFrame returns the tracked frame for id, if any.
func (m *Machine) GetRunningFrame(id string) (*frame.RunningFrame, bool) { return m.cache.Get(id) }

// CollectHostReport refreshes the process table only if frames are
// running (spec §4.7 — avoids a wasted /proc scan on an idle host), then
// assembles a HostReport.
func (m *Machine) CollectHostReport() (HostReport, error) {
	if m.cache.Len() > 0 {
		if err := m.probe.RefreshProcessTree(); err != nil {
			return HostReport{}, fmt.Errorf("refreshing process tree: %w", err)
		}
	}

	static, err := m.probe.CollectStatic()
	if err != nil {
		return HostReport{}, fmt.Errorf("collecting static host info: %w", err)
	}
	dyn, err := m.probe.CollectDynamic(m.topo.Multiplier())
	if err != nil {
		return HostReport{}, fmt.Errorf("collecting dynamic host info: %w", err)
	}

	m.mu.Lock()
	nimby := m.nimbyActive
	m.mu.Unlock()

	return HostReport{
		Hostname:       static.Hostname,
		NimbyActive:    nimby,
		Facility:       m.cfg.Facility,
		Sockets:        m.topo.NumSockets(),
		CoresPerSocket: m.topo.CoresPerSocket(),
		Multiplier:     m.topo.Multiplier(),
		TotalMemoryKiB: dyn.TotalMemoryKiB,
		FreeMemoryKiB:  dyn.AvailableMemoryKiB,
		TotalSwapKiB:   dyn.TotalSwapKiB,
		FreeSwapKiB:    dyn.FreeSwapKiB,
		TempStorageKiB: dyn.TempStorageTotalKiB,
		TempFreeKiB:    dyn.TempStorageFreeKiB,
		Load:           dyn.Load,
		BootTimeEpoch:  static.BootTimeEpoch,
		Tags:           static.Tags,
		HardwareState:  m.probe.HardwareState(),
		Attributes:     m.probe.Attributes(),
		Cores:          m.res.GetCoreInfoReport(m.cfg.CoreMultiplier),
	}, nil
}

// Snapshot returns the most recently collected HostReport, recollecting it
// if the memoized copy is older than snapshotTTL. There is no RPC or HTTP
// surface for this (spec Non-goals exclude a metrics/debug endpoint), but a
// cheap local introspection method is useful to callers embedding a
// Machine directly (and to tests) without forcing a fresh /proc scan on
// every call.
func (m *Machine) Snapshot() (HostReport, error) {
	m.mu.Lock()
	fresh := time.Since(m.snapshotAt) < snapshotTTL
	if fresh {
		report, err := m.snapshot, m.snapshotErr
		m.mu.Unlock()
		return report, err
	}
	m.mu.Unlock()

	report, err := m.CollectHostReport()

	m.mu.Lock()
	m.snapshot, m.snapshotErr, m.snapshotAt = report, err, time.Now()
	m.mu.Unlock()

	return report, err
}

// Run sends a one-shot startup report, then enters the periodic report
// loop until ctx is cancelled or Stop is called (spec §4.7 "start-up
// sequence").
func (m *Machine) Run(ctx context.Context) {
	if m.cfg.StartupReport {
		if report, err := m.CollectHostReport(); err == nil {
			m.sink.SendHostReport(report)
		} else {
			log.Error().Err(err).Msg("failed to collect startup host report")
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkRebootLatch()
				report, err := m.CollectHostReport()
				if err != nil {
					log.Error().Err(err).Msg("failed to collect host report")
					continue
				}
				m.sink.SendHostReport(report)
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop ends the periodic report loop and waits for it to exit.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}
