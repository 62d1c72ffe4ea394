package sysinfo

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// darwinManager is the SystemManager constructor used on runtime.GOOS ==
// "darwin", grounded on original_source/rust/crates/rqd/src/system/macos.rs.
// macOS carries no /proc, so the process-tree scan goes entirely through
// gopsutil/process instead of the linux manager's raw-file reader; session
// id is approximated with the process group id, which gopsutil does expose
// on darwin.
type darwinManager struct {
	cfg    Config
	static StaticInfo

	mu                sync.Mutex
	monitoredSessions map[int32]struct{}
	sessionProcesses  map[int32][]int32
	cachedProcesses   map[int32]ProcRecord
}

func newDarwinManager(cfg Config) (SystemManager, error) {
	info, err := host.Info()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read host info")
	}
	hostname := info.Hostname
	if idx := strings.IndexByte(hostname, '.'); idx >= 0 {
		hostname = hostname[:idx]
	}

	distro := cfg.DistroOverride
	if distro == "" {
		distro = "macos"
	}

	tags := []string{}
	if cfg.WorkstationMode {
		tags = append(tags, "desktop")
	}
	tags = append(tags, cfg.CustomTags...)

	return &darwinManager{
		cfg: cfg,
		static: StaticInfo{
			Hostname:      hostname,
			Distro:        distro,
			BootTimeEpoch: int64(info.BootTime),
			PageSize:      4096,
			ClockTick:     100,
			Tags:          tags,
		},
		monitoredSessions: make(map[int32]struct{}),
		sessionProcesses:  make(map[int32][]int32),
		cachedProcesses:   make(map[int32]ProcRecord),
	}, nil
}

func (m *darwinManager) CollectStatic() (StaticInfo, error) { return m.static, nil }

func (m *darwinManager) CollectDynamic(multiplier int) (DynamicInfo, error) {
	if multiplier <= 0 {
		multiplier = 1
	}

	loadStat, err := loadAvg()
	if err != nil {
		return DynamicInfo{}, errors.Wrap(err, "failed to read load average")
	}

	usage, err := disk.Usage(m.cfg.TempPath)
	if err != nil {
		return DynamicInfo{}, errors.Wrap(err, "failed to read temp storage")
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return DynamicInfo{}, errors.Wrap(err, "failed to read memory stats")
	}
	swap, err := mem.SwapMemory()
	if err != nil {
		return DynamicInfo{}, errors.Wrap(err, "failed to read swap stats")
	}

	available := vm.Available
	if available == 0 {
		available = vm.Total - vm.Used
	}

	return DynamicInfo{
		Load:                int(round(loadStat*100)) / multiplier,
		AvailableMemoryKiB:  available / 1024,
		TotalMemoryKiB:      vm.Total / 1024,
		FreeSwapKiB:         swap.Free / 1024,
		TotalSwapKiB:        swap.Total / 1024,
		TempStorageFreeKiB:  usage.Free / 1024,
		TempStorageTotalKiB: usage.Total / 1024,
	}, nil
}

func (m *darwinManager) RegisterMonitoredSession(sessionID int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitoredSessions[sessionID] = struct{}{}
}

func (m *darwinManager) RefreshProcessTree() error {
	pids, err := process.Pids()
	if err != nil {
		return errors.Wrap(err, "failed to list processes")
	}

	m.mu.Lock()
	monitored := make(map[int32]struct{}, len(m.monitoredSessions))
	for sid := range m.monitoredSessions {
		monitored[sid] = struct{}{}
	}
	m.mu.Unlock()

	sessionProcesses := make(map[int32][]int32)
	cached := make(map[int32]ProcRecord)

	for _, pid := range pids {
		sid, err := unix.Getpgid(int(pid))
		if err != nil {
			continue
		}
		sessionID := int32(sid)
		if _, ok := monitored[sessionID]; !ok {
			continue
		}

		proc, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		rec, err := darwinProcRecord(proc, sessionID)
		if err != nil || rec.IsDead() {
			continue
		}

		cached[pid] = rec
		sessionProcesses[sessionID] = append(sessionProcesses[sessionID], pid)
	}

	m.mu.Lock()
	m.sessionProcesses = sessionProcesses
	m.cachedProcesses = cached
	m.mu.Unlock()
	return nil
}

func darwinProcRecord(proc *process.Process, sessionID int32) (ProcRecord, error) {
	name, err := proc.Name()
	if err != nil {
		return ProcRecord{}, err
	}
	status, err := proc.Status()
	if err != nil {
		return ProcRecord{}, err
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ProcRecord{}, err
	}
	cmdline, _ := proc.Cmdline()
	createTimeMs, err := proc.CreateTime()
	if err != nil {
		return ProcRecord{}, err
	}

	startEpoch := createTimeMs / 1000
	runTime := saturatingSubI64(nowEpoch(), startEpoch)

	state := "S"
	if len(status) > 0 {
		state = status[0]
	}

	return ProcRecord{
		Pid:            proc.Pid,
		SessionID:      sessionID,
		Name:           name,
		State:          state,
		RSSBytes:       memInfo.RSS,
		VSZBytes:       memInfo.VMS,
		CmdLine:        cmdline,
		StartTimeEpoch: startEpoch,
		RunTimeSeconds: runTime,
	}, nil
}

func (m *darwinManager) SessionProcesses(sessionID int32) ([]ProcRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pids, ok := m.sessionProcesses[sessionID]
	if !ok {
		return nil, false
	}
	out := make([]ProcRecord, 0, len(pids))
	for _, pid := range pids {
		if rec, ok := m.cachedProcesses[pid]; ok {
			out = append(out, rec)
		}
	}
	return out, true
}

func (m *darwinManager) Process(pid int32) (ProcRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.cachedProcesses[pid]
	return rec, ok
}

func (m *darwinManager) KillSession(pid int32, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	return unix.Kill(-int(pid), sig)
}

func (m *darwinManager) ForceKill(pids []int32) error {
	var lastErr error
	for _, pid := range pids {
		if err := unix.Kill(int(pid), unix.SIGKILL); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *darwinManager) Reboot() error {
	return errors.New("reboot is not supported on darwin test hosts")
}

func (m *darwinManager) HardwareState() HardwareState { return HardwareUp }

func (m *darwinManager) Attributes() map[string]string {
	return map[string]string{"SP_OS": m.static.Distro}
}

func loadAvg() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}
