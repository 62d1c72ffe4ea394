package sysinfo

import (
	"bufio"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/tklauser/go-sysconf"
	"golang.org/x/sys/unix"
)

// linuxManager is the SystemManager constructor used on runtime.GOOS ==
// "linux", grounded on original_source/rust/crates/rqd/src/system/linux.rs.
type linuxManager struct {
	cfg Config

	static      StaticInfo
	multiplier  int
	attributes  map[string]string
	hwState     HardwareState

	mu                sync.Mutex
	monitoredSessions map[int32]struct{}
	sessionProcesses  map[int32][]int32
	cachedProcesses   map[int32]ProcRecord
}

func newLinuxManager(cfg Config) (SystemManager, error) {
	hostname, err := readHostname(cfg.UseIPAsHostname)
	if err != nil {
		return nil, errors.Wrap(err, "failed to determine hostname")
	}

	distro := cfg.DistroOverride
	if distro == "" {
		distro, err = readDistro(cfg.DistroReleasePath)
		if err != nil {
			distro = "linux"
		}
	}

	bootTime, err := readBootTime(cfg.ProcStatPath)
	if err != nil {
		bootTime = 0
	}

	pageSize, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil || pageSize <= 0 {
		return nil, errors.New("SC_PAGESIZE not available")
	}
	clockTick, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clockTick <= 0 {
		return nil, errors.New("SC_CLK_TCK not available")
	}

	tags := []string{}
	if cfg.WorkstationMode {
		tags = append(tags, "desktop")
	}
	tags = append(tags, cfg.CustomTags...)

	m := &linuxManager{
		cfg: cfg,
		static: StaticInfo{
			Hostname:      hostname,
			Distro:        distro,
			BootTimeEpoch: bootTime,
			PageSize:      pageSize,
			ClockTick:     clockTick,
			Tags:          tags,
		},
		hwState:           HardwareUp,
		monitoredSessions: make(map[int32]struct{}),
		sessionProcesses:  make(map[int32][]int32),
		cachedProcesses:   make(map[int32]ProcRecord),
	}
	m.attributes = map[string]string{
		"SP_OS": distro,
	}
	return m, nil
}

func (m *linuxManager) CollectStatic() (StaticInfo, error) {
	return m.static, nil
}

func (m *linuxManager) CollectDynamic(multiplier int) (DynamicInfo, error) {
	if multiplier <= 0 {
		multiplier = 1
	}

	load1, _, _, err := readLoadAvg(m.cfg.ProcLoadavgPath)
	if err != nil {
		return DynamicInfo{}, errors.Wrap(err, "failed to read load average")
	}

	total, avail, err := readTempStorage(m.cfg.TempPath)
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
		Load:                int(round(load1*100)) / multiplier,
		AvailableMemoryKiB:  available / 1024,
		TotalMemoryKiB:      vm.Total / 1024,
		FreeSwapKiB:         swap.Free / 1024,
		TotalSwapKiB:        swap.Total / 1024,
		TempStorageFreeKiB:  avail / 1024,
		TempStorageTotalKiB: total / 1024,
	}, nil
}

func round(f float64) float64 {
	if f < 0 {
		return -round(-f)
	}
	return float64(int64(f + 0.5))
}

func readHostname(useIP bool) (string, error) {
	info, err := host.Info()
	if err != nil {
		return "", err
	}
	name := info.Hostname
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		name = name[:idx]
	}
	if !useIP {
		return name, nil
	}
	addrs, err := net.LookupHost(name)
	if err != nil || len(addrs) == 0 {
		return "", errors.Errorf("failed to find IP for %s", name)
	}
	return addrs[0], nil
}

func readDistro(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "ID=") || strings.HasPrefix(line, "DISTRIB_ID") {
			_, val, found := strings.Cut(line, "=")
			if !found {
				continue
			}
			return strings.ReplaceAll(val, `"`, ""), nil
		}
	}
	return "", errors.New("couldn't find release ID")
}

func readBootTime(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "btime") {
			_, val, found := strings.Cut(line, " ")
			if !found {
				continue
			}
			return strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		}
	}
	return 0, errors.New("couldn't find boot time")
}

func readLoadAvg(path string) (load1, load5, load15 float64, err error) {
	f, ferr := os.Open(path)
	if ferr != nil {
		return 0, 0, 0, ferr
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, 0, errors.New("couldn't find load average")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 3 {
		return 0, 0, 0, errors.New("malformed loadavg line")
	}
	load1, _ = strconv.ParseFloat(fields[0], 64)
	load5, _ = strconv.ParseFloat(fields[1], 64)
	load15, _ = strconv.ParseFloat(fields[2], 64)
	return load1, load5, load15, nil
}

func readTempStorage(tempPath string) (total, free uint64, err error) {
	usage, err := disk.Usage(tempPath)
	if err != nil {
		return 0, 0, err
	}
	return usage.Total, usage.Free, nil
}

// RegisterMonitoredSession adds a session id to the sticky set consulted on
// every process-tree refresh (spec §4.4 step 1).
func (m *linuxManager) RegisterMonitoredSession(sessionID int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitoredSessions[sessionID] = struct{}{}
}

// RefreshProcessTree rescans /proc, keeping only group-leader processes in a
// monitored, non-dead session (spec §4.3, "Process-tree refresh").
func (m *linuxManager) RefreshProcessTree() error {
	entries, err := os.ReadDir(m.cfg.ProcRoot)
	if err != nil {
		return errors.Wrap(err, "failed to read /proc")
	}

	m.mu.Lock()
	monitored := make(map[int32]struct{}, len(m.monitoredSessions))
	for sid := range m.monitoredSessions {
		monitored[sid] = struct{}{}
	}
	m.mu.Unlock()

	sessionProcesses := make(map[int32][]int32)
	cached := make(map[int32]ProcRecord)

	for _, entry := range entries {
		pid64, err := strconv.ParseInt(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := int32(pid64)

		sessionID, tgid, state, ok := readProcStatus(m.cfg.ProcRoot, pid)
		if !ok {
			continue
		}
		if sessionID == 0 || pid != tgid {
			continue
		}
		if _, isMonitored := monitored[sessionID]; !isMonitored {
			continue
		}
		if state == "Z" || state == "X" {
			continue
		}

		rec, err := readProcRecord(m.cfg, m.static, pid, sessionID)
		if err != nil {
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

func (m *linuxManager) SessionProcesses(sessionID int32) ([]ProcRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pids, ok := m.sessionProcesses[sessionID]
	if !ok {
		return nil, false
	}
	out := make([]ProcRecord, 0, len(pids))
	for _, pid := range pids {
		if rec, ok := m.cachedProcesses[pid]; ok && !rec.IsDead() {
			out = append(out, rec)
		}
	}
	return out, true
}

func (m *linuxManager) Process(pid int32) (ProcRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.cachedProcesses[pid]
	return rec, ok
}

func (m *linuxManager) KillSession(pid int32, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	if err := unix.Kill(-int(pid), sig); err != nil {
		return errors.Wrapf(err, "failed to signal session %d", pid)
	}
	return nil
}

func (m *linuxManager) ForceKill(pids []int32) error {
	var lastErr error
	for _, pid := range pids {
		if err := unix.Kill(int(pid), unix.SIGKILL); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *linuxManager) Reboot() error {
	cmdPath, err := exec.LookPath("reboot")
	if err != nil {
		return errors.Wrap(err, "reboot binary not found")
	}
	return exec.Command(cmdPath).Run()
}

func (m *linuxManager) HardwareState() HardwareState { return m.hwState }

func (m *linuxManager) Attributes() map[string]string {
	out := make(map[string]string, len(m.attributes))
	for k, v := range m.attributes {
		out[k] = v
	}
	return out
}

func readProcStatus(procRoot string, pid int32) (sessionID, tgid int32, state string, ok bool) {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(int(pid)), "status"))
	if err != nil {
		return 0, 0, "", false
	}

	var gotSession, gotTgid, gotState bool
	for _, line := range strings.Split(string(data), "\n") {
		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "Tgid":
			if v, err := strconv.ParseInt(val, 10, 32); err == nil {
				tgid = int32(v)
				gotTgid = true
			}
		case "NSsid", "SID", "Sid":
			if v, err := strconv.ParseInt(val, 10, 32); err == nil {
				sessionID = int32(v)
				gotSession = true
			}
		case "State":
			fields := strings.Fields(val)
			if len(fields) > 0 {
				state = fields[0]
				gotState = true
			}
		}
	}
	return sessionID, tgid, state, gotSession && gotTgid && gotState
}

func readProcRecord(cfg Config, static StaticInfo, pid, sessionID int32) (ProcRecord, error) {
	base := filepath.Join(cfg.ProcRoot, strconv.Itoa(int(pid)))

	statBytes, err := os.ReadFile(filepath.Join(base, "stat"))
	if err != nil {
		return ProcRecord{}, err
	}
	statmBytes, err := os.ReadFile(filepath.Join(base, "statm"))
	if err != nil {
		return ProcRecord{}, err
	}
	cmdlineBytes, err := os.ReadFile(filepath.Join(base, "cmdline"))
	if err != nil {
		return ProcRecord{}, err
	}

	statFields := strings.Fields(string(statBytes))
	statmFields := strings.Fields(string(statmBytes))
	if len(statFields) < 22 || len(statmFields) < 2 {
		return ProcRecord{}, errors.Errorf("invalid /proc/%d/stat", pid)
	}

	state := statFields[2]
	name := statFields[1]
	if len(name) > 2 {
		name = name[1 : len(name)-1]
	}
	startTicks, err := strconv.ParseInt(statFields[21], 10, 64)
	if err != nil {
		return ProcRecord{}, errors.Wrapf(err, "invalid starttime for pid %d", pid)
	}

	vsz, err := strconv.ParseUint(statmFields[0], 10, 64)
	if err != nil {
		return ProcRecord{}, err
	}
	rss, err := strconv.ParseUint(statmFields[1], 10, 64)
	if err != nil {
		return ProcRecord{}, err
	}

	clockTick := static.ClockTick
	if clockTick <= 0 {
		clockTick = 100
	}
	pageSize := static.PageSize
	if pageSize <= 0 {
		pageSize = 4096
	}

	startEpoch := static.BootTimeEpoch + startTicks/clockTick
	runTime := saturatingSubI64(nowEpoch(), startEpoch)

	return ProcRecord{
		Pid:            pid,
		SessionID:      sessionID,
		Name:           name,
		State:          state,
		RSSBytes:       rss * uint64(pageSize),
		VSZBytes:       vsz * uint64(pageSize),
		CmdLine:        strings.ReplaceAll(string(cmdlineBytes), "\x00", " "),
		StartTimeEpoch: startEpoch,
		RunTimeSeconds: runTime,
	}, nil
}
