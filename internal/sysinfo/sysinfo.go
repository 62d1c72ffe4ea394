// Package sysinfo implements the per-host system probe (spec §4.3): static
// facts read once at startup, dynamic facts re-read on every monitor sweep,
// and a process-tree scan restricted to a sticky set of "monitored
// sessions" fed by the process-accounting layer.
//
// The platform-specific backend is a tagged sum type selected by
// runtime.GOOS at construction (spec §9's SystemManager capability set),
// grounded on the teacher's (zos) Linux/Darwin split in
// pkg/capacity/collector_*.go and the Rust original's
// system/{linux,macos}.rs. Static/dynamic host facts (hostname, memory,
// swap, temp storage) are read through gopsutil, matching the teacher's use
// of gopsutil in pkg/metrics/collectors; the process-tree scan reads
// /proc/<pid>/{stat,status,cmdline} directly, since gopsutil does not
// expose a process's session id or raw clock-tick start time and the spec
// requires both verbatim — the same trade a zero-dependency /proc reader
// like ja7ad-consumption/pkg/system/proc makes for precision sampling.
package sysinfo

import (
	"runtime"
	"time"

	"github.com/pkg/errors"
)

// HardwareState mirrors the host-report hardware-state enum (spec §6).
type HardwareState int

const (
	HardwareUp HardwareState = iota
	HardwareRebootPending
	HardwareRepairing
	HardwareDown
)

func (h HardwareState) String() string {
	switch h {
	case HardwareUp:
		return "UP"
	case HardwareRebootPending:
		return "REBOOT_PENDING"
	case HardwareRepairing:
		return "REPAIRING"
	case HardwareDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// StaticInfo is read once at init (spec §4.3).
type StaticInfo struct {
	Hostname      string
	Distro        string
	BootTimeEpoch int64
	PageSize      int64
	ClockTick     int64
	Tags          []string
}

// DynamicInfo is re-read on every monitor sweep (spec §4.3).
type DynamicInfo struct {
	Load                int // round(load1*100) / hyperthreading multiplier
	AvailableMemoryKiB  uint64
	TotalMemoryKiB      uint64
	FreeSwapKiB         uint64
	TotalSwapKiB        uint64
	TempStorageFreeKiB  uint64
	TempStorageTotalKiB uint64
}

// ProcRecord is one kept process from a process-tree scan (spec §4.3).
type ProcRecord struct {
	Pid            int32
	SessionID      int32
	Name           string
	State          string
	RSSBytes       uint64
	VSZBytes       uint64
	CmdLine        string
	StartTimeEpoch int64
	RunTimeSeconds int64
}

// IsDead reports whether the process state is one of the dead states
// excluded from aggregation (spec §4.3).
func (p ProcRecord) IsDead() bool {
	switch p.State {
	case "Z", "X", "Dead", "Zombie":
		return true
	default:
		return false
	}
}

// Config carries the tunables spec §4.3 reads from runner configuration.
type Config struct {
	UseIPAsHostname  bool
	DistroOverride   string
	WorkstationMode  bool
	CustomTags       []string
	TempPath         string
	DistroReleasePath string
	ProcStatPath     string
	ProcLoadavgPath  string
	ProcRoot         string
}

func (c Config) withDefaults() Config {
	if c.DistroReleasePath == "" {
		c.DistroReleasePath = "/etc/os-release"
	}
	if c.ProcStatPath == "" {
		c.ProcStatPath = "/proc/stat"
	}
	if c.ProcLoadavgPath == "" {
		c.ProcLoadavgPath = "/proc/loadavg"
	}
	if c.ProcRoot == "" {
		c.ProcRoot = "/proc"
	}
	if c.TempPath == "" {
		c.TempPath = "/tmp"
	}
	return c
}

// SystemManager is the capability set spec §9 calls out as a tagged
// variant: one implementation per platform, selected at startup, no
// interface-dispatch needed beyond this single seam.
type SystemManager interface {
	CollectStatic() (StaticInfo, error)
	CollectDynamic(multiplier int) (DynamicInfo, error)

	RegisterMonitoredSession(sessionID int32)
	RefreshProcessTree() error
	SessionProcesses(sessionID int32) ([]ProcRecord, bool)
	Process(pid int32) (ProcRecord, bool)

	KillSession(pid int32, force bool) error
	ForceKill(pids []int32) error
	Reboot() error

	HardwareState() HardwareState
	Attributes() map[string]string
}

// New selects the platform backend by runtime.GOOS (spec §9: a tagged sum
// type with two constructors, no virtual dispatch beyond this seam).
func New(cfg Config) (SystemManager, error) {
	cfg = cfg.withDefaults()
	switch runtime.GOOS {
	case "linux":
		return newLinuxManager(cfg)
	case "darwin":
		return newDarwinManager(cfg)
	default:
		return nil, errors.Errorf("unsupported platform %q", runtime.GOOS)
	}
}

func saturatingSubI64(a, b int64) int64 {
	d := a - b
	if d < 0 {
		return 0
	}
	return d
}

func nowEpoch() int64 { return time.Now().Unix() }
