// Package frame implements the frame lifecycle engine (spec §4.5): spawning
// a single render frame as a subprocess, tracking its Created/Running/
// Finished state machine, tee-ing its raw output into a merged log, and
// persisting enough state to recover across an agent restart.
//
// Grounded on original_source/rust/crates/rqd/src/frame/running_frame.rs;
// the state machine, derived file paths, environment assembly, spawn
// sequence, log tee, exit interpretation, and snapshot/recovery logic all
// port that file's semantics into the teacher's (zos) idiom: exported
// structs with small single-purpose methods, golang.org/x/sys/unix for the
// raw syscalls, github.com/rs/zerolog/log for operational logging, and a
// dedicated io.Writer-backed frame logger for the per-frame log file.
package frame

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LaunchRequest is the agent-ingress launch payload (spec §6). Token
// substitution and command assembly happen before construction; this
// struct carries the fully-resolved command.
type LaunchRequest struct {
	ResourceID  string
	JobID       string
	JobName     string
	LayerID     string
	FrameID     string
	FrameName   string
	Command     string
	UserName    string
	LogDir      string
	NumCores    int
	NumGpus     int
	OS          string
	StartTime   int64 // epoch ms
	IgnoreNimby bool
	HardMemKiB  uint64
	SoftMemKiB  uint64
	Environment map[string]string
	GID         int32
	Show        string
	Shot        string
	Attributes  map[string]string
}

// RunnerConfig carries the runner-wide tunables spec §4.5 reads (shell
// path, temp path, user/nice wrapping, snapshot directory).
type RunnerConfig struct {
	ShellPath       string
	TempPath        string
	SnapshotsPath   string
	DefaultGID      int32
	DesktopMode     bool
	RunAsUser       bool
	UseHostPathEnv  bool
	HostPathEnvVar  string
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.ShellPath == "" {
		c.ShellPath = "/bin/sh"
	}
	if c.TempPath == "" {
		c.TempPath = "/tmp"
	}
	if c.SnapshotsPath == "" {
		c.SnapshotsPath = "/tmp"
	}
	return c
}

// State tags which variant of the frame state machine a RunningFrame
// currently holds (spec §4.5, §9 — a tagged sum type, no interface
// dispatch needed since every method already lives on *RunningFrame).
type State int

const (
	StateCreated State = iota
	StateRunning
	StateFinished
	StateFailedBeforeStart
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateFinished:
		return "FINISHED"
	case StateFailedBeforeStart:
		return "FAILED_BEFORE_START"
	default:
		return "UNKNOWN"
	}
}

// RunningState carries the fields only meaningful while the frame's child
// process is alive.
type RunningState struct {
	Pid        int
	StartTime  time.Time
	KillReason string
}

// FinishedState carries the terminal fields recorded at exit.
type FinishedState struct {
	Pid        int
	StartTime  time.Time
	EndTime    time.Time
	ExitCode   int
	ExitSignal *int
	KillReason string
}

// RunningFrame is one frame's full lifecycle: the launch request it was
// built from, the resolved uid/gid/cpu/gpu assignment, the derived file
// paths, and the current state-machine variant.
type RunningFrame struct {
	Request  LaunchRequest
	Config   RunnerConfig
	Hostname string

	UID       int32
	GID       int32
	ThreadIDs []int
	GpuIDs    []int

	LogPath          string
	RawStdoutPath    string
	RawStderrPath    string
	ExitFilePath     string
	EntrypointPath   string
	EnvVars          map[string]string

	mu                   sync.RWMutex
	state                State
	running              RunningState
	finished             FinishedState
	markedForCacheRemove bool

	statsMu sync.Mutex
	stats   Stats
}

// Stats is the cumulative resource usage attributed to a frame while it
// runs (fed by internal/procacct each monitor cycle).
type Stats struct {
	RSSBytes       uint64
	MaxRSSBytes    uint64
	VSZBytes       uint64
	MaxVSZBytes    uint64
	GPUMemoryBytes uint64
	MaxGPUMemoryBytes uint64
	EpochStartTime int64
	RunTimeSeconds int64
	Children       []ChildInfo
}

// ChildInfo mirrors procacct.ChildStat for the frame's own footer report,
// decoupling the frame package from the accounting package's types.
type ChildInfo struct {
	Pid                int32
	Name               string
	State              string
	CmdLine            string
	RSSBytes           uint64
	StartTimeFormatted string
}

// New builds a RunningFrame from a launch request, resolving derived paths
// and environment variables (spec §4.5 "Construction inputs"/"Derived
// paths"/"Environment assembly"). gid <= 0 in the request is replaced with
// the runner's default gid (protection against frames running as root).
func New(req LaunchRequest, uid int32, cfg RunnerConfig, threadIDs, gpuIDs []int, hostname string) *RunningFrame {
	cfg = cfg.withDefaults()

	gid := req.GID
	if gid <= 0 {
		gid = cfg.DefaultGID
	}

	logPath := filepath.Join(req.LogDir, fmt.Sprintf("%s.%s.rqlog", req.JobName, req.FrameName))

	token := uuid.New().String()[0:7]
	prefix := fmt.Sprintf("%s.%s", req.FrameName, token)

	rf := &RunningFrame{
		Request:        req,
		Config:         cfg,
		Hostname:       hostname,
		UID:            uid,
		GID:            gid,
		ThreadIDs:      threadIDs,
		GpuIDs:         gpuIDs,
		LogPath:        logPath,
		RawStdoutPath:  filepath.Join(req.LogDir, fmt.Sprintf("%s.raw_stdout.rqlog", prefix)),
		RawStderrPath:  filepath.Join(req.LogDir, fmt.Sprintf("%s.raw_stderr.rqlog", prefix)),
		ExitFilePath:   filepath.Join(req.LogDir, fmt.Sprintf("%s.exit_status", prefix)),
		EntrypointPath: filepath.Join(req.LogDir, fmt.Sprintf("%s.sh", prefix)),
		state:          StateCreated,
	}
	rf.EnvVars = setupEnvVars(cfg, req, hostname, logPath)
	return rf
}

// SnapshotPath is the path a Running frame persists its recovery snapshot
// under (spec §4.5 "Snapshot"). Only valid once the frame has a pid.
func (f *RunningFrame) SnapshotPath() (string, error) {
	pid, ok := f.Pid()
	if !ok {
		return "", fmt.Errorf("no pid available for frame snapshot")
	}
	return filepath.Join(f.Config.SnapshotsPath, fmt.Sprintf("snapshot_%s-%s-%d.bin", f.Request.JobID, f.Request.FrameID, pid)), nil
}

// String renders "<job>.<frame>(<frame_id>)", matching the Rust Display
// impl used in log lines.
func (f *RunningFrame) String() string {
	return fmt.Sprintf("%s.%s(%s)", f.Request.JobName, f.Request.FrameName, f.Request.FrameID)
}

// Pid returns the frame's pid if it is Running or Finished.
func (f *RunningFrame) Pid() (int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	switch f.state {
	case StateRunning:
		return f.running.Pid, true
	case StateFinished:
		return f.finished.Pid, true
	default:
		return 0, false
	}
}

// State reports the current state tag.
func (f *RunningFrame) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Start transitions Created→Running. Logged and ignored (not returned as
// an error) if called out of order, matching the Rust original — the
// frame that triggered this transition must still be allowed to finish.
func (f *RunningFrame) Start(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateCreated {
		log.Error().Msgf("invalid state: frame %s cannot start from state %s", f, f.state)
		return
	}
	f.state = StateRunning
	f.running = RunningState{Pid: pid, StartTime: time.Now()}
}

// Finish transitions Running→Finished with the given exit outcome.
func (f *RunningFrame) Finish(exitCode int, exitSignal *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case StateRunning:
		f.finished = FinishedState{
			Pid:        f.running.Pid,
			StartTime:  f.running.StartTime,
			EndTime:    time.Now(),
			ExitCode:   exitCode,
			ExitSignal: exitSignal,
			KillReason: f.running.KillReason,
		}
		f.state = StateFinished
		return nil
	case StateFinished:
		return fmt.Errorf("invalid state: frame %s has already finished", f)
	case StateFailedBeforeStart:
		return fmt.Errorf("invalid state: frame %s failed before starting", f)
	default:
		return fmt.Errorf("invalid state: frame %s hasn't started", f)
	}
}

// FailBeforeStart transitions Created→FailedBeforeStart (spawn error).
func (f *RunningFrame) FailBeforeStart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateCreated {
		return fmt.Errorf("invalid state: frame %s has already started or finished", f)
	}
	f.state = StateFailedBeforeStart
	return nil
}

// GetPidToKill stamps kill_reason and returns the pid to signal; only
// valid while Running (spec §4.5 "Kill request").
func (f *RunningFrame) GetPidToKill(reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case StateRunning:
		f.running.KillReason = reason
		return f.running.Pid, nil
	case StateFinished:
		return 0, fmt.Errorf("frame %s has already finished", f)
	case StateFailedBeforeStart:
		return 0, fmt.Errorf("frame %s failed before starting", f)
	default:
		return 0, fmt.Errorf("frame %s hasn't started", f)
	}
}

// FinishedSnapshot returns a copy of the finished state, or ok=false if
// the frame hasn't reached it yet.
func (f *RunningFrame) FinishedSnapshot() (FinishedState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.state != StateFinished {
		return FinishedState{}, false
	}
	return f.finished, true
}

// UpdateStats merges a fresh accounting sample into the frame's cumulative
// stats (spec §4.6 step 2), tracking running maxima.
func (f *RunningFrame) UpdateStats(sample Stats) {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	f.stats.RSSBytes = sample.RSSBytes
	f.stats.VSZBytes = sample.VSZBytes
	f.stats.GPUMemoryBytes = sample.GPUMemoryBytes
	f.stats.EpochStartTime = sample.EpochStartTime
	f.stats.RunTimeSeconds = sample.RunTimeSeconds
	f.stats.Children = sample.Children
	if sample.RSSBytes > f.stats.MaxRSSBytes {
		f.stats.MaxRSSBytes = sample.RSSBytes
	}
	if sample.VSZBytes > f.stats.MaxVSZBytes {
		f.stats.MaxVSZBytes = sample.VSZBytes
	}
	if sample.GPUMemoryBytes > f.stats.MaxGPUMemoryBytes {
		f.stats.MaxGPUMemoryBytes = sample.GPUMemoryBytes
	}
}

// StatsSnapshot returns a copy of the frame's cumulative stats.
func (f *RunningFrame) StatsSnapshot() Stats {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.stats
}

// MarkForCacheRemoval flags this frame as a first-observation "disappeared
// from the OS" candidate (spec §4.6 step 2). Tolerates the one-cycle race
// between OS-visible death and engine state update.
func (f *RunningFrame) MarkForCacheRemoval() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedForCacheRemove = true
}

// IsMarkedForCacheRemoval reports whether MarkForCacheRemoval was called.
func (f *RunningFrame) IsMarkedForCacheRemoval() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.markedForCacheRemove
}

// Taskset renders the CPU affinity list used in the startup log line,
// defaulting to core 0 when no thread ids were assigned.
func (f *RunningFrame) Taskset() string {
	ids := f.ThreadIDs
	if len(ids) == 0 {
		ids = []int{0}
	}
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", id)
	}
	return out
}

func setupEnvVars(cfg RunnerConfig, req LaunchRequest, hostname, logPath string) map[string]string {
	pathEnv := cfg.HostPathEnvVar
	if !cfg.UseHostPathEnv || pathEnv == "" {
		pathEnv = defaultPathEnvVar()
	}

	env := make(map[string]string, len(req.Environment)+16)
	for k, v := range req.Environment {
		env[k] = v
	}
	env["PATH"] = pathEnv
	env["TERM"] = "unknown"
	env["USER"] = req.UserName
	env["LOGNAME"] = req.UserName
	env["mcp"] = "1"
	env["show"] = req.Show
	env["shot"] = req.Shot
	env["jobid"] = req.JobName
	env["jobhost"] = hostname
	env["frame"] = req.FrameName
	env["zframe"] = req.FrameName
	env["logfile"] = logPath
	env["maxframetime"] = "0"
	env["minspace"] = "200"
	env["CUE3"] = "True"
	env["SP_NOMYCSHRC"] = "1"
	return env
}

func defaultPathEnvVar() string {
	return "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
}
