package frame

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/cueframe/rqd/internal/rqderrors"
)

// snapshotRecord is the on-disk shape of a RunningFrame snapshot (spec §6
// "Snapshot file"): everything needed to reconstruct a RunningFrame and
// resume monitoring it, but none of the in-process synchronization
// primitives. encoding/gob is used instead of a third-party binary codec:
// nothing in the example corpus ships a bincode-equivalent general-purpose
// binary serializer, and gob is the stdlib's native answer to exactly this
// "serialize one process's own struct, deserialize it back in the same
// program" use case.
type snapshotRecord struct {
	Request   LaunchRequest
	Config    RunnerConfig
	Hostname  string
	UID       int32
	GID       int32
	ThreadIDs []int
	GpuIDs    []int

	LogPath        string
	RawStdoutPath  string
	RawStderrPath  string
	ExitFilePath   string
	EntrypointPath string
	EnvVars        map[string]string

	State    State
	Running  RunningState
	Finished FinishedState
}

// createSnapshot persists the frame's current state to SnapshotPath, to be
// reloaded by FromSnapshot if the agent restarts mid-frame (spec §4.5
// "Recovery").
func (f *RunningFrame) createSnapshot() error {
	path, err := f.SnapshotPath()
	if err != nil {
		return err
	}

	f.mu.RLock()
	rec := snapshotRecord{
		Request:        f.Request,
		Config:         f.Config,
		Hostname:       f.Hostname,
		UID:            f.UID,
		GID:            f.GID,
		ThreadIDs:      f.ThreadIDs,
		GpuIDs:         f.GpuIDs,
		LogPath:        f.LogPath,
		RawStdoutPath:  f.RawStdoutPath,
		RawStderrPath:  f.RawStderrPath,
		ExitFilePath:   f.ExitFilePath,
		EntrypointPath: f.EntrypointPath,
		EnvVars:        f.EnvVars,
		State:          f.state,
		Running:        f.running,
		Finished:       f.finished,
	}
	f.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("serializing frame snapshot: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// clearSnapshot removes the frame's snapshot file after a clean finish.
func (f *RunningFrame) clearSnapshot() error {
	path, err := f.SnapshotPath()
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// FromSnapshot loads a persisted RunningFrame and overlays fresh runner
// config, verifying the recorded pid is still present in the process
// table (spec §4.5 "Recovery"). Pid reuse across a restart window is an
// acknowledged, unresolved limitation — same as the original.
func FromSnapshot(path string, cfg RunnerConfig) (*RunningFrame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}

	var rec snapshotRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}

	f := &RunningFrame{
		Request:        rec.Request,
		Config:         cfg.withDefaults(),
		Hostname:       rec.Hostname,
		UID:            rec.UID,
		GID:            rec.GID,
		ThreadIDs:      rec.ThreadIDs,
		GpuIDs:         rec.GpuIDs,
		LogPath:        rec.LogPath,
		RawStdoutPath:  rec.RawStdoutPath,
		RawStderrPath:  rec.RawStderrPath,
		ExitFilePath:   rec.ExitFilePath,
		EntrypointPath: rec.EntrypointPath,
		EnvVars:        rec.EnvVars,
		state:          rec.State,
		running:        rec.Running,
		finished:       rec.Finished,
	}

	pid, ok := f.Pid()
	if !ok || !isProcessRunning(pid) {
		return nil, &rqderrors.SnapshotMissingOrStale{Path: path}
	}
	return f, nil
}

func isProcessRunning(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
