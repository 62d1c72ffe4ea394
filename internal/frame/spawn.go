package frame

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Logger is the per-frame log writer (the merged .rqlog file), distinct
// from the operational zerolog used for daemon-level events. Grounded on
// the Rust FrameLogger's single Writeln method.
type Logger interface {
	Writeln(line string)
	Close() error
}

// Run executes the frame to completion: builds the entrypoint script,
// spawns (or, in recover mode, re-attaches to) the child, tees its raw
// output into logger, waits for an exit outcome, and performs the
// Created/Running→Finished|FailedBeforeStart transition (spec §4.5 "Spawn"
// / "Recovery").
func (f *RunningFrame) Run(ctx context.Context, logger Logger, recoverMode bool) {
	defer logger.Close()

	var (
		exitCode   int
		exitSignal *int
		spawnErr   error
	)
	if recoverMode {
		exitCode, exitSignal, spawnErr = f.recoverInner(ctx, logger)
	} else {
		exitCode, exitSignal, spawnErr = f.runInner(ctx, logger)
	}

	wasSpawned := spawnErr == nil
	if spawnErr != nil {
		msg := fmt.Sprintf("Frame %s failed to be spawned: %s", f, spawnErr)
		logger.Writeln(msg)
		log.Error().Msg(msg)
		if err := f.FailBeforeStart(); err != nil {
			log.Error().Err(err).Msgf("failed to mark frame %s as finished", f)
		}
	} else {
		if err := f.Finish(exitCode, exitSignal); err != nil {
			log.Error().Err(err).Msgf("failed to mark frame %s as finished", f)
		}
		logger.Writeln(f.writeFooter())
	}

	if err := f.clearSnapshot(); err != nil && wasSpawned {
		path, _ := f.SnapshotPath()
		log.Warn().Err(err).Msgf("failed to clear snapshot %s", path)
	}
}

// runInner builds the entrypoint script, spawns the subprocess with the
// configured nice/taskset wrapping, setsid pre-exec, and uid/gid, waits
// for it, and interprets its exit status (spec §4.5 "Spawn").
func (f *RunningFrame) runInner(ctx context.Context, logger Logger) (int, *int, error) {
	logger.Writeln(f.writeHeader())

	if err := f.writeEntrypointScript(); err != nil {
		return 0, nil, fmt.Errorf("writing entrypoint script: %w", err)
	}

	rawStdout, err := setupRawFD(f.RawStdoutPath)
	if err != nil {
		return 0, nil, fmt.Errorf("opening raw stdout: %w", err)
	}
	defer rawStdout.Close()

	rawStderr, err := setupRawFD(f.RawStderrPath)
	if err != nil {
		return 0, nil, fmt.Errorf("opening raw stderr: %w", err)
	}
	defer rawStderr.Close()

	argv := f.commandArgv()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = f.Config.TempPath
	cmd.Env = envSlice(f.EnvVars)
	cmd.Stdout = rawStdout
	cmd.Stderr = rawStderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if f.Config.RunAsUser {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(f.UID), Gid: uint32(f.GID)}
	}

	log.Trace().Msgf("running %s: %s", f.EntrypointPath, f.Request.Command)
	logger.Writeln(fmt.Sprintf("Running %s:", f.EntrypointPath))

	if err := cmd.Start(); err != nil {
		return 0, nil, fmt.Errorf("failed to spawn process for command %q: %w", f.Request.Command, err)
	}

	pid := cmd.Process.Pid
	f.Start(pid)
	log.Info().Msgf("frame %s started with pid %d, with taskset %s", f, pid, f.Taskset())

	if err := f.createSnapshot(); err != nil {
		log.Debug().Err(err).Msgf("failed to snapshot frame %s after spawn", f)
	}

	stopTee := make(chan struct{})
	teeDone := f.spawnLogger(logger, stopTee)

	waitErr := cmd.Wait()
	close(stopTee)
	<-teeDone

	exitCode, exitSignal := interpretOutput(waitErr)
	if exitCode == 0 {
		log.Info().Msgf("frame %s(pid=%d) finished successfully", f, pid)
	} else {
		sig := 0
		if exitSignal != nil {
			sig = *exitSignal
		}
		log.Info().Msgf("frame %s(pid=%d) finished with exit_code=%d and exit_signal=%d. log: %s", f, pid, exitCode, sig, f.LogPath)
	}
	return exitCode, exitSignal, nil
}

// recoverInner re-attaches to an already-running frame after an agent
// restart: it never spawns, only tees the existing raw files and polls
// the pid until it disappears (spec §4.5 "Recovery").
func (f *RunningFrame) recoverInner(ctx context.Context, logger Logger) (int, *int, error) {
	logger.Writeln(f.writeHeader())

	pid, ok := f.Pid()
	if !ok {
		return 0, nil, fmt.Errorf("invalid state: trying to recover a frame that hasn't started: %s", f)
	}

	stopTee := make(chan struct{})
	teeDone := f.spawnLogger(logger, stopTee)

	f.waitForExit(pid)
	close(stopTee)
	<-teeDone

	exitCode, exitSignal, err := f.readExitFile()
	if err != nil {
		sig := 143
		return 1, &sig, nil
	}
	return exitCode, exitSignal, nil
}

// waitForExit polls kill(pid, 0) every ~1.5s until the process is gone
// (spec §4.5 "Recovery" — ESRCH means the process table no longer has it).
func (f *RunningFrame) waitForExit(pid int) {
	for {
		if err := unix.Kill(pid, 0); err != nil {
			return
		}
		time.Sleep(1500 * time.Millisecond)
	}
}

// interpretOutput converts an exec.Cmd.Wait() error into (exit_code,
// exit_signal), matching spec §4.5/§6's rule. Unlike the Rust original —
// which recomputes exit_signal from exit_code *after* exit_code has
// already been overwritten to 1, producing a nonsensical negative signal —
// this derives exit_signal from the original exit code before the
// overwrite, and still prefers a signal the OS reported directly.
func interpretOutput(waitErr error) (int, *int) {
	if waitErr == nil {
		return 0, nil
	}

	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		exitCode := 1
		return exitCode, nil
	}

	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), nil
	}

	var exitSignal *int
	if status.Signaled() {
		sig := int(status.Signal())
		exitSignal = &sig
	}

	exitCode := exitErr.ExitCode()
	if exitCode < 0 {
		exitCode = 1
	}

	if exitCode > 128 && exitSignal == nil {
		sig := exitCode - 128
		exitSignal = &sig
		exitCode = 1
	}
	return exitCode, exitSignal
}

// readExitFile parses the sidecar exit file (spec §6 "Sidecar exit file"):
// values <128 are a plain exit code, >=128 decode as (1, v-128).
func (f *RunningFrame) readExitFile() (int, *int, error) {
	data, err := os.ReadFile(f.ExitFilePath)
	if err != nil {
		return 0, nil, err
	}
	v, err := strconv.Atoi(trimSpace(string(data)))
	if err != nil {
		return 0, nil, err
	}
	if v < 128 {
		return v, nil, nil
	}
	sig := v - 128
	return 1, &sig, nil
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpaceByte(s[start]) {
		start++
	}
	for end > start && isSpaceByte(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// setupRawFD opens a raw stdout/stderr file for the child to write into
// directly, independent of the agent's own lifetime (spec §4.5 step 1).
func setupRawFD(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// writeEntrypointScript renders the shell wrapper that runs the frame
// command and writes its numeric exit status to the sidecar file (spec
// §4.5 step 2).
func (f *RunningFrame) writeEntrypointScript() error {
	script := fmt.Sprintf("#!/bin/sh\n%s\nexit_code=$?\necho $exit_code > %q\nexit $exit_code\n", f.Request.Command, f.ExitFilePath)
	return os.WriteFile(f.EntrypointPath, []byte(script), 0o755)
}

// commandArgv assembles argv for the subprocess: shell + entrypoint,
// optionally wrapped with nice and/or taskset (spec §4.5 step 3).
func (f *RunningFrame) commandArgv() []string {
	argv := []string{f.Config.ShellPath, f.EntrypointPath}
	if len(f.ThreadIDs) > 0 {
		argv = append([]string{"taskset", "-c", f.Taskset()}, argv...)
	}
	if f.Config.DesktopMode {
		argv = append([]string{"nice"}, argv...)
	}
	return argv
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
