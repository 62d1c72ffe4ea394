package frame

import (
	"bufio"
	"os"
	"time"
)

// spawnLogger starts the log tee goroutine and returns a channel that
// closes once it has drained and exited, mirroring the Rust original's
// spawn_logger/pipe_output_to_logger pair but as a goroutine + channel
// instead of a tokio task + mpsc sender (spec §4.5 "Log tee").
func (f *RunningFrame) spawnLogger(logger Logger, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.pipeOutputToLogger(logger, stop)
	}()
	return done
}

// pipeOutputToLogger tees the raw stdout/stderr files into logger until
// stop fires, then does one final drain and deletes the raw files (spec
// §4.5 "Log tee").
func (f *RunningFrame) pipeOutputToLogger(logger Logger, stop <-chan struct{}) {
	const refreshInterval = 5 * time.Second

	var (
		stdoutPos, stderrPos       int64
		lastStdoutReopen, lastStderrReopen time.Time
	)

	stdoutTicker := time.NewTicker(300 * time.Millisecond)
	defer stdoutTicker.Stop()
	stderrTicker := time.NewTicker(500 * time.Millisecond)
	defer stderrTicker.Stop()

	for {
		select {
		case <-stdoutTicker.C:
			forceReopen := time.Since(lastStdoutReopen) >= refreshInterval
			stdoutPos = readLogLines(f.RawStdoutPath, stdoutPos, logger, forceReopen)
			if forceReopen {
				lastStdoutReopen = time.Now()
			}
		case <-stderrTicker.C:
			forceReopen := time.Since(lastStderrReopen) >= refreshInterval
			stderrPos = readLogLines(f.RawStderrPath, stderrPos, logger, forceReopen)
			if forceReopen {
				lastStderrReopen = time.Now()
			}
		case <-stop:
			readLogLines(f.RawStdoutPath, stdoutPos, logger, true)
			readLogLines(f.RawStderrPath, stderrPos, logger, true)
			os.Remove(f.RawStdoutPath)
			os.Remove(f.RawStderrPath)
			return
		}
	}
}

// readLogLines reads every newline-delimited line available at path past
// startPosition and forwards it to logger, returning the new offset. A
// missing or unreadable file is a no-op — the writer may not have created
// it yet (spec §4.5 "Log tee" step 2).
func readLogLines(path string, startPosition int64, logger Logger, forceReopen bool) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return startPosition
	}
	if info.Size() <= startPosition && !forceReopen {
		return startPosition
	}

	file, err := os.Open(path)
	if err != nil {
		return startPosition
	}
	defer file.Close()

	if _, err := file.Seek(startPosition, 0); err != nil {
		return startPosition
	}

	pos := startPosition
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Writeln(line)
		pos += int64(len(line)) + 1
	}
	return pos
}
