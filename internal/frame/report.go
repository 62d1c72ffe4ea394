package frame

import (
	"fmt"
	"strings"
)

// writeHeader renders the log header written at spawn/recovery time (spec
// §6 "Log files"), listing the command, uid/gid, and the full resolved
// environment.
func (f *RunningFrame) writeHeader() string {
	var envLines []string
	for k, v := range f.EnvVars {
		envLines = append(envLines, fmt.Sprintf("%s=%s", k, v))
	}

	hyperthread := "Hyperthreading disabled"
	if len(f.ThreadIDs) > 0 {
		hyperthread = fmt.Sprintf("Hyperthreading cores %s", f.Taskset())
	}

	return fmt.Sprintf(`
====================================================================================================
RenderQ JobSpec
command             %s
uid                 %d
gid                 %d
log_path            %s
render_host         %s
job_id              %s
frame_id            %s
%s

----------------------------------------------------------------------------------------------------
Environment Variables:
%s
====================================================================================================
`,
		f.Request.Command, f.UID, f.GID, f.LogPath, f.Hostname, f.Request.JobID, f.Request.FrameID,
		hyperthread, strings.Join(envLines, "\n"))
}

// writeFooter renders the log footer written once the frame reaches
// Finished (spec §6 "Log files"): exit status/signal, timings, peak
// memory, and a per-child section. Any other state renders a minimal
// placeholder, matching the original's fallback for an abnormal exit.
func (f *RunningFrame) writeFooter() string {
	finished, ok := f.FinishedSnapshot()
	if !ok {
		return `
====================================================================================================
Render Frame Completed
====================================================================================================`
	}

	killMessage := ""
	if finished.ExitSignal != nil {
		reason := finished.KillReason
		if reason == "" {
			reason = "No reason defined"
		}
		killMessage = fmt.Sprintf("\nkillMessage          %s\n", reason)
	}

	exitSignal := 0
	if finished.ExitSignal != nil {
		exitSignal = *finished.ExitSignal
	}

	stats := f.StatsSnapshot()

	var children strings.Builder
	for i, c := range stats.Children {
		if i > 0 {
			children.WriteString("\n")
		}
		children.WriteString(fmt.Sprintf(`____________________________________________________________________________________________________
    child_pid           %d
    name                %s - %s
    cmdline             %s
    maxrss              %d
    start_time          %s`, c.Pid, c.Name, c.State, c.CmdLine, c.RSSBytes, c.StartTimeFormatted))
	}

	return fmt.Sprintf(`
====================================================================================================
Render Frame Completed
exitStatus          %d
exitSignal          %d%s
startTime           %s
endTime             %s
maxrss              %d
maxUsedGpuMemory    %d
runTime             %d

Processes:
%s
====================================================================================================`,
		finished.ExitCode, exitSignal, killMessage,
		finished.StartTime.Local().Format("2006-01-02 15:04:05"),
		finished.EndTime.Local().Format("2006-01-02 15:04:05"),
		stats.MaxRSSBytes, stats.MaxGPUMemoryBytes, stats.RunTimeSeconds,
		children.String())
}
