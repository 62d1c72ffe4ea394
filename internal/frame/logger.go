package frame

import "os"

// FileLogger appends lines to a frame's merged .rqlog file, matching the
// Rust FrameLogger's role: a single append-only writer shared between the
// header/footer and the log tee.
type FileLogger struct {
	file *os.File
}

// NewFileLogger opens (creating if necessary) the merged log file at path
// for appending. If runAsUser is true, ownership is changed to uid/gid so
// the render user can read their own frame's log.
func NewFileLogger(path string, runAsUser bool, uid, gid int32) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if runAsUser {
		_ = f.Chown(int(uid), int(gid))
	}
	return &FileLogger{file: f}, nil
}

func (l *FileLogger) Writeln(line string) {
	l.file.WriteString(line)
	l.file.WriteString("\n")
}

func (l *FileLogger) Close() error {
	return l.file.Close()
}
