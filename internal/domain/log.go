package domain

import "time"

// Log stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogRecord is one captured output line. Records are append-only and
// ordered by (JobID, Seq).
type LogRecord struct {
	JobID     string
	Seq       int64
	Stream    string
	Timestamp time.Time
	Content   string
}
