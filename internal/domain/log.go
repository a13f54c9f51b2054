package domain

// LogStream classifies a log line's origin.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// LogEntry is one line of output attributable to a deployment. Append order
// is the sole ordering guarantee.
type LogEntry struct {
	Line   string    `json:"line"`
	Stream LogStream `json:"stream"`
}
