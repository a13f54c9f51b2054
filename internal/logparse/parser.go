// Package logparse normalizes heterogeneous build and runtime output into
// uniform log entries. Input lines may be plain text or JSON progress frames
// emitted by the image build stream; parsing is total and never panics.
package logparse

import (
	"encoding/json"
	"strings"

	"github.com/trymist/Mist/internal/domain"
)

// suppressedStatuses lists the high-frequency image pull progress states that
// produce no log entry. Completion states and anything unlisted pass through.
var suppressedStatuses = map[string]struct{}{
	"Downloading":        {},
	"Extracting":         {},
	"Waiting":            {},
	"Verifying Checksum": {},
}

// errorMarkers are scanned case-insensitively to classify plain text lines
// as stderr.
var errorMarkers = []string{
	"error:", "err:", "fatal:", "panic:",
	"warning:", "warn:",
	"failed", "failure",
	"exception:", "traceback", "stack trace",
	" err ",
	"[error]", "[err]", "[fatal]", "[panic]", "[warning]", "[warn]",
}

// progressFrame is the structured shape of one JSON output line.
type progressFrame struct {
	Stream string          `json:"stream"`
	Status string          `json:"status"`
	ID     string          `json:"id"`
	Error  string          `json:"error"`
	Aux    json.RawMessage `json:"aux"`
}

// Parse converts one raw output line into at most one log entry. The second
// return value is false when the line is pure noise and must be suppressed.
func Parse(line string) (domain.LogEntry, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return domain.LogEntry{}, false
	}
	if !strings.HasPrefix(trimmed, "{") {
		return plainEntry(line), true
	}

	var frame progressFrame
	if err := json.Unmarshal([]byte(trimmed), &frame); err != nil {
		// Malformed JSON falls back to plain text handling.
		return plainEntry(line), true
	}

	switch {
	case frame.Error != "":
		return domain.LogEntry{Line: frame.Error, Stream: domain.StreamStderr}, true
	case frame.Stream != "":
		return plainEntry(strings.TrimRight(frame.Stream, "\n")), true
	case frame.Status != "":
		if _, noisy := suppressedStatuses[frame.Status]; noisy {
			return domain.LogEntry{}, false
		}
		text := frame.Status
		if frame.ID != "" {
			text = frame.Status + ": " + frame.ID
		}
		return domain.LogEntry{Line: text, Stream: domain.StreamStdout}, true
	case len(frame.Aux) > 0:
		// Aux-only frames carry metadata (image id, digest), not output.
		return domain.LogEntry{}, false
	}
	return plainEntry(line), true
}

// DetectStream classifies a line as stdout or stderr by marker scan.
func DetectStream(line string) domain.LogStream {
	lowered := strings.ToLower(line)
	for _, marker := range errorMarkers {
		if strings.Contains(lowered, marker) {
			return domain.StreamStderr
		}
	}
	return domain.StreamStdout
}

func plainEntry(line string) domain.LogEntry {
	return domain.LogEntry{Line: line, Stream: DetectStream(line)}
}
