// Package logstore persists per-deployment build logs as append-only files.
package logstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/trymist/Mist/internal/domain"
)

// ErrNotFound indicates the log artifact for a deployment does not exist.
var ErrNotFound = errors.New("logstore: log file not found")

// Store owns deployment log files under a common root.
type Store struct {
	root string
}

// New ensures the log root exists and is accessible.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("log root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create log root: %w", err)
	}
	return &Store{root: root}, nil
}

// Path returns the log file location for a deployment.
func (s *Store) Path(deploymentID int64) string {
	return filepath.Join(s.root, fmt.Sprintf("deployment_%d_build_logs", deploymentID))
}

// Open creates or reopens the append-only log file for a deployment.
func (s *Store) Open(deploymentID int64) (*Writer, error) {
	f, err := os.OpenFile(s.Path(deploymentID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &Writer{f: f}, nil
}

// ReadAll returns the full persisted log text for a deployment.
func (s *Store) ReadAll(deploymentID int64) (string, error) {
	data, err := os.ReadFile(s.Path(deploymentID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read log file: %w", err)
	}
	return string(data), nil
}

// Remove deletes a deployment's log artifact.
func (s *Store) Remove(deploymentID int64) error {
	path := s.Path(deploymentID)
	// Only remove files within the configured root.
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove path outside log root")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove log file: %w", err)
	}
	return nil
}

// Writer appends entries to one deployment's log file. Safe for use by a
// single producer; Append syncs each line so acknowledged entries survive a
// process restart.
type Writer struct {
	mu sync.Mutex
	f  *os.File
}

// Append durably writes one entry as a line of text.
func (w *Writer) Append(entry domain.LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("log writer closed")
	}
	line := strings.TrimRight(entry.Line, "\n") + "\n"
	if _, err := w.f.WriteString(line); err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	return w.f.Sync()
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
