// Package eventlog records gate snapshots to rotated JSONL files so a session
// can be replayed after the fact.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"platforminit/pkg/gate"
)

const filePrefix = "snapshots-"

// Writer appends snapshots to a JSONL file that rotates every rotation period.
type Writer struct {
	logDir      string
	period      time.Duration
	currentFile *os.File
	currentKey  string
	mu          sync.Mutex
	now         func() time.Time
}

// NewWriter creates a writer in logDir. rotationHours <= 0 means daily.
func NewWriter(logDir string, rotationHours int) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if rotationHours <= 0 {
		rotationHours = 24
	}

	w := &Writer{
		logDir: logDir,
		period: time.Duration(rotationHours) * time.Hour,
		now:    time.Now,
	}

	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}

	return w, nil
}

// Name identifies the writer as a mirror sink.
func (w *Writer) Name() string {
	return "eventlog"
}

// Send writes s. It implements the mirror sink contract.
func (w *Writer) Send(_ context.Context, s gate.Snapshot) error {
	return w.Write(s)
}

// Write appends one snapshot as a JSON line and syncs the file.
func (w *Writer) Write(s gate.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	data = append(data, '\n')

	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

func (w *Writer) key(t time.Time) string {
	if w.period >= 24*time.Hour {
		return t.Format("2006-01-02")
	}
	return t.Truncate(w.period).Format("2006-01-02T15")
}

func (w *Writer) rotateIfNeeded() error {
	key := w.key(w.now())
	if w.currentFile == nil || w.currentKey != key {
		return w.rotate(key)
	}
	return nil
}

func (w *Writer) rotate(key string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, filePrefix+key+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentKey = key
	return nil
}

// Close closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}
	return nil
}

// CurrentLogFile returns the path of the active file, or "" once closed.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return w.currentFile.Name()
}

// ReadSnapshots parses every snapshot in a log file. Blank lines are skipped.
func ReadSnapshots(path string) ([]gate.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	defer f.Close()

	var out []gate.Snapshot
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var s gate.Snapshot
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			return nil, fmt.Errorf("failed to parse line %d: %w", line, err)
		}
		out = append(out, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}
	return out, nil
}

// ListLogFiles returns the snapshot files in logDir, oldest first.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, filePrefix+"*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
