package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxJournalSize caps a journal file before rotation (10MB).
	DefaultMaxJournalSize = 10 * 1024 * 1024
	journalExtension      = ".jsonl"
	archiveDir            = "archive"
)

// JournalEntry is one recorded event in the append-only journal.
type JournalEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	JobID     string         `json:"job_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Journal is an append-only JSONL log of queue events, rotated by size.
// The daemon subscribes it to the bus so operators can reconstruct what a
// batch did after the fact.
type Journal struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
}

// NewJournal opens (or creates) the journal at path.
func NewJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	j := &Journal{path: path, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.currentSize = stat.Size()
	return nil
}

// Record appends one event. Used as a bus Subscriber.
func (j *Journal) Record(e Event) {
	entry := JournalEntry{
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		Data:      e.Data,
	}
	if jobID, ok := e.Data["job_id"].(string); ok {
		entry.JobID = jobID
	}
	// Best-effort, like the rest of the broadcast path.
	_ = j.write(&entry)
}

func (j *Journal) write(entry *JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	if j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return err
	}

	dir := filepath.Join(filepath.Dir(j.path), archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	base := filepath.Base(j.path)
	stamped := fmt.Sprintf("%s.%s%s",
		base[:len(base)-len(journalExtension)],
		time.Now().Format("20060102_150405"),
		journalExtension)
	if err := os.Rename(j.path, filepath.Join(dir, stamped)); err != nil {
		return err
	}

	return j.open()
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}
