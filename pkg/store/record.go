package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/executor"
)

// Record is one durable session: an append-only JSONL message log plus a
// human-readable name. All mutations persist before returning.
type Record struct {
	mu      sync.Mutex
	dir     string
	header  recordHeader
	entries []*recordEntry
	name    string
	flushed bool
}

func newRecord(dir string) *Record {
	cwd, _ := os.Getwd()
	return &Record{
		dir:     dir,
		header:  newRecordHeader(filepath.Base(dir), cwd),
		entries: make([]*recordEntry, 0),
	}
}

func loadRecord(dir string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(dir, "messages.jsonl"))
	if err != nil {
		return nil, err
	}

	lines := splitLines(data)
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty session file in %s", dir)
	}

	header, err := decodeRecordHeader(lines[0])
	if err != nil || header == nil {
		return nil, fmt.Errorf("corrupt session header in %s", dir)
	}

	rec := &Record{
		dir:     dir,
		header:  *header,
		entries: make([]*recordEntry, 0, len(lines)-1),
		flushed: true,
	}
	for _, line := range lines[1:] {
		entry, err := decodeRecordEntry(line)
		if err != nil || entry == nil {
			continue
		}
		rec.entries = append(rec.entries, entry)
		if entry.Type == entryTypeName && strings.TrimSpace(entry.Name) != "" {
			rec.name = strings.TrimSpace(entry.Name)
		}
	}
	return rec, nil
}

// Key returns the durable key (directory path) of this record.
func (r *Record) Key() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir
}

// ID returns the process-independent session id from the header.
func (r *Record) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.ID
}

// Name returns the session's human-readable name, if set.
func (r *Record) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// Messages returns the transcript built from all entries.
func (r *Record) Messages() []executor.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return buildTranscript(r.entries)
}

// AppendMessage appends one message and persists it.
func (r *Record) AppendMessage(msg executor.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := newMessageEntry(msg)
	r.entries = append(r.entries, entry)
	if err := r.persistEntry(entry); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	return nil
}

// SetName records a new session name and persists it.
func (r *Record) SetName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := &recordEntry{
		Type:      entryTypeName,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Name:      name,
	}
	r.entries = append(r.entries, entry)
	if err := r.persistEntry(entry); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	r.name = name
	return nil
}

// Compact replaces all but the most recent keepRecent messages with a
// compaction entry carrying the given summary, then rewrites the file.
// It returns the number of messages dropped.
func (r *Record) Compact(keepRecent int, summary string) (int, error) {
	if keepRecent < 0 {
		keepRecent = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	transcript := buildTranscript(r.entries)
	if len(transcript) <= keepRecent {
		return 0, nil
	}
	dropped := len(transcript) - keepRecent
	kept := transcript[dropped:]

	entries := make([]*recordEntry, 0, keepRecent+1)
	entries = append(entries, &recordEntry{
		Type:      entryTypeCompaction,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Summary:   summary,
		Dropped:   dropped,
	})
	for _, msg := range kept {
		entries = append(entries, newMessageEntry(msg))
	}
	// Preserve the name entry across the rewrite.
	if r.name != "" {
		entries = append(entries, &recordEntry{
			Type:      entryTypeName,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Name:      r.name,
		})
	}

	r.entries = entries
	if err := r.rewriteFile(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	return dropped, nil
}

// Export writes the transcript as plain text to the given path.
func (r *Record) Export(path string) error {
	r.mu.Lock()
	transcript := buildTranscript(r.entries)
	r.mu.Unlock()

	var b strings.Builder
	for _, msg := range transcript {
		b.WriteString(strings.ToUpper(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	return nil
}

func (r *Record) filePath() string {
	return filepath.Join(r.dir, "messages.jsonl")
}

func (r *Record) persistEntry(entry *recordEntry) error {
	if !r.flushed {
		return r.rewriteFile()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	file, err := os.OpenFile(r.filePath(), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Sync()
}

func (r *Record) rewriteFile() error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return err
	}

	filePath := r.filePath()
	tmpPath := fmt.Sprintf("%s.tmp-%d-%d", filePath, os.Getpid(), time.Now().UnixNano())
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
		_ = os.Remove(tmpPath)
	}()

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(r.header); err != nil {
		return err
	}
	for _, entry := range r.entries {
		if err := encoder.Encode(entry); err != nil {
			return err
		}
	}
	if err := file.Sync(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return err
	}

	r.flushed = true
	return nil
}
