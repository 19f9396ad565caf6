package store

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/parley-ai/parley/pkg/executor"
)

const currentRecordVersion = 1

const (
	entryTypeHeader     = "session"
	entryTypeMessage    = "message"
	entryTypeName       = "session_name"
	entryTypeCompaction = "compaction"
)

const (
	compactionSummaryPrefix = "The conversation history before this point was compacted into the following summary:\n\n<summary>\n"
	compactionSummarySuffix = "\n</summary>"
)

// recordHeader is the first line of a messages.jsonl file.
type recordHeader struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Cwd       string `json:"cwd,omitempty"`
}

// recordEntry is one line of a messages.jsonl file after the header.
type recordEntry struct {
	Type      string             `json:"type"`
	Timestamp string             `json:"timestamp"`
	Message   *executor.Message  `json:"message,omitempty"`
	Name      string             `json:"name,omitempty"`
	Summary   string             `json:"summary,omitempty"`
	Dropped   int                `json:"dropped,omitempty"`
}

func newRecordHeader(id, cwd string) recordHeader {
	return recordHeader{
		Type:      entryTypeHeader,
		Version:   currentRecordVersion,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Cwd:       cwd,
	}
}

func newMessageEntry(msg executor.Message) *recordEntry {
	return &recordEntry{
		Type:      entryTypeMessage,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Message:   &msg,
	}
}

func summaryMessage(summary, timestamp string) executor.Message {
	return executor.Message{
		Role:      executor.RoleSystem,
		Content:   compactionSummaryPrefix + summary + compactionSummarySuffix,
		Timestamp: timestampToMillis(timestamp),
	}
}

func timestampToMillis(ts string) int64 {
	if ts == "" {
		return time.Now().UnixMilli()
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Now().UnixMilli()
	}
	return parsed.UnixMilli()
}

// buildTranscript folds entries into the message list visible to consumers.
// A compaction entry replaces everything before it with its summary message.
func buildTranscript(entries []*recordEntry) []executor.Message {
	messages := make([]executor.Message, 0, len(entries))
	for _, entry := range entries {
		switch entry.Type {
		case entryTypeMessage:
			if entry.Message != nil {
				messages = append(messages, *entry.Message)
			}
		case entryTypeCompaction:
			messages = messages[:0]
			if entry.Summary != "" {
				messages = append(messages, summaryMessage(entry.Summary, entry.Timestamp))
			}
		}
	}
	return messages
}

func decodeRecordHeader(line []byte) (*recordHeader, error) {
	var header recordHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return nil, err
	}
	if header.Type != entryTypeHeader || header.ID == "" {
		return nil, nil
	}
	return &header, nil
}

func decodeRecordEntry(line []byte) (*recordEntry, error) {
	var entry recordEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return nil, err
	}
	if entry.Type == "" {
		return nil, nil
	}
	return &entry, nil
}

func splitLines(data []byte) [][]byte {
	lines := bytes.Split(data, []byte{'\n'})
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return out
}
