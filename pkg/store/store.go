// Package store provides durable session records keyed by directory path.
// Each session is a directory holding an append-only messages.jsonl log.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/wire"
)

// ErrSessionNotFound is returned when opening an unknown or corrupt key.
var ErrSessionNotFound = errors.New("session not found")

// ErrStoreWrite is returned when a durable create, append, or delete fails.
var ErrStoreWrite = errors.New("store write failed")

// Store is the durable session store consumed by the pool.
type Store interface {
	// Open loads the record for an existing key.
	Open(key string) (*Record, error)
	// Create allocates a fresh key and returns its empty record.
	Create() (*Record, error)
	// List returns descriptors for every durable session, including ones
	// never materialized in-process, sorted by modification time descending.
	List() ([]wire.SessionDescriptor, error)
	// Delete removes the durable record for key.
	Delete(key string) error
}

// DirStore keeps each session as a subdirectory of a root directory.
type DirStore struct {
	root string
}

// NewDirStore creates a store rooted at dir.
func NewDirStore(dir string) *DirStore {
	return &DirStore{root: dir}
}

// Root returns the store's root directory.
func (ds *DirStore) Root() string {
	return ds.root
}

// Open loads the record at key. The key must be a session directory created
// by this store.
func (ds *DirStore) Open(key string) (*Record, error) {
	if _, err := os.Stat(key); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	rec, err := loadRecord(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSessionNotFound, key, err)
	}
	return rec, nil
}

// Create allocates a new session directory under the root and writes its
// header. The uuid key never collides with an existing session.
func (ds *DirStore) Create() (*Record, error) {
	if err := os.MkdirAll(ds.root, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}

	dir := filepath.Join(ds.root, uuid.New().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}

	rec := newRecord(dir)
	if err := rec.rewriteFile(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	return rec, nil
}

// List builds a descriptor for every session directory under the root.
func (ds *DirStore) List() ([]wire.SessionDescriptor, error) {
	if err := os.MkdirAll(ds.root, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	dirEntries, err := os.ReadDir(ds.root)
	if err != nil {
		return nil, err
	}

	descriptors := make([]wire.SessionDescriptor, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		dir := filepath.Join(ds.root, de.Name())
		rec, err := loadRecord(dir)
		if err != nil {
			continue
		}
		descriptors = append(descriptors, describe(rec))
	}

	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Modified > descriptors[j].Modified
	})
	return descriptors, nil
}

// Delete removes the session directory for key.
func (ds *DirStore) Delete(key string) error {
	if _, err := os.Stat(key); err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	if err := os.RemoveAll(key); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	return nil
}

func describe(rec *Record) wire.SessionDescriptor {
	messages := rec.Messages()
	first := ""
	for _, msg := range messages {
		if msg.Role == "user" {
			first = msg.Content
			if len(first) > 120 {
				first = first[:120]
			}
			break
		}
	}

	created := timestampToMillis(rec.header.Timestamp)
	modified := created
	if info, err := os.Stat(rec.filePath()); err == nil {
		modified = info.ModTime().UnixMilli()
	}
	if len(messages) > 0 && messages[len(messages)-1].Timestamp > modified {
		modified = messages[len(messages)-1].Timestamp
	}

	return wire.SessionDescriptor{
		Key:          rec.Key(),
		ID:           rec.ID(),
		Name:         rec.Name(),
		Created:      created,
		Modified:     modified,
		MessageCount: len(messages),
		FirstMessage: first,
	}
}

var _ Store = (*DirStore)(nil)
