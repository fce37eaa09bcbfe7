package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrEntryNotFound = errors.New("queue entry not found")

// Entry is one scan waiting for the ledger to become reachable.
type Entry struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Token          string    `json:"token"`
	QueuedAt       time.Time `json:"queued_at"`
	FirstAttemptAt time.Time `json:"first_attempt_at,omitempty"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
}

// FileQueue is an insertion-ordered queue persisted as a single JSON file.
// Every mutation rewrites the file through a temp file and a rename, so a
// crash leaves either the old or the new queue on disk.
type FileQueue struct {
	path    string
	mu      sync.Mutex
	entries []Entry
}

func OpenFileQueue(path string) (*FileQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	q := &FileQueue{path: path}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return q, nil
	case err != nil:
		return nil, fmt.Errorf("read queue: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &q.entries); err != nil {
			return nil, fmt.Errorf("decode queue %s: %w", path, err)
		}
	}
	return q, nil
}

// Append adds a scan at the tail. The same token for the same account is
// only queued once; the existing entry is returned instead.
func (q *FileQueue) Append(accountID, token string, now time.Time) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.AccountID == accountID && e.Token == token {
			return e, nil
		}
	}
	e := Entry{ID: uuid.NewString(), AccountID: accountID, Token: token, QueuedAt: now}
	next := append(append([]Entry(nil), q.entries...), e)
	if err := q.save(next); err != nil {
		return Entry{}, err
	}
	q.entries = next
	return e, nil
}

// Entries returns a snapshot in queue order.
func (q *FileQueue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}

func (q *FileQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *FileQueue) Update(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := append([]Entry(nil), q.entries...)
	for i := range next {
		if next[i].ID == e.ID {
			next[i] = e
			if err := q.save(next); err != nil {
				return err
			}
			q.entries = next
			return nil
		}
	}
	return ErrEntryNotFound
}

func (q *FileQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if e.ID != id {
			next = append(next, e)
		}
	}
	if len(next) == len(q.entries) {
		return ErrEntryNotFound
	}
	if err := q.save(next); err != nil {
		return err
	}
	q.entries = next
	return nil
}

// save must be called with mu held.
func (q *FileQueue) save(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("replace queue: %w", err)
	}
	return nil
}
