// Package journal keeps the audit trail of remittance snapshots.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"homeward/internal/lifecycle"
)

// Journal persists every published snapshot of every transaction.
type Journal interface {
	Record(ctx context.Context, snap lifecycle.Snapshot) error
	// History returns the snapshots of requestID ordered by sequence.
	History(ctx context.Context, requestID string) ([]lifecycle.Snapshot, error)
	// ByDraft returns the latest snapshot recorded for a draft id.
	ByDraft(ctx context.Context, draftID string) (lifecycle.Snapshot, bool, error)
	// Pending returns the latest snapshot of every transaction whose last
	// recorded state is PendingConfirmation, oldest first.
	Pending(ctx context.Context) ([]lifecycle.Snapshot, error)
}

var _ lifecycle.Recorder = Journal(nil)

// MemoryJournal is mostly for testing.
type MemoryJournal struct {
	mu     sync.RWMutex
	byID   map[string][]lifecycle.Snapshot
	drafts map[string]string
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		byID:   make(map[string][]lifecycle.Snapshot),
		drafts: make(map[string]string),
	}
}

func (m *MemoryJournal) Record(_ context.Context, snap lifecycle.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(snap)
	return nil
}

// add keeps one snapshot per sequence number.
func (m *MemoryJournal) add(snap lifecycle.Snapshot) {
	history := m.byID[snap.RequestID]
	for _, s := range history {
		if s.Sequence == snap.Sequence {
			return
		}
	}
	history = append(history, snap)
	sort.SliceStable(history, func(i, j int) bool { return history[i].Sequence < history[j].Sequence })
	m.byID[snap.RequestID] = history
	if snap.DraftID != "" {
		m.drafts[snap.DraftID] = snap.RequestID
	}
}

func (m *MemoryJournal) History(_ context.Context, requestID string) ([]lifecycle.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]lifecycle.Snapshot(nil), m.byID[requestID]...), nil
}

func (m *MemoryJournal) ByDraft(_ context.Context, draftID string) (lifecycle.Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.drafts[draftID]
	if !ok {
		return lifecycle.Snapshot{}, false, nil
	}
	history := m.byID[id]
	return history[len(history)-1], true, nil
}

func (m *MemoryJournal) Pending(context.Context) ([]lifecycle.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []lifecycle.Snapshot
	for _, history := range m.byID {
		if last := history[len(history)-1]; last.State == lifecycle.StatePendingConfirmation {
			out = append(out, last)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FileJournal appends snapshots to a JSON-lines file. Suitable for local dev.
type FileJournal struct {
	path string
	mu   sync.Mutex
	file *os.File
	mem  *MemoryJournal
}

func NewFileJournal(path string) (*FileJournal, error) {
	fj := &FileJournal{path: path, mem: NewMemoryJournal()}
	if err := fj.load(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	fj.file = f
	return fj, nil
}

func (f *FileJournal) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var snap lifecycle.Snapshot
		if err := json.Unmarshal(scanner.Bytes(), &snap); err != nil {
			return fmt.Errorf("%s:%d: %w", f.path, line, err)
		}
		f.mem.add(snap)
	}
	return scanner.Err()
}

func (f *FileJournal) Record(ctx context.Context, snap lifecycle.Snapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.file.Write(append(blob, '\n')); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return f.mem.Record(ctx, snap)
}

func (f *FileJournal) History(ctx context.Context, requestID string) ([]lifecycle.Snapshot, error) {
	return f.mem.History(ctx, requestID)
}

func (f *FileJournal) ByDraft(ctx context.Context, draftID string) (lifecycle.Snapshot, bool, error) {
	return f.mem.ByDraft(ctx, draftID)
}

func (f *FileJournal) Pending(ctx context.Context) ([]lifecycle.Snapshot, error) {
	return f.mem.Pending(ctx)
}

func (f *FileJournal) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}
