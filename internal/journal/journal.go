// Package journal records live sandboxes on disk so loop devices of
// guards that outlived a server crash can still be torn down.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/harunnryd/rocker/internal/errors"
	"github.com/harunnryd/rocker/internal/registry"
)

type ledger struct {
	Sandboxes []registry.Info `json:"sandboxes"`
}

// Journal is a registry.Observer that rewrites its file on every change.
// It also holds entries loaded from a previous run until they are swept.
type Journal struct {
	path string
	mu   sync.Mutex
	// entries mirrors this run's registry.
	entries map[int]registry.Info
	// carried is what Open found on disk. Only these are ever swept.
	carried map[int]registry.Info
}

// Open loads the journal at path. A missing file is an empty journal.
func Open(path string) (*Journal, error) {
	j := &Journal{path: path, entries: make(map[int]registry.Info), carried: make(map[int]registry.Info)}

	infos, err := Read(path)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		j.carried[info.PID] = info
	}
	return j, nil
}

// Read returns the sandboxes recorded at path, ordered by pid.
func Read(path string) ([]registry.Info, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.System("read journal", err)
	}
	if len(content) == 0 {
		return nil, nil
	}

	var l ledger
	if err := json.Unmarshal(content, &l); err != nil {
		return nil, fmt.Errorf("parse journal %s: %v: %w", path, err, errors.ErrMalformedRequest)
	}
	sort.Slice(l.Sandboxes, func(i, k int) bool { return l.Sandboxes[i].PID < l.Sandboxes[k].PID })
	return l.Sandboxes, nil
}

func (j *Journal) Added(info registry.Info) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[info.PID] = info
	j.saveLocked()
}

func (j *Journal) Removed(info registry.Info) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.entries, info.PID)
	j.saveLocked()
}

// Entries lists what the journal currently holds, ordered by pid.
func (j *Journal) Entries() []registry.Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sortedLocked()
}

// Carried lists the entries loaded from a previous run that have not been
// swept yet, ordered by pid. This run's sandboxes are released by the
// reaper and never appear here.
func (j *Journal) Carried() []registry.Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sortInfos(j.carried, nil)
}

// drop forgets a carried entry if pid still refers to the same guard identity.
func (j *Journal) drop(info registry.Info) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if cur, ok := j.carried[info.PID]; ok && cur.Identity == info.Identity {
		delete(j.carried, info.PID)
		j.saveLocked()
	}
}

func (j *Journal) sortedLocked() []registry.Info {
	return sortInfos(j.entries, j.carried)
}

// sortInfos merges current and carried, skipping carried entries that
// current holds under the same identity.
func sortInfos(current, carried map[int]registry.Info) []registry.Info {
	infos := make([]registry.Info, 0, len(current)+len(carried))
	for _, info := range current {
		infos = append(infos, info)
	}
	for pid, info := range carried {
		if cur, ok := current[pid]; ok && cur.Identity == info.Identity {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, k int) bool {
		if infos[i].PID != infos[k].PID {
			return infos[i].PID < infos[k].PID
		}
		return infos[i].Identity < infos[k].Identity
	})
	return infos
}

// saveLocked rewrites the file. A failed write is logged; the next change
// writes the full state again.
func (j *Journal) saveLocked() {
	b, err := json.MarshalIndent(ledger{Sandboxes: j.sortedLocked()}, "", "  ")
	if err != nil {
		slog.Error("Failed to encode journal", "path", j.path, "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		slog.Warn("Failed to create journal directory", "path", j.path, "error", err)
		return
	}
	if err := atomic.WriteFile(j.path, bytes.NewReader(b)); err != nil {
		slog.Warn("Failed to write journal", "path", j.path, "error", err)
	}
}

func (j *Journal) Path() string {
	return j.path
}
