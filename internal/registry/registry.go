// Package registry tracks live sandboxes by guard pid so the reaper can
// find what to release when a guard exits.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/rocker/internal/errors"
)

// ErrDuplicate is returned when a pid is already registered.
var ErrDuplicate = fmt.Errorf("guard pid already registered: %w", errors.ErrDuplicate)

// Info describes a live sandbox. It is what observers and listings see.
type Info struct {
	PID       int       `json:"pid" yaml:"pid"`
	Identity  string    `json:"identity" yaml:"identity"`
	AppID     uint32    `json:"app_id" yaml:"app_id"`
	UID       uint32    `json:"uid" yaml:"uid"`
	LoopID    int       `json:"loop_id" yaml:"loop_id"`
	ExecDir   string    `json:"exec_dir" yaml:"exec_dir"`
	DataDir   string    `json:"data_dir" yaml:"data_dir"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Entry is a registered sandbox. Release must be infallible and idempotent.
type Entry interface {
	Info() Info
	Release()
}

// Observer is told about inserts and removals after the registry lock is
// dropped, so it may block.
type Observer interface {
	Added(Info)
	Removed(Info)
}

type Registry struct {
	mu        sync.Mutex
	entries   map[int]Entry
	observers []Observer
}

func New(observers ...Observer) *Registry {
	return &Registry{
		entries:   make(map[int]Entry),
		observers: observers,
	}
}

// Insert adds e under pid. An existing entry is left untouched.
func (r *Registry) Insert(pid int, e Entry) error {
	r.mu.Lock()
	if _, exists := r.entries[pid]; exists {
		r.mu.Unlock()
		return fmt.Errorf("pid %d: %w", pid, ErrDuplicate)
	}
	r.entries[pid] = e
	r.mu.Unlock()

	info := e.Info()
	for _, o := range r.observers {
		o.Added(info)
	}
	return nil
}

// Remove deletes and returns the entry for pid.
func (r *Registry) Remove(pid int) (Entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[pid]
	if ok {
		delete(r.entries, pid)
	}
	r.mu.Unlock()

	if ok {
		info := e.Info()
		for _, o := range r.observers {
			o.Removed(info)
		}
	}
	return e, ok
}

func (r *Registry) Contains(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[pid]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot lists the live sandboxes ordered by pid.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PID < infos[j].PID })
	return infos
}
