package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"warden/internal/storage"
)

// Registry holds every PluginRecord and persists them as one JSON array,
// rewritten atomically after each mutation.
//
// The manager locks mu directly when a change must be atomic with the
// running table; mu is always taken before the running-table lock.
type Registry struct {
	path string

	mu      sync.RWMutex
	records map[string]Record
}

func NewRegistry(path string) *Registry {
	return &Registry{path: path, records: map[string]Record{}}
}

func (r *Registry) Path() string { return r.path }

// Load replaces the in-memory records with the persisted document. A
// missing document is an empty registry.
func (r *Registry) Load() error {
	b, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		r.mu.Lock()
		r.records = map[string]Record{}
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	var list []Record
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("decode registry %s: %w", r.path, err)
	}
	m := make(map[string]Record, len(list))
	for _, rec := range list {
		if rec.ID == "" {
			continue
		}
		m[rec.ID] = rec
	}
	r.mu.Lock()
	r.records = m
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []Record {
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put stores rec and persists. On a failed write the previous state is kept.
func (r *Registry) Put(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(rec)
}

func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(id)
}

func (r *Registry) putLocked(rec Record) error {
	prev, had := r.records[rec.ID]
	r.records[rec.ID] = rec.clone()
	if err := r.saveLocked(); err != nil {
		if had {
			r.records[rec.ID] = prev
		} else {
			delete(r.records, rec.ID)
		}
		return err
	}
	return nil
}

func (r *Registry) deleteLocked(id string) error {
	prev, had := r.records[id]
	if !had {
		return nil
	}
	delete(r.records, id)
	if err := r.saveLocked(); err != nil {
		r.records[id] = prev
		return err
	}
	return nil
}

func (r *Registry) saveLocked() error {
	b, err := json.MarshalIndent(r.listLocked(), "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(r.path, append(b, '\n'), 0o644)
}
