// Package records holds the in-memory view of the workspace files that are
// synchronized with the database, and the mapping between them and watch handles.
package records

import (
	"fmt"
	"sort"

	"github.com/wvuRc2/rc2compute/internal/common"
	"github.com/wvuRc2/rc2compute/internal/watch"
)

// FileRecord is the local metadata for one database file.
type FileRecord struct {
	ID           int64
	Version      int64
	Name         string
	Path         string // relative to the working directory
	LastModified int64  // unix seconds
	Size         int64
	Shared       bool // project level file, lives under shared/
	WorkspaceID  int64
	ProjectID    int64
}

// Store owns every FileRecord for a session. A record is bound to at most one
// watch handle and a handle to at most one record.
// A Store has no lock: only the goroutine running the session's reactor may use it.
type Store struct {
	files    map[int64]*FileRecord
	byHandle map[watch.Handle]int64
	handles  map[int64]watch.Handle
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		files:    make(map[int64]*FileRecord),
		byHandle: make(map[watch.Handle]int64),
		handles:  make(map[int64]watch.Handle),
	}
}

// Upsert inserts rec, or refreshes the metadata of the record with the same ID.
// An existing watch binding is preserved.
func (s *Store) Upsert(rec FileRecord) FileRecord {
	rec.Path = common.RecordPath(rec.Name, rec.Shared)

	if cur, ok := s.files[rec.ID]; ok {
		*cur = rec
		return *cur
	}
	r := rec
	s.files[rec.ID] = &r
	return r
}

// Lookup returns the record with id.
func (s *Store) Lookup(id int64) (FileRecord, bool) {
	r, ok := s.files[id]
	if !ok {
		return FileRecord{}, false
	}
	return *r, true
}

// LookupByName returns the lowest id record with the given name and sharing.
func (s *Store) LookupByName(name string, shared bool) (FileRecord, bool) {
	var found *FileRecord
	for _, r := range s.files {
		if r.Name != name || r.Shared != shared {
			continue
		}
		if found == nil || r.ID < found.ID {
			found = r
		}
	}
	if found == nil {
		return FileRecord{}, false
	}
	return *found, true
}

// LookupByHandle returns the record bound to h.
func (s *Store) LookupByHandle(h watch.Handle) (FileRecord, bool) {
	id, ok := s.byHandle[h]
	if !ok {
		return FileRecord{}, false
	}
	return *s.files[id], true
}

// HandleFor returns the watch handle bound to id.
func (s *Store) HandleFor(id int64) (watch.Handle, bool) {
	h, ok := s.handles[id]
	return h, ok
}

// Bind associates a watch handle with a record. Rebinding the same pair is a no-op.
func (s *Store) Bind(id int64, h watch.Handle) error {
	if h == watch.NoHandle {
		return common.ErrInvalidHandle
	}
	if _, ok := s.files[id]; !ok {
		return fmt.Errorf("file %d: %w", id, common.ErrNotFound)
	}
	if cur, ok := s.handles[id]; ok {
		if cur == h {
			return nil
		}
		return fmt.Errorf("file %d already bound to handle %d: %w", id, cur, common.ErrExists)
	}
	if other, ok := s.byHandle[h]; ok {
		return fmt.Errorf("handle %d already bound to file %d: %w", h, other, common.ErrExists)
	}
	s.handles[id] = h
	s.byHandle[h] = id
	return nil
}

// Unbind drops the handle binding of id, returning the released handle.
func (s *Store) Unbind(id int64) (watch.Handle, bool) {
	h, ok := s.handles[id]
	if !ok {
		return watch.NoHandle, false
	}
	delete(s.handles, id)
	delete(s.byHandle, h)
	return h, true
}

// UnbindHandle drops whichever binding uses h. Used when the kernel drops a watch.
func (s *Store) UnbindHandle(h watch.Handle) (int64, bool) {
	id, ok := s.byHandle[h]
	if !ok {
		return 0, false
	}
	s.Unbind(id)
	return id, true
}

// UpdateContent records a successful content upload.
func (s *Store) UpdateContent(id, version, lastModified, size int64) error {
	r, ok := s.files[id]
	if !ok {
		return fmt.Errorf("file %d: %w", id, common.ErrNotFound)
	}
	r.Version, r.LastModified, r.Size = version, lastModified, size
	return nil
}

// Remove deletes the record with id. If it is bound, unwatch is called with the
// released handle first; its error is returned but the record is removed regardless.
func (s *Store) Remove(id int64, unwatch func(watch.Handle) error) (FileRecord, error) {
	r, ok := s.files[id]
	if !ok {
		return FileRecord{}, fmt.Errorf("file %d: %w", id, common.ErrNotFound)
	}
	h, bound := s.Unbind(id)
	delete(s.files, id)

	if bound && unwatch != nil {
		return *r, unwatch(h)
	}
	return *r, nil
}

// Snapshot returns a copy of every record ordered by id.
func (s *Store) Snapshot() []FileRecord {
	out := make([]FileRecord, 0, len(s.files))
	for _, r := range s.files {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	return len(s.files)
}

// Bound returns the number of records with a watch handle.
func (s *Store) Bound() int {
	return len(s.handles)
}
