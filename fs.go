package core

import (
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// descriptorStaleAge is how long a descriptor may go untouched before the
// reaper considers it stale.
const descriptorStaleAge = 16 * time.Second

// Descriptor is an open filesystem handle tracked for reclamation. The
// filesystem capability module creates these; the Core only reaps them.
type Descriptor struct {
	ID   uint64
	File *os.File
	Dir  *os.File

	retained atomic.Bool
	lastUsed atomic.Int64 // ms since epoch
}

// NewFileDescriptor tracks an open file.
func NewFileDescriptor(id uint64, file *os.File) *Descriptor {
	d := &Descriptor{ID: id, File: file}
	d.Touch()
	return d
}

// NewDirectoryDescriptor tracks an open directory handle.
func NewDirectoryDescriptor(id uint64, dir *os.File) *Descriptor {
	d := &Descriptor{ID: id, Dir: dir}
	d.Touch()
	return d
}

// Retain pins the descriptor so the reaper skips it.
func (d *Descriptor) Retain() { d.retained.Store(true) }

// Release unpins the descriptor.
func (d *Descriptor) Release() { d.retained.Store(false) }

// Touch marks the descriptor as recently used.
func (d *Descriptor) Touch() { d.lastUsed.Store(nowMillis()) }

// IsRetained reports whether the descriptor is pinned.
func (d *Descriptor) IsRetained() bool { return d.retained.Load() }

// IsStale reports whether the descriptor has gone untouched long enough for
// the reaper to close it.
func (d *Descriptor) IsStale() bool {
	return nowMillis()-d.lastUsed.Load() > int64(descriptorStaleAge/time.Millisecond)
}

// IsDirectory reports whether the descriptor is an open directory.
func (d *Descriptor) IsDirectory() bool { return d.Dir != nil }

// IsFile reports whether the descriptor is an open file.
func (d *Descriptor) IsFile() bool { return d.File != nil }

// FS is the descriptor table the reaper sweeps. The mutex is held briefly,
// once per id, so a large table cannot stall other filesystem work.
type FS struct {
	core *Core

	mu          sync.Mutex
	descriptors map[uint64]*Descriptor
}

func newFS(c *Core) *FS {
	return &FS{
		core:        c,
		descriptors: make(map[uint64]*Descriptor),
	}
}

// Add registers a descriptor under its id.
func (fs *FS) Add(d *Descriptor) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.descriptors[d.ID] = d
}

// Get returns the descriptor for id, or nil.
func (fs *FS) Get(id uint64) *Descriptor {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.descriptors[id]
}

// Remove drops the descriptor for id without closing it.
func (fs *FS) Remove(id uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.descriptors, id)
}

// Count returns the table size.
func (fs *FS) Count() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.descriptors)
}

// Close closes the file behind id and drops it from the table. The callback
// fires after the close completes.
func (fs *FS) Close(seq string, id uint64, callback func(seq string, err error)) {
	fs.mu.Lock()
	d := fs.descriptors[id]
	delete(fs.descriptors, id)
	fs.mu.Unlock()

	var err error
	if d != nil && d.File != nil {
		err = d.File.Close()
	}
	if callback != nil {
		callback(seq, err)
	}
}

// Closedir closes the directory handle behind id and drops it from the
// table.
func (fs *FS) Closedir(seq string, id uint64, callback func(seq string, err error)) {
	fs.mu.Lock()
	d := fs.descriptors[id]
	delete(fs.descriptors, id)
	fs.mu.Unlock()

	var err error
	if d != nil && d.Dir != nil {
		err = d.Dir.Close()
	}
	if callback != nil {
		callback(seq, err)
	}
}

// releaseStaleDescriptors is the 1024 ms reaper sweep: snapshot ids, then
// re-acquire the table mutex per id so hold time stays bounded. Retained or
// fresh descriptors are skipped; stale files and directories are closed;
// anything else is dropped.
func (c *Core) releaseStaleDescriptors() {
	fs := c.FS

	var ids []uint64
	fs.mu.Lock()
	for id := range fs.descriptors {
		ids = append(ids, id)
	}
	fs.mu.Unlock()

	for _, id := range ids {
		fs.mu.Lock()
		d := fs.descriptors[id]
		if d == nil {
			delete(fs.descriptors, id)
			fs.mu.Unlock()
			continue
		}
		if d.IsRetained() || !d.IsStale() {
			fs.mu.Unlock()
			continue
		}
		fs.mu.Unlock()

		switch {
		case d.IsDirectory():
			fs.Closedir("", id, func(string, error) {})
		case d.IsFile():
			fs.Close("", id, func(string, error) {})
		default:
			fs.Remove(id)
		}
	}
}
