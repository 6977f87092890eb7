// Copyright 2024 The Grebe Authors.
//
// Use of this software is governed by the Grebe Software License
// included in the /LICENSE file.

// Package btree models the in-memory side of a B-tree page: rows read
// from disk, keys inserted since, the per-key update chains hanging
// off both, and the page's memory accounting.
package btree

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	gbtree "github.com/google/btree"

	"github.com/grebedb/grebe/pkg/mvcc"
)

// PageType distinguishes the leaf formats reconciliation cares about.
type PageType uint8

const (
	// RowLeaf is a variable-length row-store leaf.
	RowLeaf PageType = iota
	// ColFix is a fixed-length column-store leaf. Fixed-length pages
	// have no history store; their displaced updates are restored into
	// the new image instead of spilled.
	ColFix
)

// String implements fmt.Stringer.
func (t PageType) String() string {
	if t == ColFix {
		return "col-fix"
	}
	return "row-leaf"
}

const rowIndexDegree = 16

// Page is an in-memory page. A single writer (the transaction applying
// an update, or the reconciler appending original values) mutates any
// one update chain at a time; readers traverse chains concurrently
// through the acquire/release discipline on mvcc.Update.
type Page struct {
	typ          PageType
	historyStore bool
	metadata     bool

	memSize atomic.Int64

	mu struct {
		sync.Mutex
		rows     *gbtree.BTree
		bySlot   []*Row
		inserts  []*Insert
		overflow map[uint64][]byte
	}
}

// Option configures a new page.
type Option func(*Page)

// WithHistoryStore marks the page as belonging to the history store.
// Entries on history-store pages are implicitly committed.
func WithHistoryStore() Option {
	return func(p *Page) { p.historyStore = true }
}

// WithMetadata marks the page as belonging to the metadata table.
func WithMetadata() Option {
	return func(p *Page) { p.metadata = true }
}

// NewPage allocates an empty page of the given type.
func NewPage(typ PageType, opts ...Option) *Page {
	p := &Page{typ: typ}
	p.mu.rows = gbtree.New(rowIndexDegree)
	p.mu.overflow = make(map[uint64][]byte)
	for _, o := range opts {
		o(p)
	}
	return p
}

// Type returns the page's leaf format.
func (p *Page) Type() PageType { return p.typ }

// IsHistoryStore reports whether this is a history-store page.
func (p *Page) IsHistoryStore() bool { return p.historyStore }

// IsMetadata reports whether this is a metadata page.
func (p *Page) IsMetadata() bool { return p.metadata }

// UpdateList is the head of a key's modification chain, newest first.
type UpdateList struct {
	head atomic.Pointer[mvcc.Update]
}

// Updates returns the chain head, nil if the key has no pending
// modifications.
func (l *UpdateList) Updates() *mvcc.Update {
	return l.head.Load()
}

// Prepend links u as the new newest entry. u must be fully initialized.
func (l *UpdateList) Prepend(u *mvcc.Update) {
	u.PublishNext(l.head.Load())
	l.head.Store(u)
}

// Row is a key that exists in the on-disk page image: its unpacked
// cell plus any pending updates.
type Row struct {
	UpdateList
	Key  []byte
	Slot int
	Cell *CellUnpack
}

// Less implements btree.Item, ordering rows by key.
func (r *Row) Less(than gbtree.Item) bool {
	return bytes.Compare(r.Key, than.(*Row).Key) < 0
}

// Insert is a key added since the page was last written; it has no
// on-disk cell, only an update chain.
type Insert struct {
	UpdateList
	Key []byte
}

// AddRow registers an on-disk key with its unpacked cell and returns
// the row. Rows are assigned slots in insertion order.
func (p *Page) AddRow(key []byte, cell *CellUnpack) *Row {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := &Row{Key: append([]byte(nil), key...), Slot: len(p.mu.bySlot), Cell: cell}
	p.mu.bySlot = append(p.mu.bySlot, r)
	p.mu.rows.ReplaceOrInsert(r)
	return r
}

// GetRow looks a row up by key, nil if absent.
func (p *Page) GetRow(key []byte) *Row {
	p.mu.Lock()
	defer p.mu.Unlock()
	item := p.mu.rows.Get(&Row{Key: key})
	if item == nil {
		return nil
	}
	return item.(*Row)
}

// RowBySlot returns the row at the given slot.
func (p *Page) RowBySlot(slot int) *Row {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.bySlot[slot]
}

// AddInsert registers a freshly inserted key and returns its entry.
func (p *Page) AddInsert(key []byte) *Insert {
	p.mu.Lock()
	defer p.mu.Unlock()
	ins := &Insert{Key: append([]byte(nil), key...)}
	p.mu.inserts = append(p.mu.inserts, ins)
	return ins
}

// AddOverflow stores an overflow item's payload under its block ID.
func (p *Page) AddOverflow(id uint64, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.overflow[id] = data
}

// IncrMemSize accounts bytes against the page's in-memory footprint.
func (p *Page) IncrMemSize(n int64) {
	p.memSize.Add(n)
}

// MemSize returns the accounted in-memory footprint.
func (p *Page) MemSize() int64 {
	return p.memSize.Load()
}

// String implements fmt.Stringer.
func (p *Page) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%s page: %d rows, %d inserts, %s in memory",
		p.typ, len(p.mu.bySlot), len(p.mu.inserts),
		humanize.IBytes(uint64(p.MemSize())))
}
