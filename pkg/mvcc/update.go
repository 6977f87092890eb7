// Copyright 2024 The Grebe Authors.
//
// Use of this software is governed by the Grebe Software License
// included in the /LICENSE file.

package mvcc

import (
	"sync/atomic"
	"unsafe"
)

// UpdateFlags carry out-of-band state about how an update entered the
// chain.
type UpdateFlags uint8

const (
	// RestoredForRollback marks an update reconstructed from the
	// history store by rollback-to-stable. Its presence means the
	// on-disk original is already represented in memory.
	RestoredForRollback UpdateFlags = 1 << iota
)

// Update is one entry in a key's modification chain. Chains are
// newest-first, singly linked through next, and only ever grow: a
// writer appends at the tail or prepends at the head, it never unlinks
// or reorders. Readers traverse chains concurrently, so next is
// published with release semantics and loaded with acquire semantics,
// and the fields a concurrent transaction can change (the transaction
// ID on abort, the prepare state on prepare resolution) are atomics.
//
// The remaining fields are written once before the update is linked
// into a chain and are immutable afterwards.
type Update struct {
	txnID        atomic.Uint64
	prepareState atomic.Uint32
	next         atomic.Pointer[Update]

	// StartTS is the commit timestamp, DurableTS the durable commit
	// timestamp. Both are fixed before the update is published.
	StartTS   Timestamp
	DurableTS Timestamp

	Type  UpdateType
	Flags UpdateFlags

	data []byte
	size int64
}

var updateOverhead = int64(unsafe.Sizeof(Update{}))

// NewUpdate allocates an update of the given type carrying data. The
// returned size is the allocation's in-memory footprint, for the
// caller to account against its page.
func NewUpdate(typ UpdateType, data []byte) (*Update, int64) {
	u := &Update{Type: typ, data: data}
	u.size = updateOverhead + int64(len(data))
	return u, u.size
}

// NewTombstone allocates a logical-delete update.
func NewTombstone() (*Update, int64) {
	return NewUpdate(UpdateTombstone, nil)
}

// TxnID returns the update's transaction ID. The value is read once
// and treated as authoritative by callers that classify the update; a
// concurrent rollback may change it to TxnAborted at any time.
func (u *Update) TxnID() TxnID {
	return TxnID(u.txnID.Load())
}

// SetTxnID stamps the owning transaction. Called before the update is
// linked into a chain.
func (u *Update) SetTxnID(id TxnID) {
	u.txnID.Store(uint64(id))
}

// MarkAborted flags the update as rolled back in place.
func (u *Update) MarkAborted() {
	u.txnID.Store(uint64(TxnAborted))
}

// Aborted reports whether the update's transaction rolled back.
func (u *Update) Aborted() bool {
	return u.TxnID() == TxnAborted
}

// Prepare returns the current prepare state.
func (u *Update) Prepare() PrepareState {
	return PrepareState(u.prepareState.Load())
}

// SetPrepare moves the update through the prepared-commit states.
func (u *Update) SetPrepare(s PrepareState) {
	u.prepareState.Store(uint32(s))
}

// Next returns the next older update, with acquire semantics so a
// chain extended by a concurrent tail append is seen fully
// initialized.
func (u *Update) Next() *Update {
	return u.next.Load()
}

// PublishNext links n as the next older entry. The store has release
// semantics; n and everything reachable from it must be fully
// initialized before the call. Only the single chain owner appends.
func (u *Update) PublishNext(n *Update) {
	u.next.Store(n)
}

// Data returns the update's payload. Nil for tombstones and reserves.
func (u *Update) Data() []byte {
	return u.data
}

// MemSize returns the update's in-memory footprint.
func (u *Update) MemSize() int64 {
	return u.size
}

// IsSelfContained reports whether the update's meaning does not depend
// on older chain entries: a full value or a tombstone, but not a
// modify, which is a delta over its successor.
func (u *Update) IsSelfContained() bool {
	return u.Type == UpdateStandard || u.Type == UpdateTombstone
}
