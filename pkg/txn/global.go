// Copyright 2024 The Grebe Authors.
//
// Use of this software is governed by the Grebe Software License
// included in the /LICENSE file.

// Package txn tracks global transaction state and answers the
// visibility questions reconciliation and readers ask of it: is this
// transaction committed, is it visible to everyone, is it visible to a
// particular snapshot.
package txn

import (
	"sort"
	"sync"

	"github.com/grebedb/grebe/pkg/mvcc"
)

// Global is the engine-wide transaction state. It allocates IDs,
// tracks which transactions are still running, and carries the
// timestamp watermarks visibility checks consult.
type Global struct {
	mu struct {
		sync.Mutex
		nextID       mvcc.TxnID
		active       map[mvcc.TxnID]struct{}
		checkpointID mvcc.TxnID
		// oldestTS pins the oldest timestamp a future reader may use.
		// TsNone means no pin: timestamp checks pass vacuously.
		oldestTS mvcc.Timestamp
		stableTS mvcc.Timestamp
	}
}

// NewGlobal returns an empty transaction table.
func NewGlobal() *Global {
	g := &Global{}
	g.mu.nextID = mvcc.TxnFirst
	g.mu.active = make(map[mvcc.TxnID]struct{})
	return g
}

// Begin allocates a transaction ID and marks it running.
func (g *Global) Begin() mvcc.TxnID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.mu.nextID
	g.mu.nextID++
	g.mu.active[id] = struct{}{}
	return id
}

// Commit marks the transaction as committed.
func (g *Global) Commit(id mvcc.TxnID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.mu.active, id)
}

// Rollback marks the transaction as finished. The caller is
// responsible for marking its updates aborted; the chain entries keep
// the abort marker, not the table.
func (g *Global) Rollback(id mvcc.TxnID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.mu.active, id)
}

// LastRunning returns the oldest transaction ID still running, or the
// next ID to allocate if none is. Reconciliation caches this value at
// start: the commit point advances concurrently, and classifying a
// chain against a moving boundary would let an earlier update appear
// committed after a later one was already classified as not.
func (g *Global) LastRunning() mvcc.TxnID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRunningLocked()
}

func (g *Global) lastRunningLocked() mvcc.TxnID {
	min := g.mu.nextID
	for id := range g.mu.active {
		if id < min {
			min = id
		}
	}
	return min
}

// Committed reports whether the transaction has committed. TxnNone is
// implicitly committed; a still-running or never-allocated ID is not.
func (g *Global) Committed(id mvcc.TxnID) bool {
	if id == mvcc.TxnNone {
		return true
	}
	if id == mvcc.TxnAborted {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.mu.active[id]; ok {
		return false
	}
	return id < g.mu.nextID
}

// VisibleAll reports whether every current and future reader is
// guaranteed to see the entry: its transaction committed before the
// oldest running transaction, and its timestamp is at or below the
// pinned oldest timestamp.
func (g *Global) VisibleAll(id mvcc.TxnID, ts mvcc.Timestamp) bool {
	if id == mvcc.TxnAborted {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if id != mvcc.TxnNone {
		if _, ok := g.mu.active[id]; ok {
			return false
		}
		if id >= g.lastRunningLocked() {
			return false
		}
	}
	if g.mu.oldestTS != mvcc.TsNone && ts != mvcc.TsNone && ts > g.mu.oldestTS {
		return false
	}
	return true
}

// SetOldestTimestamp pins the oldest timestamp readers may use.
func (g *Global) SetOldestTimestamp(ts mvcc.Timestamp) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mu.oldestTS = ts
}

// OldestTimestamp returns the pin, TsNone if never set.
func (g *Global) OldestTimestamp() mvcc.Timestamp {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mu.oldestTS
}

// SetStableTimestamp records the timestamp below which commits are
// durable across failures.
func (g *Global) SetStableTimestamp(ts mvcc.Timestamp) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mu.stableTS = ts
}

// StableTimestamp returns the stable timestamp, TsNone if never set.
func (g *Global) StableTimestamp() mvcc.Timestamp {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mu.stableTS
}

// SetCheckpointTxn records the ID of the running checkpoint's
// transaction, TxnNone when no checkpoint runs.
func (g *Global) SetCheckpointTxn(id mvcc.TxnID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mu.checkpointID = id
}

// CheckpointTxnID returns the running checkpoint's transaction ID.
func (g *Global) CheckpointTxnID() mvcc.TxnID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mu.checkpointID
}

// Snapshot captures the visibility state a transaction or
// reconciliation reads under: the allocation boundary, the set of
// concurrently running transactions, and the read timestamp (TsNone
// reads without a timestamp).
func (g *Global) Snapshot(readTS mvcc.Timestamp) *Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := &Snapshot{
		Max:    g.mu.nextID,
		ReadTS: readTS,
	}
	s.Min = g.mu.nextID
	for id := range g.mu.active {
		s.Active = append(s.Active, id)
		if id < s.Min {
			s.Min = id
		}
	}
	sort.Slice(s.Active, func(i, j int) bool { return s.Active[i] < s.Active[j] })
	return s
}
