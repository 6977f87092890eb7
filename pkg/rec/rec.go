// Copyright 2024 The Grebe Authors.
//
// Use of this software is governed by the Grebe Software License
// included in the /LICENSE file.

// Package rec implements the update-selection and visibility
// resolution step of page reconciliation. For each key it decides
// which pending update becomes the new on-disk value, the validity
// time window annotating that value, whether the remaining chain must
// be saved for the history store or restored into the new image, and
// whether the original on-disk value must be re-materialized on the
// chain so older readers keep their context.
package rec

import (
	"github.com/cockroachdb/errors"

	"github.com/grebedb/grebe/pkg/btree"
	"github.com/grebedb/grebe/pkg/mvcc"
	"github.com/grebedb/grebe/pkg/txn"
)

// Flags select the reconciliation mode.
type Flags uint16

const (
	// VisibleAll: write only updates visible to every reader, judged
	// against the transaction point cached when the context was built.
	VisibleAll Flags = 1 << iota
	// Evict: the page is being reconciled for eviction. Prepared
	// in-progress updates may be selected and the walk continues past
	// the selection to count unstable entries.
	Evict
	// Checkpoint: the page is being reconciled by a checkpoint.
	Checkpoint
	// HS: a history store is available to spill displaced updates to.
	HS
	// InMemory: the database keeps everything in memory; displaced
	// chains are restored into the new image instead of spilled.
	InMemory
	// CleanAfterRec: the caller requires the page to be clean after
	// reconciliation; invisible updates force a retry.
	CleanAfterRec
	// VisibilityErr: the caller asserts every update is visible;
	// finding one that is not is an invariant violation.
	VisibilityErr
)

// ErrBusy is returned when reconciliation cannot proceed against the
// chain's current visibility state. The caller re-schedules the page.
var ErrBusy = errors.New("reconciliation busy")

// TxnView is the slice of the transaction table reconciliation
// consults. *txn.Global implements it.
type TxnView interface {
	// LastRunning returns the oldest running transaction ID.
	LastRunning() mvcc.TxnID
	// CheckpointTxnID returns the running checkpoint's transaction ID.
	CheckpointTxnID() mvcc.TxnID
	// VisibleAll reports whether the entry is visible to every current
	// and future reader.
	VisibleAll(id mvcc.TxnID, ts mvcc.Timestamp) bool
	// Committed reports whether the transaction has committed.
	Committed(id mvcc.TxnID) bool
}

// UpdateSelect is the per-key result: the update to write (nil to keep
// or delete the on-disk value) and its validity window.
type UpdateSelect struct {
	Upd *mvcc.Update
	TW  mvcc.TimeWindow
}

// SavedUpdate identifies a chain that must be spilled to the history
// store or restored into the new page image after the write.
type SavedUpdate struct {
	// Ins or Row locates the key; exactly one is set.
	Ins *btree.Insert
	Row *btree.Row
	// OnPageUpd is the update written to the data store, nil when the
	// selection was a tombstone (the image encodes the delete
	// directly).
	OnPageUpd *mvcc.Update
	// Restore is set when the chain must be replayed into the new
	// in-memory image rather than only spilled.
	Restore bool
}

// Config carries everything a reconciliation pass needs up front.
type Config struct {
	Page  *btree.Page
	Flags Flags
	Txns  TxnView
	// Snapshot is the reconciliation's own visibility snapshot,
	// required unless VisibleAll is set.
	Snapshot *txn.Snapshot
	// CheckpointSession marks the reconciling session as the
	// checkpoint session, which alone may write metadata updates from
	// the checkpoint transaction.
	CheckpointSession bool
	// Metrics is optional.
	Metrics *Metrics
}

// Context is the mutable state of one reconciliation pass over one
// page. It is single-writer: only the reconciling worker touches it.
type Context struct {
	page              *btree.Page
	flags             Flags
	txns              TxnView
	snap              *txn.Snapshot
	checkpointSession bool
	metrics           *Metrics

	// lastRunning is captured once at construction. Every VisibleAll
	// classification during the pass uses this transaction point, so a
	// chain is judged against a single consistent boundary even as the
	// global commit point advances mid-walk.
	lastRunning mvcc.TxnID

	maxTxn       mvcc.TxnID
	maxTS        mvcc.Timestamp
	maxOnDiskTS  mvcc.Timestamp
	minSkippedTS mvcc.Timestamp

	updatesSeen       int64
	updatesUnstable   int64
	outOfOrderRepairs int64

	supd        []SavedUpdate
	supdMemSize int64

	leaveDirty        bool
	cacheWriteRestore bool
}

// NewContext builds the per-pass state, capturing the last-running
// transaction point.
func NewContext(cfg Config) (*Context, error) {
	if cfg.Page == nil || cfg.Txns == nil {
		return nil, errors.AssertionFailedf("reconciliation requires a page and a transaction view")
	}
	if cfg.Flags&VisibleAll == 0 && cfg.Snapshot == nil {
		return nil, errors.AssertionFailedf("reconciliation outside visible-all mode requires a snapshot")
	}
	return &Context{
		page:              cfg.Page,
		flags:             cfg.Flags,
		txns:              cfg.Txns,
		snap:              cfg.Snapshot,
		checkpointSession: cfg.CheckpointSession,
		metrics:           cfg.Metrics,
		lastRunning:       cfg.Txns.LastRunning(),
		minSkippedTS:      mvcc.TsMax,
	}, nil
}

// Page returns the page under reconciliation.
func (r *Context) Page() *btree.Page { return r.page }

// MaxTxn returns the newest transaction ID seen on any walked chain.
func (r *Context) MaxTxn() mvcc.TxnID { return r.maxTxn }

// MaxTS returns the newest start timestamp seen on any walked chain.
func (r *Context) MaxTS() mvcc.Timestamp { return r.maxTS }

// MaxOnDiskTS returns the newest timestamp selected for the new image.
func (r *Context) MaxOnDiskTS() mvcc.Timestamp { return r.maxOnDiskTS }

// MinSkippedTS returns the oldest timestamp of an update skipped over
// for the new image, TsMax if none was skipped.
func (r *Context) MinSkippedTS() mvcc.Timestamp { return r.minSkippedTS }

// UpdatesSeen returns the number of non-aborted updates walked.
func (r *Context) UpdatesSeen() int64 { return r.updatesSeen }

// UpdatesUnstable returns the number of walked updates not stable at
// the reconciliation's visibility point.
func (r *Context) UpdatesUnstable() int64 { return r.updatesUnstable }

// OutOfOrderRepairs returns the number of time windows this pass
// repaired for out-of-order timestamps.
func (r *Context) OutOfOrderRepairs() int64 { return r.outOfOrderRepairs }

// SavedUpdates returns the chains recorded for spill or restore.
func (r *Context) SavedUpdates() []SavedUpdate { return r.supd }

// SavedMemSize returns the accounted footprint of the saved chains.
func (r *Context) SavedMemSize() int64 { return r.supdMemSize }

// LeaveDirty reports whether the page must stay dirty after
// reconciliation because invisible updates remain.
func (r *Context) LeaveDirty() bool { return r.leaveDirty }

// CacheWriteRestore reports whether the caller must rebuild in-memory
// state from the saved chains after writing the new image.
func (r *Context) CacheWriteRestore() bool { return r.cacheWriteRestore }

// updateStable reports whether the update is stable at the
// reconciliation's visibility point: visible to all under VisibleAll,
// visible to the pass's snapshot otherwise.
func (r *Context) updateStable(u *mvcc.Update) bool {
	if r.flags&VisibleAll != 0 {
		return r.txns.VisibleAll(u.TxnID(), u.StartTS)
	}
	return r.snap.Visible(u.TxnID(), u.StartTS)
}
