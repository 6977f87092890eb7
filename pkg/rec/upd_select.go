// Copyright 2024 The Grebe Authors.
//
// Use of this software is governed by the Grebe Software License
// included in the /LICENSE file.

package rec

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/grebedb/grebe/pkg/btree"
	"github.com/grebedb/grebe/pkg/mvcc"
	"github.com/grebedb/grebe/pkg/util/log"
)

// UpdSelect returns the update in a key's chain that should be written
// to the new page image, with its validity window, or an empty
// selection if none can be written. Called with either an insert entry
// (whose chain must exist) or a row (whose chain may not).
//
// Side effects on the context: watermarks raised, walk counters
// incremented, the chain possibly recorded in the saved-updates
// vector, leave-dirty and cache-write-restore possibly set. Side
// effects on the chain: the original on-disk value possibly appended
// at the tail.
//
// Returns ErrBusy when an uncommitted update follows a committed
// selection (moving uncommitted updates to the history store is not
// supported) or when CleanAfterRec was requested and invisible updates
// remain. Invariant violations surface as assertion failures.
func (r *Context) UpdSelect(
	ctx context.Context, ins *btree.Insert, row *btree.Row, vpack *btree.CellUnpack,
) (UpdateSelect, error) {
	var sel UpdateSelect
	sel.TW.Init()

	var firstTxnUpd, lastUpd, tombstone *mvcc.Update
	var updMemSize int64
	maxTS := mvcc.TsNone
	maxTxn := mvcc.TxnNone
	hasNewerUpdates := false
	updSaved := false
	isHSPage := r.page.IsHistoryStore()

	// An insert entry always has a chain; a row may not have one, in
	// which case there is nothing to decide.
	var firstUpd *mvcc.Update
	if ins != nil {
		firstUpd = ins.Updates()
	} else {
		if row == nil {
			return sel, errors.AssertionFailedf("update selection requires an insert entry or a row")
		}
		if firstUpd = row.Updates(); firstUpd == nil {
			return sel, nil
		}
	}

	upd := firstUpd
	for ; upd != nil; upd = upd.Next() {
		txnid := upd.TxnID()
		if txnid == mvcc.TxnAborted {
			continue
		}

		r.updatesSeen++
		if r.metrics != nil {
			r.metrics.UpdatesSeen.Inc()
		}
		updMemSize += upd.MemSize()

		if firstTxnUpd == nil {
			firstTxnUpd = upd
		}
		if maxTxn < txnid {
			maxTxn = txnid
		}

		// Check whether the update was committed before reconciliation
		// started. The global commit point can move forward during
		// reconciliation, so visible-all mode judges against the
		// transaction point cached at construction; a concurrent
		// commit or rollback must not change how the rest of the chain
		// is classified. History-store updates are implicitly
		// committed and skip the check entirely.
		if !isHSPage && !r.committedBeforeRec(txnid) {
			// Rare: under low isolation levels, or when an application
			// commits in out-of-timestamp order, a committed update
			// can be followed by uncommitted ones. Uncommitted updates
			// cannot be moved to the history store, so give up.
			if sel.Upd != nil {
				return UpdateSelect{}, errors.Wrapf(ErrBusy,
					"uncommitted update from txn %d below the selected update", txnid)
			}
			hasNewerUpdates = true
			continue
		}

		if prep := upd.Prepare(); prep == mvcc.PrepareLocked || prep == mvcc.PrepareInProgress {
			if sel.Upd != nil && sel.Upd.TxnID() != txnid {
				return UpdateSelect{}, errors.AssertionFailedf(
					"prepared update from txn %d below a selected update from txn %d",
					txnid, sel.Upd.TxnID())
			}
			if r.flags&Evict == 0 {
				hasNewerUpdates = true
				if upd.StartTS > maxTS {
					maxTS = upd.StartTS
				}
				// Track the oldest update not making the page, used to
				// decide whether reads can use the page image. Readers
				// consult the image at their read timestamp, hence the
				// start rather than the durable timestamp.
				if upd.StartTS < r.minSkippedTS {
					r.minSkippedTS = upd.StartTS
				}
				continue
			}
			// Eviction may write a prepared update, but only one whose
			// prepare is in progress; a locked prepare is mid-resolve
			// and its timestamps are in flux.
			if prep != mvcc.PrepareInProgress {
				return UpdateSelect{}, errors.AssertionFailedf(
					"locked prepared update from txn %d encountered during eviction", txnid)
			}
		}

		if upd.StartTS > maxTS {
			maxTS = upd.StartTS
		}

		// The newest committed update wins.
		if sel.Upd == nil {
			sel.Upd = upd
		}

		if r.flags&Evict != 0 {
			if !r.updateStable(upd) {
				r.updatesUnstable++
				if r.metrics != nil {
					r.metrics.UpdatesUnstable.Inc()
				}
			}
		} else {
			// Outside eviction nothing below the selection matters.
			break
		}
	}

	upd = sel.Upd

	if upd != nil && (upd.TxnID() == mvcc.TxnAborted || upd.Type == mvcc.UpdateReserve) {
		return UpdateSelect{}, errors.AssertionFailedf(
			"selected an aborted or reserve update")
	}

	// The checkpoint transaction is special: its metadata updates must
	// only ever be written by the checkpoint session itself.
	if r.page.IsMetadata() && upd != nil && !r.checkpointSession {
		if id := upd.TxnID(); id != mvcc.TxnNone && id == r.txns.CheckpointTxnID() {
			return UpdateSelect{}, errors.AssertionFailedf(
				"metadata update from a concurrent checkpoint transaction")
		}
	}

	// If every update was aborted, quit.
	if firstTxnUpd == nil {
		if upd != nil {
			return UpdateSelect{}, errors.AssertionFailedf(
				"selected an update on a fully aborted chain")
		}
		return sel, nil
	}

	// The caller expects the page to be clean after reconciliation;
	// invisible updates make that impossible.
	if hasNewerUpdates && r.flags&(CleanAfterRec|VisibilityErr) != 0 {
		if r.flags&VisibilityErr != 0 {
			return UpdateSelect{}, errors.AssertionFailedf(
				"reconciliation error, update not visible")
		}
		return UpdateSelect{}, errors.Wrap(ErrBusy,
			"page has invisible updates but must be clean after reconciliation")
	}

	if upd != nil && upd.StartTS > r.maxOnDiskTS {
		r.maxOnDiskTS = upd.StartTS
	}

	// The start of the validity window is the selected update's commit
	// time; the stop is set only when a tombstone removes the value.
	//
	// A selected tombstone that is not visible to everyone is replaced
	// by the update below it, with the tombstone's time as the window's
	// stop. If the tombstone is the only live entry, the on-disk value
	// is re-materialized at the chain tail and selected instead. A
	// tombstone visible to everyone stays selected.
	if upd != nil {
		// Note the walk's selection's prepare state before a tombstone
		// is replaced by the update below it.
		if upd.Prepare() == mvcc.PrepareInProgress {
			sel.TW.Prepare = true
		}

		if upd.Type == mvcc.UpdateTombstone {
			sel.TW.SetStop(upd)
			tombstone = upd

			// Find the update this tombstone applies to, unless the
			// tombstone is visible to everyone and nobody can need the
			// value below it.
			if !r.txns.VisibleAll(upd.TxnID(), upd.StartTS) {
				for upd.Next() != nil && upd.Next().TxnID() == mvcc.TxnAborted {
					upd = upd.Next()
				}
				if upd.Next() == nil {
					lastUpd = upd
				}
				upd = upd.Next()
				sel.Upd = upd
			}
		}

		if upd != nil {
			sel.TW.SetStart(upd)
		} else if sel.TW.StopTS != mvcc.TsNone || sel.TW.StopTxn != mvcc.TxnNone {
			// Only a tombstone in the chain: the page was reconciled
			// with a single value, read back, and the value deleted.
			// Keep the on-disk value, ending its validity at the
			// tombstone, by appending it to the chain and selecting
			// the appended copy.
			if vpack == nil || tombstone == nil {
				return UpdateSelect{}, errors.AssertionFailedf(
					"tombstone-only update chain with no on-disk value")
			}
			if err := r.appendOrigValue(ctx, tombstone, vpack); err != nil {
				return UpdateSelect{}, err
			}
			appended := lastUpd.Next()
			if appended == nil || appended.TxnID() != vpack.TW.StartTxn ||
				appended.StartTS != vpack.TW.StartTS ||
				appended.Type != mvcc.UpdateStandard || appended.Next() != nil {
				return UpdateSelect{}, errors.AssertionFailedf(
					"appended original value does not terminate the update chain")
			}
			sel.Upd = appended
			sel.TW.SetStart(appended)
		}
	}

	// A remove committed with an older timestamp than the value it
	// removes leaves stop before start. Collapse the window onto the
	// stop, hiding the value; older readers are not guaranteed to keep
	// content removed out of order. A single transaction inserting and
	// removing the same record produces equal pairs, which is in
	// order.
	if sel.TW.OutOfOrder() {
		log.VEventf(ctx, 2,
			"fixing out-of-order timestamps, remove earlier than value; time window %s", &sel.TW)
		r.outOfOrderRepairs++
		if r.metrics != nil {
			r.metrics.OutOfOrderRepairs.Inc()
		}
		sel.TW.RepairOutOfOrder()
	}

	if r.maxTxn < maxTxn {
		r.maxTxn = maxTxn
	}
	if maxTS > r.maxTS {
		r.maxTS = maxTS
	}
	if hasNewerUpdates {
		r.leaveDirty = true
	}

	if r.needSaveUpd(&sel, hasNewerUpdates) {
		// Under eviction, restore the chain into the new image when
		// newer updates stay in memory or when there is no history
		// store to spill to. Outside eviction the chain is not
		// restored.
		supdRestore := r.flags&Evict != 0 &&
			(hasNewerUpdates || r.flags&InMemory != 0 || r.page.Type() == btree.ColFix)
		if supdRestore {
			r.cacheWriteRestore = true
		}
		onpage := sel.Upd
		if onpage != nil && onpage.Type == mvcc.UpdateTombstone {
			// The image encodes the delete directly.
			onpage = nil
		}
		if err := r.saveUpdate(ins, row, onpage, supdRestore, updMemSize); err != nil {
			return UpdateSelect{}, err
		}
		updSaved = true
	}

	// Paranoia: the selection must not have rolled back under us.
	if sel.Upd != nil && sel.Upd.TxnID() == mvcc.TxnAborted {
		return UpdateSelect{}, errors.AssertionFailedf(
			"selected update rolled back during reconciliation")
	}

	// Writing a different update can strand the original on-page
	// value, and a reader may still need it: keep a copy on the chain
	// whenever the chain was saved (the original may terminate a chain
	// of modifies), and whenever the value lives in overflow blocks
	// and anything else is written, because the checkpoint writing
	// this page reclaims the overflow blocks.
	if sel.Upd != nil && vpack != nil && vpack.Type != btree.CellDel &&
		(updSaved || vpack.Overflow()) {
		if err := r.appendOrigValue(ctx, sel.Upd, vpack); err != nil {
			return UpdateSelect{}, err
		}
	}

	return sel, nil
}

// committedBeforeRec classifies a transaction against the
// reconciliation's visibility: in visible-all mode, committed before
// the cached last-running point; otherwise, visible to the pass's own
// snapshot.
func (r *Context) committedBeforeRec(txnid mvcc.TxnID) bool {
	if r.flags&VisibleAll != 0 {
		return txnid < r.lastRunning
	}
	return r.snap.VisibleID(txnid)
}
