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
)

// appendOrigValue appends the key's original on-disk value to its
// update chain as a standard update, preceded by a tombstone derived
// from the cell's stop pair when the cell has one and the oldest live
// chain entry is not already a tombstone. The walk from upd
// to the tail doubles as the check that the append is needed at all;
// most calls return without allocating.
func (r *Context) appendOrigValue(
	ctx context.Context, upd *mvcc.Update, unpack *btree.CellUnpack,
) error {
	if upd == nil || unpack == nil || unpack.Type == btree.CellDel {
		return errors.AssertionFailedf(
			"appending an original value requires an update chain and a value cell")
	}

	var oldestUpd *mvcc.Update
	for ; ; upd = upd.Next() {
		// A chain reconstructed for rollback-to-stable already
		// represents the original.
		if upd.Flags&mvcc.RestoredForRollback != 0 {
			return nil
		}

		// A prepared on-disk record is already on the chain; append
		// the original only when what is in memory is a tombstone.
		if unpack.Prepared() && upd.Type != mvcc.UpdateTombstone {
			return nil
		}

		// Done if the on-page value already appears on the chain. No
		// such shortcut for the stop pair: with only the tombstone in
		// memory the value itself still must be appended.
		if unpack.TW.StartTS == upd.StartTS && unpack.TW.StartTxn == upd.TxnID() &&
			upd.Type != mvcc.UpdateTombstone {
			return nil
		}

		// Done if a self-contained update is visible to everyone: no
		// older reader can need the on-disk value. Tested per entry,
		// not just on the oldest: out-of-order commits can put a
		// globally visible update above one that is not.
		if upd.IsSelfContained() && r.txns.VisibleAll(upd.TxnID(), upd.StartTS) {
			return nil
		}

		if upd.TxnID() != mvcc.TxnAborted {
			oldestUpd = upd
		}

		// Leave upd pointing at the tail.
		if upd.Next() == nil {
			break
		}
	}

	// Done if the cell's stop pair is visible to everyone: the value
	// has been universally superseded.
	if unpack.TW.HasStop() &&
		r.txns.VisibleAll(unpack.TW.StopTxn, unpack.TW.StopTS) {
		return nil
	}

	if oldestUpd == nil {
		return errors.AssertionFailedf(
			"appending an original value to a fully aborted chain")
	}

	// Some reader needs the original value: copy it out of the cell.
	data, err := r.page.CellData(unpack)
	if err != nil {
		return errors.Wrap(err, "copying the original on-disk value")
	}
	appendUpd, size := mvcc.NewUpdate(mvcc.UpdateStandard, data)
	totalSize := size
	appendUpd.SetTxnID(unpack.TW.StartTxn)
	appendUpd.StartTS = unpack.TW.StartTS
	appendUpd.DurableTS = unpack.TW.DurableStartTS

	// With a valid stop pair the appended value also needs a tombstone
	// above it: insert at 0, delete at 10, insert again at 20, and the
	// tombstone is what says there is no value between 10 and 20.
	if unpack.TW.HasStop() {
		if oldestUpd.Type != mvcc.UpdateTombstone {
			tomb, tombSize := mvcc.NewTombstone()
			totalSize += tombSize
			tomb.SetTxnID(unpack.TW.StopTxn)
			tomb.StartTS = unpack.TW.StopTS
			tomb.DurableTS = unpack.TW.DurableStopTS

			tomb.PublishNext(appendUpd)
			appendUpd = tomb
		} else if !unpack.Prepared() &&
			(unpack.TW.StopTS != oldestUpd.StartTS || unpack.TW.StopTxn != oldestUpd.TxnID()) {
			// Resolving a prepare rewrites the in-memory timestamps,
			// so the pairs only have to match for unprepared cells.
			return errors.AssertionFailedf(
				"on-disk stop pair (ts %d, txn %d) does not match the oldest tombstone (ts %d, txn %d)",
				unpack.TW.StopTS, unpack.TW.StopTxn, oldestUpd.StartTS, oldestUpd.TxnID())
		}
	}

	// Publish the subchain at the tail. The release store pairs with
	// readers' acquire loads of next: anyone who observes the link
	// sees fully initialized nodes.
	upd.PublishNext(appendUpd)

	r.page.IncrMemSize(totalSize)
	return nil
}
