// Copyright 2024 The Grebe Authors.
//
// Use of this software is governed by the Grebe Software License
// included in the /LICENSE file.

package rec

import (
	"github.com/cockroachdb/errors"

	"github.com/grebedb/grebe/pkg/btree"
	"github.com/grebedb/grebe/pkg/mvcc"
)

// needSaveUpd decides whether the key's chain must be recorded for
// history-store spill or restore.
func (r *Context) needSaveUpd(sel *UpdateSelect, hasNewerUpdates bool) bool {
	if sel.TW.Prepare {
		return true
	}

	if r.flags&Evict != 0 && hasNewerUpdates {
		return true
	}

	// Saving is only useful when the displaced chain has somewhere to
	// go: a history store, an in-memory database's restored image, or
	// a fixed-length column-store page (which has no history store by
	// format).
	if r.flags&HS == 0 && r.flags&InMemory == 0 && r.page.Type() != btree.ColFix {
		return false
	}

	// In a checkpoint with nothing selected for the page there is no
	// on-disk value a history entry could be older than.
	if r.flags&Checkpoint != 0 && sel.Upd == nil {
		return false
	}

	// Skip the save when either boundary of the selected window is
	// visible to everyone; recording it would make reconciliation
	// think there is history work when there is none.
	return !r.txns.VisibleAll(sel.TW.StopTxn, sel.TW.StopTS) &&
		!r.txns.VisibleAll(sel.TW.StartTxn, sel.TW.StartTS)
}

// saveUpdate records the key's chain in the saved-updates vector.
func (r *Context) saveUpdate(
	ins *btree.Insert, row *btree.Row, onpage *mvcc.Update, restore bool, memSize int64,
) error {
	// If nothing is committed the chain must be restored.
	if onpage == nil && !restore {
		return errors.AssertionFailedf(
			"saved chain has no on-page update and no restore")
	}
	// Only a standard or modify update can be written to the data
	// store.
	if onpage != nil && onpage.Type != mvcc.UpdateStandard && onpage.Type != mvcc.UpdateModify {
		return errors.AssertionFailedf(
			"saved chain writes a %s update to the data store", onpage.Type)
	}

	r.supd = append(r.supd, SavedUpdate{
		Ins:       ins,
		Row:       row,
		OnPageUpd: onpage,
		Restore:   restore,
	})
	r.supdMemSize += memSize
	if r.metrics != nil {
		r.metrics.SavedUpdateBytes.Add(float64(memSize))
	}
	return nil
}
