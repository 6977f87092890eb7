// Copyright 2024 The Grebe Authors.
//
// Use of this software is governed by the Grebe Software License
// included in the /LICENSE file.

package txn

import (
	"sort"

	"github.com/grebedb/grebe/pkg/mvcc"
)

// Snapshot is a point-in-time view of the transaction table, the unit
// of snapshot-isolation visibility. A transaction is visible to the
// snapshot if it committed before the snapshot was taken: its ID is
// below Max and it was not running at capture time.
type Snapshot struct {
	// Min is the oldest ID that was running at capture, Max the
	// allocation boundary. IDs at or above Max started later.
	Min, Max mvcc.TxnID
	// Active holds the IDs running at capture, sorted.
	Active []mvcc.TxnID
	// ReadTS is the snapshot's read timestamp. TsNone means the
	// snapshot reads without a timestamp and sees every committed
	// timestamp.
	ReadTS mvcc.Timestamp
}

// VisibleID reports whether the transaction itself is visible to the
// snapshot, ignoring timestamps.
func (s *Snapshot) VisibleID(id mvcc.TxnID) bool {
	if id == mvcc.TxnNone {
		return true
	}
	if id == mvcc.TxnAborted {
		return false
	}
	if id >= s.Max {
		return false
	}
	if len(s.Active) > 0 && id >= s.Min {
		i := sort.Search(len(s.Active), func(i int) bool { return s.Active[i] >= id })
		if i < len(s.Active) && s.Active[i] == id {
			return false
		}
	}
	return true
}

// Visible reports whether an entry committed at ts by id is visible to
// the snapshot.
func (s *Snapshot) Visible(id mvcc.TxnID, ts mvcc.Timestamp) bool {
	if !s.VisibleID(id) {
		return false
	}
	if s.ReadTS != mvcc.TsNone && ts != mvcc.TsNone && ts > s.ReadTS {
		return false
	}
	return true
}
