// Copyright 2024 The Grebe Authors.
//
// Use of this software is governed by the Grebe Software License
// included in the /LICENSE file.

package mvcc

import (
	"fmt"

	"github.com/cockroachdb/redact"
)

// TimeWindow bounds a value's validity. A reader at snapshot
// (txn, ts) sees the value iff its position is within [start, stop)
// under the lexicographic order on (timestamp, txn ID). The default
// window is start unset, stop unbounded.
type TimeWindow struct {
	StartTS        Timestamp
	DurableStartTS Timestamp
	StartTxn       TxnID
	StopTS         Timestamp
	DurableStopTS  Timestamp
	StopTxn        TxnID
	// Prepare is set when the window was taken from an unresolved
	// prepared update and the timestamps may still be rewritten at
	// commit.
	Prepare bool
}

// Init resets the window to its defaults.
func (tw *TimeWindow) Init() {
	tw.StartTS = TsNone
	tw.DurableStartTS = TsNone
	tw.StartTxn = TxnNone
	tw.StopTS = TsMax
	tw.DurableStopTS = TsNone
	tw.StopTxn = TxnMax
	tw.Prepare = false
}

// SetStart fills the start triple from the update that begins the
// window.
func (tw *TimeWindow) SetStart(u *Update) {
	tw.StartTS = u.StartTS
	tw.DurableStartTS = u.DurableTS
	tw.StartTxn = u.TxnID()
}

// SetStop fills the stop triple from the tombstone that ends the
// window.
func (tw *TimeWindow) SetStop(u *Update) {
	tw.StopTS = u.StartTS
	tw.DurableStopTS = u.DurableTS
	tw.StopTxn = u.TxnID()
}

// HasStop reports whether the stop pair differs from the unbounded
// default.
func (tw *TimeWindow) HasStop() bool {
	return tw.StopTS != TsMax || tw.StopTxn != TxnMax
}

// OutOfOrder reports whether the stop pair sorts strictly before the
// start pair. Equal pairs are in order: a single transaction may
// insert and then remove a record.
func (tw *TimeWindow) OutOfOrder() bool {
	return tw.StopTS < tw.StartTS ||
		(tw.StopTS == tw.StartTS && tw.StopTxn < tw.StartTxn)
}

// RepairOutOfOrder rewrites the start pair to equal the stop pair,
// leaving a degenerate window. Applied when an application commits a
// remove with an older timestamp than the value it removes; older
// readers are not guaranteed to continue seeing such content.
func (tw *TimeWindow) RepairOutOfOrder() {
	tw.DurableStartTS = tw.DurableStopTS
	tw.StartTS = tw.StopTS
	tw.StartTxn = tw.StopTxn
}

// SafeFormat implements redact.SafeFormatter.
func (tw *TimeWindow) SafeFormat(s redact.SafePrinter, _ rune) {
	s.Printf("start: txn %d, ts %d, durable ts %d / stop: txn %d, ts %d, durable ts %d%s",
		redact.Safe(uint64(tw.StartTxn)), redact.Safe(uint64(tw.StartTS)),
		redact.Safe(uint64(tw.DurableStartTS)),
		redact.Safe(uint64(tw.StopTxn)), redact.Safe(uint64(tw.StopTS)),
		redact.Safe(uint64(tw.DurableStopTS)),
		redact.Safe(prepareSuffix(tw.Prepare)))
}

func prepareSuffix(prepare bool) string {
	if prepare {
		return " / prepare"
	}
	return ""
}

// String implements fmt.Stringer.
func (tw *TimeWindow) String() string {
	return redact.StringWithoutMarkers(tw)
}

var _ redact.SafeFormatter = (*TimeWindow)(nil)
var _ fmt.Stringer = (*TimeWindow)(nil)
