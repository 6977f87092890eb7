// Copyright 2024 The Grebe Authors.
//
// Use of this software is governed by the Grebe Software License
// included in the /LICENSE file.

// Package mvcc holds the core multi-version data model shared by the
// in-memory B-tree and the reconciliation code: transaction IDs,
// commit timestamps, update chains, and validity time windows.
package mvcc

import "math"

// TxnID identifies a transaction. IDs are allocated in increasing
// order; a couple of values at the edges of the range are reserved.
type TxnID uint64

const (
	// TxnNone means "no transaction": the entry predates transaction
	// tracking or carries no ID.
	TxnNone TxnID = 0
	// TxnFirst is the first ID handed out by the allocator.
	TxnFirst TxnID = 1
	// TxnMax sorts after every allocatable transaction ID. It is the
	// default stop boundary of a time window.
	TxnMax TxnID = math.MaxUint64 - 1
	// TxnAborted marks a rolled-back update. Stored into an update's
	// txn ID field when its transaction aborts; chains are never
	// unlinked, so readers and reconciliation skip these in place.
	TxnAborted TxnID = math.MaxUint64
)

// Timestamp is a commit (or durable) timestamp. Timestamps are
// application-supplied and totally ordered; zero means unset.
type Timestamp uint64

const (
	// TsNone is the unset timestamp.
	TsNone Timestamp = 0
	// TsMax sorts after every real timestamp.
	TsMax Timestamp = math.MaxUint64
)

// UpdateType describes what an update does to its key.
type UpdateType uint8

const (
	// UpdateStandard is a full replacement value.
	UpdateStandard UpdateType = iota
	// UpdateModify is a delta against the next older value.
	UpdateModify
	// UpdateTombstone is a logical delete.
	UpdateTombstone
	// UpdateReserve is a placeholder written during prepared-commit
	// processing. Never selected for the page image.
	UpdateReserve
)

// String implements fmt.Stringer.
func (t UpdateType) String() string {
	switch t {
	case UpdateStandard:
		return "standard"
	case UpdateModify:
		return "modify"
	case UpdateTombstone:
		return "tombstone"
	case UpdateReserve:
		return "reserve"
	}
	return "unknown"
}

// PrepareState tracks an update's position in two-phase commit.
type PrepareState uint8

const (
	// PrepareNone: the update is not part of a prepared transaction.
	PrepareNone PrepareState = iota
	// PrepareLocked: the prepare is being resolved right now and the
	// update's timestamps are in flux.
	PrepareLocked
	// PrepareInProgress: the transaction has prepared but not yet
	// committed or aborted.
	PrepareInProgress
	// PrepareResolved: the prepared transaction committed and the
	// update carries its final timestamps.
	PrepareResolved
)

// String implements fmt.Stringer.
func (p PrepareState) String() string {
	switch p {
	case PrepareNone:
		return "none"
	case PrepareLocked:
		return "locked"
	case PrepareInProgress:
		return "inprogress"
	case PrepareResolved:
		return "resolved"
	}
	return "unknown"
}
