// Copyright 2024 The Grebe Authors.
//
// Use of this software is governed by the Grebe Software License
// included in the /LICENSE file.

package btree

import (
	"github.com/cockroachdb/errors"

	"github.com/grebedb/grebe/pkg/mvcc"
)

// CellType is the unpacked on-disk cell's kind.
type CellType uint8

const (
	// CellValue carries a value.
	CellValue CellType = iota
	// CellDel is an on-disk deleted cell.
	CellDel
)

// CellFlags carry the unpacked cell's modifiers.
type CellFlags uint8

const (
	// CellPrepare: the cell was written by a prepared transaction that
	// had not resolved when the page was last reconciled.
	CellPrepare CellFlags = 1 << iota
	// CellOverflow: the payload lives in separately allocated overflow
	// blocks rather than inline in the page image.
	CellOverflow
)

// CellUnpack is an on-disk cell unpacked into its parts: kind, time
// window, payload location. Cells are borrowed from the page image for
// the duration of a reconciliation call; anything that outlives the
// call copies the payload out.
type CellUnpack struct {
	Type  CellType
	Flags CellFlags
	TW    mvcc.TimeWindow

	data   []byte
	ovflID uint64
}

// NewCell returns an unpacked value cell with an inline payload.
func NewCell(data []byte, tw mvcc.TimeWindow) *CellUnpack {
	return &CellUnpack{Type: CellValue, TW: tw, data: data}
}

// NewOverflowCell returns an unpacked value cell whose payload lives
// in the overflow block with the given ID.
func NewOverflowCell(ovflID uint64, tw mvcc.TimeWindow) *CellUnpack {
	return &CellUnpack{Type: CellValue, Flags: CellOverflow, TW: tw, ovflID: ovflID}
}

// NewDeletedCell returns an unpacked deleted cell.
func NewDeletedCell(tw mvcc.TimeWindow) *CellUnpack {
	return &CellUnpack{Type: CellDel, TW: tw}
}

// Prepared reports whether the cell was written prepared.
func (c *CellUnpack) Prepared() bool {
	return c.Flags&CellPrepare != 0
}

// Overflow reports whether the payload is stored in overflow blocks.
func (c *CellUnpack) Overflow() bool {
	return c.Flags&CellOverflow != 0
}

// CellData resolves the cell's payload, following the overflow
// reference if there is one. The returned slice is a copy the caller
// owns.
func (p *Page) CellData(cell *CellUnpack) ([]byte, error) {
	if cell.Overflow() {
		p.mu.Lock()
		data, ok := p.mu.overflow[cell.ovflID]
		p.mu.Unlock()
		if !ok {
			return nil, errors.Errorf("overflow item %d missing from page", cell.ovflID)
		}
		return append([]byte(nil), data...), nil
	}
	return append([]byte(nil), cell.data...), nil
}
