// Copyright 2024 The Grebe Authors.
//
// Use of this software is governed by the Grebe Software License
// included in the /LICENSE file.

package rec

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"

	"github.com/grebedb/grebe/pkg/btree"
	"github.com/grebedb/grebe/pkg/mvcc"
	"github.com/grebedb/grebe/pkg/txn"
)

// TestUpdSelect runs the datadriven selection scenarios. Each file
// builds a transaction table, a page with one key's chain and optional
// on-disk cell, then runs selection and prints the result record and
// the context's side effects.
//
// Directives:
//
//	init [flags=visible-all,evict,...] [page=col-fix] [hs-page]
//	     [metadata] [oldest-ts=N] [read-ts=N] [checkpoint-session]
//	txns through=N [active=a,b,c] [checkpoint=N]
//	cell [start-ts=N] [start-txn=N] [durable-start=N] [stop-ts=N]
//	     [stop-txn=N] [durable-stop=N] [overflow] [prepare] [deleted]
//	     [data=s]
//	chain            (input lines, newest first)
//	select
type updSelectHarness struct {
	global *txn.Global
	page   *btree.Page
	flags  Flags
	readTS mvcc.Timestamp
	ckpt   bool

	ins *btree.Insert
	row *btree.Row
	// cellPending is set between a cell directive and the chain that
	// attaches to its row; a chain with no pending cell builds an
	// insert entry instead.
	cellPending bool
}

func TestUpdSelect(t *testing.T) {
	var h updSelectHarness
	datadriven.Walk(t, "testdata/upd_select", func(t *testing.T, path string) {
		h = updSelectHarness{}
		datadriven.RunTest(t, path, func(t *testing.T, d *datadriven.TestData) string {
			switch d.Cmd {
			case "init":
				return h.init(t, d)
			case "txns":
				return h.txns(t, d)
			case "cell":
				return h.cell(t, d)
			case "chain":
				return h.chain(t, d)
			case "select":
				return h.sel(t, d)
			case "dump":
				return h.dump(t, d)
			default:
				t.Fatalf("unknown directive %q", d.Cmd)
				return ""
			}
		})
	})
}

func (h *updSelectHarness) init(t *testing.T, d *datadriven.TestData) string {
	h.global = txn.NewGlobal()
	h.flags = 0
	h.readTS = mvcc.TsNone
	h.ckpt = false
	h.ins = nil
	h.row = nil
	h.cellPending = false

	if d.HasArg("flags") {
		var flagList string
		d.ScanArgs(t, "flags", &flagList)
		for _, name := range strings.Split(flagList, ",") {
			switch name {
			case "visible-all":
				h.flags |= VisibleAll
			case "evict":
				h.flags |= Evict
			case "checkpoint":
				h.flags |= Checkpoint
			case "hs":
				h.flags |= HS
			case "in-memory":
				h.flags |= InMemory
			case "clean-after-rec":
				h.flags |= CleanAfterRec
			case "visibility-err":
				h.flags |= VisibilityErr
			default:
				t.Fatalf("unknown flag %q", name)
			}
		}
	}

	typ := btree.RowLeaf
	if d.HasArg("page") {
		var pageType string
		d.ScanArgs(t, "page", &pageType)
		require.Equal(t, "col-fix", pageType)
		typ = btree.ColFix
	}
	var opts []btree.Option
	if d.HasArg("hs-page") {
		opts = append(opts, btree.WithHistoryStore())
	}
	if d.HasArg("metadata") {
		opts = append(opts, btree.WithMetadata())
	}
	h.page = btree.NewPage(typ, opts...)

	if d.HasArg("oldest-ts") {
		h.global.SetOldestTimestamp(scanTs(t, d, "oldest-ts"))
	}
	if d.HasArg("read-ts") {
		h.readTS = scanTs(t, d, "read-ts")
	}
	h.ckpt = d.HasArg("checkpoint-session")
	return ""
}

func (h *updSelectHarness) txns(t *testing.T, d *datadriven.TestData) string {
	var through uint64
	d.ScanArgs(t, "through", &through)
	active := map[mvcc.TxnID]bool{}
	if d.HasArg("active") {
		var list string
		d.ScanArgs(t, "active", &list)
		for _, s := range strings.Split(list, ",") {
			id, err := strconv.ParseUint(s, 10, 64)
			require.NoError(t, err)
			active[mvcc.TxnID(id)] = true
		}
	}
	for {
		id := h.global.Begin()
		if !active[id] {
			h.global.Commit(id)
		}
		if uint64(id) == through {
			break
		}
	}
	if d.HasArg("checkpoint") {
		var id uint64
		d.ScanArgs(t, "checkpoint", &id)
		h.global.SetCheckpointTxn(mvcc.TxnID(id))
	}
	return fmt.Sprintf("last-running: %d", h.global.LastRunning())
}

func (h *updSelectHarness) cell(t *testing.T, d *datadriven.TestData) string {
	var tw mvcc.TimeWindow
	tw.Init()
	if d.HasArg("start-ts") {
		tw.StartTS = scanTs(t, d, "start-ts")
	}
	if d.HasArg("start-txn") {
		tw.StartTxn = scanTxn(t, d, "start-txn")
	}
	if d.HasArg("durable-start") {
		tw.DurableStartTS = scanTs(t, d, "durable-start")
	}
	if d.HasArg("stop-ts") {
		tw.StopTS = scanTs(t, d, "stop-ts")
	}
	if d.HasArg("stop-txn") {
		tw.StopTxn = scanTxn(t, d, "stop-txn")
	}
	if d.HasArg("durable-stop") {
		tw.DurableStopTS = scanTs(t, d, "durable-stop")
	}

	data := "ondisk"
	if d.HasArg("data") {
		d.ScanArgs(t, "data", &data)
	}

	var cell *btree.CellUnpack
	switch {
	case d.HasArg("deleted"):
		cell = btree.NewDeletedCell(tw)
	case d.HasArg("overflow"):
		h.page.AddOverflow(1, []byte(data))
		cell = btree.NewOverflowCell(1, tw)
	default:
		cell = btree.NewCell([]byte(data), tw)
	}
	if d.HasArg("prepare") {
		cell.Flags |= btree.CellPrepare
	}
	h.row = h.page.AddRow([]byte("key"), cell)
	h.ins = nil
	h.cellPending = true
	return ""
}

func (h *updSelectHarness) chain(t *testing.T, d *datadriven.TestData) string {
	var target *btree.UpdateList
	if h.cellPending {
		h.cellPending = false
		target = &h.row.UpdateList
	} else {
		h.ins = h.page.AddInsert([]byte("key"))
		h.row = nil
		target = &h.ins.UpdateList
	}

	lines := strings.Split(strings.TrimSpace(d.Input), "\n")
	// Input is newest first; prepend oldest first so the head ends up
	// being the first line.
	for i := len(lines) - 1; i >= 0; i-- {
		u := h.parseUpdate(t, lines[i])
		target.Prepend(u)
	}
	return fmt.Sprintf("chain: %d updates", len(lines))
}

func (h *updSelectHarness) parseUpdate(t *testing.T, line string) *mvcc.Update {
	fields := strings.Fields(line)
	require.NotEmpty(t, fields)

	var typ mvcc.UpdateType
	switch fields[0] {
	case "standard":
		typ = mvcc.UpdateStandard
	case "modify":
		typ = mvcc.UpdateModify
	case "tombstone":
		typ = mvcc.UpdateTombstone
	case "reserve":
		typ = mvcc.UpdateReserve
	default:
		t.Fatalf("unknown update type %q", fields[0])
	}

	var data []byte
	if typ == mvcc.UpdateStandard || typ == mvcc.UpdateModify {
		data = []byte("value")
	}
	u, size := mvcc.NewUpdate(typ, data)
	h.page.IncrMemSize(size)

	for _, f := range fields[1:] {
		key, value, _ := strings.Cut(f, "=")
		switch key {
		case "txn":
			id, err := strconv.ParseUint(value, 10, 64)
			require.NoError(t, err)
			u.SetTxnID(mvcc.TxnID(id))
		case "ts":
			ts, err := strconv.ParseUint(value, 10, 64)
			require.NoError(t, err)
			u.StartTS = mvcc.Timestamp(ts)
		case "durable":
			ts, err := strconv.ParseUint(value, 10, 64)
			require.NoError(t, err)
			u.DurableTS = mvcc.Timestamp(ts)
		case "data":
			u2, _ := mvcc.NewUpdate(typ, []byte(value))
			u2.SetTxnID(u.TxnID())
			u2.StartTS = u.StartTS
			u2.DurableTS = u.DurableTS
			u = u2
		case "prepare":
			switch value {
			case "locked":
				u.SetPrepare(mvcc.PrepareLocked)
			case "inprogress":
				u.SetPrepare(mvcc.PrepareInProgress)
			case "resolved":
				u.SetPrepare(mvcc.PrepareResolved)
			default:
				t.Fatalf("unknown prepare state %q", value)
			}
		case "restored-rollback":
			u.Flags |= mvcc.RestoredForRollback
		case "aborted":
			u.MarkAborted()
		default:
			t.Fatalf("unknown update field %q", key)
		}
	}
	return u
}

func (h *updSelectHarness) dump(t *testing.T, d *datadriven.TestData) string {
	var head *mvcc.Update
	if h.ins != nil {
		head = h.ins.Updates()
	} else {
		require.NotNil(t, h.row)
		head = h.row.Updates()
	}
	var out strings.Builder
	for u := head; u != nil; u = u.Next() {
		fmt.Fprintf(&out, "%s txn=%s ts=%s", u.Type, fmtTxn(u.TxnID()), fmtTs(u.StartTS))
		if p := u.Prepare(); p != mvcc.PrepareNone {
			fmt.Fprintf(&out, " prepare=%s", p)
		}
		if u.Flags&mvcc.RestoredForRollback != 0 {
			out.WriteString(" restored-rollback")
		}
		out.WriteString("\n")
	}
	return out.String()
}

func (h *updSelectHarness) sel(t *testing.T, d *datadriven.TestData) string {
	h.cellPending = false
	cfg := Config{
		Page:              h.page,
		Flags:             h.flags,
		Txns:              h.global,
		CheckpointSession: h.ckpt,
	}
	if h.flags&VisibleAll == 0 {
		cfg.Snapshot = h.global.Snapshot(h.readTS)
	}
	r, err := NewContext(cfg)
	require.NoError(t, err)

	var vpack *btree.CellUnpack
	if h.ins == nil && h.row != nil {
		vpack = h.row.Cell
	}
	sel, err := r.UpdSelect(context.Background(), h.ins, h.row, vpack)

	var out strings.Builder
	if err != nil {
		fmt.Fprintf(&out, "error: %v\n", err)
		return out.String()
	}

	if sel.Upd == nil {
		fmt.Fprintf(&out, "selected: none\n")
	} else {
		fmt.Fprintf(&out, "selected: %s txn=%s ts=%s\n",
			sel.Upd.Type, fmtTxn(sel.Upd.TxnID()), fmtTs(sel.Upd.StartTS))
	}
	fmt.Fprintf(&out, "tw: start=%s/%s stop=%s/%s durable=%s/%s",
		fmtTs(sel.TW.StartTS), fmtTxn(sel.TW.StartTxn),
		fmtTs(sel.TW.StopTS), fmtTxn(sel.TW.StopTxn),
		fmtTs(sel.TW.DurableStartTS), fmtTs(sel.TW.DurableStopTS))
	if sel.TW.Prepare {
		out.WriteString(" prepare")
	}
	out.WriteString("\n")

	for _, s := range r.SavedUpdates() {
		onpage := "none"
		if s.OnPageUpd != nil {
			onpage = s.OnPageUpd.Type.String()
		}
		fmt.Fprintf(&out, "saved: onpage=%s restore=%t\n", onpage, s.Restore)
	}
	fmt.Fprintf(&out, "stats: seen=%d unstable=%d repairs=%d dirty=%t restore=%t\n",
		r.UpdatesSeen(), r.UpdatesUnstable(), r.OutOfOrderRepairs(),
		r.LeaveDirty(), r.CacheWriteRestore())
	fmt.Fprintf(&out, "marks: max-txn=%s max-ts=%s ondisk=%s skipped=%s\n",
		fmtTxn(r.MaxTxn()), fmtTs(r.MaxTS()), fmtTs(r.MaxOnDiskTS()), fmtTs(r.MinSkippedTS()))
	return out.String()
}

func scanTs(t *testing.T, d *datadriven.TestData, arg string) mvcc.Timestamp {
	var v uint64
	d.ScanArgs(t, arg, &v)
	return mvcc.Timestamp(v)
}

func scanTxn(t *testing.T, d *datadriven.TestData, arg string) mvcc.TxnID {
	var v uint64
	d.ScanArgs(t, arg, &v)
	return mvcc.TxnID(v)
}

func fmtTs(ts mvcc.Timestamp) string {
	switch ts {
	case mvcc.TsNone:
		return "none"
	case mvcc.TsMax:
		return "max"
	}
	return strconv.FormatUint(uint64(ts), 10)
}

func fmtTxn(id mvcc.TxnID) string {
	switch id {
	case mvcc.TxnNone:
		return "none"
	case mvcc.TxnMax:
		return "max"
	case mvcc.TxnAborted:
		return "aborted"
	}
	return strconv.FormatUint(uint64(id), 10)
}
