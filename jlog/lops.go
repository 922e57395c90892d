package jlog

import (
	"fmt"

	"github.com/mit-pdos/cluster-journal/common"
	"github.com/mit-pdos/cluster-journal/disk"
	"github.com/mit-pdos/cluster-journal/ondisk"
	"github.com/mit-pdos/cluster-journal/util"
)

// logOps holds the hooks of one kind. add and incoreCommit run with the
// manager's lock held; the commit hooks run with flush rights, beforeCommit
// also with the commit lock held exclusively.
type logOps interface {
	name() string
	add(m *Manager, tr *Trans, le Loggable) error
	incoreCommit(m *Manager, tr *Trans)
	beforeCommit(m *Manager, fc *flushCtx) error
	buildEntry(m *Manager, fc *flushCtx) error
	afterCommit(m *Manager, fc *flushCtx)
	beforeScan(rs *replayState)
	// scanElements is called for every descriptor of a pass and ignores
	// descriptor types it does not own.
	scanElements(rs *replayState, start uint64, ld ondisk.LogDescriptor,
		b disk.Block, pass int) (uint64, error)
	afterScan(rs *replayState, err error) error
}

type nopOps struct{}

func (nopOps) add(m *Manager, tr *Trans, le Loggable) error { return nil }
func (nopOps) incoreCommit(m *Manager, tr *Trans)           {}
func (nopOps) beforeCommit(m *Manager, fc *flushCtx) error  { return nil }
func (nopOps) buildEntry(m *Manager, fc *flushCtx) error    { return nil }
func (nopOps) afterCommit(m *Manager, fc *flushCtx)         {}
func (nopOps) beforeScan(rs *replayState)                   {}
func (nopOps) afterScan(rs *replayState, err error) error   { return nil }
func (nopOps) scanElements(rs *replayState, start uint64, ld ondisk.LogDescriptor,
	b disk.Block, pass int) (uint64, error) {
	return 0, nil
}

var lops [nkinds]logOps

func init() {
	lops = [nkinds]logOps{
		KindGlock:   glockOps{},
		KindBuf:     bufOps{},
		KindRevoke:  revokeOps{},
		KindRg:      rgOps{},
		KindDatabuf: databufOps{},
	}
}

// drain pops the committing batch of kind k one element at a time, calling
// f without the manager's lock. unlinked reports whether the element left
// the log, as opposed to having been linked again into a newer queue.
func (m *Manager) drain(fc *flushCtx, k Kind, locked func(le Loggable, unlinked bool),
	f func(le Loggable, unlinked bool)) {
	for {
		m.lock.Lock()
		le, ok := fc.popLocked(k)
		if !ok {
			m.lock.Unlock()
			break
		}
		unlinked := m.unlinkLocked(fc, le.LogElement())
		if locked != nil {
			locked(le, unlinked)
		}
		m.lock.Unlock()
		if f != nil {
			f(le, unlinked)
		}
	}
}

//
// glock
//

type glockOps struct{ nopOps }

func (glockOps) name() string { return "glock" }

func (glockOps) add(m *Manager, tr *Trans, le Loggable) error {
	gl := le.(Lock)
	if m.linkedLocked(gl.LogElement()) {
		return nil
	}
	if err := m.assertWithdrawLocked(gl.HeldExcl(),
		"glock %s added without an exclusive hold", gl.Name()); err != nil {
		return err
	}
	gl.Hold()
	gl.SetDirty(true)
	m.linkLocked(tr, KindGlock, le)
	return nil
}

func (glockOps) afterCommit(m *Manager, fc *flushCtx) {
	m.drain(fc, KindGlock, nil, func(le Loggable, unlinked bool) {
		gl := le.(Lock)
		m.assertWarn(gl.HeldExcl(), "glock %s released before its commit", gl.Name())
		if unlinked {
			gl.SetDirty(false)
		}
		gl.Put()
	})
}

//
// buf
//

type bufOps struct{ nopOps }

func (bufOps) name() string { return "buf" }

func (bufOps) add(m *Manager, tr *Trans, le Loggable) error {
	bd := le.(*BufData)
	if bd.gl != nil {
		if err := tr.addLocked(KindGlock, bd.gl); err != nil {
			return err
		}
	}
	mh := ondisk.DecodeMetaHeader(bd.buf.Data)
	if err := m.assertWithdrawLocked(mh.Check(common.METATYPE_NONE) == nil &&
		mh.Blkno == bd.buf.Blkno,
		"buffer %d is not a metadata block", bd.buf.Blkno); err != nil {
		return err
	}
	if bd.tr != tr {
		bd.tr = tr
		tr.bufs = append(tr.bufs, bd)
		tr.numBuf++
	}
	if m.linkedLocked(&bd.Element) {
		return nil
	}
	if err := m.assertWithdrawLocked(tr.numBufNew < tr.blocks,
		"transaction adds more than its %d reserved buffers", tr.blocks); err != nil {
		return err
	}
	m.bc.Pin(bd.buf)
	tr.numBufNew++
	m.linkLocked(tr, KindBuf, le)
	return nil
}

func (bufOps) incoreCommit(m *Manager, tr *Trans) {
	for _, bd := range tr.bufs {
		if bd.tr == tr {
			bd.tr = nil
		}
	}
	tr.bufs = nil
	tr.numBuf = 0
}

// beforeCommit freezes the buffers. No transaction can change them while
// the commit lock is held exclusively.
func (bufOps) beforeCommit(m *Manager, fc *flushCtx) error {
	for _, le := range fc.batch[KindBuf] {
		bd := le.(*BufData)
		fc.bufs = append(fc.bufs, &ailEntry{
			blkno: bd.buf.Blkno,
			data:  util.CloneByteSlice(bd.buf.Data),
		})
	}
	return nil
}

func (bufOps) buildEntry(m *Manager, fc *flushCtx) error {
	n := uint64(len(fc.bufs))
	if n == 0 {
		return nil
	}
	ld := ondisk.MkLogDescriptor(m.logBlkno(fc.pos()), common.LOG_DESC_METADATA,
		uint32(n+1), uint32(n))
	fc.put(ld.Encode())
	for _, e := range fc.bufs {
		util.DPrintf(5, "buf: log %d at %d\n", e.blkno, fc.pos())
		fc.put(e.data)
	}
	return nil
}

func (bufOps) afterCommit(m *Manager, fc *flushCtx) {
	i := 0
	m.drain(fc, KindBuf, func(le Loggable, unlinked bool) {
		m.ailInsertLocked(fc.group, fc.bufs[i])
		i++
	}, func(le Loggable, unlinked bool) {
		m.bc.Unpin(le.(*BufData).buf)
	})
}

func (bufOps) beforeScan(rs *replayState) {
	rs.found = 0
	rs.replayed = 0
}

func (bufOps) scanElements(rs *replayState, start uint64, ld ondisk.LogDescriptor,
	b disk.Block, pass int) (uint64, error) {
	if pass != 1 || ld.Type != common.LOG_DESC_METADATA {
		return 0, nil
	}
	if uint64(ld.Data1)+1 != uint64(ld.Length) {
		return 0, fmt.Errorf("metadata descriptor at %d: %d buffers in %d blocks: %w",
			start, ld.Data1, ld.Length, ondisk.ErrCorrupt)
	}
	var n uint64
	for pos := start + 1; pos < start+uint64(ld.Length); pos++ {
		blk, err := rs.read(pos)
		if err != nil {
			return n, err
		}
		mh := ondisk.DecodeMetaHeader(blk)
		if err := mh.Check(common.METATYPE_NONE); err != nil {
			return n, fmt.Errorf("journal block %d: %w", pos, err)
		}
		rs.found++
		if rpos, ok := rs.revokes[mh.Blkno]; ok && rpos >= pos {
			util.DPrintf(5, "replay: %d at %d revoked at %d\n", mh.Blkno, pos, rpos)
			continue
		}
		buf := rs.bc.Getblk(mh.Blkno)
		copy(buf.Data, blk)
		buf.MarkDirty()
		rs.bc.Release(buf)
		rs.replayed++
		n++
	}
	return n, nil
}

func (bufOps) afterScan(rs *replayState, err error) error {
	if err != nil {
		return nil
	}
	if err := rs.bc.Sync(); err != nil {
		return err
	}
	util.DPrintf(1, "jid=%d: Replayed %d of %d blocks\n", rs.jd.Jid, rs.replayed, rs.found)
	return nil
}

//
// revoke
//

type revokeOps struct{ nopOps }

func (revokeOps) name() string { return "revoke" }

func (revokeOps) add(m *Manager, tr *Trans, le Loggable) error {
	if m.linkedLocked(le.LogElement()) {
		return nil
	}
	if err := m.assertWithdrawLocked(tr.numRevoke < tr.revokes,
		"transaction adds more than its %d reserved revokes", tr.revokes); err != nil {
		return err
	}
	tr.numRevoke++
	m.linkLocked(tr, KindRevoke, le)
	return nil
}

func (revokeOps) buildEntry(m *Manager, fc *flushCtx) error {
	batch := fc.batch[KindRevoke]
	n := uint64(len(batch))
	if n == 0 {
		return nil
	}
	ld := ondisk.MkLogDescriptor(m.logBlkno(fc.pos()), common.LOG_DESC_REVOKE,
		uint32(ondisk.RevokeBlocks(n)), uint32(n))
	rb := ondisk.NewRevokeBlock(ld)
	for _, le := range batch {
		if rb.Full() {
			fc.put(rb.Finish())
			rb = ondisk.NewRevokeContBlock(m.logBlkno(fc.pos()))
		}
		rv := le.(*Revoke)
		rb.Put(rv.Blkno)
		fc.revoked = append(fc.revoked, rv.Blkno)
	}
	fc.put(rb.Finish())
	return nil
}

// afterCommit drops the revoked blocks from the AIL: their journal copies
// are dead, and the block may already hold new contents.
func (revokeOps) afterCommit(m *Manager, fc *flushCtx) {
	m.drain(fc, KindRevoke, func(le Loggable, unlinked bool) {
		m.ailRevokeLocked(le.(*Revoke).Blkno)
	}, nil)
}

func (revokeOps) beforeScan(rs *replayState) {
	rs.revokes = make(map[common.Bnum]uint64)
	rs.nrevoke = 0
}

func (revokeOps) scanElements(rs *replayState, start uint64, ld ondisk.LogDescriptor,
	b disk.Block, pass int) (uint64, error) {
	if pass != 0 || ld.Type != common.LOG_DESC_REVOKE {
		return 0, nil
	}
	left := uint64(ld.Data1)
	blk := b
	for i := uint64(0); i < uint64(ld.Length) && left > 0; i++ {
		if i > 0 {
			var err error
			blk, err = rs.read(start + i)
			if err != nil {
				return 0, err
			}
		}
		blknos, err := ondisk.DecodeRevokes(blk, i == 0, left)
		if err != nil {
			return 0, fmt.Errorf("revoke block at %d: %w", start+i, err)
		}
		for _, bn := range blknos {
			rpos, ok := rs.revokes[bn]
			if !ok {
				rs.nrevoke++
			}
			if !ok || rpos < start {
				rs.revokes[bn] = start
			}
		}
		left -= uint64(len(blknos))
	}
	if left != 0 {
		return 0, fmt.Errorf("revoke descriptor at %d: %d records missing: %w",
			start, left, ondisk.ErrCorrupt)
	}
	return uint64(ld.Data1), nil
}

func (revokeOps) afterScan(rs *replayState, err error) error {
	if err == nil {
		util.DPrintf(1, "jid=%d: Found %d revoke tags\n", rs.jd.Jid, rs.nrevoke)
	}
	rs.revokes = nil
	return nil
}

//
// rg
//

type rgOps struct{ nopOps }

func (rgOps) name() string { return "rg" }

func (rgOps) add(m *Manager, tr *Trans, le Loggable) error {
	if m.linkedLocked(le.LogElement()) {
		return nil
	}
	le.(ResourceGroup).BhHold()
	m.linkLocked(tr, KindRg, le)
	return nil
}

func (rgOps) afterCommit(m *Manager, fc *flushCtx) {
	m.drain(fc, KindRg, nil, func(le Loggable, unlinked bool) {
		rg := le.(ResourceGroup)
		rg.RepolishClones()
		rg.BhPut()
	})
}

//
// databuf
//

type databufOps struct{ nopOps }

func (databufOps) name() string { return "databuf" }

func (databufOps) add(m *Manager, tr *Trans, le Loggable) error {
	if m.linkedLocked(le.LogElement()) {
		return nil
	}
	m.linkLocked(tr, KindDatabuf, le)
	return nil
}

// beforeCommit writes data blocks in place, ahead of the metadata that
// refers to them.
func (databufOps) beforeCommit(m *Manager, fc *flushCtx) error {
	batch := fc.batch[KindDatabuf]
	if len(batch) == 0 {
		return nil
	}
	for _, le := range batch {
		db := le.(*DataBuf)
		if err := m.d.Write(db.Blkno, db.Data); err != nil {
			return fmt.Errorf("ordered write of %d: %w", db.Blkno, err)
		}
	}
	return m.d.Barrier()
}

func (databufOps) afterCommit(m *Manager, fc *flushCtx) {
	m.drain(fc, KindDatabuf, nil, nil)
}
