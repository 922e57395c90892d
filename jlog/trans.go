package jlog

import (
	"errors"

	"github.com/mit-pdos/cluster-journal/bcache"
	"github.com/mit-pdos/cluster-journal/common"
	"github.com/mit-pdos/cluster-journal/ondisk"
	"github.com/mit-pdos/cluster-journal/util"
)

var ErrTransDone = errors.New("jlog: transaction already ended")

// Trans is one atomic change. It holds the commit lock shared from Begin
// until End, so a flush never sees half of it.
type Trans struct {
	m *Manager

	blocks   uint64
	revokes  uint64
	reserved uint64

	touched   bool
	numBuf    uint64
	numBufNew uint64
	numRevoke uint64
	bufs      []*BufData
	elems     []*Element
	ended     bool
}

// calcReserved is the number of journal blocks that nbuf buffers and
// nrevoke revokes take in one flush.
func calcReserved(nbuf uint64, nrevoke uint64) uint64 {
	var n uint64
	if nbuf > 0 {
		n = 1 + nbuf
	}
	return n + ondisk.RevokeBlocks(nrevoke)
}

// Begin opens a transaction that may add up to blocks buffers and revokes
// revokes, waiting for journal space if necessary.
//
// A thread must not begin a transaction while it has one open.
func (m *Manager) Begin(blocks uint64, revokes uint64) (*Trans, error) {
	n := calcReserved(blocks, revokes)
	if err := m.Reserve(n); err != nil {
		return nil, err
	}
	m.transLock.RLock()
	tr := &Trans{
		m:        m,
		blocks:   blocks,
		revokes:  revokes,
		reserved: n,
	}
	util.DPrintf(5, "Begin: %d blocks %d revokes\n", blocks, revokes)
	return tr, nil
}

func (tr *Trans) addLocked(k Kind, le Loggable) error {
	m := tr.m
	if tr.ended {
		return ErrTransDone
	}
	if m.withdrawn {
		return m.withdrawErr
	}
	e := le.LogElement()
	if e.state == Unlinked {
		e.kind = k
	} else if err := m.assertWithdrawLocked(e.kind == k,
		"%s element added as %s", e.kind, k); err != nil {
		return err
	}
	return lops[k].add(m, tr, le)
}

func (tr *Trans) add(k Kind, le Loggable) error {
	tr.m.lock.Lock()
	defer tr.m.lock.Unlock()
	return tr.addLocked(k, le)
}

func (tr *Trans) AddGlock(gl Lock) error {
	return tr.add(KindGlock, gl)
}

// AddMeta logs metadata buffer b, protected by gl (may be nil). The buffer
// must start with a meta header naming its own block number.
func (tr *Trans) AddMeta(gl Lock, b *bcache.Buf) error {
	bd := tr.m.bufData(b)
	tr.m.lock.Lock()
	defer tr.m.lock.Unlock()
	if bd.gl == nil {
		bd.gl = gl
	}
	return tr.addLocked(KindBuf, bd)
}

func (tr *Trans) AddRevoke(blkno common.Bnum) error {
	return tr.add(KindRevoke, &Revoke{Blkno: blkno})
}

func (tr *Trans) AddRG(rg ResourceGroup) error {
	return tr.add(KindRg, rg)
}

// AddData writes data to blkno in place before this transaction's metadata
// commits.
func (tr *Trans) AddData(blkno common.Bnum, data []byte) error {
	return tr.add(KindDatabuf, &DataBuf{Blkno: blkno, Data: util.CloneByteSlice(data)})
}

func (tr *Trans) Touched() bool {
	tr.m.lock.Lock()
	defer tr.m.lock.Unlock()
	return tr.touched
}

// End hands the transaction's elements to the next flush and returns the
// unused part of its reservation.
func (tr *Trans) End() error {
	m := tr.m
	m.lock.Lock()
	if tr.ended {
		m.lock.Unlock()
		return ErrTransDone
	}
	tr.ended = true
	err := tr.endLocked()
	m.lock.Unlock()
	m.transLock.RUnlock()
	return err
}

func (tr *Trans) endLocked() error {
	m := tr.m
	for k := Kind(0); k < nkinds; k++ {
		lops[k].incoreCommit(m, tr)
	}
	if !tr.touched {
		m.releaseLocked(tr.reserved)
		if m.withdrawn {
			return m.withdrawErr
		}
		return nil
	}
	for _, e := range tr.elems {
		if e.state == InTransaction {
			e.state = InGlobalQueue
		}
	}
	tr.elems = nil

	old := calcReserved(m.committedBuf, m.committedRevoke)
	m.committedBuf += tr.numBufNew
	m.committedRevoke += tr.numRevoke
	delta := calcReserved(m.committedBuf, m.committedRevoke) - old
	if err := m.assertWithdrawLocked(delta <= tr.reserved,
		"transaction used %d blocks of %d reserved", delta, tr.reserved); err != nil {
		return err
	}
	m.releaseLocked(tr.reserved - delta)
	if m.withdrawn {
		return m.withdrawErr
	}
	if m.needFlushLocked() {
		m.condLogd.Signal()
	}
	return nil
}

// Commit ends the transaction and flushes the log.
func (tr *Trans) Commit() error {
	if err := tr.End(); err != nil {
		return err
	}
	return tr.m.Flush()
}
