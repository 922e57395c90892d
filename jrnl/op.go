package jrnl

import (
	"fmt"
	"sort"

	"github.com/mit-pdos/cluster-journal/bcache"
	"github.com/mit-pdos/cluster-journal/common"
	"github.com/mit-pdos/cluster-journal/glock"
	"github.com/mit-pdos/cluster-journal/jlog"
	"github.com/mit-pdos/cluster-journal/ondisk"
	"github.com/mit-pdos/cluster-journal/rgrp"
	"github.com/mit-pdos/cluster-journal/util"
)

// Op is an in-progress operation. It holds the locks and buffers it used
// until Commit.
type Op struct {
	fs     *Fs
	tr     *jlog.Trans
	glocks map[uint64]*glock.Glock
	bufs   map[common.Bnum]*bcache.Buf
}

// Begin starts an operation that logs at most blocks buffers and revokes
// revokes. Each allocation or free needs room for the resource group's
// bitmap, and a free for a revoke.
func (fs *Fs) Begin(blocks uint64, revokes uint64) (*Op, error) {
	tr, err := fs.log.Begin(blocks, revokes)
	if err != nil {
		return nil, err
	}
	op := &Op{
		fs:     fs,
		tr:     tr,
		glocks: make(map[uint64]*glock.Glock),
		bufs:   make(map[common.Bnum]*bcache.Buf),
	}
	util.DPrintf(3, "Begin: %p\n", op)
	return op, nil
}

// Acquire locks nums exclusively, in increasing order, skipping locks the
// operation already holds.
func (op *Op) Acquire(nums ...uint64) {
	sorted := append([]uint64(nil), nums...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, num := range sorted {
		if _, ok := op.glocks[num]; ok {
			continue
		}
		op.glocks[num] = op.fs.locks.Acquire(num, true)
	}
}

// ReadMeta locks and reads metadata block blkno, checking its type.
func (op *Op) ReadMeta(blkno common.Bnum, mtype uint32) (*bcache.Buf, error) {
	op.Acquire(blkno)
	if b, ok := op.bufs[blkno]; ok {
		return b, nil
	}
	b, err := op.fs.bc.Read(blkno)
	if err != nil {
		return nil, err
	}
	mh := ondisk.DecodeMetaHeader(b.Data)
	if err := mh.Check(mtype); err != nil {
		op.fs.bc.Release(b)
		return nil, err
	}
	if mh.Blkno != blkno {
		op.fs.bc.Release(b)
		return nil, fmt.Errorf("block %d claims to be %d: %w", blkno, mh.Blkno, ondisk.ErrCorrupt)
	}
	op.bufs[blkno] = b
	return b, nil
}

// NewMeta locks blkno and starts it over as an empty metadata block.
func (op *Op) NewMeta(blkno common.Bnum, mtype uint32, format uint32) *bcache.Buf {
	op.Acquire(blkno)
	b, ok := op.bufs[blkno]
	if !ok {
		b = op.fs.bc.Getblk(blkno)
		op.bufs[blkno] = b
	}
	for i := range b.Data {
		b.Data[i] = 0
	}
	ondisk.PutMetaHeader(b.Data, ondisk.MkMetaHeader(mtype, format, blkno))
	return b
}

// Dirty logs b, which the operation read or created.
func (op *Op) Dirty(b *bcache.Buf) error {
	gl, ok := op.glocks[b.Blkno]
	if !ok {
		return fmt.Errorf("dirty block %d: not locked by this operation", b.Blkno)
	}
	return op.tr.AddMeta(gl, b)
}

// Alloc allocates a data block.
func (op *Op) Alloc() (common.Bnum, error) {
	return op.fs.allocRG(op.tr)
}

// Free frees blkno, revoking its journal copies.
func (op *Op) Free(blkno common.Bnum) error {
	rg := op.fs.rgOf(blkno)
	if rg == nil {
		return fmt.Errorf("free %d: %w", blkno, rgrp.ErrRange)
	}
	return rg.FreeBlock(op.tr, blkno)
}

// WriteData writes a data block, ordered before the operation's metadata.
func (op *Op) WriteData(blkno common.Bnum, data []byte) error {
	if len(data) != int(common.BlockSize) {
		return fmt.Errorf("write %d: %d bytes", blkno, len(data))
	}
	return op.tr.AddData(blkno, data)
}

func (op *Op) release() {
	for _, b := range op.bufs {
		op.fs.bc.Release(b)
	}
	op.bufs = nil
	for _, gl := range op.glocks {
		op.fs.locks.Release(gl)
	}
	op.glocks = nil
}

// Commit ends the operation, flushing the journal if wait is set. Locks
// are released before the flush, which waits for other operations.
func (op *Op) Commit(wait bool) error {
	util.DPrintf(3, "Commit %p w %v\n", op, wait)
	err := op.tr.End()
	op.release()
	if err != nil || !wait {
		return err
	}
	return op.fs.log.Flush()
}
