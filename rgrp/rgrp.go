// Package rgrp allocates data blocks from resource groups. Each group is a
// bitmap block followed by the data blocks it tracks; bit i set means
// block Data0+i is in use.
//
// Frees clear the bitmap but not the clone, a copy of the bitmap as of the
// last commit. Allocation needs the bit clear in both, so a freed block is
// not reused until the free is committed.
package rgrp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/cluster-journal/bcache"
	"github.com/mit-pdos/cluster-journal/common"
	"github.com/mit-pdos/cluster-journal/disk"
	"github.com/mit-pdos/cluster-journal/glock"
	"github.com/mit-pdos/cluster-journal/jlog"
	"github.com/mit-pdos/cluster-journal/ondisk"
	"github.com/mit-pdos/cluster-journal/super"
	"github.com/mit-pdos/cluster-journal/util"
)

var (
	ErrNoSpace = errors.New("rgrp: no free blocks")
	ErrRange   = errors.New("rgrp: block not in resource group")
	ErrFree    = errors.New("rgrp: block already free")
)

const (
	freeOff = ondisk.MetaHeaderSize
	bitsOff = freeOff + 8
)

type RGrp struct {
	jlog.Element
	desc super.RGDesc
	m    *jlog.Manager
	gl   *glock.Glock

	mu    *sync.Mutex
	bh    *bcache.Buf
	clone []byte
	free  uint64
	next  uint64
}

func encodeEmpty(desc super.RGDesc) disk.Block {
	enc := marshal.NewEnc(common.BlockSize)
	ondisk.MkMetaHeader(common.METATYPE_RG, common.FORMAT_RG, desc.Addr).Put(enc)
	enc.PutInt(desc.NData)
	return enc.Finish()
}

// Mkfs writes empty resource groups.
func Mkfs(d disk.Disk, fs *super.FsSuper) error {
	for _, desc := range fs.RGrps {
		if err := d.Write(desc.Addr, encodeEmpty(desc)); err != nil {
			return err
		}
	}
	return d.Barrier()
}

// Load reads a resource group through m's cache. lm provides the lock that
// protects the bitmap.
func Load(m *jlog.Manager, lm *glock.LockMap, desc super.RGDesc) (*RGrp, error) {
	bh, err := m.Cache().Read(desc.Addr)
	if err != nil {
		return nil, err
	}
	dec := marshal.NewDec(bh.Data)
	if err := ondisk.GetMetaHeader(dec).Check(common.METATYPE_RG); err != nil {
		m.Cache().Release(bh)
		return nil, fmt.Errorf("resource group %d: %w", desc.Addr, err)
	}
	rg := &RGrp{
		desc:  desc,
		m:     m,
		gl:    lm.Get(desc.Addr),
		mu:    new(sync.Mutex),
		bh:    bh,
		clone: util.CloneByteSlice(bh.Data[bitsOff:]),
		free:  dec.GetInt(),
	}
	return rg, nil
}

// Unload drops the group's cache and lock references.
func (rg *RGrp) Unload() {
	rg.m.Cache().Release(rg.bh)
	rg.gl.Put()
}

func (rg *RGrp) Desc() super.RGDesc {
	return rg.desc
}

func (rg *RGrp) Glock() *glock.Glock {
	return rg.gl
}

func (rg *RGrp) Free() uint64 {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return rg.free
}

func (rg *RGrp) Contains(blkno common.Bnum) bool {
	return blkno >= rg.desc.Data0 && blkno < rg.desc.Data0+rg.desc.NData
}

func bitSet(bits []byte, i uint64) bool {
	return bits[i/8]&(1<<(i%8)) != 0
}

func setBit(bits []byte, i uint64) {
	bits[i/8] = bits[i/8] | (1 << (i % 8))
}

func clearBit(bits []byte, i uint64) {
	bits[i/8] = bits[i/8] & ^(1 << (i % 8))
}

func (rg *RGrp) putFreeLocked() {
	enc := marshal.NewEnc(8)
	enc.PutInt(rg.free)
	copy(rg.bh.Data[freeOff:bitsOff], enc.Finish())
}

func (rg *RGrp) logLocked(tr *jlog.Trans) error {
	rg.putFreeLocked()
	if err := tr.AddMeta(rg.gl, rg.bh); err != nil {
		return err
	}
	return tr.AddRG(rg)
}

// Alloc allocates a data block in tr. tr must have room for one buffer.
func (rg *RGrp) Alloc(tr *jlog.Trans) (common.Bnum, error) {
	rg.gl.Lock(true)
	defer rg.gl.Unlock()
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if rg.free == 0 {
		return 0, ErrNoSpace
	}
	bits := rg.bh.Data[bitsOff:]
	for n := uint64(0); n < rg.desc.NData; n++ {
		i := (rg.next + n) % rg.desc.NData
		if bitSet(bits, i) || bitSet(rg.clone, i) {
			continue
		}
		setBit(bits, i)
		setBit(rg.clone, i)
		rg.free -= 1
		rg.next = (i + 1) % rg.desc.NData
		util.DPrintf(10, "rgrp %d: alloc %d\n", rg.desc.Addr, rg.desc.Data0+i)
		if err := rg.logLocked(tr); err != nil {
			return 0, err
		}
		return rg.desc.Data0 + i, nil
	}
	// every free block was freed by an uncommitted transaction
	return 0, ErrNoSpace
}

// FreeBlock frees blkno in tr. If the journal still holds a copy of the
// block, the free also revokes it, so tr must have room for one buffer and
// one revoke.
func (rg *RGrp) FreeBlock(tr *jlog.Trans, blkno common.Bnum) error {
	if !rg.Contains(blkno) {
		return fmt.Errorf("free %d in group at %d: %w", blkno, rg.desc.Addr, ErrRange)
	}
	rg.gl.Lock(true)
	defer rg.gl.Unlock()
	rg.mu.Lock()
	defer rg.mu.Unlock()
	i := blkno - rg.desc.Data0
	bits := rg.bh.Data[bitsOff:]
	if !bitSet(bits, i) {
		return fmt.Errorf("free %d: %w", blkno, ErrFree)
	}
	clearBit(bits, i)
	rg.free += 1
	if err := rg.logLocked(tr); err != nil {
		return err
	}
	if rg.m.Journaled(blkno) {
		return tr.AddRevoke(blkno)
	}
	return nil
}

func (rg *RGrp) BhHold() {
	rg.m.Cache().Getblk(rg.desc.Addr)
}

func (rg *RGrp) BhPut() {
	rg.m.Cache().Release(rg.bh)
}

// RepolishClones copies the bitmap to the clone, unless the group has
// frees waiting for the next flush.
func (rg *RGrp) RepolishClones() {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if rg.m.Pending(rg) {
		return
	}
	copy(rg.clone, rg.bh.Data[bitsOff:])
}
