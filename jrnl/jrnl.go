// Package jrnl is the top-level journal API of one cluster member.
//
// Mount recovers the member's journal and opens it. The caller then changes
// metadata in operations: Begin an Op with an upper bound on the buffers
// and revokes it will log, read or create metadata blocks (each protected
// by the cluster lock with the block's number), allocate and free data
// blocks, write data, and Commit.
//
// Commit(true) is durable when it returns. Commit(false) makes the
// operation visible atomically, including across crashes, but the latest
// such operations can be lost in a crash until the next Flush.
//
// Metadata blocks start with a meta header naming their own block number,
// which is how replay finds where a journaled block belongs.
package jrnl

import (
	"errors"
	"fmt"

	"github.com/mit-pdos/cluster-journal/bcache"
	"github.com/mit-pdos/cluster-journal/common"
	"github.com/mit-pdos/cluster-journal/disk"
	"github.com/mit-pdos/cluster-journal/glock"
	"github.com/mit-pdos/cluster-journal/jlog"
	"github.com/mit-pdos/cluster-journal/rgrp"
	"github.com/mit-pdos/cluster-journal/super"
	"github.com/mit-pdos/cluster-journal/util"
)

var ErrNoSpace = errors.New("jrnl: no free blocks")

type Fs struct {
	d     disk.Disk
	sb    *super.FsSuper
	jd    super.JDesc
	bc    *bcache.Cache
	log   *jlog.Manager
	locks *glock.LockMap
	rgrps []*rgrp.RGrp
}

// Mkfs writes an empty filesystem.
func Mkfs(d disk.Disk, g super.Geometry) (*super.FsSuper, error) {
	sb, err := super.Mkfs(d, g)
	if err != nil {
		return nil, err
	}
	if err := rgrp.Mkfs(d, sb); err != nil {
		return nil, err
	}
	return sb, nil
}

// Mount replays journal jid and opens it for this member.
func Mount(d disk.Disk, jid uint64) (*Fs, error) {
	sb, err := super.ReadSuper(d)
	if err != nil {
		return nil, err
	}
	jd, err := sb.JDesc(jid)
	if err != nil {
		return nil, err
	}
	bc := bcache.MkCache(d)
	found, replayed, err := jlog.Replay(d, bc, jd)
	if err != nil {
		return nil, fmt.Errorf("mount jid=%d: %w", jid, err)
	}
	if found > 0 {
		util.DPrintf(1, "mount jid=%d: recovered %d of %d blocks\n", jid, replayed, found)
	}
	log, err := jlog.MkManager(d, bc, jd)
	if err != nil {
		return nil, err
	}
	fs := &Fs{
		d:     d,
		sb:    sb,
		jd:    jd,
		bc:    bc,
		log:   log,
		locks: glock.MkLockMap(),
	}
	fs.locks.SetSyncFunc(func(gl *glock.Glock) error {
		return fs.log.SyncGlock(gl)
	})
	if err := fs.loadRGrps(); err != nil {
		log.Shutdown()
		return nil, err
	}
	return fs, nil
}

func (fs *Fs) loadRGrps() error {
	fs.rgrps = nil
	for _, desc := range fs.sb.RGrps {
		rg, err := rgrp.Load(fs.log, fs.locks, desc)
		if err != nil {
			fs.unloadRGrps()
			return err
		}
		fs.rgrps = append(fs.rgrps, rg)
	}
	return nil
}

func (fs *Fs) unloadRGrps() {
	for _, rg := range fs.rgrps {
		rg.Unload()
	}
	fs.rgrps = nil
}

// Unmount flushes and checkpoints the journal, leaving it clean.
func (fs *Fs) Unmount() error {
	err := fs.log.Flush()
	if err == nil {
		err = fs.log.Checkpoint()
	}
	fs.log.Shutdown()
	fs.unloadRGrps()
	util.DPrintf(1, "unmount jid=%d: %v\n", fs.jd.Jid, err)
	return err
}

// RecoverJournal replays the journal of another member, which must have
// failed. This member's journal is checkpointed first and its cache is
// reloaded afterwards; no operations may run meanwhile.
func (fs *Fs) RecoverJournal(jid uint64) (uint64, uint64, error) {
	jd, err := fs.sb.JDesc(jid)
	if err != nil {
		return 0, 0, err
	}
	if jid == fs.jd.Jid {
		return 0, 0, fmt.Errorf("recover jid=%d: own journal is mounted", jid)
	}
	if err := fs.log.Flush(); err != nil {
		return 0, 0, err
	}
	if err := fs.log.Checkpoint(); err != nil {
		return 0, 0, err
	}
	found, replayed, err := jlog.Replay(fs.d, bcache.MkCache(fs.d), jd)
	if err != nil {
		return found, replayed, err
	}
	fs.unloadRGrps()
	fs.bc.Invalidate()
	return found, replayed, fs.loadRGrps()
}

// Flush makes every committed operation durable.
func (fs *Fs) Flush() error {
	return fs.log.Flush()
}

// Shrink checkpoints the journal and drops unused buffers from the cache.
// It returns how many were dropped.
func (fs *Fs) Shrink() (uint64, error) {
	n, err := fs.log.Shrink()
	if err != nil {
		return 0, err
	}
	util.DPrintf(3, "shrink jid=%d: dropped %d buffers\n", fs.jd.Jid, n)
	return n, nil
}

// Demote gives up this member's hold on lock num, writing back what it
// protects.
func (fs *Fs) Demote(num uint64) error {
	return fs.locks.Demote(num)
}

func (fs *Fs) Log() *jlog.Manager {
	return fs.log
}

func (fs *Fs) Super() *super.FsSuper {
	return fs.sb
}

func (fs *Fs) allocRG(tr *jlog.Trans) (common.Bnum, error) {
	for _, rg := range fs.rgrps {
		bn, err := rg.Alloc(tr)
		if errors.Is(err, rgrp.ErrNoSpace) {
			continue
		}
		return bn, err
	}
	return 0, ErrNoSpace
}

func (fs *Fs) rgOf(blkno common.Bnum) *rgrp.RGrp {
	for _, rg := range fs.rgrps {
		if rg.Contains(blkno) {
			return rg
		}
	}
	return nil
}
