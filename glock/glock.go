// Package glock caches cluster locks.
//
// Like a sharded lock map, LockMap behaves as if there were a lock for every
// uint64 lock number, and keeps state only for locks in use: shard i holds
// the locks numbered n with n % NSHARD == i. A Glock records the mode this
// member holds cluster-wide and its local holders. Cluster coordination is
// not modeled: a local exclusive acquire is granted the exclusive mode, and
// Demote gives the mode up after syncing what the lock protects.
package glock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mit-pdos/cluster-journal/jlog"
	"github.com/mit-pdos/cluster-journal/util"
)

var ErrBusy = errors.New("glock: reacquired during demote")

type Mode uint32

const (
	Unlocked Mode = iota
	Shared
	Exclusive
)

func (md Mode) String() string {
	switch md {
	case Shared:
		return "SH"
	case Exclusive:
		return "EX"
	}
	return "UN"
}

type Glock struct {
	jlog.Element
	num  uint64
	sh   *lockShard
	cond *sync.Cond

	// protected by sh.mu
	mode     Mode
	excl     bool
	holders  uint64
	refs     uint64
	dirty    bool
	demoting bool
}

type lockShard struct {
	mu    *sync.Mutex
	locks map[uint64]*Glock
}

func mkLockShard() *lockShard {
	return &lockShard{
		mu:    new(sync.Mutex),
		locks: make(map[uint64]*Glock),
	}
}

// getLocked finds or creates the lock and takes a reference.
func (sh *lockShard) getLocked(num uint64) *Glock {
	gl, ok := sh.locks[num]
	if !ok {
		gl = &Glock{
			num:  num,
			sh:   sh,
			cond: sync.NewCond(sh.mu),
		}
		sh.locks[num] = gl
	}
	gl.refs += 1
	return gl
}

// putLocked drops a reference, forgetting an idle lock.
func (sh *lockShard) putLocked(gl *Glock) {
	if gl.refs == 0 {
		panic(fmt.Errorf("glock %d: put without a reference", gl.num))
	}
	gl.refs -= 1
	if gl.refs == 0 && gl.mode == Unlocked && !gl.dirty {
		delete(sh.locks, gl.num)
	}
}

const NSHARD uint64 = 43

// SyncFunc makes everything a lock protects durable before the lock is
// given up.
type SyncFunc func(gl *Glock) error

type LockMap struct {
	shards []*lockShard
	syncFn SyncFunc
}

func MkLockMap() *LockMap {
	var shards []*lockShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkLockShard())
	}
	return &LockMap{
		shards: shards,
	}
}

// SetSyncFunc sets the callback Demote runs on an exclusive lock. It must
// be set before the map is shared.
func (lm *LockMap) SetSyncFunc(f SyncFunc) {
	lm.syncFn = f
}

func (lm *LockMap) shard(num uint64) *lockShard {
	return lm.shards[num%NSHARD]
}

// Get returns the lock numbered num with a reference held.
func (lm *LockMap) Get(num uint64) *Glock {
	sh := lm.shard(num)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.getLocked(num)
}

// Acquire gets the lock and locks it.
func (lm *LockMap) Acquire(num uint64, excl bool) *Glock {
	gl := lm.Get(num)
	gl.Lock(excl)
	return gl
}

// Release unlocks gl and drops the reference Acquire took.
func (lm *LockMap) Release(gl *Glock) {
	gl.Unlock()
	gl.Put()
}

func (gl *Glock) Num() uint64 {
	return gl.num
}

func (gl *Glock) Name() string {
	return fmt.Sprintf("glock %d", gl.num)
}

func (gl *Glock) Lock(excl bool) {
	gl.sh.mu.Lock()
	for {
		if gl.excl || (excl && gl.holders > 0) {
			gl.cond.Wait()
			continue
		}
		break
	}
	if excl {
		gl.excl = true
		gl.mode = Exclusive
	} else {
		gl.holders += 1
		if gl.mode == Unlocked {
			gl.mode = Shared
		}
	}
	util.DPrintf(10, "%s: lock excl=%v mode %s\n", gl.Name(), excl, gl.mode)
	gl.sh.mu.Unlock()
}

func (gl *Glock) Unlock() {
	gl.sh.mu.Lock()
	if gl.excl {
		gl.excl = false
	} else if gl.holders > 0 {
		gl.holders -= 1
	} else {
		gl.sh.mu.Unlock()
		panic(fmt.Errorf("%s: unlock of an unlocked lock", gl.Name()))
	}
	gl.cond.Broadcast()
	gl.sh.mu.Unlock()
}

// HeldExcl reports whether this member holds the lock in exclusive mode.
func (gl *Glock) HeldExcl() bool {
	gl.sh.mu.Lock()
	defer gl.sh.mu.Unlock()
	return gl.mode == Exclusive
}

func (gl *Glock) Mode() Mode {
	gl.sh.mu.Lock()
	defer gl.sh.mu.Unlock()
	return gl.mode
}

func (gl *Glock) Hold() {
	gl.sh.mu.Lock()
	gl.refs += 1
	gl.sh.mu.Unlock()
}

func (gl *Glock) Put() {
	gl.sh.mu.Lock()
	gl.sh.putLocked(gl)
	gl.sh.mu.Unlock()
}

func (gl *Glock) SetDirty(dirty bool) {
	gl.sh.mu.Lock()
	gl.dirty = dirty
	gl.sh.mu.Unlock()
}

func (gl *Glock) Dirty() bool {
	gl.sh.mu.Lock()
	defer gl.sh.mu.Unlock()
	return gl.dirty
}

// Demote gives up this member's mode on lock num, as when another member
// asks for it. It waits for local holders, and syncs an exclusive lock
// first. A lock not in use is left alone.
//
// Local acquires are not held off while the lock syncs, since a holder may
// be inside a transaction the sync has to wait for. If one got in, Demote
// keeps the mode and fails with ErrBusy.
func (lm *LockMap) Demote(num uint64) error {
	sh := lm.shard(num)
	sh.mu.Lock()
	gl, ok := sh.locks[num]
	if !ok {
		sh.mu.Unlock()
		return nil
	}
	gl.refs += 1
	for gl.demoting || gl.excl || gl.holders > 0 {
		gl.cond.Wait()
	}
	mode := gl.mode
	gl.demoting = true
	sh.mu.Unlock()

	var err error
	if mode == Exclusive && lm.syncFn != nil {
		err = lm.syncFn(gl)
	}

	sh.mu.Lock()
	if err == nil && (gl.excl || gl.holders > 0) {
		err = fmt.Errorf("%s: %w", gl.Name(), ErrBusy)
	}
	if err == nil {
		gl.mode = Unlocked
		util.DPrintf(5, "%s: demoted from %s\n", gl.Name(), mode)
	}
	gl.demoting = false
	gl.cond.Broadcast()
	sh.putLocked(gl)
	sh.mu.Unlock()
	return err
}
