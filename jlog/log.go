// Package jlog is the journal of one cluster member: transactions, the
// per-kind log operations, flushing into the circular on-disk journal,
// checkpointing and replay.
//
// Locking: lock protects the pending queues, their counts, the AIL and the
// journal pointers, and is never held across disk I/O. transLock is the
// commit lock, held shared by open transactions and exclusively by a flush
// while it detaches the queues and freezes buffers. flushMu gives flush
// rights and is shared by flush and checkpoint.
package jlog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mit-pdos/cluster-journal/bcache"
	"github.com/mit-pdos/cluster-journal/common"
	"github.com/mit-pdos/cluster-journal/disk"
	"github.com/mit-pdos/cluster-journal/super"
	"github.com/mit-pdos/cluster-journal/util"
)

var (
	ErrWithdrawn = errors.New("jlog: filesystem withdrawn")
	ErrTooBig    = errors.New("jlog: reservation larger than the journal")
	ErrDirty     = errors.New("jlog: journal needs recovery")
)

// WithdrawError is returned by every operation once the manager has
// withdrawn. It matches ErrWithdrawn and unwraps to the cause.
type WithdrawError struct {
	Cause error
}

func (e *WithdrawError) Error() string {
	return ErrWithdrawn.Error() + ": " + e.Cause.Error()
}

func (e *WithdrawError) Unwrap() error {
	return e.Cause
}

func (e *WithdrawError) Is(target error) bool {
	return target == ErrWithdrawn
}

type Manager struct {
	d  disk.Disk
	bc *bcache.Cache
	jd super.JDesc

	lock      *sync.Mutex
	condSpace *sync.Cond
	condLogd  *sync.Cond
	condShut  *sync.Cond
	transLock *sync.RWMutex
	flushMu   *sync.Mutex

	// protected by lock
	gen             uint64
	queues          [nkinds][]Loggable
	committedBuf    uint64
	committedRevoke uint64
	head            uint64
	tail            uint64
	seq             uint64
	reserved        uint64
	waiters         uint64
	ail             []*ailGroup
	ailIndex        map[common.Bnum][]*ailEntry
	withdrawn       bool
	withdrawErr     error
	shutdown        bool
	nthread         uint64
}

func mkManager(d disk.Disk, bc *bcache.Cache, jd super.JDesc) (*Manager, error) {
	js, err := readHeaders(d, jd)
	if err != nil {
		return nil, err
	}
	if js.head != js.tail {
		return nil, fmt.Errorf("jid=%d head %d tail %d: %w", jd.Jid, js.head, js.tail, ErrDirty)
	}
	lock := new(sync.Mutex)
	m := &Manager{
		d:         d,
		bc:        bc,
		jd:        jd,
		lock:      lock,
		condSpace: sync.NewCond(lock),
		condLogd:  sync.NewCond(lock),
		condShut:  sync.NewCond(lock),
		transLock: new(sync.RWMutex),
		flushMu:   new(sync.Mutex),
		head:      js.head,
		tail:      js.tail,
		seq:       js.seq,
		ailIndex:  make(map[common.Bnum][]*ailEntry),
	}
	util.DPrintf(1, "jid=%d: journal at %d, %d blocks, head %d\n",
		jd.Jid, jd.First, jd.Blocks, m.head)
	return m, nil
}

// MkManager opens a clean journal and starts the log daemon.
func MkManager(d disk.Disk, bc *bcache.Cache, jd super.JDesc) (*Manager, error) {
	m, err := mkManager(d, bc, jd)
	if err != nil {
		return nil, err
	}
	m.startBackgroundThreads()
	return m, nil
}

func (m *Manager) Cache() *bcache.Cache {
	return m.bc
}

func (m *Manager) JDesc() super.JDesc {
	return m.jd
}

//
// withdraw and assertions
//

func (m *Manager) withdrawLocked(err error) error {
	if m.withdrawn {
		return m.withdrawErr
	}
	util.DPrintf(1, "jid=%d: withdrawing: %v\n", m.jd.Jid, err)
	m.withdrawn = true
	m.withdrawErr = &WithdrawError{Cause: err}
	m.condSpace.Broadcast()
	m.condLogd.Broadcast()
	return m.withdrawErr
}

// Withdraw puts the manager in its terminal state. All later operations
// fail with ErrWithdrawn.
func (m *Manager) Withdraw(err error) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.withdrawLocked(err)
}

func (m *Manager) Withdrawn() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.withdrawn
}

func (m *Manager) assertWithdrawLocked(cond bool, format string, a ...interface{}) error {
	if cond {
		return nil
	}
	return m.withdrawLocked(fmt.Errorf(format, a...))
}

func (m *Manager) assertWarn(cond bool, format string, a ...interface{}) {
	if !cond {
		util.DPrintf(1, "jid=%d: warning: "+format+"\n", append([]interface{}{m.jd.Jid}, a...)...)
	}
}

//
// queues
//

func (m *Manager) linkedLocked(e *Element) bool {
	return e.state != Unlinked && e.gen == m.gen
}

func (m *Manager) linkLocked(tr *Trans, k Kind, le Loggable) {
	e := le.LogElement()
	e.kind = k
	e.state = InTransaction
	e.gen = m.gen
	m.queues[k] = append(m.queues[k], le)
	tr.elems = append(tr.elems, e)
	tr.touched = true
}

// unlinkLocked unlinks e unless a newer transaction linked it again.
func (m *Manager) unlinkLocked(fc *flushCtx, e *Element) bool {
	if e.gen != fc.gen {
		return false
	}
	e.state = Unlinked
	return true
}

// Pending reports whether le waits for the next flush.
func (m *Manager) Pending(le Loggable) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.linkedLocked(le.LogElement())
}

func (m *Manager) StateOf(le Loggable) State {
	m.lock.Lock()
	defer m.lock.Unlock()
	return le.LogElement().state
}

func (m *Manager) NumPending(k Kind) uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return uint64(len(m.queues[k]))
}

func (m *Manager) bufData(b *bcache.Buf) *BufData {
	return b.Attach(func() interface{} {
		return &BufData{Element: Element{kind: KindBuf}, buf: b}
	}).(*BufData)
}

// Journaled reports whether blkno has a copy in the journal that replay
// could still apply: it is waiting to be flushed or not yet checkpointed.
func (m *Manager) Journaled(blkno common.Bnum) bool {
	var bd *BufData
	if b := m.bc.Peek(blkno); b != nil {
		bd, _ = b.Private().(*BufData)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.ailIndex[blkno]) > 0 {
		return true
	}
	return bd != nil && bd.state != Unlinked
}

//
// space
//

func (m *Manager) freeLocked() uint64 {
	return m.jd.Capacity() - (m.head - m.tail) - m.reserved
}

// Reserve waits until n journal blocks are free and reserves them.
func (m *Manager) Reserve(n uint64) error {
	if n > m.jd.Capacity() {
		return fmt.Errorf("reserve %d of %d: %w", n, m.jd.Capacity(), ErrTooBig)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	for {
		if m.withdrawn {
			return m.withdrawErr
		}
		if util.SumOverflows(m.reserved, n) {
			return m.withdrawLocked(fmt.Errorf("reserve %d with %d reserved overflows", n, m.reserved))
		}
		if m.freeLocked() >= n {
			break
		}
		util.DPrintf(5, "reserve: %d blocks, %d free\n", n, m.freeLocked())
		m.waiters++
		m.condLogd.Signal()
		m.condSpace.Wait()
		m.waiters--
	}
	m.reserved += n
	return nil
}

func (m *Manager) releaseLocked(n uint64) {
	if n > m.reserved {
		m.withdrawLocked(fmt.Errorf("release of %d blocks, %d reserved", n, m.reserved))
		return
	}
	m.reserved -= n
	if n > 0 {
		m.condSpace.Broadcast()
	}
}

func (m *Manager) Release(n uint64) {
	m.lock.Lock()
	m.releaseLocked(n)
	m.lock.Unlock()
}

// Free is the number of journal blocks neither live nor reserved.
func (m *Manager) Free() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.freeLocked()
}

// Head is the index of the next journal block to write.
func (m *Manager) Head() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.head % m.jd.Capacity()
}

func (m *Manager) Tail() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.tail % m.jd.Capacity()
}

// Wraps counts how many times the head went around the journal.
func (m *Manager) Wraps() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.head / m.jd.Capacity()
}

//
// flush
//

// flushCtx is owned by one flush: the batches it detached from the pending
// queues and the blocks it writes.
type flushCtx struct {
	gen     uint64
	batch   [nkinds][]Loggable
	nbuf    uint64
	nrevoke uint64

	start   uint64
	blks    []disk.Block
	bufs    []*ailEntry
	revoked []common.Bnum
	group   *ailGroup
}

func (fc *flushCtx) pos() uint64 {
	return fc.start + uint64(len(fc.blks))
}

func (fc *flushCtx) put(b disk.Block) {
	fc.blks = append(fc.blks, b)
}

func (fc *flushCtx) popLocked(k Kind) (Loggable, bool) {
	q := fc.batch[k]
	if len(q) == 0 {
		return nil, false
	}
	fc.batch[k] = q[1:]
	return q[0], true
}

// detachLocked moves the pending queues into a new flush. Returns nil if
// nothing is pending.
func (m *Manager) detachLocked() (*flushCtx, error) {
	empty := true
	for k := Kind(0); k < nkinds; k++ {
		if len(m.queues[k]) > 0 {
			empty = false
		}
	}
	if empty {
		return nil, nil
	}
	if err := m.assertWithdrawLocked(uint64(len(m.queues[KindBuf])) == m.committedBuf &&
		uint64(len(m.queues[KindRevoke])) == m.committedRevoke,
		"pending %d bufs %d revokes, committed %d and %d",
		len(m.queues[KindBuf]), len(m.queues[KindRevoke]),
		m.committedBuf, m.committedRevoke); err != nil {
		return nil, err
	}
	fc := &flushCtx{
		gen:     m.gen,
		batch:   m.queues,
		nbuf:    m.committedBuf,
		nrevoke: m.committedRevoke,
		start:   m.head,
	}
	m.queues = [nkinds][]Loggable{}
	m.gen++
	m.committedBuf = 0
	m.committedRevoke = 0
	return fc, nil
}

// Flush writes all committed transactions to the journal.
func (m *Manager) Flush() error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	return m.flush()
}

// FlushGlock flushes the log if gl has pending changes.
func (m *Manager) FlushGlock(gl Lock) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	m.lock.Lock()
	linked := gl.LogElement().state != Unlinked
	m.lock.Unlock()
	if !linked {
		return nil
	}
	return m.flush()
}

// SyncGlock makes everything gl protects durable at its home location,
// so that another member can read it after gl is released.
func (m *Manager) SyncGlock(gl Lock) error {
	if err := m.FlushGlock(gl); err != nil {
		return err
	}
	return m.Checkpoint()
}

func (m *Manager) flush() error {
	m.transLock.Lock()
	m.lock.Lock()
	if m.withdrawn {
		m.lock.Unlock()
		m.transLock.Unlock()
		return m.withdrawErr
	}
	fc, err := m.detachLocked()
	m.lock.Unlock()
	if err != nil || fc == nil {
		m.transLock.Unlock()
		return err
	}
	for k := Kind(0); k < nkinds && err == nil; k++ {
		err = lops[k].beforeCommit(m, fc)
	}
	m.transLock.Unlock()
	if err != nil {
		return m.Withdraw(err)
	}

	for k := Kind(0); k < nkinds && err == nil; k++ {
		err = lops[k].buildEntry(m, fc)
	}
	if err != nil {
		return m.Withdraw(err)
	}
	n := uint64(len(fc.blks))
	want := calcReserved(fc.nbuf, fc.nrevoke)
	if n != want {
		return m.Withdraw(fmt.Errorf("flush built %d blocks, reserved %d", n, want))
	}
	if n > 0 {
		if err := m.commitBlocks(fc); err != nil {
			return m.Withdraw(err)
		}
	}

	m.lock.Lock()
	m.head = fc.pos()
	m.reserved -= n
	m.seq++
	fc.group = &ailGroup{start: fc.start, end: fc.pos()}
	if n > 0 {
		m.ail = append(m.ail, fc.group)
	}
	m.lock.Unlock()

	for k := Kind(0); k < nkinds; k++ {
		lops[k].afterCommit(m, fc)
	}
	util.DPrintf(3, "jid=%d: flushed %d bufs %d revokes at [%d,%d)\n",
		m.jd.Jid, fc.nbuf, fc.nrevoke, fc.start, fc.pos())
	return nil
}

// commitBlocks writes the flush's log blocks, then the head header that
// makes them part of the journal.
func (m *Manager) commitBlocks(fc *flushCtx) error {
	if err := m.writeRun(fc.start, fc.blks); err != nil {
		return err
	}
	if err := m.d.Barrier(); err != nil {
		return err
	}
	m.lock.Lock()
	seq := m.seq + 1
	m.lock.Unlock()
	if err := writeHeader(m.d, m.jd, seq, headFlag, fc.pos()); err != nil {
		return err
	}
	return m.d.Barrier()
}
