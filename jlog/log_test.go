package jlog

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/cluster-journal/bcache"
	"github.com/mit-pdos/cluster-journal/common"
	"github.com/mit-pdos/cluster-journal/disk"
	"github.com/mit-pdos/cluster-journal/ondisk"
	"github.com/mit-pdos/cluster-journal/super"
)

type testLock struct {
	Element
	mu    sync.Mutex
	name  string
	excl  bool
	holds int
	puts  int
	dirty bool
}

func (gl *testLock) Name() string { return gl.name }

func (gl *testLock) HeldExcl() bool {
	gl.mu.Lock()
	defer gl.mu.Unlock()
	return gl.excl
}

func (gl *testLock) Hold() {
	gl.mu.Lock()
	gl.holds++
	gl.mu.Unlock()
}

func (gl *testLock) Put() {
	gl.mu.Lock()
	gl.puts++
	gl.mu.Unlock()
}

func (gl *testLock) SetDirty(dirty bool) {
	gl.mu.Lock()
	gl.dirty = dirty
	gl.mu.Unlock()
}

type testRG struct {
	Element
	holds    int
	puts     int
	repolish int
}

func (rg *testRG) BhHold()         { rg.holds++ }
func (rg *testRG) BhPut()          { rg.puts++ }
func (rg *testRG) RepolishClones() { rg.repolish++ }

type ManagerSuite struct {
	suite.Suite
	d  disk.Disk
	jd super.JDesc
	bc *bcache.Cache
	m  *Manager
}

func TestManager(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (suite *ManagerSuite) SetupTest() {
	g := super.Geometry{Journals: 1, JournalBlocks: 64, RGrps: 1, RGrpData: 100}
	suite.d = disk.NewMemDisk(g.Blocks())
	fs, err := super.Mkfs(suite.d, g)
	suite.Require().NoError(err)
	suite.jd = fs.Journals[0]
	suite.open(suite.d)
}

func (suite *ManagerSuite) open(d disk.Disk) {
	suite.bc = bcache.MkCache(d)
	m, err := mkManager(d, suite.bc, suite.jd)
	suite.Require().NoError(err)
	suite.m = m
}

// crash abandons the manager and its cache and replays the journal.
func (suite *ManagerSuite) crash() (uint64, uint64) {
	found, replayed, err := Replay(suite.d, bcache.MkCache(suite.d), suite.jd)
	suite.Require().NoError(err)
	suite.open(suite.d)
	return found, replayed
}

const metaBase = common.Bnum(100)

func (suite *ManagerSuite) metaBuf(blkno common.Bnum, x byte) *bcache.Buf {
	b := suite.bc.Getblk(blkno)
	for i := range b.Data {
		b.Data[i] = x
	}
	ondisk.PutMetaHeader(b.Data, ondisk.MkMetaHeader(common.METATYPE_IN, common.FORMAT_IN, blkno))
	return b
}

func (suite *ManagerSuite) home(blkno common.Bnum) byte {
	b, err := suite.d.Read(blkno)
	suite.Require().NoError(err)
	return b[common.BlockSize-1]
}

func (suite *ManagerSuite) commitBufs(first common.Bnum, n uint64, x byte) {
	tr, err := suite.m.Begin(n, 0)
	suite.Require().NoError(err)
	for i := uint64(0); i < n; i++ {
		b := suite.metaBuf(first+i, x)
		suite.Require().NoError(tr.AddMeta(nil, b))
		suite.bc.Release(b)
	}
	suite.Require().NoError(tr.Commit())
}

func (suite *ManagerSuite) TestAfterCommitOnce() {
	m := suite.m
	gl := &testLock{name: "inode", excl: true}
	rg := &testRG{}
	tr, err := m.Begin(3, 1)
	suite.Require().NoError(err)
	var bufs []*bcache.Buf
	for i := uint64(0); i < 3; i++ {
		b := suite.metaBuf(metaBase+i, 1)
		suite.NoError(tr.AddMeta(gl, b))
		bufs = append(bufs, b)
	}
	suite.NoError(tr.AddRevoke(metaBase + 10))
	suite.NoError(tr.AddRG(rg))
	suite.NoError(tr.AddData(150, make([]byte, common.BlockSize)))
	suite.Equal(InTransaction, m.StateOf(gl))
	suite.True(bufs[0].Pinned())
	suite.NoError(tr.End())
	suite.Equal(InGlobalQueue, m.StateOf(gl))
	suite.True(gl.dirty)
	suite.Equal(uint64(3), m.NumPending(KindBuf))

	suite.NoError(m.Flush())
	for k := Kind(0); k < nkinds; k++ {
		suite.Equal(uint64(0), m.NumPending(k), "kind %s", k)
	}
	suite.Equal(1, gl.holds)
	suite.Equal(1, gl.puts)
	suite.False(gl.dirty)
	suite.Equal(Unlinked, m.StateOf(gl))
	suite.Equal(1, rg.holds)
	suite.Equal(1, rg.puts)
	suite.Equal(1, rg.repolish)
	for _, b := range bufs {
		suite.False(b.Pinned())
		suite.Equal(Unlinked, m.StateOf(m.bufData(b)))
		suite.bc.Release(b)
	}
	suite.Equal(uint64(5), m.Head())
	suite.Equal(suite.jd.Capacity()-5, m.Free())
}

func (suite *ManagerSuite) TestAddIdempotent() {
	m := suite.m
	gl := &testLock{name: "inode", excl: true}
	tr, err := m.Begin(1, 0)
	suite.Require().NoError(err)
	b := suite.metaBuf(metaBase, 1)
	suite.NoError(tr.AddMeta(gl, b))
	suite.NoError(tr.AddMeta(gl, b))
	suite.NoError(tr.AddGlock(gl))
	suite.Equal(uint64(1), m.NumPending(KindBuf))
	suite.Equal(uint64(1), m.NumPending(KindGlock))
	suite.Equal(uint64(1), tr.numBuf)
	suite.Equal(1, len(tr.bufs))
	suite.NoError(tr.End())

	// a second transaction touching the same pending buffer uses no space
	tr, err = m.Begin(1, 0)
	suite.Require().NoError(err)
	suite.NoError(tr.AddMeta(gl, b))
	suite.False(tr.Touched())
	suite.NoError(tr.End())
	suite.Equal(uint64(1), m.NumPending(KindBuf))
	suite.Equal(suite.jd.Capacity()-2, m.Free())

	suite.NoError(m.Flush())
	suite.Equal(1, gl.holds)
	suite.Equal(1, gl.puts)
	suite.False(b.Pinned())
	suite.bc.Release(b)
}

func (suite *ManagerSuite) TestUntouchedCommit() {
	m := suite.m
	tr, err := m.Begin(5, 2)
	suite.Require().NoError(err)
	suite.Less(m.Free(), suite.jd.Capacity())
	suite.NoError(tr.Commit())
	suite.Equal(uint64(0), m.Head())
	suite.Equal(suite.jd.Capacity(), m.Free())
	suite.NoError(m.Flush(), "empty flush")
}

func (suite *ManagerSuite) TestRevokeAfterEntry() {
	suite.commitBufs(metaBase, 1, 7)

	tr, err := suite.m.Begin(0, 1)
	suite.Require().NoError(err)
	suite.NoError(tr.AddRevoke(metaBase))
	suite.NoError(tr.Commit())

	found, replayed := suite.crash()
	suite.Equal(uint64(1), found)
	suite.Equal(uint64(0), replayed)
	suite.Equal(byte(0), suite.home(metaBase))
}

func (suite *ManagerSuite) TestRevokeBeforeEntry() {
	tr, err := suite.m.Begin(0, 1)
	suite.Require().NoError(err)
	suite.NoError(tr.AddRevoke(metaBase))
	suite.NoError(tr.Commit())

	suite.commitBufs(metaBase, 1, 7)

	found, replayed := suite.crash()
	suite.Equal(uint64(1), found)
	suite.Equal(uint64(1), replayed)
	suite.Equal(byte(7), suite.home(metaBase))
}

func (suite *ManagerSuite) TestEndToEnd() {
	m := suite.m
	tr, err := m.Begin(3, 1)
	suite.Require().NoError(err)
	for i := uint64(0); i < 3; i++ {
		b := suite.metaBuf(metaBase+i, byte(1+i))
		suite.NoError(tr.AddMeta(nil, b))
		suite.bc.Release(b)
	}
	suite.NoError(tr.AddRevoke(metaBase + 1))
	suite.NoError(tr.Commit())
	suite.Equal(byte(0), suite.home(metaBase), "written home before checkpoint")

	found, replayed := suite.crash()
	suite.Equal(uint64(3), found)
	suite.Equal(uint64(2), replayed)
	suite.Equal(byte(1), suite.home(metaBase))
	suite.Equal(byte(0), suite.home(metaBase+1))
	suite.Equal(byte(3), suite.home(metaBase+2))

	found, replayed, err = Replay(suite.d, bcache.MkCache(suite.d), suite.jd)
	suite.NoError(err)
	suite.Equal(uint64(0), found, "replay should leave the journal clean")
	suite.Equal(uint64(0), replayed)
}

func (suite *ManagerSuite) TestWrap() {
	m := suite.m
	capacity := suite.jd.Capacity()
	suite.Equal(uint64(62), capacity)
	suite.commitBufs(metaBase, 30, 1)
	suite.NoError(m.Checkpoint())
	suite.commitBufs(metaBase, 30, 2)
	suite.Equal(uint64(0), m.Head())
	suite.Equal(uint64(1), m.Wraps())
	suite.Equal(capacity-31, m.Free())

	suite.NoError(m.Checkpoint())
	suite.Equal(capacity, m.Free())
	suite.Equal(byte(2), suite.home(metaBase+29))

	suite.commitBufs(metaBase, 3, 3)
	found, replayed := suite.crash()
	suite.Equal(uint64(3), found)
	suite.Equal(uint64(3), replayed)
	suite.Equal(byte(3), suite.home(metaBase+2))
	suite.Equal(byte(2), suite.home(metaBase+3))
}

func (suite *ManagerSuite) TestReserveTooBig() {
	err := suite.m.Reserve(suite.jd.Capacity() + 1)
	suite.True(errors.Is(err, ErrTooBig))
}

func (suite *ManagerSuite) TestBackpressure() {
	m := suite.m
	suite.commitBufs(metaBase, 60, 1)
	suite.Equal(uint64(1), m.Free())

	done := make(chan error)
	go func() {
		done <- m.Reserve(5)
	}()
	select {
	case <-done:
		suite.Fail("reserve returned without space")
	case <-time.After(50 * time.Millisecond):
	}
	suite.NoError(m.Checkpoint())
	select {
	case err := <-done:
		suite.NoError(err)
	case <-time.After(5 * time.Second):
		suite.Fail("reserve did not return after checkpoint")
	}
	suite.Equal(suite.jd.Capacity()-5, m.Free())
	m.Release(5)
	suite.Equal(suite.jd.Capacity(), m.Free())
}

func (suite *ManagerSuite) TestBackpressureLogd() {
	m := suite.m
	m.startBackgroundThreads()
	defer m.Shutdown()
	for i := 0; i < 10; i++ {
		suite.commitBufs(metaBase, 20, byte(i))
	}
	suite.NoError(m.Checkpoint())
	suite.Equal(byte(9), suite.home(metaBase+19))
}

func (suite *ManagerSuite) TestJournaled() {
	m := suite.m
	suite.False(m.Journaled(metaBase))
	tr, err := m.Begin(1, 0)
	suite.Require().NoError(err)
	b := suite.metaBuf(metaBase, 1)
	suite.NoError(tr.AddMeta(nil, b))
	suite.bc.Release(b)
	suite.True(m.Journaled(metaBase), "pending")
	suite.NoError(tr.Commit())
	suite.True(m.Journaled(metaBase), "in the AIL")
	suite.NoError(m.Checkpoint())
	suite.False(m.Journaled(metaBase))
	suite.Equal(byte(1), suite.home(metaBase))
}

func (suite *ManagerSuite) TestShrink() {
	m := suite.m
	tr, err := m.Begin(2, 0)
	suite.Require().NoError(err)
	a := suite.metaBuf(metaBase, 1)
	b := suite.metaBuf(metaBase+1, 1)
	b.BnumPut(common.BlockSize-16, 77)
	suite.NoError(tr.AddMeta(nil, a))
	suite.NoError(tr.AddMeta(nil, b))
	suite.bc.Release(a)
	suite.bc.Release(b)
	suite.NoError(tr.End())

	n, err := m.Shrink()
	suite.NoError(err)
	suite.Equal(uint64(0), n, "pinned until flushed")

	suite.NoError(m.Flush())
	suite.False(b.IsDirty())
	n, err = m.Shrink()
	suite.NoError(err)
	suite.Equal(uint64(2), n)
	suite.Nil(suite.bc.Peek(metaBase))
	suite.Nil(suite.bc.Peek(metaBase + 1))
	suite.Equal(uint64(0), m.AILLen())

	b, err = suite.bc.Read(metaBase + 1)
	suite.Require().NoError(err)
	suite.Equal(common.Bnum(77), b.BnumGet(common.BlockSize-16))
	suite.bc.Release(b)
}

func (suite *ManagerSuite) TestRevokeDropsAIL() {
	m := suite.m
	suite.commitBufs(metaBase, 2, 4)
	suite.Equal(uint64(2), m.AILLen())
	tr, err := m.Begin(0, 1)
	suite.Require().NoError(err)
	suite.NoError(tr.AddRevoke(metaBase))
	suite.NoError(tr.Commit())
	suite.False(m.Journaled(metaBase))
	suite.True(m.Journaled(metaBase + 1))

	suite.NoError(m.Checkpoint())
	suite.Equal(byte(0), suite.home(metaBase), "revoked block checkpointed")
	suite.Equal(byte(4), suite.home(metaBase+1))
	suite.Equal(uint64(0), m.AILLen())
}

func (suite *ManagerSuite) TestDataOrdered() {
	m := suite.m
	tr, err := m.Begin(0, 0)
	suite.Require().NoError(err)
	data := make([]byte, common.BlockSize)
	data[common.BlockSize-1] = 9
	suite.NoError(tr.AddData(150, data))
	suite.NoError(tr.Commit())
	suite.Equal(byte(9), suite.home(150))
	suite.Equal(uint64(0), m.Head(), "data takes no journal space")
}

func (suite *ManagerSuite) TestGlockNotHeld() {
	m := suite.m
	gl := &testLock{name: "rgrp", excl: false}
	tr, err := m.Begin(0, 0)
	suite.Require().NoError(err)
	err = tr.AddGlock(gl)
	suite.True(errors.Is(err, ErrWithdrawn))
	suite.True(m.Withdrawn())
	suite.Error(tr.End())
	_, err = m.Begin(1, 0)
	suite.True(errors.Is(err, ErrWithdrawn))
}

func (suite *ManagerSuite) TestOverrun() {
	m := suite.m
	tr, err := m.Begin(1, 0)
	suite.Require().NoError(err)
	b1 := suite.metaBuf(metaBase, 1)
	b2 := suite.metaBuf(metaBase+1, 1)
	suite.NoError(tr.AddMeta(nil, b1))
	err = tr.AddMeta(nil, b2)
	suite.True(errors.Is(err, ErrWithdrawn))
	tr.End()
}

func (suite *ManagerSuite) TestNotMetadata() {
	m := suite.m
	tr, err := m.Begin(1, 0)
	suite.Require().NoError(err)
	b := suite.bc.Getblk(metaBase)
	err = tr.AddMeta(nil, b)
	suite.True(errors.Is(err, ErrWithdrawn))
	tr.End()
}

func (suite *ManagerSuite) TestWithdraw() {
	m := suite.m
	tr, err := m.Begin(1, 1)
	suite.Require().NoError(err)
	cause := errors.New("lost cluster membership")
	err = m.Withdraw(cause)
	suite.True(errors.Is(err, ErrWithdrawn))
	suite.True(errors.Is(err, cause))

	suite.True(errors.Is(tr.AddRevoke(1), ErrWithdrawn))
	suite.True(errors.Is(tr.End(), ErrWithdrawn))
	suite.True(errors.Is(m.Reserve(1), ErrWithdrawn))
	suite.True(errors.Is(m.Flush(), ErrWithdrawn))
	suite.True(errors.Is(m.Checkpoint(), ErrWithdrawn))
	_, err = m.Begin(0, 0)
	suite.True(errors.Is(err, ErrWithdrawn))
}

func (suite *ManagerSuite) TestWithdrawWakesReserve() {
	m := suite.m
	suite.commitBufs(metaBase, 60, 1)
	done := make(chan error)
	go func() {
		done <- m.Reserve(5)
	}()
	time.Sleep(10 * time.Millisecond)
	m.Withdraw(errors.New("test"))
	select {
	case err := <-done:
		suite.True(errors.Is(err, ErrWithdrawn))
	case <-time.After(5 * time.Second):
		suite.Fail("reserve not woken by withdraw")
	}
}

func (suite *ManagerSuite) TestFlushIOError() {
	fd := disk.NewFaultDisk(suite.d)
	suite.open(fd)
	m := suite.m
	fd.FailAllWrites()
	tr, err := m.Begin(1, 0)
	suite.Require().NoError(err)
	b := suite.metaBuf(metaBase, 1)
	suite.NoError(tr.AddMeta(nil, b))
	err = tr.Commit()
	suite.True(errors.Is(err, disk.ErrInjected))
	suite.True(errors.Is(err, ErrWithdrawn))
	suite.True(m.Withdrawn())

	// nothing reached the journal
	fd.Heal()
	found, _, err := Replay(suite.d, bcache.MkCache(suite.d), suite.jd)
	suite.NoError(err)
	suite.Equal(uint64(0), found)
}

func (suite *ManagerSuite) TestReplayReadError() {
	suite.commitBufs(metaBase, 3, 5)
	fd := disk.NewFaultDisk(suite.d)
	fd.FailRead(logBlkno(suite.jd, 2))
	_, _, err := Replay(fd, bcache.MkCache(fd), suite.jd)
	suite.True(errors.Is(err, disk.ErrInjected))
	suite.Equal(byte(0), suite.home(metaBase), "failed pass wrote home")

	_, err = mkManager(suite.d, bcache.MkCache(suite.d), suite.jd)
	suite.True(errors.Is(err, ErrDirty))

	fd.Heal()
	found, replayed, err := Replay(fd, bcache.MkCache(fd), suite.jd)
	suite.NoError(err)
	suite.Equal(uint64(3), found)
	suite.Equal(uint64(3), replayed)
}

func (suite *ManagerSuite) TestReplayCorrupt() {
	suite.commitBufs(metaBase, 2, 5)
	suite.Require().NoError(suite.d.Write(logBlkno(suite.jd, 0), make(disk.Block, common.BlockSize)))
	_, _, err := Replay(suite.d, bcache.MkCache(suite.d), suite.jd)
	suite.True(errors.Is(err, ondisk.ErrCorrupt))
}

func (suite *ManagerSuite) TestManyRevokes() {
	m := suite.m
	n := uint64(600)
	suite.Equal(uint64(2), ondisk.RevokeBlocks(n))
	tr, err := m.Begin(0, n)
	suite.Require().NoError(err)
	for i := uint64(0); i < n; i++ {
		suite.Require().NoError(tr.AddRevoke(1000 + i))
	}
	suite.NoError(tr.Commit())
	suite.Equal(uint64(2), m.Head())

	js, err := readHeaders(suite.d, suite.jd)
	suite.NoError(err)
	rs := &replayState{d: suite.d, bc: bcache.MkCache(suite.d), jd: suite.jd}
	lops[KindRevoke].beforeScan(rs)
	suite.NoError(rs.scan(js.tail, js.head))
	suite.Equal(n, rs.nrevoke)
	pos, ok := rs.revokes[1599]
	suite.True(ok)
	suite.Equal(uint64(0), pos)
}

func (suite *ManagerSuite) TestRevokeTwice() {
	m := suite.m
	for _, bns := range [][]common.Bnum{{metaBase}, {metaBase, metaBase + 1}} {
		tr, err := m.Begin(0, uint64(len(bns)))
		suite.Require().NoError(err)
		for _, bn := range bns {
			suite.NoError(tr.AddRevoke(bn))
		}
		suite.NoError(tr.Commit())
	}

	js, err := readHeaders(suite.d, suite.jd)
	suite.NoError(err)
	rs := &replayState{d: suite.d, bc: bcache.MkCache(suite.d), jd: suite.jd}
	lops[KindRevoke].beforeScan(rs)
	suite.NoError(rs.scan(js.tail, js.head))
	suite.Equal(uint64(2), rs.nrevoke, "a block revoked twice counts once")
	suite.Equal(uint64(1), rs.revokes[metaBase], "latest revoke wins")
	suite.Equal(uint64(1), rs.revokes[metaBase+1])
}

// An unknown descriptor type is skipped, and replay goes on past it.
func (suite *ManagerSuite) TestReplaySkipsUnknownDescriptor() {
	ld := ondisk.MkLogDescriptor(logBlkno(suite.jd, 0), 7, 2, 1)
	suite.Require().NoError(suite.d.Write(logBlkno(suite.jd, 0), ld.Encode()))
	suite.Require().NoError(suite.d.Write(logBlkno(suite.jd, 1), make(disk.Block, common.BlockSize)))
	suite.Require().NoError(writeHeader(suite.d, suite.jd, 1, headFlag, 2))
	suite.Require().NoError(writeHeader(suite.d, suite.jd, 1, tailFlag, 2))
	suite.open(suite.d)

	suite.commitBufs(metaBase, 2, 9)
	suite.Require().NoError(writeHeader(suite.d, suite.jd, 1, tailFlag, 0))

	found, replayed := suite.crash()
	suite.Equal(uint64(2), found)
	suite.Equal(uint64(2), replayed)
	suite.Equal(byte(9), suite.home(metaBase))
	suite.Equal(byte(9), suite.home(metaBase+1))
}

func (suite *ManagerSuite) TestConcurrent() {
	m := suite.m
	m.startBackgroundThreads()
	defer m.Shutdown()
	var wg sync.WaitGroup
	for g := uint64(0); g < 8; g++ {
		wg.Add(1)
		go func(g uint64) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				tr, err := m.Begin(2, 0)
				if !assert.NoError(suite.T(), err) {
					return
				}
				for j := uint64(0); j < 2; j++ {
					b := suite.bc.Getblk(metaBase + 2*g + j)
					for k := range b.Data {
						b.Data[k] = byte(i)
					}
					ondisk.PutMetaHeader(b.Data, ondisk.MkMetaHeader(common.METATYPE_IN,
						common.FORMAT_IN, metaBase+2*g+j))
					assert.NoError(suite.T(), tr.AddMeta(nil, b))
					suite.bc.Release(b)
				}
				if i%2 == 0 {
					assert.NoError(suite.T(), tr.Commit())
				} else {
					assert.NoError(suite.T(), tr.End())
				}
			}
		}(g)
	}
	wg.Wait()
	suite.NoError(m.Flush())
	suite.NoError(m.Checkpoint())
	for blkno := metaBase; blkno < metaBase+16; blkno++ {
		suite.Equal(byte(19), suite.home(blkno))
	}
	suite.Equal(suite.jd.Capacity(), m.Free())
}

func TestCalcReserved(t *testing.T) {
	assert.Equal(t, uint64(0), calcReserved(0, 0))
	assert.Equal(t, uint64(4), calcReserved(3, 0))
	assert.Equal(t, uint64(5), calcReserved(3, 1))
	assert.Equal(t, uint64(2), calcReserved(0, 600))
}
