// Package bcache is a block cache of fixed-size buffers addressed by block
// number.
//
// Buffers are sharded by block number like the lock map. A pinned buffer
// holds changes that are not yet committed to the journal, so it is never
// written to its home location and never reclaimed.
package bcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/cluster-journal/common"
	"github.com/mit-pdos/cluster-journal/disk"
	"github.com/mit-pdos/cluster-journal/util"
)

var ErrPinned = errors.New("bcache: buffer is pinned")

type Buf struct {
	Blkno common.Bnum
	Data  []byte

	mu      *sync.Mutex
	dirty   bool
	pins    uint64
	refs    uint64
	private interface{}
}

func mkBuf(blkno common.Bnum, data []byte) *Buf {
	return &Buf{
		Blkno: blkno,
		Data:  data,
		mu:    new(sync.Mutex),
	}
}

func (b *Buf) MarkDirty() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
}

func (b *Buf) IsDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

func (b *Buf) Pinned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins > 0
}

func (b *Buf) Refs() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs
}

// Attach returns the buffer's private state, creating it with mk on first
// use.
func (b *Buf) Attach(mk func() interface{}) interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.private == nil {
		b.private = mk()
	}
	return b.private
}

func (b *Buf) Private() interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.private
}

func (b *Buf) BnumGet(off uint64) common.Bnum {
	dec := marshal.NewDec(b.Data[off : off+8])
	return common.Bnum(dec.GetInt())
}

func (b *Buf) BnumPut(off uint64, v common.Bnum) {
	enc := marshal.NewEnc(8)
	enc.PutInt(uint64(v))
	copy(b.Data[off:off+8], enc.Finish())
}

type cacheShard struct {
	mu   *sync.Mutex
	bufs map[common.Bnum]*Buf
}

const NSHARD uint64 = 43

type Cache struct {
	d      disk.Disk
	shards []*cacheShard
}

func MkCache(d disk.Disk) *Cache {
	var shards []*cacheShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, &cacheShard{
			mu:   new(sync.Mutex),
			bufs: make(map[common.Bnum]*Buf),
		})
	}
	return &Cache{d: d, shards: shards}
}

func (c *Cache) shard(blkno common.Bnum) *cacheShard {
	return c.shards[blkno%NSHARD]
}

func (c *Cache) get(blkno common.Bnum, fill bool) (*Buf, error) {
	sh := c.shard(blkno)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.bufs[blkno]
	if !ok {
		data := make([]byte, common.BlockSize)
		if fill {
			if err := c.d.ReadTo(blkno, data); err != nil {
				return nil, err
			}
		}
		b = mkBuf(blkno, data)
		sh.bufs[blkno] = b
	}
	b.mu.Lock()
	b.refs += 1
	b.mu.Unlock()
	return b, nil
}

// Read returns a referenced buffer holding the block's contents.
func (c *Cache) Read(blkno common.Bnum) (*Buf, error) {
	return c.get(blkno, true)
}

// Getblk returns a referenced buffer without reading the disk; a buffer
// not already cached is zero-filled.
func (c *Cache) Getblk(blkno common.Bnum) *Buf {
	b, _ := c.get(blkno, false)
	return b
}

// Peek returns the cached buffer, if any, without taking a reference.
func (c *Cache) Peek(blkno common.Bnum) *Buf {
	sh := c.shard(blkno)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.bufs[blkno]
}

func (c *Cache) Release(b *Buf) {
	b.mu.Lock()
	if b.refs == 0 {
		b.mu.Unlock()
		panic(fmt.Errorf("release of unreferenced block %d", b.Blkno))
	}
	b.refs -= 1
	b.mu.Unlock()
}

func (c *Cache) Pin(b *Buf) {
	b.mu.Lock()
	b.pins += 1
	b.refs += 1
	b.mu.Unlock()
}

func (c *Cache) Unpin(b *Buf) {
	b.mu.Lock()
	if b.pins == 0 {
		b.mu.Unlock()
		panic(fmt.Errorf("unpin of unpinned block %d", b.Blkno))
	}
	b.pins -= 1
	b.refs -= 1
	b.mu.Unlock()
}

// Write writes b to its home location and marks it clean.
func (c *Cache) Write(b *Buf) error {
	b.mu.Lock()
	if b.pins > 0 {
		b.mu.Unlock()
		return fmt.Errorf("write of block %d: %w", b.Blkno, ErrPinned)
	}
	b.dirty = false
	b.mu.Unlock()
	err := c.d.Write(b.Blkno, b.Data)
	if err != nil {
		b.MarkDirty()
	}
	return err
}

// WriteHome writes a copy of a block, taken earlier, to its home location.
func (c *Cache) WriteHome(blkno common.Bnum, data []byte) error {
	util.DPrintf(5, "WriteHome: %d\n", blkno)
	return c.d.Write(blkno, data)
}

func (c *Cache) dirtyBufs() []*Buf {
	var bufs []*Buf
	for _, sh := range c.shards {
		sh.mu.Lock()
		for _, b := range sh.bufs {
			b.mu.Lock()
			if b.dirty && b.pins == 0 {
				bufs = append(bufs, b)
			}
			b.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return bufs
}

// Sync writes every dirty, unpinned buffer home and issues a barrier.
func (c *Cache) Sync() error {
	for _, b := range c.dirtyBufs() {
		err := c.Write(b)
		if errors.Is(err, ErrPinned) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return c.d.Barrier()
}

// Shrink drops clean, unpinned, unreferenced buffers and reports how many
// it dropped.
func (c *Cache) Shrink() uint64 {
	var n uint64
	for _, sh := range c.shards {
		sh.mu.Lock()
		for blkno, b := range sh.bufs {
			b.mu.Lock()
			if !b.dirty && b.pins == 0 && b.refs == 0 {
				delete(sh.bufs, blkno)
				n++
			}
			b.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return n
}

// Invalidate drops every buffer, for use after the disk changed beneath
// the cache (journal recovery of another member).
func (c *Cache) Invalidate() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		for blkno, b := range sh.bufs {
			b.mu.Lock()
			if b.pins == 0 && b.refs == 0 {
				delete(sh.bufs, blkno)
			}
			b.mu.Unlock()
		}
		sh.mu.Unlock()
	}
}
