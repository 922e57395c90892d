// Package super describes the on-disk layout: the superblock in block 0, one
// journal per cluster member, and the resource groups.
package super

import (
	"errors"
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/cluster-journal/common"
	"github.com/mit-pdos/cluster-journal/disk"
	"github.com/mit-pdos/cluster-journal/ondisk"
	"github.com/mit-pdos/cluster-journal/util"
)

const SBBLOCK = common.Bnum(0)

// Journal blocks 0 and 1 hold the head and tail log headers.
const JOURNAL_HDRS = uint64(2)

var ErrGeometry = errors.New("super: bad geometry")

// JDesc describes one member's journal.
type JDesc struct {
	Jid    uint64
	First  common.Bnum
	Blocks uint64
}

// Capacity is the number of blocks in the circular area.
func (jd JDesc) Capacity() uint64 {
	return jd.Blocks - JOURNAL_HDRS
}

// RGDesc describes one resource group: a bitmap block at Addr followed by
// NData data blocks.
type RGDesc struct {
	Addr  common.Bnum
	Data0 common.Bnum
	NData uint64
}

type Geometry struct {
	Journals      uint64
	JournalBlocks uint64
	RGrps         uint64
	RGrpData      uint64
}

type FsSuper struct {
	Disk      disk.Disk
	BlockSize uint64
	Journals  []JDesc
	RGrps     []RGDesc
}

const sbFixed = ondisk.MetaHeaderSize + 4 + 4 + 4

// MaxRGrpData is the number of data blocks one bitmap block can track.
const MaxRGrpData = (common.BlockSize - ondisk.MetaHeaderSize - 8) * 8

func (g Geometry) check() error {
	if g.Journals == 0 {
		return fmt.Errorf("no journals: %w", ErrGeometry)
	}
	if g.JournalBlocks <= JOURNAL_HDRS+2 {
		return fmt.Errorf("journal of %d blocks: %w", g.JournalBlocks, ErrGeometry)
	}
	if g.RGrpData > MaxRGrpData {
		return fmt.Errorf("%d data blocks per resource group: %w", g.RGrpData, ErrGeometry)
	}
	if sbFixed+g.Journals*16+g.RGrps*24 > common.BlockSize {
		return fmt.Errorf("tables do not fit the superblock: %w", ErrGeometry)
	}
	return nil
}

// Blocks is the device size this geometry needs.
func (g Geometry) Blocks() uint64 {
	return 1 + g.Journals*g.JournalBlocks + g.RGrps*(1+g.RGrpData)
}

func layout(d disk.Disk, g Geometry) *FsSuper {
	fs := &FsSuper{Disk: d, BlockSize: common.BlockSize}
	next := SBBLOCK + 1
	for j := uint64(0); j < g.Journals; j++ {
		fs.Journals = append(fs.Journals, JDesc{Jid: j, First: next, Blocks: g.JournalBlocks})
		next += g.JournalBlocks
	}
	next = fs.DataStart()
	for r := uint64(0); r < g.RGrps; r++ {
		fs.RGrps = append(fs.RGrps, RGDesc{Addr: next, Data0: next + 1, NData: g.RGrpData})
		next += 1 + g.RGrpData
	}
	return fs
}

// Mkfs writes a superblock and empty journals. Resource group blocks are
// left to the allocator.
func Mkfs(d disk.Disk, g Geometry) (*FsSuper, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	sz, err := d.Size()
	if err != nil {
		return nil, err
	}
	if sz < g.Blocks() {
		return nil, fmt.Errorf("disk has %d blocks, need %d: %w", sz, g.Blocks(), ErrGeometry)
	}
	fs := layout(d, g)
	zero := make(disk.Block, common.BlockSize)
	for _, jd := range fs.Journals {
		for i := uint64(0); i < JOURNAL_HDRS; i++ {
			if err := d.Write(jd.First+i, zero); err != nil {
				return nil, err
			}
		}
	}
	if err := d.Write(SBBLOCK, fs.encode()); err != nil {
		return nil, err
	}
	if err := d.Barrier(); err != nil {
		return nil, err
	}
	util.DPrintf(1, "mkfs: %d journals of %d blocks, %d resource groups\n",
		g.Journals, g.JournalBlocks, g.RGrps)
	return fs, nil
}

func (fs *FsSuper) encode() disk.Block {
	enc := marshal.NewEnc(common.BlockSize)
	ondisk.MkMetaHeader(common.METATYPE_SB, common.FORMAT_SB, SBBLOCK).Put(enc)
	enc.PutInt32(uint32(fs.BlockSize))
	enc.PutInt32(uint32(len(fs.Journals)))
	enc.PutInt32(uint32(len(fs.RGrps)))
	for _, jd := range fs.Journals {
		enc.PutInt(jd.First)
		enc.PutInt(jd.Blocks)
	}
	for _, rg := range fs.RGrps {
		enc.PutInt(rg.Addr)
		enc.PutInt(rg.Data0)
		enc.PutInt(rg.NData)
	}
	return enc.Finish()
}

// ReadSuper loads the superblock from block 0.
func ReadSuper(d disk.Disk) (*FsSuper, error) {
	b, err := d.Read(SBBLOCK)
	if err != nil {
		return nil, err
	}
	dec := marshal.NewDec(b)
	if err := ondisk.GetMetaHeader(dec).Check(common.METATYPE_SB); err != nil {
		return nil, fmt.Errorf("superblock: %w", err)
	}
	fs := &FsSuper{Disk: d}
	fs.BlockSize = uint64(dec.GetInt32())
	if fs.BlockSize != common.BlockSize {
		return nil, fmt.Errorf("block size %d, built for %d: %w",
			fs.BlockSize, common.BlockSize, ErrGeometry)
	}
	nj := uint64(dec.GetInt32())
	nrg := uint64(dec.GetInt32())
	if nj == 0 || sbFixed+nj*16+nrg*24 > common.BlockSize {
		return nil, fmt.Errorf("superblock tables: %w", ondisk.ErrCorrupt)
	}
	for j := uint64(0); j < nj; j++ {
		first := dec.GetInt()
		blocks := dec.GetInt()
		fs.Journals = append(fs.Journals, JDesc{Jid: j, First: first, Blocks: blocks})
	}
	for r := uint64(0); r < nrg; r++ {
		addr := dec.GetInt()
		data0 := dec.GetInt()
		ndata := dec.GetInt()
		if addr < fs.DataStart() || data0 != addr+1 {
			return nil, fmt.Errorf("resource group %d: bitmap %d data %d: %w",
				r, addr, data0, ondisk.ErrCorrupt)
		}
		fs.RGrps = append(fs.RGrps, RGDesc{Addr: addr, Data0: data0, NData: ndata})
	}
	return fs, nil
}

func (fs *FsSuper) JDesc(jid uint64) (JDesc, error) {
	if jid >= uint64(len(fs.Journals)) {
		return JDesc{}, fmt.Errorf("no journal %d (have %d): %w",
			jid, len(fs.Journals), ErrGeometry)
	}
	return fs.Journals[jid], nil
}

// DataStart is the first block past the journals.
func (fs *FsSuper) DataStart() common.Bnum {
	last := fs.Journals[len(fs.Journals)-1]
	return last.First + last.Blocks
}
