package ondisk

import (
	"fmt"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/cluster-journal/common"
	"github.com/mit-pdos/cluster-journal/util"
)

const revokeSize = uint64(8)

// Struct2Blk is the number of log blocks needed for nstruct records of
// ssize bytes: the first block holds a log descriptor, the rest a meta
// header.
func Struct2Blk(nstruct uint64, ssize uint64) uint64 {
	blks := uint64(1)
	first := (disk.BlockSize - LogDescriptorSize) / ssize
	if nstruct > first {
		second := (disk.BlockSize - MetaHeaderSize) / ssize
		blks += util.RoundUp(nstruct-first, second)
	}
	return blks
}

func RevokeBlocks(nrevoke uint64) uint64 {
	if nrevoke == 0 {
		return 0
	}
	return Struct2Blk(nrevoke, revokeSize)
}

// RevokeBlock packs revoke records into one log block.
type RevokeBlock struct {
	enc  marshal.Enc
	room uint64
}

// NewRevokeBlock starts the first block of a revoke entry, which carries the
// descriptor.
func NewRevokeBlock(ld LogDescriptor) *RevokeBlock {
	enc := marshal.NewEnc(disk.BlockSize)
	ld.put(enc)
	return &RevokeBlock{
		enc:  enc,
		room: (disk.BlockSize - LogDescriptorSize) / revokeSize,
	}
}

// NewRevokeContBlock starts a continuation block at log block blkno.
func NewRevokeContBlock(blkno uint64) *RevokeBlock {
	enc := marshal.NewEnc(disk.BlockSize)
	MkMetaHeader(common.METATYPE_LB, common.FORMAT_LB, blkno).Put(enc)
	return &RevokeBlock{
		enc:  enc,
		room: (disk.BlockSize - MetaHeaderSize) / revokeSize,
	}
}

func (rb *RevokeBlock) Full() bool {
	return rb.room == 0
}

func (rb *RevokeBlock) Put(blkno uint64) {
	if rb.room == 0 {
		panic("RevokeBlock.Put: full")
	}
	rb.enc.PutInt(blkno)
	rb.room--
}

func (rb *RevokeBlock) Finish() disk.Block {
	return rb.enc.Finish()
}

// DecodeRevokes reads up to max records from one block of a revoke entry.
// The first block starts after the descriptor, continuation blocks after an
// LB meta header.
func DecodeRevokes(b []byte, first bool, max uint64) ([]uint64, error) {
	dec := marshal.NewDec(b)
	var room uint64
	if first {
		ld := GetMetaHeader(dec)
		if err := ld.Check(common.METATYPE_LD); err != nil {
			return nil, err
		}
		dec.GetInt32()
		dec.GetInt32()
		dec.GetInt32()
		room = (disk.BlockSize - LogDescriptorSize) / revokeSize
	} else {
		mh := GetMetaHeader(dec)
		if err := mh.Check(common.METATYPE_LB); err != nil {
			return nil, fmt.Errorf("revoke continuation: %w", err)
		}
		room = (disk.BlockSize - MetaHeaderSize) / revokeSize
	}
	n := util.Min(room, max)
	return dec.GetInts(n), nil
}
