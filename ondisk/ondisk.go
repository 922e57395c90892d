// Package ondisk encodes the fixed-layout headers of the journal: the meta
// header every metadata block starts with, the log descriptor that heads a
// run of log blocks, the revoke blocks that follow a revoke descriptor, and
// the two log headers recording the journal's head and tail.
//
// All integers are little-endian and packed without padding.
package ondisk

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/cluster-journal/common"
)

var ErrCorrupt = errors.New("ondisk: corrupt metadata block")

const (
	MetaHeaderSize    = uint64(4 + 4 + 4 + 8)
	LogDescriptorSize = MetaHeaderSize + 4 + 4 + 4
	LogHeaderSize     = MetaHeaderSize + 8 + 8 + 4 + 4
)

type MetaHeader struct {
	Magic  uint32
	Type   uint32
	Format uint32
	Blkno  uint64
}

func MkMetaHeader(mtype uint32, format uint32, blkno uint64) MetaHeader {
	return MetaHeader{
		Magic:  common.MAGIC,
		Type:   mtype,
		Format: format,
		Blkno:  blkno,
	}
}

func (mh MetaHeader) Put(enc marshal.Enc) {
	enc.PutInt32(mh.Magic)
	enc.PutInt32(mh.Type)
	enc.PutInt32(mh.Format)
	enc.PutInt(mh.Blkno)
}

func GetMetaHeader(dec marshal.Dec) MetaHeader {
	var mh MetaHeader
	mh.Magic = dec.GetInt32()
	mh.Type = dec.GetInt32()
	mh.Format = dec.GetInt32()
	mh.Blkno = dec.GetInt()
	return mh
}

// PutMetaHeader overwrites the first MetaHeaderSize bytes of b.
func PutMetaHeader(b []byte, mh MetaHeader) {
	enc := marshal.NewEnc(MetaHeaderSize)
	mh.Put(enc)
	copy(b[:MetaHeaderSize], enc.Finish())
}

func DecodeMetaHeader(b []byte) MetaHeader {
	return GetMetaHeader(marshal.NewDec(b[:MetaHeaderSize]))
}

// Check verifies the magic and, unless mtype is METATYPE_NONE, the type.
func (mh MetaHeader) Check(mtype uint32) error {
	if mh.Magic != common.MAGIC {
		return fmt.Errorf("bad magic %#x at block %d: %w", mh.Magic, mh.Blkno, ErrCorrupt)
	}
	if mtype != common.METATYPE_NONE && mh.Type != mtype {
		return fmt.Errorf("block %d has type %d, want %d: %w",
			mh.Blkno, mh.Type, mtype, ErrCorrupt)
	}
	return nil
}

// LogDescriptor describes the Length-1 log blocks that follow it.
//
// Data1 is the primary count: buffers for a metadata descriptor, revoke
// records for a revoke descriptor.
type LogDescriptor struct {
	Header MetaHeader
	Type   uint32
	Length uint32
	Data1  uint32
}

func MkLogDescriptor(blkno uint64, ldtype uint32, length uint32, data1 uint32) LogDescriptor {
	return LogDescriptor{
		Header: MkMetaHeader(common.METATYPE_LD, common.FORMAT_LD, blkno),
		Type:   ldtype,
		Length: length,
		Data1:  data1,
	}
}

func (ld LogDescriptor) put(enc marshal.Enc) {
	ld.Header.Put(enc)
	enc.PutInt32(ld.Type)
	enc.PutInt32(ld.Length)
	enc.PutInt32(ld.Data1)
}

func (ld LogDescriptor) Encode() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	ld.put(enc)
	return enc.Finish()
}

func DecodeLogDescriptor(b []byte) (LogDescriptor, error) {
	dec := marshal.NewDec(b)
	var ld LogDescriptor
	ld.Header = GetMetaHeader(dec)
	if err := ld.Header.Check(common.METATYPE_LD); err != nil {
		return ld, err
	}
	ld.Type = dec.GetInt32()
	ld.Length = dec.GetInt32()
	ld.Data1 = dec.GetInt32()
	if ld.Length == 0 {
		return ld, fmt.Errorf("zero-length descriptor at %d: %w", ld.Header.Blkno, ErrCorrupt)
	}
	return ld, nil
}

// Log header flags.
const (
	LH_HEAD uint32 = 1 << 0
	LH_TAIL uint32 = 1 << 1
)

// LogHeader records one end of the live journal region as an absolute log
// position (wraps * capacity + index).
type LogHeader struct {
	Header   MetaHeader
	Sequence uint64
	Pos      uint64
	Flags    uint32
	Hash     uint32
}

func MkLogHeader(blkno uint64, seq uint64, pos uint64, flags uint32) LogHeader {
	return LogHeader{
		Header:   MkMetaHeader(common.METATYPE_LH, common.FORMAT_LH, blkno),
		Sequence: seq,
		Pos:      pos,
		Flags:    flags,
	}
}

func (lh LogHeader) Encode() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	lh.Header.Put(enc)
	enc.PutInt(lh.Sequence)
	enc.PutInt(lh.Pos)
	enc.PutInt32(lh.Flags)
	b := enc.Finish()
	h := crc32.ChecksumIEEE(b[:LogHeaderSize-4])
	henc := marshal.NewEnc(4)
	henc.PutInt32(h)
	copy(b[LogHeaderSize-4:LogHeaderSize], henc.Finish())
	return b
}

func DecodeLogHeader(b []byte) (LogHeader, error) {
	dec := marshal.NewDec(b)
	var lh LogHeader
	lh.Header = GetMetaHeader(dec)
	if err := lh.Header.Check(common.METATYPE_LH); err != nil {
		return lh, err
	}
	lh.Sequence = dec.GetInt()
	lh.Pos = dec.GetInt()
	lh.Flags = dec.GetInt32()
	lh.Hash = dec.GetInt32()
	if crc32.ChecksumIEEE(b[:LogHeaderSize-4]) != lh.Hash {
		return lh, fmt.Errorf("log header at %d: bad hash: %w", lh.Header.Blkno, ErrCorrupt)
	}
	return lh, nil
}

func IsZeroBlock(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}
