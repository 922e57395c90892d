package jlog

import (
	"fmt"

	"github.com/mit-pdos/cluster-journal/common"
	"github.com/mit-pdos/cluster-journal/disk"
	"github.com/mit-pdos/cluster-journal/ondisk"
	"github.com/mit-pdos/cluster-journal/super"
	"github.com/mit-pdos/cluster-journal/util"
)

// The first journal block holds the head header, the second the tail
// header. Log positions are absolute; position pos lives in circular block
// pos % capacity.

const (
	headFlag = ondisk.LH_HEAD
	tailFlag = ondisk.LH_TAIL
)

type jstate struct {
	head uint64
	tail uint64
	seq  uint64
}

func hdrBlkno(jd super.JDesc, flag uint32) common.Bnum {
	if flag == headFlag {
		return jd.First
	}
	return jd.First + 1
}

func logBlkno(jd super.JDesc, pos uint64) common.Bnum {
	return jd.First + super.JOURNAL_HDRS + pos%jd.Capacity()
}

func (m *Manager) logBlkno(pos uint64) common.Bnum {
	return logBlkno(m.jd, pos)
}

func writeHeader(d disk.Disk, jd super.JDesc, seq uint64, flag uint32, pos uint64) error {
	blkno := hdrBlkno(jd, flag)
	util.DPrintf(10, "jid=%d: header %d pos %d\n", jd.Jid, flag, pos)
	return d.Write(blkno, ondisk.MkLogHeader(blkno, seq, pos, flag).Encode())
}

// readHeader returns ok == false for a header that was never written.
func readHeader(d disk.Disk, jd super.JDesc, flag uint32) (ondisk.LogHeader, bool, error) {
	blkno := hdrBlkno(jd, flag)
	b, err := d.Read(blkno)
	if err != nil {
		return ondisk.LogHeader{}, false, err
	}
	if ondisk.IsZeroBlock(b) {
		return ondisk.LogHeader{}, false, nil
	}
	lh, err := ondisk.DecodeLogHeader(b)
	if err != nil {
		return lh, false, err
	}
	if lh.Header.Blkno != blkno || lh.Flags != flag {
		return lh, false, fmt.Errorf("log header at %d: blkno %d flags %#x: %w",
			blkno, lh.Header.Blkno, lh.Flags, ondisk.ErrCorrupt)
	}
	return lh, true, nil
}

func readHeaders(d disk.Disk, jd super.JDesc) (jstate, error) {
	var js jstate
	head, hok, err := readHeader(d, jd, headFlag)
	if err != nil {
		return js, err
	}
	tail, tok, err := readHeader(d, jd, tailFlag)
	if err != nil {
		return js, err
	}
	if hok {
		js.head = head.Pos
		js.seq = head.Sequence
	}
	if tok {
		js.tail = tail.Pos
		if tail.Sequence > js.seq {
			js.seq = tail.Sequence
		}
	}
	if js.tail > js.head || js.head-js.tail > jd.Capacity() {
		return js, fmt.Errorf("jid=%d: tail %d head %d: %w",
			jd.Jid, js.tail, js.head, ondisk.ErrCorrupt)
	}
	return js, nil
}

// writeRun writes blks at consecutive log positions from start, splitting
// the run where it wraps.
func (m *Manager) writeRun(start uint64, blks []disk.Block) error {
	for len(blks) > 0 {
		idx := start % m.jd.Capacity()
		n := util.Min(uint64(len(blks)), m.jd.Capacity()-idx)
		util.DPrintf(10, "jid=%d: write %d log blocks at %d\n", m.jd.Jid, n, idx)
		if err := disk.WriteBlocks(m.d, m.logBlkno(start), blks[:n]); err != nil {
			return err
		}
		blks = blks[n:]
		start += n
	}
	return nil
}
