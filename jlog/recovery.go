package jlog

import (
	"fmt"

	"github.com/mit-pdos/cluster-journal/bcache"
	"github.com/mit-pdos/cluster-journal/common"
	"github.com/mit-pdos/cluster-journal/disk"
	"github.com/mit-pdos/cluster-journal/ondisk"
	"github.com/mit-pdos/cluster-journal/super"
	"github.com/mit-pdos/cluster-journal/util"
)

// replayState is shared by the scan hooks of one replay.
type replayState struct {
	d  disk.Disk
	bc *bcache.Cache
	jd super.JDesc

	// revokes maps a block to the highest log position that revoked it.
	revokes  map[common.Bnum]uint64
	// distinct blocks in revokes
	nrevoke  uint64
	found    uint64
	replayed uint64
}

func (rs *replayState) read(pos uint64) (disk.Block, error) {
	b, err := rs.d.Read(logBlkno(rs.jd, pos))
	if err != nil {
		return nil, fmt.Errorf("jid=%d: read log position %d: %w", rs.jd.Jid, pos, err)
	}
	return b, nil
}

// scan runs the two passes over [tail, head). Pass 0 collects revokes,
// pass 1 replays metadata. The first error ends the scan.
func (rs *replayState) scan(tail uint64, head uint64) error {
	for pass := 0; pass < 2; pass++ {
		pos := tail
		for pos < head {
			b, err := rs.read(pos)
			if err != nil {
				return err
			}
			ld, err := ondisk.DecodeLogDescriptor(b)
			if err != nil {
				return fmt.Errorf("jid=%d: descriptor at %d: %w", rs.jd.Jid, pos, err)
			}
			if ld.Header.Blkno != logBlkno(rs.jd, pos) {
				return fmt.Errorf("jid=%d: descriptor at %d names block %d: %w",
					rs.jd.Jid, pos, ld.Header.Blkno, ondisk.ErrCorrupt)
			}
			if pos+uint64(ld.Length) > head {
				return fmt.Errorf("jid=%d: descriptor at %d runs past head %d: %w",
					rs.jd.Jid, pos, head, ondisk.ErrCorrupt)
			}
			for k := Kind(0); k < nkinds; k++ {
				n, err := lops[k].scanElements(rs, pos, ld, b, pass)
				if err != nil {
					return err
				}
				if n > 0 {
					util.DPrintf(5, "replay pass %d: %s %d at %d\n", pass, k, n, pos)
				}
			}
			pos += uint64(ld.Length)
		}
	}
	return nil
}

// Replay recovers journal jd into its home locations through bc and marks
// the journal clean. It returns the number of metadata blocks found in the
// journal and how many of them were replayed rather than revoked.
func Replay(d disk.Disk, bc *bcache.Cache, jd super.JDesc) (uint64, uint64, error) {
	js, err := readHeaders(d, jd)
	if err != nil {
		return 0, 0, err
	}
	if js.head == js.tail {
		util.DPrintf(1, "jid=%d: journal clean at %d\n", jd.Jid, js.head)
		return 0, 0, nil
	}
	util.DPrintf(1, "jid=%d: replaying [%d,%d)\n", jd.Jid, js.tail, js.head)
	rs := &replayState{d: d, bc: bc, jd: jd}
	for k := Kind(0); k < nkinds; k++ {
		lops[k].beforeScan(rs)
	}
	err = rs.scan(js.tail, js.head)
	for k := Kind(0); k < nkinds; k++ {
		if e := lops[k].afterScan(rs, err); e != nil && err == nil {
			err = e
		}
	}
	if err != nil {
		return rs.found, rs.replayed, err
	}
	if err := writeHeader(d, jd, js.seq+1, tailFlag, js.head); err != nil {
		return rs.found, rs.replayed, err
	}
	if err := d.Barrier(); err != nil {
		return rs.found, rs.replayed, err
	}
	return rs.found, rs.replayed, nil
}
