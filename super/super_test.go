package super

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/cluster-journal/disk"
	"github.com/mit-pdos/cluster-journal/ondisk"
)

var testGeom = Geometry{Journals: 2, JournalBlocks: 64, RGrps: 3, RGrpData: 100}

func TestMkfsReadSuper(t *testing.T) {
	d := disk.NewMemDisk(testGeom.Blocks())
	fs, err := Mkfs(d, testGeom)
	assert.Nil(t, err)

	fs2, err := ReadSuper(d)
	assert.Nil(t, err)
	if diff := cmp.Diff(fs, fs2, cmpopts.IgnoreFields(FsSuper{}, "Disk")); diff != "" {
		t.Errorf("superblock mismatch (-want +got):\n%s", diff)
	}
}

func TestLayout(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(testGeom.Blocks())
	fs, err := Mkfs(d, testGeom)
	assert.Nil(err)

	assert.Equal(JDesc{Jid: 0, First: 1, Blocks: 64}, fs.Journals[0])
	assert.Equal(JDesc{Jid: 1, First: 65, Blocks: 64}, fs.Journals[1])
	assert.Equal(uint64(62), fs.Journals[0].Capacity())
	assert.Equal(uint64(129), fs.DataStart())
	assert.Equal(RGDesc{Addr: 129, Data0: 130, NData: 100}, fs.RGrps[0])
	assert.Equal(RGDesc{Addr: 230, Data0: 231, NData: 100}, fs.RGrps[1])

	jd, err := fs.JDesc(1)
	assert.Nil(err)
	assert.Equal(fs.Journals[1], jd)
	_, err = fs.JDesc(2)
	assert.True(errors.Is(err, ErrGeometry))
}

func TestBadGeometry(t *testing.T) {
	d := disk.NewMemDisk(10)
	_, err := Mkfs(d, testGeom)
	assert.True(t, errors.Is(err, ErrGeometry), "disk too small")

	_, err = Mkfs(d, Geometry{Journals: 1, JournalBlocks: 3})
	assert.True(t, errors.Is(err, ErrGeometry), "journal too small")

	_, err = ReadSuper(d)
	assert.NotNil(t, err, "unformatted disk")
}

func TestReadSuperOverlap(t *testing.T) {
	d := disk.NewMemDisk(testGeom.Blocks())
	fs, err := Mkfs(d, testGeom)
	assert.Nil(t, err)

	fs.RGrps[1] = RGDesc{Addr: fs.Journals[1].First + 3, Data0: fs.Journals[1].First + 4, NData: 10}
	assert.Nil(t, d.Write(SBBLOCK, fs.encode()))
	_, err = ReadSuper(d)
	assert.True(t, errors.Is(err, ondisk.ErrCorrupt))
}
