package disk

import (
	"fmt"
	"os"
	"sync"

	"github.com/ncw/directio"
)

var _ Disk = (*directDisk)(nil)

// directDisk bypasses the page cache, so Barrier only has to push the
// device's own write cache.
type directDisk struct {
	mu        *sync.Mutex // protects scratch
	f         *os.File
	numBlocks uint64
	scratch   []byte
}

// NewDirectDisk opens path with O_DIRECT. The file must live on a
// filesystem that supports direct I/O (tmpfs, for example, does not).
func NewDirectDisk(path string, numBlocks uint64) (Disk, error) {
	if BlockSize%directio.BlockSize != 0 {
		return nil, fmt.Errorf("block size %d not a multiple of %d",
			BlockSize, directio.BlockSize)
	}
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Mode().IsRegular() && uint64(st.Size()) != numBlocks*BlockSize {
		if err := f.Truncate(int64(numBlocks * BlockSize)); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &directDisk{
		mu:        new(sync.Mutex),
		f:         f,
		numBlocks: numBlocks,
		scratch:   directio.AlignedBlock(int(BlockSize)),
	}, nil
}

func (d *directDisk) ReadTo(a uint64, buf Block) error {
	if uint64(len(buf)) != BlockSize {
		return ErrBlockSize
	}
	if a >= d.numBlocks {
		return fmt.Errorf("read at %v: %w", a, ErrOutOfBounds)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.ReadAt(d.scratch, int64(a*BlockSize)); err != nil {
		return fmt.Errorf("read at %v: %w", a, err)
	}
	copy(buf, d.scratch)
	return nil
}

func (d *directDisk) Read(a uint64) (Block, error) {
	buf := make([]byte, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *directDisk) Write(a uint64, v Block) error {
	if uint64(len(v)) != BlockSize {
		return fmt.Errorf("write %d bytes: %w", len(v), ErrBlockSize)
	}
	if a >= d.numBlocks {
		return fmt.Errorf("write at %v: %w", a, ErrOutOfBounds)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.scratch, v)
	if _, err := d.f.WriteAt(d.scratch, int64(a*BlockSize)); err != nil {
		return fmt.Errorf("write at %v: %w", a, err)
	}
	return nil
}

func (d *directDisk) Size() (uint64, error) {
	return d.numBlocks, nil
}

func (d *directDisk) Barrier() error {
	return d.f.Sync()
}

func (d *directDisk) Close() error {
	return d.f.Close()
}
