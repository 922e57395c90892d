package disk

import (
	"errors"
	"sync"
)

var ErrInjected = errors.New("disk: injected I/O error")

// FaultDisk wraps a Disk and fails reads or writes of chosen addresses.
type FaultDisk struct {
	Disk
	mu        *sync.Mutex
	badReads  map[uint64]bool
	badWrites map[uint64]bool
	allWrites bool
}

func NewFaultDisk(d Disk) *FaultDisk {
	return &FaultDisk{
		Disk:      d,
		mu:        new(sync.Mutex),
		badReads:  make(map[uint64]bool),
		badWrites: make(map[uint64]bool),
	}
}

func (d *FaultDisk) FailRead(a uint64) {
	d.mu.Lock()
	d.badReads[a] = true
	d.mu.Unlock()
}

func (d *FaultDisk) FailWrite(a uint64) {
	d.mu.Lock()
	d.badWrites[a] = true
	d.mu.Unlock()
}

// FailAllWrites makes every write fail until Heal.
func (d *FaultDisk) FailAllWrites() {
	d.mu.Lock()
	d.allWrites = true
	d.mu.Unlock()
}

func (d *FaultDisk) Heal() {
	d.mu.Lock()
	d.badReads = make(map[uint64]bool)
	d.badWrites = make(map[uint64]bool)
	d.allWrites = false
	d.mu.Unlock()
}

func (d *FaultDisk) readFails(a uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.badReads[a]
}

func (d *FaultDisk) writeFails(a uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allWrites || d.badWrites[a]
}

func (d *FaultDisk) ReadTo(a uint64, b Block) error {
	if d.readFails(a) {
		return ErrInjected
	}
	return d.Disk.ReadTo(a, b)
}

func (d *FaultDisk) Read(a uint64) (Block, error) {
	if d.readFails(a) {
		return nil, ErrInjected
	}
	return d.Disk.Read(a)
}

func (d *FaultDisk) Write(a uint64, v Block) error {
	if d.writeFails(a) {
		return ErrInjected
	}
	return d.Disk.Write(a, v)
}
