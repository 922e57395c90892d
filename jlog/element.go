package jlog

import (
	"github.com/mit-pdos/cluster-journal/bcache"
	"github.com/mit-pdos/cluster-journal/common"
)

// Kind names one kind of logged state. Kinds are committed in the order of
// their values.
type Kind uint32

const (
	KindGlock Kind = iota
	KindBuf
	KindRevoke
	KindRg
	KindDatabuf
	nkinds
)

func (k Kind) String() string {
	if k < nkinds {
		return lops[k].name()
	}
	return "unknown"
}

type State uint32

const (
	Unlinked State = iota
	// Linked by a transaction that has not ended yet.
	InTransaction
	// Linked and waiting for the next flush.
	InGlobalQueue
)

func (s State) String() string {
	switch s {
	case InTransaction:
		return "in-transaction"
	case InGlobalQueue:
		return "in-global-queue"
	}
	return "unlinked"
}

// Element is embedded by every loggable entity. Its fields are protected by
// the manager's lock.
//
// gen is the flush generation of the queue the element is linked into. A
// flush detaches the current queues and starts a new generation, so an
// element whose gen is older is linked only into a batch that is being
// committed, and adding it again links it into the new queue.
type Element struct {
	kind  Kind
	state State
	gen   uint64
}

func (le *Element) LogElement() *Element {
	return le
}

type Loggable interface {
	LogElement() *Element
}

// Lock is a cluster lock that protects logged state.
type Lock interface {
	Loggable
	Name() string
	HeldExcl() bool
	Hold()
	Put()
	SetDirty(dirty bool)
}

// ResourceGroup is an allocation group whose bitmap is logged as a buffer.
type ResourceGroup interface {
	Loggable
	BhHold()
	BhPut()
	// RepolishClones makes blocks freed by committed transactions
	// allocatable again.
	RepolishClones()
}

// BufData is the journal's state for one cached metadata buffer.
type BufData struct {
	Element
	buf *bcache.Buf
	gl  Lock
	tr  *Trans
}

func (bd *BufData) Blkno() common.Bnum {
	return bd.buf.Blkno
}

// DataBuf is a data block written in place before the transaction that
// references it commits.
type DataBuf struct {
	Element
	Blkno common.Bnum
	Data  []byte
}

// Revoke suppresses replay of earlier journal copies of Blkno.
type Revoke struct {
	Element
	Blkno common.Bnum
}
