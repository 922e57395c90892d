package jlog

import (
	"github.com/mit-pdos/cluster-journal/common"
	"github.com/mit-pdos/cluster-journal/util"
)

// An ailEntry is the copy of a buffer committed by one flush. It stays in
// the AIL until its group is checkpointed or a later revoke kills it.
type ailEntry struct {
	blkno   common.Bnum
	data    []byte
	revoked bool
}

// ailGroup holds the entries of one flush, which wrote the log region
// [start, end).
type ailGroup struct {
	start   uint64
	end     uint64
	entries []*ailEntry
}

func (m *Manager) ailInsertLocked(g *ailGroup, e *ailEntry) {
	g.entries = append(g.entries, e)
	m.ailIndex[e.blkno] = append(m.ailIndex[e.blkno], e)
}

func (m *Manager) ailRevokeLocked(blkno common.Bnum) {
	for _, e := range m.ailIndex[blkno] {
		util.DPrintf(5, "ail: revoke %d\n", blkno)
		e.revoked = true
	}
	delete(m.ailIndex, blkno)
}

func (m *Manager) ailRetireLocked(g *ailGroup) {
	for _, e := range g.entries {
		if e.revoked {
			continue
		}
		es := m.ailIndex[e.blkno]
		for i, e2 := range es {
			if e2 == e {
				es = append(es[:i], es[i+1:]...)
				break
			}
		}
		if len(es) == 0 {
			delete(m.ailIndex, e.blkno)
		} else {
			m.ailIndex[e.blkno] = es
		}
	}
}

func (m *Manager) AILLen() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	var n uint64
	for _, g := range m.ail {
		n += uint64(len(g.entries))
	}
	return n
}

// ailDrain writes the live entries of g home.
func (m *Manager) ailDrain(g *ailGroup) error {
	for i := 0; ; i++ {
		m.lock.Lock()
		if i >= len(g.entries) {
			m.lock.Unlock()
			return nil
		}
		e := g.entries[i]
		revoked := e.revoked
		m.lock.Unlock()
		if revoked {
			continue
		}
		if err := m.bc.WriteHome(e.blkno, e.data); err != nil {
			return err
		}
	}
}

// Checkpoint writes every flushed buffer home and moves the tail up to the
// head, freeing the journal.
func (m *Manager) Checkpoint() error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	return m.checkpoint()
}

func (m *Manager) checkpoint() error {
	m.lock.Lock()
	if m.withdrawn {
		m.lock.Unlock()
		return m.withdrawErr
	}
	groups := m.ail
	seq := m.seq + 1
	m.lock.Unlock()
	if len(groups) == 0 {
		return nil
	}

	for _, g := range groups {
		if err := m.ailDrain(g); err != nil {
			return m.Withdraw(err)
		}
	}
	if err := m.d.Barrier(); err != nil {
		return m.Withdraw(err)
	}
	tail := groups[len(groups)-1].end
	if err := writeHeader(m.d, m.jd, seq, tailFlag, tail); err != nil {
		return m.Withdraw(err)
	}
	if err := m.d.Barrier(); err != nil {
		return m.Withdraw(err)
	}

	m.lock.Lock()
	for _, g := range groups {
		m.ailRetireLocked(g)
	}
	m.ail = m.ail[len(groups):]
	m.tail = tail
	m.seq = seq
	m.condSpace.Broadcast()
	m.lock.Unlock()
	util.DPrintf(3, "jid=%d: checkpoint to %d\n", m.jd.Jid, tail)
	return nil
}

// Shrink checkpoints and then drops unused buffers from the cache. Only
// after a checkpoint is every unpinned buffer's content at home.
func (m *Manager) Shrink() (uint64, error) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	if err := m.checkpoint(); err != nil {
		return 0, err
	}
	return m.bc.Shrink(), nil
}
