package jlog

import (
	"github.com/mit-pdos/cluster-journal/util"
)

// needFlushLocked reports whether the log daemon has work: committed
// transactions or live log past half the journal, or reservers waiting
// for space that a flush and checkpoint could free.
func (m *Manager) needFlushLocked() bool {
	if m.withdrawn || m.shutdown {
		return false
	}
	half := m.jd.Capacity() / 2
	if calcReserved(m.committedBuf, m.committedRevoke) > half {
		return true
	}
	if m.head-m.tail > half {
		return true
	}
	if m.waiters == 0 {
		return false
	}
	if len(m.ail) > 0 {
		return true
	}
	for k := Kind(0); k < nkinds; k++ {
		if len(m.queues[k]) > 0 {
			return true
		}
	}
	return false
}

func (m *Manager) flushAndCheckpoint() error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	if err := m.flush(); err != nil {
		return err
	}
	return m.checkpoint()
}

// logd flushes and checkpoints in the background, driven by condLogd.
func (m *Manager) logd() {
	m.lock.Lock()
	m.nthread += 1
	for !m.shutdown {
		if !m.needFlushLocked() {
			m.condLogd.Wait()
			continue
		}
		m.lock.Unlock()
		err := m.flushAndCheckpoint()
		if err != nil {
			util.DPrintf(1, "logd: %v\n", err)
		}
		m.lock.Lock()
	}
	util.DPrintf(1, "logd: shutdown\n")
	m.nthread -= 1
	m.condShut.Signal()
	m.lock.Unlock()
}

func (m *Manager) startBackgroundThreads() {
	go func() { m.logd() }()
}

// Shutdown stops the log daemon. It does not flush.
func (m *Manager) Shutdown() {
	util.DPrintf(1, "jid=%d: shutdown journal\n", m.jd.Jid)
	m.lock.Lock()
	m.shutdown = true
	m.condLogd.Broadcast()
	for m.nthread > 0 {
		m.condShut.Wait()
	}
	m.lock.Unlock()
}
