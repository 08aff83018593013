package disk

import (
	"fmt"
	"sync"

	"minidb/pkg/storage/page"
)

// MemoryDiskManager 用 map 模拟磁盘，测试和临时缓冲池使用
type MemoryDiskManager struct {
	mu         sync.Mutex
	blocks     map[page.PageID]*[page.PageSize]byte
	nextPageID page.PageID
	numReads   int64
	numWrites  int64
}

func NewMemoryDiskManager() *MemoryDiskManager {
	return &MemoryDiskManager{
		blocks:     make(map[page.PageID]*[page.PageSize]byte),
		nextPageID: page.HeaderPageID + 1,
	}
}

func (m *MemoryDiskManager) ReadPage(pageID page.PageID, p *page.Page) error {
	if pageID < 0 {
		return fmt.Errorf("read page %d: invalid page id", pageID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numReads++
	if block, ok := m.blocks[pageID]; ok {
		p.Data = *block
		return nil
	}
	p.Clear()
	return nil
}

func (m *MemoryDiskManager) WritePage(pageID page.PageID, p *page.Page) error {
	if pageID < 0 {
		return fmt.Errorf("write page %d: invalid page id", pageID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numWrites++
	block := p.Data
	m.blocks[pageID] = &block
	return nil
}

func (m *MemoryDiskManager) AllocatePage() page.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := m.nextPageID
	m.nextPageID++
	return ret
}

func (m *MemoryDiskManager) DeallocatePage(page.PageID) {}

func (m *MemoryDiskManager) Close() error { return nil }

// Block 返回磁盘上某页的副本，页从未写过时 ok 为 false
func (m *MemoryDiskManager) Block(pageID page.PageID) ([page.PageSize]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.blocks[pageID]
	if !ok {
		return [page.PageSize]byte{}, false
	}
	return *block, true
}

func (m *MemoryDiskManager) NumReads() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numReads
}

func (m *MemoryDiskManager) NumWrites() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numWrites
}
