package page

import "sync"

// PageSize 一页固定 4KB，和块存储的块大小一致
const PageSize = 4096

// PageID 是页面的唯一标识符，单调递增分配。
// 使用 int32 是为了方便计算，且 -1 可以用来表示无效页
type PageID int32

const (
	InvalidPageID PageID = -1
	// HeaderPageID 保留给索引名 -> 根页映射的头页，分配器永远不会返回它
	HeaderPageID PageID = 0
)

// Page 是缓冲池中的一个 Frame：一页的字节加上元数据。
// 只由 BufferPoolManager 持有和修改元数据，调用方只读写 Data。
type Page struct {
	id       PageID
	pinCount int32
	isDirty  bool
	latch    sync.RWMutex // 保护被多个使用者共享的页内容，例如头页
	Data     [PageSize]byte
}

// NewPage 返回一个空闲状态的 Frame
func NewPage() *Page {
	return &Page{id: InvalidPageID}
}

func (p *Page) ID() PageID {
	return p.id
}

func (p *Page) SetID(id PageID) {
	p.id = id
}

func (p *Page) PinCount() int32 {
	return p.pinCount
}

func (p *Page) SetPinCount(count int32) {
	p.pinCount = count
}

func (p *Page) IsDirty() bool {
	return p.isDirty
}

func (p *Page) SetDirty(dirty bool) {
	p.isDirty = dirty
}

func (p *Page) WLatch() { p.latch.Lock() }
func (p *Page) WUnlatch() { p.latch.Unlock() }
func (p *Page) RLatch() { p.latch.RLock() }
func (p *Page) RUnlatch() { p.latch.RUnlock() }

// Clear 将页面数据清零（重用 Frame 时调用）
func (p *Page) Clear() {
	p.Data = [PageSize]byte{}
}

// Reset 清空数据并把 Frame 恢复为空闲状态
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.Clear()
}
