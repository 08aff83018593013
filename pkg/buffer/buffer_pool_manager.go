package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"minidb/pkg/container/hash"
	"minidb/pkg/storage/disk"
	"minidb/pkg/storage/page"
)

const (
	DefaultReplacerK  = 2
	DefaultBucketSize = 50
)

type options struct {
	replacer   Replacer
	replacerK  int
	bucketSize int
	logger     *zap.Logger
	meter      metric.Meter
}

type Option func(*options)

// WithReplacer 替换默认的 LRU-K 策略
func WithReplacer(r Replacer) Option {
	return func(o *options) { o.replacer = r }
}

func WithReplacerK(k int) Option {
	return func(o *options) { o.replacerK = k }
}

// WithBucketSize 页表 (extendible hash) 每个桶的容量
func WithBucketSize(n int) Option {
	return func(o *options) { o.bucketSize = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// Stats 缓冲池运行时的计数快照
type Stats struct {
	PoolSize  int
	Resident  int
	Pinned    int
	Dirty     int
	Free      int
	Hits      int64
	Misses    int64
	Evictions int64
	Flushes   int64
}

type BufferPoolManager struct {
	mu          sync.Mutex
	diskManager disk.DiskManager
	pages       []*page.Page                                     // 实际的内存池 (数组大小固定)
	replacer    Replacer                                         // 默认 LRU-K
	freeList    []FrameID                                        // 空闲的 FrameID 列表
	pageTable   *hash.ExtendibleHashTable[page.PageID, FrameID] // 映射表: PageID -> FrameID
	logger      *zap.Logger
	metrics     *Metrics

	pinned    int
	hits      int64
	misses    int64
	evictions int64
	flushes   int64
}

// NewBufferPoolManager 初始化，所有 Frame 一开始都在 freeList 中
func NewBufferPoolManager(diskManager disk.DiskManager, poolSize int, opts ...Option) *BufferPoolManager {
	if poolSize <= 0 {
		panic(fmt.Sprintf("buffer: invalid pool size %d", poolSize))
	}
	o := options{
		replacerK:  DefaultReplacerK,
		bucketSize: DefaultBucketSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.replacer == nil {
		o.replacer = NewLRUKReplacer(poolSize, o.replacerK)
	}
	if o.meter == nil {
		o.meter = noop.NewMeterProvider().Meter("")
	}
	metrics, err := NewMetrics(o.meter)
	if err != nil {
		o.logger.Warn("buffer pool metrics disabled", zap.Error(err))
		metrics, _ = NewMetrics(noop.NewMeterProvider().Meter(""))
	}

	bpm := &BufferPoolManager{
		diskManager: diskManager,
		pages:       make([]*page.Page, poolSize),
		replacer:    o.replacer,
		freeList:    make([]FrameID, poolSize),
		pageTable:   hash.NewExtendibleHashTable[page.PageID, FrameID](o.bucketSize, hash.IntHasher[page.PageID]),
		logger:      o.logger,
		metrics:     metrics,
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = page.NewPage() // 预分配内存对象
		bpm.freeList[i] = FrameID(i)
	}
	return bpm
}

func (b *BufferPoolManager) PoolSize() int {
	return len(b.pages)
}

// FetchPage 获取一个页面并 Pin 住：
// 在缓存中直接返回，否则找一个 Frame（可能驱逐旧页）从磁盘读入
func (b *BufferPoolManager) FetchPage(pageID page.PageID) (*page.Page, error) {
	if pageID < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx := context.Background()
	if frameID, ok := b.pageTable.Find(pageID); ok {
		p := b.pages[frameID]
		b.pin(ctx, frameID, p)
		b.hits++
		b.metrics.HitsCounter.Add(ctx, 1)
		return p, nil
	}

	frameID, err := b.findVictimFrame(ctx)
	if err != nil {
		return nil, err
	}

	p := b.pages[frameID]
	p.Reset()
	if err := b.diskManager.ReadPage(pageID, p); err != nil {
		p.Reset()
		b.freeList = append(b.freeList, frameID)
		return nil, fmt.Errorf("fetch page %d: %w", pageID, err)
	}
	p.SetID(pageID)
	b.pageTable.Insert(pageID, frameID)
	b.pin(ctx, frameID, p)
	b.misses++
	b.metrics.MissesCounter.Add(ctx, 1)
	return p, nil
}

// NewPage 分配一个新的磁盘页并 Pin 在缓存中，内容全 0
func (b *BufferPoolManager) NewPage() (*page.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx := context.Background()
	frameID, err := b.findVictimFrame(ctx)
	if err != nil {
		return nil, err
	}

	newPageID := b.diskManager.AllocatePage()
	p := b.pages[frameID]
	p.Reset()
	p.SetID(newPageID)
	b.pageTable.Insert(newPageID, frameID)
	b.pin(ctx, frameID, p)
	b.metrics.NewPagesCounter.Add(ctx, 1)
	return p, nil
}

// UnpinPage 释放一个页面
// isDirty: 如果调用者修改了页面，必须传 true（OR 语义，不能把脏页标记回干净）
func (b *BufferPoolManager) UnpinPage(pageID page.PageID, isDirty bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable.Find(pageID)
	if !ok {
		b.logger.Warn("unpin page not in buffer pool", zap.Int32("page_id", int32(pageID)))
		return fmt.Errorf("unpin page %d: %w", pageID, ErrNotResident)
	}

	p := b.pages[frameID]
	if p.PinCount() <= 0 {
		return fmt.Errorf("unpin page %d: %w", pageID, ErrInvalidPin)
	}
	p.SetPinCount(p.PinCount() - 1)
	if isDirty {
		p.SetDirty(true)
	}

	// 没人用了，交给 replacer
	if p.PinCount() == 0 {
		b.replacer.SetEvictable(frameID, true)
		b.pinned--
		b.metrics.PinnedFramesUpDownCount.Add(context.Background(), -1)
	}
	return nil
}

// FlushPage 无论是否为脏页都写回磁盘，不改变 Pin 状态
func (b *BufferPoolManager) FlushPage(pageID page.PageID) error {
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable.Find(pageID)
	if !ok {
		return fmt.Errorf("flush page %d: %w", pageID, ErrNotResident)
	}
	return b.flushFrame(context.Background(), b.pages[frameID])
}

// FlushAllPages 写回所有驻留的页面，遇到错误继续刷其余的页
func (b *BufferPoolManager) FlushAllPages() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx := context.Background()
	var errs []error
	for _, p := range b.pages {
		if p.ID() == page.InvalidPageID {
			continue
		}
		if err := b.flushFrame(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeletePage 从缓存和磁盘中删除页面。页面不在缓存中也算成功，被 Pin 住时失败
func (b *BufferPoolManager) DeletePage(pageID page.PageID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable.Find(pageID)
	if !ok {
		b.diskManager.DeallocatePage(pageID)
		return nil
	}

	targetPage := b.pages[frameID]
	if targetPage.PinCount() > 0 {
		return fmt.Errorf("delete page %d: %w", pageID, ErrPagePinned)
	}

	b.pageTable.Remove(pageID)
	b.replacer.Remove(frameID)
	b.freeList = append(b.freeList, frameID)
	targetPage.Reset()
	b.diskManager.DeallocatePage(pageID)
	return nil
}

// PinCount 返回驻留页面的 pin count，不在缓存中时 ok 为 false
func (b *BufferPoolManager) PinCount(pageID page.PageID) (int32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable.Find(pageID)
	if !ok {
		return 0, false
	}
	return b.pages[frameID].PinCount(), true
}

func (b *BufferPoolManager) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		PoolSize:  len(b.pages),
		Resident:  b.pageTable.Len(),
		Pinned:    b.pinned,
		Free:      len(b.freeList),
		Hits:      b.hits,
		Misses:    b.misses,
		Evictions: b.evictions,
		Flushes:   b.flushes,
	}
	for _, p := range b.pages {
		if p.ID() != page.InvalidPageID && p.IsDirty() {
			s.Dirty++
		}
	}
	return s
}

func (b *BufferPoolManager) pin(ctx context.Context, frameID FrameID, p *page.Page) {
	p.SetPinCount(p.PinCount() + 1)
	if p.PinCount() == 1 {
		b.pinned++
		b.metrics.PinnedFramesUpDownCount.Add(ctx, 1)
	}
	b.replacer.RecordAccess(frameID)
	b.replacer.SetEvictable(frameID, false)
}

func (b *BufferPoolManager) flushFrame(ctx context.Context, p *page.Page) error {
	if err := b.diskManager.WritePage(p.ID(), p); err != nil {
		return fmt.Errorf("flush page %d: %w", p.ID(), err)
	}
	p.SetDirty(false)
	b.flushes++
	b.metrics.FlushesCounter.Add(ctx, 1)
	return nil
}

// findVictimFrame 寻找可用的 FrameID
// 如果 freeList 有空闲，直接用；否则从 replacer 驱逐一个
func (b *BufferPoolManager) findVictimFrame(ctx context.Context) (FrameID, error) {
	if len(b.freeList) > 0 {
		frameID := b.freeList[0]
		b.freeList = b.freeList[1:]
		return frameID, nil
	}

	frameID, ok := b.replacer.Evict()
	if !ok {
		return 0, ErrExhausted
	}

	// 驱逐旧页前，脏页写回磁盘。写失败时把 Frame 还给 replacer
	victimPage := b.pages[frameID]
	if victimPage.IsDirty() {
		if err := b.diskManager.WritePage(victimPage.ID(), victimPage); err != nil {
			b.replacer.RecordAccess(frameID)
			b.replacer.SetEvictable(frameID, true)
			b.logger.Error("write back victim page failed",
				zap.Int32("page_id", int32(victimPage.ID())), zap.Error(err))
			return 0, fmt.Errorf("evict page %d: %w", victimPage.ID(), err)
		}
		b.flushes++
		b.metrics.FlushesCounter.Add(ctx, 1)
	}

	b.logger.Debug("evict page",
		zap.Int32("page_id", int32(victimPage.ID())),
		zap.Int("frame_id", int(frameID)))
	b.pageTable.Remove(victimPage.ID())
	b.evictions++
	b.metrics.EvictionsCounter.Add(ctx, 1)
	return frameID, nil
}
