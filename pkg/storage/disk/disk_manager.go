package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"minidb/pkg/storage/page"
)

var ErrShortRead = errors.New("read less than a full page")

// DiskManager 是块存储：按页号读写定长页，并单调分配页号
type DiskManager interface {
	ReadPage(pageID page.PageID, p *page.Page) error
	WritePage(pageID page.PageID, p *page.Page) error
	AllocatePage() page.PageID
	// DeallocatePage 不回收页号，页号是单调递增的资源
	DeallocatePage(pageID page.PageID)
	Close() error
}

type Option func(*options)

type options struct {
	logger *zap.Logger
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type DiskManagerImpl struct {
	dbFile   *os.File
	fileName string
	logger   *zap.Logger

	mu         sync.Mutex
	nextPageID page.PageID // 追踪下一个可用的 PageID

	numReads  atomic.Int64
	numWrites atomic.Int64
}

// NewDiskManager 启动时打开或创建数据库文件
func NewDiskManager(dbFileName string, opts ...Option) (*DiskManagerImpl, error) {
	o := buildOptions(opts)

	dir := filepath.Dir(dbFileName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}

	file, err := os.OpenFile(dbFileName, os.O_RDWR|os.O_CREATE, 0o664)
	if err != nil {
		return nil, fmt.Errorf("open db file %s: %w", dbFileName, err)
	}

	// 文件大小是 8192 (2页)，那么下一个 ID 就是 2；页 0 永远留给头页
	fileInfo, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat db file %s: %w", dbFileName, err)
	}
	nPID := page.PageID(fileInfo.Size() / page.PageSize)
	if nPID <= page.HeaderPageID {
		nPID = page.HeaderPageID + 1
	}

	o.logger.Info("disk manager opened",
		zap.String("file", dbFileName),
		zap.Int64("size", fileInfo.Size()),
		zap.Int32("next_page_id", int32(nPID)))

	return &DiskManagerImpl{
		dbFile:     file,
		fileName:   dbFileName,
		logger:     o.logger,
		nextPageID: nPID,
	}, nil
}

// Close 刷盘后关闭文件句柄
func (d *DiskManagerImpl) Close() error {
	if err := d.dbFile.Sync(); err != nil {
		d.dbFile.Close()
		return fmt.Errorf("sync db file: %w", err)
	}
	return d.dbFile.Close()
}

// ReadPage 从磁盘读取指定页到 p.Data。
// 已分配但从未写过的页（超出文件末尾）读出来全是 0
func (d *DiskManagerImpl) ReadPage(pageID page.PageID, p *page.Page) error {
	if pageID < 0 {
		return fmt.Errorf("read page %d: invalid page id", pageID)
	}
	offset := int64(pageID) * int64(page.PageSize)
	d.numReads.Add(1)

	n, err := d.dbFile.ReadAt(p.Data[:], offset)
	if err == io.EOF && n == 0 {
		d.logger.Debug("read past end of file, zero page", zap.Int32("page_id", int32(pageID)))
		p.Clear()
		return nil
	}
	if err != nil && err != io.EOF {
		return fmt.Errorf("read page %d: %w", pageID, err)
	}
	if n < page.PageSize {
		return fmt.Errorf("read page %d: %w (%d bytes)", pageID, ErrShortRead, n)
	}
	return nil
}

// WritePage 将内存中的页数据写入磁盘。
// 不在这里 Sync，由 Close 统一落盘
func (d *DiskManagerImpl) WritePage(pageID page.PageID, p *page.Page) error {
	if pageID < 0 {
		return fmt.Errorf("write page %d: invalid page id", pageID)
	}
	offset := int64(pageID) * int64(page.PageSize)
	d.numWrites.Add(1)

	if _, err := d.dbFile.WriteAt(p.Data[:], offset); err != nil {
		return fmt.Errorf("write page %d: %w", pageID, err)
	}
	return nil
}

// AllocatePage 分配一个新的页 ID (简单的追加策略)
func (d *DiskManagerImpl) AllocatePage() page.PageID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ret := d.nextPageID
	d.nextPageID++
	return ret
}

func (d *DiskManagerImpl) DeallocatePage(pageID page.PageID) {
	d.logger.Debug("deallocate page", zap.Int32("page_id", int32(pageID)))
}

func (d *DiskManagerImpl) NumReads() int64 {
	return d.numReads.Load()
}

func (d *DiskManagerImpl) NumWrites() int64 {
	return d.numWrites.Load()
}

func (d *DiskManagerImpl) FileName() string {
	return d.fileName
}

// NumPages 返回已分配的页数，含头页
func (d *DiskManagerImpl) NumPages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.nextPageID)
}
