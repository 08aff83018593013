package db

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"minidb/pkg/buffer"
	"minidb/pkg/storage/index"
	"minidb/pkg/storage/page"
)

var (
	ErrIndexExists   = errors.New("index already exists")
	ErrIndexNotFound = errors.New("index not found")
)

// Index 是 shell 使用的索引：int64 主键，定长字节 value
type Index = index.BPlusTree[int64, []byte]

// IndexInfo 是 show indexes 输出的一行
type IndexInfo struct {
	Name       string
	RootPageID page.PageID
}

// Catalog 管理所有打开的索引。索引名和根页记录在头页中，不再需要单独的元数据文件
type Catalog struct {
	bpm      *buffer.BufferPoolManager
	layout   page.Layout[int64, []byte]
	treeOpts []index.Option
	logger   *zap.Logger

	mu      sync.RWMutex
	indexes map[string]*Index
}

// NewCatalog 打开头页中登记过的每一个索引
func NewCatalog(bpm *buffer.BufferPoolManager, valueSize int, logger *zap.Logger, treeOpts ...index.Option) (*Catalog, error) {
	c := &Catalog{
		bpm:      bpm,
		layout:   page.NewLayout[int64, []byte](page.Int64Codec{}, page.NewFixedBytesCodec(valueSize)),
		treeOpts: append(slices.Clone(treeOpts), index.WithLogger(logger)),
		logger:   logger,
		indexes:  make(map[string]*Index),
	}

	names, err := c.loadNames()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		tree, err := c.open(name)
		if err != nil {
			return nil, err
		}
		c.indexes[name] = tree
	}
	logger.Info("catalog loaded", zap.Int("indexes", len(names)))
	return c, nil
}

func (c *Catalog) loadNames() ([]string, error) {
	raw, err := c.bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	raw.RLatch()
	names := page.DecodeHeaderPage(raw.Data[:]).Names()
	raw.RUnlatch()
	return names, c.bpm.UnpinPage(page.HeaderPageID, false)
}

func (c *Catalog) open(name string) (*Index, error) {
	return index.NewBPlusTree(name, c.bpm, cmp.Compare[int64], c.layout, c.treeOpts...)
}

// CreateIndex 注册一个空索引
func (c *Catalog) CreateIndex(name string) (*Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.indexes[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrIndexExists, name)
	}
	tree, err := c.open(name)
	if err != nil {
		return nil, err
	}
	c.indexes[name] = tree
	return tree, nil
}

func (c *Catalog) GetIndex(name string) (*Index, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tree, ok := c.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return tree, nil
}

// DropIndex 删除索引的所有页和头页记录
func (c *Catalog) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tree, ok := c.indexes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	if err := tree.Destroy(); err != nil {
		return fmt.Errorf("drop index %s: %w", name, err)
	}
	delete(c.indexes, name)
	return nil
}

// ListIndexes 按名字排序
func (c *Catalog) ListIndexes() []IndexInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	infos := make([]IndexInfo, 0, len(c.indexes))
	for name, tree := range c.indexes {
		infos = append(infos, IndexInfo{Name: name, RootPageID: tree.RootPageID()})
	}
	slices.SortFunc(infos, func(a, b IndexInfo) int { return cmp.Compare(a.Name, b.Name) })
	return infos
}

func (c *Catalog) Indexes() []*Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	trees := make([]*Index, 0, len(c.indexes))
	for _, tree := range c.indexes {
		trees = append(trees, tree)
	}
	return trees
}
