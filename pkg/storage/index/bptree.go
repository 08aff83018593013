package index

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"minidb/pkg/buffer"
	"minidb/pkg/storage/page"
)

type options struct {
	leafMaxSize     int
	internalMaxSize int
	logger          *zap.Logger
}

type Option func(*options)

// WithLeafMaxSize 叶子页最多存放的 (key, value) 数，默认是一页能放下的上限
func WithLeafMaxSize(n int) Option {
	return func(o *options) { o.leafMaxSize = n }
}

// WithInternalMaxSize 内部页最多存放的孩子数
func WithInternalMaxSize(n int) Option {
	return func(o *options) { o.internalMaxSize = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// BPlusTree 是构建在缓冲池之上的 B+ 树，key 唯一。
// 所有页都通过 BufferPoolManager 访问，根页 id 记录在头页 (page 0) 中
type BPlusTree[K, V any] struct {
	mu              sync.RWMutex
	name            string
	bpm             *buffer.BufferPoolManager
	cmp             func(a, b K) int
	layout          page.Layout[K, V]
	leafMaxSize     int
	internalMaxSize int
	rootPageID      page.PageID
	logger          *zap.Logger
}

// NewBPlusTree 打开名为 name 的索引。头页中没有这个名字时登记一条空树记录
func NewBPlusTree[K, V any](name string, bpm *buffer.BufferPoolManager, cmp func(a, b K) int, layout page.Layout[K, V], opts ...Option) (*BPlusTree[K, V], error) {
	o := options{
		leafMaxSize:     layout.LeafCapacity(),
		internalMaxSize: layout.InternalCapacity(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.leafMaxSize < 2 || o.leafMaxSize > layout.LeafCapacity() {
		return nil, fmt.Errorf("%w: leaf max size %d not in [2, %d]", ErrInvalidMaxSize, o.leafMaxSize, layout.LeafCapacity())
	}
	if o.internalMaxSize < 3 || o.internalMaxSize > layout.InternalCapacity() {
		return nil, fmt.Errorf("%w: internal max size %d not in [3, %d]", ErrInvalidMaxSize, o.internalMaxSize, layout.InternalCapacity())
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	tree := &BPlusTree[K, V]{
		name:            name,
		bpm:             bpm,
		cmp:             cmp,
		layout:          layout,
		leafMaxSize:     o.leafMaxSize,
		internalMaxSize: o.internalMaxSize,
		rootPageID:      page.InvalidPageID,
		logger:          o.logger.With(zap.String("index", name)),
	}
	if err := tree.loadRoot(); err != nil {
		return nil, err
	}
	return tree, nil
}

func (t *BPlusTree[K, V]) loadRoot() error {
	raw, err := t.bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return fmt.Errorf("open index %q: %w", t.name, err)
	}
	var inserted bool
	err = updateHeader(raw, func(h *page.HeaderPage) error {
		if root, ok := h.GetRootID(t.name); ok {
			t.rootPageID = root
			return nil
		}
		inserted = true
		_, err := h.InsertRecord(t.name, page.InvalidPageID)
		return err
	})
	if err != nil {
		return errors.Join(fmt.Errorf("open index %q: %w", t.name, err), t.bpm.UnpinPage(page.HeaderPageID, false))
	}
	return t.bpm.UnpinPage(page.HeaderPageID, inserted)
}

// updateHeader 在头页的写 latch 下完成一次读-改-写，头页被同一个缓冲池上的所有索引共享
func updateHeader(raw *page.Page, fn func(h *page.HeaderPage) error) error {
	raw.WLatch()
	defer raw.WUnlatch()
	h := page.DecodeHeaderPage(raw.Data[:])
	if err := fn(h); err != nil {
		return err
	}
	h.Encode(raw.Data[:])
	return nil
}

// writeRootRecord 把当前根写回头页中本索引的记录
func (t *BPlusTree[K, V]) writeRootRecord(raw *page.Page) error {
	return updateHeader(raw, func(h *page.HeaderPage) error {
		if h.UpdateRecord(t.name, t.rootPageID) {
			return nil
		}
		_, err := h.InsertRecord(t.name, t.rootPageID)
		return err
	})
}

func (t *BPlusTree[K, V]) Name() string {
	return t.name
}

func (t *BPlusTree[K, V]) IsEmpty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootPageID == page.InvalidPageID
}

func (t *BPlusTree[K, V]) RootPageID() page.PageID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootPageID
}

// setRoot 修改根并同步到头页，头页必须在修改树之前 Pin 住
func (t *BPlusTree[K, V]) setRoot(op *operation[K, V], root page.PageID) error {
	h, err := op.fetchHeader()
	if err != nil {
		return fmt.Errorf("update root of %q: %w", t.name, err)
	}
	t.rootPageID = root
	h.dirty = true
	return nil
}

// GetValue 点查
func (t *BPlusTree[K, V]) GetValue(key K) (V, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero V
	if t.rootPageID == page.InvalidPageID {
		return zero, false, nil
	}
	leaf, err := t.findLeaf(key, false)
	if err != nil {
		return zero, false, err
	}
	idx, found := leaf.Lookup(key, t.cmp)
	if !found {
		return zero, false, nil
	}
	return leaf.Values[idx], true, nil
}

// findLeaf 从根向下查找 key 所在的叶子：先 Pin 孩子再 Unpin 父节点。
// 返回的是解码后的副本，不持有任何 Pin
func (t *BPlusTree[K, V]) findLeaf(key K, leftmost bool) (*page.LeafPage[K, V], error) {
	raw, err := t.bpm.FetchPage(t.rootPageID)
	if err != nil {
		return nil, err
	}
	for {
		switch kind := page.KindOf(raw.Data[:]); kind {
		case page.KindLeaf:
			leaf := t.layout.DecodeLeaf(raw.Data[:])
			return leaf, t.bpm.UnpinPage(raw.ID(), false)
		case page.KindInternal:
			internal := t.layout.DecodeInternal(raw.Data[:])
			idx := 0
			if !leftmost {
				idx = internal.ChildIndex(key, t.cmp)
			}
			child, err := t.bpm.FetchPage(internal.Children[idx])
			if unpinErr := t.bpm.UnpinPage(raw.ID(), false); unpinErr != nil || err != nil {
				if err == nil {
					_ = t.bpm.UnpinPage(child.ID(), false)
				}
				return nil, errors.Join(err, unpinErr)
			}
			raw = child
		default:
			id := raw.ID()
			_ = t.bpm.UnpinPage(id, false)
			panic(fmt.Sprintf("index: page %d of %q has kind %s", id, t.name, kind))
		}
	}
}

// readNode 读取一个页的解码副本后立即 Unpin，二者恰有一个非 nil
func (t *BPlusTree[K, V]) readNode(id page.PageID) (*page.LeafPage[K, V], *page.InternalPage[K], error) {
	raw, err := t.bpm.FetchPage(id)
	if err != nil {
		return nil, nil, err
	}
	var (
		leaf     *page.LeafPage[K, V]
		internal *page.InternalPage[K]
	)
	switch kind := page.KindOf(raw.Data[:]); kind {
	case page.KindLeaf:
		leaf = t.layout.DecodeLeaf(raw.Data[:])
	case page.KindInternal:
		internal = t.layout.DecodeInternal(raw.Data[:])
	default:
		_ = t.bpm.UnpinPage(id, false)
		panic(fmt.Sprintf("index: page %d of %q has kind %s", id, t.name, kind))
	}
	return leaf, internal, t.bpm.UnpinPage(id, false)
}

// Height 空树为 0
func (t *BPlusTree[K, V]) Height() (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	height := 0
	id := t.rootPageID
	for id != page.InvalidPageID {
		height++
		_, internal, err := t.readNode(id)
		if err != nil {
			return 0, err
		}
		if internal == nil {
			break
		}
		id = internal.Children[0]
	}
	return height, nil
}

// descend 沿 key 下降并把整条路径 Pin 在 op 中，顺带修复过期的 parent id
func (t *BPlusTree[K, V]) descend(op *operation[K, V], key K) ([]*node[K, V], error) {
	n, err := op.fetch(t.rootPageID)
	if err != nil {
		return nil, err
	}
	if n.parentID() != page.InvalidPageID {
		n.setParentID(page.InvalidPageID)
	}
	path := []*node[K, V]{n}
	for !n.isLeaf() {
		child, err := op.fetch(n.internal.Children[n.internal.ChildIndex(key, t.cmp)])
		if err != nil {
			return nil, err
		}
		if child.parentID() != n.id {
			child.setParentID(n.id)
		}
		path = append(path, child)
		n = child
	}
	return path, nil
}

// Insert 插入唯一 key，已存在时返回 ErrDuplicateKey 且不修改树
func (t *BPlusTree[K, V]) Insert(key K, value V) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := newOperation(t)
	defer func() { err = errors.Join(err, op.release()) }()

	if t.rootPageID == page.InvalidPageID {
		return t.startNewTree(op, key, value)
	}

	path, err := t.descend(op, key)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	idx, found := leaf.leaf.Lookup(key, t.cmp)
	if found {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}

	// 分裂需要的新页全部提前分配，分配失败时树保持不变
	if err := t.reserveForInsert(op, path); err != nil {
		return err
	}

	leaf.leaf.InsertAt(idx, key, value)
	leaf.dirty = true
	if leaf.size() <= leaf.maxSize() {
		return nil
	}
	return t.splitLeaf(op, path)
}

func (t *BPlusTree[K, V]) startNewTree(op *operation[K, V], key K, value V) error {
	if _, err := op.fetchHeader(); err != nil {
		return err
	}
	if err := op.reserve(1); err != nil {
		return err
	}
	root := op.newLeaf(page.InvalidPageID)
	root.leaf.InsertAt(0, key, value)
	t.logger.Debug("start new tree", zap.Int32("root", int32(root.id)))
	return t.setRoot(op, root.id)
}

func (t *BPlusTree[K, V]) reserveForInsert(op *operation[K, V], path []*node[K, V]) error {
	need := 0
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].size()+1 <= path[i].maxSize() {
			break
		}
		need++
	}
	if need == 0 {
		return nil
	}
	if need == len(path) {
		// 根也会分裂
		need++
		if _, err := op.fetchHeader(); err != nil {
			return err
		}
	}
	return op.reserve(need)
}

func (t *BPlusTree[K, V]) splitLeaf(op *operation[K, V], path []*node[K, V]) error {
	left := path[len(path)-1]
	right := op.newLeaf(left.leaf.ParentID)
	left.leaf.MoveHalfTo(right.leaf)
	t.logger.Debug("split leaf",
		zap.Int32("left", int32(left.id)), zap.Int32("right", int32(right.id)))
	return t.insertIntoParent(op, path[:len(path)-1], left, right.leaf.Keys[0], right)
}

// insertIntoParent 把 (key, right) 插入 left 的父节点，父节点溢出时继续向上分裂
func (t *BPlusTree[K, V]) insertIntoParent(op *operation[K, V], ancestors []*node[K, V], left *node[K, V], key K, right *node[K, V]) error {
	if len(ancestors) == 0 {
		root := op.newInternal(page.InvalidPageID)
		root.internal.PopulateNewRoot(left.id, key, right.id)
		left.setParentID(root.id)
		right.setParentID(root.id)
		t.logger.Debug("grow root", zap.Int32("root", int32(root.id)))
		return t.setRoot(op, root.id)
	}

	parent := ancestors[len(ancestors)-1]
	idx := childSlot(parent, left.id)
	parent.internal.InsertAt(idx+1, key, right.id)
	parent.dirty = true
	right.setParentID(parent.id)
	if parent.size() <= parent.maxSize() {
		return nil
	}

	sibling := op.newInternal(parent.internal.ParentID)
	up := parent.internal.MoveHalfTo(sibling.internal)
	for _, child := range sibling.internal.Children {
		t.adopt(op, child, sibling.id)
	}
	t.logger.Debug("split internal",
		zap.Int32("left", int32(parent.id)), zap.Int32("right", int32(sibling.id)))
	return t.insertIntoParent(op, ancestors[:len(ancestors)-1], parent, up, sibling)
}

// adopt 修正被搬走的孩子的 parent id。
// 查找只依赖 Pin 住的路径，失败时记日志，下一次写操作经过该页时会修复
func (t *BPlusTree[K, V]) adopt(op *operation[K, V], child, parent page.PageID) {
	if err := op.setParent(child, parent); err != nil {
		t.logger.Warn("stale parent id", zap.Int32("page_id", int32(child)), zap.Error(err))
	}
}

func childSlot[K, V any](parent *node[K, V], child page.PageID) int {
	idx := parent.internal.IndexOfChild(child)
	if idx < 0 {
		panic(fmt.Sprintf("index: page %d is not a child of %d", child, parent.id))
	}
	return idx
}
