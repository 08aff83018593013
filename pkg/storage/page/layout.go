package page

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
)

const (
	SizeOfPageID = 4
	SizeOfInt64  = 8

	OffsetPageType   = 0
	OffsetSize       = 4
	OffsetMaxSize    = 8
	OffsetParentID   = 12
	OffsetPageID     = 16
	OffsetNextPageID = 20

	// 公共头: 类型 | size | max size | parent | page id
	CommonHeaderSize   = 20
	InternalHeaderSize = CommonHeaderSize
	// 叶子多一个 next page id
	LeafHeaderSize = CommonHeaderSize + SizeOfPageID
)

// PageKind 页类型标签，位于页的第 0 个字节
type PageKind uint32

const (
	KindInvalid  PageKind = 0
	KindInternal PageKind = 1
	KindLeaf     PageKind = 2
)

func (k PageKind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("invalid(%d)", uint32(k))
	}
}

// TreePageHeader 是内部页和叶子页共有的前缀
type TreePageHeader struct {
	Kind     PageKind
	Size     int32
	MaxSize  int32
	ParentID PageID
	PageID   PageID
}

func ReadTreeHeader(data []byte) TreePageHeader {
	return TreePageHeader{
		Kind:     PageKind(binary.LittleEndian.Uint32(data[OffsetPageType:])),
		Size:     int32(binary.LittleEndian.Uint32(data[OffsetSize:])),
		MaxSize:  int32(binary.LittleEndian.Uint32(data[OffsetMaxSize:])),
		ParentID: PageID(int32(binary.LittleEndian.Uint32(data[OffsetParentID:]))),
		PageID:   PageID(int32(binary.LittleEndian.Uint32(data[OffsetPageID:]))),
	}
}

func (h TreePageHeader) writeTo(data []byte) {
	binary.LittleEndian.PutUint32(data[OffsetPageType:], uint32(h.Kind))
	binary.LittleEndian.PutUint32(data[OffsetSize:], uint32(h.Size))
	binary.LittleEndian.PutUint32(data[OffsetMaxSize:], uint32(h.MaxSize))
	binary.LittleEndian.PutUint32(data[OffsetParentID:], uint32(h.ParentID))
	binary.LittleEndian.PutUint32(data[OffsetPageID:], uint32(h.PageID))
}

func (h TreePageHeader) IsLeaf() bool {
	return h.Kind == KindLeaf
}

// KindOf 只读类型标签，不解码整页
func KindOf(data []byte) PageKind {
	return PageKind(binary.LittleEndian.Uint32(data[OffsetPageType:]))
}

// SetParentID 原地修改 parent，用于分裂/合并后修正被搬走的孩子
func SetParentID(data []byte, id PageID) {
	binary.LittleEndian.PutUint32(data[OffsetParentID:], uint32(id))
}

// LeafPage 是叶子页解码后的视图，Keys 严格递增
type LeafPage[K, V any] struct {
	TreePageHeader
	NextPageID PageID
	Keys       []K
	Values     []V
}

func NewLeafPage[K, V any](id, parent PageID, maxSize int) *LeafPage[K, V] {
	return &LeafPage[K, V]{
		TreePageHeader: TreePageHeader{
			Kind:     KindLeaf,
			MaxSize:  int32(maxSize),
			ParentID: parent,
			PageID:   id,
		},
		NextPageID: InvalidPageID,
	}
}

func (l *LeafPage[K, V]) Size() int {
	return len(l.Keys)
}

func (l *LeafPage[K, V]) MinSize() int {
	return int(l.MaxSize) / 2
}

// Lookup 返回第一个 >= key 的位置，以及该位置是否恰好等于 key
func (l *LeafPage[K, V]) Lookup(key K, cmp func(a, b K) int) (int, bool) {
	idx := sort.Search(len(l.Keys), func(i int) bool {
		return cmp(l.Keys[i], key) >= 0
	})
	return idx, idx < len(l.Keys) && cmp(l.Keys[idx], key) == 0
}

func (l *LeafPage[K, V]) InsertAt(index int, key K, val V) {
	l.Keys = slices.Insert(l.Keys, index, key)
	l.Values = slices.Insert(l.Values, index, val)
}

func (l *LeafPage[K, V]) Remove(index int) {
	l.Keys = slices.Delete(l.Keys, index, index+1)
	l.Values = slices.Delete(l.Values, index, index+1)
}

// MoveHalfTo 分裂：把后一半搬到新的右兄弟，并接好叶子链
func (l *LeafPage[K, V]) MoveHalfTo(recipient *LeafPage[K, V]) {
	splitIdx := len(l.Keys) / 2
	recipient.Keys = append(recipient.Keys, l.Keys[splitIdx:]...)
	recipient.Values = append(recipient.Values, l.Values[splitIdx:]...)
	l.Keys = slices.Clip(l.Keys[:splitIdx])
	l.Values = slices.Clip(l.Values[:splitIdx])

	recipient.NextPageID = l.NextPageID
	l.NextPageID = recipient.PageID
}

// MoveAllTo 合并：recipient 是左兄弟
func (l *LeafPage[K, V]) MoveAllTo(recipient *LeafPage[K, V]) {
	recipient.Keys = append(recipient.Keys, l.Keys...)
	recipient.Values = append(recipient.Values, l.Values...)
	recipient.NextPageID = l.NextPageID
	l.Keys, l.Values = nil, nil
}

// MoveFirstToEndOf 右兄弟借第一个元素给左边
func (l *LeafPage[K, V]) MoveFirstToEndOf(recipient *LeafPage[K, V]) {
	recipient.Keys = append(recipient.Keys, l.Keys[0])
	recipient.Values = append(recipient.Values, l.Values[0])
	l.Remove(0)
}

// MoveLastToFrontOf 左兄弟借最后一个元素给右边
func (l *LeafPage[K, V]) MoveLastToFrontOf(recipient *LeafPage[K, V]) {
	last := len(l.Keys) - 1
	recipient.InsertAt(0, l.Keys[last], l.Values[last])
	l.Remove(last)
}

// InternalPage 是内部页解码后的视图。
// Keys[0] 不使用；Children[i] 覆盖 [Keys[i], Keys[i+1])，Children[0] 覆盖 < Keys[1]
type InternalPage[K any] struct {
	TreePageHeader
	Keys     []K
	Children []PageID
}

func NewInternalPage[K any](id, parent PageID, maxSize int) *InternalPage[K] {
	return &InternalPage[K]{
		TreePageHeader: TreePageHeader{
			Kind:     KindInternal,
			MaxSize:  int32(maxSize),
			ParentID: parent,
			PageID:   id,
		},
	}
}

func (p *InternalPage[K]) Size() int {
	return len(p.Children)
}

func (p *InternalPage[K]) MinSize() int {
	return (int(p.MaxSize) + 1) / 2
}

// ChildIndex 二分查找覆盖 key 的孩子下标
func (p *InternalPage[K]) ChildIndex(key K, cmp func(a, b K) int) int {
	// 第一个 > key 的分隔键，减一就是目标孩子
	idx := sort.Search(len(p.Keys)-1, func(i int) bool {
		return cmp(p.Keys[i+1], key) > 0
	})
	return idx
}

// IndexOfChild 线性查找孩子指针所在的 slot，找不到返回 -1
func (p *InternalPage[K]) IndexOfChild(id PageID) int {
	return slices.Index(p.Children, id)
}

// PopulateNewRoot 新根只有两个孩子
func (p *InternalPage[K]) PopulateNewRoot(left PageID, key K, right PageID) {
	var zero K
	p.Keys = []K{zero, key}
	p.Children = []PageID{left, right}
}

// InsertAt 在 index 处插入 (key, child)，index 必须 >= 1
func (p *InternalPage[K]) InsertAt(index int, key K, child PageID) {
	p.Keys = slices.Insert(p.Keys, index, key)
	p.Children = slices.Insert(p.Children, index, child)
}

func (p *InternalPage[K]) Remove(index int) {
	p.Keys = slices.Delete(p.Keys, index, index+1)
	p.Children = slices.Delete(p.Children, index, index+1)
}

// MoveHalfTo 分裂：后一半的孩子搬到 recipient。
// 返回需要上推到父节点的分隔键（recipient.Keys[0]，之后在 recipient 中不再使用）
func (p *InternalPage[K]) MoveHalfTo(recipient *InternalPage[K]) K {
	splitIdx := (len(p.Children) + 1) / 2
	recipient.Keys = append(recipient.Keys, p.Keys[splitIdx:]...)
	recipient.Children = append(recipient.Children, p.Children[splitIdx:]...)
	p.Keys = slices.Clip(p.Keys[:splitIdx])
	p.Children = slices.Clip(p.Children[:splitIdx])
	return recipient.Keys[0]
}

// MoveAllTo 合并：父节点的分隔键拉下来作为第一个孩子的 key
func (p *InternalPage[K]) MoveAllTo(recipient *InternalPage[K], middleKey K) {
	p.Keys[0] = middleKey
	recipient.Keys = append(recipient.Keys, p.Keys...)
	recipient.Children = append(recipient.Children, p.Children...)
	p.Keys, p.Children = nil, nil
}

// MoveFirstToEndOf 把第一个孩子借给左兄弟，返回新的父分隔键
func (p *InternalPage[K]) MoveFirstToEndOf(recipient *InternalPage[K], middleKey K) K {
	recipient.Keys = append(recipient.Keys, middleKey)
	recipient.Children = append(recipient.Children, p.Children[0])
	newSeparator := p.Keys[1]
	p.Remove(0)
	return newSeparator
}

// MoveLastToFrontOf 把最后一个孩子借给右兄弟，返回新的父分隔键
func (p *InternalPage[K]) MoveLastToFrontOf(recipient *InternalPage[K], middleKey K) K {
	last := len(p.Children) - 1
	recipient.Keys[0] = middleKey
	newSeparator := p.Keys[last]
	recipient.Keys = slices.Insert(recipient.Keys, 0, newSeparator)
	recipient.Children = slices.Insert(recipient.Children, 0, p.Children[last])
	p.Remove(last)
	return newSeparator
}

// Layout 负责类型化视图和页字节之间的编解码
type Layout[K, V any] struct {
	Key   Codec[K]
	Value Codec[V]
}

func NewLayout[K, V any](key Codec[K], value Codec[V]) Layout[K, V] {
	return Layout[K, V]{Key: key, Value: value}
}

func (l Layout[K, V]) leafSlotSize() int {
	return l.Key.Size() + l.Value.Size()
}

func (l Layout[K, V]) internalSlotSize() int {
	return l.Key.Size() + PageIDCodec{}.Size()
}

// LeafCapacity 一页最多能放下的 (key, value) 数
func (l Layout[K, V]) LeafCapacity() int {
	return (PageSize - LeafHeaderSize) / l.leafSlotSize()
}

// InternalCapacity 一页最多能放下的 (key, child) 数
func (l Layout[K, V]) InternalCapacity() int {
	return (PageSize - InternalHeaderSize) / l.internalSlotSize()
}

func (l Layout[K, V]) DecodeLeaf(data []byte) *LeafPage[K, V] {
	h := ReadTreeHeader(data)
	if h.Kind != KindLeaf {
		panic(fmt.Sprintf("page: page %d is %s, expected leaf", h.PageID, h.Kind))
	}
	n := int(h.Size)
	if n < 0 || n > l.LeafCapacity() {
		panic(fmt.Sprintf("page: leaf %d has corrupt size %d", h.PageID, n))
	}
	leaf := &LeafPage[K, V]{
		TreePageHeader: h,
		NextPageID:     PageID(int32(binary.LittleEndian.Uint32(data[OffsetNextPageID:]))),
		Keys:           make([]K, n),
		Values:         make([]V, n),
	}
	slot := l.leafSlotSize()
	ks := l.Key.Size()
	for i := 0; i < n; i++ {
		off := LeafHeaderSize + i*slot
		leaf.Keys[i] = l.Key.Get(data[off:])
		leaf.Values[i] = l.Value.Get(data[off+ks:])
	}
	return leaf
}

func (l Layout[K, V]) EncodeLeaf(leaf *LeafPage[K, V], data []byte) {
	n := len(leaf.Keys)
	if n > l.LeafCapacity() || n != len(leaf.Values) {
		panic(fmt.Sprintf("page: leaf %d cannot hold %d entries", leaf.PageID, n))
	}
	leaf.Kind = KindLeaf
	leaf.TreePageHeader.Size = int32(n)
	leaf.writeTo(data)
	binary.LittleEndian.PutUint32(data[OffsetNextPageID:], uint32(leaf.NextPageID))
	slot := l.leafSlotSize()
	ks := l.Key.Size()
	for i := 0; i < n; i++ {
		off := LeafHeaderSize + i*slot
		l.Key.Put(data[off:], leaf.Keys[i])
		l.Value.Put(data[off+ks:], leaf.Values[i])
	}
}

func (l Layout[K, V]) DecodeInternal(data []byte) *InternalPage[K] {
	h := ReadTreeHeader(data)
	if h.Kind != KindInternal {
		panic(fmt.Sprintf("page: page %d is %s, expected internal", h.PageID, h.Kind))
	}
	n := int(h.Size)
	if n < 0 || n > l.InternalCapacity() {
		panic(fmt.Sprintf("page: internal %d has corrupt size %d", h.PageID, n))
	}
	node := &InternalPage[K]{
		TreePageHeader: h,
		Keys:           make([]K, n),
		Children:       make([]PageID, n),
	}
	slot := l.internalSlotSize()
	ks := l.Key.Size()
	for i := 0; i < n; i++ {
		off := InternalHeaderSize + i*slot
		node.Keys[i] = l.Key.Get(data[off:])
		node.Children[i] = PageIDCodec{}.Get(data[off+ks:])
	}
	return node
}

func (l Layout[K, V]) EncodeInternal(node *InternalPage[K], data []byte) {
	n := len(node.Children)
	if n > l.InternalCapacity() || n != len(node.Keys) {
		panic(fmt.Sprintf("page: internal %d cannot hold %d children", node.PageID, n))
	}
	node.Kind = KindInternal
	node.TreePageHeader.Size = int32(n)
	node.writeTo(data)
	slot := l.internalSlotSize()
	ks := l.Key.Size()
	for i := 0; i < n; i++ {
		off := InternalHeaderSize + i*slot
		l.Key.Put(data[off:], node.Keys[i])
		PageIDCodec{}.Put(data[off+ks:], node.Children[i])
	}
}
