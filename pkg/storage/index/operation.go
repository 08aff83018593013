package index

import (
	"errors"
	"fmt"

	"minidb/pkg/storage/page"
)

// node 是一次写操作中被 Pin 住的页，以及它解码后的视图
type node[K, V any] struct {
	id       page.PageID
	raw      *page.Page
	leaf     *page.LeafPage[K, V]
	internal *page.InternalPage[K]
	isHeader bool
	dirty    bool
	deleted  bool
}

func (n *node[K, V]) isLeaf() bool {
	return n.leaf != nil
}

func (n *node[K, V]) size() int {
	if n.leaf != nil {
		return n.leaf.Size()
	}
	return n.internal.Size()
}

func (n *node[K, V]) minSize() int {
	if n.leaf != nil {
		return n.leaf.MinSize()
	}
	return n.internal.MinSize()
}

func (n *node[K, V]) maxSize() int {
	if n.leaf != nil {
		return int(n.leaf.MaxSize)
	}
	return int(n.internal.MaxSize)
}

func (n *node[K, V]) parentID() page.PageID {
	if n.leaf != nil {
		return n.leaf.ParentID
	}
	return n.internal.ParentID
}

func (n *node[K, V]) setParentID(id page.PageID) {
	if n.leaf != nil {
		n.leaf.ParentID = id
	} else {
		n.internal.ParentID = id
	}
	n.dirty = true
}

// operation 收集一次 Insert/Remove 过程中 Pin 住的所有页。
// release 在所有返回路径上执行：回写脏页、Unpin、删除被合并掉的页
type operation[K, V any] struct {
	tree  *BPlusTree[K, V]
	nodes map[page.PageID]*node[K, V]
	order []*node[K, V]
	spare []*page.Page // 预分配、尚未使用的新页
}

func newOperation[K, V any](tree *BPlusTree[K, V]) *operation[K, V] {
	return &operation[K, V]{
		tree:  tree,
		nodes: make(map[page.PageID]*node[K, V]),
	}
}

func (op *operation[K, V]) track(n *node[K, V]) *node[K, V] {
	op.nodes[n.id] = n
	op.order = append(op.order, n)
	return n
}

// fetch 同一个页在一次操作内只 Pin 一次
func (op *operation[K, V]) fetch(id page.PageID) (*node[K, V], error) {
	if n, ok := op.nodes[id]; ok {
		return n, nil
	}
	raw, err := op.tree.bpm.FetchPage(id)
	if err != nil {
		return nil, err
	}
	n := op.track(&node[K, V]{id: id, raw: raw})
	switch kind := page.KindOf(raw.Data[:]); kind {
	case page.KindLeaf:
		n.leaf = op.tree.layout.DecodeLeaf(raw.Data[:])
	case page.KindInternal:
		n.internal = op.tree.layout.DecodeInternal(raw.Data[:])
	default:
		panic(fmt.Sprintf("index: page %d of %q has kind %s", id, op.tree.name, kind))
	}
	return n, nil
}

// fetchHeader 只 Pin 住头页，根记录在 release 时才写回
func (op *operation[K, V]) fetchHeader() (*node[K, V], error) {
	if n, ok := op.nodes[page.HeaderPageID]; ok {
		return n, nil
	}
	raw, err := op.tree.bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return nil, err
	}
	return op.track(&node[K, V]{id: page.HeaderPageID, raw: raw, isHeader: true}), nil
}

// reserve 预先分配 n 个新页，失败时已分配的页在 release 中删除
func (op *operation[K, V]) reserve(n int) error {
	for i := 0; i < n; i++ {
		raw, err := op.tree.bpm.NewPage()
		if err != nil {
			return err
		}
		op.spare = append(op.spare, raw)
	}
	return nil
}

func (op *operation[K, V]) takeSpare() *page.Page {
	if len(op.spare) == 0 {
		panic("index: split without a reserved page")
	}
	raw := op.spare[0]
	op.spare = op.spare[1:]
	return raw
}

func (op *operation[K, V]) newLeaf(parent page.PageID) *node[K, V] {
	raw := op.takeSpare()
	return op.track(&node[K, V]{
		id:    raw.ID(),
		raw:   raw,
		leaf:  page.NewLeafPage[K, V](raw.ID(), parent, op.tree.leafMaxSize),
		dirty: true,
	})
}

func (op *operation[K, V]) newInternal(parent page.PageID) *node[K, V] {
	raw := op.takeSpare()
	return op.track(&node[K, V]{
		id:       raw.ID(),
		raw:      raw,
		internal: page.NewInternalPage[K](raw.ID(), parent, op.tree.internalMaxSize),
		dirty:    true,
	})
}

// setParent 修正孩子页的 parent id。孩子不在本次操作中时单独 Fetch 一次
func (op *operation[K, V]) setParent(child, parent page.PageID) error {
	if n, ok := op.nodes[child]; ok {
		n.setParentID(parent)
		return nil
	}
	raw, err := op.tree.bpm.FetchPage(child)
	if err != nil {
		return fmt.Errorf("update parent of page %d: %w", child, err)
	}
	page.SetParentID(raw.Data[:], parent)
	return op.tree.bpm.UnpinPage(child, true)
}

func (op *operation[K, V]) release() error {
	bpm := op.tree.bpm
	var errs []error
	for _, raw := range op.spare {
		id := raw.ID()
		errs = append(errs, bpm.UnpinPage(id, false), bpm.DeletePage(id))
	}
	for i := len(op.order) - 1; i >= 0; i-- {
		n := op.order[i]
		dirty := n.dirty && !n.deleted
		if dirty {
			switch {
			case n.leaf != nil:
				op.tree.layout.EncodeLeaf(n.leaf, n.raw.Data[:])
			case n.internal != nil:
				op.tree.layout.EncodeInternal(n.internal, n.raw.Data[:])
			case n.isHeader:
				errs = append(errs, op.tree.writeRootRecord(n.raw))
			}
		}
		errs = append(errs, bpm.UnpinPage(n.id, dirty))
		if n.deleted {
			errs = append(errs, bpm.DeletePage(n.id))
		}
	}
	op.nodes, op.order, op.spare = nil, nil, nil
	return errors.Join(errs...)
}
