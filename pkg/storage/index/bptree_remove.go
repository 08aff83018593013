package index

import (
	"errors"
	"slices"

	"go.uber.org/zap"

	"minidb/pkg/storage/page"
)

// Remove 删除 key，key 不存在时返回 false
func (t *BPlusTree[K, V]) Remove(key K) (removed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootPageID == page.InvalidPageID {
		return false, nil
	}

	op := newOperation(t)
	defer func() { err = errors.Join(err, op.release()) }()

	path, err := t.descend(op, key)
	if err != nil {
		return false, err
	}
	leaf := path[len(path)-1]
	idx, found := leaf.leaf.Lookup(key, t.cmp)
	if !found {
		return false, nil
	}

	// 只有根叶子被删空、或者根只剩一个孩子时根才会变，提前 Pin 住头页
	root := path[0]
	if (root.isLeaf() && root.size() == 1) || (!root.isLeaf() && root.size() == 2) {
		if _, err := op.fetchHeader(); err != nil {
			return false, err
		}
	}

	leaf.leaf.Remove(idx)
	leaf.dirty = true
	return true, t.rebalance(op, path)
}

// rebalance 处理 path 末尾节点的 underflow：先向左兄弟借，再向右兄弟借，最后合并并向上递归
func (t *BPlusTree[K, V]) rebalance(op *operation[K, V], path []*node[K, V]) error {
	n := path[len(path)-1]
	if len(path) == 1 {
		return t.adjustRoot(op, n)
	}
	if n.size() >= n.minSize() {
		return nil
	}

	parent := path[len(path)-2]
	idx := childSlot(parent, n.id)

	var left, right *node[K, V]
	var err error
	if idx > 0 {
		if left, err = op.fetch(parent.internal.Children[idx-1]); err != nil {
			return err
		}
		if left.size() > left.minSize() {
			t.borrowFromLeft(op, parent, idx, left, n)
			return nil
		}
	}
	if idx+1 < parent.size() {
		if right, err = op.fetch(parent.internal.Children[idx+1]); err != nil {
			return err
		}
		if right.size() > right.minSize() {
			t.borrowFromRight(op, parent, idx, n, right)
			return nil
		}
	}

	if left != nil {
		t.merge(op, parent, idx, left, n)
	} else {
		t.merge(op, parent, idx+1, n, right)
	}
	return t.rebalance(op, path[:len(path)-1])
}

// borrowFromLeft 左兄弟的最后一个元素移到 n 的最前面，idx 是 n 在父节点中的位置
func (t *BPlusTree[K, V]) borrowFromLeft(op *operation[K, V], parent *node[K, V], idx int, left, n *node[K, V]) {
	if n.isLeaf() {
		left.leaf.MoveLastToFrontOf(n.leaf)
		parent.internal.Keys[idx] = n.leaf.Keys[0]
	} else {
		parent.internal.Keys[idx] = left.internal.MoveLastToFrontOf(n.internal, parent.internal.Keys[idx])
		t.adopt(op, n.internal.Children[0], n.id)
	}
	left.dirty, n.dirty, parent.dirty = true, true, true
}

func (t *BPlusTree[K, V]) borrowFromRight(op *operation[K, V], parent *node[K, V], idx int, n, right *node[K, V]) {
	if n.isLeaf() {
		right.leaf.MoveFirstToEndOf(n.leaf)
		parent.internal.Keys[idx+1] = right.leaf.Keys[0]
	} else {
		parent.internal.Keys[idx+1] = right.internal.MoveFirstToEndOf(n.internal, parent.internal.Keys[idx+1])
		t.adopt(op, n.internal.Children[n.size()-1], n.id)
	}
	right.dirty, n.dirty, parent.dirty = true, true, true
}

// merge 把 right 整体并入 left，删除父节点中 rightIdx 处的分隔键
func (t *BPlusTree[K, V]) merge(op *operation[K, V], parent *node[K, V], rightIdx int, left, right *node[K, V]) {
	if left.isLeaf() {
		right.leaf.MoveAllTo(left.leaf)
	} else {
		moved := slices.Clone(right.internal.Children)
		right.internal.MoveAllTo(left.internal, parent.internal.Keys[rightIdx])
		for _, child := range moved {
			t.adopt(op, child, left.id)
		}
	}
	parent.internal.Remove(rightIdx)
	left.dirty, parent.dirty = true, true
	right.deleted = true
	t.logger.Debug("merge",
		zap.Int32("left", int32(left.id)), zap.Int32("right", int32(right.id)))
}

// adjustRoot 根叶子被删空时树变空；根内部节点只剩一个孩子时孩子成为新根
func (t *BPlusTree[K, V]) adjustRoot(op *operation[K, V], root *node[K, V]) error {
	switch {
	case root.isLeaf() && root.size() == 0:
		root.deleted = true
		return t.setRoot(op, page.InvalidPageID)
	case !root.isLeaf() && root.size() == 1:
		child := root.internal.Children[0]
		t.adopt(op, child, page.InvalidPageID)
		root.deleted = true
		t.logger.Debug("shrink root", zap.Int32("root", int32(child)))
		return t.setRoot(op, child)
	}
	return nil
}
