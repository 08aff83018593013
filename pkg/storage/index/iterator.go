package index

import (
	"iter"

	"go.uber.org/zap"

	"minidb/pkg/storage/page"
)

// Iterator 沿叶子链表向前遍历。
// 它持有当前叶子的解码副本而不是 Pin，树在遍历期间被修改时结果未定义
type Iterator[K, V any] struct {
	tree *BPlusTree[K, V]
	leaf *page.LeafPage[K, V] // nil 表示 End
	idx  int
	err  error
}

// Begin 定位到最小的 key
func (t *BPlusTree[K, V]) Begin() (*Iterator[K, V], error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	it := &Iterator[K, V]{tree: t}
	if t.rootPageID == page.InvalidPageID {
		return it, nil
	}
	var zero K
	leaf, err := t.findLeaf(zero, true)
	if err != nil {
		return nil, err
	}
	it.leaf = leaf
	if err := it.skipExhausted(); err != nil {
		return nil, err
	}
	return it, nil
}

// BeginAt 定位到第一个 >= key 的位置
func (t *BPlusTree[K, V]) BeginAt(key K) (*Iterator[K, V], error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	it := &Iterator[K, V]{tree: t}
	if t.rootPageID == page.InvalidPageID {
		return it, nil
	}
	leaf, err := t.findLeaf(key, false)
	if err != nil {
		return nil, err
	}
	it.leaf = leaf
	it.idx, _ = leaf.Lookup(key, t.cmp)
	if err := it.skipExhausted(); err != nil {
		return nil, err
	}
	return it, nil
}

// End 返回最后一个元素之后的哨兵
func (t *BPlusTree[K, V]) End() *Iterator[K, V] {
	return &Iterator[K, V]{tree: t}
}

// All 按 key 升序遍历整棵树，读页出错时记录日志并提前结束。
// 需要错误的调用方直接使用 Begin
func (t *BPlusTree[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		it, err := t.Begin()
		if err != nil {
			t.logger.Error("begin iteration", zap.Error(err))
			return
		}
		for ; !it.IsEnd(); it.Next() {
			if !yield(it.Key(), it.Value()) {
				return
			}
		}
		if it.Err() != nil {
			t.logger.Error("iterate", zap.Error(it.Err()))
		}
	}
}

func (it *Iterator[K, V]) IsEnd() bool {
	return it.leaf == nil
}

// Key 在 End 上调用返回零值
func (it *Iterator[K, V]) Key() K {
	if it.leaf == nil {
		var zero K
		return zero
	}
	return it.leaf.Keys[it.idx]
}

func (it *Iterator[K, V]) Value() V {
	if it.leaf == nil {
		var zero V
		return zero
	}
	return it.leaf.Values[it.idx]
}

// Err 返回导致遍历提前结束的错误
func (it *Iterator[K, V]) Err() error {
	return it.err
}

// Next 前进一个位置，之后仍指向有效元素时返回 true
func (it *Iterator[K, V]) Next() bool {
	if it.leaf == nil {
		return false
	}
	it.idx++
	it.tree.mu.RLock()
	defer it.tree.mu.RUnlock()
	if err := it.skipExhausted(); err != nil {
		it.err = err
		it.leaf = nil
		return false
	}
	return it.leaf != nil
}

// Equal 两个 End 相等；否则要求位于同一叶子的同一位置
func (it *Iterator[K, V]) Equal(other *Iterator[K, V]) bool {
	if it.leaf == nil || other.leaf == nil {
		return it.leaf == nil && other.leaf == nil
	}
	return it.leaf.PageID == other.leaf.PageID && it.idx == other.idx
}

// skipExhausted 当前叶子走完时沿 next 指针加载下一个非空叶子，到链表末尾变为 End。
// 调用方持有树的读锁
func (it *Iterator[K, V]) skipExhausted() error {
	for it.leaf != nil && it.idx >= it.leaf.Size() {
		next := it.leaf.NextPageID
		if next == page.InvalidPageID {
			it.leaf = nil
			return nil
		}
		leaf, err := it.tree.loadLeaf(next)
		if err != nil {
			return err
		}
		it.leaf, it.idx = leaf, 0
	}
	return nil
}

func (t *BPlusTree[K, V]) loadLeaf(id page.PageID) (*page.LeafPage[K, V], error) {
	raw, err := t.bpm.FetchPage(id)
	if err != nil {
		return nil, err
	}
	leaf := t.layout.DecodeLeaf(raw.Data[:])
	return leaf, t.bpm.UnpinPage(id, false)
}
