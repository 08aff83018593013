package hash

import (
	"fmt"
	"sync"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

type bucket[K comparable, V any] struct {
	depth   int
	items   []entry[K, V]
	maxSize int
}

func newBucket[K comparable, V any](maxSize, depth int) *bucket[K, V] {
	return &bucket[K, V]{
		depth:   depth,
		items:   make([]entry[K, V], 0, maxSize),
		maxSize: maxSize,
	}
}

func (b *bucket[K, V]) isFull() bool {
	return len(b.items) >= b.maxSize
}

func (b *bucket[K, V]) find(key K) (V, bool) {
	for _, it := range b.items {
		if it.key == key {
			return it.value, true
		}
	}
	var zero V
	return zero, false
}

func (b *bucket[K, V]) remove(key K) bool {
	for i, it := range b.items {
		if it.key == key {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true
		}
	}
	return false
}

// insert 已存在的 key 原地覆盖（即使桶满）；桶满且是新 key 时返回 false
func (b *bucket[K, V]) insert(key K, value V) bool {
	for i := range b.items {
		if b.items[i].key == key {
			b.items[i].value = value
			return true
		}
	}
	if b.isFull() {
		return false
	}
	b.items = append(b.items, entry[K, V]{key: key, value: value})
	return true
}

// ExtendibleHashTable 可扩展哈希：目录长度始终为 2^globalDepth，
// 一个 localDepth 为 d 的桶被 2^(globalDepth-d) 个目录槽引用。目录只增不缩
type ExtendibleHashTable[K comparable, V any] struct {
	mu          sync.Mutex
	globalDepth int
	bucketSize  int
	numBuckets  int
	size        int
	dir         []*bucket[K, V]
	hasher      func(K) uint64
}

func NewExtendibleHashTable[K comparable, V any](bucketSize int, hasher func(K) uint64) *ExtendibleHashTable[K, V] {
	if bucketSize <= 0 {
		panic(fmt.Sprintf("hash: invalid bucket size %d", bucketSize))
	}
	if hasher == nil {
		panic("hash: hasher must not be nil")
	}
	return &ExtendibleHashTable[K, V]{
		bucketSize: bucketSize,
		numBuckets: 1,
		dir:        []*bucket[K, V]{newBucket[K, V](bucketSize, 0)},
		hasher:     hasher,
	}
}

func (t *ExtendibleHashTable[K, V]) indexOf(key K) int {
	mask := uint64(1)<<t.globalDepth - 1
	return int(t.hasher(key) & mask)
}

func (t *ExtendibleHashTable[K, V]) GlobalDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalDepth
}

func (t *ExtendibleHashTable[K, V]) LocalDepth(dirIndex int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir[dirIndex].depth
}

func (t *ExtendibleHashTable[K, V]) NumBuckets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numBuckets
}

// Len 当前存放的 key 数
func (t *ExtendibleHashTable[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

func (t *ExtendibleHashTable[K, V]) Find(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir[t.indexOf(key)].find(key)
}

// Remove 空桶不会被合并
func (t *ExtendibleHashTable[K, V]) Remove(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dir[t.indexOf(key)].remove(key) {
		t.size--
		return true
	}
	return false
}

// Insert 插入或覆盖。目标桶满时分裂（必要时目录翻倍），然后重试
func (t *ExtendibleHashTable[K, V]) Insert(key K, value V) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		b := t.dir[t.indexOf(key)]
		before := len(b.items)
		if b.insert(key, value) {
			if len(b.items) > before {
				t.size++
			}
			return
		}

		if b.depth == t.globalDepth {
			if t.globalDepth >= 63 {
				panic("hash: directory depth exhausted, hasher is degenerate")
			}
			// 目录翻倍：新的上半部分复制下半部分的指针
			t.dir = append(t.dir, t.dir...)
			t.globalDepth++
		}
		t.splitBucket(b)
	}
}

// splitBucket 按新增的那一位把桶拆成两个 depth+1 的新桶，并重指所有引用旧桶的目录槽
func (t *ExtendibleHashTable[K, V]) splitBucket(b *bucket[K, V]) {
	bit := uint64(1) << b.depth
	low := newBucket[K, V](t.bucketSize, b.depth+1)
	high := newBucket[K, V](t.bucketSize, b.depth+1)

	for _, it := range b.items {
		if t.hasher(it.key)&bit != 0 {
			high.items = append(high.items, it)
		} else {
			low.items = append(low.items, it)
		}
	}

	for i, ref := range t.dir {
		if ref != b {
			continue
		}
		if uint64(i)&bit != 0 {
			t.dir[i] = high
		} else {
			t.dir[i] = low
		}
	}
	t.numBuckets++
}
