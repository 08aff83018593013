package hash

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identity 让测试可以精确控制 key 落在哪个桶
func identity(k int) uint64 { return uint64(k) }

// checkDirectory 校验目录大小与每个桶的引用次数
func checkDirectory[K comparable, V any](t *testing.T, ht *ExtendibleHashTable[K, V]) {
	t.Helper()
	ht.mu.Lock()
	defer ht.mu.Unlock()

	require.Len(t, ht.dir, 1<<ht.globalDepth)
	refs := make(map[*bucket[K, V]]int)
	for _, b := range ht.dir {
		require.LessOrEqual(t, b.depth, ht.globalDepth)
		require.LessOrEqual(t, len(b.items), ht.bucketSize)
		refs[b]++
	}
	require.Len(t, refs, ht.numBuckets)
	for b, n := range refs {
		assert.Equal(t, 1<<(ht.globalDepth-b.depth), n)
	}
}

func TestExtendibleHashTableSample(t *testing.T) {
	ht := NewExtendibleHashTable[int, string](2, identity)

	for i := 1; i <= 9; i++ {
		ht.Insert(i, fmt.Sprintf("v%d", i))
	}
	checkDirectory(t, ht)

	for i := 1; i <= 9; i++ {
		v, ok := ht.Find(i)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, fmt.Sprintf("v%d", i), v)
	}
	_, ok := ht.Find(10)
	assert.False(t, ok)

	assert.True(t, ht.Remove(8))
	assert.True(t, ht.Remove(4))
	assert.True(t, ht.Remove(1))
	assert.False(t, ht.Remove(20))
	assert.Equal(t, 6, ht.Len())
	checkDirectory(t, ht)
}

func TestExtendibleHashTableGrowth(t *testing.T) {
	const bucketSize = 4
	ht := NewExtendibleHashTable[int, int](bucketSize, identity)
	require.Equal(t, 0, ht.GlobalDepth())

	// 初始只有一个桶，bucketSize+1 个 key 必然落在同一个桶
	for i := 0; i <= bucketSize; i++ {
		ht.Insert(i*8, i)
	}

	assert.GreaterOrEqual(t, ht.GlobalDepth(), 1)
	for i := 0; i <= bucketSize; i++ {
		v, ok := ht.Find(i * 8)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	checkDirectory(t, ht)
}

func TestExtendibleHashTableSharedLowBits(t *testing.T) {
	ht := NewExtendibleHashTable[int, int](2, identity)
	// 低 3 位全部相同，逼出多次连续分裂
	keys := []int{0b0000, 0b1000, 0b10000, 0b11000}
	for _, k := range keys {
		ht.Insert(k, k)
	}
	assert.Equal(t, 4, ht.GlobalDepth())
	for _, k := range keys {
		_, ok := ht.Find(k)
		assert.True(t, ok)
	}
	checkDirectory(t, ht)

	// 低位相同的 key 永远在同一个 depth 足够的桶里
	idx := int(identity(0b1000) & (1<<ht.GlobalDepth() - 1))
	assert.Equal(t, ht.GlobalDepth(), ht.LocalDepth(idx))
}

func TestExtendibleHashTableOverwrite(t *testing.T) {
	ht := NewExtendibleHashTable[int, string](1, identity)
	ht.Insert(1, "a")
	ht.Insert(1, "b")
	v, ok := ht.Find(1)
	require.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Equal(t, 1, ht.Len())
	assert.Equal(t, 0, ht.GlobalDepth(), "overwriting a full bucket must not split it")
}

func TestExtendibleHashTableDirectoryNeverShrinks(t *testing.T) {
	ht := NewExtendibleHashTable[int, int](2, IntHasher[int])
	for i := 0; i < 256; i++ {
		ht.Insert(i, i)
	}
	depth := ht.GlobalDepth()
	buckets := ht.NumBuckets()
	for i := 0; i < 256; i++ {
		require.True(t, ht.Remove(i))
	}
	assert.Equal(t, depth, ht.GlobalDepth())
	assert.Equal(t, buckets, ht.NumBuckets())
	assert.Zero(t, ht.Len())
}

func TestExtendibleHashTableConcurrent(t *testing.T) {
	ht := NewExtendibleHashTable[int, int](3, IntHasher[int])

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ht.Insert(w*1000+i, i)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 1600, ht.Len())
	for w := 0; w < 8; w++ {
		for i := 0; i < 200; i++ {
			v, ok := ht.Find(w*1000 + i)
			require.True(t, ok)
			require.Equal(t, i, v)
		}
	}
	checkDirectory(t, ht)
}

func TestStringHasher(t *testing.T) {
	ht := NewExtendibleHashTable[string, int](2, StringHasher)
	for i := 0; i < 50; i++ {
		ht.Insert(fmt.Sprintf("key-%d", i), i)
	}
	v, ok := ht.Find("key-42")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}
