package db

import (
	"cmp"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"minidb/pkg/buffer"
	"minidb/pkg/storage/disk"
	"minidb/pkg/storage/index"
	"minidb/pkg/storage/page"
)

// 性能测试，绕过 Engine 直接测内核
// 运行命令: go test -v minidb/pkg/db -run TestBenchmark
func TestBenchmark(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping benchmark in short mode")
	}

	dm, err := disk.NewDiskManager(filepath.Join(t.TempDir(), "bench.db"))
	require.NoError(t, err)
	defer dm.Close()

	bpm := buffer.NewBufferPoolManager(dm, 1000)
	layout := page.NewLayout[int64, []byte](page.Int64Codec{}, page.NewFixedBytesCodec(100))
	tree, err := index.NewBPlusTree("bench", bpm, cmp.Compare[int64], layout)
	require.NoError(t, err)

	const DataCount = 10000

	t.Logf("TARGET: Insert %d keys, then Select %d keys.", DataCount, DataCount)

	// --- 阶段一：写入 ---
	startInsert := time.Now()
	for i := 0; i < DataCount; i++ {
		val := fmt.Sprintf("data-%090d", i)
		require.NoError(t, tree.Insert(int64(i), []byte(val)))
	}
	// 刷盘的开销也算在内
	require.NoError(t, bpm.FlushAllPages())

	durationInsert := time.Since(startInsert)
	t.Logf("Insert: %v, %.2f ops/sec", durationInsert, float64(DataCount)/durationInsert.Seconds())

	// --- 阶段二：读取 ---
	startSelect := time.Now()
	for i := 0; i < DataCount; i++ {
		val, found, err := tree.GetValue(int64(i))
		require.NoError(t, err)
		if !found || len(val) == 0 {
			t.Errorf("Key %d lost!", i)
		}
	}
	durationSelect := time.Since(startSelect)
	t.Logf("Select: %v, %.2f ops/sec", durationSelect, float64(DataCount)/durationSelect.Seconds())

	stats := bpm.Stats()
	t.Logf("Buffer: hits=%d misses=%d evictions=%d disk reads=%d writes=%d",
		stats.Hits, stats.Misses, stats.Evictions, dm.NumReads(), dm.NumWrites())
}

func BenchmarkEngineInsert(b *testing.B) {
	cfg := testConfigFor(b.TempDir())
	e, err := NewEngine(cfg, nil, nil)
	require.NoError(b, err)
	defer e.Close()

	ctx := context.Background()
	require.NoError(b, e.CreateIndex(ctx, "bench"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := e.Insert(ctx, "bench", int64(i), "value"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEngineSelect(b *testing.B) {
	cfg := testConfigFor(b.TempDir())
	e, err := NewEngine(cfg, nil, nil)
	require.NoError(b, err)
	defer e.Close()

	ctx := context.Background()
	require.NoError(b, e.CreateIndex(ctx, "bench"))
	const n = 10000
	for i := 0; i < n; i++ {
		require.NoError(b, e.Insert(ctx, "bench", int64(i), "value"))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := e.SelectByID(ctx, "bench", int64(i%n)); err != nil {
			b.Fatal(err)
		}
	}
}
