package buffer

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"

	"minidb/pkg/storage/disk"
	"minidb/pkg/storage/page"
)

func TestBufferPoolManager(t *testing.T) {
	dm, err := disk.NewDiskManager(filepath.Join(t.TempDir(), "test_bpm.db"))
	require.NoError(t, err)
	defer dm.Close()

	// 只有 2 个 Frame 的缓冲池
	bpm := NewBufferPoolManager(dm, 2)

	p1, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, page.PageID(1), p1.ID())
	copy(p1.Data[:], "Page 1 Data")
	require.NoError(t, bpm.UnpinPage(1, true))

	p2, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, page.PageID(2), p2.ID())
	copy(p2.Data[:], "Page 2 Data")
	require.NoError(t, bpm.UnpinPage(2, true))

	// Pool 满了，Page 3 会驱逐 Page 1 并刷盘
	p3, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, page.PageID(3), p3.ID())
	copy(p3.Data[:], "Page 3 Data")
	require.NoError(t, bpm.UnpinPage(3, false))

	_, ok := bpm.PinCount(1)
	assert.False(t, ok, "page 1 should have been evicted")

	// 从磁盘读回来，数据还在
	p1Read, err := bpm.FetchPage(1)
	require.NoError(t, err)
	assert.Equal(t, "Page 1 Data", string(p1Read.Data[:11]))

	p2Read, err := bpm.FetchPage(2)
	require.NoError(t, err)
	assert.Equal(t, "Page 2 Data", string(p2Read.Data[:11]))

	require.NoError(t, bpm.UnpinPage(1, false))
	require.NoError(t, bpm.UnpinPage(2, false))
	assert.Positive(t, dm.NumWrites())
}

func TestBufferPoolManagerExhausted(t *testing.T) {
	bpm := NewBufferPoolManager(disk.NewMemoryDiskManager(), 3)

	var ids []page.PageID
	for i := 0; i < 3; i++ {
		p, err := bpm.NewPage()
		require.NoError(t, err)
		ids = append(ids, p.ID())
	}

	_, err := bpm.NewPage()
	assert.ErrorIs(t, err, ErrExhausted)
	_, err = bpm.FetchPage(100)
	assert.ErrorIs(t, err, ErrExhausted)

	// 已驻留的页面照样可以 Fetch
	p, err := bpm.FetchPage(ids[0])
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.PinCount())

	require.NoError(t, bpm.UnpinPage(ids[1], false))
	p, err = bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, page.PageID(4), p.ID())
	assert.Equal(t, 3, bpm.Stats().Pinned)
}

func TestBufferPoolManagerUnpinErrors(t *testing.T) {
	bpm := NewBufferPoolManager(disk.NewMemoryDiskManager(), 2)

	assert.ErrorIs(t, bpm.UnpinPage(7, false), ErrNotResident)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(p.ID(), false))
	assert.ErrorIs(t, bpm.UnpinPage(p.ID(), false), ErrInvalidPin)

	_, err = bpm.FetchPage(page.InvalidPageID)
	assert.ErrorIs(t, err, ErrInvalidPageID)
	assert.ErrorIs(t, bpm.FlushPage(page.InvalidPageID), ErrInvalidPageID)
	assert.ErrorIs(t, bpm.FlushPage(42), ErrNotResident)
}

func TestBufferPoolManagerDirtyIsSticky(t *testing.T) {
	dm := disk.NewMemoryDiskManager()
	bpm := NewBufferPoolManager(dm, 2)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.ID()
	copy(p.Data[:], "hello")
	require.NoError(t, bpm.UnpinPage(id, true))

	p, err = bpm.FetchPage(id)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id, false))
	assert.True(t, p.IsDirty())
	assert.Equal(t, 1, bpm.Stats().Dirty)

	_, ok := dm.Block(id)
	assert.False(t, ok)

	require.NoError(t, bpm.FlushPage(id))
	assert.False(t, p.IsDirty())
	block, ok := dm.Block(id)
	require.True(t, ok)
	assert.Equal(t, "hello", string(block[:5]))
}

func TestBufferPoolManagerFlushAll(t *testing.T) {
	dm := disk.NewMemoryDiskManager()
	bpm := NewBufferPoolManager(dm, 4)

	for i := 0; i < 4; i++ {
		p, err := bpm.NewPage()
		require.NoError(t, err)
		binary.LittleEndian.PutUint32(p.Data[:], uint32(p.ID())*10)
		// 一半保持 Pin，FlushAllPages 不关心 Pin 状态
		if i%2 == 0 {
			require.NoError(t, bpm.UnpinPage(p.ID(), true))
		} else {
			p.SetDirty(true)
		}
	}

	require.NoError(t, bpm.FlushAllPages())
	assert.Zero(t, bpm.Stats().Dirty)
	for id := page.PageID(1); id <= 4; id++ {
		block, ok := dm.Block(id)
		require.True(t, ok)
		assert.Equal(t, uint32(id)*10, binary.LittleEndian.Uint32(block[:]))
	}
}

func TestBufferPoolManagerDeletePage(t *testing.T) {
	bpm := NewBufferPoolManager(disk.NewMemoryDiskManager(), 2)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.ID()

	assert.ErrorIs(t, bpm.DeletePage(id), ErrPagePinned)
	require.NoError(t, bpm.UnpinPage(id, true))
	require.NoError(t, bpm.DeletePage(id))

	_, ok := bpm.PinCount(id)
	assert.False(t, ok)
	assert.Equal(t, 2, bpm.Stats().Free)

	// 不在缓存中的页面也算删除成功
	require.NoError(t, bpm.DeletePage(99))

	// 删除后的 Frame 可以复用，两个 Frame 都能被 Pin
	_, err = bpm.NewPage()
	require.NoError(t, err)
	_, err = bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, 2, bpm.Stats().Pinned)
}

func TestBufferPoolManagerWithLRUReplacer(t *testing.T) {
	dm := disk.NewMemoryDiskManager()
	bpm := NewBufferPoolManager(dm, 2, WithReplacer(NewLRUReplacer(2)))

	a, err := bpm.NewPage()
	require.NoError(t, err)
	b, err := bpm.NewPage()
	require.NoError(t, err)
	aID, bID := a.ID(), b.ID()
	require.NoError(t, bpm.UnpinPage(aID, true))
	require.NoError(t, bpm.UnpinPage(bID, true))

	// a 最先变为可驱逐
	_, err = bpm.NewPage()
	require.NoError(t, err)
	_, ok := bpm.PinCount(aID)
	assert.False(t, ok)
	_, ok = bpm.PinCount(bID)
	assert.True(t, ok)
}

func TestBufferPoolManagerStatsAndMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(ctx)

	bpm := NewBufferPoolManager(disk.NewMemoryDiskManager(), 1, WithMeter(provider.Meter("test")))

	p, err := bpm.NewPage()
	require.NoError(t, err)
	first := p.ID()
	require.NoError(t, bpm.UnpinPage(first, true))

	_, err = bpm.FetchPage(first) // hit
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(first, false))

	p, err = bpm.NewPage() // 驱逐 first 并写回
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(p.ID(), false))

	_, err = bpm.FetchPage(first) // miss
	require.NoError(t, err)

	s := bpm.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(2), s.Evictions)
	assert.Equal(t, int64(1), s.Flushes)
	assert.Equal(t, 1, s.Pinned)
	assert.Equal(t, 1, s.Resident)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	got := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && len(sum.DataPoints) > 0 {
				got[m.Name] = sum.DataPoints[0].Value
			}
		}
	}
	assert.Equal(t, int64(1), got["minidb.buffer.hits"])
	assert.Equal(t, int64(1), got["minidb.buffer.misses"])
	assert.Equal(t, int64(2), got["minidb.buffer.evictions"])
	assert.Equal(t, int64(2), got["minidb.buffer.new_pages"])
	assert.Equal(t, int64(1), got["minidb.buffer.pinned_frames"])
}

type failingDisk struct {
	*disk.MemoryDiskManager
	failWrites bool
}

var errDiskFull = errors.New("disk full")

func (f *failingDisk) WritePage(id page.PageID, p *page.Page) error {
	if f.failWrites {
		return errDiskFull
	}
	return f.MemoryDiskManager.WritePage(id, p)
}

func TestBufferPoolManagerEvictWriteFailure(t *testing.T) {
	dm := &failingDisk{MemoryDiskManager: disk.NewMemoryDiskManager()}
	bpm := NewBufferPoolManager(dm, 1)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.ID()
	copy(p.Data[:], "keep me")
	require.NoError(t, bpm.UnpinPage(id, true))

	dm.failWrites = true
	_, err = bpm.NewPage()
	assert.ErrorIs(t, err, errDiskFull)

	// 写回失败的页面仍然驻留且可驱逐
	p, err = bpm.FetchPage(id)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(p.Data[:7]))
	require.NoError(t, bpm.UnpinPage(id, false))

	dm.failWrites = false
	_, err = bpm.NewPage()
	require.NoError(t, err)
	block, ok := dm.Block(id)
	require.True(t, ok)
	assert.Equal(t, "keep me", string(block[:7]))
}

func TestBufferPoolManagerConcurrent(t *testing.T) {
	dm := disk.NewMemoryDiskManager()
	bpm := NewBufferPoolManager(dm, 16)

	const workers, perWorker = 8, 50
	ids := make([][]page.PageID, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				p, err := bpm.NewPage()
				if err != nil {
					return err
				}
				binary.LittleEndian.PutUint32(p.Data[:], uint32(p.ID()))
				ids[w] = append(ids[w], p.ID())
				if err := bpm.UnpinPage(p.ID(), true); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var readers errgroup.Group
	for w := 0; w < workers; w++ {
		readers.Go(func() error {
			for _, id := range ids[w] {
				p, err := bpm.FetchPage(id)
				if err != nil {
					return err
				}
				got := binary.LittleEndian.Uint32(p.Data[:])
				if err := bpm.UnpinPage(id, false); err != nil {
					return err
				}
				if got != uint32(id) {
					return errors.New("page content mismatch")
				}
			}
			return nil
		})
	}
	require.NoError(t, readers.Wait())
	assert.Zero(t, bpm.Stats().Pinned)
}
