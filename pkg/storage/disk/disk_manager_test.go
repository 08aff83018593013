package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minidb/pkg/storage/page"
)

func TestDiskManager(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "test.db")

	dm, err := NewDiskManager(dbFile)
	require.NoError(t, err)

	// 1. 页 0 是头页，第一次分配拿到 1
	pid := dm.AllocatePage()
	require.Equal(t, page.PageID(1), pid)

	// 2. 创建数据并写入
	p := page.NewPage()
	data := []byte("Hello Database World!")
	copy(p.Data[:], data)
	require.NoError(t, dm.WritePage(pid, p))

	// 3. 重新读取并验证
	p2 := page.NewPage()
	require.NoError(t, dm.ReadPage(pid, p2))
	assert.Equal(t, "Hello Database World!", string(p2.Data[:len(data)]))
	assert.Equal(t, int64(1), dm.NumWrites())
	assert.Equal(t, int64(1), dm.NumReads())

	require.NoError(t, dm.Close())
}

func TestDiskManagerReadUnwrittenPageIsZero(t *testing.T) {
	dm, err := NewDiskManager(filepath.Join(t.TempDir(), "zero.db"))
	require.NoError(t, err)
	defer dm.Close()

	p := page.NewPage()
	copy(p.Data[:], "garbage")
	pid := dm.AllocatePage()
	require.NoError(t, dm.ReadPage(pid, p))
	assert.Equal(t, [page.PageSize]byte{}, p.Data)
}

func TestDiskManagerReopenContinuesAllocation(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "reopen.db")

	dm, err := NewDiskManager(dbFile)
	require.NoError(t, err)
	p := page.NewPage()
	for i := 0; i < 3; i++ {
		copy(p.Data[:], []byte{byte(i + 1)})
		require.NoError(t, dm.WritePage(dm.AllocatePage(), p))
	}
	require.NoError(t, dm.Close())

	info, err := os.Stat(dbFile)
	require.NoError(t, err)
	assert.Equal(t, int64(4*page.PageSize), info.Size())

	dm, err = NewDiskManager(dbFile)
	require.NoError(t, err)
	defer dm.Close()
	assert.Equal(t, page.PageID(4), dm.AllocatePage())

	require.NoError(t, dm.ReadPage(3, p))
	assert.Equal(t, byte(3), p.Data[0])
}

func TestDiskManagerShortRead(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "short.db")
	require.NoError(t, os.WriteFile(dbFile, make([]byte, page.PageSize+10), 0o644))

	dm, err := NewDiskManager(dbFile)
	require.NoError(t, err)
	defer dm.Close()

	err = dm.ReadPage(1, page.NewPage())
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestMemoryDiskManager(t *testing.T) {
	dm := NewMemoryDiskManager()
	pid := dm.AllocatePage()
	assert.Equal(t, page.PageID(1), pid)

	p := page.NewPage()
	copy(p.Data[:], "memory")
	require.NoError(t, dm.WritePage(pid, p))

	// 写入的是副本
	p.Data[0] = 'X'
	block, ok := dm.Block(pid)
	require.True(t, ok)
	assert.Equal(t, "memory", string(block[:6]))

	read := page.NewPage()
	require.NoError(t, dm.ReadPage(pid, read))
	assert.Equal(t, "memory", string(read.Data[:6]))

	_, ok = dm.Block(99)
	assert.False(t, ok)
}

func TestDiskManagerNumPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	dm, err := NewDiskManager(path)
	require.NoError(t, err)
	defer dm.Close()
	assert.Equal(t, path, dm.FileName())

	// 新文件只有保留的头页
	assert.Equal(t, 1, dm.NumPages())
	dm.AllocatePage()
	dm.AllocatePage()
	assert.Equal(t, 3, dm.NumPages())
}
