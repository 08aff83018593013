package buffer

import "fmt"

// FrameID 是缓冲池 Frame 数组的下标，在缓冲池生命周期内不变
type FrameID int

// Replacer 决定驱逐哪个 Frame。它管理的不是 PageID，而是 FrameID。
// 只有被标记为 evictable 的 Frame 才可能被 Evict 选中
type Replacer interface {
	RecordAccess(frameID FrameID)
	SetEvictable(frameID FrameID, evictable bool)
	// Evict 没有可驱逐的 Frame 时返回 false
	Evict() (FrameID, bool)
	// Remove 丢弃 Frame 的全部访问记录（删除页时用），不可驱逐的 Frame 不受影响
	Remove(frameID FrameID)
	// Size 当前可驱逐的 Frame 数
	Size() int
}

func checkFrame(frameID FrameID, numFrames int) {
	if frameID < 0 || int(frameID) >= numFrames {
		panic(fmt.Sprintf("buffer: frame id %d out of range [0, %d)", frameID, numFrames))
	}
}
