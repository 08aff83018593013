package buffer

import (
	"container/list"
	"sync"
)

// LRUReplacer 是普通的 LRU：只追踪可驱逐的 Frame，
// 链表头部是最近变为可驱逐的，尾部是最久的
type LRUReplacer struct {
	mu        sync.Mutex
	numFrames int
	list      *list.List
	elements  map[FrameID]*list.Element // 快速查找 FrameID 对应的链表节点
}

func NewLRUReplacer(numFrames int) *LRUReplacer {
	return &LRUReplacer{
		numFrames: numFrames,
		list:      list.New(),
		elements:  make(map[FrameID]*list.Element),
	}
}

// RecordAccess 已经在链表里的 Frame 被访问时挪到头部
func (l *LRUReplacer) RecordAccess(frameID FrameID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	checkFrame(frameID, l.numFrames)

	if elem, ok := l.elements[frameID]; ok {
		l.list.MoveToFront(elem)
	}
}

// SetEvictable false 相当于 Pin：从链表中移除；true 相当于 Unpin：加到头部
func (l *LRUReplacer) SetEvictable(frameID FrameID, evictable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	checkFrame(frameID, l.numFrames)

	elem, ok := l.elements[frameID]
	if !evictable {
		if ok {
			l.list.Remove(elem)
			delete(l.elements, frameID)
		}
		return
	}
	if ok {
		return
	}
	l.elements[frameID] = l.list.PushFront(frameID)
}

// Evict 移除并返回最久未使用的 FrameID (链表尾部)
func (l *LRUReplacer) Evict() (FrameID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem := l.list.Back()
	if elem == nil {
		return 0, false
	}
	frameID := elem.Value.(FrameID)
	l.list.Remove(elem)
	delete(l.elements, frameID)
	return frameID, true
}

func (l *LRUReplacer) Remove(frameID FrameID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	checkFrame(frameID, l.numFrames)

	if elem, ok := l.elements[frameID]; ok {
		l.list.Remove(elem)
		delete(l.elements, frameID)
	}
}

func (l *LRUReplacer) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}
