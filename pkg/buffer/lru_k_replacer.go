package buffer

import (
	"fmt"
	"sync"
)

type lruKNode struct {
	// 最近 k 次访问的逻辑时间戳，最旧的在前
	history   []uint64
	evictable bool
}

// LRUKReplacer 按 backward k-distance 驱逐：
// distance = 最近一次访问 - 倒数第 k 次访问，不足 k 次访问的为 +inf。
// 优先驱逐 +inf 的 Frame（其中最近一次访问最早的），否则驱逐 distance 最大的
type LRUKReplacer struct {
	mu               sync.Mutex
	k                int
	numFrames        int
	currentTimestamp uint64
	nodes            map[FrameID]*lruKNode
	evictableCount   int
}

func NewLRUKReplacer(numFrames, k int) *LRUKReplacer {
	if k <= 0 {
		panic(fmt.Sprintf("buffer: invalid replacer k %d", k))
	}
	return &LRUKReplacer{
		k:         k,
		numFrames: numFrames,
		nodes:     make(map[FrameID]*lruKNode, numFrames),
	}
}

func (r *LRUKReplacer) RecordAccess(frameID FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	checkFrame(frameID, r.numFrames)

	r.currentTimestamp++
	node, ok := r.nodes[frameID]
	if !ok {
		node = &lruKNode{history: make([]uint64, 0, r.k+1)}
		r.nodes[frameID] = node
	}
	node.history = append(node.history, r.currentTimestamp)
	if len(node.history) > r.k {
		node.history = node.history[1:]
	}
}

func (r *LRUKReplacer) SetEvictable(frameID FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	checkFrame(frameID, r.numFrames)

	node, ok := r.nodes[frameID]
	if !ok || node.evictable == evictable {
		return
	}
	node.evictable = evictable
	if evictable {
		r.evictableCount++
	} else {
		r.evictableCount--
	}
}

func (r *LRUKReplacer) Evict() (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		victim     FrameID
		found      bool
		victimInf  bool
		victimDist uint64
		victimLast uint64
	)
	for id, node := range r.nodes {
		if !node.evictable {
			continue
		}
		last := node.history[len(node.history)-1]
		inf := len(node.history) < r.k
		var dist uint64
		if !inf {
			dist = last - node.history[0]
		}

		var better bool
		switch {
		case !found:
			better = true
		case inf != victimInf:
			better = inf
		case inf:
			better = last < victimLast
		case dist != victimDist:
			better = dist > victimDist
		default:
			better = last < victimLast
		}
		if better {
			victim, found = id, true
			victimInf, victimDist, victimLast = inf, dist, last
		}
	}

	if !found {
		return 0, false
	}
	delete(r.nodes, victim)
	r.evictableCount--
	return victim, true
}

func (r *LRUKReplacer) Remove(frameID FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	checkFrame(frameID, r.numFrames)

	node, ok := r.nodes[frameID]
	if !ok || !node.evictable {
		return
	}
	delete(r.nodes, frameID)
	r.evictableCount--
}

func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictableCount
}
