package index

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"minidb/pkg/storage/page"
)

type verifyState[K, V any] struct {
	leafDepth int
	leaves    []*page.LeafPage[K, V]
}

// Verify 检查整棵树：页 id 和 parent id、key 有序且落在父节点分隔键的区间内、
// 非根页的占用不低于下限、所有叶子同深度、叶子链表按顺序串起全部叶子
func (t *BPlusTree[K, V]) Verify() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.rootPageID == page.InvalidPageID {
		return nil
	}
	st := &verifyState[K, V]{leafDepth: -1}
	if err := t.verifyNode(st, t.rootPageID, page.InvalidPageID, nil, nil, 0); err != nil {
		return err
	}
	for i, leaf := range st.leaves {
		want := page.InvalidPageID
		if i+1 < len(st.leaves) {
			want = st.leaves[i+1].PageID
		}
		if leaf.NextPageID != want {
			return fmt.Errorf("%w: leaf %d links to %d, want %d", ErrCorrupted, leaf.PageID, leaf.NextPageID, want)
		}
	}
	return nil
}

func (t *BPlusTree[K, V]) verifyNode(st *verifyState[K, V], id, parent page.PageID, lo, hi *K, depth int) error {
	leaf, internal, err := t.readNode(id)
	if err != nil {
		return err
	}
	isRoot := parent == page.InvalidPageID

	var h page.TreePageHeader
	var keys []K
	var size, minSize int
	if leaf != nil {
		h, keys, size, minSize = leaf.TreePageHeader, leaf.Keys, leaf.Size(), leaf.MinSize()
		if isRoot {
			minSize = 1
		}
	} else {
		if internal.Size() == 0 {
			return fmt.Errorf("%w: internal page %d has no children", ErrCorrupted, id)
		}
		// 内部页的 Keys[0] 不参与比较
		h, keys, size, minSize = internal.TreePageHeader, internal.Keys[1:], internal.Size(), internal.MinSize()
		if isRoot {
			minSize = 2
		}
	}

	switch {
	case h.PageID != id:
		return fmt.Errorf("%w: page %d records id %d", ErrCorrupted, id, h.PageID)
	case h.ParentID != parent:
		return fmt.Errorf("%w: page %d records parent %d, want %d", ErrCorrupted, id, h.ParentID, parent)
	case size > int(h.MaxSize):
		return fmt.Errorf("%w: page %d holds %d, max %d", ErrCorrupted, id, size, h.MaxSize)
	case size < minSize:
		return fmt.Errorf("%w: page %d holds %d, min %d", ErrCorrupted, id, size, minSize)
	}
	for i, k := range keys {
		if i > 0 && t.cmp(keys[i-1], k) >= 0 {
			return fmt.Errorf("%w: page %d keys out of order at %d", ErrCorrupted, id, i)
		}
		if (lo != nil && t.cmp(k, *lo) < 0) || (hi != nil && t.cmp(k, *hi) >= 0) {
			return fmt.Errorf("%w: page %d key %v outside its parent range", ErrCorrupted, id, k)
		}
	}

	if leaf != nil {
		if st.leafDepth < 0 {
			st.leafDepth = depth
		} else if st.leafDepth != depth {
			return fmt.Errorf("%w: leaf %d at depth %d, others at %d", ErrCorrupted, id, depth, st.leafDepth)
		}
		st.leaves = append(st.leaves, leaf)
		return nil
	}

	for i, child := range internal.Children {
		childLo, childHi := lo, hi
		if i > 0 {
			childLo = &internal.Keys[i]
		}
		if i+1 < len(internal.Children) {
			childHi = &internal.Keys[i+1]
		}
		if err := t.verifyNode(st, child, id, childLo, childHi, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Draw 输出 graphviz dot 格式，虚线是叶子链表
// 出错时已生成的部分仍会写出
func (t *BPlusTree[K, V]) Draw(w io.Writer) (err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bw := bufio.NewWriter(w)
	defer func() { err = errors.Join(err, bw.Flush()) }()
	fmt.Fprintf(bw, "digraph %q {\n", t.name)
	fmt.Fprintln(bw, "  node [shape=record];")
	if t.rootPageID != page.InvalidPageID {
		if err := t.drawNode(bw, t.rootPageID); err != nil {
			return err
		}
	}
	fmt.Fprintln(bw, "}")
	return nil
}

func (t *BPlusTree[K, V]) drawNode(w io.Writer, id page.PageID) error {
	leaf, internal, err := t.readNode(id)
	if err != nil {
		return err
	}
	if leaf != nil {
		fields := []string{fmt.Sprintf("P%d", id)}
		for _, k := range leaf.Keys {
			fields = append(fields, escapeRecord(fmt.Sprint(k)))
		}
		fmt.Fprintf(w, "  p%d [label=\"%s\" color=green];\n", id, strings.Join(fields, "|"))
		if leaf.NextPageID != page.InvalidPageID {
			fmt.Fprintf(w, "  p%d -> p%d [style=dashed];\n", id, leaf.NextPageID)
			fmt.Fprintf(w, "  {rank=same; p%d; p%d;}\n", id, leaf.NextPageID)
		}
		return nil
	}

	fields := []string{fmt.Sprintf("P%d", id)}
	for i := range internal.Children {
		label := " "
		if i > 0 {
			label = escapeRecord(fmt.Sprint(internal.Keys[i]))
		}
		fields = append(fields, fmt.Sprintf("<c%d> %s", i, label))
	}
	fmt.Fprintf(w, "  p%d [label=\"%s\" color=pink];\n", id, strings.Join(fields, "|"))
	for i, child := range internal.Children {
		fmt.Fprintf(w, "  p%d:c%d -> p%d;\n", id, i, child)
	}
	for _, child := range internal.Children {
		if err := t.drawNode(w, child); err != nil {
			return err
		}
	}
	return nil
}

var recordEscaper = strings.NewReplacer(`"`, `\"`, "|", `\|`, "{", `\{`, "}", `\}`, "<", `\<`, ">", `\>`)

func escapeRecord(s string) string {
	return recordEscaper.Replace(s)
}

// Dump 按层输出每个页的 key
func (t *BPlusTree[K, V]) Dump(w io.Writer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bw := bufio.NewWriter(w)
	if t.rootPageID == page.InvalidPageID {
		fmt.Fprintln(bw, "(empty)")
		return bw.Flush()
	}
	level := []page.PageID{t.rootPageID}
	for depth := 0; len(level) > 0; depth++ {
		var next []page.PageID
		fmt.Fprintf(bw, "L%d:", depth)
		for _, id := range level {
			leaf, internal, err := t.readNode(id)
			if err != nil {
				return err
			}
			if leaf != nil {
				fmt.Fprintf(bw, " [P%d %v]", id, leaf.Keys)
				continue
			}
			fmt.Fprintf(bw, " [P%d %v]", id, internal.Keys[1:])
			next = append(next, internal.Children...)
		}
		fmt.Fprintln(bw)
		level = next
	}
	return bw.Flush()
}

// Destroy 删除树的所有页以及头页中的记录，之后树为空
func (t *BPlusTree[K, V]) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []page.PageID
	stack := []page.PageID{}
	if t.rootPageID != page.InvalidPageID {
		stack = append(stack, t.rootPageID)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		_, internal, err := t.readNode(id)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		if internal != nil {
			stack = append(stack, internal.Children...)
		}
	}

	var errs []error
	for _, id := range ids {
		errs = append(errs, t.bpm.DeletePage(id))
	}
	t.rootPageID = page.InvalidPageID

	raw, err := t.bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	errs = append(errs, updateHeader(raw, func(h *page.HeaderPage) error {
		h.DeleteRecord(t.name)
		return nil
	}))
	errs = append(errs, t.bpm.UnpinPage(page.HeaderPageID, true))
	return errors.Join(errs...)
}
