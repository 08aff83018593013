package page

import (
	"encoding/binary"
	"fmt"
)

// Codec 把定长的 Key/Value 编码进页内的 slot
type Codec[T any] interface {
	Size() int
	Put(dst []byte, v T)
	Get(src []byte) T
}

type Int64Codec struct{}

func (Int64Codec) Size() int { return SizeOfInt64 }

func (Int64Codec) Put(dst []byte, v int64) {
	binary.LittleEndian.PutUint64(dst, uint64(v))
}

func (Int64Codec) Get(src []byte) int64 {
	return int64(binary.LittleEndian.Uint64(src))
}

// PageIDCodec 内部页的 child 指针
type PageIDCodec struct{}

func (PageIDCodec) Size() int { return SizeOfPageID }

func (PageIDCodec) Put(dst []byte, v PageID) {
	binary.LittleEndian.PutUint32(dst, uint32(v))
}

func (PageIDCodec) Get(src []byte) PageID {
	return PageID(int32(binary.LittleEndian.Uint32(src)))
}

// FixedBytesCodec 定长字节串，不足补 0，超出截断
type FixedBytesCodec struct {
	Width int
}

func NewFixedBytesCodec(width int) FixedBytesCodec {
	if width <= 0 {
		panic(fmt.Sprintf("page: invalid fixed bytes width %d", width))
	}
	return FixedBytesCodec{Width: width}
}

func (c FixedBytesCodec) Size() int { return c.Width }

func (c FixedBytesCodec) Put(dst []byte, v []byte) {
	n := copy(dst[:c.Width], v)
	clear(dst[n:c.Width])
}

func (c FixedBytesCodec) Get(src []byte) []byte {
	val := make([]byte, c.Width)
	copy(val, src[:c.Width])
	return val
}
