package hash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Integer 可以直接按 8 字节小端哈希的整数类型（包括 page.PageID 这类具名类型）
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func IntHasher[T Integer](key T) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return xxhash.Sum64(buf[:])
}

func StringHasher(key string) uint64 {
	return xxhash.Sum64String(key)
}
