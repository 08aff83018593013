package index

import "errors"

var (
	ErrDuplicateKey   = errors.New("duplicate key")
	ErrInvalidMaxSize = errors.New("invalid page max size")
	// ErrCorrupted 由 Verify 返回，说明树结构不满足不变量
	ErrCorrupted = errors.New("b+ tree corrupted")
)
