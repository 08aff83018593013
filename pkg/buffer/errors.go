package buffer

import "errors"

var (
	// ErrExhausted 所有 Frame 都被 Pin 住，既没有空闲 Frame 也找不到可驱逐的
	ErrExhausted     = errors.New("no victim found (all pages are pinned)")
	ErrNotResident   = errors.New("page not in buffer pool")
	ErrInvalidPin    = errors.New("pin count is already 0")
	ErrPagePinned    = errors.New("page is pinned and cannot be deleted")
	ErrInvalidPageID = errors.New("invalid page id")
)
