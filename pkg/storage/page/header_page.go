package page

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// 头页布局: record count(4) | [name(32) | root id(4)] * count
const (
	headerCountSize  = 4
	HeaderNameSize   = 32
	headerRecordSize = HeaderNameSize + SizeOfPageID

	MaxHeaderRecords = (PageSize - headerCountSize) / headerRecordSize
)

var (
	ErrHeaderNameTooLong = errors.New("index name longer than 32 bytes")
	ErrHeaderFull        = errors.New("header page has no room for another record")
)

type HeaderRecord struct {
	Name   string
	RootID PageID
}

// HeaderPage 记录每个索引名对应的根页
type HeaderPage struct {
	records []HeaderRecord
}

// DecodeHeaderPage 全 0 的页解码为空头页
func DecodeHeaderPage(data []byte) *HeaderPage {
	count := int(binary.LittleEndian.Uint32(data[0:headerCountSize]))
	if count > MaxHeaderRecords {
		panic("page: header page has corrupt record count")
	}
	h := &HeaderPage{records: make([]HeaderRecord, 0, count)}
	for i := 0; i < count; i++ {
		off := headerCountSize + i*headerRecordSize
		name := bytes.TrimRight(data[off:off+HeaderNameSize], "\x00")
		root := PageID(int32(binary.LittleEndian.Uint32(data[off+HeaderNameSize:])))
		h.records = append(h.records, HeaderRecord{Name: string(name), RootID: root})
	}
	return h
}

func (h *HeaderPage) Encode(data []byte) {
	binary.LittleEndian.PutUint32(data[0:headerCountSize], uint32(len(h.records)))
	for i, r := range h.records {
		off := headerCountSize + i*headerRecordSize
		name := data[off : off+HeaderNameSize]
		clear(name)
		copy(name, r.Name)
		binary.LittleEndian.PutUint32(data[off+HeaderNameSize:], uint32(r.RootID))
	}
	// 删除记录后残留的尾部清零
	clear(data[headerCountSize+len(h.records)*headerRecordSize:])
}

func (h *HeaderPage) find(name string) int {
	for i, r := range h.records {
		if r.Name == name {
			return i
		}
	}
	return -1
}

func (h *HeaderPage) GetRootID(name string) (PageID, bool) {
	if i := h.find(name); i >= 0 {
		return h.records[i].RootID, true
	}
	return InvalidPageID, false
}

// InsertRecord 名字已存在时返回 false
func (h *HeaderPage) InsertRecord(name string, root PageID) (bool, error) {
	if len(name) > HeaderNameSize {
		return false, ErrHeaderNameTooLong
	}
	if h.find(name) >= 0 {
		return false, nil
	}
	if len(h.records) >= MaxHeaderRecords {
		return false, ErrHeaderFull
	}
	h.records = append(h.records, HeaderRecord{Name: name, RootID: root})
	return true, nil
}

func (h *HeaderPage) UpdateRecord(name string, root PageID) bool {
	i := h.find(name)
	if i < 0 {
		return false
	}
	h.records[i].RootID = root
	return true
}

func (h *HeaderPage) DeleteRecord(name string) bool {
	i := h.find(name)
	if i < 0 {
		return false
	}
	h.records = append(h.records[:i], h.records[i+1:]...)
	return true
}

func (h *HeaderPage) Names() []string {
	names := make([]string, 0, len(h.records))
	for _, r := range h.records {
		names = append(names, r.Name)
	}
	return names
}

func (h *HeaderPage) Len() int {
	return len(h.records)
}
