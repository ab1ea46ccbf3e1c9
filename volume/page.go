package volume

import (
	"encoding/binary"
	"fmt"

	"dedupcore/record"
)

// recordEntrySize is the on-disk width of one (ChunkName, Metadata) slot:
// 16-byte name + 8-byte physical block + 8-byte tag + 1-byte occupied flag.
const recordEntrySize = record.NameSize + 8 + 8 + 1

// RecordSlot is one entry of a record page, mirroring the
// (ChunkName, Metadata) pairs the OpenChapter buffers in memory before
// the chapter writer flushes them to a record page.
type RecordSlot struct {
	Occupied bool
	Name     record.ChunkName
	Metadata record.Metadata
}

func encodeRecordPage(slots []RecordSlot, bytesPerPage uint32) []byte {
	buf := make([]byte, bytesPerPage)
	off := 0
	for _, s := range slots {
		if off+recordEntrySize > len(buf) {
			break
		}
		if s.Occupied {
			buf[off] = 1
			copy(buf[off+1:off+1+record.NameSize], s.Name[:])
			binary.LittleEndian.PutUint64(buf[off+1+record.NameSize:], s.Metadata.PhysicalBlock)
			copy(buf[off+1+record.NameSize+8:off+recordEntrySize], s.Metadata.Tag[:])
		}
		off += recordEntrySize
	}
	return buf
}

func decodeRecordPage(data []byte, recordsPerPage uint32) []RecordSlot {
	slots := make([]RecordSlot, 0, recordsPerPage)
	off := 0
	for i := uint32(0); i < recordsPerPage; i++ {
		if off+recordEntrySize > len(data) {
			break
		}
		occupied := data[off] == 1
		var s RecordSlot
		if occupied {
			s.Occupied = true
			copy(s.Name[:], data[off+1:off+1+record.NameSize])
			s.Metadata.PhysicalBlock = binary.LittleEndian.Uint64(data[off+1+record.NameSize:])
			copy(s.Metadata.Tag[:], data[off+1+record.NameSize+8:off+recordEntrySize])
		}
		slots = append(slots, s)
		off += recordEntrySize
	}
	return slots
}

// IndexPageHeader mirrors the fields of a UDS index page that
// replay's index-page-map reconstruction actually consults: the delta
// list number range this page covers. The delta-list payload itself
// belongs to the (out-of-scope) master-index encoding, so it is not
// modeled here.
type IndexPageHeader struct {
	LowestListNumber  uint32
	HighestListNumber uint32
}

const indexPageHeaderSize = 8

func encodeIndexPage(h IndexPageHeader, bytesPerPage uint32) []byte {
	buf := make([]byte, bytesPerPage)
	binary.LittleEndian.PutUint32(buf[0:4], h.LowestListNumber)
	binary.LittleEndian.PutUint32(buf[4:8], h.HighestListNumber)
	return buf
}

func decodeIndexPage(data []byte) (IndexPageHeader, error) {
	if len(data) < indexPageHeaderSize {
		return IndexPageHeader{}, fmt.Errorf("index page too short: %d bytes", len(data))
	}
	return IndexPageHeader{
		LowestListNumber:  binary.LittleEndian.Uint32(data[0:4]),
		HighestListNumber: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}
