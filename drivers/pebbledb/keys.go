package pebbledb

import "encoding/binary"

// Key space of one store:
//
//	'D' key      record
//	'R' key      record header, see store.DecodeMeta
//	'S' seq(8)   key of the record written at seq
//	'L' key      local (non-replicated) value
//	'M' name     store metadata
const (
	prefixDoc   = 'D'
	prefixRev   = 'R'
	prefixSeq   = 'S'
	prefixLocal = 'L'
	prefixMeta  = 'M'
)

var (
	metaCount   = []byte("Mcount")
	metaCreated = []byte("Mcreated")
)

func docKey(key string) []byte {
	return append([]byte{prefixDoc}, key...)
}

func revKey(key string) []byte {
	return append([]byte{prefixRev}, key...)
}

func localKey(key string) []byte {
	return append([]byte{prefixLocal}, key...)
}

func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixSeq}, seq)
}

func seqOf(k []byte) uint64 {
	if len(k) != 9 || k[0] != prefixSeq {
		return 0
	}
	return binary.BigEndian.Uint64(k[1:])
}
