package store

import (
	"encoding/binary"

	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/rev"
)

// Record is one document as the store keeps it: the current revision,
// its ancestry (newest first, current excluded) and the current body.
type Record struct {
	Key     string
	Seq     uint64
	DocSeq  uint64
	Deleted bool
	Rev     rev.ID
	History []rev.ID
	Body    []byte
}

// Meta is the fixed-size head of a record.
type Meta struct {
	Seq     uint64
	DocSeq  uint64
	Deleted bool
	Rev     rev.ID
}

func (m Meta) Ref() rev.Ref { return rev.Ref{Gen: m.DocSeq, ID: m.Rev} }

func (r *Record) Meta() Meta {
	return Meta{Seq: r.Seq, DocSeq: r.DocSeq, Deleted: r.Deleted, Rev: r.Rev}
}

func (r *Record) Ref() rev.Ref { return rev.Ref{Gen: r.DocSeq, ID: r.Rev} }

// Chain is the current revision followed by its ancestors.
func (r *Record) Chain() []rev.ID {
	chain := make([]rev.ID, 0, len(r.History)+1)
	chain = append(chain, r.Rev)
	return append(chain, r.History...)
}

const (
	flagDeleted = 1 << 0

	HeaderSize = 8 + 8 + 1 + 16 + 4
	revSize    = len(rev.ID{})
)

// MarshalBinary lays the record out as
//
//	seq u64 | docseq u64 | flags u8 | rev [16] | histcount u32 | history | body
//
// with big-endian integers. The key is not part of the value.
func (r *Record) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, HeaderSize+revSize*len(r.History)+len(r.Body))), nil
}

func (r *Record) AppendBinary(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint64(buf, r.Seq)
	buf = binary.BigEndian.AppendUint64(buf, r.DocSeq)
	var flags byte
	if r.Deleted {
		flags |= flagDeleted
	}
	buf = append(buf, flags)
	buf = append(buf, r.Rev[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.History)))
	for _, h := range r.History {
		buf = append(buf, h[:]...)
	}
	return append(buf, r.Body...)
}

// UnmarshalBinary keeps references into data for the body.
func (r *Record) UnmarshalBinary(data []byte) error {
	m, count, err := decodeHeader(data)
	if err != nil {
		return err
	}
	rest := data[HeaderSize:]
	if uint64(len(rest)) < uint64(count)*uint64(revSize) {
		return lounge_errors.Malformed("record history of %d entries in %d bytes", count, len(rest))
	}
	r.Seq, r.DocSeq, r.Deleted, r.Rev = m.Seq, m.DocSeq, m.Deleted, m.Rev
	r.History = make([]rev.ID, count)
	for i := range r.History {
		copy(r.History[i][:], rest[i*revSize:])
	}
	r.Body = rest[int(count)*revSize:]
	return nil
}

// DecodeMeta reads the header only.
func DecodeMeta(data []byte) (Meta, error) {
	m, _, err := decodeHeader(data)
	return m, err
}

func decodeHeader(data []byte) (m Meta, count uint32, err error) {
	if len(data) < HeaderSize {
		return m, 0, lounge_errors.Malformed("record of %d bytes", len(data))
	}
	m.Seq = binary.BigEndian.Uint64(data[0:8])
	m.DocSeq = binary.BigEndian.Uint64(data[8:16])
	m.Deleted = data[16]&flagDeleted != 0
	copy(m.Rev[:], data[17:33])
	count = binary.BigEndian.Uint32(data[33:37])
	return m, count, nil
}
