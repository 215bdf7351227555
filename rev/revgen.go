package rev

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Memeo/lounge/codec"
)

// Erlang external term format tags.
const (
	tagVersion    = 131
	tagSmallInt   = 97
	tagInt        = 98
	tagFloat      = 99
	tagAtom       = 100
	tagSmallTuple = 104
	tagNil        = 106
	tagString     = 107
	tagList       = 108
	tagBinary     = 109
	tagSmallBig   = 110
)

const floatLen = 31

// Reserved top-level document fields are metadata and never hashed.
func Reserved(key string) bool {
	return key == "_id" || key == "_rev" || key == "_deleted"
}

// Generate computes the id of the revision that follows prior (generation
// priorGen, nil for a new document). The hash covers the same term CouchDB
// builds for {Deleted, OldStart, OldRev, Body, Atts}, so ids agree with
// CouchDB for documents without attachments.
func Generate(content *codec.Value, priorGen uint64, prior *ID, deleted bool) ID {
	buf := make([]byte, 0, 256)
	buf = append(buf, tagVersion, tagList, 0, 0, 0, 5)
	if deleted {
		buf = appendAtom(buf, "true")
	} else {
		buf = appendAtom(buf, "false")
	}
	buf = appendUint(buf, priorGen)
	if prior == nil {
		buf = append(buf, tagSmallInt, 0)
	} else {
		buf = append(buf, tagBinary, 0, 0, 0, 16)
		buf = append(buf, prior[:]...)
	}
	buf = AppendTerm(buf, content)
	buf = append(buf, tagNil) // attachments
	buf = append(buf, tagNil)
	return md5.Sum(buf)
}

// Next is Generate for the revision that follows ref.
func Next(content *codec.Value, parent Ref, deleted bool) Ref {
	if parent.IsZero() {
		return Ref{Gen: 1, ID: Generate(content, 0, nil, deleted)}
	}
	return Ref{Gen: parent.Gen + 1, ID: Generate(content, parent.Gen, &parent.ID, deleted)}
}

// AppendTerm appends the term encoding of one document value.
func AppendTerm(buf []byte, v *codec.Value) []byte {
	switch v.Kind() {
	case codec.Null:
		return appendAtom(buf, "null")
	case codec.True:
		return appendAtom(buf, "true")
	case codec.False:
		return appendAtom(buf, "false")
	case codec.Integer:
		return appendInt(buf, v.Int())
	case codec.Real:
		s := fmt.Sprintf("%.20e", v.Real())
		buf = append(buf, tagFloat)
		buf = append(buf, s...)
		for i := len(s); i < floatLen; i++ {
			buf = append(buf, 0)
		}
		return buf
	case codec.String:
		s := v.Str()
		buf = append(buf, tagBinary)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
		return append(buf, s...)
	case codec.Array:
		return appendArray(buf, v.Items())
	case codec.Object:
		return appendObject(buf, v)
	}
	return buf
}

func appendAtom(buf []byte, name string) []byte {
	buf = append(buf, tagAtom)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	return append(buf, name...)
}

func appendInt(buf []byte, i int64) []byte {
	switch {
	case i >= 0 && i <= 255:
		return append(buf, tagSmallInt, byte(i))
	case i >= math.MinInt32 && i <= math.MaxInt32:
		buf = append(buf, tagInt)
		return binary.BigEndian.AppendUint32(buf, uint32(int32(i)))
	case i < 0:
		return appendBig(buf, 1, uint64(-(i+1))+1)
	default:
		return appendBig(buf, 0, uint64(i))
	}
}

func appendUint(buf []byte, u uint64) []byte {
	if u <= math.MaxInt32 {
		return appendInt(buf, int64(u))
	}
	return appendBig(buf, 0, u)
}

func appendBig(buf []byte, sign byte, mag uint64) []byte {
	at := len(buf)
	buf = append(buf, tagSmallBig, 0, sign)
	n := byte(0)
	for ; mag > 0; mag >>= 8 {
		buf = append(buf, byte(mag))
		n++
	}
	buf[at+1] = n
	return buf
}

func appendArray(buf []byte, items []*codec.Value) []byte {
	if len(items) == 0 {
		return append(buf, tagNil)
	}
	if len(items) < 65536 && bytesOnly(items) {
		buf = append(buf, tagString)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(items)))
		for _, it := range items {
			buf = append(buf, byte(it.Int()))
		}
		return buf
	}
	buf = append(buf, tagList)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(items)))
	for _, it := range items {
		buf = AppendTerm(buf, it)
	}
	return append(buf, tagNil)
}

// bytesOnly: Erlang prints a list of small integers as a string.
func bytesOnly(items []*codec.Value) bool {
	for _, it := range items {
		if it.Kind() != codec.Integer || it.Int() < 0 || it.Int() > 255 {
			return false
		}
	}
	return true
}

func appendObject(buf []byte, obj *codec.Value) []byte {
	buf = append(buf, tagSmallTuple, 1)
	count := 0
	for _, f := range obj.Fields() {
		if !Reserved(f.Key) {
			count++
		}
	}
	if count > 0 {
		buf = append(buf, tagList)
		buf = binary.BigEndian.AppendUint32(buf, uint32(count))
		for _, f := range obj.Fields() {
			if Reserved(f.Key) {
				continue
			}
			buf = append(buf, tagSmallTuple, 2, tagBinary)
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Key)))
			buf = append(buf, f.Key...)
			buf = AppendTerm(buf, f.Value)
		}
	}
	return append(buf, tagNil)
}
