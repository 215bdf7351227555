// Package rev computes and handles document revision ids.
package rev

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ID is the 16-byte content address of one document revision.
type ID [16]byte

var ErrBadRevision = errors.New("rev: malformed revision")

var Zero ID

func (id ID) IsZero() bool { return id == Zero }

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func ParseID(s string) (id ID, err error) {
	if len(s) != 2*len(id) {
		return Zero, fmt.Errorf("%w: %q", ErrBadRevision, s)
	}
	if _, err = hex.Decode(id[:], []byte(s)); err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrBadRevision, s)
	}
	return id, nil
}

func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Ref is a revision id together with its generation, the number of
// revisions in the document's chain up to and including this one.
type Ref struct {
	Gen uint64
	ID  ID
}

// String renders the wire form "<gen>-<hex>".
func (r Ref) String() string {
	return strconv.FormatUint(r.Gen, 10) + "-" + r.ID.String()
}

func (r Ref) IsZero() bool { return r.Gen == 0 && r.ID.IsZero() }

func ParseRef(s string) (Ref, error) {
	gen, id, ok := strings.Cut(s, "-")
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q", ErrBadRevision, s)
	}
	g, err := strconv.ParseUint(gen, 10, 64)
	if err != nil || g == 0 {
		return Ref{}, fmt.Errorf("%w: %q", ErrBadRevision, s)
	}
	i, err := ParseID(id)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Gen: g, ID: i}, nil
}

func (r Ref) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Ref) UnmarshalText(text []byte) (err error) {
	*r, err = ParseRef(string(text))
	return
}

// Revisions is the ancestry list carried next to a fetched document:
// Start is the generation of IDs[0] and every later entry is one
// generation older.
type Revisions struct {
	Start uint64   `json:"start"`
	IDs   []string `json:"ids"`
}

// Chain decodes the list into ids, newest first.
func (rs Revisions) Chain() ([]ID, error) {
	if len(rs.IDs) == 0 {
		return nil, fmt.Errorf("%w: empty ancestry", ErrBadRevision)
	}
	if uint64(len(rs.IDs)) > rs.Start {
		return nil, fmt.Errorf("%w: %d ancestors for generation %d", ErrBadRevision, len(rs.IDs), rs.Start)
	}
	chain := make([]ID, len(rs.IDs))
	for i, s := range rs.IDs {
		id, err := ParseID(s)
		if err != nil {
			return nil, err
		}
		chain[i] = id
	}
	return chain, nil
}

// Head is the newest revision of the list.
func (rs Revisions) Head() (Ref, error) {
	chain, err := rs.Chain()
	if err != nil {
		return Ref{}, err
	}
	return Ref{Gen: rs.Start, ID: chain[0]}, nil
}

// MakeRevisions builds the list for a document at generation gen whose
// current revision is cur and whose older ancestors are history.
func MakeRevisions(gen uint64, cur ID, history []ID) Revisions {
	rs := Revisions{Start: gen, IDs: make([]string, 0, len(history)+1)}
	rs.IDs = append(rs.IDs, cur.String())
	for _, h := range history {
		rs.IDs = append(rs.IDs, h.String())
	}
	return rs
}
