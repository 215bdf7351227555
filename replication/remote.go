// Package replication pulls documents from a remote change feed into a
// local database, reconciling diverged revision chains.
package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"

	"github.com/Memeo/lounge"
	"github.com/Memeo/lounge/codec"
	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/rev"
)

// Remote is the source side of a pull.
type Remote interface {
	// ID names the source stably across runs; checkpoints are keyed on it.
	ID() string
	// Changes lists at most limit of the source's changes after the since
	// checkpoint, which is empty for the beginning of time. A limit of zero
	// lists all of them. When a page is cut short LastSeq is the sequence
	// of its last row.
	Changes(ctx context.Context, since string, filter string, limit int) (*Feed, error)
	// Fetch returns the document at r, or a later revision of it, together
	// with its ancestry.
	Fetch(ctx context.Context, key string, r rev.Ref) (*RemoteDoc, error)
}

type Feed struct {
	Results []Change
	LastSeq string
}

// Change is one row of a remote change feed. Err is set for a row that
// could not be parsed; Seq and ID are filled in as far as they could be.
type Change struct {
	Seq     string
	ID      string
	Rev     rev.Ref
	Deleted bool
	Err     error
}

type RemoteDoc struct {
	Key       string
	Rev       rev.Ref
	Deleted   bool
	Revisions rev.Revisions
	Body      *codec.Value
}

// Chain is the fetched revision followed by its ancestors.
func (d *RemoteDoc) Chain() []rev.ID {
	chain, _ := d.Revisions.Chain()
	return chain
}

type wireRev struct {
	Rev string `json:"rev"`
}

type wireChange struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Changes []wireRev       `json:"changes"`
	Deleted bool            `json:"deleted,omitempty"`
}

type wireFeed struct {
	Results []json.RawMessage `json:"results"`
	LastSeq json.RawMessage   `json:"last_seq"`
}

// seqText turns a JSON sequence, a number or a string, into the opaque
// checkpoint form.
func seqText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// DecodeFeed parses a CouchDB style change feed. A broken row becomes a
// Change with Err set; a broken envelope fails as a whole.
func DecodeFeed(data []byte) (*Feed, error) {
	var wf wireFeed
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, lounge_errors.Malformed("change feed: %v", err)
	}
	if wf.Results == nil {
		return nil, lounge_errors.Malformed("change feed without results")
	}
	feed := &Feed{LastSeq: seqText(wf.LastSeq), Results: make([]Change, 0, len(wf.Results))}
	for _, raw := range wf.Results {
		feed.Results = append(feed.Results, decodeChange(raw))
	}
	return feed, nil
}

func decodeChange(raw json.RawMessage) (c Change) {
	var wc wireChange
	if err := json.Unmarshal(raw, &wc); err != nil {
		c.Err = lounge_errors.Malformed("change row: %v", err)
		return
	}
	c.Seq, c.ID, c.Deleted = seqText(wc.Seq), wc.ID, wc.Deleted
	switch {
	case c.ID == "":
		c.Err = lounge_errors.Malformed("change row without id")
	case len(wc.Changes) == 0:
		c.Err = lounge_errors.Malformed("change row %q without revisions", c.ID)
	default:
		r, err := rev.ParseRef(wc.Changes[0].Rev)
		if err != nil {
			c.Err = lounge_errors.Malformed("change row %q: %v", c.ID, err)
		}
		c.Rev = r
	}
	return
}

func EncodeFeed(changes []lounge.Change, lastSeq uint64) ([]byte, error) {
	type out struct {
		Results []wireChange `json:"results"`
		LastSeq uint64       `json:"last_seq"`
	}
	o := out{Results: make([]wireChange, 0, len(changes)), LastSeq: lastSeq}
	for _, c := range changes {
		o.Results = append(o.Results, wireChange{
			Seq:     json.RawMessage(strconv.FormatUint(c.Seq, 10)),
			ID:      c.Key,
			Changes: []wireRev{{Rev: c.Rev.String()}},
			Deleted: c.Deleted,
		})
	}
	return json.Marshal(o)
}

// DecodeDoc parses a document fetched with revs=true. The metadata fields
// are lifted out of the body.
func DecodeDoc(key string, data []byte) (*RemoteDoc, error) {
	body, err := codec.ParseJSON(data)
	if err != nil {
		return nil, lounge_errors.Malformed("document %q: %v", key, err)
	}
	if !body.IsObject() {
		return nil, lounge_errors.Malformed("document %q is a %s", key, body.Kind())
	}
	doc := &RemoteDoc{Key: key}
	if id, ok := body.Get("_id"); ok && id.Str() != "" && id.Str() != key {
		return nil, lounge_errors.Malformed("document %q carries _id %q", key, id.Str())
	}
	rv, ok := body.Get("_rev")
	if !ok {
		return nil, lounge_errors.Malformed("document %q without _rev", key)
	}
	if doc.Rev, err = rev.ParseRef(rv.Str()); err != nil {
		return nil, lounge_errors.Malformed("document %q: %v", key, err)
	}
	if del, ok := body.Get("_deleted"); ok {
		doc.Deleted = del.Bool()
	}
	revs, ok := body.Get("_revisions")
	if !ok {
		return nil, lounge_errors.Malformed("document %q without _revisions", key)
	}
	raw, _ := revs.MarshalJSON()
	if err := json.Unmarshal(raw, &doc.Revisions); err != nil {
		return nil, lounge_errors.Malformed("document %q _revisions: %v", key, err)
	}
	head, err := doc.Revisions.Head()
	if err != nil {
		return nil, lounge_errors.Malformed("document %q: %v", key, err)
	}
	if head != doc.Rev {
		return nil, lounge_errors.Malformed("document %q: _rev %s is not the head of _revisions", key, doc.Rev)
	}
	for _, f := range []string{"_id", "_rev", "_deleted", "_revisions"} {
		body.Delete(f)
	}
	doc.Body = body
	return doc, nil
}

// EncodeDoc renders a document the way DecodeDoc expects it.
func EncodeDoc(doc *lounge.Document) ([]byte, error) {
	out := codec.NewObject(
		codec.Field{Key: "_id", Value: codec.NewString(doc.Key)},
		codec.Field{Key: "_rev", Value: codec.NewString(doc.Rev.String())},
	)
	if doc.Deleted {
		out.Set("_deleted", codec.NewBool(true))
	}
	for _, f := range doc.Body.Fields() {
		out.Set(f.Key, f.Value)
	}
	revs := doc.Revisions()
	ids := codec.NewArray()
	for _, id := range revs.IDs {
		ids.Append(codec.NewString(id))
	}
	out.Set("_revisions", codec.NewObject(
		codec.Field{Key: "start", Value: codec.NewInt(int64(revs.Start))},
		codec.Field{Key: "ids", Value: ids},
	))
	return codec.AppendJSON(nil, out)
}
