package replication

import (
	"testing"

	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/rev"
	"github.com/stretchr/testify/assert"
)

const (
	revA = "a74c2aa095463ef74e0347049efe665b"
	revB = "13839535feb250d3d8290998b8af17c3"
)

func TestDecodeFeed(t *testing.T) {
	feed, err := DecodeFeed([]byte(`{"results":[
		{"seq":"12-g1AAAA","id":"one","changes":[{"rev":"2-` + revA + `"}]},
		{"seq":13,"id":"two","changes":[{"rev":"1-` + revB + `"}],"deleted":true},
		{"seq":14,"changes":[{"rev":"1-` + revB + `"}]},
		{"seq":15,"id":"bad","changes":[{"rev":"nonsense"}]},
		{"seq":16,"id":"empty","changes":[]},
		"junk"
	],"last_seq":"16-g1AAAA"}`))
	assert.NoError(t, err)
	assert.Equal(t, "16-g1AAAA", feed.LastSeq)
	assert.Len(t, feed.Results, 6)

	assert.Equal(t, "12-g1AAAA", feed.Results[0].Seq)
	assert.Equal(t, "one", feed.Results[0].ID)
	assert.Equal(t, rev.Ref{Gen: 2, ID: rev.MustParseID(revA)}, feed.Results[0].Rev)
	assert.NoError(t, feed.Results[0].Err)

	assert.Equal(t, "13", feed.Results[1].Seq)
	assert.True(t, feed.Results[1].Deleted)

	for _, c := range feed.Results[2:] {
		assert.ErrorIs(t, c.Err, lounge_errors.ErrMalformed)
	}
	assert.Equal(t, "15", feed.Results[3].Seq)

	_, err = DecodeFeed([]byte(`{"last_seq":1}`))
	assert.ErrorIs(t, err, lounge_errors.ErrMalformed)
	_, err = DecodeFeed([]byte(`[`))
	assert.ErrorIs(t, err, lounge_errors.ErrMalformed)
}

func TestDecodeDoc(t *testing.T) {
	doc, err := DecodeDoc("k", []byte(`{"_id":"k","_rev":"2-`+revA+`","z":1,"a":{"_id":"kept"},`+
		`"_revisions":{"start":2,"ids":["`+revA+`","`+revB+`"]}}`))
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), doc.Rev.Gen)
	assert.False(t, doc.Deleted)
	assert.Equal(t, []rev.ID{rev.MustParseID(revA), rev.MustParseID(revB)}, doc.Chain())
	assert.Equal(t, `{"z":1,"a":{"_id":"kept"}}`, doc.Body.String())

	doc, err = DecodeDoc("k", []byte(`{"_id":"k","_rev":"1-`+revB+`","_deleted":true,"_revisions":{"start":1,"ids":["`+revB+`"]}}`))
	assert.NoError(t, err)
	assert.True(t, doc.Deleted)

	for name, body := range map[string]string{
		"not json":     `{`,
		"array":        `[]`,
		"other id":     `{"_id":"x","_rev":"1-` + revB + `","_revisions":{"start":1,"ids":["` + revB + `"]}}`,
		"no rev":       `{"_id":"k","_revisions":{"start":1,"ids":["` + revB + `"]}}`,
		"bad rev":      `{"_rev":"1-xyz","_revisions":{"start":1,"ids":["` + revB + `"]}}`,
		"no revisions": `{"_rev":"1-` + revB + `"}`,
		"head differs": `{"_rev":"2-` + revA + `","_revisions":{"start":2,"ids":["` + revB + `"]}}`,
		"too long":     `{"_rev":"1-` + revA + `","_revisions":{"start":1,"ids":["` + revA + `","` + revB + `"]}}`,
		"bad ids":      `{"_rev":"1-` + revA + `","_revisions":{"start":1,"ids":"` + revA + `"}}`,
	} {
		_, err := DecodeDoc("k", []byte(body))
		assert.ErrorIs(t, err, lounge_errors.ErrMalformed, name)
	}
}
