package rev

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func chain(names ...string) []ID {
	ret := make([]ID, len(names))
	for i, n := range names {
		copy(ret[i][:], n)
	}
	return ret
}

func TestOverlap_Directional(t *testing.T) {
	a := chain("r4", "r3", "r2", "r1")
	b := chain("r6", "r5", "r4", "r3")
	assert.True(t, Overlap(a, b))
	assert.False(t, Overlap(b, a))

	assert.True(t, Overlap(a, a))
	assert.True(t, Overlap(chain("r1"), chain("r3", "r2", "r1")))
	assert.False(t, Overlap(chain("x4", "r3"), b))
	assert.False(t, Overlap(nil, b))
	assert.False(t, Overlap(a, nil))
	// a diverges after the shared head
	assert.False(t, Overlap(chain("r4", "x3"), b))
}

func TestTruncate(t *testing.T) {
	h := chain("a", "b", "c", "d")
	assert.Equal(t, chain("a", "b"), Truncate(h, 2))
	assert.Equal(t, h, Truncate(h, 10))
	assert.Empty(t, Truncate(h, 0))
	assert.Equal(t, 2, Index(h, h[2]))
	assert.False(t, Contains(h, ID{}))
}

func TestRef_Text(t *testing.T) {
	r, err := ParseRef("3-a74c2aa095463ef74e0347049efe665b")
	assert.NoError(t, err)
	assert.Equal(t, uint64(3), r.Gen)
	assert.Equal(t, "3-a74c2aa095463ef74e0347049efe665b", r.String())

	for _, bad := range []string{"", "3", "0-a74c2aa095463ef74e0347049efe665b", "x-a74c",
		"3-a74c2aa095463ef74e0347049efe665", "3-z74c2aa095463ef74e0347049efe665b"} {
		_, err := ParseRef(bad)
		assert.ErrorIs(t, err, ErrBadRevision, bad)
	}

	out, err := json.Marshal(map[string]Ref{"rev": r})
	assert.NoError(t, err)
	assert.Equal(t, `{"rev":"3-a74c2aa095463ef74e0347049efe665b"}`, string(out))
	var back map[string]Ref
	assert.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, r, back["rev"])
}

func TestRevisions(t *testing.T) {
	cur := MustParseID("cfdba98595b58438d4aae7dd26ba561a")
	hist := []ID{MustParseID("a74c2aa095463ef74e0347049efe665b"), MustParseID("13839535feb250d3d8290998b8af17c3")}
	rs := MakeRevisions(3, cur, hist)
	c, err := rs.Chain()
	assert.NoError(t, err)
	assert.Equal(t, append([]ID{cur}, hist...), c)
	head, err := rs.Head()
	assert.NoError(t, err)
	assert.Equal(t, Ref{Gen: 3, ID: cur}, head)

	_, err = Revisions{Start: 1, IDs: rs.IDs}.Chain()
	assert.ErrorIs(t, err, ErrBadRevision)
	_, err = Revisions{Start: 1}.Chain()
	assert.ErrorIs(t, err, ErrBadRevision)
}
