package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValue_ObjectOrder(t *testing.T) {
	obj := NewObject()
	obj.Set("b", NewInt(1))
	obj.Set("a", NewString("x"))
	obj.Set("c", NewBool(true))
	obj.Set("b", NewInt(2))

	keys := []string{}
	for _, f := range obj.Fields() {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"b", "a", "c"}, keys)
	b, ok := obj.Get("b")
	assert.True(t, ok)
	assert.Equal(t, int64(2), b.Int())

	assert.True(t, obj.Delete("a"))
	assert.False(t, obj.Delete("a"))
	assert.False(t, obj.Has("a"))
	assert.Equal(t, 2, obj.Len())
}

func TestValue_Kinds(t *testing.T) {
	var nilv *Value
	assert.True(t, nilv.IsNull())
	assert.Equal(t, Null, NewNull().Kind())
	assert.True(t, NewBool(false).IsBool())
	assert.False(t, NewBool(false).Bool())
	assert.Equal(t, "real", NewReal(1.5).Kind().String())
	assert.Equal(t, 1.5, NewReal(1.5).Real())
	assert.Equal(t, int64(1), NewReal(1.5).Int())
	assert.Equal(t, "", NewInt(3).Str())

	arr := NewArray(NewInt(1))
	arr.Append(NewInt(2), NewInt(3))
	assert.Equal(t, 3, arr.Len())
	assert.Equal(t, int64(3), arr.Index(2).Int())
	assert.Nil(t, arr.Index(3))

	// mutators are no-ops on the wrong kind
	s := NewString("s")
	s.Set("k", NewInt(1))
	s.Append(NewInt(1))
	assert.Equal(t, 1, s.Len())
}

func TestValue_CloneAndEqual(t *testing.T) {
	a := MustParseJSON(`{"x":[1,{"y":null}],"z":"q"}`)
	b := a.Clone()
	assert.True(t, a.Equal(b))

	inner, _ := b.Get("x")
	inner.Append(NewInt(9))
	assert.False(t, a.Equal(b))

	c := MustParseJSON(`{"z":"q","x":[1,{"y":null}]}`)
	assert.True(t, a.Equal(c))
	assert.False(t, NewInt(1).Equal(NewReal(1)))
}
