// Package codec holds the document value model: a tree of null, booleans,
// integers, reals, strings, arrays and objects whose fields keep their
// insertion order. Revision ids are computed over that order, so it must
// survive a decode/encode round trip.
package codec

import (
	"math"
)

type Kind byte

const (
	Null Kind = iota
	False
	True
	Integer
	Real
	String
	Array
	Object
)

func (k Kind) String() string {
	return []string{"null", "false", "true", "integer", "real", "string", "array", "object"}[k]
}

type Field struct {
	Key   string
	Value *Value
}

type Value struct {
	kind   Kind
	i      int64
	r      float64
	s      string
	items  []*Value
	fields []Field
}

var null = &Value{kind: Null}

func NewNull() *Value { return null }

func NewBool(b bool) *Value {
	if b {
		return &Value{kind: True}
	}
	return &Value{kind: False}
}

func NewInt(i int64) *Value { return &Value{kind: Integer, i: i} }

func NewReal(r float64) *Value { return &Value{kind: Real, r: r} }

func NewString(s string) *Value { return &Value{kind: String, s: s} }

func NewArray(items ...*Value) *Value {
	return &Value{kind: Array, items: append([]*Value(nil), items...)}
}

func NewObject(fields ...Field) *Value {
	o := &Value{kind: Object}
	for _, f := range fields {
		o.Set(f.Key, f.Value)
	}
	return o
}

func (v *Value) Kind() Kind {
	if v == nil {
		return Null
	}
	return v.kind
}

func (v *Value) IsNull() bool   { return v.Kind() == Null }
func (v *Value) IsBool() bool   { return v.Kind() == True || v.Kind() == False }
func (v *Value) IsObject() bool { return v.Kind() == Object }
func (v *Value) IsArray() bool  { return v.Kind() == Array }

func (v *Value) Bool() bool { return v.Kind() == True }

// Int returns the integer value; reals are truncated.
func (v *Value) Int() int64 {
	switch v.Kind() {
	case Integer:
		return v.i
	case Real:
		return int64(v.r)
	}
	return 0
}

func (v *Value) Real() float64 {
	switch v.Kind() {
	case Integer:
		return float64(v.i)
	case Real:
		return v.r
	}
	return math.NaN()
}

func (v *Value) Str() string {
	if v.Kind() != String {
		return ""
	}
	return v.s
}

// Len is the element count of an array, the field count of an object and
// the byte length of a string.
func (v *Value) Len() int {
	switch v.Kind() {
	case Array:
		return len(v.items)
	case Object:
		return len(v.fields)
	case String:
		return len(v.s)
	}
	return 0
}

func (v *Value) Index(i int) *Value {
	if v.Kind() != Array || i < 0 || i >= len(v.items) {
		return nil
	}
	return v.items[i]
}

func (v *Value) Append(items ...*Value) {
	if v.Kind() != Array {
		return
	}
	v.items = append(v.items, items...)
}

func (v *Value) Items() []*Value {
	if v.Kind() != Array {
		return nil
	}
	return v.items
}

func (v *Value) Get(key string) (*Value, bool) {
	if v.Kind() != Object {
		return nil, false
	}
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

func (v *Value) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Set replaces the value of an existing field in place, keeping its
// position, or appends a new field at the end.
func (v *Value) Set(key string, val *Value) {
	if v.Kind() != Object {
		return
	}
	if val == nil {
		val = null
	}
	for i := range v.fields {
		if v.fields[i].Key == key {
			v.fields[i].Value = val
			return
		}
	}
	v.fields = append(v.fields, Field{Key: key, Value: val})
}

func (v *Value) Delete(key string) bool {
	if v.Kind() != Object {
		return false
	}
	for i := range v.fields {
		if v.fields[i].Key == key {
			v.fields = append(v.fields[:i], v.fields[i+1:]...)
			return true
		}
	}
	return false
}

// Fields lists object fields in iteration (insertion) order.
func (v *Value) Fields() []Field {
	if v.Kind() != Object {
		return nil
	}
	return v.fields
}

func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	c := *v
	if v.items != nil {
		c.items = make([]*Value, len(v.items))
		for i, it := range v.items {
			c.items[i] = it.Clone()
		}
	}
	if v.fields != nil {
		c.fields = make([]Field, len(v.fields))
		for i, f := range v.fields {
			c.fields[i] = Field{Key: f.Key, Value: f.Value.Clone()}
		}
	}
	return &c
}

// Equal compares structurally. Object fields are compared as sets, so two
// objects holding the same fields in a different order are equal even though
// they hash to different revisions.
func (v *Value) Equal(o *Value) bool {
	if v.Kind() != o.Kind() {
		return false
	}
	switch v.Kind() {
	case Null, True, False:
		return true
	case Integer:
		return v.i == o.i
	case Real:
		return v.r == o.r
	case String:
		return v.s == o.s
	case Array:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case Object:
		if len(v.fields) != len(o.fields) {
			return false
		}
		for _, f := range v.fields {
			of, ok := o.Get(f.Key)
			if !ok || !f.Value.Equal(of) {
				return false
			}
		}
		return true
	}
	return false
}
