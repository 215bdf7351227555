package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Codec turns document values into bytes and back. Encoding is canonical:
// equal trees with equal field order produce equal bytes.
type Codec interface {
	Name() string
	Encode(v *Value) ([]byte, error)
	Decode(data []byte) (*Value, error)
}

var ErrBadJSON = errors.New("codec: bad JSON document")
var ErrNotFinite = errors.New("codec: non-finite real")

type JSON struct{}

var _ Codec = JSON{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(v *Value) ([]byte, error) {
	return AppendJSON(nil, v)
}

func (JSON) Decode(data []byte) (*Value, error) {
	return ParseJSON(data)
}

func ParseJSON(data []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := readValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrBadJSON)
	}
	return v, nil
}

// MustParseJSON is for literals in tests and examples.
func MustParseJSON(s string) *Value {
	v, err := ParseJSON([]byte(s))
	if err != nil {
		panic(err)
	}
	return v
}

func readValue(dec *json.Decoder) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty input", ErrBadJSON)
		}
		return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}
	return readToken(dec, tok)
}

func readToken(dec *json.Decoder, tok json.Token) (*Value, error) {
	switch t := tok.(type) {
	case nil:
		return NewNull(), nil
	case bool:
		return NewBool(t), nil
	case string:
		return NewString(t), nil
	case json.Number:
		return parseNumber(t)
	case json.Delim:
		switch t {
		case '[':
			arr := NewArray()
			for dec.More() {
				item, err := readValue(dec)
				if err != nil {
					return nil, err
				}
				arr.items = append(arr.items, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
			}
			return arr, nil
		case '{':
			obj := NewObject()
			for dec.More() {
				ktok, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
				}
				key, ok := ktok.(string)
				if !ok {
					return nil, fmt.Errorf("%w: object key %v", ErrBadJSON, ktok)
				}
				val, err := readValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
			}
			return obj, nil
		}
	}
	return nil, fmt.Errorf("%w: unexpected token %v", ErrBadJSON, tok)
}

func parseNumber(n json.Number) (*Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return NewInt(i), nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("%w: number %s", ErrBadJSON, s)
	}
	return NewReal(f), nil
}

func AppendJSON(buf []byte, v *Value) ([]byte, error) {
	var err error
	switch v.Kind() {
	case Null:
		buf = append(buf, "null"...)
	case True:
		buf = append(buf, "true"...)
	case False:
		buf = append(buf, "false"...)
	case Integer:
		buf = strconv.AppendInt(buf, v.i, 10)
	case Real:
		if math.IsNaN(v.r) || math.IsInf(v.r, 0) {
			return nil, ErrNotFinite
		}
		start := len(buf)
		buf = strconv.AppendFloat(buf, v.r, 'g', -1, 64)
		if !bytes.ContainsAny(buf[start:], ".eE") {
			buf = append(buf, ".0"...)
		}
	case String:
		buf = appendString(buf, v.s)
	case Array:
		buf = append(buf, '[')
		for i, item := range v.items {
			if i > 0 {
				buf = append(buf, ',')
			}
			if buf, err = AppendJSON(buf, item); err != nil {
				return nil, err
			}
		}
		buf = append(buf, ']')
	case Object:
		buf = append(buf, '{')
		for i, f := range v.fields {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, f.Key)
			buf = append(buf, ':')
			if buf, err = AppendJSON(buf, f.Value); err != nil {
				return nil, err
			}
		}
		buf = append(buf, '}')
	}
	return buf, nil
}

const hexDigits = "0123456789abcdef"

func appendString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		switch {
		case r == '"' || r == '\\':
			buf = append(buf, '\\', byte(r))
		case r == '\n':
			buf = append(buf, '\\', 'n')
		case r == '\r':
			buf = append(buf, '\\', 'r')
		case r == '\t':
			buf = append(buf, '\\', 't')
		case r < 0x20:
			buf = append(buf, '\\', 'u', '0', '0', hexDigits[r>>4], hexDigits[r&0xf])
		default:
			buf = utf8.AppendRune(buf, r)
		}
	}
	return append(buf, '"')
}

// MarshalJSON lets values nest inside encoding/json structures such as the
// replication wire messages.
func (v *Value) MarshalJSON() ([]byte, error) {
	return AppendJSON(nil, v)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseJSON(data)
	if err != nil {
		return err
	}
	*v = *parsed
	return nil
}

func (v *Value) String() string {
	buf, err := AppendJSON(nil, v)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(buf)
}
