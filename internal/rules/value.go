package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind identifies which member of the Value union is set.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

// Value is a rule operand or a resolved context field. It is a closed union
// over null, string, number, bool and list.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
}

func Null() Value              { return Value{} }
func String(s string) Value    { return Value{kind: KindString, str: s} }
func Number(f float64) Value   { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value        { return Value{kind: KindBool, b: b} }
func List(vs ...Value) Value   { return Value{kind: KindList, list: vs} }
func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) Items() []Value { return v.list }

// Strings builds a list value of string members.
func Strings(ss ...string) Value {
	vs := make([]Value, len(ss))
	for i, s := range ss {
		vs[i] = String(s)
	}
	return List(vs...)
}

// Text renders scalars as text. Lists and null have no text form.
func (v Value) Text() (string, bool) {
	switch v.kind {
	case KindString:
		return v.str, true
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	default:
		return "", false
	}
}

// Float returns the numeric form of numbers and numeric strings.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Empty reports null, blank strings and empty lists.
func (v Value) Empty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return strings.TrimSpace(v.str) == ""
	case KindList:
		return len(v.list) == 0
	default:
		return false
	}
}

// asList widens an operand into list members. A comma separated string is
// split so that "a,b,c" works as an in_list operand.
func (v Value) asList() ([]Value, bool) {
	switch v.kind {
	case KindList:
		return v.list, true
	case KindString:
		parts := strings.Split(v.str, ",")
		out := make([]Value, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, String(p))
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid rule value: %s", data)
	}
	*v = fromResult(gjson.ParseBytes(data))
	return nil
}

func fromResult(r gjson.Result) Value {
	switch r.Type {
	case gjson.String:
		return String(r.Str)
	case gjson.Number:
		return Number(r.Num)
	case gjson.True:
		return Bool(true)
	case gjson.False:
		return Bool(false)
	case gjson.JSON:
		if r.IsArray() {
			items := r.Array()
			vs := make([]Value, len(items))
			for i, item := range items {
				vs[i] = fromResult(item)
			}
			return List(vs...)
		}
		// Objects are not comparable operands; keep the raw text so that
		// contains/regex still have something to look at.
		return String(r.Raw)
	default:
		return Null()
	}
}
