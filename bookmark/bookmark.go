// Package bookmark implements the ordered progress marker stored per stream.
package bookmark

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"
)

type Kind int

const (
	KindNone Kind = iota
	KindInteger
	KindNumber
	KindTime
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInteger:
		return "integer"
	case KindNumber:
		return "number"
	case KindTime:
		return "timestamp"
	case KindString:
		return "string"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var ErrIncomparable = errors.New("bookmark values are not comparable")

// Value is an ordered scalar: an integer, a number, an RFC3339 timestamp or a
// plain string. The zero Value means no bookmark has been recorded yet.
type Value struct {
	kind Kind
	i    int64
	f    float64
	t    time.Time
	s    string
}

func Int(i int64) Value { return Value{kind: KindInteger, i: i} }

func Number(f float64) Value { return Value{kind: KindNumber, f: f} }

func Time(t time.Time) Value {
	t = t.UTC().Round(0)
	return Value{kind: KindTime, t: t, s: t.Format(time.RFC3339Nano)}
}

// String returns a string-valued bookmark, promoting RFC3339 text to a
// timestamp so that differing offsets still order correctly.
func String(s string) Value {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Value{kind: KindTime, t: t.UTC().Round(0), s: s}
	}
	return Value{kind: KindString, s: s}
}

// FromInterface converts a decoded record field into a Value.
func FromInterface(v interface{}) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Value{}, fmt.Errorf("nil replication key value")
	case Value:
		return x, nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return fromUint(uint64(x))
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		return fromUint(x)
	case float32:
		return Number(float64(x)), nil
	case float64:
		if math.IsNaN(x) {
			return Value{}, fmt.Errorf("NaN replication key value")
		}
		return Number(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid numeric replication key %q: %w", x, err)
		}
		return Number(f), nil
	case string:
		return String(x), nil
	case []byte:
		return String(string(x)), nil
	case time.Time:
		return Time(x), nil
	}
	return Value{}, fmt.Errorf("unsupported replication key type %T", v)
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, fmt.Errorf("replication key %d overflows int64", u)
	}
	return Int(int64(u)), nil
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsZero() bool { return v.kind == KindNone }

// Interface returns the value in a form suitable as a query parameter.
// Timestamps are returned as their RFC3339 text.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindNumber:
		return v.f
	case KindTime, KindString:
		return v.s
	}
	return nil
}

// Time returns the instant held by a timestamp bookmark.
func (v Value) Time() (time.Time, bool) {
	return v.t, v.kind == KindTime
}

func (v Value) String() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindNumber:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindTime, KindString:
		return v.s
	}
	return "<none>"
}

// Compare returns -1, 0 or +1. The zero Value sorts before everything else.
// Integers and numbers compare numerically; any other kind mismatch returns
// ErrIncomparable.
func Compare(a, b Value) (int, error) {
	switch {
	case a.kind == KindNone && b.kind == KindNone:
		return 0, nil
	case a.kind == KindNone:
		return -1, nil
	case b.kind == KindNone:
		return 1, nil
	}

	if a.numeric() && b.numeric() {
		switch {
		case a.kind == KindInteger && b.kind == KindInteger:
			return cmpInt(a.i, b.i), nil
		case a.kind == KindNumber && b.kind == KindNumber:
			return cmpFloat(a.f, b.f), nil
		}
		// mixed kinds compare exactly; int64 beyond 2^53 loses precision as float64
		return a.bigFloat().Cmp(b.bigFloat()), nil
	}
	if a.kind != b.kind {
		return 0, fmt.Errorf("%w: %s %q vs %s %q", ErrIncomparable, a.kind, a, b.kind, b)
	}
	switch a.kind {
	case KindTime:
		return a.t.Compare(b.t), nil
	case KindString:
		switch {
		case a.s < b.s:
			return -1, nil
		case a.s > b.s:
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: kind %s", ErrIncomparable, a.kind)
}

// Max returns the greater of a and b, or a if they cannot be compared.
func Max(a, b Value) Value {
	if c, err := Compare(a, b); err == nil && c < 0 {
		return b
	}
	return a
}

func (v Value) numeric() bool { return v.kind == KindInteger || v.kind == KindNumber }

func (v Value) bigFloat() *big.Float {
	if v.kind == KindInteger {
		return new(big.Float).SetInt64(v.i)
	}
	if math.IsNaN(v.f) {
		return new(big.Float)
	}
	return big.NewFloat(v.f)
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNone:
		return []byte("null"), nil
	case KindInteger:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindNumber:
		// integral numbers keep a fraction so they decode back as numbers
		if v.f == math.Trunc(v.f) && math.Abs(v.f) < 1e21 {
			return []byte(strconv.FormatFloat(v.f, 'f', 1, 64)), nil
		}
		return json.Marshal(v.f)
	}
	return json.Marshal(v.s)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("error decoding bookmark: %w", err)
	}
	if raw == nil {
		*v = Value{}
		return nil
	}
	parsed, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
