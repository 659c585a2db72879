// Package bencode implements the encoding used by .torrent files and
// tracker responses: a byte string is len:bytes, an integer is i123e,
// a list is l...e and a dictionary is d...e with keys sorted
// lexicographically by their raw bytes.
//
// Unlike a reflection-driven marshaler, this package decodes into an
// explicit four-variant Value tree (ByteString/Integer/List/Dict) and
// requires callers to walk it explicitly. That mirrors the format's own
// shape and lets the metainfo parser retain the exact encoded bytes of
// any sub-value, which it needs to reproduce a torrent's info-hash
// byte-for-byte.
package bencode

import (
	"math/big"
	"sort"
)

// Kind identifies which of the four bencode variants a Value holds.
type Kind int

// Bencode variants.
const (
	ByteString Kind = iota
	Integer
	List
	Dict
)

func (k Kind) String() string {
	switch k {
	case ByteString:
		return "byte string"
	case Integer:
		return "integer"
	case List:
		return "list"
	case Dict:
		return "dict"
	default:
		return "unknown"
	}
}

// Value is a decoded (or programmatically built) bencode value. Exactly
// one of its accessor families is meaningful, selected by Kind.
type Value struct {
	kind Kind

	str  []byte
	num  *big.Int
	list []*Value
	dict map[string]*Value
	keys []string // Dict only; kept sorted

	// raw holds the exact bytes this Value was decoded from. It is nil
	// for values built programmatically via the New* constructors.
	raw []byte
}

// Kind returns v's variant.
func (v *Value) Kind() Kind { return v.kind }

// Raw returns the exact input bytes v was decoded from, and whether v
// was in fact produced by Decode (as opposed to constructed directly).
func (v *Value) Raw() ([]byte, bool) {
	if v.raw == nil {
		return nil, false
	}
	return v.raw, true
}

// NewByteString constructs a ByteString Value.
func NewByteString(b []byte) *Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Value{kind: ByteString, str: cp}
}

// NewString constructs a ByteString Value from a Go string.
func NewString(s string) *Value {
	return NewByteString([]byte(s))
}

// ByteString returns v's byte string and whether v is a ByteString.
func (v *Value) ByteString() ([]byte, bool) {
	if v.kind != ByteString {
		return nil, false
	}
	return v.str, true
}

// NewInteger constructs an Integer Value from an int64.
func NewInteger(n int64) *Value {
	return &Value{kind: Integer, num: big.NewInt(n)}
}

// NewBigInt constructs an Integer Value from an arbitrary-precision int.
func NewBigInt(n *big.Int) *Value {
	return &Value{kind: Integer, num: new(big.Int).Set(n)}
}

// Integer returns v's value as an int64, and whether v is an Integer
// that fits in one. Use BigInt for values outside that range.
func (v *Value) Integer() (int64, bool) {
	if v.kind != Integer || !v.num.IsInt64() {
		return 0, false
	}
	return v.num.Int64(), true
}

// BigInt returns v's value as an arbitrary-precision integer, and
// whether v is an Integer.
func (v *Value) BigInt() (*big.Int, bool) {
	if v.kind != Integer {
		return nil, false
	}
	return v.num, true
}

// NewList constructs a List Value.
func NewList(items ...*Value) *Value {
	return &Value{kind: List, list: items}
}

// List returns v's elements and whether v is a List.
func (v *Value) List() ([]*Value, bool) {
	if v.kind != List {
		return nil, false
	}
	return v.list, true
}

// NewDict constructs an empty Dict Value. Use Set to populate it.
func NewDict() *Value {
	return &Value{kind: Dict, dict: make(map[string]*Value)}
}

// Set inserts or replaces key in a Dict Value, keeping its key order
// sorted. Panics if v is not a Dict.
func (v *Value) Set(key string, val *Value) {
	if v.kind != Dict {
		panic("bencode: Set on non-dict Value")
	}
	if _, exists := v.dict[key]; !exists {
		i := sort.SearchStrings(v.keys, key)
		v.keys = append(v.keys, "")
		copy(v.keys[i+1:], v.keys[i:])
		v.keys[i] = key
	}
	v.dict[key] = val
}

// Get returns the value at key in a Dict Value, and whether it exists.
func (v *Value) Get(key string) (*Value, bool) {
	if v.kind != Dict {
		return nil, false
	}
	val, ok := v.dict[key]
	return val, ok
}

// Dict returns v's backing map and whether v is a Dict. The returned
// map should be read-only; use Set to mutate.
func (v *Value) Dict() (map[string]*Value, bool) {
	if v.kind != Dict {
		return nil, false
	}
	return v.dict, true
}

// DictKeys returns a Dict Value's keys in sorted order.
func (v *Value) DictKeys() []string {
	if v.kind != Dict {
		return nil
	}
	return v.keys
}
