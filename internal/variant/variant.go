// Package variant implements the tagged value type used for every on-disk
// and on-wire record in metricsrecorderd: event payloads, aggregate keys,
// tally entries, and upload bodies. It plays the role the source's
// GVariant-based hierarchy plays in the C daemon, generalized into a plain
// Go value enum per SPEC_FULL.md §9.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package variant

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies the variant stored in a Value.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindUint
	KindBool
	KindString
	KindBytes
	KindUUID
	KindArray
	KindTuple
	KindMaybe
)

var kindTags = map[Kind]string{
	KindInt:    "i",
	KindUint:   "u",
	KindBool:   "b",
	KindString: "s",
	KindBytes:  "y",
	KindUUID:   "x",
	KindArray:  "a",
	KindTuple:  "t",
	KindMaybe:  "m",
}

// Value is a tagged union mirroring the variant types named in SPEC_FULL.md
// §3's data model (singular/aggregate event payloads, aggregate keys).
type Value struct {
	Kind  Kind
	Int   int64
	Uint  uint64
	Bool  bool
	Str   string
	Bytes []byte
	UUID  uuid.UUID
	Items []Value // Array elements or Tuple members
	Inner *Value  // Maybe payload; nil means "nothing"
}

func Int(v int64) Value    { return Value{Kind: KindInt, Int: v} }
func Uint(v uint64) Value  { return Value{Kind: KindUint, Uint: v} }
func Bool(v bool) Value    { return Value{Kind: KindBool, Bool: v} }
func String(v string) Value { return Value{Kind: KindString, Str: v} }
func Bytes(v []byte) Value { return Value{Kind: KindBytes, Bytes: v} }
func UUID(v uuid.UUID) Value { return Value{Kind: KindUUID, UUID: v} }
func Array(items ...Value) Value { return Value{Kind: KindArray, Items: items} }
func Tuple(items ...Value) Value { return Value{Kind: KindTuple, Items: items} }

// Nothing returns an absent Maybe value.
func Nothing() Value { return Value{Kind: KindMaybe, Inner: nil} }

// Just wraps v in a present Maybe value.
func Just(v Value) Value { return Value{Kind: KindMaybe, Inner: &v} }

// typeTag returns the canonical type-tag string used by Cost,
// recursing into container kinds so two structurally different values never
// share a tag.
func (v Value) typeTag() string {
	switch v.Kind {
	case KindArray:
		if len(v.Items) == 0 {
			return "a?"
		}
		return "a" + v.Items[0].typeTag()
	case KindTuple:
		tag := "("
		for _, it := range v.Items {
			tag += it.typeTag()
		}
		return tag + ")"
	case KindMaybe:
		if v.Inner == nil {
			return "m?"
		}
		return "m" + v.Inner.typeTag()
	default:
		return kindTags[v.Kind]
	}
}

// Cost returns len(type_tag) + 1 + len(serialized_bytes), the quantity
// SPEC_FULL.md §4.3 uses to drive max_bytes_buffered and read budgets.
func (v Value) Cost() int {
	return len(v.typeTag()) + 1 + len(v.Encode())
}

// Encode serializes v to its canonical little-endian normal form.
func (v Value) Encode() []byte {
	buf := make([]byte, 0, 32)
	return v.appendEncoded(buf)
}

func (v Value) appendEncoded(buf []byte) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case KindInt:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.Int))
		return append(buf, tmp[:]...)
	case KindUint:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v.Uint)
		return append(buf, tmp[:]...)
	case KindBool:
		if v.Bool {
			return append(buf, 1)
		}
		return append(buf, 0)
	case KindString:
		return appendLenPrefixed(buf, []byte(v.Str))
	case KindBytes:
		return appendLenPrefixed(buf, v.Bytes)
	case KindUUID:
		return append(buf, v.UUID[:]...)
	case KindArray, KindTuple:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(v.Items)))
		buf = append(buf, tmp[:]...)
		for _, it := range v.Items {
			buf = it.appendEncoded(buf)
		}
		return buf
	case KindMaybe:
		if v.Inner == nil {
			return append(buf, 0)
		}
		buf = append(buf, 1)
		return v.Inner.appendEncoded(buf)
	default:
		panic(fmt.Sprintf("variant: unknown kind %d", v.Kind))
	}
}

func appendLenPrefixed(buf, payload []byte) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(len(payload)))
	buf = append(buf, tmp[:]...)
	return append(buf, payload...)
}

// Decode parses a value from b, returning the value and the number of bytes
// consumed. It is the parallel parser to Encode called for in SPEC_FULL.md
// §9's design notes.
func Decode(b []byte) (Value, int, error) {
	if len(b) < 1 {
		return Value{}, 0, fmt.Errorf("variant: empty buffer")
	}
	kind := Kind(b[0])
	rest := b[1:]
	switch kind {
	case KindInt:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("variant: truncated int")
		}
		return Value{Kind: KindInt, Int: int64(binary.LittleEndian.Uint64(rest[:8]))}, 9, nil
	case KindUint:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("variant: truncated uint")
		}
		return Value{Kind: KindUint, Uint: binary.LittleEndian.Uint64(rest[:8])}, 9, nil
	case KindBool:
		if len(rest) < 1 {
			return Value{}, 0, fmt.Errorf("variant: truncated bool")
		}
		return Value{Kind: KindBool, Bool: rest[0] != 0}, 2, nil
	case KindString:
		payload, n, err := decodeLenPrefixed(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindString, Str: string(payload)}, 1 + n, nil
	case KindBytes:
		payload, n, err := decodeLenPrefixed(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindBytes, Bytes: payload}, 1 + n, nil
	case KindUUID:
		if len(rest) < 16 {
			return Value{}, 0, fmt.Errorf("variant: truncated uuid")
		}
		var id uuid.UUID
		copy(id[:], rest[:16])
		return Value{Kind: KindUUID, UUID: id}, 17, nil
	case KindArray, KindTuple:
		if len(rest) < 4 {
			return Value{}, 0, fmt.Errorf("variant: truncated container length")
		}
		count := binary.LittleEndian.Uint32(rest[:4])
		consumed := 5
		cursor := rest[4:]
		items := make([]Value, 0, count)
		for i := uint32(0); i < count; i++ {
			item, n, err := Decode(cursor)
			if err != nil {
				return Value{}, 0, err
			}
			items = append(items, item)
			cursor = cursor[n:]
			consumed += n
		}
		return Value{Kind: kind, Items: items}, consumed, nil
	case KindMaybe:
		if len(rest) < 1 {
			return Value{}, 0, fmt.Errorf("variant: truncated maybe")
		}
		if rest[0] == 0 {
			return Value{Kind: KindMaybe}, 2, nil
		}
		inner, n, err := Decode(rest[1:])
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindMaybe, Inner: &inner}, 2 + n, nil
	default:
		return Value{}, 0, fmt.Errorf("variant: unknown kind tag %d", kind)
	}
}

func decodeLenPrefixed(b []byte) ([]byte, int, error) {
	if len(b) < 8 {
		return nil, 0, fmt.Errorf("variant: truncated length prefix")
	}
	n := binary.LittleEndian.Uint64(b[:8])
	if uint64(len(b)-8) < n {
		return nil, 0, fmt.Errorf("variant: truncated payload")
	}
	return b[8 : 8+n], 8 + int(n), nil
}
