// Package codec implements the canonical encoding used throughout the
// repository engine: a deterministic, DAG-CBOR-compatible byte form for
// the value model ("link" values are represented as CID tag-42 byte
// strings), plus the CID derived from those bytes. Every block stored or
// signed in this system is this package's output.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// Major type tags, reused from cbor-gen rather than redefined so the
// byte values stay pinned to the same constants the rest of the IPLD
// ecosystem encodes against.
const (
	majUnsigned = cbg.MajUnsignedInt
	majNegative = cbg.MajNegativeInt
	majBytes    = cbg.MajByteString
	majText     = cbg.MajTextString
	majArray    = cbg.MajArray
	majMap      = cbg.MajMap
	majTag      = cbg.MajTag
	majOther    = cbg.MajOther
)

const cidLinkTag = 42

// ErrNonCanonical is returned by Decode when the input, while
// syntactically valid CBOR, is not in the single canonical form this
// package produces (non-minimal integer, non-sorted or duplicate map
// keys, indefinite-length item).
var ErrNonCanonical = errors.New("codec: non-canonical encoding")

// Encode serializes v into the canonical byte form. Supported value
// types: nil, bool, int64, uint64, string, []byte, cid.Cid, []any, and
// map[string]any (maps with any other key/value type are rejected).
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CIDFor returns the canonical bytes for v and the CIDv1 (dag-cbor
// codec, sha2-256 multihash) derived from them.
func CIDFor(v any) (cid.Cid, []byte, error) {
	b, err := Encode(v)
	if err != nil {
		return cid.Undef, nil, err
	}
	c, err := CIDForBytes(b)
	return c, b, err
}

// CIDForBytes derives the CIDv1 (dag-cbor, sha2-256) for already-encoded
// canonical bytes. Used when the bytes are read back from storage rather
// than freshly encoded.
func CIDForBytes(b []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(b, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("codec: hash: %w", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		return writeHeader(buf, majOther, 22)
	case bool:
		if x {
			return writeHeader(buf, majOther, 21)
		}
		return writeHeader(buf, majOther, 20)
	case int:
		return encodeInt(buf, int64(x))
	case int64:
		return encodeInt(buf, x)
	case uint64:
		return writeHeader(buf, majUnsigned, x)
	case float64:
		return encodeFloat(buf, x)
	case string:
		if err := writeHeader(buf, majText, uint64(len(x))); err != nil {
			return err
		}
		buf.WriteString(x)
		return nil
	case []byte:
		if err := writeHeader(buf, majBytes, uint64(len(x))); err != nil {
			return err
		}
		buf.Write(x)
		return nil
	case cid.Cid:
		return encodeLink(buf, x)
	case []any:
		if err := writeHeader(buf, majArray, uint64(len(x))); err != nil {
			return err
		}
		for _, item := range x {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		return encodeMap(buf, x)
	default:
		return fmt.Errorf("codec: unsupported value type %T", v)
	}
}

func encodeInt(buf *bytes.Buffer, n int64) error {
	if n >= 0 {
		return writeHeader(buf, majUnsigned, uint64(n))
	}
	return writeHeader(buf, majNegative, uint64(-1-n))
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	if err := writeHeader(buf, majOther, 27); err != nil {
		return err
	}
	var b [8]byte
	bits := math.Float64bits(f)
	for i := 7; i >= 0; i-- {
		b[i] = byte(bits)
		bits >>= 8
	}
	buf.Write(b[:])
	return nil
}

func encodeLink(buf *bytes.Buffer, c cid.Cid) error {
	if err := writeHeader(buf, majTag, cidLinkTag); err != nil {
		return err
	}
	raw := c.Bytes()
	// dag-cbor links are byte strings with a leading 0x00 "multibase
	// prefix" placeholder, matching the atproto/IPLD convention.
	if err := writeHeader(buf, majBytes, uint64(len(raw)+1)); err != nil {
		return err
	}
	buf.WriteByte(0)
	buf.Write(raw)
	return nil
}

// encodeMap writes map keys sorted per RFC 8949 canonical order: shorter
// encoded key first, ties broken bytewise. Only string keys are
// supported, matching dag-cbor's map-key restriction.
func encodeMap(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessCanonical(keys[i], keys[j])
	})
	if err := writeHeader(buf, majMap, uint64(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := encodeValue(buf, k); err != nil {
			return err
		}
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func lessCanonical(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func writeHeader(buf *bytes.Buffer, major byte, arg uint64) error {
	lead := major << 5
	switch {
	case arg < 24:
		buf.WriteByte(lead | byte(arg))
	case arg <= 0xff:
		buf.WriteByte(lead | 24)
		buf.WriteByte(byte(arg))
	case arg <= 0xffff:
		buf.WriteByte(lead | 25)
		buf.WriteByte(byte(arg >> 8))
		buf.WriteByte(byte(arg))
	case arg <= 0xffffffff:
		buf.WriteByte(lead | 26)
		for i := 3; i >= 0; i-- {
			buf.WriteByte(byte(arg >> (8 * uint(i))))
		}
	default:
		buf.WriteByte(lead | 27)
		for i := 7; i >= 0; i-- {
			buf.WriteByte(byte(arg >> (8 * uint(i))))
		}
	}
	return nil
}
