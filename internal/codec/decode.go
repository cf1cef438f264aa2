package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ipfs/go-cid"
)

// Decode parses canonical bytes back into the value model (nil, bool,
// int64, string, []byte, cid.Cid, []any, map[string]any). It rejects any
// input that is not exactly the form Encode would have produced:
// non-minimal integer arguments, indefinite-length items, and map keys
// that are out of canonical order or duplicated.
func Decode(b []byte) (any, error) {
	d := &decoder{buf: b}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.buf) {
		return nil, fmt.Errorf("codec: %d trailing bytes after value", len(d.buf)-d.pos)
	}
	return v, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) value() (any, error) {
	major, arg, err := d.header()
	if err != nil {
		return nil, err
	}
	switch major {
	case majUnsigned:
		return int64(arg), nil
	case majNegative:
		return -1 - int64(arg), nil
	case majBytes:
		return d.take(int(arg))
	case majText:
		raw, err := d.take(int(arg))
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case majArray:
		out := make([]any, 0, arg)
		for i := uint64(0); i < arg; i++ {
			item, err := d.value()
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case majMap:
		return d.mapValue(arg)
	case majTag:
		if arg != cidLinkTag {
			return nil, fmt.Errorf("codec: unsupported tag %d", arg)
		}
		raw, err := d.value()
		if err != nil {
			return nil, err
		}
		rb, ok := raw.([]byte)
		if !ok || len(rb) == 0 || rb[0] != 0 {
			return nil, fmt.Errorf("%w: malformed link", ErrNonCanonical)
		}
		c, err := cid.Cast(rb[1:])
		if err != nil {
			return nil, fmt.Errorf("codec: cast link cid: %w", err)
		}
		return c, nil
	case majOther:
		switch arg {
		case 20:
			return false, nil
		case 21:
			return true, nil
		case 22:
			return nil, nil
		case 27:
			raw, err := d.take(8)
			if err != nil {
				return nil, err
			}
			return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
		default:
			return nil, fmt.Errorf("codec: unsupported simple value %d", arg)
		}
	default:
		return nil, fmt.Errorf("codec: unsupported major type %d", major)
	}
}

func (d *decoder) mapValue(n uint64) (map[string]any, error) {
	m := make(map[string]any, n)
	var prevKey string
	for i := uint64(0); i < n; i++ {
		keyVal, err := d.value()
		if err != nil {
			return nil, err
		}
		key, ok := keyVal.(string)
		if !ok {
			return nil, fmt.Errorf("codec: non-string map key")
		}
		if i > 0 {
			if key == prevKey {
				return nil, fmt.Errorf("%w: duplicate map key %q", ErrNonCanonical, key)
			}
			if !lessCanonical(prevKey, key) {
				return nil, fmt.Errorf("%w: map keys out of order: %q before %q", ErrNonCanonical, prevKey, key)
			}
		}
		val, err := d.value()
		if err != nil {
			return nil, err
		}
		m[key] = val
		prevKey = key
	}
	return m, nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("codec: truncated input")
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

// header reads one CBOR item header and enforces minimal-length
// encoding of the argument, matching what Encode would have written.
func (d *decoder) header() (major byte, arg uint64, err error) {
	lead, err := d.take(1)
	if err != nil {
		return 0, 0, err
	}
	major = lead[0] >> 5
	info := lead[0] & 0x1f
	switch {
	case info < 24:
		return major, uint64(info), nil
	case info == 24:
		b, err := d.take(1)
		if err != nil {
			return 0, 0, err
		}
		v := uint64(b[0])
		if v < 24 {
			return 0, 0, fmt.Errorf("%w: non-minimal 1-byte length", ErrNonCanonical)
		}
		return major, v, nil
	case info == 25:
		b, err := d.take(2)
		if err != nil {
			return 0, 0, err
		}
		v := uint64(binary.BigEndian.Uint16(b))
		if v <= 0xff {
			return 0, 0, fmt.Errorf("%w: non-minimal 2-byte length", ErrNonCanonical)
		}
		return major, v, nil
	case info == 26:
		b, err := d.take(4)
		if err != nil {
			return 0, 0, err
		}
		v := uint64(binary.BigEndian.Uint32(b))
		if v <= 0xffff {
			return 0, 0, fmt.Errorf("%w: non-minimal 4-byte length", ErrNonCanonical)
		}
		return major, v, nil
	case info == 27:
		b, err := d.take(8)
		if err != nil {
			return 0, 0, err
		}
		v := binary.BigEndian.Uint64(b)
		if major != majOther && v <= 0xffffffff {
			return 0, 0, fmt.Errorf("%w: non-minimal 8-byte length", ErrNonCanonical)
		}
		return major, v, nil
	default:
		return 0, 0, fmt.Errorf("%w: indefinite-length item", ErrNonCanonical)
	}
}
