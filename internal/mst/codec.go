package mst

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/northbound-pds/pds/internal/codec"
)

// serialize produces the canonical wire form of n: {"l": <link>?, "e":
// [{"p": int, "k": bytes, "v": link, "t": <link>?}, ...]}, with each
// entry's key prefix-compressed against the previous entry's full key
// (spec §4.4: "entries prefix-compress keys against previous entry").
func (n *Node) serialize() ([]byte, error) {
	m := map[string]any{}
	if n.Left != nil {
		c, ok := refCID(n.Left)
		if !ok {
			return nil, fmt.Errorf("mst: left subtree has no CID yet")
		}
		m["l"] = c
	} else {
		m["l"] = nil
	}

	entries := make([]any, 0, len(n.Entries))
	prevKey := ""
	for _, e := range n.Entries {
		p := commonPrefixLen(prevKey, e.Key)
		entry := map[string]any{
			"p": int64(p),
			"k": []byte(e.Key[p:]),
			"v": e.Val,
		}
		if e.Right != nil {
			c, ok := refCID(e.Right)
			if !ok {
				return nil, fmt.Errorf("mst: right subtree has no CID yet for key %q", e.Key)
			}
			entry["t"] = c
		} else {
			entry["t"] = nil
		}
		entries = append(entries, entry)
		prevKey = e.Key
	}
	m["e"] = entries

	return codec.Encode(m)
}

// DeserializeNode parses a stored node's canonical bytes back into a
// Node whose child subtrees are lazy CID references.
func DeserializeNode(data []byte) (*Node, error) {
	v, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("mst: deserialize: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("mst: deserialize: not a map")
	}

	n := &Node{}
	if lv, ok := m["l"]; ok && lv != nil {
		c, ok := lv.(cid.Cid)
		if !ok {
			return nil, fmt.Errorf("mst: deserialize: l is not a link")
		}
		n.Left = RefToCID(c)
	}

	rawEntries, _ := m["e"].([]any)
	prevKey := ""
	for i, rv := range rawEntries {
		em, ok := rv.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("mst: deserialize: entry %d is not a map", i)
		}
		p, ok := em["p"].(int64)
		if !ok || p < 0 || int(p) > len(prevKey) {
			return nil, fmt.Errorf("mst: deserialize: entry %d has invalid prefix length", i)
		}
		suffix, ok := em["k"].([]byte)
		if !ok {
			return nil, fmt.Errorf("mst: deserialize: entry %d missing key suffix", i)
		}
		key := prevKey[:p] + string(suffix)
		val, ok := em["v"].(cid.Cid)
		if !ok {
			return nil, fmt.Errorf("mst: deserialize: entry %d missing value link", i)
		}
		entry := Entry{Key: key, Val: val}
		if tv, ok := em["t"]; ok && tv != nil {
			tc, ok := tv.(cid.Cid)
			if !ok {
				return nil, fmt.Errorf("mst: deserialize: entry %d has non-link t", i)
			}
			entry.Right = RefToCID(tc)
		}
		n.Entries = append(n.Entries, entry)
		prevKey = key
	}
	return n, nil
}

func commonPrefixLen(a, b string) int {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	i := 0
	for i < max && a[i] == b[i] {
		i++
	}
	return i
}
