package repo

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/northbound-pds/pds/internal/codec"
	"github.com/northbound-pds/pds/internal/signing"
)

// CommitVersion is the wire version every commit this engine produces
// carries (see DESIGN.md's Open Question log for why version 3 over
// the legacy version 2).
const CommitVersion = 3

var (
	// ErrNotSigned is returned by Commit.CID when the commit carries
	// no signature.
	ErrNotSigned = errors.New("repo: commit not signed")
)

// Commit is one signed node in a repo's commit chain.
type Commit struct {
	DID     string
	Version int64
	Data    cid.Cid  // MST root
	Rev     string   // TID
	Prev    cid.Cid  // zero value (cid.Undef) for the genesis commit
	Sig     []byte
}

// unsignedMap returns the canonical value-model map for c with the sig
// field omitted, the exact bytes a signature is computed over.
func (c *Commit) unsignedMap() map[string]any {
	m := map[string]any{
		"did":     c.DID,
		"version": c.Version,
		"data":    c.Data,
		"rev":     c.Rev,
	}
	if c.Prev.Defined() {
		m["prev"] = c.Prev
	} else {
		m["prev"] = nil
	}
	return m
}

func (c *Commit) signedMap() map[string]any {
	m := c.unsignedMap()
	m["sig"] = c.Sig
	return m
}

// Sign computes c's signature with priv and sets c.Sig, applying low-S
// mitigation unconditionally (signing.PrivateKey.Sign always does).
func (c *Commit) Sign(priv *signing.PrivateKey) error {
	unsigned, err := codec.Encode(c.unsignedMap())
	if err != nil {
		return fmt.Errorf("repo: encode commit for signing: %w", err)
	}
	sig, err := priv.Sign(unsigned)
	if err != nil {
		return fmt.Errorf("repo: sign commit: %w", err)
	}
	c.Sig = sig
	return nil
}

// Verify reports whether c's signature validates against pub. Returns
// false (never an error) for any malformed or mismatched signature.
func (c *Commit) Verify(pub *signing.PublicKey) bool {
	if len(c.Sig) == 0 {
		return false
	}
	unsigned, err := codec.Encode(c.unsignedMap())
	if err != nil {
		return false
	}
	return pub.Verify(unsigned, c.Sig)
}

// CID returns the commit's content CID and canonical bytes (including
// its signature — the commit block stored and referenced by "prev" is
// the signed form).
func (c *Commit) CID() (cid.Cid, []byte, error) {
	if len(c.Sig) == 0 {
		return cid.Undef, nil, ErrNotSigned
	}
	return codec.CIDFor(c.signedMap())
}

// DecodeCommit parses a stored commit block's canonical bytes.
func DecodeCommit(data []byte) (*Commit, error) {
	v, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("repo: decode commit: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("repo: decode commit: not a map")
	}
	c := &Commit{}
	c.DID, _ = m["did"].(string)
	if ver, ok := m["version"].(int64); ok {
		c.Version = ver
	}
	c.Data, _ = m["data"].(cid.Cid)
	c.Rev, _ = m["rev"].(string)
	if p, ok := m["prev"]; ok && p != nil {
		c.Prev, _ = p.(cid.Cid)
	}
	c.Sig, _ = m["sig"].([]byte)
	return c, nil
}
