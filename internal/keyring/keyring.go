// Package keyring implements the minimal signing.KeyLookup a standalone
// pdsd process needs: a JSON file mapping DID to its multibase-encoded
// signing key, loaded once at startup. This is the one piece of
// identity/account management this module owns on its own; everything
// else in that subsystem is an external collaborator (see
// repohost.Clock/signing.KeyLookup).
package keyring

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/northbound-pds/pds/internal/signing"
)

// Keyring is a signing.KeyLookup backed by an in-memory map, loaded
// from and persisted to a JSON file of did -> multibase private key.
type Keyring struct {
	path string

	mu   sync.Mutex
	keys map[string]*signing.PrivateKey
}

// Load reads path (a JSON object of did -> multibase key string); a
// missing file is treated as an empty keyring so a brand-new deployment
// can start without one.
func Load(path string) (*Keyring, error) {
	k := &Keyring{path: path, keys: make(map[string]*signing.PrivateKey)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: read %s: %w", path, err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("keyring: parse %s: %w", path, err)
	}
	for did, mb := range raw {
		priv, err := signing.ParsePrivateMultibase(mb)
		if err != nil {
			return nil, fmt.Errorf("keyring: parse key for %s: %w", did, err)
		}
		k.keys[did] = priv
	}
	return k, nil
}

// SigningKeyFor implements signing.KeyLookup.
func (k *Keyring) SigningKeyFor(did string) (*signing.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	priv, ok := k.keys[did]
	if !ok {
		return nil, fmt.Errorf("keyring: no signing key for %s", did)
	}
	return priv, nil
}

// Generate creates a fresh signing key for did, persists the keyring to
// disk, and returns the new key. CreateRepo callers that don't already
// have a DID/key from the external identity subsystem use this to
// bootstrap a local one for testing/standalone deployments.
func (k *Keyring) Generate(did string) (*signing.PrivateKey, error) {
	priv, err := signing.GenerateKey()
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.keys[did] = priv
	snapshot := make(map[string]*signing.PrivateKey, len(k.keys))
	for d, p := range k.keys {
		snapshot[d] = p
	}
	k.mu.Unlock()

	if err := k.persist(snapshot); err != nil {
		return nil, err
	}
	return priv, nil
}

func (k *Keyring) persist(keys map[string]*signing.PrivateKey) error {
	raw := make(map[string]string, len(keys))
	for did, priv := range keys {
		mb, err := priv.Multibase()
		if err != nil {
			return fmt.Errorf("keyring: encode key for %s: %w", did, err)
		}
		raw[did] = mb
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("keyring: marshal: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0o600); err != nil {
		return fmt.Errorf("keyring: write %s: %w", k.path, err)
	}
	return nil
}
