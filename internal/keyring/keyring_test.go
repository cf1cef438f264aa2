package keyring

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyringGenerateAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")

	k, err := Load(path)
	require.NoError(t, err)

	priv, err := k.Generate("did:example:alice")
	require.NoError(t, err)

	got, err := k.SigningKeyFor("did:example:alice")
	require.NoError(t, err)
	assert.Equal(t, priv.Public().Bytes(), got.Public().Bytes())

	reloaded, err := Load(path)
	require.NoError(t, err)
	got2, err := reloaded.SigningKeyFor("did:example:alice")
	require.NoError(t, err)
	assert.Equal(t, priv.Public().Bytes(), got2.Public().Bytes())
}

func TestKeyringMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.json")
	k, err := Load(path)
	require.NoError(t, err)

	_, err = k.SigningKeyFor("did:example:ghost")
	assert.Error(t, err)
}
