package version

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeHash(t *testing.T) {
	h := CodeHash()
	require.Len(t, h, 12)
	_, err := hex.DecodeString(h)
	require.NoError(t, err)

	// Stable across calls and derived from the embedded manifest alone.
	assert.Equal(t, h, CodeHash())
	sum := sha256.Sum256(manifest)
	assert.Equal(t, hex.EncodeToString(sum[:])[:12], h)
}

func TestManifestCoversEntryPoint(t *testing.T) {
	assert.Contains(t, string(manifest), "cmd/port-daddy/main.go")
	assert.Contains(t, string(manifest), "internal/db/migrations/000001_init.up.sql")
}
