package ocr

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTokenCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	c := NewFileTokenCache(path)

	_, ok := c.Load()
	assert.False(t, ok)

	c.Store("tok-123", 2592000)

	tok, ok := c.Load()
	require.True(t, ok)
	assert.Equal(t, "tok-123", tok)
}

func TestFileTokenCacheExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	c := NewFileTokenCache(path)

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Store("tok-123", 3600)

	// Within lifetime minus slack: valid.
	c.now = func() time.Time { return base.Add(30 * time.Minute) }
	_, ok := c.Load()
	assert.True(t, ok)

	// Inside the expiry slack: treated as expired.
	c.now = func() time.Time { return base.Add(time.Duration(3600-tokenExpirySlack+1) * time.Second) }
	_, ok = c.Load()
	assert.False(t, ok)
}

func TestFileTokenCacheBrokenJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, ok := NewFileTokenCache(path).Load()
	assert.False(t, ok)
}
