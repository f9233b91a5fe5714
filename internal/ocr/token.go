package ocr

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Tokens within this many seconds of expiry count as expired.
const tokenExpirySlack = 300

// TokenCache persists the Baidu OAuth token across process restarts.
type TokenCache interface {
	// Load returns a still-valid cached token.
	Load() (string, bool)
	// Store saves a fresh token with its lifetime in seconds.
	Store(token string, expiresIn int64)
}

type cachedToken struct {
	AccessToken string `json:"access_token"`
	ExpireAt    int64  `json:"expire_at"`
}

// FileTokenCache stores the token as a small JSON file.
type FileTokenCache struct {
	path string
	now  func() time.Time
}

// NewFileTokenCache creates a file-backed token cache at path.
func NewFileTokenCache(path string) *FileTokenCache {
	return &FileTokenCache{path: path, now: time.Now}
}

// Load reads the cached token. Missing files, broken JSON and tokens
// close to expiry all report no token.
func (c *FileTokenCache) Load() (string, bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return "", false
	}
	var tok cachedToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return "", false
	}
	if tok.AccessToken == "" || tok.ExpireAt-c.now().Unix() <= tokenExpirySlack {
		return "", false
	}
	return tok.AccessToken, true
}

// Store writes the token with an absolute expiry timestamp.
func (c *FileTokenCache) Store(token string, expiresIn int64) {
	tok := cachedToken{AccessToken: token, ExpireAt: c.now().Unix() + expiresIn}
	data, err := json.Marshal(tok)
	if err != nil {
		return
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		log.Printf("Warning: failed to persist OCR token cache: %v", err)
	}
}
