package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// cacheEntry holds HTTP cache metadata for a single request URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ResponseCache keeps the last successful body of GET requests on disk
// together with its ETag / Last-Modified, so requests can be conditional
// and a failing backend can be answered from the last known data.
type ResponseCache struct {
	dir string
}

// NewResponseCache creates a cache rooted at dir. An empty dir disables
// caching (nil cache).
func NewResponseCache(dir string) *ResponseCache {
	if dir == "" {
		return nil
	}
	return &ResponseCache{dir: dir}
}

// pathFor keys entries by URL and the signed-in user, since list
// endpoints answer differently per account.
func (c *ResponseCache) pathFor(url, user string) (string, error) {
	if url == "" {
		return "", errors.New("empty url")
	}
	sum := sha256.Sum256([]byte(user + "|" + url))
	// Use first 16 hex chars as directory name.
	return filepath.Join(c.dir, hex.EncodeToString(sum[:8])), nil
}

// Load returns the cached metadata and body for url, if both exist.
func (c *ResponseCache) Load(url, user string) (cacheEntry, []byte, bool) {
	if c == nil {
		return cacheEntry{}, nil, false
	}
	p, err := c.pathFor(url, user)
	if err != nil {
		return cacheEntry{}, nil, false
	}

	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(p, "meta.json"))
	if err != nil {
		return cacheEntry{}, nil, false
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, nil, false
	}
	body, err := os.ReadFile(filepath.Join(p, "body.json"))
	if err != nil || len(body) == 0 {
		return cacheEntry{}, nil, false
	}
	return meta, body, true
}

// Store writes body and its validators for url.
func (c *ResponseCache) Store(url, user, etag, lastModified string, body []byte) error {
	if c == nil {
		return nil
	}
	p, err := c.pathFor(url, user)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0o700); err != nil {
		return err
	}

	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(p, "body.json"), body, 0o600); err != nil {
		return err
	}

	meta := cacheEntry{
		URL:          url,
		ETag:         etag,
		LastModified: lastModified,
		UpdatedAt:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p, "meta.json"), data, 0o600)
}
