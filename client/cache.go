package client

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Tokens is the client-held copy of the session's token pair. It mirrors the
// record the gateway keeps server-side; the two are replicas of one logical
// record and the interceptor replaces its copy wholesale on every refresh.
type Tokens struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// TokenCache persists the token pair between requests. Implementations must
// treat Store as an atomic replacement of the whole pair.
type TokenCache interface {
	Load() (Tokens, bool)
	Store(Tokens)
	Clear()
}

// MemoryCache keeps tokens for the lifetime of the process.
type MemoryCache struct {
	mu     sync.RWMutex
	tokens Tokens
	set    bool
}

// NewMemoryCache constructs an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Load() (Tokens, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens, c.set && c.tokens.AccessToken != ""
}

func (c *MemoryCache) Store(t Tokens) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = t
	c.set = true
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = Tokens{}
	c.set = false
}

// FileCache persists tokens as JSON on disk, the CLI analog of the browser's
// local storage.
type FileCache struct {
	mu   sync.Mutex
	path string
}

// NewFileCache constructs a cache backed by the given file path.
func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

func (c *FileCache) Load() (Tokens, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := os.ReadFile(c.path)
	if err != nil {
		return Tokens{}, false
	}
	var t Tokens
	if err := json.Unmarshal(b, &t); err != nil || t.AccessToken == "" {
		return Tokens{}, false
	}
	return t, true
}

func (c *FileCache) Store(t Tokens) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := json.Marshal(t)
	if err != nil {
		return
	}
	_ = os.WriteFile(c.path, b, 0o600)
}

func (c *FileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = os.Remove(c.path)
}
