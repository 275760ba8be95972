// Package tokencache persists access tokens in a small JSON key/value file so
// repeated runs can skip the browser login.
package tokencache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// DefaultKey is the entry the Substrate token is stored under.
const DefaultKey = "substrate_access_token"

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("token cache entry not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Cache is a JSON object on disk. A missing or corrupt file reads as empty.
type Cache struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// New returns a cache backed by path.
func New(path string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{path: path, logger: logger.Named("tokencache")}
}

// Path returns the backing file.
func (c *Cache) Path() string { return c.path }

// Get returns the value stored under key.
func (c *Cache) Get(key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.load()
	if err != nil {
		return "", err
	}
	v, ok := entries[key]
	if !ok || v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// Put stores value under key, keeping other entries.
func (c *Cache) Put(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.load()
	if err != nil {
		return err
	}
	entries[key] = value

	data, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode token cache: %w", err)
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create token cache directory: %w", err)
		}
	}
	// Write then rename so a crash never leaves a truncated cache behind.
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace token cache: %w", err)
	}
	return nil
}

// Clear removes the cache file. Clearing a missing cache is not an error.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear token cache: %w", err)
	}
	return nil
}

func (c *Cache) load() (map[string]string, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token cache: %w", err)
	}

	entries := map[string]string{}
	if err := json.Unmarshal(data, &entries); err != nil {
		c.logger.Warn("Token cache is unreadable, treating it as empty.", zap.String("path", c.path), zap.Error(err))
		return map[string]string{}, nil
	}
	if entries == nil {
		// A literal null decodes without error into a nil map.
		entries = map[string]string{}
	}
	return entries, nil
}
