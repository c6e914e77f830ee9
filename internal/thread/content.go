package thread

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"cumulus/internal/logging"
)

// ContentStore is a key-addressed blob store backed by a directory, one file
// per blob. It holds externalized message bodies referenced by
// [STORED:<id>] sentinels.
type ContentStore struct {
	mu  sync.Mutex
	dir string
}

// OpenContent opens (or creates) the content store directory.
func OpenContent(dir string) (*ContentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create content store %s: %w", dir, err)
	}
	return &ContentStore{dir: dir}, nil
}

// Put stores a blob and returns its id.
func (c *ContentStore) Put(blob []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	path := filepath.Join(c.dir, id)
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	logging.StoreDebug("Stored blob %s (%d bytes)", id, len(blob))
	return id, nil
}

// PutWithID stores a blob under a caller-chosen id. Used when the id must be
// known before the write completes (sentinel substitution mid-stream).
func (c *ContentStore) PutWithID(id string, blob []byte) error {
	if strings.ContainsAny(id, "/\\") || id == "" {
		return fmt.Errorf("invalid content id %q", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.WriteFile(filepath.Join(c.dir, id), blob, 0o644); err != nil {
		return fmt.Errorf("failed to store blob %s: %w", id, err)
	}
	logging.StoreDebug("Stored blob %s (%d bytes)", id, len(blob))
	return nil
}

// Get returns the blob for an id.
func (c *ContentStore) Get(id string) ([]byte, error) {
	// Reject path separators so ids cannot escape the store directory.
	if strings.ContainsAny(id, "/\\") || id == "" {
		return nil, fmt.Errorf("invalid content id %q", id)
	}
	data, err := os.ReadFile(filepath.Join(c.dir, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	return data, nil
}

// Search returns the ids of blobs whose content contains the query,
// case-insensitively.
func (c *ContentStore) Search(query string) ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan content store: %w", err)
	}

	q := strings.ToLower(query)
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(data)), q) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Dir returns the store's directory path.
func (c *ContentStore) Dir() string {
	return c.dir
}
