// Package artifact implements the content-addressed blob store.
//
// Blobs are identified by "blob://" + sha256(content) and stored under
// blobs/<first-byte>/<sha256>. Identical payloads share one file, so
// concurrent writers of the same content are naturally idempotent. A JSONL
// index records one line per distinct blob for audit.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/cortex/pkg/utils"
)

// BlobPrefix is the URI scheme every blob reference starts with.
const BlobPrefix = "blob://"

// Record describes one stored blob.
type Record struct {
	BlobID   string            `json:"blob_id"`
	Path     string            `json:"path"`
	Kind     string            `json:"kind,omitempty"`
	Size     int64             `json:"size"`
	SHA256   string            `json:"sha256"`
	StoredAt time.Time         `json:"stored_at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Store is a content-addressed filesystem blob store.
type Store struct {
	basePath  string
	indexPath string

	// indexMu guards JSONL index appends; blob writes need no lock because
	// filenames are content-derived.
	indexMu sync.Mutex
}

// NewStore creates (or opens) a store rooted at basePath.
func NewStore(basePath string) (*Store, error) {
	blobsDir := filepath.Join(basePath, "blobs")
	if _, err := utils.EnsureDir(blobsDir); err != nil {
		return nil, fmt.Errorf("create artifact store: %w", err)
	}
	return &Store{
		basePath:  basePath,
		indexPath: filepath.Join(basePath, "index.jsonl"),
	}, nil
}

// StoreBytes persists content and returns its blob ID. Storing the same
// bytes twice returns the same ID and leaves a single file on disk.
func (s *Store) StoreBytes(content []byte, kind string, metadata map[string]string) (string, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	blobID := BlobPrefix + hash

	path := s.pathFor(hash)
	if _, err := os.Stat(path); err == nil {
		// Duplicate write: content already present.
		return blobID, nil
	}

	if err := utils.WriteFileAtomic(path, content, 0644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", blobID, err)
	}

	rec := Record{
		BlobID:   blobID,
		Path:     path,
		Kind:     kind,
		Size:     int64(len(content)),
		SHA256:   hash,
		StoredAt: time.Now().UTC(),
		Metadata: metadata,
	}
	if err := s.appendIndex(rec); err != nil {
		return "", err
	}
	return blobID, nil
}

// Load reads a blob by ID.
func (s *Store) Load(blobID string) ([]byte, error) {
	hash, err := parseBlobID(blobID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.pathFor(hash))
	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", blobID, err)
	}
	return data, nil
}

// Exists reports whether the blob is on disk.
func (s *Store) Exists(blobID string) bool {
	hash, err := parseBlobID(blobID)
	if err != nil {
		return false
	}
	_, err = os.Stat(s.pathFor(hash))
	return err == nil
}

// Stat returns the record size for a stored blob.
func (s *Store) Stat(blobID string) (int64, error) {
	hash, err := parseBlobID(blobID)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(s.pathFor(hash))
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", blobID, err)
	}
	return info.Size(), nil
}

func (s *Store) pathFor(hash string) string {
	return filepath.Join(s.basePath, "blobs", hash[:2], hash)
}

func (s *Store) appendIndex(rec Record) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	f, err := os.OpenFile(s.indexPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open artifact index: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal artifact record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append artifact index: %w", err)
	}
	return nil
}

// IsBlobID reports whether the string is a well-formed blob reference.
func IsBlobID(s string) bool {
	_, err := parseBlobID(s)
	return err == nil
}

func parseBlobID(blobID string) (string, error) {
	if !strings.HasPrefix(blobID, BlobPrefix) {
		return "", fmt.Errorf("invalid blob id %q: missing %s prefix", blobID, BlobPrefix)
	}
	hash := strings.TrimPrefix(blobID, BlobPrefix)
	if len(hash) != 64 {
		return "", fmt.Errorf("invalid blob id %q: expected 64-char sha256", blobID)
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("invalid blob id %q: non-hex character", blobID)
		}
	}
	return hash, nil
}
