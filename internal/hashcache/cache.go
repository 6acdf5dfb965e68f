// Package hashcache computes and caches content digests of executables.
//
// Entries are keyed by (path, size, mtime), so a binary replaced in place is rehashed on the
// next lookup while repeated launches of the same binary cost one stat.
package hashcache

import (
	"crypto/md5" //nolint:gosec // content fingerprint for telemetry, not integrity
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxFileSize bounds how much of a file is hashed. Larger files are reported as
// ErrTooLarge.
const DefaultMaxFileSize = 512 << 20

// ErrTooLarge is returned for files above the configured size limit.
var ErrTooLarge = errors.New("file exceeds hashing limit")

// Digests are the hex-encoded content hashes of one file.
type Digests struct {
	MD5    string
	SHA256 string
}

type key struct {
	path  string
	size  int64
	mtime int64
}

// Cache is safe for concurrent use.
type Cache struct {
	entries *lru.Cache[key, Digests]
	maxSize int64
}

// New returns a cache holding up to size entries.
func New(size int) (*Cache, error) {
	entries, err := lru.New[key, Digests](size)
	if err != nil {
		return nil, fmt.Errorf("hash cache: %w", err)
	}
	return &Cache{entries: entries, maxSize: DefaultMaxFileSize}, nil
}

// Lookup returns the digests of the file at path, hashing it if it is not cached or has
// changed since it was last hashed.
func (c *Cache) Lookup(path string) (Digests, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Digests{}, err
	}
	if !fi.Mode().IsRegular() {
		return Digests{}, fmt.Errorf("%s: not a regular file", path)
	}
	if fi.Size() > c.maxSize {
		return Digests{}, fmt.Errorf("%s: %w", path, ErrTooLarge)
	}

	k := key{path: path, size: fi.Size(), mtime: fi.ModTime().UnixNano()}
	if d, ok := c.entries.Get(k); ok {
		return d, nil
	}

	d, err := hashFile(path)
	if err != nil {
		return Digests{}, err
	}
	c.entries.Add(k, d)
	return d, nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func hashFile(path string) (Digests, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digests{}, err
	}
	defer f.Close()

	m := md5.New() //nolint:gosec // see import
	s := sha256.New()
	if _, err := io.Copy(io.MultiWriter(m, s), f); err != nil {
		return Digests{}, fmt.Errorf("hash %s: %w", path, err)
	}

	return Digests{
		MD5:    hex.EncodeToString(m.Sum(nil)),
		SHA256: hex.EncodeToString(s.Sum(nil)),
	}, nil
}
