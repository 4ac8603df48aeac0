// Package kernelcache stores compiled kernels on disk, keyed by a
// content fingerprint of the method body plus the requested format and
// target. Entries are lz4-compressed and the store is capacity-bounded.
package kernelcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
)

// Key identifies a cached kernel. Keys are hex sha256 digests, so they
// are safe to use directly as directory names.
type Key string

// Fingerprint derives the cache key for one compilation. dump is the
// printed method body; format and target fold the backend configuration
// into the key so the same method can be cached per backend.
func Fingerprint(dump, format, target string) Key {
	h := sha256.New()
	io.WriteString(h, dump)
	io.WriteString(h, "\x00")
	io.WriteString(h, format)
	io.WriteString(h, "\x00")
	io.WriteString(h, target)
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Entry is one cached compilation result.
type Entry struct {
	BuildID   string    `json:"build_id"`
	Method    string    `json:"method"`
	Format    string    `json:"format"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`

	// Code is the assembled output; Trace the readable listing. Both are
	// stored compressed and never appear in the manifest.
	Code  []byte `json:"-"`
	Trace string `json:"-"`
}

// Stats exposes basic store metrics.
type Stats struct {
	Hits      int64
	Misses    int64
	Entries   int64
	Bytes     int64
	Evictions int64
}

// Store is a content-addressed on-disk kernel store. A single Store may
// be shared across goroutines.
type Store struct {
	root  string
	limit int64 // compressed bytes, 0 means unbounded

	mu    sync.Mutex
	stats Stats
}

type manifest struct {
	Entry
	Blobs []blobEntry `json:"blobs"`
}

type blobEntry struct {
	Name string `json:"name"` // "code" or "trace"
	Size int64  `json:"size"` // uncompressed
}

// Open creates the store under root. limit is a human-readable size
// ("512MiB", "2GB", ...) bounding the compressed on-disk footprint; the
// empty string means unbounded.
func Open(root, limit string) (*Store, error) {
	var max int64
	if limit != "" {
		n, err := units.RAMInBytes(limit)
		if err != nil {
			return nil, err
		}
		max = n
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	s := &Store{root: root, limit: max}
	s.stats.Entries, s.stats.Bytes = s.scan()
	return s, nil
}

// Limit returns the configured capacity in a human-readable form.
func (s *Store) Limit() string {
	if s.limit == 0 {
		return "unbounded"
	}
	return units.BytesSize(float64(s.limit))
}

func (s *Store) dir(key Key) string      { return filepath.Join(s.root, string(key)) }
func (s *Store) manifest(key Key) string { return filepath.Join(s.dir(key), "manifest.json") }

// Get loads an entry. A missing key is not an error.
func (s *Store) Get(key Key) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.manifest(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.stats.Misses++
			return nil, false, nil
		}
		return nil, false, err
	}
	var man manifest
	if err := json.Unmarshal(raw, &man); err != nil {
		return nil, false, err
	}
	e := man.Entry
	for _, b := range man.Blobs {
		data, err := readBlob(filepath.Join(s.dir(key), b.Name+".lz4"), b.Size)
		if err != nil {
			return nil, false, err
		}
		switch b.Name {
		case "code":
			e.Code = data
		case "trace":
			e.Trace = string(data)
		}
	}
	// touch for LRU eviction order
	now := time.Now()
	os.Chtimes(s.manifest(key), now, now)
	s.stats.Hits++
	return &e, true, nil
}

// Put stores an entry, assigning it a fresh build id. Existing content
// under the same key is replaced.
func (s *Store) Put(key Key, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	man := manifest{Entry: *e}
	man.BuildID = id.String()
	man.CreatedAt = time.Now().UTC()

	if len(e.Code) > 0 {
		if err := writeBlob(filepath.Join(dir, "code.lz4"), e.Code); err != nil {
			return err
		}
		man.Blobs = append(man.Blobs, blobEntry{Name: "code", Size: int64(len(e.Code))})
	}
	if e.Trace != "" {
		if err := writeBlob(filepath.Join(dir, "trace.lz4"), []byte(e.Trace)); err != nil {
			return err
		}
		man.Blobs = append(man.Blobs, blobEntry{Name: "trace", Size: int64(len(e.Trace))})
	}

	raw, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.manifest(key) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.manifest(key)); err != nil {
		return err
	}
	e.BuildID = man.BuildID
	e.CreatedAt = man.CreatedAt

	s.stats.Entries, s.stats.Bytes = s.scan()
	return s.evict()
}

// Exists reports whether key has a manifest on disk.
func (s *Store) Exists(key Key) bool {
	_, err := os.Stat(s.manifest(key))
	return err == nil
}

// Invalidate removes an entry. Missing keys are ignored.
func (s *Store) Invalidate(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.dir(key)); err != nil {
		return err
	}
	s.stats.Entries, s.stats.Bytes = s.scan()
	return nil
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// scan walks the store and totals entry count and compressed bytes.
// Caller holds s.mu.
func (s *Store) scan() (entries, bytes int64) {
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return 0, 0
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		entries++
		files, err := os.ReadDir(filepath.Join(s.root, d.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if info, err := f.Info(); err == nil {
				bytes += info.Size()
			}
		}
	}
	return entries, bytes
}

// evict drops least-recently-used entries until the store fits the
// limit. Caller holds s.mu.
func (s *Store) evict() error {
	if s.limit == 0 || s.stats.Bytes <= s.limit {
		return nil
	}
	type aged struct {
		key  Key
		used time.Time
	}
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	var all []aged
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		info, err := os.Stat(s.manifest(Key(d.Name())))
		if err != nil {
			continue
		}
		all = append(all, aged{key: Key(d.Name()), used: info.ModTime()})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].used.Before(all[j].used) })
	for _, a := range all {
		if s.stats.Bytes <= s.limit {
			break
		}
		if err := os.RemoveAll(s.dir(a.key)); err != nil {
			return err
		}
		s.stats.Evictions++
		s.stats.Entries, s.stats.Bytes = s.scan()
	}
	return nil
}

func writeBlob(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := lz4.NewWriter(f)
	if _, err := zw.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readBlob(path string, size int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != size {
		return nil, errors.New("kernelcache: blob size mismatch")
	}
	return data, nil
}
