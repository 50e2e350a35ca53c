// Package chunk implements the on-disk container used for k-space samples,
// trajectories, lag maps and reconstructed images.
//
// A store is a directory holding header.yaml, a flat string-to-string
// metadata map, plus one raw little-endian file per chunk. A chunk named
// "samples" is described by the keys
//
//	samples.dimensions   one letter per axis, fastest varying first ("vpsczt")
//	samples.extent.<d>   the length of axis <d>
//	samples.datatype     float32 or float64
//	samples.file         the data file, relative to the store directory
//
// Every other key is free-form metadata.
package chunk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingKey is returned when a metadata key is absent.
	ErrMissingKey = errors.New("chunk: missing key")

	// ErrMissingChunk is returned when no chunk of the requested name exists.
	ErrMissingChunk = errors.New("chunk: missing chunk")

	// ErrLayout reports a chunk whose layout keys are inconsistent.
	ErrLayout = errors.New("chunk: bad layout")

	// ErrReadOnly is returned when modifying a store opened read-only.
	ErrReadOnly = errors.New("chunk: store is read-only")
)

// HeaderFile is the name of the metadata file inside a store directory.
const HeaderFile = "header.yaml"

type header struct {
	Info map[string]string `yaml:"info"`
}

// Store is an open chunk container. Metadata access is safe for concurrent
// use; chunk data access is safe as long as concurrent writers touch
// disjoint ranges.
type Store struct {
	dir      string
	writable bool

	mu     sync.Mutex
	info   map[string]string
	dirty  bool
	chunks map[string]*Chunk
}

// Create creates an empty writable store at dir. The directory is created
// when needed; an existing header is overwritten on Close.
func Create(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("chunk: creating store: %w", err)
	}
	return &Store{
		dir:      dir,
		writable: true,
		info:     make(map[string]string),
		dirty:    true,
		chunks:   make(map[string]*Chunk),
	}, nil
}

// Open opens an existing store read-only.
func Open(dir string) (*Store, error) {
	return open(dir, false)
}

// OpenWritable opens an existing store for writing chunk data and metadata.
func OpenWritable(dir string) (*Store, error) {
	return open(dir, true)
}

func open(dir string, writable bool) (*Store, error) {
	data, err := os.ReadFile(filepath.Join(dir, HeaderFile))
	if err != nil {
		return nil, fmt.Errorf("chunk: opening store %s: %w", dir, err)
	}
	var h header
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("chunk: parsing %s: %w", filepath.Join(dir, HeaderFile), err)
	}
	if h.Info == nil {
		h.Info = make(map[string]string)
	}
	return &Store{
		dir:      dir,
		writable: writable,
		info:     h.Info,
		chunks:   make(map[string]*Chunk),
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Keys returns every metadata key in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.info))
	for k := range s.info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.info[key]
	return ok
}

// Get returns the value of key.
func (s *Store) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.info[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	return v, nil
}

// GetInt returns key parsed as an integer.
func (s *Store) GetInt(key string) (int, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("chunk: key %s: %w", key, err)
	}
	return n, nil
}

// GetFloat returns key parsed as a float.
func (s *Store) GetFloat(key string) (float64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("chunk: key %s: %w", key, err)
	}
	return f, nil
}

// Set stores a metadata value.
func (s *Store) Set(key, value string) error {
	if !s.writable {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info[key] = value
	s.dirty = true
	return nil
}

// SetInt stores an integer metadata value.
func (s *Store) SetInt(key string, v int) error {
	return s.Set(key, strconv.Itoa(v))
}

// SetFloat stores a float metadata value in its shortest exact form.
func (s *Store) SetFloat(key string, v float64) error {
	return s.Set(key, strconv.FormatFloat(v, 'g', -1, 64))
}

// Define creates chunk name with the given axes and extents, allocating a
// zero-filled data file.
//
// Parameters:
//   - name: chunk name, used as the prefix of its layout keys
//   - dims: one letter per axis, fastest varying first
//   - extents: the length of every axis, in the order of dims
//   - dt: element type on disk
func (s *Store) Define(name, dims string, extents []int, dt DataType) (*Chunk, error) {
	if !s.writable {
		return nil, ErrReadOnly
	}
	if len(dims) != len(extents) {
		return nil, fmt.Errorf("%w: %s has %d axes but %d extents", ErrLayout, name, len(dims), len(extents))
	}
	if dt.Size() == 0 {
		return nil, fmt.Errorf("%w: %s has unknown datatype %q", ErrLayout, name, dt)
	}
	total := 1
	for i, e := range extents {
		if e <= 0 {
			return nil, fmt.Errorf("%w: %s extent %c = %d", ErrLayout, name, dims[i], e)
		}
		total *= e
	}

	file := name + ".raw"
	f, err := os.OpenFile(filepath.Join(s.dir, file), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("chunk: creating %s: %w", name, err)
	}
	if err := f.Truncate(int64(total * dt.Size())); err != nil {
		f.Close()
		return nil, fmt.Errorf("chunk: sizing %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.info[name+".dimensions"] = dims
	for i := range dims {
		s.info[fmt.Sprintf("%s.extent.%c", name, dims[i])] = strconv.Itoa(extents[i])
	}
	s.info[name+".datatype"] = string(dt)
	s.info[name+".file"] = file
	s.dirty = true

	if old, ok := s.chunks[name]; ok {
		old.file.Close()
	}
	c := newChunk(name, dims, extents, dt, f)
	s.chunks[name] = c
	return c, nil
}

// Chunk opens chunk name, reading its layout from the metadata.
func (s *Store) Chunk(name string) (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chunks[name]; ok {
		return c, nil
	}

	dims, ok := s.info[name+".dimensions"]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingChunk, name)
	}
	extents := make([]int, len(dims))
	for i := range dims {
		key := fmt.Sprintf("%s.extent.%c", name, dims[i])
		v, ok := s.info[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingKey, key)
		}
		e, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || e <= 0 {
			return nil, fmt.Errorf("%w: %s = %q", ErrLayout, key, v)
		}
		extents[i] = e
	}
	dt := DataType(s.info[name+".datatype"])
	if dt == "" {
		dt = Float32
	}
	if dt.Size() == 0 {
		return nil, fmt.Errorf("%w: %s has unknown datatype %q", ErrLayout, name, dt)
	}
	file, ok := s.info[name+".file"]
	if !ok {
		return nil, fmt.Errorf("%w: %s.file", ErrMissingKey, name)
	}

	flag := os.O_RDONLY
	if s.writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(filepath.Join(s.dir, file), flag, 0)
	if err != nil {
		return nil, fmt.Errorf("chunk: opening %s: %w", name, err)
	}
	c := newChunk(name, dims, extents, dt, f)
	if st, err := f.Stat(); err == nil && st.Size() < int64(c.Len()*dt.Size()) {
		f.Close()
		return nil, fmt.Errorf("%w: %s holds %d bytes, layout needs %d", ErrLayout, name, st.Size(), c.Len()*dt.Size())
	}
	s.chunks[name] = c
	return c, nil
}

// Close writes the header when metadata changed and closes every chunk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, c := range s.chunks {
		if err := c.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("chunk: closing %s: %w", name, err)
		}
	}
	s.chunks = make(map[string]*Chunk)

	if s.writable && s.dirty {
		data, err := yaml.Marshal(header{Info: s.info})
		if err != nil {
			return fmt.Errorf("chunk: encoding header: %w", err)
		}
		if err := os.WriteFile(filepath.Join(s.dir, HeaderFile), data, 0644); err != nil {
			return fmt.Errorf("chunk: writing header: %w", err)
		}
		s.dirty = false
	}
	return firstErr
}

// IsLayoutKey reports whether key describes the layout of chunk name rather
// than free-form metadata about it.
func IsLayoutKey(name, key string) bool {
	rest, ok := strings.CutPrefix(key, name+".")
	if !ok {
		return false
	}
	switch rest {
	case "dimensions", "datatype", "file":
		return true
	}
	return strings.HasPrefix(rest, "extent.")
}
