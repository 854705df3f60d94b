package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	merrors "github.com/nicosuave/memex/internal/errors"
)

// snapshotMagic identifies a vector snapshot file.
var snapshotMagic = [4]byte{'M', 'X', 'V', '1'}

// ErrStaleSnapshot is returned by Load when the snapshot was written for an older
// vector generation than the one requested.
var ErrStaleSnapshot = errors.New("vector snapshot is stale")

var _ VectorIndex = (*MemoryIndex)(nil)

// MemoryIndex is an in-memory vector index using brute-force cosine search.
// Vectors are stored normalized, so search is one dot product per entry.
type MemoryIndex struct {
	dimensions int
	ids        []string
	vectors    [][]float32
	pos        map[string]int
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		pos:        make(map[string]int),
	}, nil
}

// Dimensions returns the fixed vector length.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

// Add inserts or replaces vectors. A vector of the wrong length is a ConfigMismatch
// and nothing is added.
func (m *MemoryIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	for i, vec := range vectors {
		if len(vec) != m.dimensions {
			return merrors.ConfigMismatch(ids[i], m.dimensions, len(vec))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		m.put(id, unit(vectors[i]))
	}
	return nil
}

func (m *MemoryIndex) put(id string, vec []float32) {
	if i, ok := m.pos[id]; ok {
		m.vectors[i] = vec
		return
	}
	m.pos[id] = len(m.ids)
	m.ids = append(m.ids, id)
	m.vectors = append(m.vectors, vec)
}

// Search returns the top-k vectors by cosine similarity. A query of the wrong
// length is a ConfigMismatch.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != m.dimensions {
		return nil, merrors.ConfigMismatch("query", m.dimensions, len(query))
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	q := unit(query)
	results := make([]*VectorResult, len(m.ids))
	for i, vec := range m.vectors {
		results[i] = &VectorResult{ID: m.ids[i], Score: dot(q, vec)}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// Remove deletes vectors by ID. Unknown IDs are ignored.
func (m *MemoryIndex) Remove(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		i, ok := m.pos[id]
		if !ok {
			continue
		}
		last := len(m.ids) - 1
		if i != last {
			m.ids[i] = m.ids[last]
			m.vectors[i] = m.vectors[last]
			m.pos[m.ids[i]] = i
		}
		m.ids = m.ids[:last]
		m.vectors = m.vectors[:last]
		delete(m.pos, id)
	}
	return nil
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Save writes a snapshot tagged with generation. The file is written to a temporary
// name in the same directory and renamed into place, so readers see either the old
// or the new snapshot. Format: magic (4), dimension (4), generation (8), n (4), then
// per vector: idLen (4), id bytes, vector (dimension*4 bytes). Little endian.
func (m *MemoryIndex) Save(path string, generation uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	tmp := f.Name()
	if err := m.write(f, generation); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func (m *MemoryIndex) write(f io.Writer, generation uint64) error {
	w := bufio.NewWriter(f)
	header := make([]byte, 20)
	copy(header[0:4], snapshotMagic[:])
	binary.LittleEndian.PutUint32(header[4:8], uint32(m.dimensions))
	binary.LittleEndian.PutUint64(header[8:16], generation)
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(m.ids)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	buf := make([]byte, 4+m.dimensions*4)
	for i, id := range m.ids {
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(id)))
		if _, err := w.Write(buf[0:4]); err != nil {
			return fmt.Errorf("write id len: %w", err)
		}
		if _, err := w.WriteString(id); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		vec := buf[4:]
		for j, v := range m.vectors[i] {
			binary.LittleEndian.PutUint32(vec[j*4:], math.Float32bits(v))
		}
		if _, err := w.Write(vec); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return w.Flush()
}

// Load replaces the index contents with the snapshot at path, which must have been
// written for generation. A missing file returns an error wrapping os.ErrNotExist;
// a snapshot for another generation returns ErrStaleSnapshot; a truncated or
// malformed file is StorageCorruption. On error the index is unchanged.
func (m *MemoryIndex) Load(path string, generation uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}
	r := bufio.NewReader(f)

	corrupt := func(what string, err error) error {
		return merrors.Corruption(path, fmt.Errorf("%s: %w", what, err))
	}
	header := make([]byte, 20)
	if _, err := io.ReadFull(r, header); err != nil {
		return corrupt("read header", err)
	}
	if [4]byte(header[0:4]) != snapshotMagic {
		return corrupt("read header", errors.New("bad magic"))
	}
	if dim := int(binary.LittleEndian.Uint32(header[4:8])); dim != m.dimensions {
		return merrors.ConfigMismatch(path, m.dimensions, dim)
	}
	if gen := binary.LittleEndian.Uint64(header[8:16]); gen != generation {
		return fmt.Errorf("%w: %s has generation %d, want %d", ErrStaleSnapshot, path, gen, generation)
	}
	n := binary.LittleEndian.Uint32(header[16:20])
	// Every entry takes at least its id length and vector.
	if minSize := int64(len(header)) + int64(n)*int64(4+m.dimensions*4); minSize > info.Size() {
		return corrupt("read header", fmt.Errorf("%d vectors need at least %d bytes, file has %d", n, minSize, info.Size()))
	}

	ids := make([]string, 0, n)
	vectors := make([][]float32, 0, n)
	pos := make(map[string]int, n)
	lenBuf := make([]byte, 4)
	vecBuf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return corrupt("read id len", err)
		}
		idLen := binary.LittleEndian.Uint32(lenBuf)
		if idLen > 4096 {
			return corrupt("read id len", fmt.Errorf("id length %d out of range", idLen))
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return corrupt("read id", err)
		}
		if _, err := io.ReadFull(r, vecBuf); err != nil {
			return corrupt("read vector", err)
		}
		vec := make([]float32, m.dimensions)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(vecBuf[j*4:]))
		}
		id := string(idBytes)
		pos[id] = len(ids)
		ids = append(ids, id)
		vectors = append(vectors, vec)
	}
	if _, err := r.ReadByte(); err != io.EOF {
		return corrupt("read trailer", errors.New("trailing data"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids, m.vectors, m.pos = ids, vectors, pos
	return nil
}
