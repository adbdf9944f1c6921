// Package fileindex is a brute-force cosine vector index persisted to a
// directory. A save writes generation-suffixed data files and then commits
// them by atomically replacing manifest.json, so a reader never sees arrays
// of different lengths.
package fileindex

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"nutrirag/internal/domain"
)

const manifestName = "manifest.json"

type manifest struct {
	Generation int64     `json:"generation"`
	Count      int       `json:"count"`
	Dimension  int       `json:"dimension"`
	SavedAt    time.Time `json:"saved_at"`
}

// Index stores (vector, text, metadata) triples in insertion order.
type Index struct {
	dir    string
	logger *slog.Logger

	mu         sync.RWMutex
	dimension  int
	vectors    [][]float32
	norms      []float64
	texts      []string
	metadata   []domain.Metadata
	generation int64
}

// New returns an empty index persisted under dir.
func New(dir string, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{dir: dir, logger: logger}
}

// Dir returns the storage directory.
func (x *Index) Dir() string { return x.dir }

// Len returns the number of stored entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

// Dimension returns the vector dimension, 0 while the index is empty.
func (x *Index) Dimension() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dimension
}

// Add appends entries. Nothing is added when any entry is invalid.
func (x *Index) Add(ctx context.Context, vectors [][]float32, texts []string, metadata []domain.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vectors) != len(texts) {
		return &domain.LengthMismatchError{What: "vectors vs texts", Left: len(vectors), Right: len(texts)}
	}
	if metadata != nil && len(metadata) != len(texts) {
		return &domain.LengthMismatchError{What: "metadata vs texts", Left: len(metadata), Right: len(texts)}
	}
	if len(vectors) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	dim := x.dimension
	if dim == 0 {
		dim = len(vectors[0])
	}
	if dim == 0 {
		return &domain.DimensionMismatchError{Want: 0, Got: 0}
	}
	for _, v := range vectors {
		if len(v) != dim {
			return &domain.DimensionMismatchError{Want: dim, Got: len(v)}
		}
	}

	x.dimension = dim
	for i, v := range vectors {
		cp := make([]float32, len(v))
		copy(cp, v)
		x.vectors = append(x.vectors, cp)
		x.norms = append(x.norms, norm(cp))
		x.texts = append(x.texts, texts[i])
		if metadata != nil {
			x.metadata = append(x.metadata, metadata[i])
		} else {
			x.metadata = append(x.metadata, domain.Metadata{})
		}
	}
	return nil
}

// Search returns the topK entries most similar to query, descending by cosine
// similarity. Equal scores keep insertion order.
func (x *Index) Search(ctx context.Context, query []float32, topK int) ([]domain.RetrievalResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, domain.NewConfigError("top_k", "must be positive, got %d", topK)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.vectors) == 0 {
		return []domain.RetrievalResult{}, nil
	}
	if len(query) != x.dimension {
		return nil, &domain.DimensionMismatchError{Want: x.dimension, Got: len(query)}
	}

	qn := norm(query)
	scores := make([]float64, len(x.vectors))
	for i, v := range x.vectors {
		scores[i] = cosine(query, v, qn, x.norms[i])
	}
	idxs := make([]int, len(scores))
	for i := range idxs {
		idxs[i] = i
	}
	sort.SliceStable(idxs, func(a, b int) bool { return scores[idxs[a]] > scores[idxs[b]] })

	topK = min(topK, len(idxs))
	results := make([]domain.RetrievalResult, 0, topK)
	for _, j := range idxs[:topK] {
		results = append(results, domain.RetrievalResult{
			Chunk: domain.Chunk{
				ID:        j,
				Text:      x.texts[j],
				Source:    x.metadata[j].Source,
				Page:      x.metadata[j].Page,
				Embedding: x.vectors[j],
			},
			CoarseSimilarity: scores[j],
		})
	}
	return results, nil
}

// Entries returns copies of the stored texts and metadata in insertion order.
func (x *Index) Entries() ([]string, []domain.Metadata) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	texts := append([]string(nil), x.texts...)
	meta := append([]domain.Metadata(nil), x.metadata...)
	return texts, meta
}

// Load replaces the in-memory state with the last committed snapshot.
// A missing directory or manifest with no data files yields an empty index.
func (x *Index) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	m, err := x.readManifest()
	if err != nil {
		return err
	}
	if m == nil {
		leftovers, err := x.dataFiles()
		if err != nil {
			return err
		}
		if len(leftovers) > 0 {
			return &domain.IntegrityError{Path: x.dir, Reason: fmt.Sprintf("%d data files present without %s", len(leftovers), manifestName)}
		}
		x.reset()
		x.logger.Debug("vector index empty", "dir", x.dir)
		return nil
	}

	var vectors [][]float32
	if err := readGob(x.path("vectors", m.Generation, "gob"), &vectors); err != nil {
		return err
	}
	var texts []string
	if err := readJSON(x.path("texts", m.Generation, "json"), &texts); err != nil {
		return err
	}
	var metadata []domain.Metadata
	if err := readJSON(x.path("metadata", m.Generation, "json"), &metadata); err != nil {
		return err
	}

	if len(vectors) != m.Count || len(texts) != m.Count || len(metadata) != m.Count {
		return &domain.IntegrityError{
			Path:   x.dir,
			Reason: fmt.Sprintf("manifest count %d, vectors %d, texts %d, metadata %d", m.Count, len(vectors), len(texts), len(metadata)),
		}
	}
	norms := make([]float64, len(vectors))
	for i, v := range vectors {
		if len(v) != m.Dimension {
			return &domain.IntegrityError{Path: x.dir, Reason: fmt.Sprintf("vector %d has dimension %d, manifest says %d", i, len(v), m.Dimension)}
		}
		norms[i] = norm(v)
	}

	x.dimension = m.Dimension
	x.vectors = vectors
	x.norms = norms
	x.texts = texts
	x.metadata = metadata
	x.generation = m.Generation
	x.logger.Info("vector index loaded", "dir", x.dir, "count", m.Count, "dimension", m.Dimension, "generation", m.Generation)
	return nil
}

// Save writes a new snapshot and commits it by replacing the manifest.
// Files from older generations are removed afterwards.
func (x *Index) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	prev, err := x.readManifest()
	if err != nil {
		return err
	}
	gen := x.generation + 1
	if prev != nil && prev.Generation >= gen {
		gen = prev.Generation + 1
	}

	if err := writeAtomic(x.path("vectors", gen, "gob"), func(f *os.File) error {
		return gob.NewEncoder(f).Encode(x.vectors)
	}); err != nil {
		return err
	}
	if err := writeJSONAtomic(x.path("texts", gen, "json"), x.texts); err != nil {
		return err
	}
	if err := writeJSONAtomic(x.path("metadata", gen, "json"), x.metadata); err != nil {
		return err
	}
	m := manifest{Generation: gen, Count: len(x.vectors), Dimension: x.dimension, SavedAt: time.Now().UTC()}
	if err := writeJSONAtomic(filepath.Join(x.dir, manifestName), m); err != nil {
		return err
	}
	x.generation = gen
	x.removeStale(gen)
	x.logger.Info("vector index saved", "dir", x.dir, "count", m.Count, "generation", gen)
	return nil
}

func (x *Index) reset() {
	x.dimension = 0
	x.vectors = nil
	x.norms = nil
	x.texts = nil
	x.metadata = nil
	x.generation = 0
}

func (x *Index) path(kind string, gen int64, ext string) string {
	return filepath.Join(x.dir, fmt.Sprintf("%s-%d.%s", kind, gen, ext))
}

func (x *Index) readManifest() (*manifest, error) {
	b, err := os.ReadFile(filepath.Join(x.dir, manifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &domain.IntegrityError{Path: filepath.Join(x.dir, manifestName), Reason: err.Error()}
	}
	if m.Count < 0 || m.Dimension < 0 {
		return nil, &domain.IntegrityError{Path: filepath.Join(x.dir, manifestName), Reason: "negative count or dimension"}
	}
	return &m, nil
}

func (x *Index) dataFiles() ([]string, error) {
	var out []string
	for _, pattern := range []string{"vectors-*.gob", "texts-*.json", "metadata-*.json"} {
		matches, err := filepath.Glob(filepath.Join(x.dir, pattern))
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	return out, nil
}

func (x *Index) removeStale(keep int64) {
	files, err := x.dataFiles()
	if err != nil {
		x.logger.Warn("list stale index files", "err", err)
		return
	}
	suffix := fmt.Sprintf("-%d.", keep)
	for _, f := range files {
		if strings.Contains(filepath.Base(f), suffix) {
			continue
		}
		if err := os.Remove(f); err != nil {
			x.logger.Warn("remove stale index file", "path", f, "err", err)
		}
	}
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &domain.IntegrityError{Path: path, Reason: "missing data file"}
		}
		return err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(v); err != nil {
		return &domain.IntegrityError{Path: path, Reason: err.Error()}
	}
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &domain.IntegrityError{Path: path, Reason: "missing data file"}
		}
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return &domain.IntegrityError{Path: path, Reason: err.Error()}
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	return writeAtomic(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetEscapeHTML(false)
		return enc.Encode(v)
	})
}

// writeAtomic writes to a temp file in the same directory, syncs it and
// renames it over path.
func writeAtomic(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func norm(v []float32) float64 {
	s := 0.0
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// cosine returns dot(a,b)/(|a||b|); zero vectors have similarity 0.
func cosine(a, b []float32, na, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	dot := 0.0
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (na * nb)
}
