package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"nutrirag/internal/chunker"
	"nutrirag/internal/domain"
)

// Page is the OCR text of one page of the source document.
type Page struct {
	Source string
	Number int
	Text   string
}

// IngestStats summarizes an ingestion run.
type IngestStats struct {
	Pages  int
	Chunks int
	Total  int // index size afterwards
}

// Ingestor turns pages into indexed chunks.
type Ingestor struct {
	splitter domain.Chunker
	embedder domain.Embedder
	store    domain.VectorStore
	logger   *slog.Logger
	source   string
}

// IngestOption configures an Ingestor.
type IngestOption func(*Ingestor)

// WithSource tags every chunk with the document name instead of the page
// file name. An empty name keeps the file name.
func WithSource(name string) IngestOption { return func(in *Ingestor) { in.source = name } }

// NewIngestor creates an Ingestor. A nil logger means slog.Default().
func NewIngestor(splitter domain.Chunker, embedder domain.Embedder, store domain.VectorStore, logger *slog.Logger, opts ...IngestOption) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	in := &Ingestor{splitter: splitter, embedder: embedder, store: store, logger: logger}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Ingest cleans and chunks every page, embeds all chunks in one batch, adds
// them to the store and saves it. If embedding fails nothing is added.
func (in *Ingestor) Ingest(ctx context.Context, pages []Page) (IngestStats, error) {
	ctx, span := tracer().Start(ctx, "ingest")
	defer span.End()

	var texts []string
	var meta []domain.Metadata
	for _, p := range pages {
		chunks, err := in.splitter.Chunk(chunker.Clean(p.Text))
		if err != nil {
			return IngestStats{}, fail(span, err)
		}
		source := p.Source
		if in.source != "" {
			source = in.source
		}
		for _, c := range chunks {
			texts = append(texts, c)
			meta = append(meta, domain.Metadata{Source: source, Page: p.Number})
		}
	}
	stats := IngestStats{Pages: len(pages), Chunks: len(texts)}
	span.SetAttributes(attribute.Int("rag.pages", stats.Pages), attribute.Int("rag.chunks", stats.Chunks))
	if len(texts) == 0 {
		stats.Total = in.store.Len()
		in.logger.Warn("nothing to ingest", "pages", len(pages))
		return stats, nil
	}

	vectors, err := in.embedder.Embed(ctx, texts)
	if err != nil {
		return IngestStats{}, fail(span, fmt.Errorf("embed %d chunks: %w", len(texts), err))
	}
	if err := in.store.Add(ctx, vectors, texts, meta); err != nil {
		return IngestStats{}, fail(span, err)
	}
	if err := in.store.Save(ctx); err != nil {
		return IngestStats{}, fail(span, fmt.Errorf("save index: %w", err))
	}
	stats.Total = in.store.Len()
	in.logger.Info("ingestion complete", "pages", stats.Pages, "chunks", stats.Chunks, "total", stats.Total)
	return stats, nil
}

// IngestDir reads the page files of dir and ingests them.
func (in *Ingestor) IngestDir(ctx context.Context, dir string) (IngestStats, error) {
	pages, err := ReadPages(dir)
	if err != nil {
		return IngestStats{}, err
	}
	return in.Ingest(ctx, pages)
}

// EnsureIndex loads the store and, when it is empty and pagesDir is set,
// builds it from pagesDir.
func (in *Ingestor) EnsureIndex(ctx context.Context, pagesDir string) error {
	if err := in.store.Load(ctx); err != nil {
		return err
	}
	if in.store.Len() > 0 || pagesDir == "" {
		return nil
	}
	in.logger.Info("index empty, building knowledge base", "pages_dir", pagesDir)
	_, err := in.IngestDir(ctx, pagesDir)
	return err
}

var digitsPattern = regexp.MustCompile(`\d+`)

// ReadPages loads every *.txt file of dir as one page. Pages are numbered by
// the last number in the file name, or by position when the name has none,
// and returned in page order.
func ReadPages(dir string) ([]Page, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no .txt pages found in %s", dir)
	}
	sort.Strings(matches)

	pages := make([]Page, 0, len(matches))
	for i, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, err
		}
		base := filepath.Base(m)
		num := i + 1
		if all := digitsPattern.FindAllString(strings.TrimSuffix(base, filepath.Ext(base)), -1); len(all) > 0 {
			if n, err := strconv.Atoi(all[len(all)-1]); err == nil {
				num = n
			}
		}
		pages = append(pages, Page{Source: base, Number: num, Text: string(data)})
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })
	return pages, nil
}
