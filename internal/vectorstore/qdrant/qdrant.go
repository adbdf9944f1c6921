// Package qdrant stores the index in a Qdrant collection over gRPC. It
// satisfies domain.VectorStore so the engine can use it in place of the
// file index.
package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"nutrirag/internal/domain"
)

const (
	fieldText   = "text"
	fieldSource = "source"
	fieldPage   = "page"
)

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Config configures the Qdrant store.
type Config struct {
	Addr       string // host:port of the gRPC endpoint
	Collection string
	Dimension  int // 0 means take it from the first Add
	Timeout    time.Duration
}

// Storage is a Qdrant-backed vector store. Point ids are insertion positions,
// so ties in score can be broken by insertion order.
type Storage struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	timeout     time.Duration
	logger      *slog.Logger

	mu        sync.RWMutex
	dimension int
	count     int
	ready     bool
}

// NewStorage dials Qdrant. The connection is lazy; Load checks reachability.
func NewStorage(cfg Config, logger *slog.Logger) (*Storage, error) {
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant: dial %s: %w", cfg.Addr, err)
	}
	s := newWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), cfg, logger)
	s.conn = conn
	return s, nil
}

func newWithClients(points pointsAPI, collections collectionsAPI, cfg Config, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Storage{
		points:      points,
		collections: collections,
		collection:  cfg.Collection,
		dimension:   cfg.Dimension,
		timeout:     timeout,
		logger:      logger,
	}
}

// Close closes the gRPC connection.
func (s *Storage) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Load makes sure the collection exists and reads its point count.
func (s *Storage) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.collectionExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		s.count = 0
		if s.dimension > 0 {
			return s.createCollection(ctx, s.dimension)
		}
		return nil
	}
	s.ready = true

	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{CollectionName: s.collection, Exact: &exact})
	if err != nil {
		return s.serviceError("count", err)
	}
	s.count = int(resp.GetResult().GetCount())
	s.logger.Info("qdrant collection loaded", "collection", s.collection, "count", s.count)
	return nil
}

// Save is a no-op: upserts are acknowledged only after Qdrant has applied them.
func (s *Storage) Save(context.Context) error { return nil }

// Add upserts the entries with ids continuing from the current count.
func (s *Storage) Add(ctx context.Context, vectors [][]float32, texts []string, metadata []domain.Metadata) error {
	if len(vectors) != len(texts) {
		return &domain.LengthMismatchError{What: "vectors vs texts", Left: len(vectors), Right: len(texts)}
	}
	if metadata != nil && len(metadata) != len(texts) {
		return &domain.LengthMismatchError{What: "metadata vs texts", Left: len(metadata), Right: len(texts)}
	}
	if len(vectors) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dimension
	if dim == 0 {
		dim = len(vectors[0])
	}
	for _, v := range vectors {
		if len(v) != dim || dim == 0 {
			return &domain.DimensionMismatchError{Want: dim, Got: len(v)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if !s.ready {
		if err := s.createCollection(ctx, dim); err != nil {
			return err
		}
	}
	s.dimension = dim

	points := make([]*pb.PointStruct, len(vectors))
	for i, v := range vectors {
		var md domain.Metadata
		if metadata != nil {
			md = metadata[i]
		}
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(s.count + i)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: v}}},
			Payload: map[string]*pb.Value{
				fieldText:   {Kind: &pb.Value_StringValue{StringValue: texts[i]}},
				fieldSource: {Kind: &pb.Value_StringValue{StringValue: md.Source}},
				fieldPage:   {Kind: &pb.Value_IntegerValue{IntegerValue: int64(md.Page)}},
			},
		}
	}

	wait := true
	if _, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return s.serviceError("upsert", err)
	}
	s.count += len(points)
	return nil
}

// tieWindow extra points are fetched past topK so equal scores at the cut
// can be ordered by point id before trimming.
const tieWindow = 16

// Search returns the topK nearest points. Qdrant's cosine score is reported
// as the coarse similarity; equal scores are ordered by point id. Ties wider
// than tieWindow at the cut are still decided by Qdrant.
func (s *Storage) Search(ctx context.Context, query []float32, topK int) ([]domain.RetrievalResult, error) {
	if topK <= 0 {
		return nil, domain.NewConfigError("top_k", "must be positive, got %d", topK)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return []domain.RetrievalResult{}, nil
	}
	if s.dimension > 0 && len(query) != s.dimension {
		return nil, &domain.DimensionMismatchError{Want: s.dimension, Got: len(query)}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         query,
		Limit:          uint64(min(topK+tieWindow, s.count)),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, s.serviceError("search", err)
	}

	results := make([]domain.RetrievalResult, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		payload := pt.GetPayload()
		results = append(results, domain.RetrievalResult{
			Chunk: domain.Chunk{
				ID:     int(pt.GetId().GetNum()),
				Text:   payload[fieldText].GetStringValue(),
				Source: payload[fieldSource].GetStringValue(),
				Page:   int(payload[fieldPage].GetIntegerValue()),
			},
			CoarseSimilarity: float64(pt.GetScore()),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CoarseSimilarity != results[j].CoarseSimilarity {
			return results[i].CoarseSimilarity > results[j].CoarseSimilarity
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *Storage) collectionExists(ctx context.Context) (bool, error) {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, s.serviceError("list collections", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return true, nil
		}
	}
	return false, nil
}

func (s *Storage) createCollection(ctx context.Context, dim int) error {
	_, err := s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(dim), Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return s.serviceError("create collection", err)
	}
	s.ready = true
	s.logger.Info("qdrant collection created", "collection", s.collection, "dimension", dim)
	return nil
}

func (s *Storage) serviceError(op string, err error) error {
	retryable := false
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		retryable = true
	}
	return &domain.ServiceError{Service: "qdrant", Op: op, Retryable: retryable, Err: err}
}
