package qdrant

import (
	"context"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"nutrirag/internal/domain"
)

type fakePoints struct {
	upserts    []*pb.UpsertPoints
	searches   []*pb.SearchPoints
	searchResp *pb.SearchResponse
	searchErr  error
	count      uint64
}

func (f *fakePoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	f.upserts = append(f.upserts, in)
	return &pb.PointsOperationResponse{}, nil
}

func (f *fakePoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	f.searches = append(f.searches, in)
	if f.searchResp == nil {
		return nil, f.searchErr
	}
	res := f.searchResp.GetResult()
	if limit := int(in.GetLimit()); limit < len(res) {
		res = res[:limit]
	}
	return &pb.SearchResponse{Result: res}, f.searchErr
}

func (f *fakePoints) Count(_ context.Context, _ *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	return &pb.CountResponse{Result: &pb.CountResult{Count: f.count}}, nil
}

type fakeCollections struct {
	names   []string
	created []*pb.CreateCollection
}

func (f *fakeCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	var out []*pb.CollectionDescription
	for _, n := range f.names {
		out = append(out, &pb.CollectionDescription{Name: n})
	}
	return &pb.ListCollectionsResponse{Collections: out}, nil
}

func (f *fakeCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	f.created = append(f.created, in)
	f.names = append(f.names, in.GetCollectionName())
	return &pb.CollectionOperationResponse{Result: true}, nil
}

func scored(id uint64, score float32, text string, page int64) *pb.ScoredPoint {
	return &pb.ScoredPoint{
		Id:    &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: id}},
		Score: score,
		Payload: map[string]*pb.Value{
			fieldText: {Kind: &pb.Value_StringValue{StringValue: text}},
			fieldPage: {Kind: &pb.Value_IntegerValue{IntegerValue: page}},
		},
	}
}

func TestLoad_ExistingCollectionReadsCount(t *testing.T) {
	pts := &fakePoints{count: 7}
	cols := &fakeCollections{names: []string{"guidelines"}}
	s := newWithClients(pts, cols, Config{Collection: "guidelines", Dimension: 3}, nil)

	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 7, s.Len())
	assert.Empty(t, cols.created)
}

func TestAdd_CreatesCollectionAndContinuesIDs(t *testing.T) {
	pts := &fakePoints{count: 2}
	cols := &fakeCollections{}
	s := newWithClients(pts, cols, Config{Collection: "guidelines"}, nil)
	require.NoError(t, s.Load(context.Background()))

	err := s.Add(context.Background(),
		[][]float32{{1, 0}, {0, 1}},
		[]string{"蔬菜", "蛋白质"},
		[]domain.Metadata{{Source: "p1.txt", Page: 1}, {Source: "p2.txt", Page: 2}})
	require.NoError(t, err)

	require.Len(t, cols.created, 1)
	assert.Equal(t, uint64(2), cols.created[0].GetVectorsConfig().GetParams().GetSize())
	require.Len(t, pts.upserts, 1)
	got := pts.upserts[0].GetPoints()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].GetId().GetNum())
	assert.Equal(t, uint64(1), got[1].GetId().GetNum())
	assert.Equal(t, int64(2), got[1].GetPayload()[fieldPage].GetIntegerValue())
	assert.Equal(t, 2, s.Len())

	err = s.Add(context.Background(), [][]float32{{1, 2, 3}}, []string{"x"}, nil)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestSearch_OrdersTiesByID(t *testing.T) {
	pts := &fakePoints{count: 3, searchResp: &pb.SearchResponse{Result: []*pb.ScoredPoint{
		scored(2, 0.9, "c", 3),
		scored(0, 0.9, "a", 1),
		scored(1, 0.5, "b", 2),
	}}}
	s := newWithClients(pts, &fakeCollections{names: []string{"g"}}, Config{Collection: "g", Dimension: 2}, nil)
	require.NoError(t, s.Load(context.Background()))

	res, err := s.Search(context.Background(), []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, []string{"a", "c", "b"}, []string{res[0].Chunk.Text, res[1].Chunk.Text, res[2].Chunk.Text})
	assert.Equal(t, 1, res[0].Chunk.Page)
	assert.InDelta(t, 0.9, res[0].CoarseSimilarity, 1e-6)
}

func TestSearch_TieAtCutKeepsEarliestPoint(t *testing.T) {
	// Qdrant may hand back equal scores in any order; the later point comes first here.
	pts := &fakePoints{count: 40, searchResp: &pb.SearchResponse{Result: []*pb.ScoredPoint{
		scored(0, 0.95, "top", 1),
		scored(7, 0.8, "later", 2),
		scored(3, 0.8, "earlier", 3),
		scored(9, 0.1, "far", 4),
	}}}
	s := newWithClients(pts, &fakeCollections{names: []string{"g"}}, Config{Collection: "g", Dimension: 2}, nil)
	require.NoError(t, s.Load(context.Background()))

	res, err := s.Search(context.Background(), []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "top", res[0].Chunk.Text)
	assert.Equal(t, "earlier", res[1].Chunk.Text)
	require.Len(t, pts.searches, 1)
	assert.EqualValues(t, 2+tieWindow, pts.searches[0].GetLimit())
}

func TestSearch_UnavailableIsRetryable(t *testing.T) {
	pts := &fakePoints{count: 1, searchErr: status.Error(codes.Unavailable, "down")}
	s := newWithClients(pts, &fakeCollections{names: []string{"g"}}, Config{Collection: "g"}, nil)
	require.NoError(t, s.Load(context.Background()))

	_, err := s.Search(context.Background(), []float32{1}, 1)
	var se *domain.ServiceError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable)
}

func TestSearch_EmptyCollection(t *testing.T) {
	s := newWithClients(&fakePoints{}, &fakeCollections{}, Config{Collection: "g"}, nil)
	require.NoError(t, s.Load(context.Background()))
	res, err := s.Search(context.Background(), []float32{1}, 3)
	require.NoError(t, err)
	assert.Empty(t, res)
}
