package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsmarket/syncengine/internal/model"
	"github.com/partsmarket/syncengine/internal/store"
)

type fakeIndexer struct {
	Indexer
	hasDocs   bool
	parts     []model.Part
	total     int64
	searchErr error
	queries   int
}

func (f *fakeIndexer) HasDocuments(ctx context.Context) bool { return f.hasDocs }

func (f *fakeIndexer) SearchParts(ctx context.Context, q store.SearchQuery) ([]model.Part, int64, error) {
	f.queries++
	return f.parts, f.total, f.searchErr
}

type fakePartsRepo struct {
	store.PartsRepo
	parts   []model.Part
	total   int64
	err     error
	queries int
}

func (f *fakePartsRepo) Search(ctx context.Context, q store.SearchQuery) ([]model.Part, int64, error) {
	f.queries++
	return f.parts, f.total, f.err
}

func TestSearcherUsesMirrorWhenPopulated(t *testing.T) {
	idx := &fakeIndexer{hasDocs: true, parts: []model.Part{{PartNumber: "A1"}}, total: 41}
	repo := &fakePartsRepo{}
	s := NewSearcher(idx, repo)

	res, err := s.Search(context.Background(), store.SearchQuery{Text: "brake"})
	require.NoError(t, err)

	assert.Equal(t, SourceSearchStore, res.Source)
	assert.Equal(t, int64(41), res.Total)
	assert.Equal(t, 3, res.TotalPages) // 41 results at 20 per page
	assert.True(t, res.HasMore)
	assert.Equal(t, 0, repo.queries)
}

func TestSearcherFallsBackWhenMirrorEmpty(t *testing.T) {
	idx := &fakeIndexer{hasDocs: false}
	repo := &fakePartsRepo{parts: []model.Part{{PartNumber: "B2"}}, total: 1}
	s := NewSearcher(idx, repo)

	res, err := s.Search(context.Background(), store.SearchQuery{})
	require.NoError(t, err)

	assert.Equal(t, SourcePrimaryStore, res.Source)
	assert.Equal(t, 0, idx.queries)
	assert.Equal(t, 1, repo.queries)
	assert.False(t, res.HasMore)
}

func TestSearcherFallsBackOnMirrorError(t *testing.T) {
	idx := &fakeIndexer{hasDocs: true, searchErr: errors.New("es down")}
	repo := &fakePartsRepo{parts: []model.Part{{PartNumber: "C3"}}, total: 1}
	s := NewSearcher(idx, repo)

	res, err := s.Search(context.Background(), store.SearchQuery{})
	require.NoError(t, err)

	assert.Equal(t, SourcePrimaryStore, res.Source)
	assert.Equal(t, 1, idx.queries)
	assert.Equal(t, 1, repo.queries)
}

func TestSearcherNilIndexer(t *testing.T) {
	repo := &fakePartsRepo{total: 5}
	s := NewSearcher(nil, repo)

	res, err := s.Search(context.Background(), store.SearchQuery{})
	require.NoError(t, err)
	assert.Equal(t, SourcePrimaryStore, res.Source)
}

func TestSearcherPaginationDefaults(t *testing.T) {
	repo := &fakePartsRepo{total: 100}
	s := NewSearcher(nil, repo)

	res, err := s.Search(context.Background(), store.SearchQuery{Page: -3, Limit: 5000})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Page)
	assert.Equal(t, 20, res.Limit)
	assert.Equal(t, 5, res.TotalPages)
}

func TestSearcherPropagatesPrimaryStoreError(t *testing.T) {
	repo := &fakePartsRepo{err: errors.New("db gone")}
	s := NewSearcher(nil, repo)

	_, err := s.Search(context.Background(), store.SearchQuery{})
	assert.Error(t, err)
}
