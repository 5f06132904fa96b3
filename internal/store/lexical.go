package store

import (
	"context"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

// LexicalIndex is the fallback lexical backend used when the SQLite build
// lacks FTS5. It mirrors the shape of FTSSearch.
type LexicalIndex interface {
	Index(ctx context.Context, chunks []*Chunk) error
	Delete(ctx context.Context, ids []string) error
	Search(ctx context.Context, query string, limit int, project string) ([]*FTSHit, error)
	Close() error
}

// BleveIndex implements LexicalIndex on bleve v2.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex opens (or creates) a bleve index at path.
func NewBleveIndex(path string) (*BleveIndex, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildBleveMapping())
	}
	if err != nil {
		return nil, err
	}
	return &BleveIndex{index: idx}, nil
}

func buildBleveMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	contentField := bleve.NewTextFieldMapping()
	contentField.Store = false
	docMapping.AddFieldMappingsAt("content", contentField)

	projectField := bleve.NewKeywordFieldMapping()
	projectField.Store = false
	docMapping.AddFieldMappingsAt("project", projectField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = docMapping
	return m
}

// Index adds chunks to the index in one batch.
func (b *BleveIndex) Index(ctx context.Context, chunks []*Chunk) error {
	batch := b.index.NewBatch()
	for _, c := range chunks {
		doc := map[string]any{"content": c.Content, "project": c.ProjectSlug}
		if err := batch.Index(c.ID, doc); err != nil {
			return err
		}
	}
	return b.index.Batch(batch)
}

// Delete removes documents by chunk id.
func (b *BleveIndex) Delete(ctx context.Context, ids []string) error {
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

// Search runs a match query, optionally conjoined with a project term.
// Bleve scores ascend with relevance; they are negated so callers can keep
// the ascending-is-better BM25 ordering contract of FTSSearch.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, project string) ([]*FTSHit, error) {
	match := bleve.NewMatchQuery(query)
	match.SetField("content")

	var req *bleve.SearchRequest
	if project != "" {
		term := bleve.NewTermQuery(project)
		term.SetField("project")
		req = bleve.NewSearchRequest(bleve.NewConjunctionQuery(match, term))
	} else {
		req = bleve.NewSearchRequest(match)
	}
	req.Size = limit

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return []*FTSHit{}, nil
	}

	hits := make([]*FTSHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, &FTSHit{ChunkID: h.ID, Score: -h.Score})
	}
	return hits, nil
}

// Close closes the underlying index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

var _ LexicalIndex = (*BleveIndex)(nil)
