package memory

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// buildFactMapping indexes content and subject as text and keeps the
// category as a keyword.
func buildFactMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	factMapping := bleve.NewDocumentMapping()

	categoryField := bleve.NewTextFieldMapping()
	categoryField.Analyzer = keyword.Name
	categoryField.Store = false
	categoryField.Index = true
	factMapping.AddFieldMappingsAt("category", categoryField)

	subjectField := bleve.NewTextFieldMapping()
	subjectField.Analyzer = standard.Name
	subjectField.Store = false
	subjectField.Index = true
	factMapping.AddFieldMappingsAt("subject", subjectField)

	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = standard.Name
	contentField.Store = false
	contentField.Index = true
	factMapping.AddFieldMappingsAt("content", contentField)

	indexMapping.DefaultMapping = factMapping
	return indexMapping
}

// rankFacts scores facts against query with an in-memory index built for
// the call. Facts that do not match are absent from the result.
func rankFacts(facts []Fact, query string) (map[int]float64, error) {
	index, err := bleve.NewMemOnly(buildFactMapping())
	if err != nil {
		return nil, fmt.Errorf("create recall index: %w", err)
	}
	defer index.Close()

	batch := index.NewBatch()
	for _, f := range facts {
		doc := map[string]interface{}{
			"category": f.Category,
			"subject":  f.Subject,
			"content":  f.Content,
		}
		if err := batch.Index(strconv.Itoa(f.Index), doc); err != nil {
			return nil, fmt.Errorf("index fact %d: %w", f.Index, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, fmt.Errorf("index facts: %w", err)
	}

	contentQuery := bleve.NewMatchQuery(query)
	contentQuery.SetField("content")
	subjectQuery := bleve.NewMatchQuery(query)
	subjectQuery.SetField("subject")

	searchRequest := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(contentQuery, subjectQuery))
	searchRequest.Size = len(facts)

	searchResult, err := index.Search(searchRequest)
	if err != nil {
		return nil, fmt.Errorf("recall search failed: %w", err)
	}

	scores := make(map[int]float64, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		idx, err := strconv.Atoi(hit.ID)
		if err != nil {
			continue
		}
		scores[idx] = hit.Score
	}
	return scores, nil
}

// Recall returns the active facts matching query, best match first, at most
// limit of them when limit is positive.
func (m *WorkingMemory) Recall(query string, limit int) ([]Fact, error) {
	facts := m.eligible()
	if strings.TrimSpace(query) == "" || len(facts) == 0 {
		return nil, nil
	}
	scores, err := rankFacts(facts, query)
	if err != nil {
		return nil, err
	}
	var out []Fact
	for _, f := range facts {
		if _, ok := scores[f.Index]; ok {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i].Index] > scores[out[j].Index]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
